package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/pkg/pagination"
)

const dateLayout = "2006-01-02"

type Handler struct {
	invoices *InvoiceService
	ledger   *PaymentLedger
}

func NewHandler(invoices *InvoiceService, ledger *PaymentLedger) *Handler {
	return &Handler{invoices: invoices, ledger: ledger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/invoices", h.ListInvoices)
	api.GET("/invoices/:id", h.GetInvoice)
	api.GET("/invoices/:id/payments", h.ListPayments)

	api.POST("/invoices", h.CreateInvoice)
	api.PUT("/invoices/:id", h.UpdateInvoice)
	api.DELETE("/invoices/:id", h.DeleteInvoice)
	api.POST("/invoices/:id/payments", h.RecordPayment)
}

type itemRequest struct {
	ItemType    ItemType        `json:"item_type"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type invoiceRequest struct {
	PatientID      uuid.UUID       `json:"patient_id"`
	DoctorID       *uuid.UUID      `json:"doctor_id"`
	AppointmentID  *uuid.UUID      `json:"appointment_id"`
	InvoiceDate    string          `json:"invoice_date"`
	DueDate        *string         `json:"due_date"`
	Items          []itemRequest   `json:"items"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Notes          *string         `json:"notes"`
}

type paymentRequest struct {
	PaymentDate     string          `json:"payment_date"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	Amount          decimal.Decimal `json:"amount"`
	ReferenceNumber *string         `json:"reference_number"`
	Notes           *string         `json:"notes"`
}

type createdResponse struct {
	ID uuid.UUID `json:"id"`
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, invalid(field, "must be a date in YYYY-MM-DD format")
	}
	return t, nil
}

func (r invoiceRequest) toInput(actor string) (InvoiceInput, error) {
	in := InvoiceInput{
		PatientID:      r.PatientID,
		DoctorID:       r.DoctorID,
		AppointmentID:  r.AppointmentID,
		TaxRate:        r.TaxRate,
		DiscountAmount: r.DiscountAmount,
		Notes:          r.Notes,
		ActorID:        actor,
	}
	d, err := parseDate("invoice_date", r.InvoiceDate)
	if err != nil {
		return in, err
	}
	in.InvoiceDate = d
	if r.DueDate != nil && *r.DueDate != "" {
		due, err := parseDate("due_date", *r.DueDate)
		if err != nil {
			return in, err
		}
		in.DueDate = &due
	}
	for _, it := range r.Items {
		in.Items = append(in.Items, ItemInput(it))
	}
	return in, nil
}

// httpError maps the domain error kinds onto status codes. Storage failures
// keep their cause internal.
func httpError(err error) error {
	var (
		ve *ValidationError
		nf *NotFoundError
		ce *ConflictError
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &nf):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &ce):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &pe) && pe.Retryable():
		return echo.NewHTTPError(http.StatusServiceUnavailable, "temporarily unavailable, retry the request").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req invoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in, err := req.toInput(auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	id, err := h.invoices.CreateInvoice(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, createdResponse{ID: id})
}

func (h *Handler) UpdateInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req invoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in, err := req.toInput(auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	if err := h.invoices.UpdateInvoice(c.Request().Context(), id, in); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.invoices.DeleteInvoice(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	detail, err := h.invoices.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Search:   c.QueryParam("search"),
		Status:   PaymentStatus(c.QueryParam("status")),
		Page:     pg.Page,
		PageSize: pg.PageSize,
	}
	if v := c.QueryParam("date_from"); v != "" {
		d, err := parseDate("date_from", v)
		if err != nil {
			return httpError(err)
		}
		f.DateFrom = &d
	}
	if v := c.QueryParam("date_to"); v != "" {
		d, err := parseDate("date_to", v)
		if err != nil {
			return httpError(err)
		}
		f.DateTo = &d
	}
	list, err := h.invoices.ListInvoices(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list.Rows, list.TotalCount, pg))
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := parseDate("payment_date", req.PaymentDate)
	if err != nil {
		return httpError(err)
	}
	paymentID, err := h.ledger.RecordPayment(c.Request().Context(), PaymentInput{
		InvoiceID:       id,
		PaymentDate:     date,
		Method:          req.PaymentMethod,
		Amount:          req.Amount,
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
		ActorID:         auth.ActorFromContext(c.Request().Context()),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, createdResponse{ID: paymentID})
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	payments, err := h.ledger.ListPayments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, payments)
}
