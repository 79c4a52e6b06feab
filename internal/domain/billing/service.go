package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/pkg/pagination"
)

// InvoiceService owns the invoice header and its lines. Every mutator is one
// transaction; settlement fields are re-derived from the payment table while
// the invoice row is locked.
type InvoiceService struct {
	tx       Transactor
	invoices InvoiceRepository
	payments PaymentRepository
	numbers  IdentifierGenerator
	prefix   string
	now      func() time.Time
}

func NewInvoiceService(tx Transactor, inv InvoiceRepository, pay PaymentRepository, numbers IdentifierGenerator) *InvoiceService {
	return &InvoiceService{
		tx:       tx,
		invoices: inv,
		payments: pay,
		numbers:  numbers,
		prefix:   DefaultInvoicePrefix,
		now:      time.Now,
	}
}

// SetPrefix overrides the invoice number prefix.
func (s *InvoiceService) SetPrefix(prefix string) {
	if prefix != "" {
		s.prefix = prefix
	}
}

// SetClock replaces the time source used for numbering and status.
func (s *InvoiceService) SetClock(now func() time.Time) {
	s.now = now
}

var maxTaxRate = decimal.NewFromInt(100)

// validateInvoice checks caller input and returns the derived totals. It
// never touches storage.
func validateInvoice(in InvoiceInput) (Totals, error) {
	if in.PatientID == uuid.Nil {
		return Totals{}, invalid("patient_id", "is required")
	}
	if strings.TrimSpace(in.ActorID) == "" {
		return Totals{}, invalid("actor_id", "is required")
	}
	if in.InvoiceDate.IsZero() {
		return Totals{}, invalid("invoice_date", "is required")
	}
	if in.DueDate != nil && dateOf(*in.DueDate).Before(dateOf(in.InvoiceDate)) {
		return Totals{}, invalid("due_date", "must not be before invoice_date")
	}
	if len(in.Items) == 0 {
		return Totals{}, invalid("items", "at least one item is required")
	}
	for i, it := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if !it.ItemType.Valid() {
			return Totals{}, invalid(field+".item_type", fmt.Sprintf("invalid item type %q", it.ItemType))
		}
		if strings.TrimSpace(it.Description) == "" {
			return Totals{}, invalid(field+".description", "is required")
		}
		if it.Quantity <= 0 {
			return Totals{}, invalid(field+".quantity", "must be greater than zero")
		}
		if it.Quantity > math.MaxInt32 {
			return Totals{}, invalid(field+".quantity", fmt.Sprintf("must not exceed %d", math.MaxInt32))
		}
		if it.UnitPrice.IsNegative() {
			return Totals{}, invalid(field+".unit_price", "must not be negative")
		}
		if err := checkAmount(field+".unit_price", it.UnitPrice); err != nil {
			return Totals{}, err
		}
		if err := checkAmount(field+".total_price", LineTotal(it.Quantity, it.UnitPrice)); err != nil {
			return Totals{}, err
		}
	}
	if in.TaxRate.IsNegative() || in.TaxRate.GreaterThan(maxTaxRate) {
		return Totals{}, invalid("tax_rate", "must be between 0 and 100")
	}
	if !hasCurrencyScale(in.TaxRate) {
		return Totals{}, invalid("tax_rate", "must have at most 2 decimal places")
	}
	if in.DiscountAmount.IsNegative() {
		return Totals{}, invalid("discount_amount", "must not be negative")
	}
	if err := checkAmount("discount_amount", in.DiscountAmount); err != nil {
		return Totals{}, err
	}

	t := ComputeTotals(in.Items, in.TaxRate, in.DiscountAmount)
	if in.DiscountAmount.GreaterThan(t.Subtotal) {
		return Totals{}, invalid("discount_amount", "must not exceed the subtotal")
	}
	if err := checkAmount("subtotal", t.Subtotal); err != nil {
		return Totals{}, err
	}
	if err := checkAmount("total_amount", t.TotalAmount); err != nil {
		return Totals{}, err
	}
	return t, nil
}

func buildItems(invoiceID uuid.UUID, in []ItemInput) []*InvoiceItem {
	items := make([]*InvoiceItem, 0, len(in))
	for i, it := range in {
		items = append(items, &InvoiceItem{
			ID:          uuid.New(),
			InvoiceID:   invoiceID,
			Sequence:    i + 1,
			ItemType:    it.ItemType,
			Description: strings.TrimSpace(it.Description),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  LineTotal(it.Quantity, it.UnitPrice),
		})
	}
	return items
}

func applyInput(inv *Invoice, in InvoiceInput, t Totals) {
	inv.PatientID = in.PatientID
	inv.DoctorID = in.DoctorID
	inv.AppointmentID = in.AppointmentID
	inv.InvoiceDate = dateOf(in.InvoiceDate)
	inv.DueDate = nil
	if in.DueDate != nil {
		d := dateOf(*in.DueDate)
		inv.DueDate = &d
	}
	inv.TaxRate = in.TaxRate
	inv.Subtotal = t.Subtotal
	inv.TaxAmount = t.TaxAmount
	inv.DiscountAmount = t.DiscountAmount
	inv.TotalAmount = t.TotalAmount
	inv.Notes = in.Notes
}

// CreateInvoice validates the input, numbers the invoice and writes the
// header with its lines as one unit. A new invoice has nothing paid.
func (s *InvoiceService) CreateInvoice(ctx context.Context, in InvoiceInput) (uuid.UUID, error) {
	totals, err := validateInvoice(in)
	if err != nil {
		return uuid.Nil, err
	}
	now := s.now()
	inv := &Invoice{ID: uuid.New(), CreatedBy: strings.TrimSpace(in.ActorID)}
	applyInput(inv, in, totals)
	settle(inv, decimal.Zero, now)

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		number, err := s.numbers.Next(ctx, s.prefix, now)
		if err != nil {
			return err
		}
		inv.InvoiceNumber = number
		if err := s.invoices.Create(ctx, inv); err != nil {
			return classify("create invoice", err)
		}
		if err := s.invoices.InsertItems(ctx, buildItems(inv.ID, in.Items)); err != nil {
			return classify("create invoice items", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, classify("create invoice", err)
	}
	return inv.ID, nil
}

// lockInvoice loads the invoice for update, mapping a missing row to
// NotFoundError.
func lockInvoice(ctx context.Context, repo InvoiceRepository, id uuid.UUID) (*Invoice, error) {
	inv, err := repo.GetForUpdate(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "invoice", ID: id}
	}
	if err != nil {
		return nil, classify("lock invoice", err)
	}
	return inv, nil
}

// UpdateInvoice replaces the editable fields and the full item set, then
// re-derives paid, balance and status from the payment table. The new total
// may not fall below what has already been paid.
func (s *InvoiceService) UpdateInvoice(ctx context.Context, id uuid.UUID, in InvoiceInput) error {
	totals, err := validateInvoice(in)
	if err != nil {
		return err
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := lockInvoice(ctx, s.invoices, id)
		if err != nil {
			return err
		}
		paid, err := s.payments.SumByInvoice(ctx, id)
		if err != nil {
			return classify("sum payments", err)
		}
		if totals.TotalAmount.LessThan(paid) {
			return &ConflictError{Reason: fmt.Sprintf(
				"new total %s is below the amount already paid %s",
				totals.TotalAmount.StringFixed(CurrencyScale), paid.StringFixed(CurrencyScale))}
		}
		applyInput(inv, in, totals)
		settle(inv, paid, s.now())
		if err := s.invoices.Update(ctx, inv); err != nil {
			return classify("update invoice", err)
		}
		if err := s.invoices.DeleteItems(ctx, id); err != nil {
			return classify("delete invoice items", err)
		}
		if err := s.invoices.InsertItems(ctx, buildItems(id, in.Items)); err != nil {
			return classify("insert invoice items", err)
		}
		return nil
	})
	return classify("update invoice", err)
}

// DeleteInvoice removes an invoice and its lines. Invoices with payments are
// part of the ledger and cannot be deleted.
func (s *InvoiceService) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := lockInvoice(ctx, s.invoices, id); err != nil {
			return err
		}
		n, err := s.payments.CountByInvoice(ctx, id)
		if err != nil {
			return classify("count payments", err)
		}
		if n > 0 {
			return &ConflictError{Reason: fmt.Sprintf("invoice has %d recorded payment(s)", n)}
		}
		if err := s.invoices.DeleteItems(ctx, id); err != nil {
			return classify("delete invoice items", err)
		}
		if err := s.invoices.Delete(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return &NotFoundError{Resource: "invoice", ID: id}
			}
			return classify("delete invoice", err)
		}
		return nil
	})
	return classify("delete invoice", err)
}

func (s *InvoiceService) GetInvoice(ctx context.Context, id uuid.UUID) (*InvoiceDetail, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "invoice", ID: id}
	}
	if err != nil {
		return nil, classify("get invoice", err)
	}
	items, err := s.invoices.GetItems(ctx, id)
	if err != nil {
		return nil, classify("get invoice items", err)
	}
	payments, err := s.payments.ListByInvoice(ctx, id)
	if err != nil {
		return nil, classify("list payments", err)
	}
	if items == nil {
		items = []*InvoiceItem{}
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return &InvoiceDetail{Invoice: inv, Items: items, Payments: payments}, nil
}

func (s *InvoiceService) ListInvoices(ctx context.Context, f ListFilter) (*InvoiceList, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("invalid payment status %q", f.Status))
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return nil, invalid("date_to", "must not be before date_from")
	}
	pg := pagination.New(f.Page, f.PageSize)
	f.Page, f.PageSize = pg.Page, pg.PageSize
	rows, total, err := s.invoices.List(ctx, f, pg.Limit(), pg.Offset())
	if err != nil {
		return nil, classify("list invoices", err)
	}
	if rows == nil {
		rows = []*Invoice{}
	}
	return &InvoiceList{Rows: rows, TotalCount: total}, nil
}
