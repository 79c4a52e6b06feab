package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the settlement state of an invoice. It is always derived
// by CalculateStatus, never set by callers.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusPartial PaymentStatus = "partial"
	StatusPaid    PaymentStatus = "paid"
	StatusOverdue PaymentStatus = "overdue"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPartial, StatusPaid, StatusOverdue:
		return true
	}
	return false
}

type ItemType string

const (
	ItemConsultation ItemType = "consultation"
	ItemProcedure    ItemType = "procedure"
	ItemTest         ItemType = "test"
	ItemMedication   ItemType = "medication"
	ItemRoom         ItemType = "room"
	ItemOther        ItemType = "other"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemConsultation, ItemProcedure, ItemTest, ItemMedication, ItemRoom, ItemOther:
		return true
	}
	return false
}

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodInsurance    PaymentMethod = "insurance"
	MethodOther        PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodBankTransfer, MethodInsurance, MethodOther:
		return true
	}
	return false
}

// Invoice maps to the invoice table.
type Invoice struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	InvoiceNumber  string          `db:"invoice_number" json:"invoice_number"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	DoctorID       *uuid.UUID      `db:"doctor_id" json:"doctor_id,omitempty"`
	AppointmentID  *uuid.UUID      `db:"appointment_id" json:"appointment_id,omitempty"`
	InvoiceDate    time.Time       `db:"invoice_date" json:"invoice_date"`
	DueDate        *time.Time      `db:"due_date" json:"due_date,omitempty"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxRate        decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	TaxAmount      decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount     decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	BalanceAmount  decimal.Decimal `db:"balance_amount" json:"balance_amount"`
	PaymentStatus  PaymentStatus   `db:"payment_status" json:"payment_status"`
	Notes          *string         `db:"notes" json:"notes,omitempty"`
	CreatedBy      string          `db:"created_by" json:"created_by"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// InvoiceItem maps to the invoice_item table.
type InvoiceItem struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Sequence    int             `db:"sequence" json:"sequence"`
	ItemType    ItemType        `db:"item_type" json:"item_type"`
	Description string          `db:"description" json:"description"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice  decimal.Decimal `db:"total_price" json:"total_price"`
}

// Payment maps to the payment table. Rows are never updated or deleted.
type Payment struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PaymentNumber   string          `db:"payment_number" json:"payment_number"`
	InvoiceID       uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	PaymentDate     time.Time       `db:"payment_date" json:"payment_date"`
	PaymentMethod   PaymentMethod   `db:"payment_method" json:"payment_method"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	ReferenceNumber *string         `db:"reference_number" json:"reference_number,omitempty"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	ReceivedBy      string          `db:"received_by" json:"received_by"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// ItemInput is a caller-supplied line. TotalPrice is always computed.
type ItemInput struct {
	ItemType    ItemType
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// InvoiceInput carries the caller-controlled fields of an invoice. Paid
// amount, balance and status are derived and have no place here.
type InvoiceInput struct {
	PatientID      uuid.UUID
	DoctorID       *uuid.UUID
	AppointmentID  *uuid.UUID
	InvoiceDate    time.Time
	DueDate        *time.Time
	Items          []ItemInput
	TaxRate        decimal.Decimal
	DiscountAmount decimal.Decimal
	Notes          *string
	ActorID        string
}

type PaymentInput struct {
	InvoiceID       uuid.UUID
	PaymentDate     time.Time
	Method          PaymentMethod
	Amount          decimal.Decimal
	ReferenceNumber *string
	Notes           *string
	ActorID         string
}

// InvoiceDetail is an invoice together with its lines and payments.
type InvoiceDetail struct {
	Invoice  *Invoice       `json:"invoice"`
	Items    []*InvoiceItem `json:"items"`
	Payments []*Payment     `json:"payments"`
}

// ListFilter narrows ListInvoices. Zero values mean "no filter"; Page is
// 1-based.
type ListFilter struct {
	Search   string
	Status   PaymentStatus
	DateFrom *time.Time
	DateTo   *time.Time
	Page     int
	PageSize int
}

type InvoiceList struct {
	Rows       []*Invoice `json:"rows"`
	TotalCount int        `json:"total_count"`
}
