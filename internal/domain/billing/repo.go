package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transactor runs fn as one atomic unit of work. Repositories called with the
// ctx handed to fn take part in the same transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetForUpdate reads the invoice and locks its row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	Update(ctx context.Context, inv *Invoice) error
	UpdateSettlement(ctx context.Context, inv *Invoice) error
	Delete(ctx context.Context, id uuid.UUID) error
	InsertItems(ctx context.Context, items []*InvoiceItem) error
	DeleteItems(ctx context.Context, invoiceID uuid.UUID) error
	GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error)
	// ListOverdueCandidates returns ids of pending invoices due before today,
	// ordered by id and starting after the given id.
	ListOverdueCandidates(ctx context.Context, today time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	SumByInvoice(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
	CountByInvoice(ctx context.Context, invoiceID uuid.UUID) (int, error)
}

type SequenceRepository interface {
	// NextValue increments and returns the counter for (prefix, year),
	// starting at 1.
	NextValue(ctx context.Context, prefix string, year int) (int64, error)
}
