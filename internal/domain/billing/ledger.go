package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentLedger records payments and keeps the invoice settlement in step
// with them. Payments are append-only.
type PaymentLedger struct {
	tx       Transactor
	invoices InvoiceRepository
	payments PaymentRepository
	numbers  IdentifierGenerator
	prefix   string
	now      func() time.Time
}

func NewPaymentLedger(tx Transactor, inv InvoiceRepository, pay PaymentRepository, numbers IdentifierGenerator) *PaymentLedger {
	return &PaymentLedger{
		tx:       tx,
		invoices: inv,
		payments: pay,
		numbers:  numbers,
		prefix:   DefaultPaymentPrefix,
		now:      time.Now,
	}
}

// SetPrefix overrides the payment number prefix.
func (l *PaymentLedger) SetPrefix(prefix string) {
	if prefix != "" {
		l.prefix = prefix
	}
}

func (l *PaymentLedger) SetClock(now func() time.Time) {
	l.now = now
}

func validatePayment(in PaymentInput) error {
	if in.InvoiceID == uuid.Nil {
		return invalid("invoice_id", "is required")
	}
	if strings.TrimSpace(in.ActorID) == "" {
		return invalid("actor_id", "is required")
	}
	if in.PaymentDate.IsZero() {
		return invalid("payment_date", "is required")
	}
	if !in.Method.Valid() {
		return invalid("payment_method", fmt.Sprintf("invalid payment method %q", in.Method))
	}
	if !in.Amount.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	return checkAmount("amount", in.Amount)
}

// RecordPayment appends a payment and re-derives the invoice settlement in
// the same transaction. The invoice row lock serializes concurrent payments
// against one invoice, so each recompute sees every earlier payment.
func (l *PaymentLedger) RecordPayment(ctx context.Context, in PaymentInput) (uuid.UUID, error) {
	if err := validatePayment(in); err != nil {
		return uuid.Nil, err
	}
	now := l.now()
	p := &Payment{
		ID:              uuid.New(),
		InvoiceID:       in.InvoiceID,
		PaymentDate:     dateOf(in.PaymentDate),
		PaymentMethod:   in.Method,
		Amount:          in.Amount,
		ReferenceNumber: in.ReferenceNumber,
		Notes:           in.Notes,
		ReceivedBy:      strings.TrimSpace(in.ActorID),
	}

	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := lockInvoice(ctx, l.invoices, in.InvoiceID)
		if err != nil {
			return err
		}
		paid, err := l.payments.SumByInvoice(ctx, inv.ID)
		if err != nil {
			return classify("sum payments", err)
		}
		outstanding := inv.TotalAmount.Sub(paid)
		if in.Amount.GreaterThan(outstanding) {
			return invalid("amount", fmt.Sprintf("%s exceeds the outstanding balance %s",
				in.Amount.StringFixed(CurrencyScale), outstanding.StringFixed(CurrencyScale)))
		}

		number, err := l.numbers.Next(ctx, l.prefix, now)
		if err != nil {
			return err
		}
		p.PaymentNumber = number
		if err := l.payments.Create(ctx, p); err != nil {
			return classify("create payment", err)
		}
		return recompute(ctx, l.invoices, l.payments, inv, now)
	})
	if err != nil {
		return uuid.Nil, classify("record payment", err)
	}
	return p.ID, nil
}

// ListPayments returns the payments of an invoice in the order they were
// recorded.
func (l *PaymentLedger) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := l.invoices.GetByID(ctx, invoiceID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Resource: "invoice", ID: invoiceID}
		}
		return nil, classify("get invoice", err)
	}
	items, err := l.payments.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, classify("list payments", err)
	}
	if items == nil {
		items = []*Payment{}
	}
	return items, nil
}

// recompute re-reads the ledger sum for a locked invoice and writes the
// settlement back when it changed. Callers must hold the row lock.
func recompute(ctx context.Context, invoices InvoiceRepository, payments PaymentRepository, inv *Invoice, today time.Time) error {
	paid, err := payments.SumByInvoice(ctx, inv.ID)
	if err != nil {
		return classify("sum payments", err)
	}
	if !settle(inv, paid, today) {
		return nil
	}
	if err := invoices.UpdateSettlement(ctx, inv); err != nil {
		return classify("update invoice settlement", err)
	}
	return nil
}

