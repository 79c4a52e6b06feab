package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalculateStatus derives the payment status of an invoice:
//
//	paid ≥ total and total > 0              → paid
//	0 < paid < total                        → partial
//	paid = 0 and due date before today      → overdue
//	otherwise                               → pending
//
// Due date and today are compared as calendar dates.
func CalculateStatus(paid, total decimal.Decimal, dueDate *time.Time, today time.Time) PaymentStatus {
	switch {
	case total.IsPositive() && paid.GreaterThanOrEqual(total):
		return StatusPaid
	case paid.IsPositive() && paid.LessThan(total):
		return StatusPartial
	case paid.IsZero() && dueDate != nil && dateOf(*dueDate).Before(dateOf(today)):
		return StatusOverdue
	}
	return StatusPending
}

// dateOf drops the clock part, keeping the calendar date as seen in t's own
// location.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// settle re-derives the settlement fields of inv from the ledger sum. It is
// the single place where paid, balance and status are assigned, and reports
// whether any of them changed.
func settle(inv *Invoice, paid decimal.Decimal, today time.Time) bool {
	balance := inv.TotalAmount.Sub(paid)
	status := CalculateStatus(paid, inv.TotalAmount, inv.DueDate, today)
	changed := !inv.PaidAmount.Equal(paid) || !inv.BalanceAmount.Equal(balance) || inv.PaymentStatus != status
	inv.PaidAmount = paid
	inv.BalanceAmount = balance
	inv.PaymentStatus = status
	return changed
}
