package billing

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultInvoicePrefix = "INV"
	DefaultPaymentPrefix = "PAY"
)

// IdentifierGenerator hands out human-readable document numbers. Next must
// be called inside the transaction that persists the numbered row so that a
// rollback also releases the number.
type IdentifierGenerator interface {
	Next(ctx context.Context, prefix string, at time.Time) (string, error)
}

// NumberGenerator formats numbers as PREFIX-YYYY-NNNNN from a persisted
// counter per prefix and year. Concurrent callers are serialized on the
// counter row, so numbers are unique and gapless among committed rows.
type NumberGenerator struct {
	seq SequenceRepository
}

func NewNumberGenerator(seq SequenceRepository) *NumberGenerator {
	return &NumberGenerator{seq: seq}
}

func (g *NumberGenerator) Next(ctx context.Context, prefix string, at time.Time) (string, error) {
	if prefix == "" {
		return "", invalid("prefix", "is required")
	}
	year := at.Year()
	n, err := g.seq.NextValue(ctx, prefix, year)
	if err != nil {
		return "", &PersistenceError{Op: fmt.Sprintf("allocate %s number", prefix), Err: err}
	}
	return FormatNumber(prefix, year, n), nil
}

// FormatNumber renders a document number. The counter is zero-padded to five
// digits and simply grows wider past 99999.
func FormatNumber(prefix string, year int, n int64) string {
	return fmt.Sprintf("%s-%04d-%05d", prefix, year, n)
}
