package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultSweepBatch = 200

// Locker guards a sweep so that only one process runs it at a time.
// db.AdvisoryLock satisfies it.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type SweepResult struct {
	Scanned int  `json:"scanned"`
	Updated int  `json:"updated"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped"`
}

// OverdueSweeper moves unpaid invoices whose due date has passed to overdue.
// Status otherwise only changes when an invoice is written, so without the
// sweep a pending invoice would stay pending forever.
type OverdueSweeper struct {
	tx        Transactor
	invoices  InvoiceRepository
	payments  PaymentRepository
	lock      Locker
	logger    zerolog.Logger
	now       func() time.Time
	batchSize int
}

func NewOverdueSweeper(tx Transactor, inv InvoiceRepository, pay PaymentRepository, logger zerolog.Logger) *OverdueSweeper {
	return &OverdueSweeper{
		tx:        tx,
		invoices:  inv,
		payments:  pay,
		logger:    logger.With().Str("component", "overdue_sweeper").Logger(),
		now:       time.Now,
		batchSize: defaultSweepBatch,
	}
}

func (s *OverdueSweeper) SetLocker(l Locker)            { s.lock = l }
func (s *OverdueSweeper) SetClock(now func() time.Time) { s.now = now }

func (s *OverdueSweeper) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// Sweep makes one pass over the candidates. Each invoice is re-derived in its
// own transaction under the row lock; a failing invoice is logged and
// skipped. Running it twice in a row changes nothing the second time.
func (s *OverdueSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.lock != nil {
		release, ok, err := s.lock.TryLock(ctx)
		if err != nil {
			return res, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Debug().Msg("overdue sweep held by another process, skipping")
			res.Skipped = true
			return res, nil
		}
		defer release()
	}

	start := time.Now()
	today := s.now()
	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ids, err := s.invoices.ListOverdueCandidates(ctx, today, after, s.batchSize)
		if err != nil {
			return res, classify("list overdue candidates", err)
		}
		for _, id := range ids {
			res.Scanned++
			changed, err := s.sweepOne(ctx, id, today)
			if err != nil {
				res.Failed++
				s.logger.Error().Err(err).Str("invoice_id", id.String()).Msg("overdue sweep failed for invoice")
				continue
			}
			if changed {
				res.Updated++
			}
		}
		if len(ids) < s.batchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	s.logger.Info().
		Int("scanned", res.Scanned).
		Int("updated", res.Updated).
		Int("failed", res.Failed).
		Dur("duration", time.Since(start)).
		Msg("overdue sweep complete")
	return res, nil
}

func (s *OverdueSweeper) sweepOne(ctx context.Context, id uuid.UUID, today time.Time) (bool, error) {
	changed := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := lockInvoice(ctx, s.invoices, id)
		if err != nil {
			return err
		}
		before := inv.PaymentStatus
		if err := recompute(ctx, s.invoices, s.payments, inv, today); err != nil {
			return err
		}
		changed = inv.PaymentStatus != before
		return nil
	})
	var nf *NotFoundError
	if errors.As(err, &nf) {
		// deleted since it was listed
		return false, nil
	}
	return changed, classify("sweep invoice", err)
}

// Run sweeps once immediately and then on every tick until ctx is done. A
// non-positive interval disables the loop.
func (s *OverdueSweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		s.logger.Info().Msg("overdue sweep disabled")
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("overdue sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
