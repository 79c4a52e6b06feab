package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory stand-in for the billing tables. memTx gives it
// all-or-nothing semantics by snapshotting before a unit of work and
// restoring the snapshot when the unit fails.
type memStore struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	items    map[uuid.UUID][]*InvoiceItem
	payments []*Payment
	seq      map[string]int64

	failInsertItems      error
	failCreatePayment    error
	failUpdateSettlement map[uuid.UUID]error
	failSequence         error
}

func newMemStore() *memStore {
	return &memStore{
		invoices:             make(map[uuid.UUID]*Invoice),
		items:                make(map[uuid.UUID][]*InvoiceItem),
		seq:                  make(map[string]int64),
		failUpdateSettlement: make(map[uuid.UUID]error),
	}
}

type memSnapshot struct {
	invoices map[uuid.UUID]*Invoice
	items    map[uuid.UUID][]*InvoiceItem
	payments []*Payment
	seq      map[string]int64
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		invoices: make(map[uuid.UUID]*Invoice, len(s.invoices)),
		items:    make(map[uuid.UUID][]*InvoiceItem, len(s.items)),
		payments: append([]*Payment(nil), s.payments...),
		seq:      make(map[string]int64, len(s.seq)),
	}
	for k, v := range s.invoices {
		cp := *v
		snap.invoices[k] = &cp
	}
	for k, v := range s.items {
		snap.items[k] = append([]*InvoiceItem(nil), v...)
	}
	for k, v := range s.seq {
		snap.seq[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices = snap.invoices
	s.items = snap.items
	s.payments = snap.payments
	s.seq = snap.seq
}

func (s *memStore) invoiceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invoices)
}

func (s *memStore) itemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.items {
		n += len(v)
	}
	return n
}

func (s *memStore) paymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

// setDueDate backdates an invoice directly, the way time passing would.
func (s *memStore) setDueDate(id uuid.UUID, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[id].DueDate = &due
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

// -- transactor --

type memTxKey struct{}

type memTx struct {
	store     *memStore
	mu        sync.Mutex
	commits   int
	rollbacks int

	// failCommit, while set, fails every otherwise successful unit of work at commit.
	failCommit error
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	// One unit of work at a time, which is at least as strict as row locks.
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.store.snapshot()
	defer func() {
		if p := recover(); p != nil {
			t.store.restore(snap)
			t.rollbacks++
			panic(p)
		}
	}()
	if err = fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		t.store.restore(snap)
		t.rollbacks++
		return err
	}
	if t.failCommit != nil {
		t.store.restore(snap)
		t.rollbacks++
		return fmt.Errorf("commit transaction: %w", t.failCommit)
	}
	t.commits++
	return nil
}

// -- invoice repository --

type memInvoiceRepo struct{ s *memStore }

func (r *memInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return uniqueViolation("invoice_invoice_number_key")
		}
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	r.s.invoices[inv.ID] = &cp
	return nil
}

func (r *memInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inv, ok := r.s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *memInvoiceRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.GetByID(ctx, id)
}

func (r *memInvoiceRepo) Update(_ context.Context, inv *Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.invoices[inv.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *inv
	cp.InvoiceNumber = existing.InvoiceNumber
	cp.CreatedBy = existing.CreatedBy
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	r.s.invoices[inv.ID] = &cp
	return nil
}

func (r *memInvoiceRepo) UpdateSettlement(_ context.Context, inv *Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failUpdateSettlement[inv.ID]; err != nil {
		return err
	}
	existing, ok := r.s.invoices[inv.ID]
	if !ok {
		return ErrNotFound
	}
	existing.PaidAmount = inv.PaidAmount
	existing.BalanceAmount = inv.BalanceAmount
	existing.PaymentStatus = inv.PaymentStatus
	existing.UpdatedAt = time.Now()
	return nil
}

func (r *memInvoiceRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.invoices[id]; !ok {
		return ErrNotFound
	}
	for _, p := range r.s.payments {
		if p.InvoiceID == id {
			return &pgconn.PgError{Code: "23503", ConstraintName: "payment_invoice_id_fkey"}
		}
	}
	delete(r.s.invoices, id)
	delete(r.s.items, id)
	return nil
}

func (r *memInvoiceRepo) InsertItems(_ context.Context, items []*InvoiceItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failInsertItems != nil {
		return r.s.failInsertItems
	}
	for _, it := range items {
		cp := *it
		r.s.items[it.InvoiceID] = append(r.s.items[it.InvoiceID], &cp)
	}
	return nil
}

func (r *memInvoiceRepo) DeleteItems(_ context.Context, invoiceID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.items, invoiceID)
	return nil
}

func (r *memInvoiceRepo) GetItems(_ context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*InvoiceItem
	for _, it := range r.s.items[invoiceID] {
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *memInvoiceRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	search := strings.ToLower(strings.TrimSpace(f.Search))
	var matched []*Invoice
	for _, inv := range r.s.invoices {
		if search != "" {
			notes := ""
			if inv.Notes != nil {
				notes = *inv.Notes
			}
			if !strings.Contains(strings.ToLower(inv.InvoiceNumber), search) &&
				!strings.Contains(strings.ToLower(notes), search) {
				continue
			}
		}
		if f.Status != "" && inv.PaymentStatus != f.Status {
			continue
		}
		if f.DateFrom != nil && inv.InvoiceDate.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && inv.InvoiceDate.After(*f.DateTo) {
			continue
		}
		cp := *inv
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].InvoiceDate.Equal(matched[j].InvoiceDate) {
			return matched[i].InvoiceDate.After(matched[j].InvoiceDate)
		}
		return matched[i].InvoiceNumber > matched[j].InvoiceNumber
	})
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *memInvoiceRepo) ListOverdueCandidates(_ context.Context, today time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []uuid.UUID
	for id, inv := range r.s.invoices {
		if inv.PaymentStatus != StatusPending {
			continue
		}
		if inv.DueDate == nil || !dateOf(*inv.DueDate).Before(dateOf(today)) {
			continue
		}
		if strings.Compare(id.String(), after.String()) <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// -- payment repository --

type memPaymentRepo struct{ s *memStore }

func (r *memPaymentRepo) Create(_ context.Context, p *Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failCreatePayment != nil {
		return r.s.failCreatePayment
	}
	for _, existing := range r.s.payments {
		if existing.PaymentNumber == p.PaymentNumber {
			return uniqueViolation("payment_payment_number_key")
		}
	}
	if _, ok := r.s.invoices[p.InvoiceID]; !ok {
		return &pgconn.PgError{Code: "23503", ConstraintName: "payment_invoice_id_fkey"}
	}
	p.CreatedAt = time.Now()
	cp := *p
	r.s.payments = append(r.s.payments, &cp)
	return nil
}

func (r *memPaymentRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Payment
	for _, p := range r.s.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memPaymentRepo) SumByInvoice(_ context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sum := decimal.Zero
	for _, p := range r.s.payments {
		if p.InvoiceID == invoiceID {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (r *memPaymentRepo) CountByInvoice(_ context.Context, invoiceID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, p := range r.s.payments {
		if p.InvoiceID == invoiceID {
			n++
		}
	}
	return n, nil
}

// -- sequence repository --

type memSequenceRepo struct{ s *memStore }

func (r *memSequenceRepo) NextValue(_ context.Context, prefix string, year int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failSequence != nil {
		return 0, r.s.failSequence
	}
	key := fmt.Sprintf("%s/%d", prefix, year)
	r.s.seq[key]++
	return r.s.seq[key], nil
}

// -- fixtures --

var testToday = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	store    *memStore
	tx       *memTx
	invoices *InvoiceService
	ledger   *PaymentLedger
	sweeper  *OverdueSweeper
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestEnv() *testEnv {
	store := newMemStore()
	tx := &memTx{store: store}
	inv := &memInvoiceRepo{s: store}
	pay := &memPaymentRepo{s: store}
	numbers := NewNumberGenerator(&memSequenceRepo{s: store})
	clock := &testClock{now: testToday}

	invoices := NewInvoiceService(tx, inv, pay, numbers)
	invoices.SetClock(clock.Now)
	ledger := NewPaymentLedger(tx, inv, pay, numbers)
	ledger.SetClock(clock.Now)
	sweeper := NewOverdueSweeper(tx, inv, pay, nopLogger)
	sweeper.SetClock(clock.Now)

	return &testEnv{store: store, tx: tx, invoices: invoices, ledger: ledger, sweeper: sweeper, clock: clock}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// scenarioAInput is one consultation at 100.00 with a 10.00 discount and 10%
// tax.
func scenarioAInput() InvoiceInput {
	return InvoiceInput{
		PatientID:   uuid.New(),
		InvoiceDate: testToday,
		Items: []ItemInput{
			{ItemType: ItemConsultation, Description: "General consultation", Quantity: 1, UnitPrice: dec("100")},
		},
		TaxRate:        dec("10"),
		DiscountAmount: dec("10"),
		ActorID:        "cashier-1",
	}
}

func paymentInput(invoiceID uuid.UUID, amount string) PaymentInput {
	return PaymentInput{
		InvoiceID:   invoiceID,
		PaymentDate: testToday,
		Method:      MethodCash,
		Amount:      dec(amount),
		ActorID:     "cashier-1",
	}
}

var (
	errBoom   = errors.New("boom")
	nopLogger = zerolog.Nop()
)
