package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// batcher is implemented by pgx.Tx and *pgxpool.Pool.
type batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func notFound(err error) error {
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const invCols = `id, invoice_number, patient_id, doctor_id, appointment_id,
	invoice_date, due_date, subtotal, tax_rate, tax_amount, discount_amount,
	total_amount, paid_amount, balance_amount, payment_status, notes,
	created_by, created_at, updated_at`

func (r *invoiceRepoPG) scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.PatientID, &inv.DoctorID, &inv.AppointmentID,
		&inv.InvoiceDate, &inv.DueDate, &inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.DiscountAmount,
		&inv.TotalAmount, &inv.PaidAmount, &inv.BalanceAmount, &inv.PaymentStatus, &inv.Notes,
		&inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &inv, nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoice (id, invoice_number, patient_id, doctor_id, appointment_id,
			invoice_date, due_date, subtotal, tax_rate, tax_amount, discount_amount,
			total_amount, paid_amount, balance_amount, payment_status, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		inv.ID, inv.InvoiceNumber, inv.PatientID, inv.DoctorID, inv.AppointmentID,
		inv.InvoiceDate, inv.DueDate, inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.DiscountAmount,
		inv.TotalAmount, inv.PaidAmount, inv.BalanceAmount, inv.PaymentStatus, inv.Notes, inv.CreatedBy,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE id = $1`, id))
}

func (r *invoiceRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id))
}

// Update rewrites the header, totals and settlement in one statement so the
// table's balance check holds for every intermediate row version.
func (r *invoiceRepoPG) Update(ctx context.Context, inv *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET patient_id=$2, doctor_id=$3, appointment_id=$4,
			invoice_date=$5, due_date=$6, subtotal=$7, tax_rate=$8, tax_amount=$9,
			discount_amount=$10, total_amount=$11, paid_amount=$12, balance_amount=$13,
			payment_status=$14, notes=$15, updated_at=NOW()
		WHERE id = $1`,
		inv.ID, inv.PatientID, inv.DoctorID, inv.AppointmentID,
		inv.InvoiceDate, inv.DueDate, inv.Subtotal, inv.TaxRate, inv.TaxAmount,
		inv.DiscountAmount, inv.TotalAmount, inv.PaidAmount, inv.BalanceAmount,
		inv.PaymentStatus, inv.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) UpdateSettlement(ctx context.Context, inv *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET paid_amount=$2, balance_amount=$3, payment_status=$4, updated_at=NOW()
		WHERE id = $1`,
		inv.ID, inv.PaidAmount, inv.BalanceAmount, inv.PaymentStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM invoice WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) InsertItems(ctx context.Context, items []*InvoiceItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO invoice_item (id, invoice_id, sequence, item_type, description,
				quantity, unit_price, total_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, it.InvoiceID, it.Sequence, it.ItemType, it.Description,
			it.Quantity, it.UnitPrice, it.TotalPrice)
	}
	q, ok := r.conn(ctx).(batcher)
	if !ok {
		return fmt.Errorf("insert items: connection does not support batches")
	}
	br := q.SendBatch(ctx, batch)
	for range items {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

func (r *invoiceRepoPG) DeleteItems(ctx context.Context, invoiceID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM invoice_item WHERE invoice_id = $1`, invoiceID)
	return err
}

func (r *invoiceRepoPG) GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, sequence, item_type, description, quantity, unit_price, total_price
		FROM invoice_item WHERE invoice_id = $1 ORDER BY sequence`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InvoiceItem
	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Sequence, &it.ItemType, &it.Description,
			&it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

// likePattern escapes LIKE metacharacters so search terms match literally.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func (r *invoiceRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		add(`(invoice_number ILIKE $%[1]d OR COALESCE(notes, '') ILIKE $%[1]d)`, likePattern(s))
	}
	if f.Status != "" {
		add(`payment_status = $%d`, f.Status)
	}
	if f.DateFrom != nil {
		add(`invoice_date >= $%d`, *f.DateFrom)
	}
	if f.DateTo != nil {
		add(`invoice_date <= $%d`, *f.DateTo)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoice`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM invoice%s
		ORDER BY invoice_date DESC, created_at DESC, id
		LIMIT $%d OFFSET $%d`, invCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

func (r *invoiceRepoPG) ListOverdueCandidates(ctx context.Context, today time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id FROM invoice
		WHERE payment_status = 'pending' AND due_date < $1 AND id > $2
		ORDER BY id LIMIT $3`, dateOf(today), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, payment_number, invoice_id, payment_date, payment_method,
			amount, reference_number, notes, received_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		p.ID, p.PaymentNumber, p.InvoiceID, p.PaymentDate, p.PaymentMethod,
		p.Amount, p.ReferenceNumber, p.Notes, p.ReceivedBy,
	).Scan(&p.CreatedAt)
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, payment_number, invoice_id, payment_date, payment_method, amount,
			reference_number, notes, received_by, created_at
		FROM payment WHERE invoice_id = $1 ORDER BY created_at, payment_number`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.PaymentNumber, &p.InvoiceID, &p.PaymentDate, &p.PaymentMethod, &p.Amount,
			&p.ReferenceNumber, &p.Notes, &p.ReceivedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

func (r *paymentRepoPG) SumByInvoice(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payment WHERE invoice_id = $1`, invoiceID).Scan(&sum)
	return sum, err
}

func (r *paymentRepoPG) CountByInvoice(ctx context.Context, invoiceID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM payment WHERE invoice_id = $1`, invoiceID).Scan(&n)
	return n, err
}

// =========== Sequence Repository ===========

type sequenceRepoPG struct{ pool *pgxpool.Pool }

func NewSequenceRepoPG(pool *pgxpool.Pool) SequenceRepository { return &sequenceRepoPG{pool: pool} }

func (r *sequenceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// NextValue upserts the counter row. The row stays locked until the caller's
// transaction ends, which serializes concurrent allocations.
func (r *sequenceRepoPG) NextValue(ctx context.Context, prefix string, year int) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing_sequence (prefix, year, last_value) VALUES ($1, $2, 1)
		ON CONFLICT (prefix, year) DO UPDATE SET last_value = billing_sequence.last_value + 1
		RETURNING last_value`, prefix, year).Scan(&n)
	return n, err
}
