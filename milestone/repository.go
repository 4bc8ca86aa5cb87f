package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/invoice"
)

var (
	// ErrNotFound is returned when no milestone exists at (invoice_id, idx).
	ErrNotFound = errors.New("milestone: not found")
	// ErrAmountExceedsTotal signals the new milestone would over-allocate the
	// invoice total. Under-allocation is permitted; release covers any remainder.
	ErrAmountExceedsTotal = errors.New("milestone: amounts exceed invoice total")
)

const milestoneColumns = `invoice_id, idx, description, amount, status::text,
	completed_at, approved_at, paid_at`

// Repository holds the milestone-row primitives, delegating invoice-row and
// custody primitives to their owning packages.
type Repository struct {
	invoices *invoice.Repository
	custody  *escrow.Repository
}

func NewRepository() *Repository {
	return &Repository{
		invoices: invoice.NewRepository(),
		custody:  escrow.NewRepository(),
	}
}

func (r *Repository) InvoiceForUpdate(ctx context.Context, tx pgx.Tx, id int64) (invoice.Invoice, error) {
	return r.invoices.GetForUpdate(ctx, tx, id)
}

func (r *Repository) SetInvoiceStatus(ctx context.Context, tx pgx.Tx, id int64, to invoice.Status) error {
	return r.invoices.SetStatus(ctx, tx, id, to)
}

func (r *Repository) SettleInvoice(ctx context.Context, tx pgx.Tx, id int64, to invoice.Status) error {
	return r.invoices.Settle(ctx, tx, id, to)
}

func (r *Repository) AddPaid(ctx context.Context, tx pgx.Tx, id int64, amount int64) error {
	return r.invoices.AddPaid(ctx, tx, id, amount)
}

func (r *Repository) NextIndex(ctx context.Context, tx pgx.Tx, invoiceID int64) (int, error) {
	return r.invoices.IncrementMilestones(ctx, tx, invoiceID)
}

func (r *Repository) CustodyBalance(ctx context.Context, tx pgx.Tx, invoiceID int64) (int64, error) {
	return r.custody.CustodyBalance(ctx, tx, invoiceID)
}

func (r *Repository) DebitCustody(ctx context.Context, tx pgx.Tx, invoiceID int64, amount int64) error {
	return r.custody.DebitCustody(ctx, tx, invoiceID, amount)
}

func (r *Repository) RecordRelease(ctx context.Context, tx pgx.Tx, invoiceID int64, contractorID string, amount int64) error {
	return r.custody.RecordEntry(ctx, tx, invoiceID, escrow.KindRelease, contractorID, amount)
}

// Insert writes the milestone row at the given index.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, invoiceID int64, idx int, description string, amount int64) (Milestone, error) {
	const insertSQL = `
		INSERT INTO milestones (invoice_id, idx, description, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + milestoneColumns

	ms, err := scanMilestone(tx.QueryRow(ctx, insertSQL, invoiceID, idx, description, amount))
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: insert: %w", err)
	}
	return ms, nil
}

// GetForUpdate locks the milestone row within the invoice's transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, invoiceID int64, idx int) (Milestone, error) {
	const selectSQL = `SELECT ` + milestoneColumns + `
		FROM milestones WHERE invoice_id = $1 AND idx = $2 FOR UPDATE`

	ms, err := scanMilestone(tx.QueryRow(ctx, selectSQL, invoiceID, idx))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: fetch for update: %w", err)
	}
	return ms, nil
}

// SumAmounts totals every milestone amount already attached to the invoice.
func (r *Repository) SumAmounts(ctx context.Context, tx pgx.Tx, invoiceID int64) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM milestones WHERE invoice_id = $1`,
		invoiceID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("milestone: sum amounts: %w", err)
	}
	return sum, nil
}

// MarkCompleted advances Pending -> Completed, stamping completed_at.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, invoiceID int64, idx int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE milestones
		SET status = 'completed', completed_at = now()
		WHERE invoice_id = $1 AND idx = $2 AND status = 'pending'`,
		invoiceID, idx)
	if err != nil {
		return fmt.Errorf("milestone: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return invoice.ErrInvalidState
	}
	return nil
}

// MarkPaid advances Completed -> Paid, stamping approval and payment together
// because approve-and-pay is one atomic operation.
func (r *Repository) MarkPaid(ctx context.Context, tx pgx.Tx, invoiceID int64, idx int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE milestones
		SET status = 'paid', approved_at = now(), paid_at = now()
		WHERE invoice_id = $1 AND idx = $2 AND status = 'completed'`,
		invoiceID, idx)
	if err != nil {
		return fmt.Errorf("milestone: mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return invoice.ErrInvalidState
	}
	return nil
}

// UnpaidCount returns how many milestones have not reached Paid.
func (r *Repository) UnpaidCount(ctx context.Context, tx pgx.Tx, invoiceID int64) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM milestones WHERE invoice_id = $1 AND status <> 'paid'`,
		invoiceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("milestone: unpaid count: %w", err)
	}
	return count, nil
}

// Get fetches a milestone without locking, for the query surface.
func (r *Repository) Get(ctx context.Context, pool *pgxpool.Pool, invoiceID int64, idx int) (Milestone, error) {
	const selectSQL = `SELECT ` + milestoneColumns + `
		FROM milestones WHERE invoice_id = $1 AND idx = $2`

	ms, err := scanMilestone(pool.QueryRow(ctx, selectSQL, invoiceID, idx))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: get: %w", err)
	}
	return ms, nil
}

// List returns the invoice's milestones in index order.
func (r *Repository) List(ctx context.Context, pool *pgxpool.Pool, invoiceID int64) ([]Milestone, error) {
	const selectSQL = `SELECT ` + milestoneColumns + `
		FROM milestones WHERE invoice_id = $1 ORDER BY idx ASC`

	rows, err := pool.Query(ctx, selectSQL, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 8)
	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("milestone: scan: %w", err)
		}
		out = append(out, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate: %w", err)
	}
	return out, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var ms Milestone
	err := row.Scan(
		&ms.InvoiceID,
		&ms.Idx,
		&ms.Description,
		&ms.Amount,
		&ms.Status,
		&ms.CompletedAt,
		&ms.ApprovedAt,
		&ms.PaidAt,
	)
	return ms, err
}
