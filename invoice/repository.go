package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicateInvoice signals an insert collided with an existing invoice id.
	ErrDuplicateInvoice = errors.New("invoice: duplicate invoice id")
	// ErrNotFound is returned when no invoice row exists for the identifier.
	ErrNotFound = errors.New("invoice: not found")
	// ErrInvalidState signals the operation is not allowed from the current status.
	ErrInvalidState = errors.New("invoice: invalid state for operation")
)

const invoiceColumns = `id, client_id::text, contractor_id::text, arbiter_id::text, token,
	total_amount, amount_paid, status::text, milestone_count,
	created_at, completed_at, settled_at, updated_at`

// Repository holds the invoice-row primitives shared by every engine
// transaction. Methods that mutate take the active pgx.Tx so callers control
// atomicity.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// NextID draws the next monotonic invoice id from the sequence.
func (r *Repository) NextID(ctx context.Context, tx pgx.Tx) (int64, error) {
	var id int64
	if err := tx.QueryRow(ctx, `SELECT nextval('invoice_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("invoice: next id: %w", err)
	}
	return id, nil
}

// Insert writes the invoice row and its custody account. A primary-key
// collision maps to ErrDuplicateInvoice and leaves the existing row untouched.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, id int64, clientID string, params CreateParams) (Invoice, error) {
	const insertSQL = `
		INSERT INTO invoices (id, client_id, contractor_id, arbiter_id, token, total_amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + invoiceColumns

	inv, err := scanInvoice(tx.QueryRow(ctx, insertSQL,
		id, clientID, params.ContractorID, params.ArbiterID, params.Token, params.TotalAmount))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Invoice{}, ErrDuplicateInvoice
		}
		return Invoice{}, fmt.Errorf("invoice: insert: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO escrow_accounts (invoice_id, token) VALUES ($1, $2)`,
		inv.ID, inv.Token); err != nil {
		return Invoice{}, fmt.Errorf("invoice: create custody account: %w", err)
	}

	return inv, nil
}

// GetForUpdate locks the invoice row for the remainder of the transaction.
// Every state-changing operation goes through this lock, which is what makes
// each invocation atomic with respect to contending submissions.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Invoice, error) {
	const selectSQL = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`

	inv, err := scanInvoice(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("invoice: fetch for update: %w", err)
	}
	return inv, nil
}

// SetStatus moves the invoice to the given status, stamping completed_at on
// entry to a completed state. Callers must have validated the edge first.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id int64, to Status) error {
	const updateSQL = `
		UPDATE invoices
		SET status = $1::invoice_status,
		    completed_at = CASE WHEN $1 = 'completed' THEN COALESCE(completed_at, now()) ELSE completed_at END,
		    updated_at = now()
		WHERE id = $2`

	if _, err := tx.Exec(ctx, updateSQL, string(to), id); err != nil {
		return fmt.Errorf("invoice: set status: %w", err)
	}
	return nil
}

// Settle moves the invoice to a terminal status and records when its custody
// was fully drained. The settled_at stamp is what distinguishes "already
// settled" from "never funded" in diagnostics.
func (r *Repository) Settle(ctx context.Context, tx pgx.Tx, id int64, to Status) error {
	if !IsTerminal(to) {
		return fmt.Errorf("invoice: settle to non-terminal status %q", to)
	}

	const updateSQL = `
		UPDATE invoices
		SET status = $1::invoice_status,
		    completed_at = CASE WHEN $1 = 'completed' THEN COALESCE(completed_at, now()) ELSE completed_at END,
		    settled_at = COALESCE(settled_at, now()),
		    updated_at = now()
		WHERE id = $2`

	if _, err := tx.Exec(ctx, updateSQL, string(to), id); err != nil {
		return fmt.Errorf("invoice: settle: %w", err)
	}
	return nil
}

// AddPaid increments amount_paid, clamped to total_amount so the invariant
// amount_paid <= total_amount survives over-funded custody.
func (r *Repository) AddPaid(ctx context.Context, tx pgx.Tx, id int64, amount int64) error {
	const updateSQL = `
		UPDATE invoices
		SET amount_paid = LEAST(total_amount, amount_paid + $1),
		    updated_at = now()
		WHERE id = $2`

	if _, err := tx.Exec(ctx, updateSQL, amount, id); err != nil {
		return fmt.Errorf("invoice: add paid: %w", err)
	}
	return nil
}

// CustodyBalance reads the invoice's custody balance under the row lock.
// Cancel consults it so an invoice holding deposits can never settle away
// from under them.
func (r *Repository) CustodyBalance(ctx context.Context, tx pgx.Tx, id int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance FROM escrow_accounts WHERE invoice_id = $1 FOR UPDATE`,
		id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("invoice: custody balance: %w", err)
	}
	return balance, nil
}

// IncrementMilestones bumps milestone_count and returns the index the new
// milestone was assigned.
func (r *Repository) IncrementMilestones(ctx context.Context, tx pgx.Tx, id int64) (int, error) {
	var count int
	const updateSQL = `
		UPDATE invoices
		SET milestone_count = milestone_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING milestone_count`

	if err := tx.QueryRow(ctx, updateSQL, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("invoice: increment milestones: %w", err)
	}
	return count - 1, nil
}

// Get fetches an invoice without locking, for the read-only query surface.
func (r *Repository) Get(ctx context.Context, pool *pgxpool.Pool, id int64) (Invoice, error) {
	const selectSQL = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`

	inv, err := scanInvoice(pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("invoice: get: %w", err)
	}
	return inv, nil
}

// ListByParty returns invoices where the party holds any role, newest first.
func (r *Repository) ListByParty(ctx context.Context, pool *pgxpool.Pool, partyID string, limit int) ([]Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const selectSQL = `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE client_id = $1 OR contractor_id = $1 OR arbiter_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := pool.Query(ctx, selectSQL, partyID, limit)
	if err != nil {
		return nil, fmt.Errorf("invoice: list: %w", err)
	}
	defer rows.Close()

	out := make([]Invoice, 0, limit)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("invoice: scan: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invoice: iterate: %w", err)
	}
	return out, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID,
		&inv.ClientID,
		&inv.ContractorID,
		&inv.ArbiterID,
		&inv.Token,
		&inv.TotalAmount,
		&inv.AmountPaid,
		&inv.Status,
		&inv.MilestoneCount,
		&inv.CreatedAt,
		&inv.CompletedAt,
		&inv.SettledAt,
		&inv.UpdatedAt,
	)
	return inv, err
}
