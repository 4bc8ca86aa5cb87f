package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/invoice"
)

var (
	// ErrNotFound is returned when no dispute row exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrDisputeActive signals an unresolved dispute already exists for the invoice.
	ErrDisputeActive = errors.New("dispute: active dispute already exists")
	// ErrNoActiveDispute signals there is nothing pending to resolve.
	ErrNoActiveDispute = errors.New("dispute: no active dispute")
	// ErrAmountExceedsEscrow signals the requested split exceeds the custodied balance.
	ErrAmountExceedsEscrow = errors.New("dispute: refund amount exceeds custodied balance")
)

const disputeColumns = `id::text, invoice_id, raised_by::text, reason, resolved, resolution,
	created_at, resolved_at`

// Repository implements dispute data access, delegating invoice-row and
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

func (r *Repository) CustodyBalance(ctx context.Context, tx pgx.Tx, invoiceID int64) (int64, error) {
	return r.custody.CustodyBalance(ctx, tx, invoiceID)
}

func (r *Repository) DrainCustody(ctx context.Context, tx pgx.Tx, invoiceID int64) (int64, error) {
	return r.custody.DrainCustody(ctx, tx, invoiceID)
}

func (r *Repository) RecordEntry(ctx context.Context, tx pgx.Tx, invoiceID int64, kind escrow.EntryKind, counterpartyID string, amount int64) error {
	return r.custody.RecordEntry(ctx, tx, invoiceID, kind, counterpartyID, amount)
}

// Insert opens a dispute. The partial unique index on unresolved disputes
// maps a collision to ErrDisputeActive.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, invoiceID int64, raisedBy, reason string) (Dispute, error) {
	const insertSQL = `
		INSERT INTO disputes (invoice_id, raised_by, reason)
		VALUES ($1, $2, $3)
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, insertSQL, invoiceID, raisedBy, reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrDisputeActive
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return d, nil
}

// ActiveForUpdate locks the invoice's unresolved dispute, if any.
func (r *Repository) ActiveForUpdate(ctx context.Context, tx pgx.Tx, invoiceID int64) (Dispute, error) {
	const selectSQL = `SELECT ` + disputeColumns + `
		FROM disputes WHERE invoice_id = $1 AND NOT resolved FOR UPDATE`

	d, err := scanDispute(tx.QueryRow(ctx, selectSQL, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNoActiveDispute
		}
		return Dispute{}, fmt.Errorf("dispute: fetch active: %w", err)
	}
	return d, nil
}

// MarkResolved closes the dispute with the arbiter's resolution text.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, disputeID, resolution string) (Dispute, error) {
	const updateSQL = `
		UPDATE disputes
		SET resolved = true, resolution = $2, resolved_at = now()
		WHERE id = $1 AND NOT resolved
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, updateSQL, disputeID, resolution))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNoActiveDispute
		}
		return Dispute{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return d, nil
}

// Get fetches one dispute for the query surface.
func (r *Repository) Get(ctx context.Context, pool *pgxpool.Pool, disputeID string) (Dispute, error) {
	const selectSQL = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	d, err := scanDispute(pool.QueryRow(ctx, selectSQL, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

// ListByInvoice returns all disputes ever raised on the invoice, newest first.
func (r *Repository) ListByInvoice(ctx context.Context, pool *pgxpool.Pool, invoiceID int64) ([]Dispute, error) {
	const selectSQL = `SELECT ` + disputeColumns + `
		FROM disputes WHERE invoice_id = $1 ORDER BY created_at DESC`

	rows, err := pool.Query(ctx, selectSQL, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.InvoiceID,
		&d.RaisedBy,
		&d.Reason,
		&d.Resolved,
		&d.Resolution,
		&d.CreatedAt,
		&d.ResolvedAt,
	)
	return d, err
}
