package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/invoice"
)

// ErrInsufficientFunds signals custody does not hold the balance the
// operation requires. It covers "never funded", "already released" and any
// double-spend attempt alike; settled_at on the invoice disambiguates in logs.
var ErrInsufficientFunds = errors.New("escrow: insufficient custodied funds")

// Repository implements Store against PostgreSQL. Invoice-row primitives are
// delegated to the registry's repository so locking semantics stay in one place.
type Repository struct {
	invoices *invoice.Repository
}

func NewRepository() *Repository {
	return &Repository{invoices: invoice.NewRepository()}
}

func (r *Repository) InvoiceForUpdate(ctx context.Context, tx pgx.Tx, id int64) (invoice.Invoice, error) {
	return r.invoices.GetForUpdate(ctx, tx, id)
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id int64, to invoice.Status) error {
	return r.invoices.SetStatus(ctx, tx, id, to)
}

func (r *Repository) Settle(ctx context.Context, tx pgx.Tx, id int64, to invoice.Status) error {
	return r.invoices.Settle(ctx, tx, id, to)
}

func (r *Repository) AddPaid(ctx context.Context, tx pgx.Tx, id int64, amount int64) error {
	return r.invoices.AddPaid(ctx, tx, id, amount)
}

// CustodyBalance locks the custody account and returns its balance. The
// engine only ever trusts this read, never a caller-supplied amount.
func (r *Repository) CustodyBalance(ctx context.Context, tx pgx.Tx, invoiceID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance FROM escrow_accounts WHERE invoice_id = $1 FOR UPDATE`,
		invoiceID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, invoice.ErrNotFound
		}
		return 0, fmt.Errorf("escrow: custody balance: %w", err)
	}
	return balance, nil
}

// CreditCustody moves deposited funds into the invoice's custody account.
func (r *Repository) CreditCustody(ctx context.Context, tx pgx.Tx, invoiceID int64, amount int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE escrow_accounts SET balance = balance + $2, updated_at = now() WHERE invoice_id = $1`,
		invoiceID, amount)
	if err != nil {
		return fmt.Errorf("escrow: credit custody: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return invoice.ErrNotFound
	}
	return nil
}

// DrainCustody zeroes the custody account and returns the amount that was
// held. Draining an already-empty account returns zero, not an error; the
// service layer decides what that means.
func (r *Repository) DrainCustody(ctx context.Context, tx pgx.Tx, invoiceID int64) (int64, error) {
	const drainSQL = `
		WITH prev AS (
			SELECT balance FROM escrow_accounts WHERE invoice_id = $1 FOR UPDATE
		)
		UPDATE escrow_accounts a
		SET balance = 0, updated_at = now()
		FROM prev
		WHERE a.invoice_id = $1
		RETURNING prev.balance`

	var drained int64
	if err := tx.QueryRow(ctx, drainSQL, invoiceID).Scan(&drained); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, invoice.ErrNotFound
		}
		return 0, fmt.Errorf("escrow: drain custody: %w", err)
	}
	return drained, nil
}

// DebitCustody removes a partial amount, used by milestone payouts and
// dispute splits. The guard in the WHERE clause makes over-draining impossible.
func (r *Repository) DebitCustody(ctx context.Context, tx pgx.Tx, invoiceID int64, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_accounts
		SET balance = balance - $2, updated_at = now()
		WHERE invoice_id = $1 AND balance >= $2`,
		invoiceID, amount)
	if err != nil {
		return fmt.Errorf("escrow: debit custody: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// RecordEntry appends one leg to the custody journal.
func (r *Repository) RecordEntry(ctx context.Context, tx pgx.Tx, invoiceID int64, kind EntryKind, counterpartyID string, amount int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_entries (invoice_id, kind, counterparty_id, amount)
		VALUES ($1, $2::escrow_entry_kind, $3, $4)`,
		invoiceID, string(kind), counterpartyID, amount)
	if err != nil {
		return fmt.Errorf("escrow: record entry: %w", err)
	}
	return nil
}

// Balance reads a custody balance without locking, for the query surface.
func (r *Repository) Balance(ctx context.Context, pool *pgxpool.Pool, invoiceID int64) (int64, error) {
	var balance int64
	err := pool.QueryRow(ctx,
		`SELECT balance FROM escrow_accounts WHERE invoice_id = $1`, invoiceID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, invoice.ErrNotFound
		}
		return 0, fmt.Errorf("escrow: balance: %w", err)
	}
	return balance, nil
}

// TotalCustody sums every custody account. By the reconciliation law this
// always equals deposits minus releases minus refunds across the journal.
func (r *Repository) TotalCustody(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	var total int64
	err := pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM escrow_accounts`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("escrow: total custody: %w", err)
	}
	return total, nil
}

// Entries lists the custody journal for an invoice, oldest first.
func (r *Repository) Entries(ctx context.Context, pool *pgxpool.Pool, invoiceID int64) ([]Entry, error) {
	rows, err := pool.Query(ctx, `
		SELECT id::text, invoice_id, kind::text, counterparty_id::text, amount, created_at
		FROM escrow_entries
		WHERE invoice_id = $1
		ORDER BY created_at ASC, id ASC`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("escrow: entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.Kind, &e.CounterpartyID, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate entries: %w", err)
	}
	return out, nil
}
