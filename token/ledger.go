// Package token adapts the external fungible-token transfer primitive the
// engine settles through. The engine never implements token semantics; it
// only debits and credits accounts inside its own transaction so a failed
// settlement rolls the transfer back too.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientBalance signals the debit would take the account negative.
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	// ErrAccountNotFound is returned when no account row exists for owner+token.
	ErrAccountNotFound = errors.New("token: account not found")
)

// Ledger is the pgx-backed implementation of the transfer primitive.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Credit adds amount to the owner's account, creating it on first use.
func (l *Ledger) Credit(ctx context.Context, tx pgx.Tx, ownerID, token string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("token: credit amount must be positive")
	}

	const upsertSQL = `
		INSERT INTO token_accounts (owner_id, token, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, token)
		DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance, updated_at = now()`

	if _, err := tx.Exec(ctx, upsertSQL, ownerID, token, amount); err != nil {
		return fmt.Errorf("token: credit: %w", err)
	}
	return nil
}

// Debit removes amount from the owner's account. The conditional update never
// lets a balance go negative; zero rows affected means the funds were not there.
func (l *Ledger) Debit(ctx context.Context, tx pgx.Tx, ownerID, token string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("token: debit amount must be positive")
	}

	const updateSQL = `
		UPDATE token_accounts
		SET balance = balance - $3, updated_at = now()
		WHERE owner_id = $1 AND token = $2 AND balance >= $3`

	tag, err := tx.Exec(ctx, updateSQL, ownerID, token, amount)
	if err != nil {
		return fmt.Errorf("token: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Balance reads the current account balance without locking.
func (l *Ledger) Balance(ctx context.Context, pool *pgxpool.Pool, ownerID, token string) (int64, error) {
	var balance int64
	err := pool.QueryRow(ctx,
		`SELECT balance FROM token_accounts WHERE owner_id = $1 AND token = $2`,
		ownerID, token).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("token: balance: %w", err)
	}
	return balance, nil
}
