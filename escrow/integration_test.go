package escrow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/authz"
	"escrowflow/invoice"
	"escrowflow/token"
)

// TestEscrowSettlement_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks the full fund -> release lifecycle, including the
// unauthorized and double-release failure paths.
func TestEscrowSettlement_Integration(t *testing.T) {
	pool := integrationPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := seedParty(ctx, t, pool, "client")
	contractor := seedParty(ctx, t, pool, "contractor")
	arbiter := seedParty(ctx, t, pool, "arbiter")
	stranger := seedParty(ctx, t, pool, "stranger")
	fundAccount(ctx, t, pool, client, "USDT", 5_000_000)

	invoices := invoice.NewService(pool, pool)
	custody := NewService(pool, pool, nil, nil, nil)
	tokens := token.NewLedger()

	inv, err := invoices.Create(ctx, client, invoice.CreateParams{
		ContractorID: contractor,
		ArbiterID:    &arbiter,
		Token:        "USDT",
		TotalAmount:  1_000_000,
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if inv.Status != invoice.StatusCreated {
		t.Fatalf("expected status created, got %q", inv.Status)
	}

	// Ack before any deposit must fail against the real custody balance.
	if err := custody.AckDeposit(ctx, client, inv.ID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds before deposit, got %v", err)
	}

	if err := custody.Deposit(ctx, client, inv.ID, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := custody.AckDeposit(ctx, client, inv.ID); err != nil {
		t.Fatalf("ack deposit: %v", err)
	}

	funded, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if funded.Status != invoice.StatusFunded {
		t.Fatalf("expected status funded, got %q", funded.Status)
	}

	// A third party and the contractor alike cannot release.
	for _, caller := range []string{stranger, contractor} {
		if err := custody.Release(ctx, caller, inv.ID); !errors.Is(err, authz.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for caller %s, got %v", caller, err)
		}
	}
	balance, err := custody.Balance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1_000_000 {
		t.Fatalf("expected custody unchanged after unauthorized attempts, got %d", balance)
	}

	if err := custody.Release(ctx, client, inv.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := tokens.Balance(ctx, pool, contractor, "USDT")
	if err != nil {
		t.Fatalf("contractor balance: %v", err)
	}
	if got != 1_000_000 {
		t.Fatalf("expected contractor credited 1000000, got %d", got)
	}

	released, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get released invoice: %v", err)
	}
	if released.Status != invoice.StatusCompleted {
		t.Fatalf("expected status completed, got %q", released.Status)
	}
	if released.AmountPaid != 1_000_000 {
		t.Fatalf("expected amount_paid 1000000, got %d", released.AmountPaid)
	}
	if released.SettledAt == nil {
		t.Fatal("expected settled_at to be stamped")
	}

	// Second release finds no custody left.
	if err := custody.Release(ctx, client, inv.ID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds on second release, got %v", err)
	}

	assertCustodyReconciles(ctx, t, pool)
}

func TestRefund_Integration(t *testing.T) {
	pool := integrationPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := seedParty(ctx, t, pool, "client")
	contractor := seedParty(ctx, t, pool, "contractor")
	fundAccount(ctx, t, pool, client, "USDT", 2_000_000)

	invoices := invoice.NewService(pool, pool)
	custody := NewService(pool, pool, nil, nil, nil)
	tokens := token.NewLedger()

	inv, err := invoices.Create(ctx, client, invoice.CreateParams{
		ContractorID: contractor,
		Token:        "USDT",
		TotalAmount:  2_000_000,
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if err := custody.Deposit(ctx, client, inv.ID, 2_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := custody.AckDeposit(ctx, client, inv.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := custody.Refund(ctx, client, inv.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}

	got, err := tokens.Balance(ctx, pool, client, "USDT")
	if err != nil {
		t.Fatalf("client balance: %v", err)
	}
	if got != 2_000_000 {
		t.Fatalf("expected full refund, got balance %d", got)
	}

	refunded, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if refunded.Status != invoice.StatusCancelled {
		t.Fatalf("expected status cancelled, got %q", refunded.Status)
	}
	if refunded.AmountPaid != 0 {
		t.Fatalf("refund must not count as paid, got %d", refunded.AmountPaid)
	}

	assertCustodyReconciles(ctx, t, pool)
}

// TestCancelAfterDeposit_Integration checks that an invoice holding an
// unacknowledged deposit refuses plain cancellation; the money comes back
// through Refund, which cancels the invoice with custody drained.
func TestCancelAfterDeposit_Integration(t *testing.T) {
	pool := integrationPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := seedParty(ctx, t, pool, "client")
	contractor := seedParty(ctx, t, pool, "contractor")
	fundAccount(ctx, t, pool, client, "USDT", 800_000)

	invoices := invoice.NewService(pool, pool)
	custody := NewService(pool, pool, nil, nil, nil)
	tokens := token.NewLedger()

	inv, err := invoices.Create(ctx, client, invoice.CreateParams{
		ContractorID: contractor,
		Token:        "USDT",
		TotalAmount:  800_000,
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if err := custody.Deposit(ctx, client, inv.ID, 300_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := invoices.Cancel(ctx, client, inv.ID); !errors.Is(err, invoice.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling with custodied deposit, got %v", err)
	}

	// The refusal left everything untouched.
	still, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if still.Status != invoice.StatusCreated {
		t.Fatalf("expected invoice still created, got %q", still.Status)
	}
	balance, err := custody.Balance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("custody balance: %v", err)
	}
	if balance != 300_000 {
		t.Fatalf("expected custody intact at 300000, got %d", balance)
	}

	// Refund is the recovery path: client made whole, invoice cancelled.
	if err := custody.Refund(ctx, client, inv.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	got, err := tokens.Balance(ctx, pool, client, "USDT")
	if err != nil {
		t.Fatalf("client balance: %v", err)
	}
	if got != 800_000 {
		t.Fatalf("expected client made whole at 800000, got %d", got)
	}

	final, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get final invoice: %v", err)
	}
	if final.Status != invoice.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", final.Status)
	}
	if final.SettledAt == nil {
		t.Fatal("expected settled_at on refunded invoice")
	}
	drained, err := custody.Balance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("custody balance after refund: %v", err)
	}
	if drained != 0 {
		t.Fatalf("expected custody drained, got %d", drained)
	}

	// Cancel on a fresh empty invoice still works.
	empty, err := invoices.Create(ctx, client, invoice.CreateParams{
		ContractorID: contractor,
		Token:        "USDT",
		TotalAmount:  100_000,
	})
	if err != nil {
		t.Fatalf("create empty invoice: %v", err)
	}
	if err := invoices.Cancel(ctx, client, empty.ID); err != nil {
		t.Fatalf("cancel empty invoice: %v", err)
	}

	assertCustodyReconciles(ctx, t, pool)
}

// integrationPool skips unless DATABASE_URL points at a migrated database.
func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = 'escrow_accounts')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply files under migrations/ first")
	}
	return pool
}

func seedParty(ctx context.Context, t *testing.T, pool *pgxpool.Pool, label string) string {
	t.Helper()

	var id string
	email := fmt.Sprintf("%s+%d@example.com", label, time.Now().UnixNano())
	err := pool.QueryRow(ctx, `
		INSERT INTO parties (email, full_name, password_hash)
		VALUES ($1, $2, 'x') RETURNING id::text`, email, label).Scan(&id)
	if err != nil {
		t.Fatalf("seed party %s: %v", label, err)
	}
	return id
}

func fundAccount(ctx context.Context, t *testing.T, pool *pgxpool.Pool, ownerID, tok string, amount int64) {
	t.Helper()

	if _, err := pool.Exec(ctx, `
		INSERT INTO token_accounts (owner_id, token, balance) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, token) DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance`,
		ownerID, tok, amount); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

// assertCustodyReconciles checks the global law: custody equals deposits
// minus releases minus refunds across the journal.
func assertCustodyReconciles(ctx context.Context, t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	var held, journalled int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM escrow_accounts`).Scan(&held); err != nil {
		t.Fatalf("sum custody: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'deposit' THEN amount ELSE -amount END), 0)
		FROM escrow_entries`).Scan(&journalled); err != nil {
		t.Fatalf("sum journal: %v", err)
	}
	if held != journalled {
		t.Fatalf("custody reconciliation broken: held=%d journalled=%d", held, journalled)
	}
}
