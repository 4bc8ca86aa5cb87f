package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/authz"
	"escrowflow/escrow"
	"escrowflow/invoice"
	"escrowflow/token"
)

// TestArbitration_Integration drives a funded invoice through raise and a
// partial-refund resolution, checking the split, the terminal status and the
// dispute record.
func TestArbitration_Integration(t *testing.T) {
	pool := integrationPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := seedParty(ctx, t, pool, "client")
	contractor := seedParty(ctx, t, pool, "contractor")
	arbiter := seedParty(ctx, t, pool, "arbiter")
	fundAccount(ctx, t, pool, client, "USDT", 1_000_000)

	invoices := invoice.NewService(pool, pool)
	custody := escrow.NewService(pool, pool, nil, nil, nil)
	disputes := NewService(pool, pool, nil, nil)
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

	// Disputes only open on active invoices.
	if _, err := disputes.Raise(ctx, client, inv.ID, "work not delivered"); !errors.Is(err, invoice.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState raising on created invoice, got %v", err)
	}

	if err := custody.Deposit(ctx, client, inv.ID, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := custody.AckDeposit(ctx, client, inv.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// The arbiter observes; only the parties to the invoice raise.
	if _, err := disputes.Raise(ctx, arbiter, inv.ID, "suspicious"); !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized raising as arbiter, got %v", err)
	}

	d, err := disputes.Raise(ctx, client, inv.ID, "work not delivered")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if d.Resolved {
		t.Fatal("new dispute must not be resolved")
	}

	frozen, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if frozen.Status != invoice.StatusDisputed {
		t.Fatalf("expected disputed, got %q", frozen.Status)
	}

	// One active dispute per invoice.
	if _, err := disputes.Raise(ctx, contractor, inv.ID, "me too"); !errors.Is(err, ErrDisputeActive) {
		t.Fatalf("expected ErrDisputeActive, got %v", err)
	}

	// Normal flow is frozen while disputed.
	if err := custody.Release(ctx, client, inv.ID); !errors.Is(err, invoice.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState releasing disputed invoice, got %v", err)
	}

	// Resolution is the arbiter's alone, and the refund is bounded by custody.
	if _, err := disputes.Resolve(ctx, client, inv.ID, "self-serve", 1_000_000); !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized resolving as client, got %v", err)
	}
	if _, err := disputes.Resolve(ctx, arbiter, inv.ID, "too much", 1_000_001); !errors.Is(err, ErrAmountExceedsEscrow) {
		t.Fatalf("expected ErrAmountExceedsEscrow, got %v", err)
	}

	resolved, err := disputes.Resolve(ctx, arbiter, inv.ID, "partial refund", 400_000)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.Resolution == nil || *resolved.Resolution != "partial refund" {
		t.Fatalf("unexpected resolved dispute: %+v", resolved)
	}

	clientBal, err := tokens.Balance(ctx, pool, client, "USDT")
	if err != nil {
		t.Fatalf("client balance: %v", err)
	}
	if clientBal != 400_000 {
		t.Fatalf("expected client refunded 400000, got %d", clientBal)
	}
	contractorBal, err := tokens.Balance(ctx, pool, contractor, "USDT")
	if err != nil {
		t.Fatalf("contractor balance: %v", err)
	}
	if contractorBal != 600_000 {
		t.Fatalf("expected contractor paid 600000, got %d", contractorBal)
	}

	final, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get final invoice: %v", err)
	}
	if final.Status != invoice.StatusCompleted {
		t.Fatalf("expected completed after partial payout, got %q", final.Status)
	}
	if final.AmountPaid != 600_000 {
		t.Fatalf("expected amount_paid 600000, got %d", final.AmountPaid)
	}
	if final.SettledAt == nil {
		t.Fatal("expected settled_at stamp")
	}

	// No active dispute remains, and the custody drained to zero.
	if _, err := disputes.Resolve(ctx, arbiter, inv.ID, "again", 0); !errors.Is(err, ErrNoActiveDispute) {
		t.Fatalf("expected ErrNoActiveDispute, got %v", err)
	}
	balance, err := custody.Balance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("custody balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected drained custody, got %d", balance)
	}
}

// TestFullRefundResolution_Integration checks that a full refund settles the
// invoice as Cancelled rather than Completed.
func TestFullRefundResolution_Integration(t *testing.T) {
	pool := integrationPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := seedParty(ctx, t, pool, "client")
	contractor := seedParty(ctx, t, pool, "contractor")
	arbiter := seedParty(ctx, t, pool, "arbiter")
	fundAccount(ctx, t, pool, client, "USDT", 500_000)

	invoices := invoice.NewService(pool, pool)
	custody := escrow.NewService(pool, pool, nil, nil, nil)
	disputes := NewService(pool, pool, nil, nil)

	inv, err := invoices.Create(ctx, client, invoice.CreateParams{
		ContractorID: contractor,
		ArbiterID:    &arbiter,
		Token:        "USDT",
		TotalAmount:  500_000,
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if err := custody.Deposit(ctx, client, inv.ID, 500_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := custody.AckDeposit(ctx, client, inv.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := disputes.Raise(ctx, contractor, inv.ID, "client unresponsive"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := disputes.Resolve(ctx, arbiter, inv.ID, "full refund", 500_000); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	final, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get final invoice: %v", err)
	}
	if final.Status != invoice.StatusCancelled {
		t.Fatalf("expected cancelled on full refund, got %q", final.Status)
	}
	if final.AmountPaid != 0 {
		t.Fatalf("expected amount_paid 0, got %d", final.AmountPaid)
	}

	history, err := disputes.ListByInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("list disputes: %v", err)
	}
	if len(history) != 1 || !history[0].Resolved {
		t.Fatalf("unexpected dispute history: %+v", history)
	}
}

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
		WHERE table_schema = 'public' AND table_name = 'disputes')`).Scan(&exists); err != nil {
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
