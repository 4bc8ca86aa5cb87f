// Package actors holds the concurrent workloads the stress harness throws at
// the settlement engine. Each actor loops until stopped, driving the real
// services so every invariant the engine enforces is exercised under
// contention. Domain refusals (unauthorized, wrong state, insufficient funds)
// are expected and swallowed; an unauthorized call that SUCCEEDS is fatal.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/authz"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/invoice"
	"escrowflow/milestone"
	"escrowflow/token"
)

// Cast bundles the services an actor drives plus a pool for discovery reads.
type Cast struct {
	Pool       *pgxpool.Pool
	Invoices   *invoice.Service
	Custody    *escrow.Service
	Milestones *milestone.Service
	Disputes   *dispute.Service
}

// Parties are the three principals every stressed invoice is created between.
type Parties struct {
	Client     string
	Contractor string
	Arbiter    string
}

// expected reports whether err is a refusal the engine hands out by design
// under contention, as opposed to an infrastructure failure.
func expected(err error) bool {
	return errors.Is(err, authz.ErrUnauthorized) ||
		errors.Is(err, invoice.ErrInvalidState) ||
		errors.Is(err, invoice.ErrNotFound) ||
		errors.Is(err, escrow.ErrInsufficientFunds) ||
		errors.Is(err, milestone.ErrAmountExceedsTotal) ||
		errors.Is(err, milestone.ErrNotFound) ||
		errors.Is(err, dispute.ErrDisputeActive) ||
		errors.Is(err, dispute.ErrNoActiveDispute) ||
		errors.Is(err, dispute.ErrAmountExceedsEscrow) ||
		errors.Is(err, token.ErrInsufficientBalance) ||
		errors.Is(err, token.ErrAccountNotFound)
}

// Faucet keeps the client's external token balance topped up so deposits
// never starve. It plays the role of an on-ramp outside the engine.
func Faucet(ctx context.Context, pool *pgxpool.Pool, ownerID, tok string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `
			INSERT INTO token_accounts (owner_id, token, balance) VALUES ($1, $2, $3)
			ON CONFLICT (owner_id, token) DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance`,
			ownerID, tok, int64(1_000_000))
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// Lifecycle runs whole invoices front to back: create, deposit, acknowledge,
// release. Several copies race each other over the same client balance.
func (c *Cast) Lifecycle(ctx context.Context, p Parties, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(1_000 * (1 + rand.Intn(50)))
		inv, err := c.Invoices.Create(ctx, p.Client, invoice.CreateParams{
			ContractorID: p.Contractor,
			ArbiterID:    &p.Arbiter,
			Token:        "USDT",
			TotalAmount:  amount,
		})
		if err != nil {
			if !expected(err) && ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		// Some invoices are torn down instead of settled: cancelled while
		// empty, or cancelled after a deposit, which must be refused and
		// recovered through refund.
		if rand.Intn(4) == 0 {
			if rand.Intn(2) == 0 {
				_ = c.Invoices.Cancel(ctx, p.Client, inv.ID)
				continue
			}
			if depErr := c.Custody.Deposit(ctx, p.Client, inv.ID, amount); depErr == nil {
				if err := c.Invoices.Cancel(ctx, p.Client, inv.ID); err == nil {
					return fmt.Errorf("cancel succeeded with custodied deposit on invoice %d", inv.ID)
				}
				if err := c.Custody.Refund(ctx, p.Client, inv.ID); err != nil && !expected(err) {
					if ctx.Err() != nil {
						return ctx.Err()
					}
				}
			} else {
				_ = c.Invoices.Cancel(ctx, p.Client, inv.ID)
			}
			continue
		}

		_ = c.Custody.Deposit(ctx, p.Client, inv.ID, amount)
		_ = c.Custody.AckDeposit(ctx, p.Client, inv.ID)
		if err := c.Custody.Release(ctx, p.Client, inv.ID); err != nil && !expected(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// MilestoneFlow runs milestone-paced invoices: partial milestones, contractor
// completion, client approval, then a sweep of the unallocated remainder.
func (c *Cast) MilestoneFlow(ctx context.Context, p Parties, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		total := int64(10_000)
		inv, err := c.Invoices.Create(ctx, p.Client, invoice.CreateParams{
			ContractorID: p.Contractor,
			ArbiterID:    &p.Arbiter,
			Token:        "USDT",
			TotalAmount:  total,
		})
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		n := 1 + rand.Intn(3)
		for i := 0; i < n; i++ {
			_, _ = c.Milestones.Add(ctx, p.Client, inv.ID, fmt.Sprintf("phase %d", i+1), total/int64(n+1))
		}
		_ = c.Custody.Deposit(ctx, p.Client, inv.ID, total)
		_ = c.Custody.AckDeposit(ctx, p.Client, inv.ID)
		for i := 0; i < n; i++ {
			_ = c.Milestones.Complete(ctx, p.Contractor, inv.ID, i)
			_ = c.Milestones.ApproveAndPay(ctx, p.Client, inv.ID, i)
		}
		if err := c.Custody.Release(ctx, p.Client, inv.ID); err != nil && !expected(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer raises disputes on whatever active invoice it can find.
func (c *Cast) Disputer(ctx context.Context, p Parties, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id int64
		err := c.Pool.QueryRow(ctx, `
			SELECT id FROM invoices
			WHERE status IN ('funded', 'in_progress') AND contractor_id = $1
			ORDER BY random() LIMIT 1`, p.Contractor).Scan(&id)
		if err == nil {
			if _, err := c.Disputes.Raise(ctx, p.Contractor, id, "stress dispute"); err != nil && !expected(err) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Arbitrator resolves open disputes with random splits.
func (c *Cast) Arbitrator(ctx context.Context, p Parties, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id int64
		err := c.Pool.QueryRow(ctx, `
			SELECT id FROM invoices WHERE status = 'disputed'
			ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			balance, berr := c.Custody.Balance(ctx, id)
			if berr == nil {
				refund := int64(0)
				if balance > 0 {
					refund = rand.Int63n(balance + 1)
				}
				if _, err := c.Disputes.Resolve(ctx, p.Arbiter, id, "split by arbiter", refund); err != nil && !expected(err) {
					if ctx.Err() != nil {
						return ctx.Err()
					}
				}
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// Intruder hammers authorization-guarded operations as a stranger. Every call
// must be refused; a single success is a finding.
func (c *Cast) Intruder(ctx context.Context, strangerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id int64
		err := c.Pool.QueryRow(ctx, `
			SELECT id FROM invoices
			WHERE status NOT IN ('completed', 'cancelled')
			ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			if err := c.Custody.Release(ctx, strangerID, id); err == nil {
				return fmt.Errorf("intruder released invoice %d", id)
			}
			if err := c.Custody.Refund(ctx, strangerID, id); err == nil {
				return fmt.Errorf("intruder refunded invoice %d", id)
			}
			if _, err := c.Disputes.Resolve(ctx, strangerID, id, "hostile", 0); err == nil {
				return fmt.Errorf("intruder resolved dispute on invoice %d", id)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, simulating occasional downstream failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
