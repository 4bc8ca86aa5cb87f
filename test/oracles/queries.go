// Package oracles defines the invariants the stress run checks between actor
// batches. Each oracle is a query that must return zero rows on a consistent
// database; the first row returned is the counterexample.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_custody_reconciles",
			SQL: `SELECT a.invoice_id, a.balance, COALESCE(j.net, 0) AS journal_net
                  FROM escrow_accounts a
                  LEFT JOIN (
                      SELECT invoice_id,
                             SUM(CASE WHEN kind = 'deposit' THEN amount ELSE -amount END) AS net
                      FROM escrow_entries
                      GROUP BY invoice_id
                  ) j ON j.invoice_id = a.invoice_id
                  WHERE a.balance <> COALESCE(j.net, 0)`,
		},
		{
			Name: "O2_one_active_dispute",
			SQL: `SELECT invoice_id, COUNT(*) FROM disputes
                  WHERE NOT resolved
                  GROUP BY invoice_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT invoice_id, seq,
                             LAG(seq) OVER (PARTITION BY invoice_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_paid_within_total",
			SQL:  `SELECT id, amount_paid, total_amount FROM invoices WHERE amount_paid > total_amount`,
		},
		{
			Name: "O5_terminal_settled",
			SQL: `SELECT i.id, i.status, i.settled_at, a.balance
                  FROM invoices i
                  JOIN escrow_accounts a ON a.invoice_id = i.id
                  WHERE i.status IN ('completed', 'cancelled')
                    AND (i.settled_at IS NULL OR a.balance <> 0)`,
		},
		{
			Name: "O6_milestone_allocation",
			SQL: `SELECT m.invoice_id, SUM(m.amount) AS allocated, i.total_amount
                  FROM milestones m
                  JOIN invoices i ON i.id = m.invoice_id
                  GROUP BY m.invoice_id, i.total_amount
                  HAVING SUM(m.amount) > i.total_amount`,
		},
		{
			Name: "O7_paid_milestone_stamps",
			SQL: `SELECT invoice_id, idx FROM milestones
                  WHERE status = 'paid' AND (paid_at IS NULL OR approved_at IS NULL)`,
		},
		{
			Name: "O8_disputed_has_open_dispute",
			SQL: `SELECT i.id FROM invoices i
                  WHERE i.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.invoice_id = i.id AND NOT d.resolved)`,
		},
		{
			Name: "O9_resolved_disputes_settled",
			SQL: `SELECT d.id, i.status FROM disputes d
                  JOIN invoices i ON i.id = d.invoice_id
                  WHERE d.resolved AND d.resolved_at IS NULL`,
		},
		{
			Name: "O10_outbox_not_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
