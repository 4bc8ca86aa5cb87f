// Package event appends timeline entries and outbox messages inside the
// caller's transaction, so the audit trail commits or rolls back together
// with the state change it describes.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline event types.
const (
	TypeInvoiceCreated     = "INVOICE_CREATED"
	TypeInvoiceCancelled   = "INVOICE_CANCELLED"
	TypeMilestoneAdded     = "MILESTONE_ADDED"
	TypeMilestoneCompleted = "MILESTONE_COMPLETED"
	TypeMilestonePaid      = "MILESTONE_PAID"
	TypeDepositRecorded    = "DEPOSIT_RECORDED"
	TypeInvoiceFunded      = "INVOICE_FUNDED"
	TypeFundsReleased      = "FUNDS_RELEASED"
	TypeFundsRefunded      = "FUNDS_REFUNDED"
	TypeDisputeRaised      = "DISPUTE_RAISED"
	TypeDisputeResolved    = "DISPUTE_RESOLVED"
)

// Outbox topics.
const (
	TopicInvoiceCreated   = "invoice.created"
	TopicInvoiceCancelled = "invoice.cancelled"
	TopicInvoiceFunded    = "invoice.funded"
	TopicMilestonePaid    = "milestone.paid"
	TopicFundsReleased    = "escrow.released"
	TopicFundsRefunded    = "escrow.refunded"
	TopicDisputeRaised    = "dispute.raised"
	TopicDisputeResolved  = "dispute.resolved"
)

// Writer implements both timeline and outbox appends against the active
// transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append writes the next sequenced timeline event for the invoice. Callers
// hold the invoice row lock, so the seq computation cannot race.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, invoiceID int64, eventType string, actorID *string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO timeline_events (invoice_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		FROM timeline_events WHERE invoice_id = $1`

	var actor any
	if actorID != nil {
		actor = *actorID
	}
	if _, err := tx.Exec(ctx, insertSQL, invoiceID, eventType, actor, body); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

// Enqueue writes a transactional outbox message for downstream consumers.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, body); err != nil {
		return fmt.Errorf("event: insert outbox message: %w", err)
	}
	return nil
}
