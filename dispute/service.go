package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/authz"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/invoice"
	"escrowflow/token"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TokenLedger is the external fungible-token transfer primitive.
type TokenLedger interface {
	Credit(ctx context.Context, tx pgx.Tx, ownerID, token string, amount int64) error
}

// EventWriter appends audit trail entries inside the active transaction.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, invoiceID int64, eventType string, actorID *string, payload map[string]any) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service records disputes and lets the designated arbiter override normal
// flow by splitting the custodied balance.
type Service struct {
	pool   TxBeginner
	reads  *pgxpool.Pool
	repo   *Repository
	tokens TokenLedger
	events EventWriter
}

func NewService(pool TxBeginner, reads *pgxpool.Pool, tokens TokenLedger, events EventWriter) *Service {
	if tokens == nil {
		tokens = token.NewLedger()
	}
	if events == nil {
		events = event.NewWriter()
	}
	return &Service{pool: pool, reads: reads, repo: NewRepository(), tokens: tokens, events: events}
}

// Raise opens a dispute and freezes normal flow: the invoice moves to
// Disputed, where neither release nor milestone payout can run.
func (s *Service) Raise(ctx context.Context, callerID string, invoiceID int64, reason string) (Dispute, error) {
	if reason == "" {
		return Dispute{}, fmt.Errorf("dispute: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.InvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return Dispute{}, err
	}
	if !authz.Allowed(invoice.Subject(inv), callerID, authz.OpRaiseDispute) {
		return Dispute{}, authz.ErrUnauthorized
	}
	if !invoice.Active(inv.Status) {
		return Dispute{}, invoice.ErrInvalidState
	}

	d, err := s.repo.Insert(ctx, tx, invoiceID, callerID, reason)
	if err != nil {
		return Dispute{}, err
	}
	if err := s.repo.SetInvoiceStatus(ctx, tx, invoiceID, invoice.StatusDisputed); err != nil {
		return Dispute{}, err
	}

	if err := s.events.Append(ctx, tx, invoiceID, event.TypeDisputeRaised, &callerID, map[string]any{
		"dispute_id": d.ID,
		"reason":     reason,
	}); err != nil {
		return Dispute{}, err
	}
	if err := s.events.Enqueue(ctx, tx, event.TopicDisputeRaised, map[string]any{
		"invoice_id": invoiceID,
		"dispute_id": d.ID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit raise: %w", err)
	}
	return d, nil
}

// Resolve is arbiter-only. It splits the custodied balance, refundToClient
// back to the client and the remainder to the contractor, then settles the
// invoice: Cancelled on a full refund, Completed whenever the contractor
// received anything.
func (s *Service) Resolve(ctx context.Context, callerID string, invoiceID int64, resolution string, refundToClient int64) (Dispute, error) {
	if refundToClient < 0 {
		return Dispute{}, fmt.Errorf("dispute: refund amount must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.InvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return Dispute{}, err
	}
	if !authz.Allowed(invoice.Subject(inv), callerID, authz.OpResolveDispute) {
		return Dispute{}, authz.ErrUnauthorized
	}

	active, err := s.repo.ActiveForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return Dispute{}, err
	}

	balance, err := s.repo.CustodyBalance(ctx, tx, invoiceID)
	if err != nil {
		return Dispute{}, err
	}
	if refundToClient > balance {
		return Dispute{}, ErrAmountExceedsEscrow
	}

	drained, err := s.repo.DrainCustody(ctx, tx, invoiceID)
	if err != nil {
		return Dispute{}, err
	}
	contractorShare := drained - refundToClient

	if refundToClient > 0 {
		if err := s.tokens.Credit(ctx, tx, inv.ClientID, inv.Token, refundToClient); err != nil {
			return Dispute{}, err
		}
		if err := s.repo.RecordEntry(ctx, tx, invoiceID, escrow.KindRefund, inv.ClientID, refundToClient); err != nil {
			return Dispute{}, err
		}
	}
	if contractorShare > 0 {
		if err := s.tokens.Credit(ctx, tx, inv.ContractorID, inv.Token, contractorShare); err != nil {
			return Dispute{}, err
		}
		if err := s.repo.RecordEntry(ctx, tx, invoiceID, escrow.KindRelease, inv.ContractorID, contractorShare); err != nil {
			return Dispute{}, err
		}
		if err := s.repo.AddPaid(ctx, tx, invoiceID, contractorShare); err != nil {
			return Dispute{}, err
		}
	}

	resolved, err := s.repo.MarkResolved(ctx, tx, active.ID, resolution)
	if err != nil {
		return Dispute{}, err
	}

	terminal := invoice.StatusCancelled
	if contractorShare > 0 {
		terminal = invoice.StatusCompleted
	}
	if err := s.repo.SettleInvoice(ctx, tx, invoiceID, terminal); err != nil {
		return Dispute{}, err
	}

	if err := s.events.Append(ctx, tx, invoiceID, event.TypeDisputeResolved, &callerID, map[string]any{
		"dispute_id":       resolved.ID,
		"refund_to_client": refundToClient,
		"contractor_share": contractorShare,
	}); err != nil {
		return Dispute{}, err
	}
	if err := s.events.Enqueue(ctx, tx, event.TopicDisputeResolved, map[string]any{
		"invoice_id": invoiceID,
		"dispute_id": resolved.ID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return resolved, nil
}

// Get returns one dispute snapshot.
func (s *Service) Get(ctx context.Context, disputeID string) (Dispute, error) {
	return s.repo.Get(ctx, s.reads, disputeID)
}

// ListByInvoice returns every dispute raised on the invoice, newest first.
func (s *Service) ListByInvoice(ctx context.Context, invoiceID int64) ([]Dispute, error) {
	return s.repo.ListByInvoice(ctx, s.reads, invoiceID)
}
