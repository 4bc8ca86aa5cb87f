package milestone

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/authz"
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

// Service owns the milestone ledger: attaching milestones and driving them
// through Pending -> Completed -> Paid.
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

// Add attaches a milestone while the invoice is Created or Funded. Milestone
// amounts may under-allocate the total but never exceed it.
func (s *Service) Add(ctx context.Context, callerID string, invoiceID int64, description string, amount int64) (Milestone, error) {
	if description == "" {
		return Milestone{}, fmt.Errorf("milestone: description required")
	}
	if amount <= 0 {
		return Milestone{}, fmt.Errorf("milestone: amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.InvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return Milestone{}, err
	}
	if !authz.Allowed(invoice.Subject(inv), callerID, authz.OpAddMilestone) {
		return Milestone{}, authz.ErrUnauthorized
	}
	if inv.Status != invoice.StatusCreated && inv.Status != invoice.StatusFunded {
		return Milestone{}, invoice.ErrInvalidState
	}

	allocated, err := s.repo.SumAmounts(ctx, tx, invoiceID)
	if err != nil {
		return Milestone{}, err
	}
	if allocated+amount > inv.TotalAmount {
		return Milestone{}, ErrAmountExceedsTotal
	}

	idx, err := s.repo.NextIndex(ctx, tx, invoiceID)
	if err != nil {
		return Milestone{}, err
	}
	ms, err := s.repo.Insert(ctx, tx, invoiceID, idx, description, amount)
	if err != nil {
		return Milestone{}, err
	}

	if err := s.events.Append(ctx, tx, invoiceID, event.TypeMilestoneAdded, &callerID, map[string]any{
		"idx":    idx,
		"amount": amount,
	}); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit add: %w", err)
	}
	return ms, nil
}

// Complete is the contractor reporting delivery: Pending -> Completed. First
// milestone activity moves the invoice from Funded to InProgress.
func (s *Service) Complete(ctx context.Context, callerID string, invoiceID int64, idx int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.InvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !authz.Allowed(invoice.Subject(inv), callerID, authz.OpCompleteMilestone) {
		return authz.ErrUnauthorized
	}
	if !invoice.Active(inv.Status) {
		return invoice.ErrInvalidState
	}

	if _, err := s.repo.GetForUpdate(ctx, tx, invoiceID, idx); err != nil {
		return err
	}
	if err := s.repo.MarkCompleted(ctx, tx, invoiceID, idx); err != nil {
		return err
	}

	if inv.Status == invoice.StatusFunded {
		if err := s.repo.SetInvoiceStatus(ctx, tx, invoiceID, invoice.StatusInProgress); err != nil {
			return err
		}
	}

	if err := s.events.Append(ctx, tx, invoiceID, event.TypeMilestoneCompleted, &callerID, map[string]any{
		"idx": idx,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("milestone: commit complete: %w", err)
	}
	return nil
}

// ApproveAndPay is the client accepting a completed milestone. In one atomic
// step it debits custody, credits the contractor's token account, marks the
// milestone Paid and bumps amount_paid. The invoice completes when every
// milestone is paid and no custody remains.
func (s *Service) ApproveAndPay(ctx context.Context, callerID string, invoiceID int64, idx int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.InvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !authz.Allowed(invoice.Subject(inv), callerID, authz.OpApproveMilestone) {
		return authz.ErrUnauthorized
	}
	if !invoice.Active(inv.Status) {
		return invoice.ErrInvalidState
	}

	ms, err := s.repo.GetForUpdate(ctx, tx, invoiceID, idx)
	if err != nil {
		return err
	}
	if ms.Status != StatusCompleted {
		return invoice.ErrInvalidState
	}

	if err := s.repo.DebitCustody(ctx, tx, invoiceID, ms.Amount); err != nil {
		return err
	}
	if err := s.tokens.Credit(ctx, tx, inv.ContractorID, inv.Token, ms.Amount); err != nil {
		return err
	}
	if err := s.repo.RecordRelease(ctx, tx, invoiceID, inv.ContractorID, ms.Amount); err != nil {
		return err
	}
	if err := s.repo.MarkPaid(ctx, tx, invoiceID, idx); err != nil {
		return err
	}
	if err := s.repo.AddPaid(ctx, tx, invoiceID, ms.Amount); err != nil {
		return err
	}

	unpaid, err := s.repo.UnpaidCount(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	remaining, err := s.repo.CustodyBalance(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if unpaid == 0 && remaining == 0 {
		if err := s.repo.SettleInvoice(ctx, tx, invoiceID, invoice.StatusCompleted); err != nil {
			return err
		}
	}

	if err := s.events.Append(ctx, tx, invoiceID, event.TypeMilestonePaid, &callerID, map[string]any{
		"idx":    idx,
		"amount": ms.Amount,
	}); err != nil {
		return err
	}
	if err := s.events.Enqueue(ctx, tx, event.TopicMilestonePaid, map[string]any{
		"invoice_id": invoiceID,
		"idx":        idx,
		"amount":     ms.Amount,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("milestone: commit pay: %w", err)
	}
	return nil
}

// Get returns one milestone snapshot.
func (s *Service) Get(ctx context.Context, invoiceID int64, idx int) (Milestone, error) {
	return s.repo.Get(ctx, s.reads, invoiceID, idx)
}

// List returns the invoice's milestones in index order.
func (s *Service) List(ctx context.Context, invoiceID int64) ([]Milestone, error) {
	return s.repo.List(ctx, s.reads, invoiceID)
}
