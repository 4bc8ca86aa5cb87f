package invoice

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/authz"
	"escrowflow/event"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service owns invoice creation and pre-funding cancellation, and exposes the
// registry's read surface.
type Service struct {
	pool    TxBeginner
	reads   *pgxpool.Pool
	repo    *Repository
	events  *event.Writer
}

// NewService wires the registry. reads may equal the pool backing TxBeginner;
// it is split so unit tests can fake transactions without faking reads.
func NewService(pool TxBeginner, reads *pgxpool.Pool) *Service {
	return &Service{
		pool:   pool,
		reads:  reads,
		repo:   NewRepository(),
		events: event.NewWriter(),
	}
}

// Subject extracts the role assignments authorization decisions run against.
func Subject(inv Invoice) authz.Subject {
	return authz.Subject{
		ClientID:     inv.ClientID,
		ContractorID: inv.ContractorID,
		ArbiterID:    inv.ArbiterID,
	}
}

// Create registers a new invoice owned by the caller. The id is assigned from
// the engine's monotonic sequence and returned on the record.
func (s *Service) Create(ctx context.Context, clientID string, params CreateParams) (Invoice, error) {
	if clientID == "" {
		return Invoice{}, fmt.Errorf("invoice: client id required")
	}
	if params.ContractorID == "" {
		return Invoice{}, fmt.Errorf("invoice: contractor id required")
	}
	if params.ContractorID == clientID {
		return Invoice{}, fmt.Errorf("invoice: client and contractor must differ")
	}
	if params.Token == "" {
		return Invoice{}, fmt.Errorf("invoice: token required")
	}
	if params.TotalAmount <= 0 {
		return Invoice{}, fmt.Errorf("invoice: total amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := s.repo.NextID(ctx, tx)
	if err != nil {
		return Invoice{}, err
	}

	inv, err := s.repo.Insert(ctx, tx, id, clientID, params)
	if err != nil {
		return Invoice{}, err
	}

	payload := map[string]any{
		"contractor_id": params.ContractorID,
		"token":         params.Token,
		"total_amount":  params.TotalAmount,
	}
	if params.ArbiterID != nil {
		payload["arbiter_id"] = *params.ArbiterID
	}
	if err := s.events.Append(ctx, tx, inv.ID, event.TypeInvoiceCreated, &clientID, payload); err != nil {
		return Invoice{}, err
	}
	if err := s.events.Enqueue(ctx, tx, event.TopicInvoiceCreated, map[string]any{
		"invoice_id": inv.ID,
		"client_id":  clientID,
	}); err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: commit create: %w", err)
	}
	return inv, nil
}

// Cancel tears down an invoice before any funds moved. Only legal from
// Created with an empty custody account; once deposits arrived the client
// must recover them through a refund, which cancels the invoice itself.
func (s *Service) Cancel(ctx context.Context, callerID string, invoiceID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !authz.Allowed(Subject(inv), callerID, authz.OpCancelInvoice) {
		return authz.ErrUnauthorized
	}
	if inv.Status != StatusCreated {
		return ErrInvalidState
	}

	balance, err := s.repo.CustodyBalance(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if balance > 0 {
		return ErrInvalidState
	}

	if err := s.repo.Settle(ctx, tx, invoiceID, StatusCancelled); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, invoiceID, event.TypeInvoiceCancelled, &callerID, nil); err != nil {
		return err
	}
	if err := s.events.Enqueue(ctx, tx, event.TopicInvoiceCancelled, map[string]any{
		"invoice_id": invoiceID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("invoice: commit cancel: %w", err)
	}
	return nil
}

// Get returns the invoice snapshot for the query surface.
func (s *Service) Get(ctx context.Context, invoiceID int64) (Invoice, error) {
	return s.repo.Get(ctx, s.reads, invoiceID)
}

// ListByParty returns invoices the party participates in under any role.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]Invoice, error) {
	return s.repo.ListByParty(ctx, s.reads, partyID, limit)
}
