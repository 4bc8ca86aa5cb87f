package escrow

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

// Store defines the data access the funding gate and authorization guard need.
type Store interface {
	InvoiceForUpdate(ctx context.Context, tx pgx.Tx, id int64) (invoice.Invoice, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id int64, to invoice.Status) error
	Settle(ctx context.Context, tx pgx.Tx, id int64, to invoice.Status) error
	AddPaid(ctx context.Context, tx pgx.Tx, id int64, amount int64) error
	CustodyBalance(ctx context.Context, tx pgx.Tx, invoiceID int64) (int64, error)
	CreditCustody(ctx context.Context, tx pgx.Tx, invoiceID int64, amount int64) error
	DrainCustody(ctx context.Context, tx pgx.Tx, invoiceID int64) (int64, error)
	RecordEntry(ctx context.Context, tx pgx.Tx, invoiceID int64, kind EntryKind, counterpartyID string, amount int64) error
}

// TokenLedger is the external fungible-token transfer primitive.
type TokenLedger interface {
	Credit(ctx context.Context, tx pgx.Tx, ownerID, token string, amount int64) error
	Debit(ctx context.Context, tx pgx.Tx, ownerID, token string, amount int64) error
}

// EventWriter appends audit trail entries inside the active transaction.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, invoiceID int64, eventType string, actorID *string, payload map[string]any) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the funding gate and the only component allowed to move
// custodied funds back out of the engine.
type Service struct {
	pool   TxBeginner
	reads  *pgxpool.Pool
	store  Store
	tokens TokenLedger
	events EventWriter
	repo   *Repository
}

// NewService wires the escrow service. Nil store, tokens or events fall back
// to the pgx-backed implementations.
func NewService(pool TxBeginner, reads *pgxpool.Pool, store Store, tokens TokenLedger, events EventWriter) *Service {
	if store == nil {
		store = NewRepository()
	}
	if tokens == nil {
		tokens = token.NewLedger()
	}
	if events == nil {
		events = event.NewWriter()
	}
	return &Service{pool: pool, reads: reads, store: store, tokens: tokens, events: events, repo: NewRepository()}
}

// Deposit is funding phase one: the external transfer that moves the client's
// tokens into the invoice's custody account. It does not change invoice
// status; only AckDeposit does, and only against the confirmed balance.
func (s *Service) Deposit(ctx context.Context, callerID string, invoiceID int64, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow: deposit amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.store.InvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !authz.Allowed(invoice.Subject(inv), callerID, authz.OpDeposit) {
		return authz.ErrUnauthorized
	}
	if inv.Status != invoice.StatusCreated {
		return invoice.ErrInvalidState
	}

	if err := s.tokens.Debit(ctx, tx, inv.ClientID, inv.Token, amount); err != nil {
		return err
	}
	if err := s.store.CreditCustody(ctx, tx, invoiceID, amount); err != nil {
		return err
	}
	if err := s.store.RecordEntry(ctx, tx, invoiceID, KindDeposit, inv.ClientID, amount); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, invoiceID, event.TypeDepositRecorded, &callerID, map[string]any{
		"amount": amount,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit deposit: %w", err)
	}
	return nil
}

// AckDeposit is funding phase two: reconcile against the custody account the
// engine itself holds and flip Created to Funded. A caller claiming "I paid"
// carries no weight here; only the confirmed balance does.
func (s *Service) AckDeposit(ctx context.Context, callerID string, invoiceID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.store.InvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !authz.Allowed(invoice.Subject(inv), callerID, authz.OpAckDeposit) {
		return authz.ErrUnauthorized
	}
	if inv.Status != invoice.StatusCreated {
		return invoice.ErrInvalidState
	}

	balance, err := s.store.CustodyBalance(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if balance < inv.TotalAmount {
		return ErrInsufficientFunds
	}

	if err := s.store.SetStatus(ctx, tx, invoiceID, invoice.StatusFunded); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, invoiceID, event.TypeInvoiceFunded, &callerID, map[string]any{
		"custodied": balance,
	}); err != nil {
		return err
	}
	if err := s.events.Enqueue(ctx, tx, event.TopicInvoiceFunded, map[string]any{
		"invoice_id": invoiceID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit ack: %w", err)
	}
	return nil
}

// Release drains the remaining custody to the contractor and completes the
// invoice. Callable by the client or the arbiter; the balance check runs
// before the status check so a second release reports InsufficientFunds.
func (s *Service) Release(ctx context.Context, callerID string, invoiceID int64) error {
	return s.payout(ctx, callerID, invoiceID, authz.OpRelease)
}

// Refund drains the remaining custody back to the client and cancels the
// invoice. Same authorization as Release.
func (s *Service) Refund(ctx context.Context, callerID string, invoiceID int64) error {
	return s.payout(ctx, callerID, invoiceID, authz.OpRefund)
}

func (s *Service) payout(ctx context.Context, callerID string, invoiceID int64, op authz.Op) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.store.InvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if !authz.Allowed(invoice.Subject(inv), callerID, op) {
		return authz.ErrUnauthorized
	}

	balance, err := s.store.CustodyBalance(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if balance == 0 {
		return ErrInsufficientFunds
	}

	switch {
	case invoice.Active(inv.Status):
	case op == authz.OpRefund && inv.Status == invoice.StatusCreated:
		// Deposited but never acknowledged: the client may take the funds back.
	default:
		return invoice.ErrInvalidState
	}

	drained, err := s.store.DrainCustody(ctx, tx, invoiceID)
	if err != nil {
		return err
	}

	var (
		recipient string
		kind      EntryKind
		terminal  invoice.Status
		evType    string
		topic     string
	)
	if op == authz.OpRelease {
		recipient, kind, terminal = inv.ContractorID, KindRelease, invoice.StatusCompleted
		evType, topic = event.TypeFundsReleased, event.TopicFundsReleased
	} else {
		recipient, kind, terminal = inv.ClientID, KindRefund, invoice.StatusCancelled
		evType, topic = event.TypeFundsRefunded, event.TopicFundsRefunded
	}

	if err := s.tokens.Credit(ctx, tx, recipient, inv.Token, drained); err != nil {
		return err
	}
	if err := s.store.RecordEntry(ctx, tx, invoiceID, kind, recipient, drained); err != nil {
		return err
	}
	if op == authz.OpRelease {
		if err := s.store.AddPaid(ctx, tx, invoiceID, drained); err != nil {
			return err
		}
	}
	if err := s.store.Settle(ctx, tx, invoiceID, terminal); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, invoiceID, evType, &callerID, map[string]any{
		"amount":    drained,
		"recipient": recipient,
	}); err != nil {
		return err
	}
	if err := s.events.Enqueue(ctx, tx, topic, map[string]any{
		"invoice_id": invoiceID,
		"amount":     drained,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit payout: %w", err)
	}
	return nil
}

// Balance returns the custodied balance for one invoice.
func (s *Service) Balance(ctx context.Context, invoiceID int64) (int64, error) {
	return s.repo.Balance(ctx, s.reads, invoiceID)
}

// TotalCustody returns the engine-wide custodied balance.
func (s *Service) TotalCustody(ctx context.Context) (int64, error) {
	return s.repo.TotalCustody(ctx, s.reads)
}

// Entries returns the custody journal for one invoice.
func (s *Service) Entries(ctx context.Context, invoiceID int64) ([]Entry, error) {
	return s.repo.Entries(ctx, s.reads, invoiceID)
}
