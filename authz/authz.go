// Package authz centralizes every caller-role decision the engine makes.
// It is pure: no database access, so the matrix can be tested on its own.
package authz

import "errors"

// ErrUnauthorized signals the caller lacks the role required for the operation.
var ErrUnauthorized = errors.New("authz: unauthorized")

// Op enumerates the role-gated operations of the engine.
type Op string

const (
	OpAddMilestone      Op = "add_milestone"
	OpCancelInvoice     Op = "cancel_invoice"
	OpDeposit           Op = "deposit"
	OpAckDeposit        Op = "ack_deposit"
	OpCompleteMilestone Op = "complete_milestone"
	OpApproveMilestone  Op = "approve_and_pay_milestone"
	OpRelease           Op = "release_funds"
	OpRefund            Op = "refund"
	OpRaiseDispute      Op = "raise_dispute"
	OpResolveDispute    Op = "resolve_dispute"
)

// Subject carries the per-invoice role assignments a decision is made against.
type Subject struct {
	ClientID     string
	ContractorID string
	ArbiterID    *string
}

func (s Subject) isArbiter(caller string) bool {
	return s.ArbiterID != nil && *s.ArbiterID == caller
}

// Allowed reports whether caller may perform op on an invoice with the given
// role assignments. The contractor alone can never move custodied funds out.
func Allowed(s Subject, caller string, op Op) bool {
	if caller == "" {
		return false
	}
	switch op {
	case OpAddMilestone, OpCancelInvoice, OpDeposit, OpAckDeposit, OpApproveMilestone:
		return caller == s.ClientID
	case OpCompleteMilestone:
		return caller == s.ContractorID
	case OpRelease, OpRefund:
		return caller == s.ClientID || s.isArbiter(caller)
	case OpRaiseDispute:
		return caller == s.ClientID || caller == s.ContractorID
	case OpResolveDispute:
		return s.isArbiter(caller)
	}
	return false
}
