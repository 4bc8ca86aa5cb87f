package escrow

import "time"

// EntryKind tags a custody journal row.
type EntryKind string

const (
	KindDeposit EntryKind = "deposit"
	KindRelease EntryKind = "release"
	KindRefund  EntryKind = "refund"
)

// Entry is one leg of custody movement: funds in on deposit, funds out on
// release or refund. The journal is append-only.
type Entry struct {
	ID             string
	InvoiceID      int64
	Kind           EntryKind
	CounterpartyID string
	Amount         int64
	CreatedAt      time.Time
}
