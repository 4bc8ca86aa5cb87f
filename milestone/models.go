package milestone

import "time"

// Status represents the lifecycle of a milestone.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusPaid      Status = "paid"
)

// Milestone mirrors the milestones table, keyed by (invoice_id, idx). It
// holds a back-reference to its invoice, never a pointer.
type Milestone struct {
	InvoiceID   int64
	Idx         int
	Description string
	Amount      int64
	Status      Status
	CompletedAt *time.Time
	ApprovedAt  *time.Time
	PaidAt      *time.Time
}
