package invoice

import "time"

// Status represents the lifecycle of an invoice.
type Status string

const (
	StatusCreated    Status = "created"
	StatusFunded     Status = "funded"
	StatusInProgress Status = "in_progress"
	StatusDisputed   Status = "disputed"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Invoice mirrors the invoices table. Amounts are int64 base units of the
// named token; no floating point anywhere near money.
type Invoice struct {
	ID             int64
	ClientID       string
	ContractorID   string
	ArbiterID      *string
	Token          string
	TotalAmount    int64
	AmountPaid     int64
	Status         Status
	MilestoneCount int
	CreatedAt      time.Time
	CompletedAt    *time.Time
	SettledAt      *time.Time
	UpdatedAt      time.Time
}

// CreateParams contains the structured fields an invoice is created from.
// Upstream producers (invoice parsers, dashboards) are responsible for
// assembling these; the engine only validates them.
type CreateParams struct {
	ContractorID string
	ArbiterID    *string
	Token        string
	TotalAmount  int64
}
