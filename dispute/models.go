package dispute

import "time"

// Dispute mirrors the disputes table. At most one unresolved dispute may
// exist per invoice; a partial unique index enforces it.
type Dispute struct {
	ID         string
	InvoiceID  int64
	RaisedBy   string
	Reason     string
	Resolved   bool
	Resolution *string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
