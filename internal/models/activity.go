package models

import "time"

// ActivityOwner tags which record an activity entry belongs to.
type ActivityOwner string

const (
	OwnerOrder   ActivityOwner = "order"
	OwnerDecline ActivityOwner = "decline"
)

// ActivityEntry is one line of the append-only per-record audit trail.
// Entries are never mutated. Email sends carry the template and recipient so
// support can answer "what did we send this customer, and when".
type ActivityEntry struct {
	ID        string        `json:"id"`
	OwnerKind ActivityOwner `json:"owner_kind"`
	OwnerID   string        `json:"owner_id"`
	Action    string        `json:"action"`
	Details   string        `json:"details,omitempty"`
	EmailType string        `json:"email_type,omitempty"`
	Recipient string        `json:"recipient,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
