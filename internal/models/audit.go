package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one row of a transaction's immutable audit trail.
// Entries are strictly ordered by Seq per transaction; the trail is the
// dispute-resolution evidence and is never rewritten.
type AuditEntry struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	Seq           int        `json:"seq"`
	FromStatus    Status     `json:"from_status"`
	ToStatus      Status     `json:"to_status"`
	ActorID       *uuid.UUID `json:"actor_id,omitempty"`
	ActorRole     Role       `json:"actor_role"`
	Event         Event      `json:"event"`
	Meta          any        `json:"meta,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
