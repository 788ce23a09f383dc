package events

import "context"

// Domain event types consumed by the notification collaborator and the
// live feed. Delivery is fire-and-forget: a failed publish never rolls
// back escrow state.
const (
	EventStatusChanged   = "escrow_status_changed"
	EventPaymentReceived = "payment_received"
	EventWorkSubmitted   = "work_submitted"
	EventDisputed        = "disputed"
	EventCompleted       = "completed"
)

// StreamEscrow is the redis channel all escrow events go out on.
const StreamEscrow = "events:escrow"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
