package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow transaction statuses
type Status string

const (
	StatusPending         Status = "pending"
	StatusPaymentReceived Status = "payment_received"
	StatusWorkInProgress  Status = "work_in_progress"
	StatusWorkSubmitted   Status = "work_submitted"
	StatusWorkApproved    Status = "work_approved"
	StatusWorkRejected    Status = "work_rejected"
	StatusCompleted       Status = "completed"
	StatusDisputed        Status = "disputed"
	StatusCancelled       Status = "cancelled"
)

// Transition events
type Event string

const (
	EventFund            Event = "fund"
	EventBeginWork       Event = "begin_work"
	EventSubmitWork      Event = "submit_work"
	EventApprove         Event = "approve"
	EventReject          Event = "reject"
	EventReviewExpired   Event = "review_period_expired"
	EventDeadlineExpired Event = "deadline_expired"
	EventDispute         Event = "dispute"
	EventResolve         Event = "resolve"
	EventCancel          Event = "cancel"
	// EventSettle is the internal hop out of the transient
	// work_approved / work_rejected statuses.
	EventSettle Event = "settle"
)

// Actor roles relative to a transaction
type Role string

const (
	RolePayer   Role = "payer"
	RolePayee   Role = "payee"
	RoleArbiter Role = "arbiter"
	RoleSystem  Role = "system"
)

// Arbiter decision when resolving a dispute.
type ResolveOutcome string

const (
	OutcomeRelease ResolveOutcome = "release"
	OutcomeRefund  ResolveOutcome = "refund"
)

type transitionKey struct {
	From  Status
	Event Event
}

// Valid state transitions: (from, event) -> to.
// EventDispute and EventResolve are handled in NextStatus because their
// targets depend on the source status / arbiter outcome.
var validTransitions = map[transitionKey]Status{
	{StatusPending, EventFund}:   StatusPaymentReceived,
	{StatusPending, EventCancel}: StatusCancelled,

	{StatusPaymentReceived, EventBeginWork}: StatusWorkInProgress,

	{StatusWorkInProgress, EventSubmitWork}: StatusWorkSubmitted,

	{StatusWorkSubmitted, EventApprove}:       StatusWorkApproved,
	{StatusWorkSubmitted, EventReject}:        StatusWorkRejected,
	{StatusWorkSubmitted, EventReviewExpired}: StatusWorkApproved,

	{StatusWorkApproved, EventSettle}: StatusCompleted,
	{StatusWorkRejected, EventSettle}: StatusWorkInProgress,
}

// Role required to raise each event. EventDispute is absent: either
// party may dispute, checked separately.
var eventRoles = map[Event]Role{
	EventFund:            RolePayer,
	EventBeginWork:       RolePayee,
	EventSubmitWork:      RolePayee,
	EventApprove:         RolePayer,
	EventReject:          RolePayer,
	EventCancel:          RolePayer,
	EventReviewExpired:   RoleSystem,
	EventDeadlineExpired: RoleSystem,
	EventResolve:         RoleArbiter,
	EventSettle:          RoleSystem,
}

// IsTerminal reports whether a status is final. Closed transactions are
// never deleted, only read.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// NextStatus returns the target status for applying event to from, or
// false if the pair is not allowed by the transition table.
//
// deadline_expired and resolve pick their target per policy / arbiter
// outcome, so callers resolve those through DeadlineTarget and
// ResolveTarget after NextStatus says the event is allowed.
func NextStatus(from Status, event Event) (Status, bool) {
	switch event {
	case EventDispute:
		if IsTerminal(from) || from == StatusDisputed {
			return "", false
		}
		return StatusDisputed, true
	case EventDeadlineExpired:
		// Target is policy-configured; validity depends only on source.
		if from == StatusWorkInProgress || from == StatusWorkSubmitted {
			return StatusDisputed, true
		}
		return "", false
	case EventResolve:
		if from == StatusDisputed {
			return StatusCompleted, true
		}
		return "", false
	}
	to, ok := validTransitions[transitionKey{from, event}]
	return to, ok
}

// RequiredRole returns the actor role an event demands. EventDispute
// returns false: payer and payee are both allowed.
func RequiredRole(event Event) (Role, bool) {
	r, ok := eventRoles[event]
	return r, ok
}

// ResolveTarget maps an arbiter outcome to the closing status.
func ResolveTarget(outcome ResolveOutcome) (Status, bool) {
	switch outcome {
	case OutcomeRelease:
		return StatusCompleted, true
	case OutcomeRefund:
		return StatusCancelled, true
	}
	return "", false
}

// SettlementAmounts splits a funded amount into the payee's net payout
// and the retained platform fee. Every release path goes through here
// so the displayed and settled fee can never drift.
func SettlementAmounts(amountCents int64, feeBPS int) (net, fee int64) {
	fee = amountCents * int64(feeBPS) / 10000
	return amountCents - fee, fee
}

// WorkSubmission is the payee's deliverable payload. Attachments are
// references into external file storage, never binary content.
type WorkSubmission struct {
	Description string    `json:"description"`
	Notes       *string   `json:"notes,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Transaction struct {
	ID                   uuid.UUID       `json:"id"`
	InvoiceID            uuid.UUID       `json:"invoice_id"`
	PayerID              uuid.UUID       `json:"payer_id"`
	PayeeID              uuid.UUID       `json:"payee_id"`
	AmountCents          int64           `json:"amount_cents"`
	Currency             string          `json:"currency"`
	PlatformFeeBPS       int             `json:"platform_fee_bps"`
	Status               Status          `json:"status"`
	CompletionPeriodDays int             `json:"completion_period_days"`
	CompletionDeadline   *time.Time      `json:"completion_deadline,omitempty"`
	ReviewPeriodDays     int             `json:"review_period_days"`
	ReviewDeadline       *time.Time      `json:"review_deadline,omitempty"`
	WorkSubmission       *WorkSubmission `json:"work_submission,omitempty"`
	DisputeReason        *string         `json:"dispute_reason,omitempty"`
	DisputeInitiatorRole *Role           `json:"dispute_initiator_role,omitempty"`
	PayerCustomerID      string          `json:"payer_customer_id"`
	PayeePayoutAccountID *string         `json:"payee_payout_account_id,omitempty"`
	GatewayIntentID      *string         `json:"gateway_payment_intent_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// RoleOf returns the actor's role relative to this transaction, or
// false when the actor is neither party.
func (t *Transaction) RoleOf(actorID uuid.UUID) (Role, bool) {
	switch actorID {
	case t.PayerID:
		return RolePayer, true
	case t.PayeeID:
		return RolePayee, true
	}
	return "", false
}

// TransitionPatch carries the field changes applied atomically with a
// status transition by the ledger store.
type TransitionPatch struct {
	SetSubmission         *WorkSubmission
	ClearSubmission       bool
	SetReviewDeadline     *time.Time
	ClearReviewDeadline   bool
	SetDisputeReason      *string
	SetDisputeRole        *Role
	ClearDispute          bool
	SetGatewayIntentID    *string
	SetCompletionDeadline *time.Time
}
