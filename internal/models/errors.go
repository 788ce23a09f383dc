package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("transaction not found")
	ErrStatusConflict         = errors.New("concurrent status update")
	ErrDuplicateInvoiceEscrow = errors.New("an active escrow transaction already exists for this invoice")
	ErrUnauthorized           = errors.New("actor is not allowed to perform this action")
	ErrAlreadyTerminal        = errors.New("transaction is already closed")
	ErrEmptyDescription       = errors.New("work submission description must not be blank")
	ErrEmptyReason            = errors.New("dispute reason must not be blank")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidOutcome         = errors.New("resolution outcome must be release or refund")
)

// InvalidTransitionError reports a state machine rule violation. The
// transaction is left untouched.
type InvalidTransitionError struct {
	From  Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %q is not allowed from status %q", e.Event, e.From)
}

// NewInvalidTransition builds the rejection for a disallowed (status,
// event) pair.
func NewInvalidTransition(from Status, event Event) error {
	return &InvalidTransitionError{From: from, Event: event}
}
