package models

import "time"

// Ticket lifecycle statuses. StatusNeedsSupport is the initial state for
// tickets created from inbound email; StatusDone is terminal.
const (
	StatusNeedsSupport = "needs_support"
	StatusInProgress   = "in_progress"
	StatusHold         = "hold"
	StatusInReview     = "in_review"
	StatusDone         = "done"
)

// OpenStatuses lists every non-terminal status.
func OpenStatuses() []string {
	return []string{StatusNeedsSupport, StatusInProgress, StatusHold, StatusInReview}
}

// Ticket is one support conversation.
type Ticket struct {
	ID     int    `json:"id" db:"id"`
	Title  string `json:"title" db:"title"`
	Email  string `json:"email" db:"email"`
	Name   string `json:"name" db:"name"`
	Status string `json:"status" db:"status"`
	Locked bool   `json:"locked" db:"locked"`

	// ThreadID is the provider-native conversation identifier when the
	// provider exposes one.
	ThreadID *string `json:"thread_id,omitempty" db:"thread_id"`

	// ExternalIDs is the accumulated set of Message-IDs known to belong to
	// this conversation. It only ever grows.
	ExternalIDs []string `json:"external_ids,omitempty"`

	// PredecessorID links a ticket forked from a terminal or locked match
	// back to the original conversation.
	PredecessorID *int `json:"predecessor_id,omitempty" db:"predecessor_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the ticket reached a state that must never be
// reopened by inbound mail.
func (t *Ticket) Terminal() bool {
	return t != nil && t.Status == StatusDone
}

// AcceptsFollowUp reports whether an inbound reply may be appended as a
// comment instead of forking a new ticket.
func (t *Ticket) AcceptsFollowUp() bool {
	return t != nil && !t.Terminal() && !t.Locked
}
