// Package connector pulls unread messages out of remote mailboxes and hands
// them to the inbound pipeline.
package connector

import (
	"context"
	"time"
)

// Message wraps the on-wire RFC822 payload of a single fetched email plus the
// mailbox it came from.
type Message struct {
	MailboxID   int
	MailboxName string
	UID         uint32
	Folder      string
	ReceivedAt  time.Time
	Raw         []byte
}

// Handler receives fully fetched messages. A non-nil error means the message
// was not handled and must stay eligible for the next cycle.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// startOfDay clamps t to 00:00 UTC of its calendar day. The unseen search is
// bounded to today so an inbox with years of unread backlog does not flood a
// freshly configured mailbox.
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
