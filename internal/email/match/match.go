// Package match correlates inbound emails with existing tickets. Strategies
// run in a fixed order and the first hit wins: provider thread identifiers
// are the strongest signal, then the Message-ID reference chain, then a
// sender-plus-subject heuristic as a last resort.
package match

import (
	"context"
	"fmt"
	"strings"

	"github.com/hivedesk/hivedesk/internal/email/message"
	"github.com/hivedesk/hivedesk/internal/models"
)

// TicketSource is the ticket lookup surface the strategies need.
type TicketSource interface {
	GetByThreadID(ctx context.Context, threadID string) (*models.Ticket, error)
	GetByExternalIDs(ctx context.Context, messageIDs []string) (*models.Ticket, error)
	FindLatestOpenBySenderAndTitle(ctx context.Context, email, subject string) (*models.Ticket, error)
}

// CommentSource resolves tickets through the Message-IDs of stored comments.
type CommentSource interface {
	FindTicketByMessageIDs(ctx context.Context, messageIDs []string) (*models.Ticket, error)
}

// Strategy is one correlation attempt. A (nil, nil) return means no match;
// the engine then moves on to the next strategy.
type Strategy interface {
	Name() string
	Match(ctx context.Context, msg *message.Inbound) (*models.Ticket, error)
}

// Engine runs its strategies in order against an inbound message.
type Engine struct {
	strategies []Strategy
}

// NewEngine builds the standard three-strategy engine.
func NewEngine(tickets TicketSource, comments CommentSource) *Engine {
	return &Engine{strategies: []Strategy{
		&threadStrategy{tickets: tickets},
		&referenceStrategy{tickets: tickets, comments: comments},
		&subjectStrategy{tickets: tickets},
	}}
}

// Match returns the matched ticket and the name of the strategy that found
// it, or (nil, "", nil) when the message belongs to no known ticket.
func (e *Engine) Match(ctx context.Context, msg *message.Inbound) (*models.Ticket, string, error) {
	for _, s := range e.strategies {
		ticket, err := s.Match(ctx, msg)
		if err != nil {
			return nil, "", fmt.Errorf("match strategy %s: %w", s.Name(), err)
		}
		if ticket != nil {
			return ticket, s.Name(), nil
		}
	}
	return nil, "", nil
}

// threadStrategy matches on the provider conversation identifier.
type threadStrategy struct {
	tickets TicketSource
}

func (s *threadStrategy) Name() string { return "thread-id" }

func (s *threadStrategy) Match(ctx context.Context, msg *message.Inbound) (*models.Ticket, error) {
	if msg.ThreadID == "" {
		return nil, nil
	}
	return s.tickets.GetByThreadID(ctx, msg.ThreadID)
}

// referenceStrategy walks the In-Reply-To/References chain. Comments are
// consulted before ticket external identifiers because a comment match pins
// the exact message the customer replied to.
type referenceStrategy struct {
	tickets  TicketSource
	comments CommentSource
}

func (s *referenceStrategy) Name() string { return "message-id-chain" }

func (s *referenceStrategy) Match(ctx context.Context, msg *message.Inbound) (*models.Ticket, error) {
	candidates := msg.ReplyCandidates()
	if len(candidates) == 0 {
		return nil, nil
	}
	ticket, err := s.comments.FindTicketByMessageIDs(ctx, candidates)
	if err != nil || ticket != nil {
		return ticket, err
	}
	return s.tickets.GetByExternalIDs(ctx, candidates)
}

// subjectStrategy is the heuristic fallback: the same sender following up on
// an open conversation without threading headers. It never resurrects a
// closed or locked ticket.
type subjectStrategy struct {
	tickets TicketSource
}

func (s *subjectStrategy) Name() string { return "subject-heuristic" }

func (s *subjectStrategy) Match(ctx context.Context, msg *message.Inbound) (*models.Ticket, error) {
	subject := StripReplyPrefixes(msg.Subject)
	if subject == "" || msg.From == "" {
		return nil, nil
	}
	ticket, err := s.tickets.FindLatestOpenBySenderAndTitle(ctx, msg.From, subject)
	if err != nil || ticket == nil {
		return nil, err
	}
	if !ticket.AcceptsFollowUp() {
		return nil, nil
	}
	return ticket, nil
}

// StripReplyPrefixes removes stacked reply and forward markers ("Re:",
// "Fwd:", "FW:", "Ref:") from the front of a subject line.
func StripReplyPrefixes(subject string) string {
	subject = strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(subject)
		stripped := false
		for _, prefix := range []string{"re:", "fwd:", "fw:", "ref:"} {
			if strings.HasPrefix(lower, prefix) {
				subject = strings.TrimSpace(subject[len(prefix):])
				stripped = true
				break
			}
		}
		if !stripped {
			return subject
		}
	}
}
