// Package postmaster turns parsed inbound emails into ticket mutations:
// new tickets, follow-up comments, or linked successor tickets.
package postmaster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/k3a/html2text"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hivedesk/hivedesk/internal/email/connector"
	"github.com/hivedesk/hivedesk/internal/email/message"
	"github.com/hivedesk/hivedesk/internal/email/reply"
	"github.com/hivedesk/hivedesk/internal/models"
)

const (
	placeholderSubject = "(no subject)"
	placeholderBody    = "(no content)"
)

// Actions reported in Result.
const (
	ActionIgnored   = "ignored"
	ActionDuplicate = "duplicate"
	ActionNewTicket = "new_ticket"
	ActionFollowUp  = "follow_up"
	ActionNewLinked = "new_linked_ticket"
)

// Events emitted through the notifier.
const (
	EventTicketCreated = "ticket.created"
	EventCustomerReply = "ticket.customer_reply"
)

type ticketStore interface {
	Create(ctx context.Context, ticket *models.Ticket) (*models.Ticket, error)
	AddExternalID(ctx context.Context, ticketID int, messageID string) error
	GetExternalIDs(ctx context.Context, ticketID int) ([]string, error)
}

type commentStore interface {
	Create(ctx context.Context, comment *models.Comment) error
}

type rawStore interface {
	Store(ctx context.Context, ticketID int, raw []byte) error
}

type matcher interface {
	Match(ctx context.Context, msg *message.Inbound) (*models.Ticket, string, error)
}

type notifier interface {
	Notify(ctx context.Context, event string, data any)
}

// Result tracks what happened to a message.
type Result struct {
	TicketID  int
	CommentID int
	Action    string
}

// Processor applies the correlation outcome to the ticket store.
type Processor struct {
	tickets   ticketStore
	comments  commentStore
	rawMails  rawStore
	matcher   matcher
	notifier  notifier
	sanitizer *bluemonday.Policy
	logger    *log.Logger
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// NewProcessor builds a processor over the given stores and matcher.
func NewProcessor(tickets ticketStore, comments commentStore, m matcher, opts ...ProcessorOption) *Processor {
	p := &Processor{
		tickets:   tickets,
		comments:  comments,
		matcher:   m,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithProcessorRawStore wires the archive for verbatim message payloads.
func WithProcessorRawStore(store rawStore) ProcessorOption {
	return func(p *Processor) {
		if store != nil {
			p.rawMails = store
		}
	}
}

// WithProcessorNotifier wires the event sink for ticket lifecycle events.
func WithProcessorNotifier(n notifier) ProcessorOption {
	return func(p *Processor) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithProcessorLogger overrides the logger used for diagnostics.
func WithProcessorLogger(logger *log.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Process routes one parsed message. Auto-generated mail is dropped before
// any lookup; everything else is correlated and either appended to its
// ticket, forked off a closed one, or opened as a new ticket.
func (p *Processor) Process(ctx context.Context, msg *connector.Message, in *message.Inbound, autoReply bool) (Result, error) {
	if in == nil {
		return Result{}, errors.New("postmaster: parsed message required")
	}
	if autoReply {
		p.logf("postmaster: ignoring auto-generated mail from %s", in.From)
		return Result{Action: ActionIgnored}, nil
	}

	ticket, strategy, err := p.matcher.Match(ctx, in)
	if err != nil {
		return Result{}, fmt.Errorf("correlate message: %w", err)
	}

	if ticket == nil {
		return p.createTicket(ctx, msg, in, nil)
	}

	duplicate, err := p.alreadySeen(ctx, ticket.ID, in.MessageID)
	if err != nil {
		return Result{}, err
	}
	if duplicate {
		p.logf("postmaster: message %s already recorded on ticket %d, skipping", in.MessageID, ticket.ID)
		return Result{TicketID: ticket.ID, Action: ActionDuplicate}, nil
	}

	if !ticket.AcceptsFollowUp() {
		p.logf("postmaster: ticket %d is closed or locked, forking (matched via %s)", ticket.ID, strategy)
		return p.createTicket(ctx, msg, in, &ticket.ID)
	}

	p.logf("postmaster: follow-up for ticket %d (matched via %s)", ticket.ID, strategy)
	return p.appendComment(ctx, in, ticket)
}

func (p *Processor) createTicket(ctx context.Context, msg *connector.Message, in *message.Inbound, predecessorID *int) (Result, error) {
	ticket := &models.Ticket{
		Title:         subjectOrPlaceholder(in.Subject),
		Email:         in.From,
		Name:          senderName(in),
		Status:        models.StatusNeedsSupport,
		PredecessorID: predecessorID,
		ExternalIDs:   message.MessageIDList(append([]string{in.MessageID}, in.References...)...),
	}
	if in.ThreadID != "" {
		threadID := in.ThreadID
		ticket.ThreadID = &threadID
	}

	created, err := p.tickets.Create(ctx, ticket)
	if err != nil {
		return Result{}, fmt.Errorf("create ticket: %w", err)
	}

	body := p.ticketBody(in)
	comment := &models.Comment{
		TicketID:   created.ID,
		Body:       body,
		Reply:      false,
		ReplyEmail: in.From,
	}
	if in.MessageID != "" {
		id := in.MessageID
		comment.MessageID = &id
	}
	if err := p.comments.Create(ctx, comment); err != nil {
		return Result{}, fmt.Errorf("store initial message: %w", err)
	}

	// The archive is best effort: losing the verbatim copy must not lose
	// the ticket.
	if p.rawMails != nil && msg != nil {
		if err := p.rawMails.Store(ctx, created.ID, msg.Raw); err != nil {
			p.logf("postmaster: archive raw mail for ticket %d failed: %v", created.ID, err)
		}
	}

	p.notify(ctx, EventTicketCreated, created)

	action := ActionNewTicket
	if predecessorID != nil {
		action = ActionNewLinked
	}
	return Result{TicketID: created.ID, CommentID: comment.ID, Action: action}, nil
}

func (p *Processor) appendComment(ctx context.Context, in *message.Inbound, ticket *models.Ticket) (Result, error) {
	comment := &models.Comment{
		TicketID:   ticket.ID,
		Body:       p.commentBody(in),
		Reply:      true,
		ReplyEmail: in.From,
	}
	if in.MessageID != "" {
		id := in.MessageID
		comment.MessageID = &id
	}
	if in.InReplyTo != "" {
		id := in.InReplyTo
		comment.InReplyTo = &id
	}

	if err := p.comments.Create(ctx, comment); err != nil {
		return Result{}, fmt.Errorf("store follow-up comment: %w", err)
	}
	if err := p.tickets.AddExternalID(ctx, ticket.ID, in.MessageID); err != nil {
		return Result{}, fmt.Errorf("record message id on ticket %d: %w", ticket.ID, err)
	}

	p.notify(ctx, EventCustomerReply, ticket)
	return Result{TicketID: ticket.ID, CommentID: comment.ID, Action: ActionFollowUp}, nil
}

func (p *Processor) alreadySeen(ctx context.Context, ticketID int, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	ids, err := p.tickets.GetExternalIDs(ctx, ticketID)
	if err != nil {
		return false, fmt.Errorf("load external ids for ticket %d: %w", ticketID, err)
	}
	for _, id := range ids {
		if id == messageID {
			return true, nil
		}
	}
	return false, nil
}

// ticketBody prefers sanitized HTML for the opening message so formatting
// survives into the ticket view.
func (p *Processor) ticketBody(in *message.Inbound) string {
	if html := strings.TrimSpace(in.HTMLBody); html != "" {
		if sanitized := strings.TrimSpace(p.sanitizer.Sanitize(html)); sanitized != "" {
			return sanitized
		}
	}
	if text := strings.TrimSpace(in.TextBody); text != "" {
		return text
	}
	return placeholderBody
}

// commentBody prefers plain text for follow-ups and strips quoted history so
// the thread stays readable.
func (p *Processor) commentBody(in *message.Inbound) string {
	text := strings.TrimSpace(in.TextBody)
	if text == "" && in.HTMLBody != "" {
		text = strings.TrimSpace(html2text.HTML2Text(in.HTMLBody))
	}
	if text == "" {
		return placeholderBody
	}
	if visible := reply.Extract(text); visible != "" {
		return visible
	}
	return text
}

func (p *Processor) notify(ctx context.Context, event string, ticket *models.Ticket) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(ctx, event, ticket)
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func subjectOrPlaceholder(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return placeholderSubject
	}
	return subject
}

func senderName(in *message.Inbound) string {
	if name := strings.TrimSpace(in.FromName); name != "" {
		return name
	}
	if at := strings.Index(in.From, "@"); at > 0 {
		return in.From[:at]
	}
	return in.From
}
