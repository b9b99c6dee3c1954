package postmaster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivedesk/hivedesk/internal/email/connector"
	"github.com/hivedesk/hivedesk/internal/email/message"
	"github.com/hivedesk/hivedesk/internal/models"
)

type fakeTicketStore struct {
	created     []*models.Ticket
	createErr   error
	nextID      int
	externalIDs map[int][]string
	added       [][2]any
}

func newFakeTicketStore() *fakeTicketStore {
	return &fakeTicketStore{nextID: 100, externalIDs: map[int][]string{}}
}

func (s *fakeTicketStore) Create(_ context.Context, ticket *models.Ticket) (*models.Ticket, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextID++
	ticket.ID = s.nextID
	s.created = append(s.created, ticket)
	s.externalIDs[ticket.ID] = append([]string{}, ticket.ExternalIDs...)
	return ticket, nil
}

func (s *fakeTicketStore) AddExternalID(_ context.Context, ticketID int, messageID string) error {
	s.added = append(s.added, [2]any{ticketID, messageID})
	if messageID != "" {
		s.externalIDs[ticketID] = append(s.externalIDs[ticketID], messageID)
	}
	return nil
}

func (s *fakeTicketStore) GetExternalIDs(_ context.Context, ticketID int) ([]string, error) {
	return s.externalIDs[ticketID], nil
}

type fakeCommentStore struct {
	comments  []*models.Comment
	createErr error
}

func (s *fakeCommentStore) Create(_ context.Context, comment *models.Comment) error {
	if s.createErr != nil {
		return s.createErr
	}
	comment.ID = len(s.comments) + 1
	s.comments = append(s.comments, comment)
	return nil
}

type fakeMatcher struct {
	ticket   *models.Ticket
	strategy string
	err      error
}

func (m *fakeMatcher) Match(context.Context, *message.Inbound) (*models.Ticket, string, error) {
	return m.ticket, m.strategy, m.err
}

type fakeNotifier struct {
	events []string
	data   []any
}

func (n *fakeNotifier) Notify(_ context.Context, event string, data any) {
	n.events = append(n.events, event)
	n.data = append(n.data, data)
}

type fakeRawStore struct {
	stored map[int][]byte
	err    error
}

func (s *fakeRawStore) Store(_ context.Context, ticketID int, raw []byte) error {
	if s.err != nil {
		return s.err
	}
	if s.stored == nil {
		s.stored = map[int][]byte{}
	}
	s.stored[ticketID] = raw
	return nil
}

func inboundMail() *message.Inbound {
	return &message.Inbound{
		From:      "jane@example.com",
		FromName:  "Jane Doe",
		Subject:   "Printer on fire",
		TextBody:  "It is burning.",
		MessageID: "msg-1@mail.example.com",
		Header:    make(message.Header),
	}
}

func connectorMessage() *connector.Message {
	return &connector.Message{MailboxID: 1, MailboxName: "support", UID: 42, Raw: []byte("raw payload")}
}

func TestProcessIgnoresAutoReplies(t *testing.T) {
	tickets := newFakeTicketStore()
	p := NewProcessor(tickets, &fakeCommentStore{}, &fakeMatcher{})

	res, err := p.Process(context.Background(), connectorMessage(), inboundMail(), true)
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, res.Action)
	assert.Empty(t, tickets.created)
}

func TestProcessCreatesTicketWhenNoMatch(t *testing.T) {
	tickets := newFakeTicketStore()
	comments := &fakeCommentStore{}
	notifier := &fakeNotifier{}
	raw := &fakeRawStore{}
	p := NewProcessor(tickets, comments, &fakeMatcher{},
		WithProcessorNotifier(notifier),
		WithProcessorRawStore(raw),
	)

	in := inboundMail()
	in.ThreadID = "thr-9"
	in.References = []string{"root@mail.example.com"}

	res, err := p.Process(context.Background(), connectorMessage(), in, false)
	require.NoError(t, err)
	assert.Equal(t, ActionNewTicket, res.Action)

	require.Len(t, tickets.created, 1)
	created := tickets.created[0]
	assert.Equal(t, "Printer on fire", created.Title)
	assert.Equal(t, "jane@example.com", created.Email)
	assert.Equal(t, "Jane Doe", created.Name)
	assert.Equal(t, models.StatusNeedsSupport, created.Status)
	require.NotNil(t, created.ThreadID)
	assert.Equal(t, "thr-9", *created.ThreadID)
	assert.Equal(t, []string{"msg-1@mail.example.com", "root@mail.example.com"}, created.ExternalIDs)
	assert.Nil(t, created.PredecessorID)

	require.Len(t, comments.comments, 1)
	assert.Equal(t, created.ID, comments.comments[0].TicketID)
	assert.Equal(t, "It is burning.", comments.comments[0].Body)
	assert.False(t, comments.comments[0].Reply)

	assert.Equal(t, []byte("raw payload"), raw.stored[created.ID])
	assert.Equal(t, []string{EventTicketCreated}, notifier.events)
}

func TestProcessCreateUsesPlaceholders(t *testing.T) {
	tickets := newFakeTicketStore()
	comments := &fakeCommentStore{}
	p := NewProcessor(tickets, comments, &fakeMatcher{})

	in := &message.Inbound{From: "jane@example.com", Header: make(message.Header)}
	_, err := p.Process(context.Background(), connectorMessage(), in, false)
	require.NoError(t, err)

	assert.Equal(t, "(no subject)", tickets.created[0].Title)
	assert.Equal(t, "(no content)", comments.comments[0].Body)
	assert.Equal(t, "jane", tickets.created[0].Name, "local part stands in for a missing display name")
}

func TestProcessCreateSanitizesHTMLBody(t *testing.T) {
	tickets := newFakeTicketStore()
	comments := &fakeCommentStore{}
	p := NewProcessor(tickets, comments, &fakeMatcher{})

	in := inboundMail()
	in.TextBody = ""
	in.HTMLBody = `<p>hello</p><script>alert("x")</script>`

	_, err := p.Process(context.Background(), connectorMessage(), in, false)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", comments.comments[0].Body)
}

func TestProcessAppendsFollowUp(t *testing.T) {
	open := &models.Ticket{ID: 5, Status: models.StatusInProgress}
	tickets := newFakeTicketStore()
	tickets.externalIDs[5] = []string{"older@mail.example.com"}
	comments := &fakeCommentStore{}
	notifier := &fakeNotifier{}
	p := NewProcessor(tickets, comments, &fakeMatcher{ticket: open, strategy: "thread-id"},
		WithProcessorNotifier(notifier),
	)

	in := inboundMail()
	in.TextBody = "Thanks!\n\nOn Mon, Jan 1, 2024 at 10:00 AM Support <s@example.com> wrote:\n> restart it\n"
	in.InReplyTo = "older@mail.example.com"

	res, err := p.Process(context.Background(), connectorMessage(), in, false)
	require.NoError(t, err)
	assert.Equal(t, ActionFollowUp, res.Action)
	assert.Equal(t, 5, res.TicketID)

	require.Len(t, comments.comments, 1)
	c := comments.comments[0]
	assert.Equal(t, "Thanks!", c.Body, "quoted history is stripped")
	assert.True(t, c.Reply)
	require.NotNil(t, c.MessageID)
	assert.Equal(t, "msg-1@mail.example.com", *c.MessageID)
	require.NotNil(t, c.InReplyTo)
	assert.Equal(t, "older@mail.example.com", *c.InReplyTo)

	require.Len(t, tickets.added, 1)
	assert.Equal(t, 5, tickets.added[0][0])
	assert.Equal(t, "msg-1@mail.example.com", tickets.added[0][1])
	assert.Equal(t, []string{EventCustomerReply}, notifier.events)
	assert.Empty(t, tickets.created)
}

func TestProcessForksClosedTicket(t *testing.T) {
	done := &models.Ticket{ID: 9, Status: models.StatusDone}
	tickets := newFakeTicketStore()
	comments := &fakeCommentStore{}
	notifier := &fakeNotifier{}
	p := NewProcessor(tickets, comments, &fakeMatcher{ticket: done, strategy: "message-id-chain"},
		WithProcessorNotifier(notifier),
	)

	res, err := p.Process(context.Background(), connectorMessage(), inboundMail(), false)
	require.NoError(t, err)
	assert.Equal(t, ActionNewLinked, res.Action)

	require.Len(t, tickets.created, 1)
	require.NotNil(t, tickets.created[0].PredecessorID)
	assert.Equal(t, 9, *tickets.created[0].PredecessorID)
	assert.Equal(t, []string{EventTicketCreated}, notifier.events)
}

func TestProcessForksLockedTicket(t *testing.T) {
	locked := &models.Ticket{ID: 10, Status: models.StatusNeedsSupport, Locked: true}
	tickets := newFakeTicketStore()
	p := NewProcessor(tickets, &fakeCommentStore{}, &fakeMatcher{ticket: locked, strategy: "thread-id"})

	res, err := p.Process(context.Background(), connectorMessage(), inboundMail(), false)
	require.NoError(t, err)
	assert.Equal(t, ActionNewLinked, res.Action)
	require.Len(t, tickets.created, 1)
	require.NotNil(t, tickets.created[0].PredecessorID)
	assert.Equal(t, 10, *tickets.created[0].PredecessorID)
}

func TestProcessSkipsDuplicateDelivery(t *testing.T) {
	open := &models.Ticket{ID: 5, Status: models.StatusNeedsSupport}
	tickets := newFakeTicketStore()
	tickets.externalIDs[5] = []string{"msg-1@mail.example.com"}
	comments := &fakeCommentStore{}
	notifier := &fakeNotifier{}
	p := NewProcessor(tickets, comments, &fakeMatcher{ticket: open, strategy: "message-id-chain"},
		WithProcessorNotifier(notifier),
	)

	res, err := p.Process(context.Background(), connectorMessage(), inboundMail(), false)
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, res.Action)
	assert.Empty(t, comments.comments)
	assert.Empty(t, notifier.events)
}

func TestProcessRawArchiveFailureNonFatal(t *testing.T) {
	tickets := newFakeTicketStore()
	p := NewProcessor(tickets, &fakeCommentStore{}, &fakeMatcher{},
		WithProcessorRawStore(&fakeRawStore{err: errors.New("disk full")}),
	)

	res, err := p.Process(context.Background(), connectorMessage(), inboundMail(), false)
	require.NoError(t, err)
	assert.Equal(t, ActionNewTicket, res.Action)
}

func TestProcessMatchErrorPropagates(t *testing.T) {
	dbErr := errors.New("db down")
	p := NewProcessor(newFakeTicketStore(), &fakeCommentStore{}, &fakeMatcher{err: dbErr})

	_, err := p.Process(context.Background(), connectorMessage(), inboundMail(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dbErr))
}

func TestProcessCreateErrorPropagates(t *testing.T) {
	tickets := newFakeTicketStore()
	tickets.createErr = errors.New("insert failed")
	p := NewProcessor(tickets, &fakeCommentStore{}, &fakeMatcher{})

	_, err := p.Process(context.Background(), connectorMessage(), inboundMail(), false)
	require.Error(t, err)
}
