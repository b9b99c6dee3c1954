package postmaster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceHandleCreatesTicketFromRawMail(t *testing.T) {
	tickets := newFakeTicketStore()
	comments := &fakeCommentStore{}
	p := NewProcessor(tickets, comments, &fakeMatcher{})
	svc := NewService(p, nil)

	msg := connectorMessage()
	msg.Raw = []byte("From: Jane Doe <jane@example.com>\r\n" +
		"Subject: Printer on fire\r\n" +
		"Message-ID: <msg-1@mail.example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"It is burning.\r\n")

	require.NoError(t, svc.Handle(context.Background(), msg))
	require.Len(t, tickets.created, 1)
	assert.Equal(t, "Printer on fire", tickets.created[0].Title)
	assert.Equal(t, []string{"msg-1@mail.example.com"}, tickets.created[0].ExternalIDs)
}

func TestServiceHandleDropsAutoReplies(t *testing.T) {
	tickets := newFakeTicketStore()
	p := NewProcessor(tickets, &fakeCommentStore{}, &fakeMatcher{})
	svc := NewService(p, nil)

	msg := connectorMessage()
	msg.Raw = []byte("From: noreply@example.com\r\n" +
		"Subject: Out of office\r\n" +
		"Auto-Submitted: auto-replied\r\n" +
		"\r\n" +
		"I am away.\r\n")

	require.NoError(t, svc.Handle(context.Background(), msg))
	assert.Empty(t, tickets.created)
}

func TestServiceHandleUnparseablePayloadFails(t *testing.T) {
	tickets := newFakeTicketStore()
	p := NewProcessor(tickets, &fakeCommentStore{}, &fakeMatcher{})
	svc := NewService(p, nil)

	msg := connectorMessage()
	msg.Raw = nil

	// A broken payload must fail the handler call so the connector leaves the
	// message unseen and it is retried next cycle.
	err := svc.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
	assert.Empty(t, tickets.created)
}

func TestServiceHandlePropagatesProcessorErrors(t *testing.T) {
	dbErr := errors.New("db down")
	p := NewProcessor(newFakeTicketStore(), &fakeCommentStore{}, &fakeMatcher{err: dbErr})
	svc := NewService(p, nil)

	msg := connectorMessage()
	msg.Raw = []byte("From: jane@example.com\r\nSubject: hi\r\n\r\nbody\r\n")

	err := svc.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dbErr))
}
