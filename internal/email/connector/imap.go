package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Authenticate(client sasl.Client) error
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// IMAPFetcher drains the unread messages of an IMAP mailbox into a handler.
// Messages are marked seen one by one after their handler call succeeds, so a
// failed message stays unread and is retried on the next cycle.
type IMAPFetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newClient   func(*Session) (imapClient, error)
}

// IMAPFetcherOption customizes fetcher behavior.
type IMAPFetcherOption func(*IMAPFetcher)

// NewIMAPFetcher returns an IMAP connector ready for poll cycles.
func NewIMAPFetcher(opts ...IMAPFetcherOption) *IMAPFetcher {
	f := &IMAPFetcher{
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	f.newClient = f.defaultClientFactory
	for _, opt := range opts {
		opt(f)
	}
	if f.newClient == nil {
		f.newClient = f.defaultClientFactory
	}
	return f
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withIMAPClientFactory(factory func(*Session) (imapClient, error)) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		f.newClient = factory
	}
}

// Fetch opens the session, searches for today's unread messages, and hands
// each one to the handler. A handler failure is logged and the message is
// left unseen; the remaining messages are still processed.
func (f *IMAPFetcher) Fetch(ctx context.Context, mailboxID int, mailboxName string, session *Session, handler Handler) error {
	if handler == nil {
		return errors.New("imap fetcher requires a handler")
	}
	if session == nil {
		return errors.New("imap fetcher requires a session")
	}

	client, err := f.newClient(session)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	defer f.safeClose(client)

	if session.SASL != nil {
		if err := client.Authenticate(session.SASL); err != nil {
			return fmt.Errorf("imap auth: %w", err)
		}
	} else {
		if err := client.Login(session.Username, session.Password).Wait(); err != nil {
			return fmt.Errorf("imap auth: %w", err)
		}
	}

	folder := session.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", folder, err)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Since:   startOfDay(f.now()),
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return f.logout(client)
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}

	for _, buf := range buffers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		body := buf.FindBodySection(&imap.FetchItemBodySection{})
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = f.now()
		}
		msg := &Message{
			MailboxID:   mailboxID,
			MailboxName: mailboxName,
			UID:         uint32(buf.UID),
			Folder:      folder,
			ReceivedAt:  received,
			Raw:         append([]byte(nil), body...),
		}
		if err := handler.Handle(ctx, msg); err != nil {
			f.logger.Printf("imap: mailbox %s uid %d handler failed, leaving unseen: %v", mailboxName, buf.UID, err)
			continue
		}
		f.markSeen(client, buf.UID, mailboxName)
	}

	return f.logout(client)
}

// markSeen flags a single handled message. Failing to set the flag only means
// the message will be handled again next cycle, so it never fails the fetch.
func (f *IMAPFetcher) markSeen(client imapClient, uid imap.UID, mailboxName string) {
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagSeen}, Silent: true}
	if err := client.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
		f.logger.Printf("imap: mailbox %s uid %d mark seen failed: %v", mailboxName, uid, err)
	}
}

func (f *IMAPFetcher) logout(client imapClient) error {
	if err := client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func (f *IMAPFetcher) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && f.logger != nil {
		f.logger.Printf("imap close error: %v", err)
	}
}

func (f *IMAPFetcher) defaultClientFactory(session *Session) (imapClient, error) {
	if session.Addr == "" {
		return nil, errors.New("imap session missing address")
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: f.dialTimeout}}
	var client *imapclient.Client
	var err error
	if session.TLS {
		client, err = imapclient.DialTLS(session.Addr, opts)
	} else {
		client, err = imapclient.DialInsecure(session.Addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
