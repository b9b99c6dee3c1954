package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"

	"github.com/hivedesk/hivedesk/internal/models"
)

// ErrMissingPassword signals a password-provider mailbox with no stored password.
var ErrMissingPassword = errors.New("mailbox has no password configured")

// ErrUnknownProvider signals a mailbox whose provider kind is not recognized.
var ErrUnknownProvider = errors.New("unknown mailbox provider")

// Session describes how to open one authenticated IMAP connection. Exactly
// one of Password or SASL is set, depending on the mailbox provider kind.
type Session struct {
	Addr     string
	TLS      bool
	Username string
	Password string
	SASL     sasl.Client
	Folder   string
}

// TokenSource yields a live OAuth access token for a mailbox.
type TokenSource interface {
	AccessToken(ctx context.Context, mb *models.Mailbox) (string, error)
}

// SessionFactory turns mailbox records into connectable sessions.
type SessionFactory struct {
	tokens TokenSource
}

// NewSessionFactory builds a factory resolving OAuth tokens through the
// given source.
func NewSessionFactory(tokens TokenSource) *SessionFactory {
	return &SessionFactory{tokens: tokens}
}

// BuildSession resolves credentials for the mailbox and returns a session
// ready to dial. OAuth mailboxes get an XOAUTH2 SASL client carrying a fresh
// bearer token; password mailboxes authenticate with a plain login.
func (f *SessionFactory) BuildSession(ctx context.Context, mb *models.Mailbox) (*Session, error) {
	port := mb.Port
	if port == 0 {
		if mb.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	session := &Session{
		Addr:     fmt.Sprintf("%s:%d", mb.Host, port),
		TLS:      mb.TLS,
		Username: mb.Username,
		Folder:   mb.Folder,
	}
	if session.Folder == "" {
		session.Folder = "INBOX"
	}

	switch mb.Provider {
	case models.ProviderPassword:
		if mb.Password == "" {
			return nil, fmt.Errorf("mailbox %d: %w", mb.ID, ErrMissingPassword)
		}
		session.Password = mb.Password
	case models.ProviderOAuth:
		token, err := f.tokens.AccessToken(ctx, mb)
		if err != nil {
			return nil, fmt.Errorf("resolve access token: %w", err)
		}
		session.SASL = newXOAuth2Client(mb.Username, token)
	default:
		return nil, fmt.Errorf("mailbox %d provider %q: %w", mb.ID, mb.Provider, ErrUnknownProvider)
	}
	return session, nil
}

// xoauth2Client implements the XOAUTH2 SASL initial response:
// "user=<user>\x01auth=Bearer <token>\x01\x01".
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

// Next is only invoked when the server rejects the token; the challenge is a
// base64 JSON error blob and the client must answer with an empty line.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, nil
	}
	return []byte(""), nil
}
