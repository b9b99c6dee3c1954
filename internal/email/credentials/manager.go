// Package credentials keeps OAuth access tokens for mailboxes alive,
// refreshing and rotating them against the provider's token endpoint.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hivedesk/hivedesk/internal/models"
)

// ErrReauthRequired signals that the stored grant was rejected by the
// provider (revoked access or a stale refresh token). Retrying will not help;
// the mailbox needs to be re-authorized by an operator.
var ErrReauthRequired = errors.New("mailbox requires re-authentication")

// ErrMissingRefreshToken signals a configuration problem: an oauth-provider
// mailbox whose access token is expired has no refresh token to trade in.
var ErrMissingRefreshToken = errors.New("oauth mailbox has no refresh token")

// expiryMargin is how close to expiry a cached access token may get before a
// refresh is forced. Generous enough to cover a full fetch of a slow mailbox.
const expiryMargin = 5 * time.Minute

const defaultTokenURL = "https://oauth2.googleapis.com/token"

type tokenStore interface {
	UpdateOAuthTokens(ctx context.Context, mailboxID int, accessToken string, expiry int64, refreshToken string) error
}

// Manager refreshes OAuth access tokens on demand. Refresh calls for a single
// mailbox are serialized so two overlapping callers can never persist tokens
// from different refresh token lineages.
type Manager struct {
	store        tokenStore
	client       *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	logger       *log.Logger
	now          func() time.Time

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// NewManager builds a credential manager persisting through the given store.
func NewManager(store tokenStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		client:   &http.Client{Timeout: 15 * time.Second},
		tokenURL: defaultTokenURL,
		logger:   log.Default(),
		now:      time.Now,
		locks:    make(map[int]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// WithHTTPClient overrides the HTTP client used for token exchanges.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithTokenURL overrides the provider token endpoint.
func WithTokenURL(u string) ManagerOption {
	return func(m *Manager) {
		if u != "" {
			m.tokenURL = u
		}
	}
}

// WithClientCredentials sets environment-level OAuth client credentials used
// when a mailbox does not carry its own.
func WithClientCredentials(id, secret string) ManagerOption {
	return func(m *Manager) {
		m.clientID = id
		m.clientSecret = secret
	}
}

// WithManagerLogger overrides the logger used for diagnostics.
func WithManagerLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// AccessToken returns a usable access token for the mailbox, refreshing it
// first when the cached one is missing or within the expiry margin. The
// refreshed token, its expiry, and any rotated refresh token are persisted
// before the call returns.
func (m *Manager) AccessToken(ctx context.Context, mb *models.Mailbox) (string, error) {
	if mb == nil || mb.OAuth == nil {
		return "", fmt.Errorf("mailbox has no oauth credential")
	}

	lock := m.mailboxLock(mb.ID)
	lock.Lock()
	defer lock.Unlock()

	cred := mb.OAuth
	if cred.AccessToken != "" && m.freshEnough(cred.AccessTokenExpiry) {
		return cred.AccessToken, nil
	}

	if strings.TrimSpace(cred.RefreshToken) == "" {
		return "", fmt.Errorf("mailbox %d: %w", mb.ID, ErrMissingRefreshToken)
	}

	token, err := m.refresh(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("mailbox %d: %w", mb.ID, err)
	}

	expiry := m.now().Add(token.lifetime()).Unix()
	refreshToken := cred.RefreshToken
	if token.RefreshToken != "" && token.RefreshToken != cred.RefreshToken {
		// Provider rotated the grant. The new value fully replaces the old
		// one; both are never kept as equally valid.
		refreshToken = token.RefreshToken
		m.logger.Printf("credentials: refresh token rotated for mailbox %d", mb.ID)
	}

	if err := m.store.UpdateOAuthTokens(ctx, mb.ID, token.AccessToken, expiry, refreshToken); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	cred.AccessToken = token.AccessToken
	cred.AccessTokenExpiry = expiry
	cred.RefreshToken = refreshToken
	return token.AccessToken, nil
}

func (m *Manager) freshEnough(expiry int64) bool {
	if expiry == 0 {
		return false
	}
	return time.Unix(expiry, 0).After(m.now().Add(expiryMargin))
}

func (m *Manager) mailboxLock(id int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (t tokenResponse) lifetime() time.Duration {
	if t.ExpiresIn <= 0 {
		return time.Hour
	}
	return time.Duration(t.ExpiresIn) * time.Second
}

func (m *Manager) refresh(ctx context.Context, cred *models.OAuthCredential) (*tokenResponse, error) {
	clientID := cred.ClientID
	if clientID == "" {
		clientID = m.clientID
	}
	clientSecret := cred.ClientSecret
	if clientSecret == "" {
		clientSecret = m.clientSecret
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("token exchange read: %w", err)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, fmt.Errorf("token exchange decode: %w", err)
	}

	if token.Error == "invalid_grant" {
		return nil, fmt.Errorf("provider rejected grant (%s): %w", token.ErrorDesc, ErrReauthRequired)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &token, nil
}
