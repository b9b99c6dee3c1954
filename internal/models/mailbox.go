package models

import "time"

// Provider kinds for inbound mailboxes.
const (
	ProviderOAuth    = "oauth-provider"
	ProviderPassword = "password-provider"
)

// Mailbox is a configured inbound email source polled over IMAP.
type Mailbox struct {
	ID       int    `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Host     string `json:"host" db:"host"`
	Port     int    `json:"port" db:"port"`
	TLS      bool   `json:"tls" db:"tls"`
	Username string `json:"username" db:"username"`
	// Password is set for password-provider mailboxes only.
	Password string `json:"-" db:"password"`
	// Provider is one of ProviderOAuth or ProviderPassword.
	Provider string           `json:"provider" db:"provider"`
	OAuth    *OAuthCredential `json:"-"`
	Folder   string           `json:"folder" db:"folder"`
	Active   bool             `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OAuthCredential carries the token state for an oauth-provider mailbox.
// The refresh token is the long-lived grant; the access token is a cached
// derivative with an absolute expiry.
type OAuthCredential struct {
	ClientID     string `json:"-" db:"oauth_client_id"`
	ClientSecret string `json:"-" db:"oauth_client_secret"`
	RefreshToken string `json:"-" db:"oauth_refresh_token"`
	AccessToken  string `json:"-" db:"oauth_access_token"`
	// AccessTokenExpiry is a unix timestamp in seconds. Zero means unknown.
	AccessTokenExpiry int64 `json:"-" db:"oauth_access_token_expiry"`
}
