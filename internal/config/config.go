// Package config loads runtime configuration from environment variables,
// with sane defaults for everything but the database DSN.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PollerConfig controls the mailbox fetch cycle.
type PollerConfig struct {
	Interval       time.Duration
	MailboxTimeout time.Duration
}

// OAuthConfig holds fallback OAuth client credentials used when a mailbox
// record does not carry its own.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// WebhookConfig controls outbound event delivery.
type WebhookConfig struct {
	Timeout     time.Duration
	Workers     int
	MaxAttempts int
}

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig
	Poller      PollerConfig
	OAuth       OAuthConfig
	Webhook     WebhookConfig
	MetricsAddr string
}

// Load reads configuration from HIVEDESK_-prefixed environment variables,
// e.g. HIVEDESK_DATABASE_DSN or HIVEDESK_POLLER_INTERVAL.
func Load() (*Config, error) {
	viper.SetEnvPrefix("hivedesk")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("poller.interval", "30s")
	viper.SetDefault("poller.mailbox_timeout", "2m")
	viper.SetDefault("oauth.client_id", "")
	viper.SetDefault("oauth.client_secret", "")
	viper.SetDefault("oauth.token_url", "")
	viper.SetDefault("webhook.timeout", "10s")
	viper.SetDefault("webhook.workers", 4)
	viper.SetDefault("webhook.max_attempts", 3)
	viper.SetDefault("metrics.addr", ":9090")

	dsn := viper.GetString("database.dsn")
	if dsn == "" {
		return nil, fmt.Errorf("HIVEDESK_DATABASE_DSN is required")
	}

	interval, err := time.ParseDuration(viper.GetString("poller.interval"))
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("invalid poller.interval: %q", viper.GetString("poller.interval"))
	}
	mailboxTimeout, err := time.ParseDuration(viper.GetString("poller.mailbox_timeout"))
	if err != nil || mailboxTimeout <= 0 {
		return nil, fmt.Errorf("invalid poller.mailbox_timeout: %q", viper.GetString("poller.mailbox_timeout"))
	}
	webhookTimeout, err := time.ParseDuration(viper.GetString("webhook.timeout"))
	if err != nil || webhookTimeout <= 0 {
		webhookTimeout = 10 * time.Second
	}
	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	workers := viper.GetInt("webhook.workers")
	if workers <= 0 {
		workers = 4
	}
	maxAttempts := viper.GetInt("webhook.max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Config{
		Database: DatabaseConfig{
			DSN:             dsn,
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Poller: PollerConfig{
			Interval:       interval,
			MailboxTimeout: mailboxTimeout,
		},
		OAuth: OAuthConfig{
			ClientID:     viper.GetString("oauth.client_id"),
			ClientSecret: viper.GetString("oauth.client_secret"),
			TokenURL:     viper.GetString("oauth.token_url"),
		},
		Webhook: WebhookConfig{
			Timeout:     webhookTimeout,
			Workers:     workers,
			MaxAttempts: maxAttempts,
		},
		MetricsAddr: viper.GetString("metrics.addr"),
	}, nil
}
