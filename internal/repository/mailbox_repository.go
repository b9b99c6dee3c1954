package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hivedesk/hivedesk/internal/models"
)

type MailboxRepository struct {
	db *sql.DB
}

func NewMailboxRepository(db *sql.DB) *MailboxRepository {
	return &MailboxRepository{db: db}
}

const mailboxColumns = `id, name, host, port, tls, username, password, provider, folder, active,
	oauth_client_id, oauth_client_secret, oauth_refresh_token, oauth_access_token,
	oauth_access_token_expiry, created_at, updated_at`

func scanMailbox(row interface{ Scan(...any) error }) (*models.Mailbox, error) {
	mb := &models.Mailbox{}
	var (
		password     sql.NullString
		clientID     sql.NullString
		clientSecret sql.NullString
		refreshToken sql.NullString
		accessToken  sql.NullString
		expiry       sql.NullInt64
	)
	err := row.Scan(
		&mb.ID,
		&mb.Name,
		&mb.Host,
		&mb.Port,
		&mb.TLS,
		&mb.Username,
		&password,
		&mb.Provider,
		&mb.Folder,
		&mb.Active,
		&clientID,
		&clientSecret,
		&refreshToken,
		&accessToken,
		&expiry,
		&mb.CreatedAt,
		&mb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	mb.Password = password.String
	if mb.Provider == models.ProviderOAuth {
		mb.OAuth = &models.OAuthCredential{
			ClientID:          clientID.String,
			ClientSecret:      clientSecret.String,
			RefreshToken:      refreshToken.String,
			AccessToken:       accessToken.String,
			AccessTokenExpiry: expiry.Int64,
		}
	}
	return mb, nil
}

// GetActive returns every mailbox eligible for polling, ordered by name so
// cycles visit mailboxes in a stable order.
func (r *MailboxRepository) GetActive(ctx context.Context) ([]*models.Mailbox, error) {
	query := fmt.Sprintf(`SELECT %s FROM mailboxes WHERE active = true ORDER BY name`, mailboxColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []*models.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mailboxes = append(mailboxes, mb)
	}
	return mailboxes, rows.Err()
}

func (r *MailboxRepository) GetByID(ctx context.Context, id int) (*models.Mailbox, error) {
	query := fmt.Sprintf(`SELECT %s FROM mailboxes WHERE id = $1`, mailboxColumns)

	mb, err := scanMailbox(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mailbox not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return mb, nil
}

// UpdateOAuthTokens persists a refreshed access token, its expiry, and the
// current refresh token in a single statement so a rotated refresh token can
// never be separated from the access token it was issued with.
func (r *MailboxRepository) UpdateOAuthTokens(ctx context.Context, mailboxID int, accessToken string, expiry int64, refreshToken string) error {
	query := `
		UPDATE mailboxes SET
			oauth_access_token = $2,
			oauth_access_token_expiry = $3,
			oauth_refresh_token = $4,
			updated_at = $5
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, mailboxID, accessToken, expiry, refreshToken, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update mailbox tokens: %w", err)
	}
	return nil
}
