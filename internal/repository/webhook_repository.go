package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hivedesk/hivedesk/internal/models"
)

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// ListActiveForEvent returns every active webhook subscribed to the event type.
func (r *WebhookRepository) ListActiveForEvent(ctx context.Context, eventType string) ([]*models.Webhook, error) {
	query := `
		SELECT id, name, url, type, secret, active, created_at
		FROM webhooks
		WHERE active = true AND type = $1
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		wh := &models.Webhook{}
		var secret sql.NullString
		if err := rows.Scan(&wh.ID, &wh.Name, &wh.URL, &wh.Type, &secret, &wh.Active, &wh.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		wh.Secret = secret.String
		webhooks = append(webhooks, wh)
	}
	return webhooks, rows.Err()
}
