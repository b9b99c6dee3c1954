package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RawMailRepository keeps a verbatim copy of the RFC822 payload alongside the
// ticket it produced, for audit and re-parse purposes.
type RawMailRepository struct {
	db *sql.DB
}

func NewRawMailRepository(db *sql.DB) *RawMailRepository {
	return &RawMailRepository{db: db}
}

func (r *RawMailRepository) Store(ctx context.Context, ticketID int, raw []byte) error {
	query := `
		INSERT INTO raw_emails (id, ticket_id, raw, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := r.db.ExecContext(ctx, query, uuid.New().String(), ticketID, raw, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store raw email: %w", err)
	}
	return nil
}
