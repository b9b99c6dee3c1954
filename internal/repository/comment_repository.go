package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hivedesk/hivedesk/internal/models"
)

type CommentRepository struct {
	db *sql.DB
}

func NewCommentRepository(db *sql.DB) *CommentRepository {
	return &CommentRepository{db: db}
}

func (r *CommentRepository) Create(ctx context.Context, comment *models.Comment) error {
	now := time.Now()
	query := `
		INSERT INTO comments (ticket_id, body, reply, reply_email, message_id, in_reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var messageID, inReplyTo any
	if comment.MessageID != nil {
		messageID = *comment.MessageID
	}
	if comment.InReplyTo != nil {
		inReplyTo = *comment.InReplyTo
	}

	err := r.db.QueryRowContext(ctx, query,
		comment.TicketID,
		comment.Body,
		comment.Reply,
		comment.ReplyEmail,
		messageID,
		inReplyTo,
		now,
	).Scan(&comment.ID)
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	comment.CreatedAt = now
	return nil
}

// FindTicketByMessageIDs finds the ticket owning a comment whose stored
// Message-ID is in the candidate set, preferring the most recent comment.
// Returns (nil, nil) when no comment matches.
func (r *CommentRepository) FindTicketByMessageIDs(ctx context.Context, messageIDs []string) (*models.Ticket, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s FROM comments c
		JOIN tickets t ON t.id = c.ticket_id
		WHERE c.message_id = ANY($1)
		ORDER BY c.created_at DESC
		LIMIT 1`, prefixedTicketColumns("t"))

	t, err := scanTicket(r.db.QueryRowContext(ctx, query, pq.Array(messageIDs)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ticket by comment message id: %w", err)
	}
	return t, nil
}
