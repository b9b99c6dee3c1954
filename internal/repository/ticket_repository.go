package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hivedesk/hivedesk/internal/models"
)

type TicketRepository struct {
	db *sql.DB
}

func NewTicketRepository(db *sql.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

const ticketColumns = `id, title, email, name, status, locked, thread_id, predecessor_id, created_at, updated_at`

func scanTicket(row interface{ Scan(...any) error }) (*models.Ticket, error) {
	t := &models.Ticket{}
	var (
		threadID    sql.NullString
		predecessor sql.NullInt64
	)
	err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Email,
		&t.Name,
		&t.Status,
		&t.Locked,
		&threadID,
		&predecessor,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if threadID.Valid {
		v := threadID.String
		t.ThreadID = &v
	}
	if predecessor.Valid {
		v := int(predecessor.Int64)
		t.PredecessorID = &v
	}
	return t, nil
}

// Create inserts the ticket and seeds its external-identifier set.
func (r *TicketRepository) Create(ctx context.Context, ticket *models.Ticket) (*models.Ticket, error) {
	now := time.Now()
	query := `
		INSERT INTO tickets (title, email, name, status, locked, thread_id, predecessor_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	var threadID any
	if ticket.ThreadID != nil {
		threadID = *ticket.ThreadID
	}
	var predecessor any
	if ticket.PredecessorID != nil {
		predecessor = *ticket.PredecessorID
	}

	err := r.db.QueryRowContext(ctx, query,
		ticket.Title,
		ticket.Email,
		ticket.Name,
		ticket.Status,
		ticket.Locked,
		threadID,
		predecessor,
		now,
		now,
	).Scan(&ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	ticket.CreatedAt = now
	ticket.UpdatedAt = now

	for _, id := range ticket.ExternalIDs {
		if err := r.AddExternalID(ctx, ticket.ID, id); err != nil {
			return nil, err
		}
	}
	return ticket, nil
}

// AddExternalID records a Message-ID as belonging to the ticket's
// conversation. Inserting an identifier that is already present is a no-op,
// which gives the external-identifier set its union semantics.
func (r *TicketRepository) AddExternalID(ctx context.Context, ticketID int, messageID string) error {
	if messageID == "" {
		return nil
	}
	query := `
		INSERT INTO ticket_external_ids (ticket_id, message_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ticket_id, message_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query, ticketID, messageID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to add external id: %w", err)
	}
	return nil
}

// GetExternalIDs returns the full correlation history for a ticket.
func (r *TicketRepository) GetExternalIDs(ctx context.Context, ticketID int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id FROM ticket_external_ids WHERE ticket_id = $1`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get external ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan external id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetByThreadID finds the ticket bound to a provider thread identifier.
// Returns (nil, nil) when no ticket matches.
func (r *TicketRepository) GetByThreadID(ctx context.Context, threadID string) (*models.Ticket, error) {
	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE thread_id = $1 ORDER BY created_at DESC LIMIT 1`, ticketColumns)

	t, err := scanTicket(r.db.QueryRowContext(ctx, query, threadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket by thread id: %w", err)
	}
	return t, nil
}

// GetByExternalIDs finds a ticket whose external-identifier set intersects
// the candidate Message-ID set. Returns (nil, nil) when no ticket matches.
func (r *TicketRepository) GetByExternalIDs(ctx context.Context, messageIDs []string) (*models.Ticket, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s FROM tickets t
		WHERE EXISTS (
			SELECT 1 FROM ticket_external_ids x
			WHERE x.ticket_id = t.id AND x.message_id = ANY($1)
		)
		ORDER BY t.created_at DESC
		LIMIT 1`, prefixedTicketColumns("t"))

	t, err := scanTicket(r.db.QueryRowContext(ctx, query, pq.Array(messageIDs)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket by external ids: %w", err)
	}
	return t, nil
}

// FindLatestOpenBySenderAndTitle is the heuristic fallback lookup: same
// originating address, subject contained in the title, non-terminal status,
// not locked, newest first. Returns (nil, nil) when no ticket matches.
func (r *TicketRepository) FindLatestOpenBySenderAndTitle(ctx context.Context, email, subject string) (*models.Ticket, error) {
	if email == "" || subject == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s FROM tickets
		WHERE LOWER(email) = LOWER($1)
		  AND POSITION(LOWER($2) IN LOWER(title)) > 0
		  AND status = ANY($3)
		  AND locked = false
		ORDER BY created_at DESC
		LIMIT 1`, ticketColumns)

	t, err := scanTicket(r.db.QueryRowContext(ctx, query, email, subject, pq.Array(models.OpenStatuses())))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ticket by sender and title: %w", err)
	}
	return t, nil
}

func prefixedTicketColumns(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.title, %[1]s.email, %[1]s.name, %[1]s.status, %[1]s.locked,
		%[1]s.thread_id, %[1]s.predecessor_id, %[1]s.created_at, %[1]s.updated_at`, alias)
}
