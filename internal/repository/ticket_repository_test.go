package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivedesk/hivedesk/internal/models"
)

func ticketRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "title", "email", "name", "status", "locked",
		"thread_id", "predecessor_id", "created_at", "updated_at",
	})
}

func TestTicketRepositoryCreateSeedsExternalIDs(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO tickets`).
		WithArgs("Printer on fire", "jane@example.com", "Jane Doe", models.StatusNeedsSupport,
			false, "thr-1", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectExec(`INSERT INTO ticket_external_ids`).
		WithArgs(42, "msg-1@x", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ticket_external_ids`).
		WithArgs(42, "root@x", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewTicketRepository(db)
	threadID := "thr-1"
	ticket := &models.Ticket{
		Title:       "Printer on fire",
		Email:       "jane@example.com",
		Name:        "Jane Doe",
		Status:      models.StatusNeedsSupport,
		ThreadID:    &threadID,
		ExternalIDs: []string{"msg-1@x", "root@x"},
	}

	created, err := repo.Create(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, 42, created.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketRepositoryAddExternalIDSkipsEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTicketRepository(db)
	require.NoError(t, repo.AddExternalID(context.Background(), 1, ""))
	require.NoError(t, mock.ExpectationsWereMet(), "empty message id must not touch the database")
}

func TestTicketRepositoryGetByThreadID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM tickets WHERE thread_id = \$1`).
		WithArgs("thr-1").
		WillReturnRows(ticketRows().AddRow(
			7, "Printer on fire", "jane@example.com", "Jane Doe", models.StatusInProgress,
			false, "thr-1", nil, now, now,
		))

	repo := NewTicketRepository(db)
	ticket, err := repo.GetByThreadID(context.Background(), "thr-1")
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, 7, ticket.ID)
	require.NotNil(t, ticket.ThreadID)
	assert.Equal(t, "thr-1", *ticket.ThreadID)
	assert.Nil(t, ticket.PredecessorID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketRepositoryGetByThreadIDNoRows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM tickets WHERE thread_id = \$1`).
		WithArgs("unknown").
		WillReturnRows(ticketRows())

	repo := NewTicketRepository(db)
	ticket, err := repo.GetByThreadID(context.Background(), "unknown")
	require.NoError(t, err, "no match is not an error")
	assert.Nil(t, ticket)
}

func TestTicketRepositoryGetByExternalIDsEmptyInput(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTicketRepository(db)
	ticket, err := repo.GetByExternalIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, ticket)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketRepositoryFindLatestOpenBySenderAndTitle(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM tickets`).
		WithArgs("jane@example.com", "Printer on fire", sqlmock.AnyArg()).
		WillReturnRows(ticketRows().AddRow(
			9, "Re: Printer on fire", "jane@example.com", "Jane Doe", models.StatusNeedsSupport,
			false, nil, nil, now, now,
		))

	repo := NewTicketRepository(db)
	ticket, err := repo.FindLatestOpenBySenderAndTitle(context.Background(), "jane@example.com", "Printer on fire")
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, 9, ticket.ID)
}

func TestTicketRepositoryFindLatestOpenRequiresInputs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTicketRepository(db)

	ticket, err := repo.FindLatestOpenBySenderAndTitle(context.Background(), "", "subject")
	require.NoError(t, err)
	assert.Nil(t, ticket)

	ticket, err = repo.FindLatestOpenBySenderAndTitle(context.Background(), "jane@example.com", "")
	require.NoError(t, err)
	assert.Nil(t, ticket)

	require.NoError(t, mock.ExpectationsWereMet())
}
