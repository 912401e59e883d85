package ack

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresStore(db)
}

func expectStatusLock(mock sqlmock.Sqlmock, fileID, status string) {
	mock.ExpectQuery(`SELECT status FROM file_status WHERE file_id = \$1 FOR UPDATE`).
		WithArgs(fileID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(status))
}

func TestPostgresUpsertApplied(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	line := Provisional("file-1^1", 1, "A1^u", received)
	mock.ExpectBegin()
	expectStatusLock(mock, "file-1", "processing")
	mock.ExpectExec(`INSERT INTO ack_lines`).
		WithArgs("file-1", "file-1^1", 1, "provisional", "OK", "Information", "OK", "Business", "20013",
			"Accepted for processing", received, "", "A1^u", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO file_status`).
		WithArgs("file-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := store.Upsert(context.Background(), "file-1", line)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertIgnored(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	expectStatusLock(mock, "file-1", "processing")
	mock.ExpectExec(`INSERT INTO ack_lines`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := store.Upsert(context.Background(), "file-1", Success("file-1^1", 1, "A1^u", received))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertRefusedForFailedFile(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	expectStatusLock(mock, "file-1", "failed")
	mock.ExpectCommit()

	applied, err := store.Upsert(context.Background(), "file-1", Success("file-1^1", 1, "A1^u", received))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClear(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM ack_lines WHERE file_id = \$1`).
		WithArgs("file-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE file_status SET revision = revision \+ 1`).
		WithArgs("file-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM ack_lines`).
		WithArgs("file-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	cleared, err := store.Clear(context.Background(), "file-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cleared)

	cleared, err = store.Clear(context.Background(), "file-2")
	require.NoError(t, err)
	assert.Zero(t, cleared)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLines(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"message_id", "row_number", "phase", "header_response_code", "issue_severity",
		"issue_code", "response_type", "response_code", "response_display", "received_time", "mailbox_from", "local_id", "delivered"}).
		AddRow("file-1^1", 1, "terminal", "OK", "Information", "OK", "Business", "20013", "Success", received, "", "A1^u", true).
		AddRow("file-1^2", 2, "provisional", "OK", "Information", "OK", "Business", "20013", "Accepted for processing", received, "", "A2^u", true)
	mock.ExpectQuery(`SELECT message_id, row_number`).
		WithArgs("file-1").
		WillReturnRows(rows)

	lines, err := store.Lines(context.Background(), "file-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, Success("file-1^1", 1, "A1^u", received), lines[0])
	assert.Equal(t, PhaseProvisional, lines[1].Phase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRevision(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT revision FROM file_status`).
		WithArgs("file-1").
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(7))
	mock.ExpectQuery(`SELECT revision FROM file_status`).
		WithArgs("file-2").
		WillReturnError(sql.ErrNoRows)

	revision, err := store.Revision(context.Background(), "file-1")
	require.NoError(t, err)
	assert.EqualValues(t, 7, revision)

	revision, err = store.Revision(context.Background(), "file-2")
	require.NoError(t, err)
	assert.Zero(t, revision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetStatus(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO file_status`).
		WithArgs("file-1", "a.csv", "failed", "invalid file header", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetStatus(context.Background(), FileStatus{FileID: "file-1", FileName: "a.csv", Status: StatusFailed, Reason: "invalid file header"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPendingProvisional(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT count\(\*\) FROM ack_lines`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	pending, err := store.PendingProvisional(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStatus(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT file_name, status, reason, row_count FROM file_status`).
		WithArgs("file-1").
		WillReturnRows(sqlmock.NewRows([]string{"file_name", "status", "reason", "row_count"}).AddRow("a.csv", "processed", "", 12))
	mock.ExpectQuery(`SELECT file_name, status, reason, row_count FROM file_status`).
		WithArgs("file-2").
		WillReturnError(sql.ErrNoRows)

	status, err := store.Status(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Equal(t, FileStatus{FileID: "file-1", FileName: "a.csv", Status: StatusProcessed, Rows: 12}, status)

	_, err = store.Status(context.Background(), "file-2")
	assert.ErrorIs(t, err, ErrUnknownFile)
	assert.NoError(t, mock.ExpectationsWereMet())
}
