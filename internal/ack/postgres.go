package ack

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const dbTimeout = 5 * time.Second

// PostgresStore keeps report lines in ack_lines and per-file state in
// file_status.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, fileID string, line Line) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Locking the status row orders this insert against Fail, which marks
	// the file failed before clearing its lines.
	var state string
	err = tx.QueryRowContext(ctx, "SELECT status FROM file_status WHERE file_id = $1 FOR UPDATE", fileID).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("lock file status: %w", err)
	case Status(state) == StatusFailed:
		return false, tx.Commit()
	}

	// A provisional line never replaces anything and a terminal line only
	// replaces a provisional one.
	result, err := tx.ExecContext(ctx,
		`INSERT INTO ack_lines (file_id, message_id, row_number, phase, header_response_code, issue_severity,
		   issue_code, response_type, response_code, response_display, received_time, mailbox_from, local_id, delivered)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (file_id, message_id) DO UPDATE SET
		   phase = EXCLUDED.phase,
		   header_response_code = EXCLUDED.header_response_code,
		   issue_severity = EXCLUDED.issue_severity,
		   issue_code = EXCLUDED.issue_code,
		   response_code = EXCLUDED.response_code,
		   response_display = EXCLUDED.response_display,
		   delivered = EXCLUDED.delivered,
		   updated_at = now()
		 WHERE ack_lines.phase = 'provisional' AND EXCLUDED.phase = 'terminal'`,
		fileID,
		line.MessageID,
		line.Row,
		string(line.Phase),
		line.HeaderResponseCode,
		line.IssueSeverity,
		line.IssueCode,
		line.ResponseType,
		line.ResponseCode,
		line.ResponseDisplay,
		line.ReceivedTime.UTC(),
		line.MailboxFrom,
		line.LocalID,
		line.Delivered,
	)
	if err != nil {
		return false, fmt.Errorf("upsert ack line: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_status (file_id, status, revision)
		 VALUES ($1, 'processing', 1)
		 ON CONFLICT (file_id) DO UPDATE SET revision = file_status.revision + 1, updated_at = now()`,
		fileID,
	); err != nil {
		return false, fmt.Errorf("bump report revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) Lines(ctx context.Context, fileID string) ([]Line, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, row_number, phase, header_response_code, issue_severity, issue_code,
		   response_type, response_code, response_display, received_time, mailbox_from, local_id, delivered
		 FROM ack_lines
		 WHERE file_id = $1
		 ORDER BY row_number`,
		fileID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		var phase string
		if err := rows.Scan(
			&l.MessageID,
			&l.Row,
			&phase,
			&l.HeaderResponseCode,
			&l.IssueSeverity,
			&l.IssueCode,
			&l.ResponseType,
			&l.ResponseCode,
			&l.ResponseDisplay,
			&l.ReceivedTime,
			&l.MailboxFrom,
			&l.LocalID,
			&l.Delivered,
		); err != nil {
			return nil, err
		}
		l.Phase = Phase(phase)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *PostgresStore) Revision(ctx context.Context, fileID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var revision int64
	err := s.db.QueryRowContext(ctx, "SELECT revision FROM file_status WHERE file_id = $1", fileID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return revision, err
}

func (s *PostgresStore) SetStatus(ctx context.Context, status FileStatus) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_status (file_id, file_name, status, reason, row_count, revision)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 ON CONFLICT (file_id) DO UPDATE SET
		   file_name = EXCLUDED.file_name,
		   status = EXCLUDED.status,
		   reason = EXCLUDED.reason,
		   row_count = EXCLUDED.row_count,
		   updated_at = now()`,
		status.FileID,
		status.FileName,
		string(status.Status),
		status.Reason,
		status.Rows,
	)
	return err
}

// Status returns the recorded state of a file, or ErrUnknownFile.
func (s *PostgresStore) Status(ctx context.Context, fileID string) (FileStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	status := FileStatus{FileID: fileID}
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT file_name, status, reason, row_count FROM file_status WHERE file_id = $1",
		fileID,
	).Scan(&status.FileName, &state, &status.Reason, &status.Rows)
	if errors.Is(err, sql.ErrNoRows) {
		return FileStatus{}, ErrUnknownFile
	}
	if err != nil {
		return FileStatus{}, err
	}
	status.Status = Status(state)
	return status, nil
}

// Clear deletes every line of the file and bumps its revision if any went.
func (s *PostgresStore) Clear(ctx context.Context, fileID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, "DELETE FROM ack_lines WHERE file_id = $1", fileID)
	if err != nil {
		return 0, fmt.Errorf("delete ack lines: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		if _, err := tx.ExecContext(ctx,
			"UPDATE file_status SET revision = revision + 1, updated_at = now() WHERE file_id = $1",
			fileID,
		); err != nil {
			return 0, fmt.Errorf("bump report revision: %w", err)
		}
	}
	return deleted, tx.Commit()
}

func (s *PostgresStore) PendingProvisional(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var pending int64
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM ack_lines WHERE phase = 'provisional'").Scan(&pending)
	return pending, err
}
