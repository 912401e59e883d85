// Package ack keeps the per-file acknowledgment report: one line per input
// row, in row order, rewritten to object storage after every change.
//
// A row is first acknowledged provisionally when it is handed to the
// registry forwarder and terminally once its outcome is known. Rows that
// never reach the forwarder get their terminal line directly. Lines live in
// a Store that enforces the phase rule; the report object is always a
// rendering of the store, so the processor and the forwarder can both write
// to the same report.
package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"immunisation-batch-exchange/internal/filejob"
)

const (
	defaultPutTimeout = 5 * time.Second
	maxRenderAttempts = 5
	reportContentType = "text/csv"
)

var (
	ErrIncomplete  = errors.New("acknowledgment report incomplete")
	ErrUnknownFile = errors.New("unknown file")
)

type ReportWriter interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

type Ledger struct {
	store      Store
	reports    ReportWriter
	bucket     string
	logger     *slog.Logger
	putTimeout time.Duration
}

func NewLedger(store Store, reports ReportWriter, bucket string, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:      store,
		reports:    reports,
		bucket:     bucket,
		logger:     logger,
		putTimeout: defaultPutTimeout,
	}
}

// Begin records that processing started and writes a header-only report.
func (l *Ledger) Begin(ctx context.Context, job filejob.FileJob) error {
	if err := l.store.SetStatus(ctx, FileStatus{FileID: job.FileID, FileName: job.FileName, Status: StatusProcessing}); err != nil {
		return fmt.Errorf("record file status: %w", err)
	}
	return l.publish(ctx, job)
}

// Record stores line and rewrites the report. A line that does not
// supersede the stored one is ignored.
func (l *Ledger) Record(ctx context.Context, job filejob.FileJob, line Line) error {
	applied, err := l.store.Upsert(ctx, job.FileID, line)
	if err != nil {
		return fmt.Errorf("store ack line %s: %w", line.MessageID, err)
	}
	if !applied {
		l.logger.Debug("ack line not applied", "file_id", job.FileID, "message_id", line.MessageID)
		return nil
	}
	return l.publish(ctx, job)
}

// Complete checks that every row has a line and marks the file processed.
func (l *Ledger) Complete(ctx context.Context, job filejob.FileJob, rows int) error {
	lines, err := l.store.Lines(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("load ack lines: %w", err)
	}
	if len(lines) != rows {
		return fmt.Errorf("%w: %d lines for %d rows", ErrIncomplete, len(lines), rows)
	}
	return l.store.SetStatus(ctx, FileStatus{FileID: job.FileID, FileName: job.FileName, Status: StatusProcessed, Rows: rows})
}

// Status returns the recorded state of a file, or ErrUnknownFile.
func (l *Ledger) Status(ctx context.Context, fileID string) (FileStatus, error) {
	return l.store.Status(ctx, fileID)
}

// Fail marks the whole file failed and drops any row lines written before
// the failure; a report that was already published is rewritten header-only.
// Lines arriving afterwards are refused by the store.
func (l *Ledger) Fail(ctx context.Context, job filejob.FileJob, reason string) error {
	if err := l.store.SetStatus(ctx, FileStatus{FileID: job.FileID, FileName: job.FileName, Status: StatusFailed, Reason: reason}); err != nil {
		return fmt.Errorf("record file status: %w", err)
	}
	cleared, err := l.store.Clear(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("clear ack lines: %w", err)
	}
	if cleared == 0 {
		return nil
	}
	l.logger.Info("dropped row lines of failed file", "file_id", job.FileID, "lines", cleared)
	return l.publish(ctx, job)
}

// publish renders the report from the store and writes it. If another
// writer changed the file meanwhile it renders again, so the last write to
// land always reflects the latest revision.
func (l *Ledger) publish(ctx context.Context, job filejob.FileJob) error {
	for attempt := 0; attempt < maxRenderAttempts; attempt++ {
		revision, err := l.store.Revision(ctx, job.FileID)
		if err != nil {
			return fmt.Errorf("read report revision: %w", err)
		}
		lines, err := l.store.Lines(ctx, job.FileID)
		if err != nil {
			return fmt.Errorf("load ack lines: %w", err)
		}
		body, err := Render(lines)
		if err != nil {
			return fmt.Errorf("render report: %w", err)
		}

		putCtx, cancel := context.WithTimeout(ctx, l.putTimeout)
		err = l.reports.Put(putCtx, l.bucket, job.AckKey(), body, reportContentType)
		cancel()
		if err != nil {
			return fmt.Errorf("write report: %w", err)
		}

		latest, err := l.store.Revision(ctx, job.FileID)
		if err != nil {
			return fmt.Errorf("read report revision: %w", err)
		}
		if latest == revision {
			return nil
		}
	}
	l.logger.Warn("report still changing after rewrite", "file_id", job.FileID, "attempts", maxRenderAttempts)
	return nil
}
