package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"immunisation-batch-exchange/internal/ack"
	"immunisation-batch-exchange/internal/action"
	"immunisation-batch-exchange/internal/filejob"
	"immunisation-batch-exchange/internal/metrics"
	"immunisation-batch-exchange/internal/permissions"
	"immunisation-batch-exchange/internal/record"
)

const (
	defaultObjectTimeout = 30 * time.Second

	DiagnosticDeliveryFailed = "Delivery failed"

	reasonSourceUnavailable = "source object unavailable"
	reasonInvalidHeader     = "invalid file header"
	reasonUnreadable        = "source file unreadable"
	reasonIncomplete        = "acknowledgment report incomplete"
)

type Objects interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Move(ctx context.Context, bucket, srcKey, dstKey string) error
}

type Permissions interface {
	Resolve(ctx context.Context, supplier, vaccineType string) permissions.Set
}

type RowResolver interface {
	Resolve(ctx context.Context, job filejob.FileJob, allowed permissions.Set, rec record.Record) action.Outcome
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job filejob.FileJob, outcome action.Outcome, received time.Time) bool
}

type Ledger interface {
	Status(ctx context.Context, fileID string) (ack.FileStatus, error)
	Begin(ctx context.Context, job filejob.FileJob) error
	Record(ctx context.Context, job filejob.FileJob, line ack.Line) error
	Complete(ctx context.Context, job filejob.FileJob, rows int) error
	Fail(ctx context.Context, job filejob.FileJob, reason string) error
}

type Processor struct {
	objects       Objects
	sourceBucket  string
	permissions   Permissions
	resolver      RowResolver
	dispatcher    Dispatcher
	ledger        Ledger
	logger        *slog.Logger
	objectTimeout time.Duration
	now           func() time.Time
}

func New(
	objects Objects,
	sourceBucket string,
	perms Permissions,
	resolver RowResolver,
	dispatcher Dispatcher,
	ledger Ledger,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		objects:       objects,
		sourceBucket:  sourceBucket,
		permissions:   perms,
		resolver:      resolver,
		dispatcher:    dispatcher,
		ledger:        ledger,
		logger:        logger,
		objectTimeout: defaultObjectTimeout,
		now:           time.Now,
	}
}

// fileError marks a failure that ends the file without row lines.
type fileError struct {
	reason string
	err    error
}

func (e *fileError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *fileError) Unwrap() error { return e.err }

// ProcessFile runs one batch file end to end. Row problems become fatal
// ack lines and never stop the file; problems with the file itself mark it
// failed. A job for a file that was already processed is a redelivery and
// is skipped. The returned error is reserved for failures of the ledger,
// which leave the job to be redelivered.
func (p *Processor) ProcessFile(ctx context.Context, job filejob.FileJob) error {
	logger := p.logger.With("file_id", job.FileID, "file_name", job.FileName)

	status, err := p.ledger.Status(ctx, job.FileID)
	switch {
	case errors.Is(err, ack.ErrUnknownFile):
	case err != nil:
		return fmt.Errorf("read file status: %w", err)
	case status.Status == ack.StatusProcessed:
		logger.Info("skipping job for processed file", "rows", status.Rows)
		return nil
	}

	logger.Info("processing file", "supplier", job.Supplier, "vaccine_type", job.VaccineType)

	rows, err := p.process(ctx, job)
	var fe *fileError
	if errors.As(err, &fe) {
		logger.Error("file failed", "error", err)
		metrics.FilesProcessed.WithLabelValues(string(ack.StatusFailed)).Inc()
		if failErr := p.ledger.Fail(ctx, job, fe.reason); failErr != nil {
			return fmt.Errorf("record file failure: %w", failErr)
		}
		return nil
	}
	if err != nil {
		return err
	}

	archiveCtx, cancel := context.WithTimeout(ctx, p.objectTimeout)
	defer cancel()
	if err := p.objects.Move(archiveCtx, p.sourceBucket, job.SourceKey, job.ArchiveKey()); err != nil {
		logger.Warn("archive source object failed", "error", err)
	}

	metrics.FilesProcessed.WithLabelValues(string(ack.StatusProcessed)).Inc()
	logger.Info("file processed", "rows", rows)
	return nil
}

func (p *Processor) process(ctx context.Context, job filejob.FileJob) (int, error) {
	allowed := p.permissions.Resolve(ctx, job.Supplier, job.VaccineType)

	body, err := p.fetch(ctx, job)
	if err != nil {
		return 0, &fileError{reason: reasonSourceUnavailable, err: err}
	}
	reader, err := record.NewReader(bytes.NewReader(body))
	if err != nil {
		return 0, &fileError{reason: reasonInvalidHeader, err: err}
	}
	if err := p.ledger.Begin(ctx, job); err != nil {
		return 0, fmt.Errorf("begin report: %w", err)
	}

	rows := 0
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *record.RowError
		if err != nil && !errors.As(err, &rowErr) {
			// Fail drops the lines already written for this file.
			return rows, &fileError{reason: reasonUnreadable, err: err}
		}
		rows++

		var outcome action.Outcome
		if rowErr != nil {
			outcome = action.Rejected(job, rowErr.Row, "", action.None, action.Unsupported("record", "column count"))
		} else {
			outcome = p.resolver.Resolve(ctx, job, allowed, rec)
		}
		if err := p.ledger.Record(ctx, job, p.acknowledge(ctx, job, outcome)); err != nil {
			return rows, fmt.Errorf("row %d: %w", outcome.Row, err)
		}
		metrics.RowsProcessed.WithLabelValues(string(outcome.Action)).Inc()
	}

	if err := p.ledger.Complete(ctx, job, rows); err != nil {
		if errors.Is(err, ack.ErrIncomplete) {
			return rows, &fileError{reason: reasonIncomplete, err: err}
		}
		return rows, fmt.Errorf("complete report: %w", err)
	}
	return rows, nil
}

// acknowledge dispatches a resolved row and returns its ack line.
func (p *Processor) acknowledge(ctx context.Context, job filejob.FileJob, outcome action.Outcome) ack.Line {
	received := p.now().UTC()
	if !outcome.Action.Dispatchable() {
		return ack.Fatal(outcome.MessageID, outcome.Row, outcome.LocalID, received, outcome.Diagnostic, false)
	}
	if !p.dispatcher.Dispatch(ctx, job, outcome, received) {
		metrics.DispatchFailures.Inc()
		return ack.Fatal(outcome.MessageID, outcome.Row, outcome.LocalID, received, DiagnosticDeliveryFailed, false)
	}
	return ack.Provisional(outcome.MessageID, outcome.Row, outcome.LocalID, received)
}

func (p *Processor) fetch(ctx context.Context, job filejob.FileJob) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.objectTimeout)
	defer cancel()
	return p.objects.Get(ctx, p.sourceBucket, job.SourceKey)
}
