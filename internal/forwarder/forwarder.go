package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"immunisation-batch-exchange/internal/ack"
	"immunisation-batch-exchange/internal/action"
	"immunisation-batch-exchange/internal/dispatch"
	"immunisation-batch-exchange/internal/filejob"
	"immunisation-batch-exchange/internal/metrics"
	"immunisation-batch-exchange/internal/queue"
	"immunisation-batch-exchange/internal/registry"
)

const defaultRequestTimeout = 10 * time.Second

const (
	DiagnosticDuplicate         = "Duplicate Message received"
	DiagnosticValidationFailure = "Payload validation failure"
	DiagnosticUpdateFailed      = "Unable to process update request"
	DiagnosticDeleteFailed      = "Unable to process delete request"
	DiagnosticRequestFailed     = "Registry request failed"
)

type Registry interface {
	Create(ctx context.Context, resource json.RawMessage, meta registry.RequestMeta) (registry.Response, error)
	Update(ctx context.Context, id, version string, resource json.RawMessage, meta registry.RequestMeta) (registry.Response, error)
	Delete(ctx context.Context, id string, meta registry.RequestMeta) (registry.Response, error)
}

// Recorder receives the terminal acknowledgment line for each row.
type Recorder interface {
	Record(ctx context.Context, job filejob.FileJob, line ack.Line) error
}

type Forwarder struct {
	registry       Registry
	dedup          Deduplicator
	ledger         Recorder
	logger         *slog.Logger
	requestTimeout time.Duration
}

func New(reg Registry, dedup Deduplicator, ledger Recorder, logger *slog.Logger, requestTimeout time.Duration) *Forwarder {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Forwarder{
		registry:       reg,
		dedup:          dedup,
		ledger:         ledger,
		logger:         logger,
		requestTimeout: requestTimeout,
	}
}

// Handle forwards one dispatched message and writes its terminal
// acknowledgment line. Errors are returned only for failures of the
// forwarder's own stores, so the message is redelivered.
func (f *Forwarder) Handle(ctx context.Context, m queue.Message) error {
	var msg dispatch.Message
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		f.logger.Error("dropping undecodable message", "error", err, "key", m.Key)
		return nil
	}

	result, seen, err := f.dedup.Lookup(ctx, msg.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("dedup lookup %s: %w", msg.MessageID, err)
	}
	if seen {
		f.logger.Info("message already forwarded", "message_id", msg.MessageID)
	} else {
		result = f.forward(ctx, msg)
		if err := f.dedup.Store(ctx, msg.IdempotencyKey, msg.MessageID, result); err != nil {
			return fmt.Errorf("dedup store %s: %w", msg.MessageID, err)
		}
	}

	line := ack.Success(msg.MessageID, msg.RowNumber, msg.LocalID, msg.ReceivedTime)
	if !result.Success {
		line = ack.Fatal(msg.MessageID, msg.RowNumber, msg.LocalID, msg.ReceivedTime, result.Diagnostic, true)
	}
	if err := f.ledger.Record(ctx, msg.Job(), line); err != nil {
		return fmt.Errorf("record ack %s: %w", msg.MessageID, err)
	}
	return nil
}

func (f *Forwarder) forward(ctx context.Context, msg dispatch.Message) Result {
	ctx, cancel := context.WithTimeout(ctx, f.requestTimeout)
	defer cancel()

	meta := registry.RequestMeta{
		Supplier:       msg.Supplier,
		CorrelationID:  msg.MessageID,
		IdempotencyKey: msg.IdempotencyKey,
	}
	started := time.Now()
	var resp registry.Response
	var err error
	switch msg.ActionFlag {
	case action.New:
		resp, err = f.registry.Create(ctx, msg.FHIRJSON, meta)
	case action.Update:
		resp, err = f.registry.Update(ctx, msg.ImmsID, msg.Version, msg.FHIRJSON, meta)
	case action.Delete:
		resp, err = f.registry.Delete(ctx, msg.ImmsID, meta)
	default:
		f.logger.Error("unexpected action in dispatched message", "message_id", msg.MessageID, "action", msg.ActionFlag)
		return Result{Diagnostic: DiagnosticRequestFailed}
	}
	metrics.RegistryLatency.WithLabelValues(string(msg.ActionFlag)).Observe(time.Since(started).Seconds())

	if err != nil {
		f.logger.Warn("registry request failed", "error", err, "message_id", msg.MessageID, "action", msg.ActionFlag)
		metrics.RegistryRequests.WithLabelValues(string(msg.ActionFlag), "error").Inc()
		return Result{Diagnostic: DiagnosticRequestFailed}
	}
	result := Classify(msg.ActionFlag, resp)
	metrics.RegistryRequests.WithLabelValues(string(msg.ActionFlag), strconv.Itoa(resp.StatusCode)).Inc()
	if !result.Success {
		f.logger.Info("registry rejected message",
			"message_id", msg.MessageID,
			"action", msg.ActionFlag,
			"status", resp.StatusCode,
			"diagnostic", result.Diagnostic,
		)
	}
	return result
}

// Classify maps a registry response onto a row outcome.
func Classify(a action.Action, resp registry.Response) Result {
	switch a {
	case action.New:
		switch {
		case resp.StatusCode == http.StatusCreated:
			return Result{Success: true}
		case resp.StatusCode == http.StatusConflict,
			resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(resp.Diagnostics), "duplicate"):
			return Result{Diagnostic: DiagnosticDuplicate}
		default:
			return Result{Diagnostic: DiagnosticValidationFailure}
		}
	case action.Update:
		if resp.StatusCode == http.StatusOK {
			return Result{Success: true}
		}
		return Result{Diagnostic: orDefault(resp.Diagnostics, DiagnosticUpdateFailed)}
	case action.Delete:
		if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
			return Result{Success: true}
		}
		return Result{Diagnostic: orDefault(resp.Diagnostics, DiagnosticDeleteFailed)}
	}
	return Result{Diagnostic: DiagnosticRequestFailed}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
