package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"immunisation-batch-exchange/internal/action"
	"immunisation-batch-exchange/internal/filejob"
	"immunisation-batch-exchange/internal/queue"
)

const defaultSendTimeout = 5 * time.Second

// Message is the wire form of a resolved row, consumed by the registry
// forwarder.
type Message struct {
	MessageID      string          `json:"message_id"`
	FHIRJSON       json.RawMessage `json:"fhir_json"`
	ActionFlag     action.Action   `json:"action_flag"`
	FileName       string          `json:"file_name"`
	ImmsID         string          `json:"imms_id,omitempty"`
	Version        string          `json:"version,omitempty"`
	FileID         string          `json:"file_id"`
	RowNumber      int             `json:"row_number"`
	Supplier       string          `json:"supplier"`
	VaccineType    string          `json:"vaccine_type"`
	LocalID        string          `json:"local_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	ReceivedTime   time.Time       `json:"received_time"`
}

// Job rebuilds the file job fields the forwarder needs to address the
// file's acknowledgment report.
func (m Message) Job() filejob.FileJob {
	return filejob.FileJob{
		FileID:      m.FileID,
		FileName:    m.FileName,
		Supplier:    m.Supplier,
		VaccineType: m.VaccineType,
	}
}

func NewMessage(job filejob.FileJob, outcome action.Outcome, received time.Time) Message {
	return Message{
		MessageID:      outcome.MessageID,
		FHIRJSON:       outcome.Resource,
		ActionFlag:     outcome.Action,
		FileName:       job.FileName,
		ImmsID:         outcome.ExternalID,
		Version:        outcome.Version,
		FileID:         job.FileID,
		RowNumber:      outcome.Row,
		Supplier:       job.Supplier,
		VaccineType:    job.VaccineType,
		LocalID:        outcome.LocalID,
		IdempotencyKey: outcome.IdempotencyKey,
		ReceivedTime:   received.UTC(),
	}
}

type Dispatcher struct {
	sender  queue.Sender
	logger  *slog.Logger
	timeout time.Duration
}

func New(sender queue.Sender, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Dispatcher{sender: sender, logger: logger, timeout: timeout}
}

// Dispatch sends a resolved outcome keyed by supplier and reports whether
// the transport accepted it. Outcomes that do not call the registry are
// never sent.
func (d *Dispatcher) Dispatch(ctx context.Context, job filejob.FileJob, outcome action.Outcome, received time.Time) bool {
	if !outcome.Action.Dispatchable() {
		return false
	}
	payload, err := json.Marshal(NewMessage(job, outcome, received))
	if err != nil {
		d.logger.Error("failed to encode dispatched message", "error", err, "message_id", outcome.MessageID)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(ctx, job.Supplier, payload); err != nil {
		d.logger.Error("failed to dispatch message", "error", err, "message_id", outcome.MessageID, "supplier", job.Supplier)
		return false
	}
	return true
}
