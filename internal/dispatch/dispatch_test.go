package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"immunisation-batch-exchange/internal/action"
	"immunisation-batch-exchange/internal/filejob"
	"immunisation-batch-exchange/internal/queue"
)

type failingSender struct{}

func (failingSender) Send(context.Context, string, []byte) error { return errors.New("broker down") }
func (failingSender) Close() error                               { return nil }

var (
	job = filejob.FileJob{
		FileID:      "file-1",
		VaccineType: "FLU",
		Supplier:    "EMIS",
		FileName:    "FLU_Vaccinations_v5_YGM41_20240610T09000000.csv",
	}
	received = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestDispatch(t *testing.T) {
	broker := queue.NewMemoryBroker()
	d := New(broker.Sender("dispatch"), testLogger(), 0)

	outcome := action.Outcome{
		MessageID:      "file-1^2",
		Row:            2,
		LocalID:        "A1^https://supplier/ids",
		Action:         action.Update,
		Resource:       json.RawMessage(`{"resourceType":"Immunization"}`),
		ExternalID:     "abc",
		Version:        "3",
		IdempotencyKey: "key-1",
	}
	require.True(t, d.Dispatch(context.Background(), job, outcome, received))

	msgs := broker.Messages("dispatch")
	require.Len(t, msgs, 1)
	assert.Equal(t, "EMIS", msgs[0].Key)

	var got Message
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, Message{
		MessageID:      "file-1^2",
		FHIRJSON:       json.RawMessage(`{"resourceType":"Immunization"}`),
		ActionFlag:     action.Update,
		FileName:       job.FileName,
		ImmsID:         "abc",
		Version:        "3",
		FileID:         "file-1",
		RowNumber:      2,
		Supplier:       "EMIS",
		VaccineType:    "FLU",
		LocalID:        "A1^https://supplier/ids",
		IdempotencyKey: "key-1",
		ReceivedTime:   received,
	}, got)
	assert.Equal(t, job.AckKey(), got.Job().AckKey())
}

func TestDispatchSkipsRejectedOutcomes(t *testing.T) {
	broker := queue.NewMemoryBroker()
	d := New(broker.Sender("dispatch"), testLogger(), 0)

	for _, a := range []action.Action{action.None, action.NoPermission} {
		outcome := action.Rejected(job, 1, "A1^u", a, "nope")
		assert.False(t, d.Dispatch(context.Background(), job, outcome, received))
	}
	assert.Zero(t, broker.Len("dispatch"))
}

func TestDispatchTransportFailure(t *testing.T) {
	d := New(failingSender{}, testLogger(), time.Second)
	outcome := action.Outcome{MessageID: "file-1^1", Row: 1, Action: action.New, Resource: json.RawMessage(`{}`)}
	assert.False(t, d.Dispatch(context.Background(), job, outcome, received))
}
