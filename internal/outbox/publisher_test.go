package outbox

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"immunisation-batch-exchange/internal/queue"
)

const topic = "imms.file-jobs.v1"

func TestPublishBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	broker := queue.NewMemoryBroker()
	failures := 0
	p := NewPublisher(db, map[string]queue.Sender{topic: broker.Sender(topic)},
		slog.New(slog.NewJSONHandler(io.Discard, nil)), func() { failures++ }, WithBatchSize(10))

	created := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, topic, key, payload, created_at\s+FROM outbox_events`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "topic", "key", "payload", "created_at"}).
			AddRow(1, topic, "EMIS", []byte(`{"file_id":"a"}`), created).
			AddRow(2, "unknown.topic", "TPP", []byte(`{"file_id":"b"}`), created).
			AddRow(3, topic, "TPP", []byte(`{"file_id":"c"}`), created))
	mock.ExpectExec(`UPDATE outbox_events SET published_at`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox_events SET published_at`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.publishBatch(context.Background()))

	msgs := broker.Messages(topic)
	require.Len(t, msgs, 2)
	assert.Equal(t, queue.Message{Key: "EMIS", Value: []byte(`{"file_id":"a"}`)}, msgs[0])
	assert.Equal(t, "TPP", msgs[1].Key)
	assert.Equal(t, 1, failures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := NewPublisher(db, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)), nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, topic, key, payload, created_at`).
		WithArgs(outboxBatchSize).
		WillReturnRows(sqlmock.NewRows([]string{"id", "topic", "key", "payload", "created_at"}))
	mock.ExpectCommit()

	require.NoError(t, p.publishBatch(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
