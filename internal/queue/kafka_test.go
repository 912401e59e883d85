package queue

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKafkaSenderFlushesEachMessage(t *testing.T) {
	s := NewKafkaSender([]string{"kafka-1:9092", "kafka-2:9092"}, "imms.dispatch.v1")
	defer s.Close()

	w := s.writer
	assert.Equal(t, "imms.dispatch.v1", w.Topic)
	assert.Equal(t, 1, w.BatchSize)
	assert.Equal(t, kafkaBatchTimeout, w.BatchTimeout)
	assert.Less(t, w.BatchTimeout.Milliseconds(), int64(100))
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}

func TestKafkaSenderClosed(t *testing.T) {
	s := NewKafkaSender([]string{"kafka-1:9092"}, "imms.dispatch.v1")
	require.NoError(t, s.Close())

	err := s.Send(context.Background(), "EMIS", []byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
}
