package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
)

// Send blocks until the broker acknowledged the message, and callers send
// one row at a time, so the writer flushes every message on its own instead
// of waiting for a batch to fill.
const (
	kafkaBatchSize    = 1
	kafkaBatchTimeout = 10 * time.Millisecond
)

type KafkaSender struct {
	writer *kafka.Writer
}

// NewKafkaSender writes to topic with a hash balancer, so every message with
// the same key lands on the same partition in send order.
func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	return &KafkaSender{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    kafkaBatchSize,
		BatchTimeout: kafkaBatchTimeout,
	}}
}

func (s *KafkaSender) Send(ctx context.Context, key string, value []byte) error {
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	})
	if errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}

type KafkaReceiver struct {
	reader *kafka.Reader
}

func NewKafkaReceiver(brokers []string, topic, groupID string) *KafkaReceiver {
	return &KafkaReceiver{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})}
}

func (r *KafkaReceiver) Receive(ctx context.Context, handler Handler) error {
	for {
		m, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := handler(ctx, Message{Key: string(m.Key), Value: m.Value}); err != nil {
			return fmt.Errorf("handle message partition=%d offset=%d: %w", m.Partition, m.Offset, err)
		}
		if err := r.reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (r *KafkaReceiver) Close() error {
	return r.reader.Close()
}
