package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	fieldKey          = "key"
	fieldValue        = "value"
	defaultRedisBlock = 5 * time.Second
)

// RedisSender appends to a single stream, which gives a total order across
// keys.
type RedisSender struct {
	client *redis.Client
	stream string
	closed atomic.Bool
}

func NewRedisSender(client *redis.Client, stream string) *RedisSender {
	return &RedisSender{client: client, stream: stream}
}

func (s *RedisSender) Send(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			fieldKey:   key,
			fieldValue: string(value),
		},
	}).Err()
}

// Close stops the sender. The client is shared and closed by its owner.
func (s *RedisSender) Close() error {
	s.closed.Store(true)
	return nil
}

type RedisReceiver struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

func NewRedisReceiver(client *redis.Client, stream, group, consumer string) *RedisReceiver {
	return &RedisReceiver{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    defaultRedisBlock,
	}
}

func (r *RedisReceiver) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Receive first replays entries delivered to this consumer but never
// acknowledged, then reads new entries.
func (r *RedisReceiver) Receive(ctx context.Context, handler Handler) error {
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}
	for {
		n, err := r.readOnce(ctx, "0", handler)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := r.readOnce(ctx, ">", handler); err != nil {
			return err
		}
	}
}

func (r *RedisReceiver) readOnce(ctx context.Context, id string, handler Handler) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, id},
		Count:    1,
		Block:    -1,
	}
	if id == ">" {
		args.Block = r.block
	}
	streams, err := r.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("read stream: %w", err)
	}

	count := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			count++
			key, _ := msg.Values[fieldKey].(string)
			value, _ := msg.Values[fieldValue].(string)
			if err := handler(ctx, Message{Key: key, Value: []byte(value)}); err != nil {
				return count, fmt.Errorf("handle message %s: %w", msg.ID, err)
			}
			// The entry is handled; acknowledge it even if ctx was cancelled meanwhile.
			if err := r.client.XAck(context.WithoutCancel(ctx), r.stream, r.group, msg.ID).Err(); err != nil {
				return count, fmt.Errorf("ack message %s: %w", msg.ID, err)
			}
		}
	}
	return count, nil
}

func (r *RedisReceiver) Close() error {
	return nil
}
