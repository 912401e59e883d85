package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryBroker is an in-process transport with the same delivery semantics
// as the stream transports: one consumer handles a message at a time and a
// failed message goes back to the head of its topic.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memoryTopic)}
}

type memoryTopic struct {
	mu       sync.Mutex
	messages []Message
	ready    chan struct{}
}

func (b *MemoryBroker) topic(name string) *memoryTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{ready: make(chan struct{}, 1)}
		b.topics[name] = t
	}
	return t
}

// Len returns the number of undelivered messages on a topic.
func (b *MemoryBroker) Len(topic string) int {
	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Messages returns a copy of the undelivered messages on a topic.
func (b *MemoryBroker) Messages(topic string) []Message {
	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}

func (b *MemoryBroker) Sender(topic string) Sender {
	return &memorySender{topic: b.topic(topic)}
}

func (b *MemoryBroker) Receiver(topic string) Receiver {
	return &memoryReceiver{topic: b.topic(topic)}
}

func (t *memoryTopic) push(msg Message, front bool) {
	t.mu.Lock()
	if front {
		t.messages = append([]Message{msg}, t.messages...)
	} else {
		t.messages = append(t.messages, msg)
	}
	t.mu.Unlock()
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *memoryTopic) pop() (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return Message{}, false
	}
	msg := t.messages[0]
	t.messages = t.messages[1:]
	return msg, true
}

type memorySender struct {
	topic  *memoryTopic
	closed atomic.Bool
}

func (s *memorySender) Send(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.topic.push(Message{Key: key, Value: append([]byte(nil), value...)}, false)
	return nil
}

func (s *memorySender) Close() error {
	s.closed.Store(true)
	return nil
}

type memoryReceiver struct {
	topic *memoryTopic
}

func (r *memoryReceiver) Receive(ctx context.Context, handler Handler) error {
	for {
		msg, ok := r.topic.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-r.topic.ready:
				continue
			}
		}
		if err := handler(ctx, msg); err != nil {
			r.topic.push(msg, true)
			return fmt.Errorf("handle message %s: %w", msg.Key, err)
		}
	}
}

func (r *memoryReceiver) Close() error {
	return nil
}
