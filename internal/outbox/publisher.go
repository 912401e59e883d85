package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"immunisation-batch-exchange/internal/queue"
)

const (
	outboxDBTimeout      = 5 * time.Second
	outboxPublishTimeout = 5 * time.Second
	outboxPollInterval   = 1 * time.Second
	outboxBatchSize      = 100
)

// Publisher moves committed outbox_events rows onto their topics. Rows
// stay unpublished until a send succeeds, so an event may be delivered
// more than once but is never lost.
type Publisher struct {
	db               *sql.DB
	senders          map[string]queue.Sender
	logger           *slog.Logger
	pollInterval     time.Duration
	batchSize        int
	onPublishFailure func()
}

type Option func(*Publisher)

func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// NewPublisher takes one sender per topic the outbox may name.
func NewPublisher(db *sql.DB, senders map[string]queue.Sender, logger *slog.Logger, onPublishFailure func(), opts ...Option) *Publisher {
	p := &Publisher{
		db:               db,
		senders:          senders,
		logger:           logger,
		pollInterval:     outboxPollInterval,
		batchSize:        outboxBatchSize,
		onPublishFailure: onPublishFailure,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if err := p.publishBatch(ctx); err != nil {
			p.logger.Error("outbox publish failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type outboxEvent struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// publishBatch claims up to batchSize unpublished rows (skipping rows
// another instance holds), sends each file job to its topic keyed by
// supplier and stamps published_at on the ones that went out. A row that
// failed to send is released with the transaction and retried next poll.
func (p *Publisher) publishBatch(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	events, err := p.claim(ctx, tx)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.logger.Error("file job not published", "error", err, "event_id", event.ID, "topic", event.Topic, "supplier", event.Key)
			if p.onPublishFailure != nil {
				p.onPublishFailure()
			}
			continue
		}
		if err := markPublished(ctx, tx, event.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Publisher) claim(ctx context.Context, tx *sql.Tx) ([]outboxEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, outboxDBTimeout)
	defer cancel()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, topic, key, payload, created_at
		 FROM outbox_events
		 WHERE published_at IS NULL
		 ORDER BY created_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		p.batchSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []outboxEvent
	for rows.Next() {
		var event outboxEvent
		if err := rows.Scan(&event.ID, &event.Topic, &event.Key, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func markPublished(ctx context.Context, tx *sql.Tx, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, outboxDBTimeout)
	defer cancel()
	_, err := tx.ExecContext(ctx, "UPDATE outbox_events SET published_at = now() WHERE id = $1", id)
	return err
}

func (p *Publisher) publish(ctx context.Context, event outboxEvent) error {
	sender, ok := p.senders[event.Topic]
	if !ok {
		return fmt.Errorf("no sender for topic %s", event.Topic)
	}
	ctx, cancel := context.WithTimeout(ctx, outboxPublishTimeout)
	defer cancel()
	return sender.Send(ctx, event.Key, event.Payload)
}
