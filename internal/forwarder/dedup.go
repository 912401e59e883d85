package forwarder

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

const dbTimeout = 5 * time.Second

// Result is the recorded outcome of one forwarded message.
type Result struct {
	Success    bool
	Diagnostic string
}

// Deduplicator remembers the outcome of every idempotency key so a
// redelivered message is not sent to the registry twice.
type Deduplicator interface {
	Lookup(ctx context.Context, key string) (Result, bool, error)
	Store(ctx context.Context, key, messageID string, result Result) error
}

type PostgresDeduplicator struct {
	db *sql.DB
}

func NewPostgresDeduplicator(db *sql.DB) *PostgresDeduplicator {
	return &PostgresDeduplicator{db: db}
}

func (d *PostgresDeduplicator) Lookup(ctx context.Context, key string) (Result, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var result Result
	err := d.db.QueryRowContext(ctx,
		"SELECT success, diagnostic FROM forwarded_requests WHERE idempotency_key=$1",
		key,
	).Scan(&result.Success, &result.Diagnostic)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	return result, true, nil
}

func (d *PostgresDeduplicator) Store(ctx context.Context, key, messageID string, result Result) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO forwarded_requests (idempotency_key, message_id, success, diagnostic)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		key,
		messageID,
		result.Success,
		result.Diagnostic,
	)
	return err
}

type MemoryDeduplicator struct {
	mu      sync.Mutex
	results map[string]Result
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{results: make(map[string]Result)}
}

func (d *MemoryDeduplicator) Lookup(_ context.Context, key string) (Result, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[key]
	return r, ok, nil
}

func (d *MemoryDeduplicator) Store(_ context.Context, key, _ string, result Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.results[key]; !ok {
		d.results[key] = result
	}
	return nil
}
