package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// RunWorkers consumes with one goroutine per receiver. The first
// worker to fail stops the rest; its error is returned.
func RunWorkers(ctx context.Context, receivers []Receiver, handler Handler, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(receivers))
	var wg sync.WaitGroup
	for i, r := range receivers {
		wg.Add(1)
		go func(worker int, r Receiver) {
			defer wg.Done()
			logger.Info("worker started", "worker", worker)
			if err := r.Receive(ctx, handler); err != nil {
				errs <- fmt.Errorf("worker %d: %w", worker, err)
				cancel()
			}
		}(i, r)
	}
	wg.Wait()
	close(errs)

	return <-errs
}
