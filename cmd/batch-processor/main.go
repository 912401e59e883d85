package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"immunisation-batch-exchange/internal/ack"
	"immunisation-batch-exchange/internal/action"
	"immunisation-batch-exchange/internal/app"
	"immunisation-batch-exchange/internal/config"
	"immunisation-batch-exchange/internal/dispatch"
	"immunisation-batch-exchange/internal/httpapi"
	"immunisation-batch-exchange/internal/logging"
	"immunisation-batch-exchange/internal/metrics"
	"immunisation-batch-exchange/internal/outbox"
	"immunisation-batch-exchange/internal/permissions"
	"immunisation-batch-exchange/internal/processor"
	"immunisation-batch-exchange/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	if err := cfg.ValidateProcessor(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("batch processor stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := app.OpenDB(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	objects, err := app.OpenObjectStore(cfg.Minio)
	if err != nil {
		return err
	}

	transport, err := app.OpenTransport(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer transport.Close()

	registryClient, err := app.NewRegistryClient(cfg, logger)
	if err != nil {
		return err
	}

	dispatchSender := transport.Sender(cfg.Queue.Topic.Dispatch)
	defer dispatchSender.Close()
	fileJobSender := transport.Sender(cfg.Queue.Topic.FileJobs)
	defer fileJobSender.Close()

	ackStore := ack.NewPostgresStore(db)
	p := processor.New(
		objects,
		cfg.Bucket.Source,
		permissions.NewResolver(objects, cfg.Bucket.Config, cfg.Permissions.Key, logger,
			permissions.WithCacheTTL(cfg.Permissions.CacheTTL),
			permissions.WithFetchTimeout(cfg.Permissions.FetchTimeout),
			permissions.OnReload(metrics.PermissionReloads.Inc),
		),
		action.NewResolver(registryClient, logger, cfg.Registry.LookupTimeout),
		dispatch.New(dispatchSender, logger, cfg.Queue.Timeout),
		ack.NewLedger(ackStore, objects, cfg.Bucket.Ack, logger),
		logger,
	)

	publisher := outbox.NewPublisher(db,
		map[string]queue.Sender{cfg.Queue.Topic.FileJobs: fileJobSender},
		logger,
		metrics.OutboxPublishFailures.Inc,
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
	)

	handler := httpapi.New(logger, objects, cfg.Bucket.Source, cfg.Queue.Topic.FileJobs, ackStore, db)
	srv := &http.Server{
		Addr:    cfg.API.Address,
		Handler: httpapi.NewRouter(handler, cfg.Env, cfg.API.JWT, metrics.Handler(db, ackStore)),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go publisher.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Serve(ctx, srv, logger)
		cancel()
	}()

	receivers := transport.Receivers(cfg.Queue.Topic.FileJobs, cfg.Processor.Group, cfg.Processor.Workers)
	defer func() {
		for _, r := range receivers {
			_ = r.Close()
		}
	}()
	logger.Info("batch processor started", "workers", cfg.Processor.Workers, "queue", cfg.Queue.Kind)
	workerErr := queue.RunWorkers(ctx, receivers, p.HandleJob, logger)
	cancel()

	if err := <-serveErr; err != nil {
		return err
	}
	return workerErr
}
