package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/procession/pkg/eventbus"
	"github.com/dukex/procession/pkg/jobs"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/dukex/procession/pkg/subscription"
	"github.com/redis/go-redis/v9"
)

type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	redisURL    string
}

func NewWorkerManager(
	id string,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	redisURL string,
) *WorkerManager {
	return &WorkerManager{
		id:          id,
		logger:      logger.With("module", "procession-worker", "worker_id", id),
		persistence: persistence,
		eventBus:    eventBus,
		redisURL:    redisURL,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager", "worker_id", w.id)

	engine := runtime.NewEngine(w.persistence, w.eventBus, w.logger)

	executor := jobs.NewExecutor(w.id, w.persistence, w.eventBus, w.logger, jobs.DefaultConfig())
	executor.RegisterHandler(subscription.JobTypeTriggerSubscription, subscription.TriggerSubscriptionHandler(engine))
	executor.RegisterHandler(subscription.JobTypeFireCompensation, subscription.FireCompensationHandler(engine))

	if w.redisURL != "" {
		options, err := redis.ParseURL(w.redisURL)
		if err != nil {
			return err
		}

		executor.WithLeaseStore(jobs.NewRedisLeaseStore(redis.NewClient(options)))
		w.logger.InfoContext(ctx, "Shared job lease store enabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- executor.Start(runCtx)
	}()

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		w.logger.InfoContext(ctx, "Shutting down worker...")
		cancel()

		return <-done
	case err := <-done:
		return err
	}
}
