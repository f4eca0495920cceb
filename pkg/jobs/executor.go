// Package jobs runs deferred work: due jobs are leased exclusively, handed to
// a worker pool and retried with a wait between attempts until their retry
// budget is exhausted.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/procession/pkg/eventbus"
	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/robfig/cron/v3"
)

// Handler executes one leased job.
type Handler func(ctx context.Context, job *models.Job) error

type Config struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	LeaseDuration time.Duration
	RetryWait     time.Duration
	BatchSize     int
	Workers       int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		SweepInterval: 30 * time.Second,
		LeaseDuration: 5 * time.Minute,
		RetryWait:     10 * time.Second,
		BatchSize:     32,
		Workers:       4,
	}
}

// Executor polls for due jobs, acquires exclusive leases under its id and
// dispatches them to registered handlers. A separate sweep releases leases
// whose owner died, making those jobs acquirable again.
type Executor struct {
	id          string
	persistence persistence.Persistence
	bus         eventbus.EventPublisher
	logger      *slog.Logger
	config      Config
	leases      LeaseStore

	handlers map[string]Handler
}

func NewExecutor(id string, p persistence.Persistence, bus eventbus.EventPublisher, logger *slog.Logger, config Config) *Executor {
	return &Executor{
		id:          id,
		persistence: p,
		bus:         bus,
		logger:      logger.With("module", "job_executor", "executor_id", id),
		config:      config,
		handlers:    make(map[string]Handler),
	}
}

// WithLeaseStore adds a shared lease guard on top of the repository lease,
// for deployments where several executors poll the same store.
func (e *Executor) WithLeaseStore(store LeaseStore) *Executor {
	e.leases = store

	return e
}

func (e *Executor) RegisterHandler(jobType string, handler Handler) {
	e.handlers[jobType] = handler
}

// Start runs the polling loop until the context is cancelled. Workers drain
// in-flight jobs before Start returns.
func (e *Executor) Start(ctx context.Context) error {
	e.logger.InfoContext(ctx, "Starting job executor",
		"workers", e.config.Workers, "poll_interval", e.config.PollInterval)

	queue := make(chan *models.Job)

	var wg sync.WaitGroup

	for range e.config.Workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for job := range queue {
				e.execute(ctx, job)
			}
		}()
	}

	poll := time.NewTicker(e.config.PollInterval)
	defer poll.Stop()

	sweep := time.NewTicker(e.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			e.logger.Info("Job executor stopped")

			return nil
		case <-poll.C:
			e.dispatchDue(ctx, queue)
		case <-sweep.C:
			e.sweepExpired(ctx)
		}
	}
}

func (e *Executor) dispatchDue(ctx context.Context, queue chan<- *models.Job) {
	now := time.Now()

	due, err := e.persistence.Jobs().Due(ctx, now, e.config.BatchSize)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to list due jobs", "error", err)

		return
	}

	if len(due) == 0 {
		return
	}

	ids := make([]string, 0, len(due))
	for _, job := range due {
		ids = append(ids, job.ID)
	}

	acquired, err := e.persistence.Jobs().Acquire(ctx, ids, e.id, now.Add(e.config.LeaseDuration))
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to acquire job leases", "error", err)

		return
	}

	for _, job := range acquired {
		if e.leases != nil {
			held, err := e.leases.TryAcquire(ctx, job.ID, e.id, e.config.LeaseDuration)
			if err != nil {
				e.logger.WarnContext(ctx, "Lease store unavailable, skipping job", "job_id", job.ID, "error", err)

				continue
			}

			if !held {
				continue
			}
		}

		select {
		case queue <- job:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) sweepExpired(ctx context.Context) {
	released, err := e.persistence.Jobs().ReleaseExpired(ctx, time.Now())
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to release expired job leases", "error", err)

		return
	}

	if released > 0 {
		e.logger.InfoContext(ctx, "Released expired job leases", "count", released)
	}
}

func (e *Executor) execute(ctx context.Context, job *models.Job) {
	logger := e.logger.With("job_id", job.ID, "job_type", job.Type)

	defer func() {
		if e.leases != nil {
			if err := e.leases.Release(ctx, job.ID, e.id); err != nil {
				logger.WarnContext(ctx, "Failed to release job lease", "error", err)
			}
		}
	}()

	handler, registered := e.handlers[job.Type]
	if !registered {
		e.fail(ctx, job, fmt.Errorf("no handler registered for job type %q", job.Type))

		return
	}

	if err := handler(ctx, job); err != nil {
		logger.ErrorContext(ctx, "Job failed", "error", err, "retries_left", job.Retries-1)
		e.fail(ctx, job, err)

		return
	}

	e.complete(ctx, job)
}

// complete removes a finished job, or reschedules it at the next cron
// occurrence when it carries a recurrence expression.
func (e *Executor) complete(ctx context.Context, job *models.Job) {
	if job.Recurrence == "" {
		if err := e.persistence.Jobs().Delete(ctx, job.ID); err != nil {
			e.logger.ErrorContext(ctx, "Failed to delete completed job", "job_id", job.ID, "error", err)
		}

		return
	}

	schedule, err := cron.ParseStandard(job.Recurrence)
	if err != nil {
		e.fail(ctx, job, fmt.Errorf("invalid recurrence %q: %w", job.Recurrence, err))

		return
	}

	job.DueAt = schedule.Next(time.Now())
	job.LastError = ""
	job.LockOwner = ""
	job.LockExpiry = time.Time{}

	if err := e.persistence.Jobs().Update(ctx, job); err != nil {
		e.logger.ErrorContext(ctx, "Failed to reschedule recurring job", "job_id", job.ID, "error", err)
	}
}

// fail burns one retry. A job with retries left becomes due again after the
// retry wait; an exhausted job is marked dead and announced on the bus for
// operator attention.
func (e *Executor) fail(ctx context.Context, job *models.Job, cause error) {
	job.LastError = cause.Error()
	job.Retries--
	job.LockOwner = ""
	job.LockExpiry = time.Time{}

	if job.Retries > 0 {
		job.DueAt = time.Now().Add(e.config.RetryWait)

		if err := e.persistence.Jobs().Update(ctx, job); err != nil {
			e.logger.ErrorContext(ctx, "Failed to reschedule failed job", "job_id", job.ID, "error", err)
		}

		return
	}

	job.State = models.JobStateDead

	if err := e.persistence.Jobs().Update(ctx, job); err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark job dead", "job_id", job.ID, "error", err)

		return
	}

	exhausted := events.JobExhausted{
		BaseEvent: events.NewBaseEvent(events.JobExhaustedEvent, job.ProcessInstanceID),
		JobID:     job.ID,
		JobType:   job.Type,
		Error:     job.LastError,
	}
	exhausted.TenantID = job.TenantID

	if e.bus != nil {
		if err := e.bus.Publish(ctx, job.ProcessInstanceID, exhausted); err != nil {
			e.logger.WarnContext(ctx, "Failed to publish job exhausted event", "job_id", job.ID, "error", err)
		}
	}
}
