package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/mocks"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newExecutor(p *memory.Persistence) *Executor {
	return NewExecutor("executor-1", p, nil, slog.New(slog.DiscardHandler), DefaultConfig())
}

func seedJob(t *testing.T, p *memory.Persistence, job *models.Job) *models.Job {
	t.Helper()

	if job.State == "" {
		job.State = models.JobStatePending
	}

	if job.DueAt.IsZero() {
		job.DueAt = time.Now().Add(-time.Second)
	}

	job.CreatedAt = time.Now()
	require.NoError(t, p.Jobs().Create(context.Background(), job))

	return job
}

func TestExecuteSuccessDeletesJob(t *testing.T) {
	p := memory.NewPersistence()
	executor := newExecutor(p)

	handled := 0

	executor.RegisterHandler("noop", func(_ context.Context, _ *models.Job) error {
		handled++

		return nil
	})

	job := seedJob(t, p, &models.Job{ID: "job-1", Type: "noop", Retries: 3})

	executor.execute(context.Background(), job)

	assert.Equal(t, 1, handled)

	_, err := p.Jobs().ByID(context.Background(), "job-1")
	assert.Error(t, err)
}

func TestExecuteFailureBurnsRetryAndReschedules(t *testing.T) {
	p := memory.NewPersistence()
	executor := newExecutor(p)
	executor.RegisterHandler("flaky", func(_ context.Context, _ *models.Job) error {
		return errors.New("downstream unavailable")
	})

	seedJob(t, p, &models.Job{ID: "job-2", Type: "flaky", Retries: 3})

	before := time.Now()

	job, err := p.Jobs().ByID(context.Background(), "job-2")
	require.NoError(t, err)

	executor.execute(context.Background(), job)

	stored, err := p.Jobs().ByID(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Retries)
	assert.Equal(t, models.JobStatePending, stored.State)
	assert.Equal(t, "downstream unavailable", stored.LastError)
	assert.True(t, stored.DueAt.After(before), "the job waits before the next attempt")
	assert.Empty(t, stored.LockOwner, "the lease is dropped on failure")
}

func TestExecuteExhaustionMarksDeadAndPublishes(t *testing.T) {
	p := memory.NewPersistence()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	executor := NewExecutor("executor-1", p, bus, slog.New(slog.DiscardHandler), DefaultConfig())
	executor.RegisterHandler("flaky", func(_ context.Context, _ *models.Job) error {
		return errors.New("still broken")
	})

	seedJob(t, p, &models.Job{ID: "job-3", Type: "flaky", ProcessInstanceID: "pi-1", Retries: 1})

	job, err := p.Jobs().ByID(context.Background(), "job-3")
	require.NoError(t, err)

	executor.execute(context.Background(), job)

	stored, err := p.Jobs().ByID(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDead, stored.State)
	assert.Equal(t, 0, stored.Retries)

	bus.AssertCalled(t, "Publish", mock.Anything, "pi-1", mock.MatchedBy(func(event events.JobExhausted) bool {
		return event.JobID == "job-3" && event.Error == "still broken"
	}))
}

func TestExecuteUnknownTypeFails(t *testing.T) {
	p := memory.NewPersistence()
	executor := newExecutor(p)

	seedJob(t, p, &models.Job{ID: "job-4", Type: "unknown", Retries: 2})

	job, err := p.Jobs().ByID(context.Background(), "job-4")
	require.NoError(t, err)

	executor.execute(context.Background(), job)

	stored, err := p.Jobs().ByID(context.Background(), "job-4")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Retries)
	assert.Contains(t, stored.LastError, "no handler registered")
}

func TestCompleteRecurringJobReschedules(t *testing.T) {
	p := memory.NewPersistence()
	executor := newExecutor(p)
	executor.RegisterHandler("timer", func(_ context.Context, _ *models.Job) error {
		return nil
	})

	seedJob(t, p, &models.Job{ID: "job-5", Type: "timer", Retries: 3, Recurrence: "0 3 * * *"})

	job, err := p.Jobs().ByID(context.Background(), "job-5")
	require.NoError(t, err)

	job.LockOwner = "executor-1"
	job.LockExpiry = time.Now().Add(time.Minute)

	executor.execute(context.Background(), job)

	stored, err := p.Jobs().ByID(context.Background(), "job-5")
	require.NoError(t, err, "a recurring job survives completion")
	assert.True(t, stored.DueAt.After(time.Now()))
	assert.Empty(t, stored.LockOwner)
	assert.Equal(t, 3, stored.Retries)
}

func TestCompleteInvalidRecurrenceFails(t *testing.T) {
	p := memory.NewPersistence()
	executor := newExecutor(p)
	executor.RegisterHandler("timer", func(_ context.Context, _ *models.Job) error {
		return nil
	})

	seedJob(t, p, &models.Job{ID: "job-6", Type: "timer", Retries: 1, Recurrence: "not a cron spec"})

	job, err := p.Jobs().ByID(context.Background(), "job-6")
	require.NoError(t, err)

	executor.execute(context.Background(), job)

	stored, err := p.Jobs().ByID(context.Background(), "job-6")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDead, stored.State)
	assert.Contains(t, stored.LastError, "invalid recurrence")
}

func TestDispatchDueAcquiresExclusively(t *testing.T) {
	p := memory.NewPersistence()
	executor := newExecutor(p)

	seedJob(t, p, &models.Job{ID: "job-7", Type: "noop", Retries: 3})
	seedJob(t, p, &models.Job{ID: "job-8", Type: "noop", Retries: 3, LockOwner: "executor-2", LockExpiry: time.Now().Add(time.Minute)})

	queue := make(chan *models.Job, 2)
	executor.dispatchDue(context.Background(), queue)
	close(queue)

	var dispatched []string
	for job := range queue {
		dispatched = append(dispatched, job.ID)
	}

	assert.Equal(t, []string{"job-7"}, dispatched, "jobs leased by another owner are skipped")

	acquired, err := p.Jobs().ByID(context.Background(), "job-7")
	require.NoError(t, err)
	assert.Equal(t, "executor-1", acquired.LockOwner)
	assert.True(t, acquired.LockExpiry.After(time.Now()))
}

func TestSweepReleasesExpiredLeases(t *testing.T) {
	p := memory.NewPersistence()
	executor := newExecutor(p)

	seedJob(t, p, &models.Job{ID: "job-9", Type: "noop", Retries: 3, LockOwner: "dead-executor", LockExpiry: time.Now().Add(-time.Minute)})

	executor.sweepExpired(context.Background())

	released, err := p.Jobs().ByID(context.Background(), "job-9")
	require.NoError(t, err)
	assert.Empty(t, released.LockOwner)
}
