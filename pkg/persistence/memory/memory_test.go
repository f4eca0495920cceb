package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecution(id string) *models.Execution {
	return &models.Execution{
		ID:                    id,
		ProcessInstanceID:     id,
		RootProcessInstanceID: id,
		Active:                true,
		CreatedAt:             time.Now(),
	}
}

func TestExecutionUpdateOptimisticLock(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()

	require.NoError(t, p.Executions().Create(ctx, newExecution("ex-1")))

	first, err := p.Executions().ByID(ctx, "ex-1")
	require.NoError(t, err)

	second, err := p.Executions().ByID(ctx, "ex-1")
	require.NoError(t, err)

	first.CurrentElementID = "a"
	require.NoError(t, p.Executions().Update(ctx, first))

	second.CurrentElementID = "b"
	err = p.Executions().Update(ctx, second)
	require.Error(t, err)
	assert.True(t, persistence.IsOptimisticLock(err))

	stored, err := p.Executions().ByID(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "a", stored.CurrentElementID)
}

func TestTransactionIsolationAndCommit(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()

	tx, err := p.BeginTx(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.Executions().Create(ctx, newExecution("ex-tx")))

	// Staged writes are invisible outside the transaction.
	_, err = p.Executions().ByID(ctx, "ex-tx")
	require.Error(t, err)

	// And read-your-writes inside it.
	staged, err := tx.Executions().ByID(ctx, "ex-tx")
	require.NoError(t, err)
	assert.Equal(t, "ex-tx", staged.ID)

	require.NoError(t, tx.Commit(ctx))

	committed, err := p.Executions().ByID(ctx, "ex-tx")
	require.NoError(t, err)
	assert.Equal(t, "ex-tx", committed.ID)
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()

	require.NoError(t, p.Executions().Create(ctx, newExecution("ex-keep")))

	tx, err := p.BeginTx(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.Executions().Create(ctx, newExecution("ex-drop")))
	require.NoError(t, tx.Executions().Delete(ctx, "ex-keep"))
	require.NoError(t, tx.Rollback(ctx))

	_, err = p.Executions().ByID(ctx, "ex-drop")
	assert.Error(t, err)

	_, err = p.Executions().ByID(ctx, "ex-keep")
	assert.NoError(t, err)
}

func TestTransactionCommitDetectsConcurrentWrite(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()

	require.NoError(t, p.Executions().Create(ctx, newExecution("ex-race")))

	tx, err := p.BeginTx(ctx)
	require.NoError(t, err)

	inTx, err := tx.Executions().ByID(ctx, "ex-race")
	require.NoError(t, err)

	inTx.CurrentElementID = "from-tx"
	require.NoError(t, tx.Executions().Update(ctx, inTx))

	// A concurrent writer lands between the transaction's read and commit.
	outside, err := p.Executions().ByID(ctx, "ex-race")
	require.NoError(t, err)

	outside.CurrentElementID = "from-outside"
	require.NoError(t, p.Executions().Update(ctx, outside))

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, persistence.IsOptimisticLock(err))

	stored, err := p.Executions().ByID(ctx, "ex-race")
	require.NoError(t, err)
	assert.Equal(t, "from-outside", stored.CurrentElementID)
}

func TestTransactionDeleteWinsOverConcurrentUpdate(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()

	require.NoError(t, p.Executions().Create(ctx, newExecution("ex-gone")))

	tx, err := p.BeginTx(ctx)
	require.NoError(t, err)

	inTx, err := tx.Executions().ByID(ctx, "ex-gone")
	require.NoError(t, err)

	inTx.CurrentElementID = "touched"
	require.NoError(t, tx.Executions().Update(ctx, inTx))
	require.NoError(t, tx.Executions().Delete(ctx, "ex-gone"))

	outside, err := p.Executions().ByID(ctx, "ex-gone")
	require.NoError(t, err)
	require.NoError(t, p.Executions().Update(ctx, outside))

	require.NoError(t, tx.Commit(ctx))

	_, err = p.Executions().ByID(ctx, "ex-gone")
	assert.Error(t, err, "cascading deletes override concurrent updates")
}

func TestJobDueExcludesLockedAndFuture(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, p.Jobs().Create(ctx, &models.Job{
		ID: "due", Type: "t", State: models.JobStatePending, DueAt: now.Add(-time.Minute),
	}))
	require.NoError(t, p.Jobs().Create(ctx, &models.Job{
		ID: "future", Type: "t", State: models.JobStatePending, DueAt: now.Add(time.Hour),
	}))
	require.NoError(t, p.Jobs().Create(ctx, &models.Job{
		ID: "locked", Type: "t", State: models.JobStatePending, DueAt: now.Add(-time.Minute),
		LockOwner: "other", LockExpiry: now.Add(time.Minute),
	}))
	require.NoError(t, p.Jobs().Create(ctx, &models.Job{
		ID: "dead", Type: "t", State: models.JobStateDead, DueAt: now.Add(-time.Minute),
	}))

	due, err := p.Jobs().Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestJobAcquireIsExclusive(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, p.Jobs().Create(ctx, &models.Job{
		ID: "job-1", Type: "t", State: models.JobStatePending, DueAt: now.Add(-time.Minute),
	}))

	first, err := p.Jobs().Acquire(ctx, []string{"job-1"}, "owner-a", now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "owner-a", first[0].LockOwner)

	second, err := p.Jobs().Acquire(ctx, []string{"job-1"}, "owner-b", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestJobReleaseExpired(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, p.Jobs().Create(ctx, &models.Job{
		ID: "expired", Type: "t", State: models.JobStatePending, DueAt: now.Add(-time.Hour),
		LockOwner: "dead-owner", LockExpiry: now.Add(-time.Minute),
	}))
	require.NoError(t, p.Jobs().Create(ctx, &models.Job{
		ID: "held", Type: "t", State: models.JobStatePending, DueAt: now.Add(-time.Hour),
		LockOwner: "live-owner", LockExpiry: now.Add(time.Minute),
	}))

	released, err := p.Jobs().ReleaseExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	expired, err := p.Jobs().ByID(ctx, "expired")
	require.NoError(t, err)
	assert.Empty(t, expired.LockOwner)

	held, err := p.Jobs().ByID(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, "live-owner", held.LockOwner)
}

func TestDefinitionVersionLookup(t *testing.T) {
	p := memory.NewPersistence()
	ctx := context.Background()

	require.NoError(t, p.Definitions().Save(ctx, &models.ProcessDefinition{ID: "d1", Key: "orders", Version: 1}))
	require.NoError(t, p.Definitions().Save(ctx, &models.ProcessDefinition{ID: "d2", Key: "orders", Version: 2}))

	latest, err := p.Definitions().LatestByKey(ctx, "orders", "")
	require.NoError(t, err)
	assert.Equal(t, "d2", latest.ID)

	pinned, err := p.Definitions().ByKeyAndVersion(ctx, "orders", 1, "")
	require.NoError(t, err)
	assert.Equal(t, "d1", pinned.ID)

	_, err = p.Definitions().LatestByKey(ctx, "missing", "")
	require.Error(t, err)
	assert.True(t, persistence.IsNotFound(err))
}
