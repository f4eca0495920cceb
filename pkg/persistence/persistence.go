// Package persistence provides the storage abstraction for executions, event
// subscriptions, process definitions and jobs.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/procession/pkg/models"
)

// ExecutionRepository stores execution-tree rows. Updates are guarded by the
// execution's LockVersion: writing a row that was concurrently modified fails
// with ErrOptimisticLock.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	Update(ctx context.Context, execution *models.Execution) error
	Delete(ctx context.Context, id string) error
	ByID(ctx context.Context, id string) (*models.Execution, error)
	ByProcessInstance(ctx context.Context, processInstanceID string) ([]*models.Execution, error)
	ChildrenOf(ctx context.Context, parentID string) ([]*models.Execution, error)
	ActiveByActivity(ctx context.Context, processInstanceID, activityID string) ([]*models.Execution, error)
	BySuperExecution(ctx context.Context, superExecutionID string) (*models.Execution, error)
}

// SubscriptionRepository stores pending event subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, subscription *models.EventSubscription) error
	Update(ctx context.Context, subscription *models.EventSubscription) error
	Delete(ctx context.Context, id string) error
	ByID(ctx context.Context, id string) (*models.EventSubscription, error)
	ByExecution(ctx context.Context, executionID string) ([]*models.EventSubscription, error)
	ByExecutionAndType(ctx context.Context, executionID string, subType models.SubscriptionType) ([]*models.EventSubscription, error)
	ByNameAndType(ctx context.Context, name string, subType models.SubscriptionType, tenantID string) ([]*models.EventSubscription, error)
	ByInstanceNameAndType(ctx context.Context, processInstanceID, name string, subType models.SubscriptionType) ([]*models.EventSubscription, error)
	ByProcessDefinitionAndType(ctx context.Context, processDefinitionID string, subType models.SubscriptionType) ([]*models.EventSubscription, error)
}

// DefinitionRepository stores compiled process definitions. Definitions are
// immutable once saved; versioning is per key and tenant.
type DefinitionRepository interface {
	Save(ctx context.Context, definition *models.ProcessDefinition) error
	ByID(ctx context.Context, id string) (*models.ProcessDefinition, error)
	LatestByKey(ctx context.Context, key, tenantID string) (*models.ProcessDefinition, error)
	ByKeyAndVersion(ctx context.Context, key string, version int, tenantID string) (*models.ProcessDefinition, error)
}

// JobRepository stores deferred jobs with exclusive time-bounded leases.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	Update(ctx context.Context, job *models.Job) error
	Delete(ctx context.Context, id string) error
	ByID(ctx context.Context, id string) (*models.Job, error)

	// Due returns up to limit pending jobs that are due and unlocked at now.
	Due(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)

	// Acquire takes an exclusive lease on each of the given jobs for the
	// owner, until the given expiry. Jobs already locked by another owner are
	// skipped; the acquired subset is returned.
	Acquire(ctx context.Context, ids []string, owner string, until time.Time) ([]*models.Job, error)

	// ReleaseExpired clears leases whose expiry has passed, making the jobs
	// re-acquirable. Returns the number of released jobs.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

// Transaction is a unit of work over the mutable stores. Either every write
// performed through it commits, or none do.
type Transaction interface {
	Executions() ExecutionRepository
	Subscriptions() SubscriptionRepository
	Jobs() JobRepository

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Persistence is the top-level storage handle.
type Persistence interface {
	Executions() ExecutionRepository
	Subscriptions() SubscriptionRepository
	Definitions() DefinitionRepository
	Jobs() JobRepository

	BeginTx(ctx context.Context) (Transaction, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
