package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
)

var errTxFinished = errors.New("transaction already finished")

// overlay stages writes for one entity kind until commit. baseVersion records
// the lock version observed in the base store when a row was first staged
// (createdMarker for rows created inside the transaction); commit re-checks
// those versions so concurrent writers conflict instead of being overwritten.
type overlay[T any] struct {
	staged      map[string]T
	deleted     map[string]bool
	baseVersion map[string]int64
}

const createdMarker = int64(-1)

func newOverlay[T any]() *overlay[T] {
	return &overlay[T]{
		staged:      make(map[string]T),
		deleted:     make(map[string]bool),
		baseVersion: make(map[string]int64),
	}
}

func (o *overlay[T]) trackBase(id string, version int64) {
	if _, tracked := o.baseVersion[id]; !tracked {
		o.baseVersion[id] = version
	}
}

type transaction struct {
	p    *Persistence
	done bool

	executions    *overlay[*models.Execution]
	subscriptions *overlay[*models.EventSubscription]
	jobs          *overlay[*models.Job]
}

func newTransaction(p *Persistence) *transaction {
	return &transaction{
		p:             p,
		executions:    newOverlay[*models.Execution](),
		subscriptions: newOverlay[*models.EventSubscription](),
		jobs:          newOverlay[*models.Job](),
	}
}

func (t *transaction) Executions() persistence.ExecutionRepository {
	return &txExecutionRepository{t: t}
}

func (t *transaction) Subscriptions() persistence.SubscriptionRepository {
	return &txSubscriptionRepository{t: t}
}

func (t *transaction) Jobs() persistence.JobRepository {
	return &txJobRepository{t: t}
}

func (t *transaction) Commit(_ context.Context) error {
	if t.done {
		return errTxFinished
	}

	t.done = true

	t.p.mu.Lock()
	defer t.p.mu.Unlock()

	if err := verifyVersions(t.executions, func(id string) (int64, bool) {
		current, exists := t.p.executions[id]
		if !exists {
			return 0, false
		}

		return current.LockVersion, true
	}); err != nil {
		return err
	}

	if err := verifyVersions(t.subscriptions, func(id string) (int64, bool) {
		current, exists := t.p.subscriptions[id]
		if !exists {
			return 0, false
		}

		return current.LockVersion, true
	}); err != nil {
		return err
	}

	if err := verifyVersions(t.jobs, func(id string) (int64, bool) {
		current, exists := t.p.jobs[id]
		if !exists {
			return 0, false
		}

		return current.LockVersion, true
	}); err != nil {
		return err
	}

	for id := range t.executions.deleted {
		delete(t.p.executions, id)
	}

	for id, execution := range t.executions.staged {
		t.p.executions[id] = execution
	}

	for id := range t.subscriptions.deleted {
		delete(t.p.subscriptions, id)
	}

	for id, subscription := range t.subscriptions.staged {
		t.p.subscriptions[id] = subscription
	}

	for id := range t.jobs.deleted {
		delete(t.p.jobs, id)
	}

	for id, job := range t.jobs.staged {
		t.p.jobs[id] = job
	}

	return nil
}

func (t *transaction) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}

	t.done = true

	return nil
}

// verifyVersions checks every row the transaction read-then-wrote against the
// base store. Deleted rows are exempt: cascading deletes win over concurrent
// updates.
func verifyVersions[T any](o *overlay[T], currentVersion func(id string) (int64, bool)) error {
	for id, observed := range o.baseVersion {
		if o.deleted[id] {
			continue
		}

		version, exists := currentVersion(id)

		if observed == createdMarker {
			if exists {
				return persistence.NewStorageError("Commit", "entity", id, persistence.ErrAlreadyExists)
			}

			continue
		}

		if !exists || version != observed {
			return persistence.NewStorageError("Commit", "entity", id, persistence.ErrOptimisticLock)
		}
	}

	return nil
}

// mergedExecutions builds the transaction's view: base rows minus deletions,
// shadowed by staged rows.
func (t *transaction) mergedExecutions() map[string]*models.Execution {
	t.p.mu.RLock()
	defer t.p.mu.RUnlock()

	merged := make(map[string]*models.Execution, len(t.p.executions))

	for id, execution := range t.p.executions {
		if !t.executions.deleted[id] {
			merged[id] = execution
		}
	}

	for id, execution := range t.executions.staged {
		merged[id] = execution
	}

	return merged
}

func (t *transaction) mergedSubscriptions() map[string]*models.EventSubscription {
	t.p.mu.RLock()
	defer t.p.mu.RUnlock()

	merged := make(map[string]*models.EventSubscription, len(t.p.subscriptions))

	for id, subscription := range t.p.subscriptions {
		if !t.subscriptions.deleted[id] {
			merged[id] = subscription
		}
	}

	for id, subscription := range t.subscriptions.staged {
		merged[id] = subscription
	}

	return merged
}

func (t *transaction) mergedJobs() map[string]*models.Job {
	t.p.mu.RLock()
	defer t.p.mu.RUnlock()

	merged := make(map[string]*models.Job, len(t.p.jobs))

	for id, job := range t.p.jobs {
		if !t.jobs.deleted[id] {
			merged[id] = job
		}
	}

	for id, job := range t.jobs.staged {
		merged[id] = job
	}

	return merged
}

type txExecutionRepository struct {
	t *transaction
}

func (r *txExecutionRepository) Create(_ context.Context, execution *models.Execution) error {
	merged := r.t.mergedExecutions()
	if _, exists := merged[execution.ID]; exists {
		return persistence.NewStorageError("Create", "execution", execution.ID, persistence.ErrAlreadyExists)
	}

	execution.LockVersion = 1
	r.t.executions.staged[execution.ID] = execution.Clone()
	delete(r.t.executions.deleted, execution.ID)
	r.t.executions.trackBase(execution.ID, createdMarker)

	return nil
}

func (r *txExecutionRepository) Update(_ context.Context, execution *models.Execution) error {
	merged := r.t.mergedExecutions()

	current, exists := merged[execution.ID]
	if !exists {
		return persistence.NewStorageError("Update", "execution", execution.ID, persistence.ErrExecutionNotFound)
	}

	if current.LockVersion != execution.LockVersion {
		return persistence.NewStorageError("Update", "execution", execution.ID, persistence.ErrOptimisticLock)
	}

	if _, stagedBefore := r.t.executions.staged[execution.ID]; !stagedBefore {
		r.t.executions.trackBase(execution.ID, current.LockVersion)
	}

	execution.LockVersion++
	r.t.executions.staged[execution.ID] = execution.Clone()

	return nil
}

func (r *txExecutionRepository) Delete(_ context.Context, id string) error {
	merged := r.t.mergedExecutions()
	if _, exists := merged[id]; !exists {
		return persistence.NewStorageError("Delete", "execution", id, persistence.ErrExecutionNotFound)
	}

	delete(r.t.executions.staged, id)
	r.t.executions.deleted[id] = true

	return nil
}

func (r *txExecutionRepository) ByID(_ context.Context, id string) (*models.Execution, error) {
	merged := r.t.mergedExecutions()

	execution, exists := merged[id]
	if !exists {
		return nil, persistence.NewStorageError("ByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (r *txExecutionRepository) ByProcessInstance(_ context.Context, processInstanceID string) ([]*models.Execution, error) {
	return collectExecutions(r.t.mergedExecutions(), func(e *models.Execution) bool {
		return e.ProcessInstanceID == processInstanceID
	}), nil
}

func (r *txExecutionRepository) ChildrenOf(_ context.Context, parentID string) ([]*models.Execution, error) {
	return collectExecutions(r.t.mergedExecutions(), func(e *models.Execution) bool {
		return e.ParentID == parentID
	}), nil
}

func (r *txExecutionRepository) ActiveByActivity(_ context.Context, processInstanceID, activityID string) ([]*models.Execution, error) {
	return collectExecutions(r.t.mergedExecutions(), func(e *models.Execution) bool {
		return e.ProcessInstanceID == processInstanceID && e.CurrentElementID == activityID && e.Active
	}), nil
}

func (r *txExecutionRepository) BySuperExecution(_ context.Context, superExecutionID string) (*models.Execution, error) {
	for _, execution := range r.t.mergedExecutions() {
		if execution.SuperExecutionID == superExecutionID && execution.IsProcessInstanceRoot() {
			return execution.Clone(), nil
		}
	}

	return nil, persistence.NewStorageError("BySuperExecution", "execution", superExecutionID, persistence.ErrExecutionNotFound)
}

type txSubscriptionRepository struct {
	t *transaction
}

func (r *txSubscriptionRepository) Create(_ context.Context, subscription *models.EventSubscription) error {
	merged := r.t.mergedSubscriptions()
	if _, exists := merged[subscription.ID]; exists {
		return persistence.NewStorageError("Create", "subscription", subscription.ID, persistence.ErrAlreadyExists)
	}

	subscription.LockVersion = 1
	r.t.subscriptions.staged[subscription.ID] = cloneSubscription(subscription)
	delete(r.t.subscriptions.deleted, subscription.ID)
	r.t.subscriptions.trackBase(subscription.ID, createdMarker)

	return nil
}

func (r *txSubscriptionRepository) Update(_ context.Context, subscription *models.EventSubscription) error {
	merged := r.t.mergedSubscriptions()

	current, exists := merged[subscription.ID]
	if !exists {
		return persistence.NewStorageError("Update", "subscription", subscription.ID, persistence.ErrSubscriptionNotFound)
	}

	if current.LockVersion != subscription.LockVersion {
		return persistence.NewStorageError("Update", "subscription", subscription.ID, persistence.ErrOptimisticLock)
	}

	if _, stagedBefore := r.t.subscriptions.staged[subscription.ID]; !stagedBefore {
		r.t.subscriptions.trackBase(subscription.ID, current.LockVersion)
	}

	subscription.LockVersion++
	r.t.subscriptions.staged[subscription.ID] = cloneSubscription(subscription)

	return nil
}

func (r *txSubscriptionRepository) Delete(_ context.Context, id string) error {
	merged := r.t.mergedSubscriptions()
	if _, exists := merged[id]; !exists {
		return persistence.NewStorageError("Delete", "subscription", id, persistence.ErrSubscriptionNotFound)
	}

	delete(r.t.subscriptions.staged, id)
	r.t.subscriptions.deleted[id] = true

	return nil
}

func (r *txSubscriptionRepository) ByID(_ context.Context, id string) (*models.EventSubscription, error) {
	merged := r.t.mergedSubscriptions()

	subscription, exists := merged[id]
	if !exists {
		return nil, persistence.NewStorageError("ByID", "subscription", id, persistence.ErrSubscriptionNotFound)
	}

	return cloneSubscription(subscription), nil
}

func (r *txSubscriptionRepository) ByExecution(_ context.Context, executionID string) ([]*models.EventSubscription, error) {
	return collectSubscriptions(r.t.mergedSubscriptions(), func(s *models.EventSubscription) bool {
		return s.ExecutionID == executionID
	}), nil
}

func (r *txSubscriptionRepository) ByExecutionAndType(_ context.Context, executionID string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	return collectSubscriptions(r.t.mergedSubscriptions(), func(s *models.EventSubscription) bool {
		return s.ExecutionID == executionID && s.Type == subType
	}), nil
}

func (r *txSubscriptionRepository) ByNameAndType(_ context.Context, name string, subType models.SubscriptionType, tenantID string) ([]*models.EventSubscription, error) {
	return collectSubscriptions(r.t.mergedSubscriptions(), func(s *models.EventSubscription) bool {
		return s.EventName == name && s.Type == subType && s.TenantID == tenantID
	}), nil
}

func (r *txSubscriptionRepository) ByInstanceNameAndType(_ context.Context, processInstanceID, name string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	return collectSubscriptions(r.t.mergedSubscriptions(), func(s *models.EventSubscription) bool {
		return s.ProcessInstanceID == processInstanceID && s.EventName == name && s.Type == subType
	}), nil
}

func (r *txSubscriptionRepository) ByProcessDefinitionAndType(_ context.Context, processDefinitionID string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	return collectSubscriptions(r.t.mergedSubscriptions(), func(s *models.EventSubscription) bool {
		return s.ProcessDefinitionID == processDefinitionID && s.Type == subType
	}), nil
}

type txJobRepository struct {
	t *transaction
}

func (r *txJobRepository) Create(_ context.Context, job *models.Job) error {
	merged := r.t.mergedJobs()
	if _, exists := merged[job.ID]; exists {
		return persistence.NewStorageError("Create", "job", job.ID, persistence.ErrAlreadyExists)
	}

	job.LockVersion = 1
	r.t.jobs.staged[job.ID] = cloneJob(job)
	delete(r.t.jobs.deleted, job.ID)
	r.t.jobs.trackBase(job.ID, createdMarker)

	return nil
}

func (r *txJobRepository) Update(_ context.Context, job *models.Job) error {
	merged := r.t.mergedJobs()

	current, exists := merged[job.ID]
	if !exists {
		return persistence.NewStorageError("Update", "job", job.ID, persistence.ErrJobNotFound)
	}

	if current.LockVersion != job.LockVersion {
		return persistence.NewStorageError("Update", "job", job.ID, persistence.ErrOptimisticLock)
	}

	if _, stagedBefore := r.t.jobs.staged[job.ID]; !stagedBefore {
		r.t.jobs.trackBase(job.ID, current.LockVersion)
	}

	job.LockVersion++
	r.t.jobs.staged[job.ID] = cloneJob(job)

	return nil
}

func (r *txJobRepository) Delete(_ context.Context, id string) error {
	merged := r.t.mergedJobs()
	if _, exists := merged[id]; !exists {
		return persistence.NewStorageError("Delete", "job", id, persistence.ErrJobNotFound)
	}

	delete(r.t.jobs.staged, id)
	r.t.jobs.deleted[id] = true

	return nil
}

func (r *txJobRepository) ByID(_ context.Context, id string) (*models.Job, error) {
	merged := r.t.mergedJobs()

	job, exists := merged[id]
	if !exists {
		return nil, persistence.NewStorageError("ByID", "job", id, persistence.ErrJobNotFound)
	}

	return cloneJob(job), nil
}

func (r *txJobRepository) Due(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	var due []*models.Job

	for _, job := range r.t.mergedJobs() {
		if job.State != models.JobStatePending || job.DueAt.After(now) || job.Locked(now) {
			continue
		}

		due = append(due, cloneJob(job))
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].DueAt.Before(due[j].DueAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r *txJobRepository) Acquire(ctx context.Context, ids []string, owner string, until time.Time) ([]*models.Job, error) {
	now := time.Now()

	var acquired []*models.Job

	for _, id := range ids {
		job, err := r.ByID(ctx, id)
		if err != nil {
			continue
		}

		if job.Locked(now) {
			continue
		}

		job.LockOwner = owner
		job.LockExpiry = until

		if err := r.Update(ctx, job); err != nil {
			return nil, err
		}

		acquired = append(acquired, job)
	}

	return acquired, nil
}

func (r *txJobRepository) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	released := 0

	for _, job := range r.t.mergedJobs() {
		if job.LockOwner == "" || job.LockExpiry.After(now) {
			continue
		}

		unlocked := cloneJob(job)
		unlocked.LockOwner = ""
		unlocked.LockExpiry = time.Time{}

		if err := r.Update(ctx, unlocked); err != nil {
			return released, err
		}

		released++
	}

	return released, nil
}
