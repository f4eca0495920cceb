package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
)

type executionRepository struct {
	p *Persistence
}

func (r *executionRepository) Create(_ context.Context, execution *models.Execution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, exists := r.p.executions[execution.ID]; exists {
		return persistence.NewStorageError("Create", "execution", execution.ID, persistence.ErrAlreadyExists)
	}

	execution.LockVersion = 1
	r.p.executions[execution.ID] = execution.Clone()

	return nil
}

func (r *executionRepository) Update(_ context.Context, execution *models.Execution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	current, exists := r.p.executions[execution.ID]
	if !exists {
		return persistence.NewStorageError("Update", "execution", execution.ID, persistence.ErrExecutionNotFound)
	}

	if current.LockVersion != execution.LockVersion {
		return persistence.NewStorageError("Update", "execution", execution.ID, persistence.ErrOptimisticLock)
	}

	execution.LockVersion++
	r.p.executions[execution.ID] = execution.Clone()

	return nil
}

func (r *executionRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, exists := r.p.executions[id]; !exists {
		return persistence.NewStorageError("Delete", "execution", id, persistence.ErrExecutionNotFound)
	}

	delete(r.p.executions, id)

	return nil
}

func (r *executionRepository) ByID(_ context.Context, id string) (*models.Execution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	execution, exists := r.p.executions[id]
	if !exists {
		return nil, persistence.NewStorageError("ByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (r *executionRepository) ByProcessInstance(_ context.Context, processInstanceID string) ([]*models.Execution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return collectExecutions(r.p.executions, func(e *models.Execution) bool {
		return e.ProcessInstanceID == processInstanceID
	}), nil
}

func (r *executionRepository) ChildrenOf(_ context.Context, parentID string) ([]*models.Execution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return collectExecutions(r.p.executions, func(e *models.Execution) bool {
		return e.ParentID == parentID
	}), nil
}

func (r *executionRepository) ActiveByActivity(_ context.Context, processInstanceID, activityID string) ([]*models.Execution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return collectExecutions(r.p.executions, func(e *models.Execution) bool {
		return e.ProcessInstanceID == processInstanceID && e.CurrentElementID == activityID && e.Active
	}), nil
}

func (r *executionRepository) BySuperExecution(_ context.Context, superExecutionID string) (*models.Execution, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, execution := range r.p.executions {
		if execution.SuperExecutionID == superExecutionID && execution.IsProcessInstanceRoot() {
			return execution.Clone(), nil
		}
	}

	return nil, persistence.NewStorageError("BySuperExecution", "execution", superExecutionID, persistence.ErrExecutionNotFound)
}

func collectExecutions(store map[string]*models.Execution, match func(*models.Execution) bool) []*models.Execution {
	var result []*models.Execution

	for _, execution := range store {
		if match(execution) {
			result = append(result, execution.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}

		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result
}

type subscriptionRepository struct {
	p *Persistence
}

func (r *subscriptionRepository) Create(_ context.Context, subscription *models.EventSubscription) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, exists := r.p.subscriptions[subscription.ID]; exists {
		return persistence.NewStorageError("Create", "subscription", subscription.ID, persistence.ErrAlreadyExists)
	}

	subscription.LockVersion = 1
	r.p.subscriptions[subscription.ID] = cloneSubscription(subscription)

	return nil
}

func (r *subscriptionRepository) Update(_ context.Context, subscription *models.EventSubscription) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	current, exists := r.p.subscriptions[subscription.ID]
	if !exists {
		return persistence.NewStorageError("Update", "subscription", subscription.ID, persistence.ErrSubscriptionNotFound)
	}

	if current.LockVersion != subscription.LockVersion {
		return persistence.NewStorageError("Update", "subscription", subscription.ID, persistence.ErrOptimisticLock)
	}

	subscription.LockVersion++
	r.p.subscriptions[subscription.ID] = cloneSubscription(subscription)

	return nil
}

func (r *subscriptionRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, exists := r.p.subscriptions[id]; !exists {
		return persistence.NewStorageError("Delete", "subscription", id, persistence.ErrSubscriptionNotFound)
	}

	delete(r.p.subscriptions, id)

	return nil
}

func (r *subscriptionRepository) ByID(_ context.Context, id string) (*models.EventSubscription, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	subscription, exists := r.p.subscriptions[id]
	if !exists {
		return nil, persistence.NewStorageError("ByID", "subscription", id, persistence.ErrSubscriptionNotFound)
	}

	return cloneSubscription(subscription), nil
}

func (r *subscriptionRepository) ByExecution(_ context.Context, executionID string) ([]*models.EventSubscription, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return collectSubscriptions(r.p.subscriptions, func(s *models.EventSubscription) bool {
		return s.ExecutionID == executionID
	}), nil
}

func (r *subscriptionRepository) ByExecutionAndType(_ context.Context, executionID string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return collectSubscriptions(r.p.subscriptions, func(s *models.EventSubscription) bool {
		return s.ExecutionID == executionID && s.Type == subType
	}), nil
}

func (r *subscriptionRepository) ByNameAndType(_ context.Context, name string, subType models.SubscriptionType, tenantID string) ([]*models.EventSubscription, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return collectSubscriptions(r.p.subscriptions, func(s *models.EventSubscription) bool {
		return s.EventName == name && s.Type == subType && s.TenantID == tenantID
	}), nil
}

func (r *subscriptionRepository) ByInstanceNameAndType(_ context.Context, processInstanceID, name string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return collectSubscriptions(r.p.subscriptions, func(s *models.EventSubscription) bool {
		return s.ProcessInstanceID == processInstanceID && s.EventName == name && s.Type == subType
	}), nil
}

func (r *subscriptionRepository) ByProcessDefinitionAndType(_ context.Context, processDefinitionID string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return collectSubscriptions(r.p.subscriptions, func(s *models.EventSubscription) bool {
		return s.ProcessDefinitionID == processDefinitionID && s.Type == subType
	}), nil
}

func collectSubscriptions(store map[string]*models.EventSubscription, match func(*models.EventSubscription) bool) []*models.EventSubscription {
	var result []*models.EventSubscription

	for _, subscription := range store {
		if match(subscription) {
			result = append(result, cloneSubscription(subscription))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}

		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result
}

type definitionRepository struct {
	p *Persistence
}

func (r *definitionRepository) Save(_ context.Context, definition *models.ProcessDefinition) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, exists := r.p.definitions[definition.ID]; exists {
		return persistence.NewStorageError("Save", "definition", definition.ID, persistence.ErrAlreadyExists)
	}

	r.p.definitions[definition.ID] = definition

	return nil
}

func (r *definitionRepository) ByID(_ context.Context, id string) (*models.ProcessDefinition, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	definition, exists := r.p.definitions[id]
	if !exists {
		return nil, persistence.NewStorageError("ByID", "definition", id, persistence.ErrDefinitionNotFound)
	}

	return definition, nil
}

func (r *definitionRepository) LatestByKey(_ context.Context, key, tenantID string) (*models.ProcessDefinition, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var latest *models.ProcessDefinition

	for _, definition := range r.p.definitions {
		if definition.Key != key || definition.TenantID != tenantID {
			continue
		}

		if latest == nil || definition.Version > latest.Version {
			latest = definition
		}
	}

	if latest == nil {
		return nil, persistence.NewStorageError("LatestByKey", "definition", key, persistence.ErrDefinitionNotFound)
	}

	return latest, nil
}

func (r *definitionRepository) ByKeyAndVersion(_ context.Context, key string, version int, tenantID string) (*models.ProcessDefinition, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, definition := range r.p.definitions {
		if definition.Key == key && definition.Version == version && definition.TenantID == tenantID {
			return definition, nil
		}
	}

	return nil, persistence.NewStorageError("ByKeyAndVersion", "definition", key, persistence.ErrDefinitionNotFound)
}

type jobRepository struct {
	p *Persistence
}

func (r *jobRepository) Create(_ context.Context, job *models.Job) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, exists := r.p.jobs[job.ID]; exists {
		return persistence.NewStorageError("Create", "job", job.ID, persistence.ErrAlreadyExists)
	}

	job.LockVersion = 1
	r.p.jobs[job.ID] = cloneJob(job)

	return nil
}

func (r *jobRepository) Update(_ context.Context, job *models.Job) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	current, exists := r.p.jobs[job.ID]
	if !exists {
		return persistence.NewStorageError("Update", "job", job.ID, persistence.ErrJobNotFound)
	}

	if current.LockVersion != job.LockVersion {
		return persistence.NewStorageError("Update", "job", job.ID, persistence.ErrOptimisticLock)
	}

	job.LockVersion++
	r.p.jobs[job.ID] = cloneJob(job)

	return nil
}

func (r *jobRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, exists := r.p.jobs[id]; !exists {
		return persistence.NewStorageError("Delete", "job", id, persistence.ErrJobNotFound)
	}

	delete(r.p.jobs, id)

	return nil
}

func (r *jobRepository) ByID(_ context.Context, id string) (*models.Job, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	job, exists := r.p.jobs[id]
	if !exists {
		return nil, persistence.NewStorageError("ByID", "job", id, persistence.ErrJobNotFound)
	}

	return cloneJob(job), nil
}

func (r *jobRepository) Due(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var due []*models.Job

	for _, job := range r.p.jobs {
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

func (r *jobRepository) Acquire(_ context.Context, ids []string, owner string, until time.Time) ([]*models.Job, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now()

	var acquired []*models.Job

	for _, id := range ids {
		job, exists := r.p.jobs[id]
		if !exists || job.Locked(now) {
			continue
		}

		job.LockOwner = owner
		job.LockExpiry = until
		job.LockVersion++

		acquired = append(acquired, cloneJob(job))
	}

	return acquired, nil
}

func (r *jobRepository) ReleaseExpired(_ context.Context, now time.Time) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	released := 0

	for _, job := range r.p.jobs {
		if job.LockOwner == "" || job.LockExpiry.After(now) {
			continue
		}

		job.LockOwner = ""
		job.LockExpiry = time.Time{}
		job.LockVersion++
		released++
	}

	return released, nil
}
