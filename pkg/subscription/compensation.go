package subscription

import (
	"fmt"
	"sort"
	"time"

	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/google/uuid"
)

// ThrowCompensationEvent fires the given compensation subscriptions. Every
// subscription is first guaranteed a configured compensating execution (a
// snapshot created when its scope completed, or a fresh child spawned here),
// then notification runs in reverse creation order: the last-registered
// compensation runs first.
func (m *Manager) ThrowCompensationEvent(cc *runtime.CommandContext, subscriptions []*models.EventSubscription, fromExecution *models.Execution, async bool) error {
	armed := make([]*models.EventSubscription, 0, len(subscriptions))

	for _, subscription := range subscriptions {
		if subscription.Configuration == "" {
			if err := m.armCompensation(cc, subscription, fromExecution); err != nil {
				return err
			}
		}

		armed = append(armed, subscription)
	}

	sort.SliceStable(armed, func(i, j int) bool {
		return armed[i].CreatedAt.After(armed[j].CreatedAt)
	})

	for _, subscription := range armed {
		if err := m.notifyCompensation(cc, subscription, async); err != nil {
			return err
		}
	}

	return nil
}

// armCompensation gives a subscription its compensating execution: a new
// child under the subscription's anchor.
func (m *Manager) armCompensation(cc *runtime.CommandContext, subscription *models.EventSubscription, fromExecution *models.Execution) error {
	anchorID := subscription.ExecutionID
	if anchorID == "" {
		anchorID = fromExecution.ID
	}

	anchor, err := cc.Executions.ByID(cc.Context, anchorID)
	if err != nil {
		return fmt.Errorf("compensation subscription %s has no resolvable anchor: %w", subscription.ID, err)
	}

	compensating, err := runtime.CreateChildExecution(cc, anchor)
	if err != nil {
		return err
	}

	subscription.Configuration = compensating.ID

	return cc.Subscriptions.Update(cc.Context, subscription)
}

func (m *Manager) notifyCompensation(cc *runtime.CommandContext, subscription *models.EventSubscription, async bool) error {
	if err := cc.Subscriptions.Delete(cc.Context, subscription.ID); err != nil {
		return err
	}

	triggered := events.CompensationTriggered{
		BaseEvent:   events.NewBaseEvent(events.CompensationTriggeredEvent, subscription.ProcessInstanceID),
		ExecutionID: subscription.Configuration,
		ActivityID:  subscription.ActivityID,
	}
	triggered.TenantID = subscription.TenantID
	cc.PublishEvent(triggered)

	if async {
		job := &models.Job{
			ID:                uuid.New().String(),
			Type:              JobTypeFireCompensation,
			ProcessInstanceID: subscription.ProcessInstanceID,
			ExecutionID:       subscription.Configuration,
			TenantID:          subscription.TenantID,
			Payload:           map[string]any{"activity_id": subscription.ActivityID},
			DueAt:             time.Now(),
			Retries:           3,
			State:             models.JobStatePending,
			CreatedAt:         time.Now(),
		}

		return cc.Jobs.Create(cc.Context, job)
	}

	compensating, err := cc.Executions.ByID(cc.Context, subscription.Configuration)
	if err != nil {
		return fmt.Errorf("compensating execution %s missing for subscription %s: %w", subscription.Configuration, subscription.ID, err)
	}

	compensating.CurrentElementID = subscription.ActivityID
	if err := cc.Executions.Update(cc.Context, compensating); err != nil {
		return err
	}

	cc.Agenda.PlanTriggerExecution(compensating.ID)

	return nil
}

// CreateCompensationSnapshot preserves a completing scope for later
// compensation. The scope's local variables are copied by value onto a
// passive event-scope execution under the process instance root, every
// pending compensation subscription of the scope is re-homed onto that
// snapshot with its original creation time intact, and one new
// process-instance-level compensation subscription points at the snapshot.
// Returns nil when the scope holds no compensation subscriptions.
func (m *Manager) CreateCompensationSnapshot(cc *runtime.CommandContext, scope *models.Execution) (*models.Execution, error) {
	pending, err := cc.Subscriptions.ByExecutionAndType(cc.Context, scope.ID, models.SubscriptionCompensation)
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return nil, nil
	}

	root, err := runtime.InstanceRootOf(cc, scope)
	if err != nil {
		return nil, err
	}

	snapshot, err := runtime.CreateChildExecution(cc, root)
	if err != nil {
		return nil, err
	}

	snapshot.Active = false
	snapshot.EventScope = true
	snapshot.CurrentElementID = scope.CurrentElementID
	snapshot.Variables = models.CloneVariables(scope.Variables)

	if err := cc.Executions.Update(cc.Context, snapshot); err != nil {
		return nil, err
	}

	for _, subscription := range pending {
		subscription.ExecutionID = snapshot.ID
		if err := cc.Subscriptions.Update(cc.Context, subscription); err != nil {
			return nil, err
		}
	}

	instanceLevel := &models.EventSubscription{
		ID:                  uuid.New().String(),
		Type:                models.SubscriptionCompensation,
		ActivityID:          scope.CurrentElementID,
		ExecutionID:         root.ID,
		ProcessInstanceID:   root.ProcessInstanceID,
		Configuration:       snapshot.ID,
		ProcessDefinitionID: scope.ProcessDefinitionID,
		TenantID:            scope.TenantID,
		CreatedAt:           time.Now(),
	}

	if err := cc.Subscriptions.Create(cc.Context, instanceLevel); err != nil {
		return nil, err
	}

	event := events.SubscriptionCreated{
		BaseEvent:        events.NewBaseEvent(events.SubscriptionCreatedEvent, root.ProcessInstanceID),
		SubscriptionID:   instanceLevel.ID,
		SubscriptionType: string(models.SubscriptionCompensation),
		ActivityID:       scope.CurrentElementID,
	}
	event.TenantID = scope.TenantID
	cc.PublishEvent(event)

	return snapshot, nil
}
