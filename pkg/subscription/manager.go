package subscription

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/google/uuid"
)

// Job types for deferred (async) notification of subscriptions.
const (
	JobTypeTriggerSubscription = "subscription.trigger"
	JobTypeFireCompensation    = "compensation.fire"
)

// Manager creates, resolves and fires event subscriptions.
type Manager struct {
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With("module", "subscription_manager"),
	}
}

// OnDefinitionDeployed registers start-event subscriptions for a newly
// persisted process-definition version. Subscriptions owned by the previous
// version of the same key and tenant are removed first. A second active
// start-message subscription with the same resolved name anywhere aborts the
// deployment.
func (m *Manager) OnDefinitionDeployed(cc *runtime.CommandContext, definition, previous *models.ProcessDefinition) error {
	if previous != nil {
		for _, subType := range []models.SubscriptionType{models.SubscriptionMessage, models.SubscriptionSignal} {
			if err := m.removeStartSubscriptions(cc, previous.ID, subType); err != nil {
				return err
			}
		}
	}

	for _, start := range definition.ProcessStartEvents() {
		if start.Event == nil {
			continue
		}

		switch start.Event.Kind {
		case models.EventMessage:
			if err := m.registerStartMessage(cc, definition, start); err != nil {
				return err
			}
		case models.EventSignal:
			// Signals may have any number of independent start subscribers.
			name := definition.ResolveSignalName(start.Event.Ref)
			if err := m.createStartSubscription(cc, definition, start, models.SubscriptionSignal, name); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) removeStartSubscriptions(cc *runtime.CommandContext, definitionID string, subType models.SubscriptionType) error {
	stale, err := cc.Subscriptions.ByProcessDefinitionAndType(cc.Context, definitionID, subType)
	if err != nil {
		return err
	}

	for _, subscription := range stale {
		if !subscription.IsStartSubscription() {
			continue
		}

		if err := cc.Subscriptions.Delete(cc.Context, subscription.ID); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) registerStartMessage(cc *runtime.CommandContext, definition *models.ProcessDefinition, start *models.FlowElement) error {
	name := definition.ResolveMessageName(start.Event.Ref)

	existing, err := cc.Subscriptions.ByNameAndType(cc.Context, name, models.SubscriptionMessage, definition.TenantID)
	if err != nil {
		return err
	}

	for _, subscription := range existing {
		if subscription.IsStartSubscription() {
			return &ConflictError{EventName: name, ExistingDefinitionID: subscription.ProcessDefinitionID}
		}
	}

	return m.createStartSubscription(cc, definition, start, models.SubscriptionMessage, name)
}

func (m *Manager) createStartSubscription(cc *runtime.CommandContext, definition *models.ProcessDefinition, start *models.FlowElement, subType models.SubscriptionType, name string) error {
	subscription := &models.EventSubscription{
		ID:                  uuid.New().String(),
		Type:                subType,
		EventName:           name,
		ActivityID:          start.ID,
		Configuration:       definition.ID,
		ProcessDefinitionID: definition.ID,
		TenantID:            definition.TenantID,
		CreatedAt:           time.Now(),
	}

	if err := cc.Subscriptions.Create(cc.Context, subscription); err != nil {
		return fmt.Errorf("failed to register start subscription for %q: %w", name, err)
	}

	event := events.SubscriptionCreated{
		BaseEvent:        events.NewBaseEvent(events.SubscriptionCreatedEvent, ""),
		SubscriptionID:   subscription.ID,
		SubscriptionType: string(subType),
		EventName:        name,
		ActivityID:       start.ID,
	}
	event.TenantID = definition.TenantID
	cc.PublishEvent(event)

	return nil
}

// CreateSubscription arms a catching element on a running execution, e.g.
// when a scope containing a boundary or intermediate catch is entered.
func (m *Manager) CreateSubscription(cc *runtime.CommandContext, execution *models.Execution, subType models.SubscriptionType, name, activityID string) (*models.EventSubscription, error) {
	subscription := &models.EventSubscription{
		ID:                  uuid.New().String(),
		Type:                subType,
		EventName:           name,
		ActivityID:          activityID,
		ExecutionID:         execution.ID,
		ProcessInstanceID:   execution.ProcessInstanceID,
		ProcessDefinitionID: execution.ProcessDefinitionID,
		TenantID:            execution.TenantID,
		CreatedAt:           time.Now(),
	}

	if err := cc.Subscriptions.Create(cc.Context, subscription); err != nil {
		return nil, err
	}

	event := events.SubscriptionCreated{
		BaseEvent:        events.NewBaseEvent(events.SubscriptionCreatedEvent, execution.ProcessInstanceID),
		SubscriptionID:   subscription.ID,
		SubscriptionType: string(subType),
		EventName:        name,
		ActivityID:       activityID,
	}
	event.TenantID = execution.TenantID
	cc.PublishEvent(event)

	return subscription, nil
}

// FireMessage notifies the message subscriptions matching name inside one
// process instance. Message correlation is always instance-scoped. Each match
// is notified exactly once.
func (m *Manager) FireMessage(cc *runtime.CommandContext, name, processInstanceID string, async bool) error {
	matches, err := cc.Subscriptions.ByInstanceNameAndType(cc.Context, processInstanceID, name, models.SubscriptionMessage)
	if err != nil {
		return err
	}

	for _, subscription := range matches {
		if err := m.notify(cc, subscription, async); err != nil {
			return err
		}
	}

	return nil
}

// FireSignal notifies signal subscriptions matching name: scoped to one
// process instance when processInstanceID is given, otherwise broadcast
// across all instances of the tenant.
func (m *Manager) FireSignal(cc *runtime.CommandContext, name, tenantID, processInstanceID string, async bool) error {
	var (
		matches []*models.EventSubscription
		err     error
	)

	if processInstanceID != "" {
		matches, err = cc.Subscriptions.ByInstanceNameAndType(cc.Context, processInstanceID, name, models.SubscriptionSignal)
	} else {
		matches, err = cc.Subscriptions.ByNameAndType(cc.Context, name, models.SubscriptionSignal, tenantID)
	}

	if err != nil {
		return err
	}

	for _, subscription := range matches {
		if subscription.IsStartSubscription() {
			continue
		}

		if err := m.notify(cc, subscription, async); err != nil {
			return err
		}
	}

	return nil
}

// notify consumes a subscription: the row is removed and the anchored
// execution is triggered, inline or through the job path.
func (m *Manager) notify(cc *runtime.CommandContext, subscription *models.EventSubscription, async bool) error {
	if err := cc.Subscriptions.Delete(cc.Context, subscription.ID); err != nil {
		return err
	}

	consumed := events.SubscriptionConsumed{
		BaseEvent:        events.NewBaseEvent(events.SubscriptionConsumedEvent, subscription.ProcessInstanceID),
		SubscriptionID:   subscription.ID,
		SubscriptionType: string(subscription.Type),
		EventName:        subscription.EventName,
	}
	consumed.TenantID = subscription.TenantID
	cc.PublishEvent(consumed)

	if async {
		job := &models.Job{
			ID:                uuid.New().String(),
			Type:              JobTypeTriggerSubscription,
			ProcessInstanceID: subscription.ProcessInstanceID,
			ExecutionID:       subscription.ExecutionID,
			TenantID:          subscription.TenantID,
			DueAt:             time.Now(),
			Retries:           3,
			State:             models.JobStatePending,
			CreatedAt:         time.Now(),
		}

		return cc.Jobs.Create(cc.Context, job)
	}

	cc.Agenda.PlanTriggerExecution(subscription.ExecutionID)

	return nil
}
