// Package services exposes the engine's external operations: starting
// instances, correlating events, throwing errors and inspecting state.
package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/procession/pkg/bpmnerror"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/dukex/procession/pkg/subscription"
)

// Process is the command facade over the runtime engine. Every method is one
// atomic command.
type Process struct {
	engine  *runtime.Engine
	manager *subscription.Manager
	logger  *slog.Logger
}

func NewProcess(engine *runtime.Engine, manager *subscription.Manager, logger *slog.Logger) *Process {
	return &Process{
		engine:  engine,
		manager: manager,
		logger:  logger.With("module", "process_service"),
	}
}

// StartInstance starts a process instance of the given definition key,
// resolving the latest version when version is zero, and continues it at its
// plain start event.
func (s *Process) StartInstance(ctx context.Context, key string, version int, tenantID string, variables map[string]any) (*models.Execution, error) {
	var (
		definition *models.ProcessDefinition
		err        error
	)

	if version > 0 {
		definition, err = s.engine.Persistence().Definitions().ByKeyAndVersion(ctx, key, version, tenantID)
	} else {
		definition, err = s.engine.Persistence().Definitions().LatestByKey(ctx, key, tenantID)
	}

	if err != nil {
		return nil, err
	}

	var root *models.Execution

	err = s.engine.RunCommand(ctx, "start-process-instance", func(cc *runtime.CommandContext) error {
		root, err = launchInstance(cc, definition, noneStartEvent(definition), nil, variables)

		return err
	})
	if err != nil {
		return nil, err
	}

	return root, nil
}

// CorrelateMessage delivers a message. With a process instance id the message
// is correlated against that instance's subscriptions; without one it starts
// a new instance of the definition holding the matching start-message
// subscription.
func (s *Process) CorrelateMessage(ctx context.Context, name, processInstanceID, tenantID string, variables map[string]any, async bool) error {
	return s.engine.RunCommand(ctx, "correlate-message", func(cc *runtime.CommandContext) error {
		if processInstanceID != "" {
			return s.manager.FireMessage(cc, name, processInstanceID, async)
		}

		return s.startByEvent(cc, name, models.SubscriptionMessage, tenantID, variables, false)
	})
}

// BroadcastSignal delivers a signal to every matching subscription of the
// tenant, or of one instance when processInstanceID is given. Start-signal
// subscriptions each launch a new instance.
func (s *Process) BroadcastSignal(ctx context.Context, name, tenantID, processInstanceID string, variables map[string]any, async bool) error {
	return s.engine.RunCommand(ctx, "broadcast-signal", func(cc *runtime.CommandContext) error {
		if err := s.manager.FireSignal(cc, name, tenantID, processInstanceID, async); err != nil {
			return err
		}

		if processInstanceID != "" {
			return nil
		}

		return s.startByEvent(cc, name, models.SubscriptionSignal, tenantID, variables, true)
	})
}

// startByEvent launches instances from start subscriptions matching the
// event name. Messages address exactly one definition; signals fan out to
// every subscribed definition.
func (s *Process) startByEvent(cc *runtime.CommandContext, name string, subType models.SubscriptionType, tenantID string, variables map[string]any, all bool) error {
	matches, err := cc.Subscriptions.ByNameAndType(cc.Context, name, subType, tenantID)
	if err != nil {
		return err
	}

	started := false

	for _, match := range matches {
		if !match.IsStartSubscription() {
			continue
		}

		definition, err := cc.Definitions.ByID(cc.Context, match.ProcessDefinitionID)
		if err != nil {
			return err
		}

		start := definition.ElementByID(match.ActivityID)

		if _, err := launchInstance(cc, definition, start, nil, variables); err != nil {
			return err
		}

		started = true

		if !all {
			return nil
		}
	}

	if !started && !all {
		return &subscription.NoSubscriptionError{EventName: name, Type: subType}
	}

	return nil
}

// ThrowError raises a business error on an execution and routes it through
// the catching hierarchy. The unhandled case surfaces as
// bpmnerror.NoHandlerError and rolls the command back.
func (s *Process) ThrowError(ctx context.Context, executionID, errorCode string) error {
	return s.engine.RunCommand(ctx, "throw-error", func(cc *runtime.CommandContext) error {
		execution, err := cc.Executions.ByID(cc.Context, executionID)
		if err != nil {
			return err
		}

		return bpmnerror.PropagateError(cc, errorCode, execution)
	})
}

// ThrowFault raises a technical fault on an execution. The fault is mapped to
// a business error through the activity's exception mappings; an unmapped
// fault is returned to the caller unmodified.
func (s *Process) ThrowFault(ctx context.Context, executionID string, fault *models.Fault) error {
	return s.engine.RunCommand(ctx, "throw-fault", func(cc *runtime.CommandContext) error {
		execution, err := cc.Executions.ByID(cc.Context, executionID)
		if err != nil {
			return err
		}

		return bpmnerror.PropagateFault(cc, fault, execution)
	})
}

// Engine exposes the runtime engine for transports that drive commands
// directly, like the migration endpoint.
func (s *Process) Engine() *runtime.Engine {
	return s.engine
}

// InstanceState returns every execution of a process instance.
func (s *Process) InstanceState(ctx context.Context, processInstanceID string) ([]*models.Execution, error) {
	executions, err := s.engine.Persistence().Executions().ByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}

	if len(executions) == 0 {
		return nil, persistence.NewStorageError("InstanceState", "execution", processInstanceID, persistence.ErrExecutionNotFound)
	}

	return executions, nil
}

// InstanceSubscriptions returns the pending event subscriptions anchored
// anywhere in a process instance's execution tree.
func (s *Process) InstanceSubscriptions(ctx context.Context, processInstanceID string) ([]*models.EventSubscription, error) {
	executions, err := s.InstanceState(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}

	subscriptions := []*models.EventSubscription{}

	for _, execution := range executions {
		subs, err := s.engine.Persistence().Subscriptions().ByExecution(ctx, execution.ID)
		if err != nil {
			return nil, err
		}

		subscriptions = append(subscriptions, subs...)
	}

	return subscriptions, nil
}

// HealthCheck reports storage health.
func (s *Process) HealthCheck(ctx context.Context) (string, bool) {
	if err := s.engine.Persistence().HealthCheck(ctx); err != nil {
		return err.Error(), false
	}

	return "ok", true
}

// launchInstance starts an instance and plans continuation at the given
// start event, when the definition declares one.
func launchInstance(cc *runtime.CommandContext, definition *models.ProcessDefinition, start *models.FlowElement, superExecution *models.Execution, variables map[string]any) (*models.Execution, error) {
	root, err := runtime.StartProcessInstance(cc, definition, superExecution, variables)
	if err != nil {
		return nil, err
	}

	if start == nil {
		return root, nil
	}

	child, err := runtime.CreateChildExecution(cc, root)
	if err != nil {
		return nil, err
	}

	child.CurrentElementID = start.ID
	if err := cc.Executions.Update(cc.Context, child); err != nil {
		return nil, err
	}

	cc.Agenda.PlanContinueProcess(child.ID)

	return root, nil
}

// noneStartEvent picks the first process-level start event without an event
// definition.
func noneStartEvent(definition *models.ProcessDefinition) *models.FlowElement {
	for _, start := range definition.ProcessStartEvents() {
		if start.Event == nil {
			return start
		}
	}

	return nil
}

// IsNotFound reports whether an error from this service is a missing entity.
func IsNotFound(err error) bool {
	return persistence.IsNotFound(err)
}

// IsNoHandler reports whether a thrown error found no catching element.
func IsNoHandler(err error) bool {
	var noHandler *bpmnerror.NoHandlerError

	return errors.As(err, &noHandler)
}
