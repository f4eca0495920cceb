package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/procession/pkg/eventbus"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/otelhelper"
	"github.com/dukex/procession/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Behavior is an activity-type hook invoked when the agenda continues or
// triggers an execution. Per-activity execution semantics live behind these
// hooks; the engine itself only routes tokens.
type Behavior func(cc *CommandContext, execution *models.Execution) error

// Engine runs commands: each external operation maps to exactly one command
// that mutates the tree through the agenda and commits (or fails) as a unit.
type Engine struct {
	persistence persistence.Persistence
	bus         eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer

	continueBehaviors map[models.ElementType]Behavior
	triggerBehaviors  map[models.ElementType]Behavior
}

// NewEngine creates an engine over the given persistence layer. The bus may
// be nil; domain events are then dropped after commit.
func NewEngine(p persistence.Persistence, bus eventbus.EventPublisher, logger *slog.Logger) *Engine {
	return &Engine{
		persistence:       p,
		bus:               bus,
		logger:            logger.With("module", "runtime"),
		continueBehaviors: make(map[models.ElementType]Behavior),
		triggerBehaviors:  make(map[models.ElementType]Behavior),
	}
}

// WithTracer enables span creation around command execution.
func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer

	return e
}

// OnContinue registers the behavior invoked when an execution at an element
// of the given type is continued.
func (e *Engine) OnContinue(elementType models.ElementType, behavior Behavior) {
	e.continueBehaviors[elementType] = behavior
}

// OnTrigger registers the behavior invoked when an execution at an element of
// the given type is triggered.
func (e *Engine) OnTrigger(elementType models.ElementType, behavior Behavior) {
	e.triggerBehaviors[elementType] = behavior
}

// Persistence exposes the engine's storage handle for read-only callers.
func (e *Engine) Persistence() persistence.Persistence {
	return e.persistence
}

// RunCommand opens one command: a transaction, a fresh agenda and a command
// context handed to seed. After seed returns, the agenda is drained
// synchronously until empty; then the transaction commits and buffered domain
// events are flushed to the bus. Any error rolls everything back; the caller
// never observes a partially applied command.
func (e *Engine) RunCommand(ctx context.Context, name string, seed func(cc *CommandContext) error) error {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "command."+name,
			attribute.String(otelhelper.CommandNameKey, name))
		defer span.End()
	}

	tx, err := e.persistence.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin command %s: %w", name, err)
	}

	cc := &CommandContext{
		Context:       ctx,
		Executions:    tx.Executions(),
		Subscriptions: tx.Subscriptions(),
		Jobs:          tx.Jobs(),
		Definitions:   e.persistence.Definitions(),
		Agenda:        NewAgenda(),
		Logger:        e.logger.With("command", name),
	}

	if err := seed(cc); err != nil {
		e.rollback(ctx, tx, name)

		if span != nil {
			otelhelper.SetError(span, err)
		}

		return err
	}

	if err := e.drainAgenda(cc); err != nil {
		e.rollback(ctx, tx, name)

		if span != nil {
			otelhelper.SetError(span, err)
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit command %s: %w", name, err)
	}

	e.flushEvents(ctx, cc)

	return nil
}

func (e *Engine) rollback(ctx context.Context, tx persistence.Transaction, name string) {
	if err := tx.Rollback(ctx); err != nil {
		e.logger.ErrorContext(ctx, "Failed to roll back command", "command", name, "error", err)
	}
}

// drainAgenda executes pending operations in enqueue order until none remain.
// Operations may enqueue further operations; cascades therefore apply
// deterministically within the one command.
func (e *Engine) drainAgenda(cc *CommandContext) error {
	for {
		operation, ok := cc.Agenda.Pop()
		if !ok {
			return nil
		}

		if err := e.executeOperation(cc, operation); err != nil {
			return err
		}
	}
}

func (e *Engine) executeOperation(cc *CommandContext, operation Operation) error {
	switch operation.Kind {
	case OpContinueProcess:
		return e.continueProcess(cc, operation)
	case OpTriggerExecution:
		return e.triggerExecution(cc, operation)
	case OpDestroyScope:
		return e.destroyScope(cc, operation)
	case OpDeleteExecution:
		return e.deleteExecution(cc, operation)
	default:
		return fmt.Errorf("unknown agenda operation %q", operation.Kind)
	}
}

func (e *Engine) continueProcess(cc *CommandContext, operation Operation) error {
	execution, err := cc.Executions.ByID(cc.Context, operation.ExecutionID)
	if err != nil {
		return err
	}

	if execution.EventScope {
		return fmt.Errorf("execution %s is an event scope and cannot be continued", execution.ID)
	}

	if !execution.Active {
		execution.Active = true
		if err := cc.Executions.Update(cc.Context, execution); err != nil {
			return err
		}
	}

	return e.invokeBehavior(cc, e.continueBehaviors, execution)
}

func (e *Engine) triggerExecution(cc *CommandContext, operation Operation) error {
	execution, err := cc.Executions.ByID(cc.Context, operation.ExecutionID)
	if err != nil {
		return err
	}

	definition, err := cc.DefinitionOf(execution)
	if err != nil {
		return err
	}

	element := definition.ElementByID(execution.CurrentElementID)

	// An interrupting boundary event cancels the activity it is attached to
	// before its own path runs.
	if element != nil && element.Type == models.ElementBoundaryEvent && element.Interrupting {
		if err := e.cancelAttachedActivity(cc, execution, element.AttachedToID); err != nil {
			return err
		}
	}

	if !execution.Active {
		execution.Active = true
		if err := cc.Executions.Update(cc.Context, execution); err != nil {
			return err
		}
	}

	return e.invokeBehavior(cc, e.triggerBehaviors, execution)
}

func (e *Engine) cancelAttachedActivity(cc *CommandContext, boundary *models.Execution, activityID string) error {
	attached, err := cc.Executions.ActiveByActivity(cc.Context, boundary.ProcessInstanceID, activityID)
	if err != nil {
		return err
	}

	for _, execution := range attached {
		if execution.ID == boundary.ID {
			continue
		}

		// Deleting one attached execution may have cascaded into another in
		// the set: a multi-instance root and its iterations all sit at the
		// same activity id. Re-fetch so already-deleted rows are skipped.
		current, err := cc.Executions.ByID(cc.Context, execution.ID)
		if err != nil {
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				continue
			}

			return err
		}

		reason := fmt.Sprintf("interrupted by boundary event %s", boundary.CurrentElementID)
		if err := DeleteExecutionAndRelatedData(cc, current, reason); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) destroyScope(cc *CommandContext, operation Operation) error {
	scope, err := cc.Executions.ByID(cc.Context, operation.ExecutionID)
	if err != nil {
		return err
	}

	children, err := cc.Executions.ChildrenOf(cc.Context, scope.ID)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := DeleteExecutionAndRelatedData(cc, child, operation.Reason); err != nil {
			return err
		}
	}

	if err := deleteSubscriptionsOf(cc, scope.ID); err != nil {
		return err
	}

	scope.Active = false

	return cc.Executions.Update(cc.Context, scope)
}

func (e *Engine) deleteExecution(cc *CommandContext, operation Operation) error {
	execution, err := cc.Executions.ByID(cc.Context, operation.ExecutionID)
	if err != nil {
		return err
	}

	return DeleteExecutionAndRelatedData(cc, execution, operation.Reason)
}

func (e *Engine) invokeBehavior(cc *CommandContext, behaviors map[models.ElementType]Behavior, execution *models.Execution) error {
	if execution.CurrentElementID == "" {
		return nil
	}

	definition, err := cc.DefinitionOf(execution)
	if err != nil {
		return err
	}

	element := definition.ElementByID(execution.CurrentElementID)
	if element == nil {
		return nil
	}

	behavior, registered := behaviors[element.Type]
	if !registered {
		return nil
	}

	return behavior(cc, execution)
}

// flushEvents publishes the command's buffered events. Publication is
// fire-and-forget: failures are logged, never propagated.
func (e *Engine) flushEvents(ctx context.Context, cc *CommandContext) {
	if e.bus == nil {
		return
	}

	for _, event := range cc.PendingEvents() {
		key := ""
		if keyed, ok := event.(interface{ GetKey() string }); ok {
			key = keyed.GetKey()
		}

		if err := e.bus.Publish(ctx, key, event); err != nil {
			e.logger.WarnContext(ctx, "Failed to publish domain event", "event_type", event.GetType(), "error", err)
		}
	}
}
