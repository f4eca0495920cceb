package bpmnerror_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/procession/pkg/bpmnerror"
	"github.com/dukex/procession/pkg/eventbus"
	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/mocks"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence/memory"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newEngine(p *memory.Persistence, bus eventbus.EventPublisher) *runtime.Engine {
	return runtime.NewEngine(p, bus, slog.New(slog.DiscardHandler))
}

func orderDefinition() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID:      "def-order",
		Key:     "order",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "start", Type: models.ElementStartEvent},
			{ID: "charge", Type: models.ElementActivity},
			{
				ID:           "charge_failed",
				Type:         models.ElementBoundaryEvent,
				AttachedToID: "charge",
				Interrupting: true,
				Event:        &models.EventDefinition{Kind: models.EventError, Ref: "paymentError"},
			},
		},
		Errors: map[string]string{"paymentError": "PAYMENT_FAILED"},
	}
}

// seedInstance starts an instance of the definition with one child execution
// at the given activity, returning root and child ids.
func seedInstance(t *testing.T, engine *runtime.Engine, definition *models.ProcessDefinition, activityID string) (string, string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, engine.Persistence().Definitions().Save(ctx, definition))

	var rootID, childID string

	err := engine.RunCommand(ctx, "seed", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		child, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		child.CurrentElementID = activityID
		if err := cc.Executions.Update(cc.Context, child); err != nil {
			return err
		}

		rootID, childID = root.ID, child.ID

		return nil
	})
	require.NoError(t, err)

	return rootID, childID
}

func throwError(engine *runtime.Engine, executionID, code string) error {
	return engine.RunCommand(context.Background(), "throw-error", func(cc *runtime.CommandContext) error {
		execution, err := cc.Executions.ByID(cc.Context, executionID)
		if err != nil {
			return err
		}

		return bpmnerror.PropagateError(cc, code, execution)
	})
}

func TestPropagateErrorBoundaryCatch(t *testing.T) {
	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	rootID, taskID := seedInstance(t, engine, orderDefinition(), "charge")

	require.NoError(t, throwError(engine, taskID, "PAYMENT_FAILED"))

	ctx := context.Background()

	atCharge, err := p.Executions().ActiveByActivity(ctx, rootID, "charge")
	require.NoError(t, err)
	assert.Empty(t, atCharge, "interrupting boundary event should cancel the attached activity")

	atBoundary, err := p.Executions().ActiveByActivity(ctx, rootID, "charge_failed")
	require.NoError(t, err)
	require.Len(t, atBoundary, 1)
	assert.True(t, atBoundary[0].Active)
}

func TestPropagateErrorResolvesSymbolicReference(t *testing.T) {
	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	rootID, taskID := seedInstance(t, engine, orderDefinition(), "charge")

	// Thrown by catalog reference rather than raw code.
	require.NoError(t, throwError(engine, taskID, "paymentError"))

	atBoundary, err := p.Executions().ActiveByActivity(context.Background(), rootID, "charge_failed")
	require.NoError(t, err)
	assert.Len(t, atBoundary, 1)
}

func TestPropagateErrorWildcardBoundary(t *testing.T) {
	definition := &models.ProcessDefinition{
		ID:      "def-wild",
		Key:     "wild",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "work", Type: models.ElementActivity},
			{
				ID:           "catch_all",
				Type:         models.ElementBoundaryEvent,
				AttachedToID: "work",
				Interrupting: true,
				Event:        &models.EventDefinition{Kind: models.EventError},
			},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	rootID, taskID := seedInstance(t, engine, definition, "work")

	require.NoError(t, throwError(engine, taskID, "SOMETHING_UNDECLARED"))

	atBoundary, err := p.Executions().ActiveByActivity(context.Background(), rootID, "catch_all")
	require.NoError(t, err)
	assert.Len(t, atBoundary, 1)
}

func TestPropagateErrorFirstDeclaredBoundaryWins(t *testing.T) {
	definition := &models.ProcessDefinition{
		ID:      "def-tie",
		Key:     "tie",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "work", Type: models.ElementActivity},
			{
				ID:           "catch_first",
				Type:         models.ElementBoundaryEvent,
				AttachedToID: "work",
				Interrupting: true,
				Event:        &models.EventDefinition{Kind: models.EventError},
			},
			{
				ID:           "catch_second",
				Type:         models.ElementBoundaryEvent,
				AttachedToID: "work",
				Interrupting: true,
				Event:        &models.EventDefinition{Kind: models.EventError, Ref: "X"},
			},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	rootID, taskID := seedInstance(t, engine, definition, "work")

	require.NoError(t, throwError(engine, taskID, "X"))

	ctx := context.Background()

	atFirst, err := p.Executions().ActiveByActivity(ctx, rootID, "catch_first")
	require.NoError(t, err)
	assert.Len(t, atFirst, 1)

	atSecond, err := p.Executions().ActiveByActivity(ctx, rootID, "catch_second")
	require.NoError(t, err)
	assert.Empty(t, atSecond)
}

func TestPropagateErrorMultiInstanceBoundary(t *testing.T) {
	definition := &models.ProcessDefinition{
		ID:      "def-mi",
		Key:     "mi",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "mi_act", Type: models.ElementActivity, MultiInstance: true},
			{
				ID:           "mi_failed",
				Type:         models.ElementBoundaryEvent,
				AttachedToID: "mi_act",
				Interrupting: true,
				Event:        &models.EventDefinition{Kind: models.EventError, Ref: "E1"},
			},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)

	ctx := context.Background()
	require.NoError(t, p.Definitions().Save(ctx, definition))

	var rootID, iterationID string

	err := engine.RunCommand(ctx, "seed", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		miRoot, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		miRoot.CurrentElementID = "mi_act"
		miRoot.MultiInstanceRoot = true
		if err := cc.Executions.Update(cc.Context, miRoot); err != nil {
			return err
		}

		// Iteration executions share the multi-instance root's activity id.
		for range 2 {
			iteration, err := runtime.CreateChildExecution(cc, miRoot)
			if err != nil {
				return err
			}

			iteration.CurrentElementID = "mi_act"
			if err := cc.Executions.Update(cc.Context, iteration); err != nil {
				return err
			}

			iterationID = iteration.ID
		}

		rootID = root.ID

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, throwError(engine, iterationID, "E1"))

	atActivity, err := p.Executions().ActiveByActivity(ctx, rootID, "mi_act")
	require.NoError(t, err)
	assert.Empty(t, atActivity, "the multi-instance root and every iteration are cancelled")

	atBoundary, err := p.Executions().ActiveByActivity(ctx, rootID, "mi_failed")
	require.NoError(t, err)
	require.Len(t, atBoundary, 1)
	assert.True(t, atBoundary[0].Active)
}

func TestPropagateErrorEventSubprocess(t *testing.T) {
	definition := &models.ProcessDefinition{
		ID:      "def-esp",
		Key:     "esp",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "sp", Type: models.ElementSubProcess},
			{ID: "step", Type: models.ElementActivity, ScopeID: "sp"},
			{ID: "esp", Type: models.ElementEventSubprocess, ScopeID: "sp"},
			{
				ID:      "esp_start",
				Type:    models.ElementStartEvent,
				ScopeID: "esp",
				Event:   &models.EventDefinition{Kind: models.EventError},
			},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)

	ctx := context.Background()
	require.NoError(t, p.Definitions().Save(ctx, definition))

	var rootID, stepID string

	err := engine.RunCommand(ctx, "seed", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		scope, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		scope.CurrentElementID = "sp"
		if err := cc.Executions.Update(cc.Context, scope); err != nil {
			return err
		}

		step, err := runtime.CreateChildExecution(cc, scope)
		if err != nil {
			return err
		}

		step.CurrentElementID = "step"
		if err := cc.Executions.Update(cc.Context, step); err != nil {
			return err
		}

		rootID, stepID = root.ID, step.ID

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, throwError(engine, stepID, "ANY"))

	atStep, err := p.Executions().ActiveByActivity(ctx, rootID, "step")
	require.NoError(t, err)
	assert.Empty(t, atStep, "throwing execution should be torn down before the handler starts")

	atHandler, err := p.Executions().ActiveByActivity(ctx, rootID, "esp_start")
	require.NoError(t, err)
	assert.Len(t, atHandler, 1)

	atScope, err := p.Executions().ActiveByActivity(ctx, rootID, "sp")
	require.NoError(t, err)
	assert.Len(t, atScope, 1, "hosting scope survives an event-subprocess catch")
}

func TestPropagateErrorFirstDeclaredEventSubprocessWins(t *testing.T) {
	definition := &models.ProcessDefinition{
		ID:      "def-esp-tie",
		Key:     "esp-tie",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "work", Type: models.ElementActivity},
			{ID: "esp_a", Type: models.ElementEventSubprocess},
			{
				ID:      "esp_a_start",
				Type:    models.ElementStartEvent,
				ScopeID: "esp_a",
				Event:   &models.EventDefinition{Kind: models.EventError},
			},
			{ID: "esp_b", Type: models.ElementEventSubprocess},
			{
				ID:      "esp_b_start",
				Type:    models.ElementStartEvent,
				ScopeID: "esp_b",
				Event:   &models.EventDefinition{Kind: models.EventError},
			},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	rootID, taskID := seedInstance(t, engine, definition, "work")

	require.NoError(t, throwError(engine, taskID, "ANY"))

	ctx := context.Background()

	atFirst, err := p.Executions().ActiveByActivity(ctx, rootID, "esp_a_start")
	require.NoError(t, err)
	assert.Len(t, atFirst, 1)

	atSecond, err := p.Executions().ActiveByActivity(ctx, rootID, "esp_b_start")
	require.NoError(t, err)
	assert.Empty(t, atSecond)
}

func TestPropagateErrorNoHandlerRollsBack(t *testing.T) {
	definition := &models.ProcessDefinition{
		ID:      "def-bare",
		Key:     "bare",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "work", Type: models.ElementActivity},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	rootID, taskID := seedInstance(t, engine, definition, "work")

	err := throwError(engine, taskID, "UNHANDLED")
	require.Error(t, err)

	var noHandler *bpmnerror.NoHandlerError

	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "UNHANDLED", noHandler.Code)

	// The failed command must leave no trace.
	atWork, err := p.Executions().ActiveByActivity(context.Background(), rootID, "work")
	require.NoError(t, err)
	assert.Len(t, atWork, 1)
}

func TestPropagateErrorEscalatesToCallingProcess(t *testing.T) {
	parentDefinition := &models.ProcessDefinition{
		ID:      "def-parent",
		Key:     "parent",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "call_sub", Type: models.ElementCallActivity, CalledProcessKey: "subproc"},
			{
				ID:           "sub_failed",
				Type:         models.ElementBoundaryEvent,
				AttachedToID: "call_sub",
				Interrupting: true,
				Event:        &models.EventDefinition{Kind: models.EventError, Ref: "SUB_ERR"},
			},
		},
	}
	subDefinition := &models.ProcessDefinition{
		ID:      "def-sub",
		Key:     "subproc",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "sub_task", Type: models.ElementActivity},
		},
	}

	p := memory.NewPersistence()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := newEngine(p, bus)

	ctx := context.Background()
	require.NoError(t, p.Definitions().Save(ctx, parentDefinition))
	require.NoError(t, p.Definitions().Save(ctx, subDefinition))

	var parentRootID, subRootID, subTaskID string

	err := engine.RunCommand(ctx, "seed", func(cc *runtime.CommandContext) error {
		parentRoot, err := runtime.StartProcessInstance(cc, parentDefinition, nil, nil)
		if err != nil {
			return err
		}

		callExecution, err := runtime.CreateChildExecution(cc, parentRoot)
		if err != nil {
			return err
		}

		callExecution.CurrentElementID = "call_sub"
		if err := cc.Executions.Update(cc.Context, callExecution); err != nil {
			return err
		}

		subRoot, err := runtime.StartProcessInstance(cc, subDefinition, callExecution, nil)
		if err != nil {
			return err
		}

		subTask, err := runtime.CreateChildExecution(cc, subRoot)
		if err != nil {
			return err
		}

		subTask.CurrentElementID = "sub_task"
		if err := cc.Executions.Update(cc.Context, subTask); err != nil {
			return err
		}

		parentRootID, subRootID, subTaskID = parentRoot.ID, subRoot.ID, subTask.ID

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, throwError(engine, subTaskID, "SUB_ERR"))

	subExecutions, err := p.Executions().ByProcessInstance(ctx, subRootID)
	require.NoError(t, err)
	assert.Empty(t, subExecutions, "escalation deletes the sub-process instance")

	atBoundary, err := p.Executions().ActiveByActivity(ctx, parentRootID, "sub_failed")
	require.NoError(t, err)
	assert.Len(t, atBoundary, 1)

	completedWithError := false

	for _, call := range bus.Calls {
		if event, ok := call.Arguments.Get(2).(eventbus.Event); ok {
			if event.GetType() == events.ProcessCompletedWithErrorEvent {
				completedWithError = true
			}
		}
	}

	assert.True(t, completedWithError, "deleted sub instance should be announced as completed with error")
}
