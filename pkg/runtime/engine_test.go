package runtime_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/mocks"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence/memory"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func twoStepDefinition() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID:      "def-1",
		Key:     "two-step",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "start", Type: models.ElementStartEvent},
			{ID: "work", Type: models.ElementActivity},
		},
	}
}

func TestRunCommandCommitsAndFlushesEvents(t *testing.T) {
	p := memory.NewPersistence()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := runtime.NewEngine(p, bus, slog.New(slog.DiscardHandler))
	definition := twoStepDefinition()
	require.NoError(t, p.Definitions().Save(context.Background(), definition))

	var rootID string

	err := engine.RunCommand(context.Background(), "start", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, map[string]any{"k": "v"})
		if err != nil {
			return err
		}

		rootID = root.ID

		return nil
	})
	require.NoError(t, err)

	root, err := p.Executions().ByID(context.Background(), rootID)
	require.NoError(t, err)
	assert.Equal(t, rootID, root.ProcessInstanceID)
	assert.Equal(t, rootID, root.RootProcessInstanceID)
	assert.Equal(t, "v", root.Variables["k"])

	require.Len(t, bus.Calls, 1)

	event, ok := bus.Calls[0].Arguments.Get(2).(events.ExecutionCreated)
	require.True(t, ok)
	assert.Equal(t, rootID, event.ExecutionID)
}

func TestRunCommandErrorRollsBackAndPublishesNothing(t *testing.T) {
	p := memory.NewPersistence()
	bus := &mocks.MockEventBus{}

	engine := runtime.NewEngine(p, bus, slog.New(slog.DiscardHandler))
	definition := twoStepDefinition()
	require.NoError(t, p.Definitions().Save(context.Background(), definition))

	var rootID string

	err := engine.RunCommand(context.Background(), "doomed", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		rootID = root.ID

		return errors.New("seed failed")
	})
	require.Error(t, err)

	_, err = p.Executions().ByID(context.Background(), rootID)
	assert.Error(t, err, "nothing of the failed command is persisted")
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestAgendaDrainsInEnqueueOrder(t *testing.T) {
	p := memory.NewPersistence()
	engine := runtime.NewEngine(p, nil, slog.New(slog.DiscardHandler))
	definition := twoStepDefinition()
	require.NoError(t, p.Definitions().Save(context.Background(), definition))

	var continued []string

	engine.OnContinue(models.ElementActivity, func(cc *runtime.CommandContext, execution *models.Execution) error {
		continued = append(continued, execution.ID)

		return nil
	})

	err := engine.RunCommand(context.Background(), "fanout", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		for range 3 {
			child, err := runtime.CreateChildExecution(cc, root)
			if err != nil {
				return err
			}

			child.CurrentElementID = "work"
			if err := cc.Executions.Update(cc.Context, child); err != nil {
				return err
			}

			cc.Agenda.PlanContinueProcess(child.ID)
		}

		return nil
	})
	require.NoError(t, err)
	require.Len(t, continued, 3)
}

func TestContinueRejectsEventScope(t *testing.T) {
	p := memory.NewPersistence()
	engine := runtime.NewEngine(p, nil, slog.New(slog.DiscardHandler))
	definition := twoStepDefinition()
	require.NoError(t, p.Definitions().Save(context.Background(), definition))

	err := engine.RunCommand(context.Background(), "continue-snapshot", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		snapshot, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		snapshot.EventScope = true
		snapshot.Active = false
		if err := cc.Executions.Update(cc.Context, snapshot); err != nil {
			return err
		}

		cc.Agenda.PlanContinueProcess(snapshot.ID)

		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event scope")
}

func TestDeleteExecutionCascades(t *testing.T) {
	p := memory.NewPersistence()
	engine := runtime.NewEngine(p, nil, slog.New(slog.DiscardHandler))
	definition := twoStepDefinition()
	require.NoError(t, p.Definitions().Save(context.Background(), definition))

	var rootID, childID, grandchildID, subInstanceID, subscriptionID string

	err := engine.RunCommand(context.Background(), "seed", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		rootID = root.ID

		child, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		childID = child.ID

		grandchild, err := runtime.CreateChildExecution(cc, child)
		if err != nil {
			return err
		}

		grandchildID = grandchild.ID

		// A sub-process instance spawned by the grandchild, as a call
		// activity would.
		subInstance, err := runtime.StartProcessInstance(cc, definition, grandchild, nil)
		if err != nil {
			return err
		}

		subInstanceID = subInstance.ID

		sub := &models.EventSubscription{
			ID:                "sub-1",
			Type:              models.SubscriptionMessage,
			EventName:         "ping",
			ExecutionID:       childID,
			ProcessInstanceID: root.ProcessInstanceID,
		}
		subscriptionID = sub.ID

		return cc.Subscriptions.Create(cc.Context, sub)
	})
	require.NoError(t, err)

	err = engine.RunCommand(context.Background(), "delete", func(cc *runtime.CommandContext) error {
		cc.Agenda.PlanDeleteExecution(childID, "test cleanup")

		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()

	for _, id := range []string{childID, grandchildID, subInstanceID} {
		_, err = p.Executions().ByID(ctx, id)
		assert.Error(t, err, "execution %s is deleted with the subtree", id)
	}

	_, err = p.Executions().ByID(ctx, rootID)
	assert.NoError(t, err, "the parent survives")

	_, err = p.Subscriptions().ByID(ctx, subscriptionID)
	assert.Error(t, err, "subscriptions anchored inside the subtree go with it")
}

func TestDestroyScopeKeepsScopeNodeInactive(t *testing.T) {
	p := memory.NewPersistence()
	engine := runtime.NewEngine(p, nil, slog.New(slog.DiscardHandler))
	definition := twoStepDefinition()
	require.NoError(t, p.Definitions().Save(context.Background(), definition))

	var scopeID, childID string

	err := engine.RunCommand(context.Background(), "seed", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		scope, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		scopeID = scope.ID

		child, err := runtime.CreateChildExecution(cc, scope)
		if err != nil {
			return err
		}

		childID = child.ID

		return nil
	})
	require.NoError(t, err)

	err = engine.RunCommand(context.Background(), "destroy", func(cc *runtime.CommandContext) error {
		cc.Agenda.PlanDestroyScope(scopeID, "scope torn down")

		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = p.Executions().ByID(ctx, childID)
	assert.Error(t, err)

	scope, err := p.Executions().ByID(ctx, scopeID)
	require.NoError(t, err)
	assert.False(t, scope.Active, "the scope node survives, deactivated")
}

func TestAncestryHelpers(t *testing.T) {
	p := memory.NewPersistence()
	engine := runtime.NewEngine(p, nil, slog.New(slog.DiscardHandler))
	definition := twoStepDefinition()
	require.NoError(t, p.Definitions().Save(context.Background(), definition))

	err := engine.RunCommand(context.Background(), "ancestry", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		middle, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		leaf, err := runtime.CreateChildExecution(cc, middle)
		if err != nil {
			return err
		}

		ancestors, err := runtime.AncestorsOf(cc, leaf)
		if err != nil {
			return err
		}

		require.Len(t, ancestors, 2)
		assert.Equal(t, middle.ID, ancestors[0].ID, "nearest ancestor first")
		assert.Equal(t, root.ID, ancestors[1].ID)

		instanceRoot, err := runtime.InstanceRootOf(cc, leaf)
		if err != nil {
			return err
		}

		assert.Equal(t, root.ID, instanceRoot.ID)

		isAncestor, err := runtime.IsAncestor(cc, root.ID, leaf)
		if err != nil {
			return err
		}

		assert.True(t, isAncestor)

		isAncestor, err = runtime.IsAncestor(cc, leaf.ID, middle)
		if err != nil {
			return err
		}

		assert.False(t, isAncestor)

		return nil
	})
	require.NoError(t, err)
}
