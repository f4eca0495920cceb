package subscription_test

import (
	"context"
	"testing"
	"time"

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

func compensableDefinition(id string) *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID:      id,
		Key:     id,
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "sp", Type: models.ElementSubProcess},
			{ID: "undo_book", Type: models.ElementActivity},
			{ID: "undo_charge", Type: models.ElementActivity},
			{ID: "undo_ship", Type: models.ElementActivity},
		},
	}
}

func TestThrowCompensationEventReverseCreationOrder(t *testing.T) {
	p := memory.NewPersistence()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := newEngine(p, bus)
	manager := newManager()

	definition := compensableDefinition("def-comp")

	ctx := context.Background()
	require.NoError(t, p.Definitions().Save(ctx, definition))

	base := time.Now().Add(-time.Minute)

	err := engine.RunCommand(ctx, "seed-and-throw", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		var subscriptions []*models.EventSubscription

		for i, activityID := range []string{"undo_book", "undo_charge", "undo_ship"} {
			compensating, err := runtime.CreateChildExecution(cc, root)
			if err != nil {
				return err
			}

			sub := &models.EventSubscription{
				ID:                "comp-" + activityID,
				Type:              models.SubscriptionCompensation,
				ActivityID:        activityID,
				ExecutionID:       root.ID,
				ProcessInstanceID: root.ProcessInstanceID,
				Configuration:     compensating.ID,
				TenantID:          root.TenantID,
				CreatedAt:         base.Add(time.Duration(i) * time.Second),
			}
			if err := cc.Subscriptions.Create(cc.Context, sub); err != nil {
				return err
			}

			subscriptions = append(subscriptions, sub)
		}

		return manager.ThrowCompensationEvent(cc, subscriptions, root, false)
	})
	require.NoError(t, err)

	var order []string

	for _, call := range bus.Calls {
		event, ok := call.Arguments.Get(2).(eventbus.Event)
		if !ok {
			continue
		}

		if triggered, ok := event.(events.CompensationTriggered); ok {
			order = append(order, triggered.ActivityID)
		}
	}

	assert.Equal(t, []string{"undo_ship", "undo_charge", "undo_book"}, order)
}

func TestThrowCompensationEventArmsMissingExecutions(t *testing.T) {
	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	manager := newManager()

	definition := compensableDefinition("def-arm")

	ctx := context.Background()
	require.NoError(t, p.Definitions().Save(ctx, definition))

	var rootID string

	err := engine.RunCommand(ctx, "seed-and-throw", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		rootID = root.ID

		sub := &models.EventSubscription{
			ID:                "comp-unarmed",
			Type:              models.SubscriptionCompensation,
			ActivityID:        "undo_charge",
			ExecutionID:       root.ID,
			ProcessInstanceID: root.ProcessInstanceID,
			CreatedAt:         time.Now(),
		}
		if err := cc.Subscriptions.Create(cc.Context, sub); err != nil {
			return err
		}

		return manager.ThrowCompensationEvent(cc, []*models.EventSubscription{sub}, root, false)
	})
	require.NoError(t, err)

	compensating, err := p.Executions().ActiveByActivity(ctx, rootID, "undo_charge")
	require.NoError(t, err)
	assert.Len(t, compensating, 1, "a compensating execution is spawned on demand")

	_, err = p.Subscriptions().ByID(ctx, "comp-unarmed")
	require.Error(t, err, "firing consumes the subscription")
}

func TestCreateCompensationSnapshot(t *testing.T) {
	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	manager := newManager()

	definition := compensableDefinition("def-snap")

	ctx := context.Background()
	require.NoError(t, p.Definitions().Save(ctx, definition))

	createdAt := time.Now().Add(-time.Hour)

	var rootID, snapshotID string

	err := engine.RunCommand(ctx, "snapshot", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		scope, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		scope.CurrentElementID = "sp"
		scope.Variables = map[string]any{"amount": 42.0}
		if err := cc.Executions.Update(cc.Context, scope); err != nil {
			return err
		}

		sub := &models.EventSubscription{
			ID:                "comp-pending",
			Type:              models.SubscriptionCompensation,
			ActivityID:        "undo_charge",
			ExecutionID:       scope.ID,
			ProcessInstanceID: root.ProcessInstanceID,
			CreatedAt:         createdAt,
		}
		if err := cc.Subscriptions.Create(cc.Context, sub); err != nil {
			return err
		}

		snapshot, err := manager.CreateCompensationSnapshot(cc, scope)
		if err != nil {
			return err
		}

		require.NotNil(t, snapshot)

		// Variables are copied by value, not aliased.
		scope.Variables["amount"] = 0.0

		rootID, snapshotID = root.ID, snapshot.ID

		return nil
	})
	require.NoError(t, err)

	snapshot, err := p.Executions().ByID(ctx, snapshotID)
	require.NoError(t, err)
	assert.True(t, snapshot.EventScope)
	assert.False(t, snapshot.Active)
	assert.Equal(t, "sp", snapshot.CurrentElementID)
	assert.Equal(t, rootID, snapshot.ParentID)
	assert.Equal(t, 42.0, snapshot.Variables["amount"])

	rehomed, err := p.Subscriptions().ByID(ctx, "comp-pending")
	require.NoError(t, err)
	assert.Equal(t, snapshotID, rehomed.ExecutionID)
	assert.Equal(t, createdAt.Unix(), rehomed.CreatedAt.Unix(), "original creation order is preserved")

	instanceLevel, err := p.Subscriptions().ByExecutionAndType(ctx, rootID, models.SubscriptionCompensation)
	require.NoError(t, err)
	require.Len(t, instanceLevel, 1)
	assert.Equal(t, snapshotID, instanceLevel[0].Configuration)
	assert.Equal(t, "sp", instanceLevel[0].ActivityID)
}

func TestCreateCompensationSnapshotWithoutSubscriptions(t *testing.T) {
	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	manager := newManager()

	definition := compensableDefinition("def-nosnap")

	ctx := context.Background()
	require.NoError(t, p.Definitions().Save(ctx, definition))

	err := engine.RunCommand(ctx, "snapshot", func(cc *runtime.CommandContext) error {
		root, err := runtime.StartProcessInstance(cc, definition, nil, nil)
		if err != nil {
			return err
		}

		scope, err := runtime.CreateChildExecution(cc, root)
		if err != nil {
			return err
		}

		snapshot, err := manager.CreateCompensationSnapshot(cc, scope)
		require.NoError(t, err)
		assert.Nil(t, snapshot)

		return nil
	})
	require.NoError(t, err)
}
