package bpmnerror_test

import (
	"context"
	"testing"

	"github.com/dukex/procession/pkg/bpmnerror"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence/memory"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchMappingsOrder(t *testing.T) {
	mappings := []models.ExceptionMapping{
		{FaultType: "", ErrorCode: "DEFAULT"},
		{FaultType: "TimeoutException", ErrorCode: "TIMEOUT"},
		{FaultType: "IOException", ErrorCode: "IO", MatchSubtypes: true},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	definition := &models.ProcessDefinition{
		ID:      "def-map",
		Key:     "map",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "work", Type: models.ElementActivity},
		},
	}
	_, taskID := seedInstance(t, engine, definition, "work")

	cases := []struct {
		name  string
		fault *models.Fault
		code  string
	}{
		{"exact match", &models.Fault{Type: "TimeoutException"}, "TIMEOUT"},
		{"subtype match", &models.Fault{Type: "FileNotFound", Ancestors: []string{"IOException"}}, "IO"},
		{"default applies last", &models.Fault{Type: "Unknown"}, "DEFAULT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.RunCommand(context.Background(), "map", func(cc *runtime.CommandContext) error {
				execution, err := cc.Executions.ByID(cc.Context, taskID)
				if err != nil {
					return err
				}

				code, mapped, err := bpmnerror.MapException(cc, tc.fault, execution, mappings)
				require.NoError(t, err)
				assert.True(t, mapped)
				assert.Equal(t, tc.code, code)

				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestMapExceptionSubtypeRequiresOptIn(t *testing.T) {
	mappings := []models.ExceptionMapping{
		{FaultType: "IOException", ErrorCode: "IO"},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	definition := &models.ProcessDefinition{
		ID:      "def-optin",
		Key:     "optin",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "work", Type: models.ElementActivity},
		},
	}
	_, taskID := seedInstance(t, engine, definition, "work")

	err := engine.RunCommand(context.Background(), "map", func(cc *runtime.CommandContext) error {
		execution, err := cc.Executions.ByID(cc.Context, taskID)
		if err != nil {
			return err
		}

		fault := &models.Fault{Type: "FileNotFound", Ancestors: []string{"IOException"}}

		_, mapped, err := bpmnerror.MapException(cc, fault, execution, mappings)
		require.NoError(t, err)
		assert.False(t, mapped)

		return nil
	})
	require.NoError(t, err)
}

func TestMapExceptionFallsBackToEnclosingCallActivity(t *testing.T) {
	parentDefinition := &models.ProcessDefinition{
		ID:      "def-mapping-parent",
		Key:     "mapping-parent",
		Version: 1,
		Elements: []*models.FlowElement{
			{
				ID:               "call_sub",
				Type:             models.ElementCallActivity,
				CalledProcessKey: "mapping-sub",
				ExceptionMappings: []models.ExceptionMapping{
					{FaultType: "DbException", ErrorCode: "DB_DOWN"},
				},
			},
		},
	}
	subDefinition := &models.ProcessDefinition{
		ID:      "def-mapping-sub",
		Key:     "mapping-sub",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "sub_task", Type: models.ElementActivity},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)

	ctx := context.Background()
	require.NoError(t, p.Definitions().Save(ctx, parentDefinition))
	require.NoError(t, p.Definitions().Save(ctx, subDefinition))

	var subTaskID string

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

		subTaskID = subTask.ID

		return nil
	})
	require.NoError(t, err)

	err = engine.RunCommand(ctx, "map", func(cc *runtime.CommandContext) error {
		execution, err := cc.Executions.ByID(cc.Context, subTaskID)
		if err != nil {
			return err
		}

		// The failing activity declares nothing; the call activity's mapping
		// applies.
		code, mapped, err := bpmnerror.MapException(cc, &models.Fault{Type: "DbException"}, execution, nil)
		require.NoError(t, err)
		assert.True(t, mapped)
		assert.Equal(t, "DB_DOWN", code)

		return nil
	})
	require.NoError(t, err)
}

func TestPropagateFaultUnmappedReturnsFault(t *testing.T) {
	definition := &models.ProcessDefinition{
		ID:      "def-unmapped",
		Key:     "unmapped",
		Version: 1,
		Elements: []*models.FlowElement{
			{ID: "work", Type: models.ElementActivity},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	_, taskID := seedInstance(t, engine, definition, "work")

	fault := &models.Fault{Type: "NullPointerException", Message: "boom"}

	err := engine.RunCommand(context.Background(), "fault", func(cc *runtime.CommandContext) error {
		execution, err := cc.Executions.ByID(cc.Context, taskID)
		if err != nil {
			return err
		}

		return bpmnerror.PropagateFault(cc, fault, execution)
	})
	require.ErrorIs(t, err, fault)
}

func TestPropagateFaultMappedEntersErrorRouting(t *testing.T) {
	definition := &models.ProcessDefinition{
		ID:      "def-mapped",
		Key:     "mapped",
		Version: 1,
		Elements: []*models.FlowElement{
			{
				ID:   "work",
				Type: models.ElementActivity,
				ExceptionMappings: []models.ExceptionMapping{
					{FaultType: "PaymentException", ErrorCode: "PAYMENT_FAILED"},
				},
			},
			{
				ID:           "work_failed",
				Type:         models.ElementBoundaryEvent,
				AttachedToID: "work",
				Interrupting: true,
				Event:        &models.EventDefinition{Kind: models.EventError, Ref: "PAYMENT_FAILED"},
			},
		},
	}

	p := memory.NewPersistence()
	engine := newEngine(p, nil)
	rootID, taskID := seedInstance(t, engine, definition, "work")

	err := engine.RunCommand(context.Background(), "fault", func(cc *runtime.CommandContext) error {
		execution, err := cc.Executions.ByID(cc.Context, taskID)
		if err != nil {
			return err
		}

		return bpmnerror.PropagateFault(cc, &models.Fault{Type: "PaymentException"}, execution)
	})
	require.NoError(t, err)

	atBoundary, err := p.Executions().ActiveByActivity(context.Background(), rootID, "work_failed")
	require.NoError(t, err)
	assert.Len(t, atBoundary, 1)
}
