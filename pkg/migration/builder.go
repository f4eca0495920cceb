package migration

import (
	"context"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/go-playground/validator/v10"
)

// Builder assembles a change-state request fluently and submits it as one
// atomic command.
type Builder struct {
	engine   *runtime.Engine
	validate *validator.Validate
	request  models.ChangeStateRequest
}

func NewBuilder(engine *runtime.Engine, processInstanceID string) *Builder {
	return &Builder{
		engine:   engine,
		validate: validator.New(),
		request: models.ChangeStateRequest{
			ProcessInstanceID: processInstanceID,
		},
	}
}

// MoveExecutionsTo relocates the named executions to the target activities.
func (b *Builder) MoveExecutionsTo(executionIDs []string, toActivityIDs ...string) *Builder {
	b.request.Directives = append(b.request.Directives, models.MoveDirective{
		ExecutionIDs:  executionIDs,
		ToActivityIDs: toActivityIDs,
	})

	return b
}

// MoveActivityTo relocates every active execution currently at the given
// activity to the target activities.
func (b *Builder) MoveActivityTo(activityID string, toActivityIDs ...string) *Builder {
	b.request.Directives = append(b.request.Directives, models.MoveDirective{
		ActivityIDs:   []string{activityID},
		ToActivityIDs: toActivityIDs,
	})

	return b
}

// MoveActivitiesTo collapses the active executions at several activities into
// the single target activity.
func (b *Builder) MoveActivitiesTo(activityIDs []string, toActivityID string) *Builder {
	b.request.Directives = append(b.request.Directives, models.MoveDirective{
		ActivityIDs:   activityIDs,
		ToActivityIDs: []string{toActivityID},
	})

	return b
}

// MoveToParentProcess relocates the active executions at the given activity
// to an activity of the calling process, destroying this sub-process instance.
func (b *Builder) MoveToParentProcess(activityID, toActivityID string) *Builder {
	b.request.Directives = append(b.request.Directives, models.MoveDirective{
		ActivityIDs:         []string{activityID},
		ToActivityIDs:       []string{toActivityID},
		MoveToParentProcess: true,
	})

	return b
}

// MoveToSubProcessInstance relocates the active executions at the given
// activity into the sub-process instance behind the named call activity,
// starting one when none is running. Version 0 means the latest deployed
// version of the called process.
func (b *Builder) MoveToSubProcessInstance(activityID, callActivityID, toActivityID string, version int) *Builder {
	b.request.Directives = append(b.request.Directives, models.MoveDirective{
		ActivityIDs:                 []string{activityID},
		ToActivityIDs:               []string{toActivityID},
		MoveToSubProcessInstance:    true,
		CallActivityID:              callActivityID,
		SubProcessDefinitionVersion: version,
	})

	return b
}

// WithNewAssignee sets the assignee on the most recently added directive.
func (b *Builder) WithNewAssignee(assigneeID string) *Builder {
	if len(b.request.Directives) > 0 {
		b.request.Directives[len(b.request.Directives)-1].NewAssigneeID = assigneeID
	}

	return b
}

// WithProcessVariables merges variables into the process instance root on
// commit.
func (b *Builder) WithProcessVariables(variables map[string]any) *Builder {
	b.request.ProcessVariables = variables

	return b
}

// WithLocalVariables sets the variables applied to tokens arriving at the
// given activity.
func (b *Builder) WithLocalVariables(activityID string, variables map[string]any) *Builder {
	if b.request.LocalVariables == nil {
		b.request.LocalVariables = make(map[string]map[string]any)
	}

	b.request.LocalVariables[activityID] = variables

	return b
}

// WithReason records an audit reason carried on deletion events and the
// migration event.
func (b *Builder) WithReason(reason string) *Builder {
	b.request.Reason = reason

	return b
}

// Request returns the assembled request, mainly for inspection in tests and
// transport handlers.
func (b *Builder) Request() *models.ChangeStateRequest {
	return &b.request
}

// ChangeState validates and submits the request as one command. On any
// rejection nothing is changed.
func (b *Builder) ChangeState(ctx context.Context) error {
	if err := b.validate.Struct(&b.request); err != nil {
		return &MigrationError{Reason: err.Error()}
	}

	return b.engine.RunCommand(ctx, "change-state", func(cc *runtime.CommandContext) error {
		return Apply(cc, &b.request)
	})
}

// ChangeState validates and applies a pre-built request through the engine.
func ChangeState(ctx context.Context, engine *runtime.Engine, request *models.ChangeStateRequest) error {
	if err := validator.New().Struct(request); err != nil {
		return &MigrationError{Reason: err.Error()}
	}

	return engine.RunCommand(ctx, "change-state", func(cc *runtime.CommandContext) error {
		return Apply(cc, request)
	})
}
