package subscription

import (
	"context"
	"fmt"

	"github.com/dukex/procession/pkg/jobs"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/runtime"
)

// TriggerSubscriptionHandler executes the async half of subscription
// notification: the job carries the execution the consumed subscription was
// anchored on, and triggering it runs as its own command.
func TriggerSubscriptionHandler(engine *runtime.Engine) jobs.Handler {
	return func(ctx context.Context, job *models.Job) error {
		return engine.RunCommand(ctx, "trigger-subscription", func(cc *runtime.CommandContext) error {
			cc.Agenda.PlanTriggerExecution(job.ExecutionID)

			return nil
		})
	}
}

// FireCompensationHandler executes a deferred compensation: the compensating
// execution is pointed at the compensation handler activity and triggered.
func FireCompensationHandler(engine *runtime.Engine) jobs.Handler {
	return func(ctx context.Context, job *models.Job) error {
		activityID, ok := job.Payload["activity_id"].(string)
		if !ok || activityID == "" {
			return fmt.Errorf("compensation job %s has no activity_id payload", job.ID)
		}

		return engine.RunCommand(ctx, "fire-compensation", func(cc *runtime.CommandContext) error {
			execution, err := cc.Executions.ByID(cc.Context, job.ExecutionID)
			if err != nil {
				return err
			}

			execution.CurrentElementID = activityID
			if err := cc.Executions.Update(cc.Context, execution); err != nil {
				return err
			}

			cc.Agenda.PlanTriggerExecution(execution.ID)

			return nil
		})
	}
}
