package runtime

import (
	"context"
	"log/slog"

	"github.com/dukex/procession/pkg/eventbus"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
)

// CommandContext carries everything one command needs: the transactional
// repositories, the agenda, the definition lookup and the buffered domain
// events. It is threaded explicitly through every engine call; there is no
// ambient command state.
type CommandContext struct {
	Context context.Context

	Executions    persistence.ExecutionRepository
	Subscriptions persistence.SubscriptionRepository
	Jobs          persistence.JobRepository
	Definitions   persistence.DefinitionRepository

	Agenda *Agenda
	Logger *slog.Logger

	pending []eventbus.Event
}

// PublishEvent buffers a domain event. Buffered events are flushed to the bus
// only after the command commits; a rolled-back command publishes nothing.
func (cc *CommandContext) PublishEvent(event eventbus.Event) {
	cc.pending = append(cc.pending, event)
}

// PendingEvents returns the buffered events in publication order.
func (cc *CommandContext) PendingEvents() []eventbus.Event {
	return cc.pending
}

// DefinitionOf resolves the process definition an execution runs against.
func (cc *CommandContext) DefinitionOf(execution *models.Execution) (*models.ProcessDefinition, error) {
	return cc.Definitions.ByID(cc.Context, execution.ProcessDefinitionID)
}
