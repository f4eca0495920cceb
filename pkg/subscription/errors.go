// Package subscription manages the event-subscription lifecycle: deployment
// registration of start events, runtime message/signal correlation, and
// compensation.
package subscription

import (
	"errors"
	"fmt"

	"github.com/dukex/procession/pkg/models"
)

// ConflictError aborts a deployment whose start-message name is already
// claimed by another active process definition.
type ConflictError struct {
	EventName            string
	ExistingDefinitionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"start message subscription for event %q already exists for process definition %s",
		e.EventName, e.ExistingDefinitionID,
	)
}

// IsConflict checks whether an error is a start-subscription naming conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError

	return errors.As(err, &conflict)
}

// NoSubscriptionError reports an event delivery that matched nothing.
type NoSubscriptionError struct {
	EventName string
	Type      models.SubscriptionType
}

func (e *NoSubscriptionError) Error() string {
	return fmt.Sprintf("no %s subscription found for event %q", e.Type, e.EventName)
}

// IsNoSubscription checks whether an error is an unmatched event delivery.
func IsNoSubscription(err error) bool {
	var noSubscription *NoSubscriptionError

	return errors.As(err, &noSubscription)
}
