package models

import "time"

// SubscriptionType discriminates the kinds of pending event subscriptions.
type SubscriptionType string

const (
	SubscriptionMessage      SubscriptionType = "message"
	SubscriptionSignal       SubscriptionType = "signal"
	SubscriptionCompensation SubscriptionType = "compensation"
)

// EventSubscription is a standing registration for a future notification,
// anchored to an execution. Start-event subscriptions created at deployment
// time have no execution and point at a process definition instead (via
// Configuration).
type EventSubscription struct {
	ID                  string           `json:"id"`
	Type                SubscriptionType `json:"type"                validate:"required,oneof=message signal compensation"`
	EventName           string           `json:"event_name"`
	ActivityID          string           `json:"activity_id"` // the catching element
	ExecutionID         string           `json:"execution_id,omitempty"`
	ProcessInstanceID   string           `json:"process_instance_id,omitempty"`
	Configuration       string           `json:"configuration,omitempty"` // free-form reference, e.g. compensating execution id
	ProcessDefinitionID string           `json:"process_definition_id,omitempty"`
	TenantID            string           `json:"tenant_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at"` // compensation fires in reverse creation order
	LockVersion         int64            `json:"lock_version"`
}

// IsStartSubscription reports whether this subscription was created at
// deployment time for a start event rather than for a running execution.
func (s *EventSubscription) IsStartSubscription() bool {
	return s.ExecutionID == ""
}
