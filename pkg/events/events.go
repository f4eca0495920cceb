// Package events defines the engine's domain event types. Events are
// fire-and-forget notifications flushed to the bus after a command commits.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const Topic = "procession.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution tree lifecycle.
	ExecutionCreatedEvent EventType = "execution.created"
	ExecutionDeletedEvent EventType = "execution.deleted"

	// Error routing.
	ActivityErrorReceivedEvent     EventType = "activity.error.received"
	ProcessCompletedWithErrorEvent EventType = "process.completed_with_error"

	// Subscription lifecycle.
	SubscriptionCreatedEvent  EventType = "subscription.created"
	SubscriptionConsumedEvent EventType = "subscription.consumed"
	CompensationTriggeredEvent EventType = "compensation.triggered"

	// Operations.
	StateMigratedEvent EventType = "state.migrated"
	JobExhaustedEvent  EventType = "job.exhausted"
)

type BaseEvent struct {
	ID                string         `json:"id"`
	Type              EventType      `json:"type"`
	Timestamp         time.Time      `json:"timestamp"`
	ProcessInstanceID string         `json:"process_instance_id,omitempty"`
	TenantID          string         `json:"tenant_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// GetKey returns the partition key events are published under.
func (b BaseEvent) GetKey() string {
	return b.ProcessInstanceID
}

// NewBaseEvent stamps id, type and timestamp for an event envelope.
func NewBaseEvent(eventType EventType, processInstanceID string) BaseEvent {
	return BaseEvent{
		ID:                uuid.New().String(),
		Type:              eventType,
		Timestamp:         time.Now(),
		ProcessInstanceID: processInstanceID,
	}
}

type ExecutionCreated struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	ElementID   string `json:"element_id,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
}

func (e ExecutionCreated) GetType() EventType {
	return ExecutionCreatedEvent
}

type ExecutionDeleted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

func (e ExecutionDeleted) GetType() EventType {
	return ExecutionDeletedEvent
}

type ActivityErrorReceived struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	ActivityID  string `json:"activity_id"`
	ErrorCode   string `json:"error_code"`
}

func (e ActivityErrorReceived) GetType() EventType {
	return ActivityErrorReceivedEvent
}

// ProcessCompletedWithError marks a sub-process instance deleted because an
// error escalated past it to an ancestor process.
type ProcessCompletedWithError struct {
	BaseEvent

	ErrorCode string `json:"error_code"`
}

func (e ProcessCompletedWithError) GetType() EventType {
	return ProcessCompletedWithErrorEvent
}

type SubscriptionCreated struct {
	BaseEvent

	SubscriptionID   string `json:"subscription_id"`
	SubscriptionType string `json:"subscription_type"`
	EventName        string `json:"event_name"`
	ActivityID       string `json:"activity_id,omitempty"`
}

func (e SubscriptionCreated) GetType() EventType {
	return SubscriptionCreatedEvent
}

type SubscriptionConsumed struct {
	BaseEvent

	SubscriptionID   string `json:"subscription_id"`
	SubscriptionType string `json:"subscription_type"`
	EventName        string `json:"event_name"`
}

func (e SubscriptionConsumed) GetType() EventType {
	return SubscriptionConsumedEvent
}

type CompensationTriggered struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	ActivityID  string `json:"activity_id"`
}

func (e CompensationTriggered) GetType() EventType {
	return CompensationTriggeredEvent
}

type StateMigrated struct {
	BaseEvent

	Reason         string `json:"reason,omitempty"`
	DirectiveCount int    `json:"directive_count"`
}

func (e StateMigrated) GetType() EventType {
	return StateMigratedEvent
}

type JobExhausted struct {
	BaseEvent

	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Error   string `json:"error,omitempty"`
}

func (e JobExhausted) GetType() EventType {
	return JobExhaustedEvent
}
