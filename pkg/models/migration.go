package models

// MoveDirective relocates one set of tokens to a set of target activities.
// Sources are given either as explicit execution ids or as activity ids that
// expand to every active execution at that activity within the instance.
type MoveDirective struct {
	ExecutionIDs []string `json:"execution_ids,omitempty" validate:"required_without=ActivityIDs,excluded_with=ActivityIDs"`
	ActivityIDs  []string `json:"activity_ids,omitempty"  validate:"required_without=ExecutionIDs"`
	ToActivityIDs []string `json:"to_activity_ids" validate:"required,min=1"`

	NewAssigneeID string `json:"new_assignee_id,omitempty"`

	// MoveToParentProcess targets an activity in an ancestor scope; the
	// intervening scopes are destroyed on the way up.
	MoveToParentProcess bool `json:"move_to_parent_process,omitempty"`

	// MoveToSubProcessInstance targets an activity inside a (new or existing)
	// sub-process instance spawned through the named call activity.
	MoveToSubProcessInstance    bool   `json:"move_to_sub_process_instance,omitempty"`
	CallActivityID              string `json:"call_activity_id,omitempty"              validate:"required_if=MoveToSubProcessInstance true"`
	SubProcessDefinitionVersion int    `json:"sub_process_definition_version,omitempty"`
}

// ChangeStateRequest is the full payload of one state-migration command: an
// ordered directive list plus variables and an audit reason. All directives
// apply atomically or not at all.
type ChangeStateRequest struct {
	ProcessInstanceID string                    `json:"process_instance_id" validate:"required"`
	Directives        []MoveDirective           `json:"directives"          validate:"required,min=1,dive"`
	ProcessVariables  map[string]any            `json:"process_variables,omitempty"`
	LocalVariables    map[string]map[string]any `json:"local_variables,omitempty"` // activity id -> variables
	Reason            string                    `json:"reason,omitempty"`
}
