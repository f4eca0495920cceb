// Package models defines the core domain model for the BPMN runtime engine.
package models

import "time"

// Execution is a token positioned at a flow element of a running process
// instance. Executions form a tree per process instance: exactly one
// execution per instance has an empty ParentID and acts as the root.
type Execution struct {
	ID                    string         `json:"id"`
	ProcessInstanceID     string         `json:"process_instance_id"`
	ParentID              string         `json:"parent_id,omitempty"` // empty only for the instance root
	RootProcessInstanceID string         `json:"root_process_instance_id"`
	ProcessDefinitionID   string         `json:"process_definition_id"`
	CurrentElementID      string         `json:"current_element_id,omitempty"`
	Active                bool           `json:"active"`
	EventScope            bool           `json:"event_scope"`
	MultiInstanceRoot     bool           `json:"multi_instance_root"`
	TenantID              string         `json:"tenant_id,omitempty"`
	SuperExecutionID      string         `json:"super_execution_id,omitempty"` // set when spawned by a call activity
	Variables             map[string]any `json:"variables,omitempty"`
	LockVersion           int64          `json:"lock_version"`
	CreatedAt             time.Time      `json:"created_at"`
}

// IsProcessInstanceRoot reports whether this execution is the root of its
// process instance tree.
func (e *Execution) IsProcessInstanceRoot() bool {
	return e.ParentID == ""
}

// IsSubProcessInstance reports whether this execution's process instance was
// started by a call activity in another tree.
func (e *Execution) IsSubProcessInstance() bool {
	return e.SuperExecutionID != ""
}

// Clone returns a deep copy of the execution, including variables.
func (e *Execution) Clone() *Execution {
	clone := *e
	clone.Variables = CloneVariables(e.Variables)

	return &clone
}

// CloneVariables deep-copies a variable map. Nested maps and slices are
// copied recursively so the result never aliases the source.
func CloneVariables(variables map[string]any) map[string]any {
	if variables == nil {
		return nil
	}

	clone := make(map[string]any, len(variables))
	for key, value := range variables {
		clone[key] = cloneValue(value)
	}

	return clone
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return CloneVariables(typed)
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = cloneValue(item)
		}

		return items
	default:
		return typed
	}
}
