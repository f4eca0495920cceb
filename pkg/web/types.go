package web

// StartInstanceRequest starts a process instance by definition key. Version
// zero means the latest deployed version.
type StartInstanceRequest struct {
	DefinitionKey string         `json:"definition_key" validate:"required"`
	Version       int            `json:"version,omitempty"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// CorrelateMessageRequest delivers a message. Without a process instance id
// the message can only start a new instance through a start-message
// subscription.
type CorrelateMessageRequest struct {
	Name              string         `json:"name" validate:"required"`
	ProcessInstanceID string         `json:"process_instance_id,omitempty"`
	TenantID          string         `json:"tenant_id,omitempty"`
	Variables         map[string]any `json:"variables,omitempty"`
	Async             bool           `json:"async,omitempty"`
}

// BroadcastSignalRequest delivers a signal tenant-wide, or to one instance
// when a process instance id is given.
type BroadcastSignalRequest struct {
	Name              string         `json:"name" validate:"required"`
	TenantID          string         `json:"tenant_id,omitempty"`
	ProcessInstanceID string         `json:"process_instance_id,omitempty"`
	Variables         map[string]any `json:"variables,omitempty"`
	Async             bool           `json:"async,omitempty"`
}

// ThrowErrorRequest raises a business error on an execution.
type ThrowErrorRequest struct {
	ExecutionID string `json:"execution_id" validate:"required"`
	ErrorCode   string `json:"error_code"   validate:"required"`
}

// ThrowFaultRequest raises a technical fault on an execution.
type ThrowFaultRequest struct {
	ExecutionID string   `json:"execution_id" validate:"required"`
	FaultType   string   `json:"fault_type"   validate:"required"`
	Ancestors   []string `json:"ancestors,omitempty"`
	Message     string   `json:"message,omitempty"`
}
