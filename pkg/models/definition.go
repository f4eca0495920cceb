package models

import "time"

// ElementType tags the flow-element variants the runtime engine cares about.
// Per-activity execution semantics live behind behavior hooks; the engine
// itself only needs the structural kinds below.
type ElementType string

const (
	ElementActivity        ElementType = "activity"
	ElementSubProcess      ElementType = "sub_process"
	ElementCallActivity    ElementType = "call_activity"
	ElementBoundaryEvent   ElementType = "boundary_event"
	ElementEventSubprocess ElementType = "event_subprocess"
	ElementStartEvent      ElementType = "start_event"
)

// EventKind discriminates event definitions carried by catching elements.
type EventKind string

const (
	EventError        EventKind = "error"
	EventMessage      EventKind = "message"
	EventSignal       EventKind = "signal"
	EventCompensation EventKind = "compensation"
	EventTimer        EventKind = "timer"
)

// EventDefinition is the event declaration attached to a boundary event or
// start event. For error events an empty Ref acts as a wildcard and matches
// any error code.
type EventDefinition struct {
	Kind EventKind `json:"kind" validate:"required,oneof=error message signal compensation timer"`
	Ref  string    `json:"ref,omitempty"`
}

// ExceptionMapping maps a technical fault type to a business error code. An
// entry with an empty FaultType is the default and applies only when no other
// entry matches. MatchSubtypes opts into matching declared supertypes of the
// fault.
type ExceptionMapping struct {
	FaultType     string `json:"fault_type,omitempty"`
	ErrorCode     string `json:"error_code" validate:"required"`
	MatchSubtypes bool   `json:"match_subtypes,omitempty"`
}

// FlowElement is one node of a compiled process definition graph. ScopeID
// names the containing compound element (empty at process level), AttachedToID
// is set on boundary events only.
type FlowElement struct {
	ID                string             `json:"id"   validate:"required"`
	Name              string             `json:"name,omitempty"`
	Type              ElementType        `json:"type" validate:"required"`
	ScopeID           string             `json:"scope_id,omitempty"`
	AttachedToID      string             `json:"attached_to_id,omitempty"`
	Event             *EventDefinition   `json:"event,omitempty"`
	Interrupting      bool               `json:"interrupting,omitempty"`
	CalledProcessKey  string             `json:"called_process_key,omitempty"` // call activities
	MultiInstance     bool               `json:"multi_instance,omitempty"`
	ExceptionMappings []ExceptionMapping `json:"exception_mappings,omitempty"`
}

// ProcessDefinition is a compiled process graph plus its declared error,
// message and signal catalogs. Elements preserve declaration order; matching
// algorithms that pick "the first" candidate rely on that order.
type ProcessDefinition struct {
	ID       string            `json:"id"`
	Key      string            `json:"key"  validate:"required"`
	Version  int               `json:"version"`
	Name     string            `json:"name,omitempty"`
	TenantID string            `json:"tenant_id,omitempty"`
	Elements []*FlowElement    `json:"elements"`
	Errors   map[string]string `json:"errors,omitempty"`   // error ref -> semantic code
	Messages map[string]string `json:"messages,omitempty"` // message ref -> resolved name
	Signals  map[string]string `json:"signals,omitempty"`  // signal ref -> resolved name

	CreatedAt time.Time `json:"created_at"`
}

// ElementByID returns the flow element with the given id, or nil.
func (d *ProcessDefinition) ElementByID(id string) *FlowElement {
	for _, element := range d.Elements {
		if element.ID == id {
			return element
		}
	}

	return nil
}

// BoundaryEventsFor returns the boundary events attached to the given
// activity, in declaration order.
func (d *ProcessDefinition) BoundaryEventsFor(activityID string) []*FlowElement {
	var boundaries []*FlowElement

	for _, element := range d.Elements {
		if element.Type == ElementBoundaryEvent && element.AttachedToID == activityID {
			boundaries = append(boundaries, element)
		}
	}

	return boundaries
}

// EventSubprocesses returns all event-subprocess elements in declaration
// order.
func (d *ProcessDefinition) EventSubprocesses() []*FlowElement {
	var subprocesses []*FlowElement

	for _, element := range d.Elements {
		if element.Type == ElementEventSubprocess {
			subprocesses = append(subprocesses, element)
		}
	}

	return subprocesses
}

// StartEventOf returns the first start event declared inside the given scope
// element, or nil.
func (d *ProcessDefinition) StartEventOf(scopeID string) *FlowElement {
	for _, element := range d.Elements {
		if element.Type == ElementStartEvent && element.ScopeID == scopeID {
			return element
		}
	}

	return nil
}

// ProcessStartEvents returns the process-level start events (those not nested
// in any scope), in declaration order.
func (d *ProcessDefinition) ProcessStartEvents() []*FlowElement {
	var starts []*FlowElement

	for _, element := range d.Elements {
		if element.Type == ElementStartEvent && element.ScopeID == "" {
			starts = append(starts, element)
		}
	}

	return starts
}

// EnclosingScopes returns the element ids of the scopes containing the given
// element, innermost first, ending at the process level.
func (d *ProcessDefinition) EnclosingScopes(elementID string) []string {
	var scopes []string

	element := d.ElementByID(elementID)
	for element != nil && element.ScopeID != "" {
		scopes = append(scopes, element.ScopeID)
		element = d.ElementByID(element.ScopeID)
	}

	return scopes
}

// ResolveErrorCode maps a symbolic error reference through the error catalog.
// Undeclared references are used literally, matching the engine's fallback
// rule for errors thrown with a raw code.
func (d *ProcessDefinition) ResolveErrorCode(ref string) string {
	if code, ok := d.Errors[ref]; ok {
		return code
	}

	return ref
}

// ResolveMessageName maps a message reference to its declared name, falling
// back to the raw reference.
func (d *ProcessDefinition) ResolveMessageName(ref string) string {
	if name, ok := d.Messages[ref]; ok {
		return name
	}

	return ref
}

// ResolveSignalName maps a signal reference to its declared name, falling
// back to the raw reference.
func (d *ProcessDefinition) ResolveSignalName(ref string) string {
	if name, ok := d.Signals[ref]; ok {
		return name
	}

	return ref
}
