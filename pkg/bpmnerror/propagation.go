// Package bpmnerror implements business-error routing: resolving a thrown
// error to the nearest catching handler in the execution tree, escalating
// across call-activity boundaries when the local process declares none.
package bpmnerror

import (
	"fmt"

	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/runtime"
)

// NoHandlerError is the unrecoverable condition raised when an error code has
// no catching handler anywhere on the escalation path. It is always reported,
// never swallowed: an unhandled business fault is a modeling defect the
// operator must see.
type NoHandlerError struct {
	Code string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no catching boundary event found for error code %s, neither in this process nor any parent", e.Code)
}

type handlerKind int

const (
	handlerBoundary handlerKind = iota
	handlerEventSubprocess
)

// handler is one candidate catch location: either a boundary event (keyed by
// the activity it is attached to) or an event-subprocess start event (keyed
// by the event-subprocess element id).
type handler struct {
	kind  handlerKind
	event *models.FlowElement // boundary event, or event-subprocess start event
	scope *models.FlowElement // the event-subprocess element, nil for boundaries
}

// PropagateError routes a business error thrown at fromExecution to exactly
// one catching handler, or fails with NoHandlerError. errorRef may be a
// symbolic reference into the definition's error catalog or a raw code.
func PropagateError(cc *runtime.CommandContext, errorRef string, fromExecution *models.Execution) error {
	definition, err := cc.DefinitionOf(fromExecution)
	if err != nil {
		return err
	}

	code := definition.ResolveErrorCode(errorRef)

	matched, err := findAndTrigger(cc, definition, code, fromExecution)
	if err != nil || matched {
		return err
	}

	// Not caught locally. If this instance was spawned by a call activity,
	// escalate: tear down the orphaned sub instances one level at a time and
	// retry against each ancestor's definition.
	if fromExecution.ProcessInstanceID != fromExecution.RootProcessInstanceID {
		return escalateToParentProcesses(cc, code, fromExecution)
	}

	return &NoHandlerError{Code: code}
}

func findAndTrigger(cc *runtime.CommandContext, definition *models.ProcessDefinition, code string, fromExecution *models.Execution) (bool, error) {
	candidates := buildCandidates(definition, code)
	if len(candidates) == 0 {
		return false, nil
	}

	match, target, err := findNearestHandler(cc, definition, candidates, fromExecution)
	if err != nil {
		return false, err
	}

	if match == nil {
		return false, nil
	}

	if err := triggerHandler(cc, definition, code, match, target, fromExecution); err != nil {
		return false, err
	}

	return true, nil
}

// buildCandidates maps catch locations of the current definition for the
// given code. For an activity with several qualifying boundary events, the
// first declared wins; later declarations are ignored for compatibility with
// the declaration-order tie-break.
func buildCandidates(definition *models.ProcessDefinition, code string) map[string]handler {
	candidates := make(map[string]handler)

	for _, subprocess := range definition.EventSubprocesses() {
		start := definition.StartEventOf(subprocess.ID)
		if start == nil || start.Event == nil || start.Event.Kind != models.EventError {
			continue
		}

		if !codeMatches(definition, start.Event.Ref, code) {
			continue
		}

		if _, exists := candidates[subprocess.ID]; !exists {
			candidates[subprocess.ID] = handler{kind: handlerEventSubprocess, event: start, scope: subprocess}
		}
	}

	for _, element := range definition.Elements {
		if element.Type != models.ElementBoundaryEvent || element.Event == nil || element.Event.Kind != models.EventError {
			continue
		}

		if !codeMatches(definition, element.Event.Ref, code) {
			continue
		}

		if _, exists := candidates[element.AttachedToID]; !exists {
			candidates[element.AttachedToID] = handler{kind: handlerBoundary, event: element}
		}
	}

	return candidates
}

// codeMatches applies the wildcard rule: an undeclared reference on either
// side matches everything.
func codeMatches(definition *models.ProcessDefinition, declaredRef, thrownCode string) bool {
	if declaredRef == "" || thrownCode == "" {
		return true
	}

	return definition.ResolveErrorCode(declaredRef) == thrownCode
}

// findNearestHandler walks from the throwing execution up through its parents
// looking for the nearest enclosing execution whose position matches a
// candidate key. Event-subprocess candidates match the execution owning their
// containing scope (the instance root for process-level event subprocesses).
// Multi-instance activities redirect the match target to the multi-instance
// root execution.
func findNearestHandler(cc *runtime.CommandContext, definition *models.ProcessDefinition, candidates map[string]handler, fromExecution *models.Execution) (*handler, *models.Execution, error) {
	chain := []*models.Execution{fromExecution}

	ancestors, err := runtime.AncestorsOf(cc, fromExecution)
	if err != nil {
		return nil, nil, err
	}

	chain = append(chain, ancestors...)

	for _, execution := range chain {
		if match, exists := candidates[execution.CurrentElementID]; exists {
			target, err := redirectMultiInstance(cc, definition, execution)
			if err != nil {
				return nil, nil, err
			}

			return &match, target, nil
		}

		// Declaration order decides between several qualifying
		// event-subprocesses in the same scope.
		for _, subprocess := range definition.EventSubprocesses() {
			match, exists := candidates[subprocess.ID]
			if !exists || match.kind != handlerEventSubprocess {
				continue
			}

			hostsSubprocess := match.scope.ScopeID == "" && execution.IsProcessInstanceRoot() ||
				match.scope.ScopeID != "" && execution.CurrentElementID == match.scope.ScopeID
			if hostsSubprocess {
				return &match, execution, nil
			}
		}
	}

	return nil, nil, nil
}

// redirectMultiInstance moves the match target from an iteration execution to
// the execution coordinating all iterations of a multi-instance activity.
func redirectMultiInstance(cc *runtime.CommandContext, definition *models.ProcessDefinition, execution *models.Execution) (*models.Execution, error) {
	element := definition.ElementByID(execution.CurrentElementID)
	if element == nil || !element.MultiInstance || execution.MultiInstanceRoot {
		return execution, nil
	}

	current := execution
	for current.ParentID != "" {
		parent, err := cc.Executions.ByID(cc.Context, current.ParentID)
		if err != nil {
			return nil, err
		}

		if parent.MultiInstanceRoot {
			return parent, nil
		}

		current = parent
	}

	return execution, nil
}

// escalateToParentProcesses deletes the interposed sub-process instances one
// level at a time, announcing each as completed-with-error, and retries the
// handler search against every ancestor definition until one catches or the
// root process is exhausted.
func escalateToParentProcesses(cc *runtime.CommandContext, code string, fromExecution *models.Execution) error {
	instanceRoot, err := runtime.InstanceRootOf(cc, fromExecution)
	if err != nil {
		return err
	}

	for instanceRoot.SuperExecutionID != "" {
		super, err := cc.Executions.ByID(cc.Context, instanceRoot.SuperExecutionID)
		if err != nil {
			return fmt.Errorf("broken super-execution link on instance %s: %w", instanceRoot.ProcessInstanceID, err)
		}

		reason := fmt.Sprintf("error %s escalated to parent process", code)
		if err := runtime.DeleteExecutionAndRelatedData(cc, instanceRoot, reason); err != nil {
			return err
		}

		completed := events.ProcessCompletedWithError{
			BaseEvent: events.NewBaseEvent(events.ProcessCompletedWithErrorEvent, instanceRoot.ProcessInstanceID),
			ErrorCode: code,
		}
		completed.TenantID = instanceRoot.TenantID
		cc.PublishEvent(completed)

		definition, err := cc.DefinitionOf(super)
		if err != nil {
			return err
		}

		matched, err := findAndTrigger(cc, definition, code, super)
		if err != nil || matched {
			return err
		}

		instanceRoot, err = runtime.InstanceRootOf(cc, super)
		if err != nil {
			return err
		}
	}

	return &NoHandlerError{Code: code}
}

// triggerHandler fires the matched catch location. An event-subprocess start
// event gets a fresh child execution under the hosting scope; a boundary
// event gets a trigger on the sibling execution positioned at it.
func triggerHandler(cc *runtime.CommandContext, definition *models.ProcessDefinition, code string, match *handler, target, fromExecution *models.Execution) error {
	received := events.ActivityErrorReceived{
		BaseEvent:   events.NewBaseEvent(events.ActivityErrorReceivedEvent, target.ProcessInstanceID),
		ExecutionID: target.ID,
		ActivityID:  match.event.ID,
		ErrorCode:   code,
	}
	received.TenantID = target.TenantID
	cc.PublishEvent(received)

	if match.kind == handlerEventSubprocess {
		return triggerEventSubprocess(cc, code, match, target, fromExecution)
	}

	return triggerBoundaryEvent(cc, match, target)
}

func triggerEventSubprocess(cc *runtime.CommandContext, code string, match *handler, target, fromExecution *models.Execution) error {
	reason := fmt.Sprintf("error %s caught by event subprocess %s", code, match.scope.ID)

	// The thrower's scope is torn down before the handler starts. A direct
	// child of the hosting scope can be deleted inline; anything deeper goes
	// through the agenda so the cascade stays ordered.
	if fromExecution.ProcessInstanceID == target.ProcessInstanceID {
		if fromExecution.ParentID == target.ID {
			if err := runtime.DeleteExecutionAndRelatedData(cc, fromExecution, reason); err != nil {
				return err
			}
		} else {
			scopeChild, err := childScopeBetween(cc, target, fromExecution)
			if err != nil {
				return err
			}

			if scopeChild != nil {
				cc.Agenda.PlanDestroyScope(scopeChild.ID, reason)
			}
		}
	}

	child, err := runtime.CreateChildExecution(cc, target)
	if err != nil {
		return err
	}

	child.CurrentElementID = match.event.ID
	if err := cc.Executions.Update(cc.Context, child); err != nil {
		return err
	}

	cc.Agenda.PlanContinueProcess(child.ID)

	return nil
}

// childScopeBetween finds the ancestor of fromExecution that is a direct
// child of the target scope execution.
func childScopeBetween(cc *runtime.CommandContext, target, fromExecution *models.Execution) (*models.Execution, error) {
	current := fromExecution
	for current.ParentID != "" {
		if current.ParentID == target.ID {
			return current, nil
		}

		parent, err := cc.Executions.ByID(cc.Context, current.ParentID)
		if err != nil {
			return nil, err
		}

		current = parent
	}

	return nil, nil
}

func triggerBoundaryEvent(cc *runtime.CommandContext, match *handler, target *models.Execution) error {
	siblingParentID := target.ParentID
	if siblingParentID == "" {
		siblingParentID = target.ID
	}

	siblings, err := cc.Executions.ChildrenOf(cc.Context, siblingParentID)
	if err != nil {
		return err
	}

	for _, sibling := range siblings {
		if sibling.CurrentElementID == match.event.ID {
			cc.Agenda.PlanTriggerExecution(sibling.ID)

			return nil
		}
	}

	// No execution is waiting at the boundary event yet; materialize one so
	// the trigger has a token to act on.
	parent, err := cc.Executions.ByID(cc.Context, siblingParentID)
	if err != nil {
		return err
	}

	boundary, err := runtime.CreateChildExecution(cc, parent)
	if err != nil {
		return err
	}

	boundary.CurrentElementID = match.event.ID
	boundary.Active = false

	if err := cc.Executions.Update(cc.Context, boundary); err != nil {
		return err
	}

	cc.Agenda.PlanTriggerExecution(boundary.ID)

	return nil
}
