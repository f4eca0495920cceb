package migration

import (
	"errors"

	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/runtime"
)

// Apply executes a change-state request inside an open command. Directives
// run in order against the live execution tree; any rejection aborts the
// whole command, so the caller's transaction rolls every directive back.
func Apply(cc *runtime.CommandContext, request *models.ChangeStateRequest) error {
	root, err := cc.Executions.ByID(cc.Context, request.ProcessInstanceID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return rejectf("process instance %s not found", request.ProcessInstanceID)
		}

		return err
	}

	if !root.IsProcessInstanceRoot() {
		return rejectf("execution %s is not a process instance root", request.ProcessInstanceID)
	}

	definition, err := cc.DefinitionOf(root)
	if err != nil {
		return err
	}

	reason := request.Reason
	if reason == "" {
		reason = "state migration"
	}

	for i := range request.Directives {
		if err := applyDirective(cc, root, definition, &request.Directives[i], request.LocalVariables, reason); err != nil {
			return err
		}
	}

	if len(request.ProcessVariables) > 0 {
		root, err = cc.Executions.ByID(cc.Context, root.ID)
		if err != nil {
			return err
		}

		root.Variables = mergeVariables(root.Variables, request.ProcessVariables)
		if err := cc.Executions.Update(cc.Context, root); err != nil {
			return err
		}
	}

	migrated := events.StateMigrated{
		BaseEvent:      events.NewBaseEvent(events.StateMigratedEvent, root.ProcessInstanceID),
		Reason:         request.Reason,
		DirectiveCount: len(request.Directives),
	}
	migrated.TenantID = root.TenantID
	cc.PublishEvent(migrated)

	return nil
}

func applyDirective(cc *runtime.CommandContext, root *models.Execution, definition *models.ProcessDefinition, directive *models.MoveDirective, localVariables map[string]map[string]any, reason string) error {
	sources, err := resolveSources(cc, root, directive)
	if err != nil {
		return err
	}

	switch {
	case directive.MoveToSubProcessInstance:
		return moveToSubProcessInstance(cc, root, definition, sources, directive, localVariables, reason)
	case directive.MoveToParentProcess:
		return moveToParentProcess(cc, root, sources, directive, localVariables, reason)
	default:
		return moveWithinInstance(cc, root, definition, sources, directive, localVariables, reason)
	}
}

// resolveSources expands a directive's source selector to concrete
// executions. Activity ids expand to every active execution currently at
// that activity within the instance.
func resolveSources(cc *runtime.CommandContext, root *models.Execution, directive *models.MoveDirective) ([]*models.Execution, error) {
	var sources []*models.Execution

	for _, id := range directive.ExecutionIDs {
		execution, err := cc.Executions.ByID(cc.Context, id)
		if err != nil {
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				return nil, rejectf("execution %s not found", id)
			}

			return nil, err
		}

		if execution.ProcessInstanceID != root.ProcessInstanceID {
			return nil, rejectf("execution %s does not belong to process instance %s", id, root.ProcessInstanceID)
		}

		sources = append(sources, execution)
	}

	for _, activityID := range directive.ActivityIDs {
		atActivity, err := cc.Executions.ActiveByActivity(cc.Context, root.ProcessInstanceID, activityID)
		if err != nil {
			return nil, err
		}

		if len(atActivity) == 0 {
			return nil, rejectf("no active executions at activity %q", activityID)
		}

		sources = append(sources, atActivity...)
	}

	for _, source := range sources {
		if source.IsProcessInstanceRoot() {
			return nil, rejectf("cannot move the process instance root %s", source.ID)
		}

		if source.EventScope {
			return nil, rejectf("execution %s is an event scope and cannot be moved", source.ID)
		}
	}

	return sources, nil
}

// moveWithinInstance handles the in-instance cardinalities: a single token
// moves in place keeping its identity, several tokens collapse into one new
// execution, and one token fans out into one execution per destination.
func moveWithinInstance(cc *runtime.CommandContext, root *models.Execution, definition *models.ProcessDefinition, sources []*models.Execution, directive *models.MoveDirective, localVariables map[string]map[string]any, reason string) error {
	for _, target := range directive.ToActivityIDs {
		if err := validateTarget(definition, target); err != nil {
			return err
		}
	}

	switch {
	case len(sources) == 1 && len(directive.ToActivityIDs) == 1:
		return moveSingle(cc, root, definition, sources[0], directive.ToActivityIDs[0], directive, localVariables, reason)

	case len(sources) > 1 && len(directive.ToActivityIDs) == 1:
		for _, source := range sources {
			if err := tearDownSource(cc, root, source, reason); err != nil {
				return err
			}
		}

		_, err := createTokenAt(cc, root, definition, directive.ToActivityIDs[0], directive, localVariables)

		return err

	case len(sources) == 1 && len(directive.ToActivityIDs) > 1:
		if err := tearDownSource(cc, root, sources[0], reason); err != nil {
			return err
		}

		for _, target := range directive.ToActivityIDs {
			if _, err := createTokenAt(cc, root, definition, target, directive, localVariables); err != nil {
				return err
			}
		}

		return nil

	default:
		return rejectf("unsupported cardinality: %d sources to %d targets", len(sources), len(directive.ToActivityIDs))
	}
}

// moveSingle relocates one execution without changing its identity: the
// element pointer and parent link are rewritten and the abandoned scope chain
// is pruned.
func moveSingle(cc *runtime.CommandContext, root *models.Execution, definition *models.ProcessDefinition, source *models.Execution, target string, directive *models.MoveDirective, localVariables map[string]map[string]any, reason string) error {
	parent, err := ensureScopeChain(cc, root, definition, target)
	if err != nil {
		return err
	}

	previousParentID := source.ParentID

	source.CurrentElementID = target
	source.ParentID = parent.ID
	source.Active = true
	applyTokenVariables(source, target, directive, localVariables)

	if err := cc.Executions.Update(cc.Context, source); err != nil {
		return err
	}

	if previousParentID != parent.ID {
		if err := pruneAbandonedScopes(cc, root, previousParentID, reason); err != nil {
			return err
		}
	}

	cc.Agenda.PlanContinueProcess(source.ID)

	return nil
}

// createTokenAt creates a fresh active execution at the target activity,
// under a scope chain matching the target's enclosing scopes.
func createTokenAt(cc *runtime.CommandContext, root *models.Execution, definition *models.ProcessDefinition, target string, directive *models.MoveDirective, localVariables map[string]map[string]any) (*models.Execution, error) {
	parent, err := ensureScopeChain(cc, root, definition, target)
	if err != nil {
		return nil, err
	}

	execution, err := runtime.CreateChildExecution(cc, parent)
	if err != nil {
		return nil, err
	}

	execution.CurrentElementID = target
	applyTokenVariables(execution, target, directive, localVariables)

	if err := cc.Executions.Update(cc.Context, execution); err != nil {
		return nil, err
	}

	cc.Agenda.PlanContinueProcess(execution.ID)

	return execution, nil
}

func applyTokenVariables(execution *models.Execution, target string, directive *models.MoveDirective, localVariables map[string]map[string]any) {
	if vars, ok := localVariables[target]; ok {
		execution.Variables = mergeVariables(execution.Variables, vars)
	}

	if directive.NewAssigneeID != "" {
		if execution.Variables == nil {
			execution.Variables = make(map[string]any)
		}

		execution.Variables["assignee"] = directive.NewAssigneeID
	}
}

func tearDownSource(cc *runtime.CommandContext, root *models.Execution, source *models.Execution, reason string) error {
	previousParentID := source.ParentID

	if err := runtime.DeleteExecutionAndRelatedData(cc, source, reason); err != nil {
		return err
	}

	return pruneAbandonedScopes(cc, root, previousParentID, reason)
}

// moveToParentProcess relocates tokens out of a call-activity sub-process
// instance into its calling process. The target executions are created in the
// parent instance first; then the sub-process instance and the waiting call
// activity execution are destroyed on the way up.
func moveToParentProcess(cc *runtime.CommandContext, root *models.Execution, sources []*models.Execution, directive *models.MoveDirective, localVariables map[string]map[string]any, reason string) error {
	if root.SuperExecutionID == "" {
		return rejectf("process instance %s has no parent process", root.ProcessInstanceID)
	}

	super, err := cc.Executions.ByID(cc.Context, root.SuperExecutionID)
	if err != nil {
		return err
	}

	parentRoot, err := runtime.InstanceRootOf(cc, super)
	if err != nil {
		return err
	}

	parentDefinition, err := cc.DefinitionOf(super)
	if err != nil {
		return err
	}

	for _, target := range directive.ToActivityIDs {
		if err := validateTarget(parentDefinition, target); err != nil {
			return err
		}
	}

	if len(sources) == 0 {
		return rejectf("move to parent process needs at least one source")
	}

	for _, target := range directive.ToActivityIDs {
		if _, err := createTokenAt(cc, parentRoot, parentDefinition, target, directive, localVariables); err != nil {
			return err
		}
	}

	// Deleting the call activity execution cascades through its
	// super-execution link into the sub-process instance, destroying every
	// intervening scope.
	previousParentID := super.ParentID

	if err := runtime.DeleteExecutionAndRelatedData(cc, super, reason); err != nil {
		return err
	}

	return pruneAbandonedScopes(cc, parentRoot, previousParentID, reason)
}

// moveToSubProcessInstance relocates tokens into a sub-process instance
// behind the named call activity, starting the instance first when none is
// running. An explicit version pins the definition of a newly started
// instance; otherwise the latest deployed version of the called key is used.
func moveToSubProcessInstance(cc *runtime.CommandContext, root *models.Execution, definition *models.ProcessDefinition, sources []*models.Execution, directive *models.MoveDirective, localVariables map[string]map[string]any, reason string) error {
	callElement := definition.ElementByID(directive.CallActivityID)
	if callElement == nil || callElement.Type != models.ElementCallActivity {
		return rejectf("element %q is not a call activity", directive.CallActivityID)
	}

	subRoot, err := findRunningSubInstance(cc, root, directive.CallActivityID)
	if err != nil {
		return err
	}

	if subRoot == nil {
		subRoot, err = startSubInstance(cc, root, definition, callElement, directive)
		if err != nil {
			return err
		}
	}

	subDefinition, err := cc.DefinitionOf(subRoot)
	if err != nil {
		return err
	}

	for _, target := range directive.ToActivityIDs {
		if err := validateTarget(subDefinition, target); err != nil {
			return err
		}
	}

	for _, target := range directive.ToActivityIDs {
		if _, err := createTokenAt(cc, subRoot, subDefinition, target, directive, localVariables); err != nil {
			return err
		}
	}

	for _, source := range sources {
		if err := tearDownSource(cc, root, source, reason); err != nil {
			return err
		}
	}

	return nil
}

func findRunningSubInstance(cc *runtime.CommandContext, root *models.Execution, callActivityID string) (*models.Execution, error) {
	callExecutions, err := cc.Executions.ActiveByActivity(cc.Context, root.ProcessInstanceID, callActivityID)
	if err != nil {
		return nil, err
	}

	for _, callExecution := range callExecutions {
		subRoot, err := cc.Executions.BySuperExecution(cc.Context, callExecution.ID)
		if err != nil {
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				continue
			}

			return nil, err
		}

		return subRoot, nil
	}

	return nil, nil
}

func startSubInstance(cc *runtime.CommandContext, root *models.Execution, definition *models.ProcessDefinition, callElement *models.FlowElement, directive *models.MoveDirective) (*models.Execution, error) {
	var (
		subDefinition *models.ProcessDefinition
		err           error
	)

	if directive.SubProcessDefinitionVersion > 0 {
		subDefinition, err = cc.Definitions.ByKeyAndVersion(cc.Context, callElement.CalledProcessKey, directive.SubProcessDefinitionVersion, root.TenantID)
	} else {
		subDefinition, err = cc.Definitions.LatestByKey(cc.Context, callElement.CalledProcessKey, root.TenantID)
	}

	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return nil, rejectf("no deployed definition for called process %q version %d", callElement.CalledProcessKey, directive.SubProcessDefinitionVersion)
		}

		return nil, err
	}

	parent, err := ensureScopeChain(cc, root, definition, callElement.ID)
	if err != nil {
		return nil, err
	}

	callExecution, err := runtime.CreateChildExecution(cc, parent)
	if err != nil {
		return nil, err
	}

	callExecution.CurrentElementID = callElement.ID
	if err := cc.Executions.Update(cc.Context, callExecution); err != nil {
		return nil, err
	}

	return runtime.StartProcessInstance(cc, subDefinition, callExecution, nil)
}

// ensureScopeChain walks the target's enclosing scopes outermost first,
// reusing the running scope execution at each level and creating the missing
// ones, and returns the execution the moved token should hang under.
func ensureScopeChain(cc *runtime.CommandContext, root *models.Execution, definition *models.ProcessDefinition, target string) (*models.Execution, error) {
	scopes := definition.EnclosingScopes(target)

	parent := root

	for i := len(scopes) - 1; i >= 0; i-- {
		scopeID := scopes[i]

		existing, err := cc.Executions.ActiveByActivity(cc.Context, root.ProcessInstanceID, scopeID)
		if err != nil {
			return nil, err
		}

		var scopeExecution *models.Execution

		for _, candidate := range existing {
			if !candidate.EventScope {
				scopeExecution = candidate

				break
			}
		}

		if scopeExecution == nil {
			scopeExecution, err = runtime.CreateChildExecution(cc, parent)
			if err != nil {
				return nil, err
			}

			scopeExecution.CurrentElementID = scopeID
			if err := cc.Executions.Update(cc.Context, scopeExecution); err != nil {
				return nil, err
			}
		}

		parent = scopeExecution
	}

	return parent, nil
}

// pruneAbandonedScopes deletes scope executions left childless by a move,
// walking upward from the vacated parent until a still-populated scope, the
// instance root or an event scope stops the climb.
func pruneAbandonedScopes(cc *runtime.CommandContext, root *models.Execution, fromID, reason string) error {
	currentID := fromID

	for currentID != "" && currentID != root.ID {
		execution, err := cc.Executions.ByID(cc.Context, currentID)
		if err != nil {
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				return nil
			}

			return err
		}

		if execution.EventScope {
			return nil
		}

		children, err := cc.Executions.ChildrenOf(cc.Context, execution.ID)
		if err != nil {
			return err
		}

		if len(children) > 0 {
			return nil
		}

		nextID := execution.ParentID

		if err := runtime.DeleteExecutionAndRelatedData(cc, execution, reason); err != nil {
			return err
		}

		currentID = nextID
	}

	return nil
}

func validateTarget(definition *models.ProcessDefinition, target string) error {
	element := definition.ElementByID(target)
	if element == nil {
		return rejectf("unknown target activity %q in definition %s", target, definition.ID)
	}

	if element.Type == models.ElementBoundaryEvent {
		return rejectf("cannot move a token onto boundary event %q", target)
	}

	return nil
}

func mergeVariables(base, extra map[string]any) map[string]any {
	merged := models.CloneVariables(base)
	if merged == nil {
		merged = make(map[string]any)
	}

	for key, value := range models.CloneVariables(extra) {
		merged[key] = value
	}

	return merged
}
