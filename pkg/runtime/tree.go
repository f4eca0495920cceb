package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/procession/pkg/events"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/google/uuid"
)

// CreateChildExecution creates a new execution under parent, copying tenant
// and root-instance identity. The child starts active and is not an event
// scope.
func CreateChildExecution(cc *CommandContext, parent *models.Execution) (*models.Execution, error) {
	child := &models.Execution{
		ID:                    uuid.New().String(),
		ProcessInstanceID:     parent.ProcessInstanceID,
		ParentID:              parent.ID,
		RootProcessInstanceID: parent.RootProcessInstanceID,
		ProcessDefinitionID:   parent.ProcessDefinitionID,
		TenantID:              parent.TenantID,
		Active:                true,
		EventScope:            false,
		CreatedAt:             time.Now(),
	}

	if err := cc.Executions.Create(cc.Context, child); err != nil {
		return nil, fmt.Errorf("failed to create child of execution %s: %w", parent.ID, err)
	}

	event := events.ExecutionCreated{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCreatedEvent, child.ProcessInstanceID),
		ExecutionID: child.ID,
		ParentID:    parent.ID,
	}
	event.TenantID = child.TenantID
	cc.PublishEvent(event)

	return child, nil
}

// StartProcessInstance creates the root execution of a new process instance
// for the given definition. superExecution is non-nil when the instance is
// spawned by a call activity; the new tree then shares the caller's root
// process instance id.
func StartProcessInstance(cc *CommandContext, definition *models.ProcessDefinition, superExecution *models.Execution, variables map[string]any) (*models.Execution, error) {
	root := &models.Execution{
		ID:                  uuid.New().String(),
		ProcessDefinitionID: definition.ID,
		TenantID:            definition.TenantID,
		Active:              true,
		Variables:           models.CloneVariables(variables),
		CreatedAt:           time.Now(),
	}

	root.ProcessInstanceID = root.ID
	root.RootProcessInstanceID = root.ID

	if superExecution != nil {
		root.SuperExecutionID = superExecution.ID
		root.RootProcessInstanceID = superExecution.RootProcessInstanceID
	}

	if err := cc.Executions.Create(cc.Context, root); err != nil {
		return nil, fmt.Errorf("failed to start process instance for definition %s: %w", definition.ID, err)
	}

	event := events.ExecutionCreated{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCreatedEvent, root.ProcessInstanceID),
		ExecutionID: root.ID,
	}
	event.TenantID = root.TenantID
	cc.PublishEvent(event)

	return root, nil
}

// DeleteExecutionAndRelatedData removes an execution, all of its descendants,
// every subscription anchored on them, and any sub-process instances spawned
// from within the deleted subtree. The cascade is synchronous and complete:
// it never leaves a partially deleted subtree behind.
func DeleteExecutionAndRelatedData(cc *CommandContext, execution *models.Execution, reason string) error {
	subtree, err := collectSubtree(cc, execution)
	if err != nil {
		return err
	}

	// Children go before parents so parent links never dangle mid-cascade.
	for i := len(subtree) - 1; i >= 0; i-- {
		if err := deleteSingleExecution(cc, subtree[i], reason); err != nil {
			return err
		}
	}

	return nil
}

// collectSubtree returns the execution and all descendants in breadth-first
// order, following child links and call-activity links into sub-process
// instances.
func collectSubtree(cc *CommandContext, execution *models.Execution) ([]*models.Execution, error) {
	subtree := []*models.Execution{execution}

	for cursor := 0; cursor < len(subtree); cursor++ {
		current := subtree[cursor]

		children, err := cc.Executions.ChildrenOf(cc.Context, current.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list children of execution %s: %w", current.ID, err)
		}

		subtree = append(subtree, children...)

		subInstance, err := cc.Executions.BySuperExecution(cc.Context, current.ID)
		if err != nil {
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				continue
			}

			return nil, err
		}

		subtree = append(subtree, subInstance)
	}

	return subtree, nil
}

func deleteSingleExecution(cc *CommandContext, execution *models.Execution, reason string) error {
	if err := deleteSubscriptionsOf(cc, execution.ID); err != nil {
		return err
	}

	if err := cc.Executions.Delete(cc.Context, execution.ID); err != nil {
		return fmt.Errorf("failed to delete execution %s: %w", execution.ID, err)
	}

	event := events.ExecutionDeleted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionDeletedEvent, execution.ProcessInstanceID),
		ExecutionID: execution.ID,
		Reason:      reason,
	}
	event.TenantID = execution.TenantID
	cc.PublishEvent(event)

	return nil
}

func deleteSubscriptionsOf(cc *CommandContext, executionID string) error {
	subscriptions, err := cc.Subscriptions.ByExecution(cc.Context, executionID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions of execution %s: %w", executionID, err)
	}

	for _, subscription := range subscriptions {
		if err := cc.Subscriptions.Delete(cc.Context, subscription.ID); err != nil {
			return fmt.Errorf("failed to delete subscription %s: %w", subscription.ID, err)
		}
	}

	return nil
}

// AncestorsOf returns the parent chain of an execution within its process
// instance, nearest first. The walk is iterative over id references.
func AncestorsOf(cc *CommandContext, execution *models.Execution) ([]*models.Execution, error) {
	var ancestors []*models.Execution

	current := execution
	for current.ParentID != "" {
		parent, err := cc.Executions.ByID(cc.Context, current.ParentID)
		if err != nil {
			return nil, fmt.Errorf("broken parent link on execution %s: %w", current.ID, err)
		}

		ancestors = append(ancestors, parent)
		current = parent
	}

	return ancestors, nil
}

// InstanceRootOf returns the root execution of an execution's process
// instance.
func InstanceRootOf(cc *CommandContext, execution *models.Execution) (*models.Execution, error) {
	if execution.IsProcessInstanceRoot() {
		return execution, nil
	}

	root, err := cc.Executions.ByID(cc.Context, execution.ProcessInstanceID)
	if err != nil {
		return nil, fmt.Errorf("instance root missing for execution %s: %w", execution.ID, err)
	}

	return root, nil
}

// IsAncestor reports whether ancestorID appears on the parent chain of the
// given execution.
func IsAncestor(cc *CommandContext, ancestorID string, execution *models.Execution) (bool, error) {
	current := execution
	for current.ParentID != "" {
		if current.ParentID == ancestorID {
			return true, nil
		}

		parent, err := cc.Executions.ByID(cc.Context, current.ParentID)
		if err != nil {
			return false, err
		}

		current = parent
	}

	return false, nil
}
