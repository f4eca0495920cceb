package bpmnerror

import (
	"errors"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/runtime"
)

// MapException resolves a technical fault to a business error code using the
// declared mappings of the failing activity. Entries are scanned in order; an
// entry with an empty fault type is the default and applies only when nothing
// else matched. When the local activity maps nothing, the mappings of the
// nearest enclosing call activity are tried before giving up, walking the
// super-execution chain outward.
func MapException(cc *runtime.CommandContext, fault *models.Fault, execution *models.Execution, mappings []models.ExceptionMapping) (string, bool, error) {
	if code, ok := matchMappings(fault, mappings); ok {
		return code, true, nil
	}

	current := execution

	for {
		callActivity, super, err := enclosingCallActivity(cc, current)
		if err != nil {
			return "", false, err
		}

		if callActivity == nil {
			return "", false, nil
		}

		if code, ok := matchMappings(fault, callActivity.ExceptionMappings); ok {
			return code, true, nil
		}

		current = super
	}
}

// matchMappings applies the ordered matching rule: exact type name first,
// declared-supertype when the entry opts in, default entry only as a last
// resort.
func matchMappings(fault *models.Fault, mappings []models.ExceptionMapping) (string, bool) {
	var defaultCode string

	var hasDefault bool

	for _, mapping := range mappings {
		if mapping.FaultType == "" {
			if !hasDefault {
				defaultCode = mapping.ErrorCode
				hasDefault = true
			}

			continue
		}

		if fault.Type == mapping.FaultType {
			return mapping.ErrorCode, true
		}

		if mapping.MatchSubtypes && fault.IsSubtypeOf(mapping.FaultType) {
			return mapping.ErrorCode, true
		}
	}

	if hasDefault {
		return defaultCode, true
	}

	return "", false
}

// enclosingCallActivity returns the call-activity element that spawned the
// execution's process instance, plus the super execution positioned at it.
func enclosingCallActivity(cc *runtime.CommandContext, execution *models.Execution) (*models.FlowElement, *models.Execution, error) {
	instanceRoot, err := runtime.InstanceRootOf(cc, execution)
	if err != nil {
		return nil, nil, err
	}

	if instanceRoot.SuperExecutionID == "" {
		return nil, nil, nil
	}

	super, err := cc.Executions.ByID(cc.Context, instanceRoot.SuperExecutionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, nil, nil
		}

		return nil, nil, err
	}

	definition, err := cc.DefinitionOf(super)
	if err != nil {
		return nil, nil, err
	}

	element := definition.ElementByID(super.CurrentElementID)
	if element == nil || element.Type != models.ElementCallActivity {
		return nil, super, nil
	}

	return element, super, nil
}

// PropagateFault is the technical-fault entry point: the fault is first
// tested against the activity's declared mappings (escalating to enclosing
// call activities); a match converts it to a business error and re-enters
// PropagateError. An unmapped fault is returned unmodified so the caller's
// retry policy applies.
func PropagateFault(cc *runtime.CommandContext, fault *models.Fault, execution *models.Execution) error {
	definition, err := cc.DefinitionOf(execution)
	if err != nil {
		return err
	}

	var mappings []models.ExceptionMapping
	if element := definition.ElementByID(execution.CurrentElementID); element != nil {
		mappings = element.ExceptionMappings
	}

	code, mapped, err := MapException(cc, fault, execution, mappings)
	if err != nil {
		return err
	}

	if !mapped {
		return fault
	}

	return PropagateError(cc, code, execution)
}
