// Package deploy validates and persists process definitions, assigning
// versions per key and registering start-event subscriptions.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/runtime"
	"github.com/dukex/procession/pkg/subscription"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// ValidationError collects every problem found in a submitted definition.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid process definition: %s", strings.Join(e.Issues, "; "))
}

// IsValidationError checks whether an error is a definition validation
// failure.
func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}

// Deployer turns raw definition JSON into a deployed, versioned process
// definition.
type Deployer struct {
	engine  *runtime.Engine
	manager *subscription.Manager
	schema  *gojsonschema.Schema
	logger  *slog.Logger
}

func NewDeployer(engine *runtime.Engine, manager *subscription.Manager, logger *slog.Logger) (*Deployer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(definitionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile definition schema: %w", err)
	}

	return &Deployer{
		engine:  engine,
		manager: manager,
		schema:  schema,
		logger:  logger.With("module", "deployer"),
	}, nil
}

// Deploy validates raw definition JSON, assigns the next version of its key
// and persists it together with its start-event subscriptions. A start-message
// name already claimed by another deployed definition aborts the whole
// deployment.
func (d *Deployer) Deploy(ctx context.Context, raw []byte) (*models.ProcessDefinition, error) {
	definition, err := d.parse(raw)
	if err != nil {
		return nil, err
	}

	previous, err := d.engine.Persistence().Definitions().LatestByKey(ctx, definition.Key, definition.TenantID)
	if err != nil && !errors.Is(err, persistence.ErrDefinitionNotFound) {
		return nil, err
	}

	definition.ID = uuid.New().String()
	definition.Version = 1
	definition.CreatedAt = time.Now()

	if previous != nil {
		definition.Version = previous.Version + 1
	}

	err = d.engine.RunCommand(ctx, "deploy-definition", func(cc *runtime.CommandContext) error {
		if err := d.manager.OnDefinitionDeployed(cc, definition, previous); err != nil {
			return err
		}

		return cc.Definitions.Save(cc.Context, definition)
	})
	if err != nil {
		return nil, err
	}

	d.logger.InfoContext(ctx, "Deployed process definition",
		"definition_id", definition.ID, "key", definition.Key, "version", definition.Version)

	return definition, nil
}

func (d *Deployer) parse(raw []byte) (*models.ProcessDefinition, error) {
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &ValidationError{Issues: []string{err.Error()}}
	}

	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			issues = append(issues, issue.String())
		}

		return nil, &ValidationError{Issues: issues}
	}

	var definition models.ProcessDefinition
	if err := json.Unmarshal(raw, &definition); err != nil {
		return nil, &ValidationError{Issues: []string{err.Error()}}
	}

	if issues := checkReferences(&definition); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	return &definition, nil
}

// checkReferences verifies the decoded graph is internally consistent: ids
// unique, scope and attachment references resolvable, event declarations
// present where the element kind requires one.
func checkReferences(definition *models.ProcessDefinition) []string {
	var issues []string

	seen := make(map[string]bool, len(definition.Elements))

	for _, element := range definition.Elements {
		if seen[element.ID] {
			issues = append(issues, fmt.Sprintf("duplicate element id %q", element.ID))
		}

		seen[element.ID] = true
	}

	for _, element := range definition.Elements {
		if element.ScopeID != "" && !seen[element.ScopeID] {
			issues = append(issues, fmt.Sprintf("element %q references unknown scope %q", element.ID, element.ScopeID))
		}

		switch element.Type {
		case models.ElementBoundaryEvent:
			if element.AttachedToID == "" || !seen[element.AttachedToID] {
				issues = append(issues, fmt.Sprintf("boundary event %q is not attached to a known activity", element.ID))
			}

			if element.Event == nil {
				issues = append(issues, fmt.Sprintf("boundary event %q has no event definition", element.ID))
			}
		case models.ElementCallActivity:
			if element.CalledProcessKey == "" {
				issues = append(issues, fmt.Sprintf("call activity %q has no called process key", element.ID))
			}
		case models.ElementEventSubprocess:
			if start := definition.StartEventOf(element.ID); start == nil || start.Event == nil {
				issues = append(issues, fmt.Sprintf("event subprocess %q has no typed start event", element.ID))
			}
		}
	}

	return issues
}
