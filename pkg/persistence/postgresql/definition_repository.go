package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
)

const definitionColumns = `
	id
  , key
  , version
  , name
  , tenant_id
  , elements
  , errors
  , messages
  , signals
  , created_at
`

// DefinitionRepository handles process-definition database operations.
// Definitions are immutable once saved.
type DefinitionRepository struct {
	q      queryer
	logger *slog.Logger
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(q queryer, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{q: q, logger: logger}
}

func (r *DefinitionRepository) Save(ctx context.Context, definition *models.ProcessDefinition) error {
	elementsJSON, err := json.Marshal(definition.Elements)
	if err != nil {
		return fmt.Errorf("failed to marshal elements: %w", err)
	}

	errorsJSON, err := json.Marshal(definition.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	messagesJSON, err := json.Marshal(definition.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	signalsJSON, err := json.Marshal(definition.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}

	query := `
		INSERT INTO process_definitions (` + definitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.q.ExecContext(ctx, query,
		definition.ID,
		definition.Key,
		definition.Version,
		definition.Name,
		definition.TenantID,
		elementsJSON,
		errorsJSON,
		messagesJSON,
		signalsJSON,
		definition.CreatedAt,
	)
	if err != nil {
		return persistence.NewStorageError("Save", "definition", definition.ID, err)
	}

	return nil
}

func (r *DefinitionRepository) ByID(ctx context.Context, id string) (*models.ProcessDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM process_definitions WHERE id = $1`

	return r.scanOne(r.q.QueryRowContext(ctx, query, id), "ByID", id)
}

func (r *DefinitionRepository) LatestByKey(ctx context.Context, key, tenantID string) (*models.ProcessDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM process_definitions
		WHERE key = $1 AND tenant_id = $2
		ORDER BY version DESC
		LIMIT 1
	`

	return r.scanOne(r.q.QueryRowContext(ctx, query, key, tenantID), "LatestByKey", key)
}

func (r *DefinitionRepository) ByKeyAndVersion(ctx context.Context, key string, version int, tenantID string) (*models.ProcessDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM process_definitions
		WHERE key = $1 AND version = $2 AND tenant_id = $3
	`

	return r.scanOne(r.q.QueryRowContext(ctx, query, key, version, tenantID), "ByKeyAndVersion", key)
}

func (r *DefinitionRepository) scanOne(row *sql.Row, op, id string) (*models.ProcessDefinition, error) {
	var (
		definition   models.ProcessDefinition
		elementsJSON []byte
		errorsJSON   []byte
		messagesJSON []byte
		signalsJSON  []byte
	)

	err := row.Scan(
		&definition.ID,
		&definition.Key,
		&definition.Version,
		&definition.Name,
		&definition.TenantID,
		&elementsJSON,
		&errorsJSON,
		&messagesJSON,
		&signalsJSON,
		&definition.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStorageError(op, "definition", id, persistence.ErrDefinitionNotFound)
		}

		return nil, persistence.NewStorageError(op, "definition", id, err)
	}

	if err := json.Unmarshal(elementsJSON, &definition.Elements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal elements: %w", err)
	}

	for raw, target := range map[*[]byte]*map[string]string{
		&errorsJSON:   &definition.Errors,
		&messagesJSON: &definition.Messages,
		&signalsJSON:  &definition.Signals,
	} {
		if len(*raw) == 0 {
			continue
		}

		if err := json.Unmarshal(*raw, target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition catalog: %w", err)
		}
	}

	return &definition, nil
}
