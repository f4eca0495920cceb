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

const executionColumns = `
	id
  , process_instance_id
  , parent_id
  , root_process_instance_id
  , process_definition_id
  , current_element_id
  , active
  , event_scope
  , multi_instance_root
  , tenant_id
  , super_execution_id
  , variables
  , lock_version
  , created_at
`

// ExecutionRepository handles execution-tree database operations.
type ExecutionRepository struct {
	q      queryer
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(q queryer, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{q: q, logger: logger}
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	variablesJSON, err := json.Marshal(execution.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	execution.LockVersion = 1

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.q.ExecContext(ctx, query,
		execution.ID,
		execution.ProcessInstanceID,
		execution.ParentID,
		execution.RootProcessInstanceID,
		execution.ProcessDefinitionID,
		execution.CurrentElementID,
		execution.Active,
		execution.EventScope,
		execution.MultiInstanceRoot,
		execution.TenantID,
		execution.SuperExecutionID,
		variablesJSON,
		execution.LockVersion,
		execution.CreatedAt,
	)
	if err != nil {
		return persistence.NewStorageError("Create", "execution", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	variablesJSON, err := json.Marshal(execution.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	query := `
		UPDATE executions SET
			process_instance_id = $2
		  , parent_id = $3
		  , root_process_instance_id = $4
		  , process_definition_id = $5
		  , current_element_id = $6
		  , active = $7
		  , event_scope = $8
		  , multi_instance_root = $9
		  , tenant_id = $10
		  , super_execution_id = $11
		  , variables = $12
		  , lock_version = lock_version + 1
		WHERE id = $1 AND lock_version = $13
	`

	result, err := r.q.ExecContext(ctx, query,
		execution.ID,
		execution.ProcessInstanceID,
		execution.ParentID,
		execution.RootProcessInstanceID,
		execution.ProcessDefinitionID,
		execution.CurrentElementID,
		execution.Active,
		execution.EventScope,
		execution.MultiInstanceRoot,
		execution.TenantID,
		execution.SuperExecutionID,
		variablesJSON,
		execution.LockVersion,
	)
	if err != nil {
		return persistence.NewStorageError("Update", "execution", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStorageError("Update", "execution", execution.ID, err)
	}

	if affected == 0 {
		return r.updateConflict(ctx, execution.ID)
	}

	execution.LockVersion++

	return nil
}

// updateConflict distinguishes a missing row from a concurrently modified
// one.
func (r *ExecutionRepository) updateConflict(ctx context.Context, id string) error {
	var exists bool

	err := r.q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return persistence.NewStorageError("Update", "execution", id, err)
	}

	if !exists {
		return persistence.NewStorageError("Update", "execution", id, persistence.ErrExecutionNotFound)
	}

	return persistence.NewStorageError("Update", "execution", id, persistence.ErrOptimisticLock)
}

func (r *ExecutionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, "DELETE FROM executions WHERE id = $1", id)
	if err != nil {
		return persistence.NewStorageError("Delete", "execution", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStorageError("Delete", "execution", id, err)
	}

	if affected == 0 {
		return persistence.NewStorageError("Delete", "execution", id, persistence.ErrExecutionNotFound)
	}

	return nil
}

func (r *ExecutionRepository) ByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := scanExecution(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStorageError("ByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStorageError("ByID", "execution", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ByProcessInstance(ctx context.Context, processInstanceID string) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE process_instance_id = $1
		ORDER BY created_at, id
	`

	return r.queryExecutions(ctx, query, processInstanceID)
}

func (r *ExecutionRepository) ChildrenOf(ctx context.Context, parentID string) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE parent_id = $1
		ORDER BY created_at, id
	`

	return r.queryExecutions(ctx, query, parentID)
}

func (r *ExecutionRepository) ActiveByActivity(ctx context.Context, processInstanceID, activityID string) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE process_instance_id = $1 AND current_element_id = $2 AND active
		ORDER BY created_at, id
	`

	return r.queryExecutions(ctx, query, processInstanceID, activityID)
}

func (r *ExecutionRepository) BySuperExecution(ctx context.Context, superExecutionID string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE super_execution_id = $1`

	execution, err := scanExecution(r.q.QueryRowContext(ctx, query, superExecutionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStorageError("BySuperExecution", "execution", superExecutionID, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStorageError("BySuperExecution", "execution", superExecutionID, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		execution     models.Execution
		variablesJSON []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.ProcessInstanceID,
		&execution.ParentID,
		&execution.RootProcessInstanceID,
		&execution.ProcessDefinitionID,
		&execution.CurrentElementID,
		&execution.Active,
		&execution.EventScope,
		&execution.MultiInstanceRoot,
		&execution.TenantID,
		&execution.SuperExecutionID,
		&variablesJSON,
		&execution.LockVersion,
		&execution.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(variablesJSON) > 0 {
		if err := json.Unmarshal(variablesJSON, &execution.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}

	return &execution, nil
}
