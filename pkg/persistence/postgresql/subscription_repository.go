package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
)

const subscriptionColumns = `
	id
  , type
  , event_name
  , activity_id
  , execution_id
  , process_instance_id
  , configuration
  , process_definition_id
  , tenant_id
  , created_at
  , lock_version
`

// SubscriptionRepository handles event-subscription database operations.
type SubscriptionRepository struct {
	q      queryer
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new subscription repository.
func NewSubscriptionRepository(q queryer, logger *slog.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{q: q, logger: logger}
}

func (r *SubscriptionRepository) Create(ctx context.Context, subscription *models.EventSubscription) error {
	subscription.LockVersion = 1

	query := `
		INSERT INTO event_subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.q.ExecContext(ctx, query,
		subscription.ID,
		subscription.Type,
		subscription.EventName,
		subscription.ActivityID,
		subscription.ExecutionID,
		subscription.ProcessInstanceID,
		subscription.Configuration,
		subscription.ProcessDefinitionID,
		subscription.TenantID,
		subscription.CreatedAt,
		subscription.LockVersion,
	)
	if err != nil {
		return persistence.NewStorageError("Create", "subscription", subscription.ID, err)
	}

	return nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, subscription *models.EventSubscription) error {
	query := `
		UPDATE event_subscriptions SET
			type = $2
		  , event_name = $3
		  , activity_id = $4
		  , execution_id = $5
		  , process_instance_id = $6
		  , configuration = $7
		  , process_definition_id = $8
		  , tenant_id = $9
		  , created_at = $10
		  , lock_version = lock_version + 1
		WHERE id = $1 AND lock_version = $11
	`

	result, err := r.q.ExecContext(ctx, query,
		subscription.ID,
		subscription.Type,
		subscription.EventName,
		subscription.ActivityID,
		subscription.ExecutionID,
		subscription.ProcessInstanceID,
		subscription.Configuration,
		subscription.ProcessDefinitionID,
		subscription.TenantID,
		subscription.CreatedAt,
		subscription.LockVersion,
	)
	if err != nil {
		return persistence.NewStorageError("Update", "subscription", subscription.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStorageError("Update", "subscription", subscription.ID, err)
	}

	if affected == 0 {
		var exists bool
		if err := r.q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM event_subscriptions WHERE id = $1)", subscription.ID).Scan(&exists); err != nil {
			return persistence.NewStorageError("Update", "subscription", subscription.ID, err)
		}

		if !exists {
			return persistence.NewStorageError("Update", "subscription", subscription.ID, persistence.ErrSubscriptionNotFound)
		}

		return persistence.NewStorageError("Update", "subscription", subscription.ID, persistence.ErrOptimisticLock)
	}

	subscription.LockVersion++

	return nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, "DELETE FROM event_subscriptions WHERE id = $1", id)
	if err != nil {
		return persistence.NewStorageError("Delete", "subscription", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStorageError("Delete", "subscription", id, err)
	}

	if affected == 0 {
		return persistence.NewStorageError("Delete", "subscription", id, persistence.ErrSubscriptionNotFound)
	}

	return nil
}

func (r *SubscriptionRepository) ByID(ctx context.Context, id string) (*models.EventSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM event_subscriptions WHERE id = $1`

	subscription, err := scanSubscription(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStorageError("ByID", "subscription", id, persistence.ErrSubscriptionNotFound)
		}

		return nil, persistence.NewStorageError("ByID", "subscription", id, err)
	}

	return subscription, nil
}

func (r *SubscriptionRepository) ByExecution(ctx context.Context, executionID string) ([]*models.EventSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM event_subscriptions
		WHERE execution_id = $1
		ORDER BY created_at, id
	`

	return r.querySubscriptions(ctx, query, executionID)
}

func (r *SubscriptionRepository) ByExecutionAndType(ctx context.Context, executionID string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM event_subscriptions
		WHERE execution_id = $1 AND type = $2
		ORDER BY created_at, id
	`

	return r.querySubscriptions(ctx, query, executionID, subType)
}

func (r *SubscriptionRepository) ByNameAndType(ctx context.Context, name string, subType models.SubscriptionType, tenantID string) ([]*models.EventSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM event_subscriptions
		WHERE event_name = $1 AND type = $2 AND tenant_id = $3
		ORDER BY created_at, id
	`

	return r.querySubscriptions(ctx, query, name, subType, tenantID)
}

func (r *SubscriptionRepository) ByInstanceNameAndType(ctx context.Context, processInstanceID, name string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM event_subscriptions
		WHERE process_instance_id = $1 AND event_name = $2 AND type = $3
		ORDER BY created_at, id
	`

	return r.querySubscriptions(ctx, query, processInstanceID, name, subType)
}

func (r *SubscriptionRepository) ByProcessDefinitionAndType(ctx context.Context, processDefinitionID string, subType models.SubscriptionType) ([]*models.EventSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM event_subscriptions
		WHERE process_definition_id = $1 AND type = $2
		ORDER BY created_at, id
	`

	return r.querySubscriptions(ctx, query, processDefinitionID, subType)
}

func (r *SubscriptionRepository) querySubscriptions(ctx context.Context, query string, args ...any) ([]*models.EventSubscription, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	subscriptions := make([]*models.EventSubscription, 0)

	for rows.Next() {
		subscription, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}

		subscriptions = append(subscriptions, subscription)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subscriptions, nil
}

func scanSubscription(row rowScanner) (*models.EventSubscription, error) {
	var subscription models.EventSubscription

	err := row.Scan(
		&subscription.ID,
		&subscription.Type,
		&subscription.EventName,
		&subscription.ActivityID,
		&subscription.ExecutionID,
		&subscription.ProcessInstanceID,
		&subscription.Configuration,
		&subscription.ProcessDefinitionID,
		&subscription.TenantID,
		&subscription.CreatedAt,
		&subscription.LockVersion,
	)
	if err != nil {
		return nil, err
	}

	return &subscription, nil
}
