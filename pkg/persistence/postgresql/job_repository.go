package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/lib/pq"
)

const jobColumns = `
	id
  , type
  , payload
  , process_instance_id
  , execution_id
  , tenant_id
  , due_at
  , recurrence
  , retries
  , last_error
  , lock_owner
  , lock_expiry
  , state
  , created_at
  , lock_version
`

// JobRepository handles job database operations, including the exclusive
// lease protocol.
type JobRepository struct {
	q      queryer
	logger *slog.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(q queryer, logger *slog.Logger) *JobRepository {
	return &JobRepository{q: q, logger: logger}
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	job.LockVersion = 1

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.q.ExecContext(ctx, query,
		job.ID,
		job.Type,
		payloadJSON,
		job.ProcessInstanceID,
		job.ExecutionID,
		job.TenantID,
		job.DueAt,
		job.Recurrence,
		job.Retries,
		job.LastError,
		job.LockOwner,
		nullableTime(job.LockExpiry),
		job.State,
		job.CreatedAt,
		job.LockVersion,
	)
	if err != nil {
		return persistence.NewStorageError("Create", "job", job.ID, err)
	}

	return nil
}

func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		UPDATE jobs SET
			type = $2
		  , payload = $3
		  , due_at = $4
		  , recurrence = $5
		  , retries = $6
		  , last_error = $7
		  , lock_owner = $8
		  , lock_expiry = $9
		  , state = $10
		  , lock_version = lock_version + 1
		WHERE id = $1 AND lock_version = $11
	`

	result, err := r.q.ExecContext(ctx, query,
		job.ID,
		job.Type,
		payloadJSON,
		job.DueAt,
		job.Recurrence,
		job.Retries,
		job.LastError,
		job.LockOwner,
		nullableTime(job.LockExpiry),
		job.State,
		job.LockVersion,
	)
	if err != nil {
		return persistence.NewStorageError("Update", "job", job.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStorageError("Update", "job", job.ID, err)
	}

	if affected == 0 {
		var exists bool
		if err := r.q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)", job.ID).Scan(&exists); err != nil {
			return persistence.NewStorageError("Update", "job", job.ID, err)
		}

		if !exists {
			return persistence.NewStorageError("Update", "job", job.ID, persistence.ErrJobNotFound)
		}

		return persistence.NewStorageError("Update", "job", job.ID, persistence.ErrOptimisticLock)
	}

	job.LockVersion++

	return nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", id)
	if err != nil {
		return persistence.NewStorageError("Delete", "job", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStorageError("Delete", "job", id, err)
	}

	if affected == 0 {
		return persistence.NewStorageError("Delete", "job", id, persistence.ErrJobNotFound)
	}

	return nil
}

func (r *JobRepository) ByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStorageError("ByID", "job", id, persistence.ErrJobNotFound)
		}

		return nil, persistence.NewStorageError("ByID", "job", id, err)
	}

	return job, nil
}

func (r *JobRepository) Due(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = 'pending'
		  AND due_at <= $1
		  AND (lock_owner = '' OR lock_expiry <= $1)
		ORDER BY due_at, id
		LIMIT $2
	`

	return r.queryJobs(ctx, query, now, limit)
}

func (r *JobRepository) Acquire(ctx context.Context, ids []string, owner string, until time.Time) ([]*models.Job, error) {
	query := `
		UPDATE jobs SET
			lock_owner = $2
		  , lock_expiry = $3
		  , lock_version = lock_version + 1
		WHERE id = ANY($1)
		  AND state = 'pending'
		  AND (lock_owner = '' OR lock_owner = $2 OR lock_expiry <= $4)
		RETURNING ` + jobColumns

	return r.queryJobs(ctx, query, pq.Array(ids), owner, until, time.Now())
}

func (r *JobRepository) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE jobs SET
			lock_owner = ''
		  , lock_expiry = NULL
		  , lock_version = lock_version + 1
		WHERE lock_owner <> '' AND lock_expiry <= $1
	`

	result, err := r.q.ExecContext(ctx, query, now)
	if err != nil {
		return 0, persistence.NewStorageError("ReleaseExpired", "job", "", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, persistence.NewStorageError("ReleaseExpired", "job", "", err)
	}

	return int(affected), nil
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	jobs := make([]*models.Job, 0)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		payloadJSON []byte
		lockExpiry  sql.NullTime
	)

	err := row.Scan(
		&job.ID,
		&job.Type,
		&payloadJSON,
		&job.ProcessInstanceID,
		&job.ExecutionID,
		&job.TenantID,
		&job.DueAt,
		&job.Recurrence,
		&job.Retries,
		&job.LastError,
		&job.LockOwner,
		&lockExpiry,
		&job.State,
		&job.CreatedAt,
		&job.LockVersion,
	)
	if err != nil {
		return nil, err
	}

	if lockExpiry.Valid {
		job.LockExpiry = lockExpiry.Time
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	return &job, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t
}
