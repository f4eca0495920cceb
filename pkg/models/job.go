package models

import "time"

// JobState is the lifecycle state of a deferred job.
type JobState string

const (
	JobStatePending JobState = "pending"
	JobStateDead    JobState = "dead" // retries exhausted, needs operator action
)

// Job is a unit of deferred work (timer firing, async continuation) executed
// under a time-bounded exclusive lease. A worker that acquires a job owns it
// until the lease expires or the job completes.
type Job struct {
	ID                string         `json:"id"`
	Type              string         `json:"type" validate:"required"`
	Payload           map[string]any `json:"payload,omitempty"`
	ProcessInstanceID string         `json:"process_instance_id,omitempty"`
	ExecutionID       string         `json:"execution_id,omitempty"`
	TenantID          string         `json:"tenant_id,omitempty"`

	DueAt      time.Time `json:"due_at"`
	Recurrence string    `json:"recurrence,omitempty"` // cron spec for repeating timers
	Retries    int       `json:"retries"`
	LastError  string    `json:"last_error,omitempty"`

	LockOwner  string    `json:"lock_owner,omitempty"`
	LockExpiry time.Time `json:"lock_expiry,omitempty"`

	State       JobState  `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	LockVersion int64     `json:"lock_version"`
}

// Locked reports whether the job currently holds an unexpired lease.
func (j *Job) Locked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpiry.After(now)
}
