// Package migration implements dynamic state migration: relocating active
// tokens between activities, processes and sub-process instances under one
// atomic command.
package migration

import (
	"errors"
	"fmt"
)

// MigrationError rejects a change-state request: unknown executions or
// activities, unreachable destinations, unsupported cardinalities. It is
// reported synchronously and guarantees no partial mutation happened.
type MigrationError struct {
	Reason string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("state migration rejected: %s", e.Reason)
}

// IsMigrationError checks whether an error is a migration request fault.
func IsMigrationError(err error) bool {
	var migrationErr *MigrationError

	return errors.As(err, &migrationErr)
}

func rejectf(format string, args ...any) error {
	return &MigrationError{Reason: fmt.Sprintf(format, args...)}
}
