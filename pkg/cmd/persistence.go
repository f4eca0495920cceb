// Package cmd wires shared infrastructure for the binaries: persistence and
// event bus construction from configuration.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/persistence/memory"
	"github.com/dukex/procession/pkg/persistence/postgresql"
)

// NewPersistence builds the persistence layer from a database URL. A
// postgres:// URL selects PostgreSQL; memory:// selects the in-memory store
// used in development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return memory.NewPersistence(), nil
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "memory"
	}

	return provider
}
