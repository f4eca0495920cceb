// Package postgresql provides PostgreSQL persistence for executions, event
// subscriptions, process definitions and jobs.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/persistence/sqlbase"
	_ "github.com/lib/pq" // postgres driver
)

// queryer is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// every repository works unchanged inside and outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	executions    *ExecutionRepository
	subscriptions *SubscriptionRepository
	definitions   *DefinitionRepository
	jobs          *JobRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs schema
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		executions:    NewExecutionRepository(database, logger),
		subscriptions: NewSubscriptionRepository(database, logger),
		definitions:   NewDefinitionRepository(database, logger),
		jobs:          NewJobRepository(database, logger),
	}, nil
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) Subscriptions() persistence.SubscriptionRepository {
	return p.subscriptions
}

func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitions
}

func (p *Persistence) Jobs() persistence.JobRepository {
	return p.jobs
}

// BeginTx opens a database transaction exposing the same repositories bound
// to it.
func (p *Persistence) BeginTx(ctx context.Context) (persistence.Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &transaction{
		tx:            tx,
		executions:    NewExecutionRepository(tx, p.logger),
		subscriptions: NewSubscriptionRepository(tx, p.logger),
		jobs:          NewJobRepository(tx, p.logger),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

type transaction struct {
	tx            *sql.Tx
	executions    *ExecutionRepository
	subscriptions *SubscriptionRepository
	jobs          *JobRepository
}

func (t *transaction) Executions() persistence.ExecutionRepository {
	return t.executions
}

func (t *transaction) Subscriptions() persistence.SubscriptionRepository {
	return t.subscriptions
}

func (t *transaction) Jobs() persistence.JobRepository {
	return t.jobs
}

func (t *transaction) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}

	return nil
}
