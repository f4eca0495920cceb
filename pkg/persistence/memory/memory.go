// Package memory provides an in-memory persistence backend for development
// and tests. Transactions stage writes in an overlay and apply them on commit
// under optimistic version checks, mirroring the SQL backend's semantics.
package memory

import (
	"context"
	"sync"

	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/persistence"
)

// Persistence implements persistence.Persistence backed by process memory.
type Persistence struct {
	mu sync.RWMutex

	executions    map[string]*models.Execution
	subscriptions map[string]*models.EventSubscription
	definitions   map[string]*models.ProcessDefinition
	jobs          map[string]*models.Job
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		executions:    make(map[string]*models.Execution),
		subscriptions: make(map[string]*models.EventSubscription),
		definitions:   make(map[string]*models.ProcessDefinition),
		jobs:          make(map[string]*models.Job),
	}
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return &executionRepository{p: p}
}

func (p *Persistence) Subscriptions() persistence.SubscriptionRepository {
	return &subscriptionRepository{p: p}
}

func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return &definitionRepository{p: p}
}

func (p *Persistence) Jobs() persistence.JobRepository {
	return &jobRepository{p: p}
}

// BeginTx opens a copy-on-write transaction over the mutable stores.
func (p *Persistence) BeginTx(_ context.Context) (persistence.Transaction, error) {
	return newTransaction(p), nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func cloneSubscription(subscription *models.EventSubscription) *models.EventSubscription {
	clone := *subscription

	return &clone
}

func cloneJob(job *models.Job) *models.Job {
	clone := *job
	clone.Payload = models.CloneVariables(job.Payload)

	return &clone
}
