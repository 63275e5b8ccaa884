// Package store defines the saga persistence contract and an in-memory
// reference implementation. Every concrete backend must satisfy identical
// semantics; the test suite targets the in-memory store.
package store

import (
	"context"
	"time"

	"github.com/sagakit/sagakit/pkg/saga"
)

// Store persists saga state. Save is an idempotent full-state upsert keyed
// by saga ID; the orchestrator calls it after every mutation, not as an
// append log.
type Store interface {
	// Get returns the state for the given saga ID, or (nil, nil) when the
	// saga is unknown.
	Get(ctx context.Context, id string) (*saga.State, error)

	// Save upserts the full state snapshot keyed by state.ID.
	Save(ctx context.Context, state *saga.State) error

	// Delete removes the saga. The framework core never deletes state
	// itself; this exists for callers and retention tooling.
	Delete(ctx context.Context, id string) error

	// GetByStatus returns all sagas currently in the given status.
	GetByStatus(ctx context.Context, status saga.Status) ([]*saga.State, error)

	// GetTimedOutSagas returns Running sagas whose configured timeout
	// elapsed before the given instant.
	GetTimedOutSagas(ctx context.Context, before time.Time) ([]*saga.State, error)

	// GetByCorrelationID returns all sagas sharing a correlation ID.
	GetByCorrelationID(ctx context.Context, correlationID string) ([]*saga.State, error)

	// GetStatistics returns aggregate counts and the average duration of
	// finished sagas.
	GetStatistics(ctx context.Context) (*Statistics, error)
}

// Statistics aggregates the store's contents.
type Statistics struct {
	TotalSagas      int                 `json:"totalSagas"`
	ByStatus        map[saga.Status]int `json:"byStatus"`
	AverageDuration time.Duration       `json:"averageDuration"`
}
