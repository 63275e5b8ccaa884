package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sagakit/sagakit/pkg/saga"
)

// MemoryStore is the in-memory reference implementation of Store. It keeps
// serialized snapshots keyed by saga ID, so every Get returns a deep copy
// and callers can never alias stored state.
//
// WARNING: not durable - use for tests and single-process deployments only.
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sagas: make(map[string][]byte)}
}

// Get returns a deep copy of the stored state, or (nil, nil) when absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*saga.State, error) {
	s.mu.RLock()
	raw, ok := s.sagas[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decode(id, raw)
}

// Save upserts a serialized snapshot of the state.
func (s *MemoryStore) Save(ctx context.Context, state *saga.State) error {
	if state == nil || state.ID == "" {
		return saga.NewValidationError("state", "missing saga id")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return saga.NewPersistenceError("save", state.ID, err)
	}
	s.mu.Lock()
	s.sagas[state.ID] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes the saga. Deleting an unknown ID is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sagas, id)
	s.mu.Unlock()
	return nil
}

// GetByStatus returns all sagas currently in the given status.
func (s *MemoryStore) GetByStatus(ctx context.Context, status saga.Status) ([]*saga.State, error) {
	return s.filter(func(st *saga.State) bool {
		return st.Status == status
	})
}

// GetTimedOutSagas returns Running sagas whose deadline passed before the
// given instant.
func (s *MemoryStore) GetTimedOutSagas(ctx context.Context, before time.Time) ([]*saga.State, error) {
	return s.filter(func(st *saga.State) bool {
		if st.Status != saga.StatusRunning {
			return false
		}
		deadline, ok := st.Deadline()
		return ok && deadline.Before(before)
	})
}

// GetByCorrelationID returns all sagas sharing a correlation ID.
func (s *MemoryStore) GetByCorrelationID(ctx context.Context, correlationID string) ([]*saga.State, error) {
	if correlationID == "" {
		return nil, saga.NewValidationError("correlationId", "must not be empty")
	}
	return s.filter(func(st *saga.State) bool {
		return st.CorrelationID == correlationID
	})
}

// GetStatistics returns aggregate counts and the average duration of sagas
// that reached a CompletedAt timestamp.
func (s *MemoryStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	all, err := s.filter(func(*saga.State) bool { return true })
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalSagas: len(all),
		ByStatus:   make(map[saga.Status]int),
	}
	var finished int
	var total time.Duration
	for _, st := range all {
		stats.ByStatus[st.Status]++
		if st.CompletedAt != nil && !st.CreatedAt.IsZero() {
			finished++
			total += st.CompletedAt.Sub(st.CreatedAt)
		}
	}
	if finished > 0 {
		stats.AverageDuration = total / time.Duration(finished)
	}
	return stats, nil
}

func (s *MemoryStore) filter(keep func(*saga.State) bool) ([]*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*saga.State
	for id, raw := range s.sagas {
		st, err := decode(id, raw)
		if err != nil {
			return nil, err
		}
		if keep(st) {
			out = append(out, st)
		}
	}
	return out, nil
}

func decode(id string, raw []byte) (*saga.State, error) {
	var st saga.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, saga.NewPersistenceError("load", id, err)
	}
	return &st, nil
}

var _ Store = (*MemoryStore)(nil)
