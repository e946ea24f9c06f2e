package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/auditflow/orchestrator/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Audit trails are kept as per-run slices that only ever grow; reads hand
// out copies so verification never blocks or observes a concurrent append
// mid-flight.
type MemoryStorage struct {
	runs        map[string]types.Run
	trails      map[string][]types.AuditEntry
	assignments map[string]types.FoldAssignment
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:        make(map[string]types.Run),
		trails:      make(map[string][]types.AuditEntry),
		assignments: make(map[string]types.FoldAssignment),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveRun saves a run record to memory.
func (s *MemoryStorage) SaveRun(ctx context.Context, run types.Run) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[run.ID] = run
		return nil
	})
}

// GetRun retrieves a run from memory.
func (s *MemoryStorage) GetRun(ctx context.Context, id string) (types.Run, error) {
	return getItem(ctx, &s.mu, s.runs, id, ErrRunNotFound)
}

// AppendAuditEntry appends an audit entry to a run's trail.
func (s *MemoryStorage) AppendAuditEntry(ctx context.Context, entry types.AuditEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.trails[entry.RunID] = append(s.trails[entry.RunID], entry)
		return nil
	})
}

// ListAuditEntries returns a copy of a run's audit trail in append order.
func (s *MemoryStorage) ListAuditEntries(ctx context.Context, runID string) ([]types.AuditEntry, error) {
	return withContext(ctx, func() ([]types.AuditEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		trail := s.trails[runID]
		out := make([]types.AuditEntry, len(trail))
		copy(out, trail)
		return out, nil
	})
}

// SaveAssignment persists a fold assignment in memory.
func (s *MemoryStorage) SaveAssignment(ctx context.Context, name string, a types.FoldAssignment) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.assignments[name] = a
		return nil
	})
}

// GetAssignment retrieves a fold assignment from memory.
func (s *MemoryStorage) GetAssignment(ctx context.Context, name string) (types.FoldAssignment, error) {
	return getItem(ctx, &s.mu, s.assignments, name, ErrAssignmentNotFound)
}

// ClearTerminal removes runs that reached a terminal state. Their audit
// trails are retained: the trail outlives the run record.
func (s *MemoryStorage) ClearTerminal(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, run := range s.runs {
			if run.Terminal() {
				delete(s.runs, id)
			}
		}
		return nil
	})
}
