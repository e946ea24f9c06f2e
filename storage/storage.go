package storage

import (
	"context"
	"errors"

	"github.com/auditflow/orchestrator/types"
)

// Errors
var (
	ErrRunNotFound        = errors.New("run not found")
	ErrAssignmentNotFound = errors.New("fold assignment not found")
)

// Storage defines the interface for persisting runs, audit trails and fold
// assignments. Audit entries are append-only: implementations must never
// expose a way to rewrite or remove an appended entry.
type Storage interface {
	// SaveRun saves a run record.
	SaveRun(ctx context.Context, run types.Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (types.Run, error)

	// AppendAuditEntry appends one entry to a run's audit trail.
	AppendAuditEntry(ctx context.Context, entry types.AuditEntry) error

	// ListAuditEntries returns a run's audit trail ordered by sequence
	// number. An unknown run yields an empty trail, not an error.
	ListAuditEntries(ctx context.Context, runID string) ([]types.AuditEntry, error)

	// SaveAssignment persists a named fold assignment artifact.
	SaveAssignment(ctx context.Context, name string, a types.FoldAssignment) error

	// GetAssignment retrieves a named fold assignment artifact.
	GetAssignment(ctx context.Context, name string) (types.FoldAssignment, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
