package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrKindRegistered indicates a specialist kind was registered twice.
	ErrKindRegistered = errors.New("specialist kind already registered")
	// ErrKindUnknown indicates a task names a kind with no registered executor.
	ErrKindUnknown = errors.New("specialist kind not registered")
)

// Executor is the external specialist implementation for one task kind.
type Executor interface {
	Execute(ctx context.Context, payload map[string]interface{}) (interface{}, error)
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(ctx context.Context, payload map[string]interface{}) (interface{}, error)

// Execute implements the Executor interface.
func (f ExecutorFunc) Execute(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
	return f(ctx, payload)
}

// Registry is the closed mapping from specialist kind to executor. Adding
// a kind is an explicit Register call; dispatching an unknown kind fails.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a specialist kind.
func (r *Registry) Register(kind string, exec Executor) error {
	if kind == "" || exec == nil {
		return errors.New("kind and executor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[kind]; ok {
		return fmt.Errorf("%w: %s", ErrKindRegistered, kind)
	}
	r.executors[kind] = exec
	return nil
}

// Lookup returns the executor for a kind.
func (r *Registry) Lookup(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	return exec, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
