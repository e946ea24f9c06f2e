// Package dispatch runs a fixed set of independent specialist tasks
// concurrently and collects their outcomes under a run-level deadline,
// tolerating per-task failure and timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/auditflow/orchestrator/types"
)

var (
	// ErrNoTasks indicates dispatch was called with an empty task list.
	ErrNoTasks = errors.New("no tasks to dispatch")
	// ErrDuplicateKind indicates two tasks in one dispatch share a kind.
	ErrDuplicateKind = errors.New("duplicate task kind in dispatch")
	// ErrAlreadyCollected indicates Collect was called twice on one handle.
	ErrAlreadyCollected = errors.New("handle already collected")
)

// DefaultTaskTimeout applies when a task carries no timeout of its own.
const DefaultTaskTimeout = 30 * time.Second

// Outcome is the terminal result of one specialist task.
type Outcome struct {
	Status  string        `json:"status"` // completed | failed | timed_out
	Value   interface{}   `json:"value,omitempty"`
	Err     error         `json:"-"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// PartialResult is what a collect call produced: per-task outcomes keyed
// by task kind, plus whether the run-level deadline cut collection short.
// A recorded deadline expiry is a defined outcome, not an error.
type PartialResult struct {
	Outcomes        map[string]Outcome `json:"outcomes"`
	DeadlineExpired bool               `json:"deadline_expired"`
}

// Completed returns the kinds that finished successfully, unordered.
func (p PartialResult) Completed() []string {
	var kinds []string
	for kind, o := range p.Outcomes {
		if o.Status == types.TaskCompleted {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// AllCompleted reports whether every task finished successfully.
func (p PartialResult) AllCompleted() bool {
	for _, o := range p.Outcomes {
		if o.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// Dispatcher launches specialist tasks against a closed registry, spending
// a session-scoped budget. It never retries: a task runs exactly once.
type Dispatcher struct {
	registry *Registry
	budget   *Budget
}

// NewDispatcher creates a Dispatcher. A nil budget means unlimited.
func NewDispatcher(registry *Registry, budget *Budget) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	return &Dispatcher{registry: registry, budget: budget}, nil
}

type taskResult struct {
	kind    string
	outcome Outcome
}

// Handle tracks one in-flight dispatch until its collect call.
type Handle struct {
	results   chan taskResult
	kinds     []string
	collected bool
}

// Dispatch starts every task concurrently, each under its own timeout.
// Tasks must name distinct, registered kinds. Budget exhaustion fails the
// affected task up front without invoking its executor.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []types.SpecialistTask) (*Handle, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	seen := make(map[string]bool, len(tasks))
	execs := make(map[string]Executor, len(tasks))
	for _, task := range tasks {
		if seen[task.Kind] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, task.Kind)
		}
		seen[task.Kind] = true
		exec, ok := d.registry.Lookup(task.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKindUnknown, task.Kind)
		}
		execs[task.Kind] = exec
	}

	handle := &Handle{
		results: make(chan taskResult, len(tasks)),
		kinds:   make([]string, 0, len(tasks)),
	}

	for _, task := range tasks {
		handle.kinds = append(handle.kinds, task.Kind)

		if !d.budget.TryAcquire() {
			handle.results <- taskResult{kind: task.Kind, outcome: Outcome{
				Status: types.TaskFailed,
				Err:    ErrBudgetExhausted,
				Error:  ErrBudgetExhausted.Error(),
			}}
			continue
		}

		go runTask(ctx, task, execs[task.Kind], handle.results)
	}

	return handle, nil
}

// runTask executes one specialist under its own timeout, converting panics
// and deadline expiry into tagged outcomes. The result channel is buffered
// for the full task count, so a send never blocks even after the collector
// has given up on this task.
func runTask(ctx context.Context, task types.SpecialistTask, exec Executor, results chan<- taskResult) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	outcome := func() (o Outcome) {
		defer func() {
			if r := recover(); r != nil {
				o = Outcome{
					Status: types.TaskFailed,
					Err:    fmt.Errorf("specialist panicked: %v", r),
				}
			}
		}()

		value, err := exec.Execute(taskCtx, task.Payload)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
				return Outcome{Status: types.TaskTimedOut, Err: err}
			}
			return Outcome{Status: types.TaskFailed, Err: err}
		}
		return Outcome{Status: types.TaskCompleted, Value: value}
	}()

	outcome.Elapsed = time.Since(start)
	if outcome.Err != nil {
		outcome.Error = outcome.Err.Error()
	}
	results <- taskResult{kind: task.Kind, outcome: outcome}
}

// Collect waits until every task reaches a terminal state or the deadline
// elapses, whichever comes first. The wait is a channel select, never a
// poll. Tasks still running at the deadline are reported timed_out; their
// late results are discarded, and sibling outcomes are unaffected.
func (d *Dispatcher) Collect(ctx context.Context, handle *Handle, deadline time.Duration) (PartialResult, error) {
	if handle == nil {
		return PartialResult{}, errors.New("handle is required")
	}
	if handle.collected {
		return PartialResult{}, ErrAlreadyCollected
	}
	handle.collected = true

	result := PartialResult{Outcomes: make(map[string]Outcome, len(handle.kinds))}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	remaining := len(handle.kinds)
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return PartialResult{}, ctx.Err()
		case r := <-handle.results:
			result.Outcomes[r.kind] = r.outcome
			remaining--
		case <-timer.C:
			result.DeadlineExpired = true
			for _, kind := range handle.kinds {
				if _, ok := result.Outcomes[kind]; !ok {
					result.Outcomes[kind] = Outcome{
						Status:  types.TaskTimedOut,
						Error:   "run-level collect deadline elapsed",
						Elapsed: deadline,
					}
				}
			}
			return result, nil
		}
	}

	return result, nil
}
