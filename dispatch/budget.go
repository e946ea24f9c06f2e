package dispatch

import (
	"errors"
	"sync"
)

// ErrBudgetExhausted indicates the session budget allows no further
// specialist invocations.
var ErrBudgetExhausted = errors.New("specialist budget exhausted")

// Budget caps how many specialist invocations one evaluation session may
// spend. It is handed to the Dispatcher at construction and scoped to that
// session; nothing here is process-wide.
type Budget struct {
	mu        sync.Mutex
	remaining int
	unlimited bool
}

// NewBudget creates a budget allowing n invocations.
func NewBudget(n int) *Budget {
	return &Budget{remaining: n}
}

// Unlimited creates a budget that never exhausts.
func Unlimited() *Budget {
	return &Budget{unlimited: true}
}

// TryAcquire consumes one invocation if any remain.
func (b *Budget) TryAcquire() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unlimited {
		return true
	}
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Remaining returns the invocations left; -1 means unlimited.
func (b *Budget) Remaining() int {
	if b == nil {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unlimited {
		return -1
	}
	return b.remaining
}
