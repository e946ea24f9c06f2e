package types

import "time"

// Run states
const (
	StateIngesting    = "ingesting"
	StateCategorizing = "categorizing"
	StatePlanning     = "planning"
	StateDispatching  = "dispatching"
	StateCollecting   = "collecting"
	StateConsulting   = "consulting"
	StateGenerating   = "generating"
	StateValidating   = "validating"

	// Terminal states
	StateComplete         = "complete"
	StateCompleteFallback = "complete_fallback"
	StateFailed           = "failed"
)

// Run outcomes, set only once a run reaches a terminal state.
const (
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
)

// Specialist task outcome statuses
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskTimedOut  = "timed_out"
)

// Consultation request statuses
const (
	ConsultOpen            = "open"
	ConsultAnswered        = "answered"
	ConsultFallbackApplied = "fallback_applied"
)

// Run represents one execution of the workflow over one input document.
// It is owned exclusively by the engine for its lifetime and immutable
// once terminal.
type Run struct {
	ID        string `json:"id"`
	InputRef  string `json:"input_ref"`
	State     string `json:"state"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Terminal reports whether the run has reached a terminal state.
func (r Run) Terminal() bool {
	return r.State == StateComplete || r.State == StateCompleteFallback || r.State == StateFailed
}

// StepEvent is the message a step produces to drive the next transition.
// Seq is assigned by the engine and is strictly increasing within a run.
type StepEvent struct {
	RunID   string                 `json:"run_id"`
	Seq     uint64                 `json:"seq"`
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SpecialistTask is a unit of concurrent work dispatched during the
// parallel phase. Kind must name a registered executor.
type SpecialistTask struct {
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Timeout time.Duration          `json:"timeout"`
}

// ConsultationRequest is a bounded-time escalation to a human reviewer.
// Options are ordered from least to most conservative; the deterministic
// timeout fallback always selects the last option.
type ConsultationRequest struct {
	ID        uint64                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Question  string                 `json:"question"`
	Options   []string               `json:"options"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timeout   time.Duration          `json:"timeout"`
	Status    string                 `json:"status"`
	CreatedAt int64                  `json:"created_at"`
}

// AuditEntry is one record in a run's tamper-evident chain. Hash covers
// the run ID, sequence number, event type, payload digest and the previous
// entry's hash; entries are never mutated or deleted.
type AuditEntry struct {
	RunID         string `json:"run_id"`
	Seq           uint64 `json:"seq"`
	EventType     string `json:"event_type"`
	PayloadDigest string `json:"payload_digest"`
	PrevHash      string `json:"prev_hash"`
	Hash          string `json:"hash"`
	Timestamp     int64  `json:"timestamp"`
}

// Document is one labeled member of an evaluation corpus.
type Document struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Complexity float64 `json:"complexity"`
}

// StratumBalance reports how one stratum's documents spread across folds.
type StratumBalance struct {
	Stratum      string  `json:"stratum"`
	PerFold      []int   `json:"per_fold"`
	CV           float64 `json:"cv"`
	SmallerThanK bool    `json:"smaller_than_k"`
}

// BalanceReport summarizes stratum distribution across all folds. Strata
// with fewer members than K are expected to show high variance and are
// flagged, not rejected.
type BalanceReport struct {
	Strata []StratumBalance `json:"strata"`
}

// FoldAssignment maps each fold index to the document IDs forming that
// fold's test set. Every corpus document appears in exactly one test set;
// the assignment is a pure function of (corpus, K, seed).
type FoldAssignment struct {
	K        int           `json:"k"`
	Seed     int64         `json:"seed"`
	TestSets [][]string    `json:"test_sets"`
	Report   BalanceReport `json:"report"`
}
