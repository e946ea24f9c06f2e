package workflow

import (
	"errors"
	"fmt"

	"github.com/auditflow/orchestrator/types"
)

// StepEvent kinds. Each state produces exactly one of its mapped kinds per
// step execution.
const (
	EventIngested          = "ingested"
	EventCategorized       = "categorized"
	EventLowConfidence     = "low_confidence"
	EventPlanned           = "planned"
	EventDispatched        = "dispatched"
	EventCollected         = "collected"
	EventCollectedNone     = "collected_none"
	EventGenerated         = "generated"
	EventValidated         = "validated"
	EventValidatedFallback = "validated_fallback"
	EventNeedsJudgment     = "needs_judgment"

	// Consultation resolutions, one per origin
	EventCategoryConfirmed        = "category_confirmed"
	EventPartialAccepted          = "partial_accepted"
	EventArtifactApproved         = "artifact_approved"
	EventArtifactApprovedFallback = "artifact_approved_fallback"
	EventConsultRejected          = "consult_rejected"

	// Fatal step error, mapped in every state
	EventFatal = "fatal"
)

// ErrUnmappedTransition indicates a (state, event) pair with no explicit
// transition. The table below is total over every event a state can emit,
// so hitting this is a design error and is surfaced immediately.
var ErrUnmappedTransition = errors.New("no transition mapped for state/event")

// transitions is the complete state machine. There are no implicit default
// transitions: an event kind absent from its state's row is rejected.
var transitions = map[string]map[string]string{
	types.StateIngesting: {
		EventIngested: types.StateCategorizing,
		EventFatal:    types.StateFailed,
	},
	types.StateCategorizing: {
		EventCategorized:   types.StatePlanning,
		EventLowConfidence: types.StateConsulting,
		EventFatal:         types.StateFailed,
	},
	types.StatePlanning: {
		EventPlanned: types.StateDispatching,
		EventFatal:   types.StateFailed,
	},
	types.StateDispatching: {
		EventDispatched: types.StateCollecting,
		EventFatal:      types.StateFailed,
	},
	types.StateCollecting: {
		EventCollected:     types.StateGenerating,
		EventCollectedNone: types.StateConsulting,
		EventFatal:         types.StateFailed,
	},
	types.StateConsulting: {
		EventCategoryConfirmed:        types.StatePlanning,
		EventPartialAccepted:          types.StateGenerating,
		EventArtifactApproved:         types.StateComplete,
		EventArtifactApprovedFallback: types.StateCompleteFallback,
		EventConsultRejected:          types.StateFailed,
		EventFatal:                    types.StateFailed,
	},
	types.StateGenerating: {
		EventGenerated: types.StateValidating,
		EventFatal:     types.StateFailed,
	},
	types.StateValidating: {
		EventValidated:         types.StateComplete,
		EventValidatedFallback: types.StateCompleteFallback,
		EventNeedsJudgment:     types.StateConsulting,
		EventFatal:             types.StateFailed,
	},
}

// advance computes the next state for an incoming step event. Every branch
// is explicit: an unmapped pair returns ErrUnmappedTransition rather than
// being absorbed.
func advance(state, eventKind string) (string, error) {
	row, ok := transitions[state]
	if !ok {
		return "", fmt.Errorf("%w: state=%s event=%s", ErrUnmappedTransition, state, eventKind)
	}
	next, ok := row[eventKind]
	if !ok {
		return "", fmt.Errorf("%w: state=%s event=%s", ErrUnmappedTransition, state, eventKind)
	}
	return next, nil
}

// Transitions returns a copy of the transition table, used by compliance
// tooling to assert total coverage.
func Transitions() map[string]map[string]string {
	out := make(map[string]map[string]string, len(transitions))
	for state, row := range transitions {
		cp := make(map[string]string, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out[state] = cp
	}
	return out
}
