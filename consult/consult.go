// Package consult represents human-in-the-loop escalation as a first-class,
// timeout-bounded request/response exchange. Every request resolves exactly
// once: either a human answers while the request is open, or the timeout
// fires and a deterministic fallback is applied and recorded as such.
package consult

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auditflow/orchestrator/audit"
	"github.com/auditflow/orchestrator/events"
	"github.com/auditflow/orchestrator/types"
	"github.com/songzhibin97/gkit/generator"
)

// Standard error definitions
var (
	ErrRequestNotFound = errors.New("consultation request not found")
	ErrNotOpen         = errors.New("consultation request is not open")
	ErrInvalidDecision = errors.New("decision is not among the offered options")
)

// Audit event types written by the manager.
const (
	AuditRequested       = "consultation_requested"
	AuditResolved        = "consultation_resolved"
	AuditFallbackApplied = "consultation_fallback"
)

// Decision is the terminal resolution of a consultation request. Fallback
// decisions are never disguised as human answers: Responder stays empty and
// Fallback is set.
type Decision struct {
	RequestID  uint64 `json:"request_id"`
	Choice     string `json:"choice"`
	Responder  string `json:"responder,omitempty"`
	Fallback   bool   `json:"fallback"`
	ResolvedAt int64  `json:"resolved_at"`
}

type pending struct {
	req        types.ConsultationRequest
	decisionCh chan Decision
	resolved   bool
}

// Manager issues consultation requests and arbitrates between human
// resolution and timeout fallback.
type Manager struct {
	generate generator.Generator
	auditor  *audit.Logger
	bus      *events.EventBus

	mu   sync.Mutex
	open map[uint64]*pending
}

// NewManager creates a Manager. The event bus is optional; when nil no
// lifecycle events are published.
func NewManager(generate generator.Generator, auditor *audit.Logger, bus *events.EventBus) (*Manager, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if auditor == nil {
		return nil, errors.New("audit logger is required")
	}
	return &Manager{
		generate: generate,
		auditor:  auditor,
		bus:      bus,
		open:     make(map[uint64]*pending),
	}, nil
}

// Request creates an open consultation request and starts its timeout
// clock. Options must be ordered least to most conservative; the timeout
// fallback always selects the last one.
func (m *Manager) Request(ctx context.Context, runID, question string, options []string, snapshot map[string]interface{}, timeout time.Duration) (types.ConsultationRequest, error) {
	if runID == "" || question == "" {
		return types.ConsultationRequest{}, errors.New("run ID and question are required")
	}
	if len(options) == 0 {
		return types.ConsultationRequest{}, errors.New("at least one option is required")
	}
	if timeout <= 0 {
		return types.ConsultationRequest{}, errors.New("timeout must be positive")
	}

	select {
	case <-ctx.Done():
		return types.ConsultationRequest{}, ctx.Err()
	default:
	}

	id, err := m.generate.NextID()
	if err != nil {
		return types.ConsultationRequest{}, fmt.Errorf("failed to generate request ID: %w", err)
	}

	req := types.ConsultationRequest{
		ID:        id,
		RunID:     runID,
		Question:  question,
		Options:   append([]string(nil), options...),
		Context:   snapshot,
		Timeout:   timeout,
		Status:    types.ConsultOpen,
		CreatedAt: time.Now().UnixMilli(),
	}

	m.mu.Lock()
	m.open[id] = &pending{req: req, decisionCh: make(chan Decision, 1)}
	m.mu.Unlock()

	if _, err := m.auditor.Append(ctx, runID, AuditRequested, map[string]interface{}{
		"request_id": id,
		"question":   question,
		"options":    options,
		"timeout_ms": timeout.Milliseconds(),
	}); err != nil {
		return types.ConsultationRequest{}, err
	}

	m.publish(ctx, events.EventConsultationRequested, runID, map[string]interface{}{
		"request_id": id,
		"question":   question,
		"options":    options,
	})

	return req, nil
}

// Resolve records a human decision for an open request. The decision must
// be one of the originally offered options; anything else is rejected, not
// coerced. Resolving after timeout fallback or a prior answer fails.
func (m *Manager) Resolve(ctx context.Context, requestID uint64, decision, responder string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	p, ok := m.open[requestID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: id=%d", ErrRequestNotFound, requestID)
	}
	if p.resolved {
		m.mu.Unlock()
		return fmt.Errorf("%w: id=%d status=%s", ErrNotOpen, requestID, p.req.Status)
	}
	if !contains(p.req.Options, decision) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	d := Decision{
		RequestID:  requestID,
		Choice:     decision,
		Responder:  responder,
		ResolvedAt: time.Now().UnixMilli(),
	}
	p.resolved = true
	p.req.Status = types.ConsultAnswered
	p.decisionCh <- d
	runID := p.req.RunID
	m.mu.Unlock()

	if _, err := m.auditor.Append(ctx, runID, AuditResolved, map[string]interface{}{
		"request_id": requestID,
		"decision":   decision,
		"responder":  responder,
	}); err != nil {
		return err
	}

	m.publish(ctx, events.EventConsultationResolved, runID, map[string]interface{}{
		"request_id": requestID,
		"decision":   decision,
		"responder":  responder,
		"fallback":   false,
	})
	return nil
}

// Await blocks until the request is answered or its timeout expires. The
// deadline is measured from the request's creation, so a late Await does
// not extend the window. On expiry the deterministic fallback is applied,
// audited and published as a fallback.
func (m *Manager) Await(ctx context.Context, requestID uint64) (Decision, error) {
	m.mu.Lock()
	p, ok := m.open[requestID]
	m.mu.Unlock()
	if !ok {
		return Decision{}, fmt.Errorf("%w: id=%d", ErrRequestNotFound, requestID)
	}

	deadline := time.UnixMilli(p.req.CreatedAt).Add(p.req.Timeout)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case d := <-p.decisionCh:
		m.close(requestID)
		return d, nil
	case <-timer.C:
	}

	// The timer fired, but a Resolve call may have won the race. The
	// resolved flag decides under the lock; whichever side set it first is
	// the request's single terminal resolution.
	m.mu.Lock()
	if p.resolved {
		m.mu.Unlock()
		d := <-p.decisionCh
		m.close(requestID)
		return d, nil
	}
	p.resolved = true
	p.req.Status = types.ConsultFallbackApplied
	m.mu.Unlock()

	d := Fallback(p.req)
	m.close(requestID)

	if _, err := m.auditor.Append(ctx, p.req.RunID, AuditFallbackApplied, map[string]interface{}{
		"request_id": requestID,
		"decision":   d.Choice,
		"expired_at": d.ResolvedAt,
	}); err != nil {
		return Decision{}, err
	}

	m.publish(ctx, events.EventConsultationResolved, p.req.RunID, map[string]interface{}{
		"request_id": requestID,
		"decision":   d.Choice,
		"fallback":   true,
	})
	return d, nil
}

// Fallback computes the deterministic timeout decision for a request: the
// most conservative option offered, which by contract is the last one. It
// depends on nothing but the request, so identical requests always fall
// back identically.
func Fallback(req types.ConsultationRequest) Decision {
	return Decision{
		RequestID:  req.ID,
		Choice:     req.Options[len(req.Options)-1],
		Fallback:   true,
		ResolvedAt: time.Now().UnixMilli(),
	}
}

// Get returns a request's current state.
func (m *Manager) Get(requestID uint64) (types.ConsultationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.open[requestID]
	if !ok {
		return types.ConsultationRequest{}, fmt.Errorf("%w: id=%d", ErrRequestNotFound, requestID)
	}
	return p.req, nil
}

func (m *Manager) close(requestID uint64) {
	m.mu.Lock()
	delete(m.open, requestID)
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, eventType, runID string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	// Best effort: presentation layers may not be subscribed.
	_ = m.bus.Publish(ctx, events.Event{Type: eventType, RunID: runID, Data: data})
}

func contains(options []string, decision string) bool {
	for _, opt := range options {
		if opt == decision {
			return true
		}
	}
	return false
}
