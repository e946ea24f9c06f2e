// Package workflow drives one run through the orchestration pipeline:
// Ingest, Categorize, Plan, Dispatch, Collect, optionally Consult,
// Generate, Validate. Every run reaches a terminal state; the only
// unbounded-looking waits are the collector deadline and the consultation
// timeout, both of which are hard deadlines owned by their components.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/auditflow/orchestrator/audit"
	"github.com/auditflow/orchestrator/consult"
	"github.com/auditflow/orchestrator/dispatch"
	"github.com/auditflow/orchestrator/events"
	"github.com/auditflow/orchestrator/rules"
	"github.com/auditflow/orchestrator/storage"
	"github.com/auditflow/orchestrator/types"
	"github.com/google/uuid"
)

// Standard error definitions
var (
	ErrEmptyInput    = errors.New("input document is empty")
	ErrInputTooLarge = errors.New("input document exceeds size limit")
)

// Audit event types written by the engine. Step events are audited under
// their own kind, so the trail names exactly which step produced what.
const (
	AuditRunStarted   = "run_started"
	AuditRunCompleted = "run_completed"
	AuditRunFailed    = "run_failed"
)

// Consultation decisions offered by the engine, ordered least to most
// conservative. The timeout fallback is therefore always DecisionReview:
// proceed, but flag the run for full human scrutiny afterwards.
const (
	DecisionProceed = "proceed"
	DecisionReject  = "reject"
	DecisionReview  = "proceed_under_review"
)

// Config carries the engine's tunables. The confidence threshold is
// deliberately external: it feeds the consultation policy expression
// through the environment and is never hard-coded.
type Config struct {
	ConfidenceThreshold float64
	ConsultPolicy       string
	ConsultTimeout      time.Duration
	CollectDeadline     time.Duration
	TaskTimeout         time.Duration
	MaxInputBytes       int
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.6,
		ConsultPolicy:       rules.DefaultConsultPolicy,
		ConsultTimeout:      600 * time.Second,
		CollectDeadline:     30 * time.Second,
		TaskTimeout:         5 * time.Second,
		MaxInputBytes:       1 << 20,
	}
}

// Dependencies are the engine's collaborators. All fields are required
// except Bus and Registry (Registry is only needed without a custom
// Planner).
type Dependencies struct {
	Categorizer Categorizer
	Generator   ArtifactGenerator
	Validator   ComplianceValidator
	Dispatcher  *dispatch.Dispatcher
	Registry    *dispatch.Registry
	Consults    *consult.Manager
	Audit       *audit.Logger
	Storage     storage.Storage
	Bus         *events.EventBus
}

// Engine is the top-level run state machine.
type Engine struct {
	deps      Dependencies
	config    Config
	evaluator rules.Evaluator
	planner   Planner
}

// Option defines functional options for configuring the Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) { e.config = config }
}

// WithEvaluator replaces the default policy evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithPlanner replaces the default registry-derived planner.
func WithPlanner(planner Planner) Option {
	return func(e *Engine) {
		if planner != nil {
			e.planner = planner
		}
	}
}

// NewEngine creates an Engine from its collaborators.
func NewEngine(deps Dependencies, options ...Option) (*Engine, error) {
	switch {
	case deps.Categorizer == nil:
		return nil, errors.New("categorizer is required")
	case deps.Generator == nil:
		return nil, errors.New("artifact generator is required")
	case deps.Validator == nil:
		return nil, errors.New("compliance validator is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Consults == nil:
		return nil, errors.New("consultation manager is required")
	case deps.Audit == nil:
		return nil, errors.New("audit logger is required")
	case deps.Storage == nil:
		return nil, errors.New("storage is required")
	}

	e := &Engine{
		deps:      deps,
		config:    DefaultConfig(),
		evaluator: rules.NewExprEvaluator(),
	}
	for _, option := range options {
		option(e)
	}

	if e.planner == nil {
		if deps.Registry == nil {
			return nil, errors.New("registry is required without a custom planner")
		}
		e.planner = &registryPlanner{registry: deps.Registry, taskTimeout: e.config.TaskTimeout}
	}
	return e, nil
}

// runState bundles everything owned by one in-flight run. Nothing here is
// shared across runs.
type runState struct {
	run           types.Run
	input         string
	ctx           *Context
	nextSeq       uint64
	tasks         []types.SpecialistTask
	handle        *dispatch.Handle
	consultOrigin string
	fallback      bool
	review        bool
	failure       string
}

func (rs *runState) event(kind string, payload map[string]interface{}) types.StepEvent {
	rs.nextSeq++
	return types.StepEvent{
		RunID:   rs.run.ID,
		Seq:     rs.nextSeq,
		Kind:    kind,
		Payload: payload,
	}
}

// fatal records the failure detail and emits the fatal event for the
// current step.
func (rs *runState) fatal(err error) types.StepEvent {
	rs.failure = err.Error()
	return rs.event(EventFatal, map[string]interface{}{
		"state": rs.run.State,
		"error": err.Error(),
	})
}

// Start validates the input, creates a run and drives it to a terminal
// state. Validation failures are rejected synchronously: no run record and
// no audit entry are created.
func (e *Engine) Start(ctx context.Context, input string) (*types.Run, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	if e.config.MaxInputBytes > 0 && len(input) > e.config.MaxInputBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(input))
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	now := time.Now().UnixMilli()
	rs := &runState{
		run: types.Run{
			ID:        uuid.NewString(),
			InputRef:  inputRef(input),
			State:     types.StateIngesting,
			CreatedAt: now,
			UpdatedAt: now,
		},
		input: input,
		ctx:   NewContext(),
	}

	if err := e.deps.Storage.SaveRun(ctx, rs.run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	if _, err := e.deps.Audit.Append(ctx, rs.run.ID, AuditRunStarted, map[string]interface{}{
		"input_ref": rs.run.InputRef,
	}); err != nil {
		return nil, err
	}
	e.publish(ctx, events.EventRunStarted, rs.run.ID, map[string]interface{}{
		"input_ref": rs.run.InputRef,
	})

	if err := e.drive(ctx, rs); err != nil {
		return nil, err
	}
	run := rs.run
	return &run, nil
}

// GetRun retrieves a run record.
func (e *Engine) GetRun(ctx context.Context, id string) (types.Run, error) {
	return e.deps.Storage.GetRun(ctx, id)
}

// drive executes steps until the run is terminal. Each iteration runs one
// step, audits its event, and advances the state machine.
func (e *Engine) drive(ctx context.Context, rs *runState) error {
	for !rs.run.Terminal() {
		event := e.executeStep(ctx, rs)

		if _, err := e.deps.Audit.Append(ctx, rs.run.ID, event.Kind, map[string]interface{}{
			"state":   rs.run.State,
			"seq":     event.Seq,
			"payload": event.Payload,
		}); err != nil {
			return err
		}

		next, err := advance(rs.run.State, event.Kind)
		if err != nil {
			// A hole in the transition table. Fail the run with the
			// mismatch on record and surface the design error.
			rs.failure = err.Error()
			if terr := e.transition(ctx, rs, types.StateFailed); terr != nil {
				return terr
			}
			return err
		}

		if err := e.transition(ctx, rs, next); err != nil {
			return err
		}
	}
	return nil
}

// transition moves the run to the next state, persisting and publishing.
// Terminal states additionally fix the run outcome, write the closing
// audit entry, and clear the run's context store.
func (e *Engine) transition(ctx context.Context, rs *runState, next string) error {
	prev := rs.run.State
	rs.run.State = next
	rs.run.UpdatedAt = time.Now().UnixMilli()

	switch next {
	case types.StateComplete:
		rs.run.Outcome = types.OutcomeSuccess
	case types.StateCompleteFallback:
		rs.run.Outcome = types.OutcomeFallback
	case types.StateFailed:
		rs.run.Outcome = types.OutcomeFailed
		rs.run.Error = rs.failure
	}

	if err := e.deps.Storage.SaveRun(ctx, rs.run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	e.publish(ctx, events.EventStateChanged, rs.run.ID, map[string]interface{}{
		"from": prev,
		"to":   next,
	})

	if !rs.run.Terminal() {
		return nil
	}

	switch next {
	case types.StateFailed:
		if _, err := e.deps.Audit.Append(ctx, rs.run.ID, AuditRunFailed, map[string]interface{}{
			"error":    rs.run.Error,
			"from":     prev,
			"fallback": rs.fallback,
		}); err != nil {
			return err
		}
		e.publish(ctx, events.EventRunFailed, rs.run.ID, map[string]interface{}{
			"error": rs.run.Error,
		})
	default:
		if _, err := e.deps.Audit.Append(ctx, rs.run.ID, AuditRunCompleted, map[string]interface{}{
			"outcome":  rs.run.Outcome,
			"fallback": rs.fallback,
			"review":   rs.review,
		}); err != nil {
			return err
		}
		e.publish(ctx, events.EventRunCompleted, rs.run.ID, map[string]interface{}{
			"outcome": rs.run.Outcome,
		})
	}

	rs.ctx.Clear()
	return nil
}

// executeStep runs the step for the current state and returns its single
// StepEvent. Panics from steps or collaborators are recovered here, turned
// into fatal events with full stack context, never rethrown.
func (e *Engine) executeStep(ctx context.Context, rs *runState) (out types.StepEvent) {
	defer func() {
		if r := recover(); r != nil {
			rs.failure = fmt.Sprintf("panic: %v", r)
			out = rs.event(EventFatal, map[string]interface{}{
				"state": rs.run.State,
				"error": rs.failure,
				"stack": string(debug.Stack()),
			})
		}
	}()

	switch rs.run.State {
	case types.StateIngesting:
		return e.stepIngest(ctx, rs)
	case types.StateCategorizing:
		return e.stepCategorize(ctx, rs)
	case types.StatePlanning:
		return e.stepPlan(ctx, rs)
	case types.StateDispatching:
		return e.stepDispatch(ctx, rs)
	case types.StateCollecting:
		return e.stepCollect(ctx, rs)
	case types.StateConsulting:
		return e.stepConsult(ctx, rs)
	case types.StateGenerating:
		return e.stepGenerate(ctx, rs)
	case types.StateValidating:
		return e.stepValidate(ctx, rs)
	default:
		return rs.fatal(fmt.Errorf("no step defined for state %s", rs.run.State))
	}
}

func (e *Engine) stepIngest(_ context.Context, rs *runState) types.StepEvent {
	rs.ctx.SetDocument(rs.input)
	return rs.event(EventIngested, map[string]interface{}{
		"bytes": len(rs.input),
	})
}

func (e *Engine) stepCategorize(ctx context.Context, rs *runState) types.StepEvent {
	verdict, err := e.deps.Categorizer.Categorize(ctx, rs.ctx.Document())
	if err != nil {
		return rs.fatal(fmt.Errorf("categorizer failed: %w", err))
	}
	rs.ctx.SetCategorization(verdict.Category, verdict.Confidence, verdict.Rationale)

	consultNeeded, err := rules.ConsultNeeded(e.evaluator, e.config.ConsultPolicy, rules.PolicyEnv{
		Confidence: verdict.Confidence,
		Threshold:  e.config.ConfidenceThreshold,
		Category:   verdict.Category,
	})
	if err != nil {
		return rs.fatal(fmt.Errorf("failed to evaluate consult policy '%s': %w", e.config.ConsultPolicy, err))
	}

	if consultNeeded {
		rs.consultOrigin = types.StateCategorizing
		return rs.event(EventLowConfidence, map[string]interface{}{
			"category":   verdict.Category,
			"confidence": verdict.Confidence,
			"threshold":  e.config.ConfidenceThreshold,
		})
	}
	return rs.event(EventCategorized, map[string]interface{}{
		"category":   verdict.Category,
		"confidence": verdict.Confidence,
	})
}

func (e *Engine) stepPlan(ctx context.Context, rs *runState) types.StepEvent {
	tasks, err := e.planner.Plan(ctx, rs.ctx.Snapshot())
	if err != nil {
		return rs.fatal(fmt.Errorf("planning failed: %w", err))
	}
	if len(tasks) == 0 {
		return rs.fatal(errors.New("planner produced no specialist tasks"))
	}
	rs.tasks = tasks

	kinds := make([]string, 0, len(tasks))
	for _, task := range tasks {
		kinds = append(kinds, task.Kind)
	}
	return rs.event(EventPlanned, map[string]interface{}{
		"tasks": kinds,
	})
}

func (e *Engine) stepDispatch(ctx context.Context, rs *runState) types.StepEvent {
	handle, err := e.deps.Dispatcher.Dispatch(ctx, rs.tasks)
	if err != nil {
		return rs.fatal(fmt.Errorf("dispatch failed: %w", err))
	}
	rs.handle = handle
	return rs.event(EventDispatched, map[string]interface{}{
		"count": len(rs.tasks),
	})
}

func (e *Engine) stepCollect(ctx context.Context, rs *runState) types.StepEvent {
	result, err := e.deps.Dispatcher.Collect(ctx, rs.handle, e.config.CollectDeadline)
	if err != nil {
		return rs.fatal(fmt.Errorf("collect failed: %w", err))
	}
	rs.ctx.SetResults(result)

	completed := len(result.Completed())
	payload := map[string]interface{}{
		"completed":        completed,
		"total":            len(result.Outcomes),
		"deadline_expired": result.DeadlineExpired,
	}

	// Partial failure is tolerated: generation proceeds as long as any
	// specialist delivered. Only a fully empty collection is ambiguous
	// enough to escalate.
	if completed == 0 {
		rs.consultOrigin = types.StateCollecting
		return rs.event(EventCollectedNone, payload)
	}
	return rs.event(EventCollected, payload)
}

func (e *Engine) stepConsult(ctx context.Context, rs *runState) types.StepEvent {
	question, acceptEvent := consultShape(rs)

	req, err := e.deps.Consults.Request(ctx, rs.run.ID, question,
		[]string{DecisionProceed, DecisionReject, DecisionReview},
		rs.ctx.Snapshot(), e.config.ConsultTimeout)
	if err != nil {
		return rs.fatal(fmt.Errorf("consultation request failed: %w", err))
	}

	decision, err := e.deps.Consults.Await(ctx, req.ID)
	if err != nil {
		return rs.fatal(fmt.Errorf("consultation wait failed: %w", err))
	}
	rs.ctx.SetDecision(decision)

	if decision.Fallback {
		rs.fallback = true
	}
	if decision.Choice == DecisionReview {
		rs.review = true
	}

	payload := map[string]interface{}{
		"request_id": req.ID,
		"decision":   decision.Choice,
		"fallback":   decision.Fallback,
		"origin":     rs.consultOrigin,
	}

	if decision.Choice == DecisionReject {
		rs.failure = fmt.Sprintf("rejected by %s at %s", decision.Responder, rs.consultOrigin)
		return rs.event(EventConsultRejected, payload)
	}

	if acceptEvent == EventArtifactApproved && rs.fallback {
		acceptEvent = EventArtifactApprovedFallback
	}
	return rs.event(acceptEvent, payload)
}

// consultShape maps the state that triggered consultation to the question
// asked and the event emitted when the reviewer lets the run proceed.
func consultShape(rs *runState) (string, string) {
	switch rs.consultOrigin {
	case types.StateCategorizing:
		category, confidence := rs.ctx.Categorization()
		return fmt.Sprintf("Confirm category %q (confidence %.2f below threshold)", category, confidence),
			EventCategoryConfirmed
	case types.StateCollecting:
		return "No specialist task delivered a result; proceed without specialist context?",
			EventPartialAccepted
	case types.StateValidating:
		return fmt.Sprintf("Compliance validation raised issues: %v; approve the artifact?", rs.ctx.Issues()),
			EventArtifactApproved
	default:
		return "Escalated decision requires human judgment", EventPartialAccepted
	}
}

func (e *Engine) stepGenerate(ctx context.Context, rs *runState) types.StepEvent {
	artifact, err := e.deps.Generator.Generate(ctx, rs.ctx.Snapshot())
	if err != nil {
		return rs.fatal(fmt.Errorf("artifact generation failed: %w", err))
	}
	rs.ctx.SetArtifact(artifact)
	return rs.event(EventGenerated, nil)
}

func (e *Engine) stepValidate(ctx context.Context, rs *runState) types.StepEvent {
	artifact, ok := rs.ctx.Artifact()
	if !ok {
		return rs.fatal(errors.New("no artifact to validate"))
	}
	result, err := e.deps.Validator.Validate(ctx, artifact)
	if err != nil {
		return rs.fatal(fmt.Errorf("compliance validator failed: %w", err))
	}

	if !result.Passed {
		rs.ctx.SetIssues(result.Issues)
		rs.consultOrigin = types.StateValidating
		return rs.event(EventNeedsJudgment, map[string]interface{}{
			"issues": result.Issues,
		})
	}

	payload := map[string]interface{}{"passed": true}
	if rs.fallback {
		return rs.event(EventValidatedFallback, payload)
	}
	return rs.event(EventValidated, payload)
}

// registryPlanner is the default planner: one task per registered
// specialist kind, all carrying the document and category.
type registryPlanner struct {
	registry    *dispatch.Registry
	taskTimeout time.Duration
}

func (p *registryPlanner) Plan(_ context.Context, snapshot map[string]interface{}) ([]types.SpecialistTask, error) {
	kinds := p.registry.Kinds()
	tasks := make([]types.SpecialistTask, 0, len(kinds))
	for _, kind := range kinds {
		tasks = append(tasks, types.SpecialistTask{
			Kind: kind,
			Payload: map[string]interface{}{
				"document": snapshot[keyDocument],
				"category": snapshot[keyCategory],
			},
			Timeout: p.taskTimeout,
		})
	}
	return tasks, nil
}

func (e *Engine) publish(ctx context.Context, eventType, runID string, data map[string]interface{}) {
	if e.deps.Bus == nil {
		return
	}
	_ = e.deps.Bus.Publish(ctx, events.Event{Type: eventType, RunID: runID, Data: data})
}

// inputRef derives a stable reference for an input document.
func inputRef(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}
