package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/auditflow/orchestrator/audit"
	"github.com/auditflow/orchestrator/consult"
	"github.com/auditflow/orchestrator/dispatch"
	"github.com/auditflow/orchestrator/events"
	"github.com/auditflow/orchestrator/storage"
	"github.com/auditflow/orchestrator/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.id++
	return g.id, nil
}

// MockCategorizer returns a fixed verdict or error.
type MockCategorizer struct {
	verdict Categorization
	err     error
	panics  bool
}

func (c *MockCategorizer) Categorize(ctx context.Context, document string) (Categorization, error) {
	if c.panics {
		panic("categorizer exploded")
	}
	return c.verdict, c.err
}

type MockGeneratorStep struct {
	err error
}

func (g *MockGeneratorStep) Generate(ctx context.Context, snapshot map[string]interface{}) (interface{}, error) {
	if g.err != nil {
		return nil, g.err
	}
	return map[string]interface{}{"artifact": "report", "category": snapshot["category"]}, nil
}

type MockValidator struct {
	result ValidationResult
	err    error
}

func (v *MockValidator) Validate(ctx context.Context, artifact interface{}) (ValidationResult, error) {
	return v.result, v.err
}

// harness wires a full engine over in-memory collaborators.
type harness struct {
	engine      *Engine
	logger      *audit.Logger
	store       *storage.MemoryStorage
	bus         *events.EventBus
	consults    *consult.Manager
	categorizer *MockCategorizer
	validator   *MockValidator
	artifacts   *MockGeneratorStep
	registry    *dispatch.Registry
}

func okExecutor(value interface{}) dispatch.Executor {
	return dispatch.ExecutorFunc(func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		return value, nil
	})
}

func newHarness(t *testing.T, config Config, specialists map[string]dispatch.Executor) *harness {
	t.Helper()

	store := storage.NewMemoryStorage()
	logger, err := audit.NewLogger(store)
	require.NoError(t, err)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	registry := dispatch.NewRegistry()
	if specialists == nil {
		specialists = map[string]dispatch.Executor{
			"retrieval": okExecutor("docs"),
			"summary":   okExecutor("text"),
			"lookup":    okExecutor("entry"),
		}
	}
	for kind, exec := range specialists {
		require.NoError(t, registry.Register(kind, exec))
	}

	dispatcher, err := dispatch.NewDispatcher(registry, dispatch.Unlimited())
	require.NoError(t, err)

	consults, err := consult.NewManager(&MockGenerator{}, logger, bus)
	require.NoError(t, err)

	h := &harness{
		logger:      logger,
		store:       store,
		bus:         bus,
		consults:    consults,
		categorizer: &MockCategorizer{verdict: Categorization{Category: "standard", Confidence: 0.9}},
		validator:   &MockValidator{result: ValidationResult{Passed: true}},
		artifacts:   &MockGeneratorStep{},
		registry:    registry,
	}

	h.engine, err = NewEngine(Dependencies{
		Categorizer: h.categorizer,
		Generator:   h.artifacts,
		Validator:   h.validator,
		Dispatcher:  dispatcher,
		Registry:    registry,
		Consults:    consults,
		Audit:       logger,
		Storage:     store,
		Bus:         bus,
	}, WithConfig(config))
	require.NoError(t, err)
	return h
}

// answer resolves every consultation request with the given decision as
// soon as it is published.
func (h *harness) answer(decision, responder string) {
	h.bus.SubscribeFunc(events.EventConsultationRequested, func(ctx context.Context, event events.Event) error {
		id, ok := event.Data["request_id"].(uint64)
		if !ok {
			return errors.New("missing request_id")
		}
		return h.consults.Resolve(context.Background(), id, decision, responder)
	})
}

func testConfig() Config {
	config := DefaultConfig()
	config.ConsultTimeout = 30 * time.Second
	config.CollectDeadline = 2 * time.Second
	config.TaskTimeout = time.Second
	return config
}

func (h *harness) auditEventTypes(t *testing.T, runID string) []string {
	t.Helper()
	trail, err := h.logger.Trail(context.Background(), runID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(trail))
	for _, entry := range trail {
		kinds = append(kinds, entry.EventType)
	}
	return kinds
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(Dependencies{})
	assert.Error(t, err)
}

func TestStartRejectsBadInput(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = h.engine.Start(ctx, "   \n\t ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	config := testConfig()
	config.MaxInputBytes = 8
	small := newHarness(t, config, nil)
	_, err = small.engine.Start(ctx, "this input is far too large")
	assert.ErrorIs(t, err, ErrInputTooLarge)
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	run, err := h.engine.Start(ctx, "incoming document body")
	require.NoError(t, err)

	assert.Equal(t, types.StateComplete, run.State)
	assert.Equal(t, types.OutcomeSuccess, run.Outcome)
	assert.Empty(t, run.Error)

	saved, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.State, saved.State)

	kinds := h.auditEventTypes(t, run.ID)
	assert.Equal(t, AuditRunStarted, kinds[0])
	assert.Equal(t, AuditRunCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventIngested)
	assert.Contains(t, kinds, EventCategorized)
	assert.Contains(t, kinds, EventPlanned)
	assert.Contains(t, kinds, EventDispatched)
	assert.Contains(t, kinds, EventCollected)
	assert.Contains(t, kinds, EventGenerated)
	assert.Contains(t, kinds, EventValidated)

	ok, err := h.logger.Verify(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, ok, "audit chain must verify after a normal run")
}

// TestLowConfidenceFallback covers the unanswered-consultation path: low
// confidence escalates, nobody responds within the timeout, and the run
// terminates with the fallback on record.
func TestLowConfidenceFallback(t *testing.T) {
	config := testConfig()
	config.ConsultTimeout = 50 * time.Millisecond
	h := newHarness(t, config, nil)
	h.categorizer.verdict = Categorization{Category: "unclear", Confidence: 0.35}

	run, err := h.engine.Start(context.Background(), "ambiguous document")
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleteFallback, run.State)
	assert.Equal(t, types.OutcomeFallback, run.Outcome)

	kinds := h.auditEventTypes(t, run.ID)
	assert.Contains(t, kinds, EventLowConfidence)
	assert.Contains(t, kinds, consult.AuditFallbackApplied)
	assert.Contains(t, kinds, EventCategoryConfirmed)
	assert.Contains(t, kinds, EventValidatedFallback)

	ok, err := h.logger.Verify(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLowConfidenceHumanConfirms(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.categorizer.verdict = Categorization{Category: "unclear", Confidence: 0.35}
	h.answer(DecisionProceed, "reviewer-1")

	run, err := h.engine.Start(context.Background(), "ambiguous document")
	require.NoError(t, err)

	assert.Equal(t, types.StateComplete, run.State)
	assert.Equal(t, types.OutcomeSuccess, run.Outcome)

	kinds := h.auditEventTypes(t, run.ID)
	assert.Contains(t, kinds, consult.AuditResolved)
	assert.NotContains(t, kinds, consult.AuditFallbackApplied)
}

func TestConsultationReject(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.categorizer.verdict = Categorization{Category: "unclear", Confidence: 0.2}
	h.answer(DecisionReject, "reviewer-2")

	run, err := h.engine.Start(context.Background(), "ambiguous document")
	require.NoError(t, err)

	assert.Equal(t, types.StateFailed, run.State)
	assert.Equal(t, types.OutcomeFailed, run.Outcome)
	assert.Contains(t, run.Error, "rejected")
}

// TestSpecialistFailureTolerated: one specialist fails, the run proceeds
// with the remaining results and still completes.
func TestSpecialistFailureTolerated(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]dispatch.Executor{
		"retrieval": okExecutor("docs"),
		"summary": dispatch.ExecutorFunc(func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
			panic("unhandled specialist exception")
		}),
		"lookup": okExecutor("entry"),
	})

	run, err := h.engine.Start(context.Background(), "document")
	require.NoError(t, err)

	assert.Equal(t, types.StateComplete, run.State)
	kinds := h.auditEventTypes(t, run.ID)
	assert.Contains(t, kinds, EventCollected)
	assert.NotContains(t, kinds, EventCollectedNone)
}

// TestAllSpecialistsFailed: with nothing collected the engine escalates,
// and the fallback lets the run proceed under review.
func TestAllSpecialistsFailed(t *testing.T) {
	config := testConfig()
	config.ConsultTimeout = 50 * time.Millisecond
	h := newHarness(t, config, map[string]dispatch.Executor{
		"retrieval": dispatch.ExecutorFunc(func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
			return nil, errors.New("registry unreachable")
		}),
	})

	run, err := h.engine.Start(context.Background(), "document")
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleteFallback, run.State)
	kinds := h.auditEventTypes(t, run.ID)
	assert.Contains(t, kinds, EventCollectedNone)
	assert.Contains(t, kinds, EventPartialAccepted)
}

// TestValidationIssuesRejected: compliance failure is consultation-eligible
// and a human reject fails the run.
func TestValidationIssuesRejected(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.validator.result = ValidationResult{Passed: false, Issues: []string{"missing disclosure"}}
	h.answer(DecisionReject, "compliance-officer")

	run, err := h.engine.Start(context.Background(), "document")
	require.NoError(t, err)

	assert.Equal(t, types.StateFailed, run.State)
	kinds := h.auditEventTypes(t, run.ID)
	assert.Contains(t, kinds, EventNeedsJudgment)
	assert.Contains(t, kinds, EventConsultRejected)
}

// TestValidationIssuesApproved: a human approval over a failed compliance
// check completes the run.
func TestValidationIssuesApproved(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.validator.result = ValidationResult{Passed: false, Issues: []string{"stale reference"}}
	h.answer(DecisionProceed, "compliance-officer")

	run, err := h.engine.Start(context.Background(), "document")
	require.NoError(t, err)

	assert.Equal(t, types.StateComplete, run.State)
	kinds := h.auditEventTypes(t, run.ID)
	assert.Contains(t, kinds, EventArtifactApproved)
}

func TestCategorizerErrorIsFatal(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.categorizer.err = errors.New("model unavailable")

	run, err := h.engine.Start(context.Background(), "document")
	require.NoError(t, err)

	assert.Equal(t, types.StateFailed, run.State)
	assert.Equal(t, types.OutcomeFailed, run.Outcome)
	assert.Contains(t, run.Error, "model unavailable")

	kinds := h.auditEventTypes(t, run.ID)
	assert.Contains(t, kinds, EventFatal)
	assert.Equal(t, AuditRunFailed, kinds[len(kinds)-1])
}

// TestPanicRecoveredAtBoundary: a panicking collaborator fails the run
// with stack context on record instead of crashing the engine.
func TestPanicRecoveredAtBoundary(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.categorizer.panics = true

	run, err := h.engine.Start(context.Background(), "document")
	require.NoError(t, err)

	assert.Equal(t, types.StateFailed, run.State)
	assert.Contains(t, run.Error, "panic")

	ok, err := h.logger.Verify(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGeneratorErrorIsFatal(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.artifacts.err = errors.New("template corrupted")

	run, err := h.engine.Start(context.Background(), "document")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, run.State)
	assert.Contains(t, run.Error, "template corrupted")
}

// TestTotalTransitionCoverage asserts the transition table is total over
// every event kind each state can emit, and maps only into known states.
func TestTotalTransitionCoverage(t *testing.T) {
	emittable := map[string][]string{
		types.StateIngesting:    {EventIngested, EventFatal},
		types.StateCategorizing: {EventCategorized, EventLowConfidence, EventFatal},
		types.StatePlanning:     {EventPlanned, EventFatal},
		types.StateDispatching:  {EventDispatched, EventFatal},
		types.StateCollecting:   {EventCollected, EventCollectedNone, EventFatal},
		types.StateConsulting: {EventCategoryConfirmed, EventPartialAccepted, EventArtifactApproved,
			EventArtifactApprovedFallback, EventConsultRejected, EventFatal},
		types.StateGenerating: {EventGenerated, EventFatal},
		types.StateValidating: {EventValidated, EventValidatedFallback, EventNeedsJudgment, EventFatal},
	}

	table := Transitions()
	require.Len(t, table, len(emittable), "every non-terminal state has a transition row")

	validStates := map[string]bool{
		types.StateComplete: true, types.StateCompleteFallback: true, types.StateFailed: true,
	}
	for state := range emittable {
		validStates[state] = true
	}

	for state, kinds := range emittable {
		row, ok := table[state]
		require.True(t, ok, state)
		assert.Len(t, row, len(kinds), "state %s: table and emittable kinds must match exactly", state)
		for _, kind := range kinds {
			next, ok := row[kind]
			assert.True(t, ok, "state %s must map event %s", state, kind)
			assert.True(t, validStates[next], "state %s event %s maps to unknown state %s", state, kind, next)
		}
		// Every state maps fatal straight to failed.
		assert.Equal(t, types.StateFailed, row[EventFatal], state)
	}
}

func TestAdvanceRejectsUnmappedPairs(t *testing.T) {
	_, err := advance(types.StateIngesting, "bogus_event")
	assert.ErrorIs(t, err, ErrUnmappedTransition)
	_, err = advance(types.StateComplete, EventIngested)
	assert.ErrorIs(t, err, ErrUnmappedTransition)
}

func TestRunsAreIsolated(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	first, err := h.engine.Start(ctx, "document one")
	require.NoError(t, err)
	second, err := h.engine.Start(ctx, "document two")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.InputRef, second.InputRef)

	for _, run := range []*types.Run{first, second} {
		ok, err := h.logger.Verify(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestInputRefStable(t *testing.T) {
	assert.Equal(t, inputRef("same"), inputRef("same"))
	assert.NotEqual(t, inputRef("same"), inputRef("different"))
	assert.False(t, strings.Contains(inputRef("same"), " "))
}
