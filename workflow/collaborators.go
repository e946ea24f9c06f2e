package workflow

import (
	"context"

	"github.com/auditflow/orchestrator/types"
)

// Categorization is the categorizer's verdict on a document. Confidence is
// in [0,1]; the engine compares it against the configured policy to decide
// whether the category needs human confirmation.
type Categorization struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Categorizer is the external classification heuristic.
type Categorizer interface {
	Categorize(ctx context.Context, document string) (Categorization, error)
}

// ArtifactGenerator turns the collected run context into the final output
// artifact.
type ArtifactGenerator interface {
	Generate(ctx context.Context, snapshot map[string]interface{}) (interface{}, error)
}

// ValidationResult is the compliance validator's verdict on an artifact.
type ValidationResult struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// ComplianceValidator is the external compliance check applied to the
// generated artifact.
type ComplianceValidator interface {
	Validate(ctx context.Context, artifact interface{}) (ValidationResult, error)
}

// Planner decides which specialist tasks a run dispatches, based on the
// run context accumulated so far.
type Planner interface {
	Plan(ctx context.Context, snapshot map[string]interface{}) ([]types.SpecialistTask, error)
}
