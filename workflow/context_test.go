package workflow

import (
	"testing"

	"github.com/auditflow/orchestrator/consult"
	"github.com/auditflow/orchestrator/dispatch"
	"github.com/auditflow/orchestrator/types"
	"github.com/stretchr/testify/assert"
)

func TestContextAccessors(t *testing.T) {
	c := NewContext()

	c.SetDocument("body")
	assert.Equal(t, "body", c.Document())

	c.SetCategorization("standard", 0.8, "clear markers")
	category, confidence := c.Categorization()
	assert.Equal(t, "standard", category)
	assert.Equal(t, 0.8, confidence)

	result := dispatch.PartialResult{Outcomes: map[string]dispatch.Outcome{
		"retrieval": {Status: types.TaskCompleted, Value: "docs"},
	}}
	c.SetResults(result)
	got, ok := c.Results()
	assert.True(t, ok)
	assert.Equal(t, result, got)

	c.SetDecision(consult.Decision{Choice: "proceed", Responder: "r1"})
	decision, ok := c.Decision()
	assert.True(t, ok)
	assert.Equal(t, "proceed", decision.Choice)

	c.SetIssues([]string{"issue"})
	assert.Equal(t, []string{"issue"}, c.Issues())
}

func TestContextSnapshotIsCopy(t *testing.T) {
	c := NewContext()
	c.Set("key", "value")

	snapshot := c.Snapshot()
	snapshot["key"] = "mutated"

	v, ok := c.Get("key")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestContextClear(t *testing.T) {
	c := NewContext()
	c.Set("key", "value")
	c.Clear()

	_, ok := c.Get("key")
	assert.False(t, ok)

	// Writes after clear are dropped: the run is terminal.
	c.Set("key", "late write")
	_, ok = c.Get("key")
	assert.False(t, ok)
}
