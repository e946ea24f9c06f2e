package workflow

import (
	"sync"

	"github.com/auditflow/orchestrator/consult"
	"github.com/auditflow/orchestrator/dispatch"
)

// Context keys for the typed accessors. Kept unexported so steps go
// through the accessors instead of colliding on raw strings.
const (
	keyDocument   = "document"
	keyCategory   = "category"
	keyConfidence = "confidence"
	keyRationale  = "rationale"
	keyResults    = "specialist_results"
	keyArtifact   = "artifact"
	keyDecision   = "consult_decision"
	keyIssues     = "validation_issues"
)

// Context is the per-run key/value store shared across steps. It is owned
// by exactly one run, written by any step, read by any later step, and
// cleared when the run reaches a terminal state.
type Context struct {
	mu      sync.RWMutex
	values  map[string]interface{}
	cleared bool
}

// NewContext creates an empty per-run context store.
func NewContext() *Context {
	return &Context{values: make(map[string]interface{})}
}

// Set stores a value under key.
func (c *Context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleared {
		return
	}
	c.values[key] = value
}

// Get retrieves a value by key.
func (c *Context) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// SetDocument stores the ingested input document.
func (c *Context) SetDocument(doc string) { c.Set(keyDocument, doc) }

// Document returns the ingested input document.
func (c *Context) Document() string {
	v, _ := c.Get(keyDocument)
	s, _ := v.(string)
	return s
}

// SetCategorization stores the categorizer's output.
func (c *Context) SetCategorization(category string, confidence float64, rationale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleared {
		return
	}
	c.values[keyCategory] = category
	c.values[keyConfidence] = confidence
	c.values[keyRationale] = rationale
}

// Categorization returns the stored category and confidence.
func (c *Context) Categorization() (string, float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	category, _ := c.values[keyCategory].(string)
	confidence, _ := c.values[keyConfidence].(float64)
	return category, confidence
}

// SetResults stores the collected specialist outcomes.
func (c *Context) SetResults(r dispatch.PartialResult) { c.Set(keyResults, r) }

// Results returns the collected specialist outcomes.
func (c *Context) Results() (dispatch.PartialResult, bool) {
	v, ok := c.Get(keyResults)
	if !ok {
		return dispatch.PartialResult{}, false
	}
	r, ok := v.(dispatch.PartialResult)
	return r, ok
}

// SetArtifact stores the generated output artifact.
func (c *Context) SetArtifact(artifact interface{}) { c.Set(keyArtifact, artifact) }

// Artifact returns the generated output artifact.
func (c *Context) Artifact() (interface{}, bool) { return c.Get(keyArtifact) }

// SetDecision stores the latest consultation decision.
func (c *Context) SetDecision(d consult.Decision) { c.Set(keyDecision, d) }

// Decision returns the latest consultation decision.
func (c *Context) Decision() (consult.Decision, bool) {
	v, ok := c.Get(keyDecision)
	if !ok {
		return consult.Decision{}, false
	}
	d, ok := v.(consult.Decision)
	return d, ok
}

// SetIssues stores compliance validation issues.
func (c *Context) SetIssues(issues []string) { c.Set(keyIssues, issues) }

// Issues returns compliance validation issues.
func (c *Context) Issues() []string {
	v, _ := c.Get(keyIssues)
	issues, _ := v.([]string)
	return issues
}

// Snapshot returns a shallow copy of the store, safe to hand to
// consultation requests and artifact generation.
func (c *Context) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		snapshot[k] = v
	}
	return snapshot
}

// Clear empties the store once its run is terminal. Further writes are
// dropped.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]interface{})
	c.cleared = true
}
