package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultConsultPolicy is the stock consultation-trigger expression: a step
// outcome is consultation-eligible when its confidence falls below the
// configured threshold. The threshold enters through the environment, never
// as a literal, so operators can tune it per deployment.
const DefaultConsultPolicy = "confidence < threshold"

// PolicyEnv is the variable set a consultation policy expression sees.
// Policies may reference any combination of these, e.g.
// "confidence < threshold || category == 'restricted'".
type PolicyEnv struct {
	Confidence float64
	Threshold  float64
	Category   string
}

// Map renders the environment for expression evaluation.
func (p PolicyEnv) Map() map[string]interface{} {
	return map[string]interface{}{
		"confidence": p.Confidence,
		"threshold":  p.Threshold,
		"category":   p.Category,
	}
}

// ConsultNeeded evaluates a consultation policy against the environment.
// An empty policy falls back to DefaultConsultPolicy.
func ConsultNeeded(e Evaluator, policy string, env PolicyEnv) (bool, error) {
	if policy == "" {
		policy = DefaultConsultPolicy
	}
	return e.Evaluate(policy, env.Map())
}

// Evaluator defines the interface for evaluating policy expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// program returns the compiled form of expression, compiling and caching on
// first sight. Double-checked so concurrent evaluations of a hot policy hit
// the read lock only.
func (e *ExprEvaluator) program(expression string, env map[string]interface{}) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression, env)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
