// Package template implements the Template Engine contract: interpolating
// `${expr}`/`${{expr}}` expressions against a read-only scope, backed by
// github.com/expr-lang/expr the way the teacher's expression package
// compiles and caches condition expressions.
package template

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	catalysterrors "github.com/tombee/catalyst/pkg/errors"
)

// delimiterPattern matches both ${expr} and ${{expr}} forms; the longer
// double-brace form is tried first since it is a superset of the pattern.
var delimiterPattern = regexp.MustCompile(`\$\{\{(.*?)\}\}|\$\{(.*?)\}`)

// Engine evaluates templates against a scope, caching compiled
// expressions the way expression.Evaluator does.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a template Engine with an empty compilation cache.
func New() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Interpolate replaces every `${expr}`/`${{expr}}` occurrence in
// template with the string form of its evaluation against scope. An
// expression referencing an undefined variable raises a TemplateError;
// scope is never mutated.
func (e *Engine) Interpolate(template string, scope map[string]interface{}) (string, error) {
	var outerErr error
	result := delimiterPattern.ReplaceAllStringFunc(template, func(match string) string {
		if outerErr != nil {
			return match
		}
		exprSrc := extractExpr(match)
		val, err := e.Eval(exprSrc, scope)
		if err != nil {
			outerErr = err
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

// InterpolateObject walks a nested map/slice/string structure and
// applies Interpolate to every string leaf, returning a new structure.
// Non-string leaves (numbers, bools, nil) pass through unchanged.
func (e *Engine) InterpolateObject(obj interface{}, scope map[string]interface{}) (interface{}, error) {
	switch v := obj.(type) {
	case string:
		return e.Interpolate(v, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			iv, err := e.InterpolateObject(val, scope)
			if err != nil {
				return nil, err
			}
			out[k] = iv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			iv, err := e.InterpolateObject(val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	default:
		return obj, nil
	}
}

// Eval compiles (or fetches from cache) and runs a single expression
// against scope, without delimiter scanning. Used directly by `if` and
// `for-each` steps for condition/collection evaluation.
func (e *Engine) Eval(exprSrc string, scope map[string]interface{}) (interface{}, error) {
	exprSrc = strings.TrimSpace(exprSrc)
	prog, err := e.compile(exprSrc)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeTemplateError, err, fmt.Sprintf("failed to compile expression %q", exprSrc))
	}

	result, err := expr.Run(prog, scope)
	if err != nil {
		return nil, catalysterrors.Wrap(catalysterrors.CodeTemplateError, err, fmt.Sprintf("failed to evaluate expression %q", exprSrc)).
			WithGuidance("check that every variable referenced in the expression exists in scope")
	}
	return result, nil
}

func (e *Engine) compile(exprSrc string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[exprSrc]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// Undefined variables must raise an error at runtime, so unlike the
	// teacher's condition evaluator this does not set AllowUndefinedVariables.
	prog, err := expr.Compile(exprSrc)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[exprSrc] = prog
	e.mu.Unlock()

	return prog, nil
}

func extractExpr(match string) string {
	if strings.HasPrefix(match, "${{") && strings.HasSuffix(match, "}}") {
		return match[3 : len(match)-2]
	}
	return match[2 : len(match)-1]
}
