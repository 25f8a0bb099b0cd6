package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Exemptions evaluates CEL rules that let matching requests bypass the
// limiter. Rules see the request path and method plus the resolved identity.
type Exemptions struct {
	env *cel.Env

	mu    sync.RWMutex
	rules []exemptionRule
}

type exemptionRule struct {
	source  string
	program cel.Program
}

// NewExemptions compiles the configured expressions. An empty list is valid
// and exempts nothing.
func NewExemptions(expressions []string) (*Exemptions, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("identity", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: build exemption environment: %w", err)
	}
	e := &Exemptions{env: env}
	if err := e.Replace(expressions); err != nil {
		return nil, err
	}
	return e, nil
}

// Replace swaps the active rule set. Used by config reloads; the old rules
// stay in effect when any new expression fails to compile.
func (e *Exemptions) Replace(expressions []string) error {
	rules := make([]exemptionRule, 0, len(expressions))
	for _, expression := range expressions {
		rule, err := e.compile(expression)
		if err != nil {
			return err
		}
		rules = append(rules, rule)
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// Match reports whether any rule exempts the request. Evaluation errors count
// as no match so a broken rule cannot open the floodgates.
func (e *Exemptions) Match(r *http.Request, identity Identity) bool {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	if len(rules) == 0 {
		return false
	}

	activation := map[string]any{
		"request": map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
		},
		"identity": map[string]any{
			"partition": identity.Partition,
			"subject":   identity.Subject,
			"address":   identity.Address,
		},
	}

	for _, rule := range rules {
		val, _, err := rule.program.Eval(activation)
		if err != nil {
			continue
		}
		if b, ok := val.(types.Bool); ok && bool(b) {
			return true
		}
		if rv, ok := val.(ref.Val); ok && rv.Type() == types.BoolType {
			if b, ok := rv.Value().(bool); ok && b {
				return true
			}
		}
	}
	return false
}

func (e *Exemptions) compile(expression string) (exemptionRule, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return exemptionRule{}, fmt.Errorf("ratelimit: exemption expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return exemptionRule{}, fmt.Errorf("ratelimit: compile exemption %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return exemptionRule{}, fmt.Errorf("ratelimit: exemption %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return exemptionRule{}, fmt.Errorf("ratelimit: program exemption %q: %w", expr, err)
	}
	return exemptionRule{source: expr, program: program}, nil
}
