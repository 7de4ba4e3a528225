package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELRule evaluates one compiled CEL expression against the request. The
// expression sees principal_id, action, resource_type, resource_id, and
// the request context as `context`; it must produce a bool.
type CELRule struct {
	name string
	expr string
	prg  cel.Program
}

// celEnv compiles expressions for all CEL rules in the process. Programs
// are cached per expression so policy refreshes reuse compilations.
type celEnv struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

var (
	sharedCEL     *celEnv
	sharedCELOnce sync.Once
	sharedCELErr  error
)

func getCELEnv() (*celEnv, error) {
	sharedCELOnce.Do(func() {
		env, err := cel.NewEnv(
			cel.Variable("principal_id", cel.IntType),
			cel.Variable("action", cel.StringType),
			cel.Variable("resource_type", cel.StringType),
			cel.Variable("resource_id", cel.StringType),
			cel.Variable("context", cel.DynType),
		)
		if err != nil {
			sharedCELErr = fmt.Errorf("create cel environment: %w", err)
			return
		}
		sharedCEL = &celEnv{env: env, cache: make(map[string]cel.Program)}
	})
	return sharedCEL, sharedCELErr
}

func (e *celEnv) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok = e.cache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}

// NewCELRule compiles the abac policy expression up front so a bad policy
// fails at load time, not per request.
func NewCELRule(name, expr string) (*CELRule, error) {
	if expr == "" {
		return nil, fmt.Errorf("abac policy %s: empty expression", name)
	}
	env, err := getCELEnv()
	if err != nil {
		return nil, err
	}
	prg, err := env.program(expr)
	if err != nil {
		return nil, fmt.Errorf("abac policy %s: %w", name, err)
	}
	return &CELRule{name: name, expr: expr, prg: prg}, nil
}

func (r *CELRule) Name() string { return "abac:" + r.name }

func (r *CELRule) Evaluate(_ context.Context, req *Request) (*RuleResult, error) {
	reqContext := req.Context
	if reqContext == nil {
		reqContext = map[string]interface{}{}
	}
	out, _, err := r.prg.Eval(map[string]interface{}{
		"principal_id":  req.PrincipalID,
		"action":        req.Action,
		"resource_type": req.ResourceType,
		"resource_id":   req.ResourceID,
		"context":       reqContext,
	})
	if err != nil {
		return nil, fmt.Errorf("abac policy %s: eval: %w", r.name, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("abac policy %s: expression result is not bool", r.name)
	}
	if !allowed {
		return deny(fmt.Sprintf("policy %s denied", r.name)), nil
	}
	return allow(fmt.Sprintf("policy %s satisfied", r.name)), nil
}
