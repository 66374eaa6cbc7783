package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/hadrian-run/hadrian/internal/identity"
)

// MaxPolicyExprBytes bounds a rule predicate's source length. Not specified
// numerically in spec §4.11 ("an implementation-imposed maximum expression
// length to prevent ReDoS-style pathology") — chosen generously enough for
// any realistic rule while still rejecting pathological input outright.
const MaxPolicyExprBytes = 4096

// Resource is the caller-supplied attribute bag an access query is
// evaluated against (e.g. {"model": "gpt-4o", "provider": "open_ai"}).
type Resource map[string]interface{}

// Engine evaluates access queries against an OrgRbacPolicy's ordered rules
// using CEL predicates over subject and resource attributes.
type Engine struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewEngine builds the CEL environment shared by every rule predicate: a
// "subject" and "resource" variable, both maps of dynamically-typed values.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("building CEL environment: %w", err)
	}
	return &Engine{env: env, programs: make(map[string]cel.Program)}, nil
}

// Evaluate scans policy.Rules in order, short-circuiting on the first rule
// whose action set contains action and whose subject/resource predicates
// both evaluate true. Falls back to policy.DefaultEffect with no match.
func (e *Engine) Evaluate(policy OrgRbacPolicy, subject identity.Subject, action string, resource Resource) (Effect, error) {
	subjectMap := subjectToCEL(subject)
	if resource == nil {
		resource = Resource{}
	}

	for _, rule := range policy.Rules {
		if !rule.allowsAction(action) {
			continue
		}

		subjectMatch, err := e.evalPredicate(rule.SubjectExpr, subjectMap, resource)
		if err != nil {
			return "", fmt.Errorf("evaluating subject predicate: %w", err)
		}
		if !subjectMatch {
			continue
		}

		resourceMatch, err := e.evalPredicate(rule.ResourceExpr, subjectMap, resource)
		if err != nil {
			return "", fmt.Errorf("evaluating resource predicate: %w", err)
		}
		if !resourceMatch {
			continue
		}

		return rule.Effect, nil
	}

	return policy.DefaultEffect, nil
}

// evalPredicate compiles (and caches) expr and evaluates it against the
// given subject/resource maps. An empty expr always matches.
func (e *Engine) evalPredicate(expr string, subject map[string]interface{}, resource Resource) (bool, error) {
	if expr == "" {
		return true, nil
	}
	if len(expr) > MaxPolicyExprBytes {
		return false, fmt.Errorf("predicate exceeds max expression length (%d > %d bytes)", len(expr), MaxPolicyExprBytes)
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"subject":  subject,
		"resource": map[string]interface{}(resource),
	})
	if err != nil {
		return false, fmt.Errorf("evaluating expression %q: %w", expr, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a bool", expr)
	}
	return matched, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	if prg, ok := e.programs[expr]; ok {
		e.mu.Unlock()
		return prg, nil
	}
	e.mu.Unlock()

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program for expression %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()

	return prg, nil
}

func subjectToCEL(s identity.Subject) map[string]interface{} {
	m := map[string]interface{}{
		"external_id": s.ExternalID,
		"email":       s.Email,
		"roles":       stringsToAny(s.Roles),
		"org_ids":     uuidsToAny(s.OrgIDs),
		"team_ids":    uuidsToAny(s.TeamIDs),
		"project_ids": uuidsToAny(s.ProjectIDs),
	}
	if s.UserID != nil {
		m["user_id"] = s.UserID.String()
	} else {
		m["user_id"] = ""
	}
	if s.ServiceAccountID != nil {
		m["service_account_id"] = s.ServiceAccountID.String()
	} else {
		m["service_account_id"] = ""
	}
	return m
}

func stringsToAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func uuidsToAny(ids []uuid.UUID) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
