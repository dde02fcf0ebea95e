// Package policy decides whether a verified caller may open a voice session
// for a tenant.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of an access evaluation.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// AccessInput is the document the policy is evaluated against.
type AccessInput struct {
	OrgID  string         `json:"org_id"`
	Claims map[string]any `json:"claims"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content. The
// module must define data.voice_access.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.voice_access.decision"),
		rego.Module("voice_access.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy module from path, or the default policy
// when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the access policy. Anything other than an explicit "allow"
// is a denial.
func (e *Engine) Evaluate(ctx context.Context, input AccessInput) (Decision, error) {
	claims := input.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	doc := map[string]any{
		"org_id": input.OrgID,
		"claims": claims,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Deny, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Deny, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok && Decision(s) == Allow {
		return Allow, nil
	}
	return Deny, nil
}

// DefaultPolicy lets any verified caller in, except when the token lists the
// orgs it belongs to and the requested org is not among them.
const DefaultPolicy = `
package voice_access

default decision = "allow"

decision = "deny" {
	count(object.get(input.claims, "orgs", [])) > 0
	not org_member
}

org_member {
	input.claims.orgs[_] == input.org_id
}
`
