// Package governance — policy.go
//
// The policy check stage: evaluates a Request against a Rego policy
// bundle via github.com/open-policy-agent/opa's rego package. This is
// new ground for the teacher (which had no policy engine), grounded on
// the spec's own domain-stack decision to carry OPA for declarative
// policy rather than hand-rolled if/else rule trees.
package governance

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// PolicyEngine wraps a compiled Rego query deciding request admissibility.
// The policy module must define a boolean `data.grace.governance.allow`.
type PolicyEngine struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEngine compiles the given Rego module source into a prepared
// query. module is expected to be a single package named
// grace.governance exporting an `allow` rule.
func NewPolicyEngine(ctx context.Context, moduleName, module string) (*PolicyEngine, error) {
	r := rego.New(
		rego.Query("data.grace.governance.allow"),
		rego.Module(moduleName, module),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("governance: compiling policy module %s: %w", moduleName, err)
	}
	return &PolicyEngine{query: pq}, nil
}

// DefaultPolicyModule is the built-in policy used when no operator
// override is configured: deny critical-risk requests against the
// kernel-host resource class outright, allow everything else to
// proceed to the remaining stages.
const DefaultPolicyModule = `package grace.governance

default allow = true

allow = false {
	input.risk_level == "critical"
	startswith(input.resource, "kernelhost/")
}
`

// Evaluate runs the compiled policy against r and returns whether the
// policy allows the request, plus the raw policy reference string for
// the decision's PolicyRefs.
func (p *PolicyEngine) Evaluate(ctx context.Context, r Request) (allowed bool, ref string, err error) {
	input := map[string]any{
		"actor":      r.Actor,
		"action":     r.Action,
		"resource":   r.Resource,
		"risk_level": string(r.RiskLevel),
		"context":    r.Context,
	}
	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("governance: policy evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, "", fmt.Errorf("governance: policy produced no result")
	}
	ok, _ := rs[0].Expressions[0].Value.(bool)
	return ok, "grace.governance.allow", nil
}
