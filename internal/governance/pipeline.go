// Package governance — pipeline.go
//
// The governance gate itself: the single mandatory pre-execution
// pipeline (§3.5, §4.5) running constitutional check, policy check,
// hunter/security scan, verification, and an optional parliament vote,
// in that fixed order, short-circuiting on the first terminal verdict.
package governance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Gate runs the five-stage governance pipeline. Recording each Decision
// to the journal is left to the caller, keeping this package free of a
// dependency on the journal's concrete event type; cmd/grace constructs
// the Gate but does not itself journal its decisions.
type Gate struct {
	constitutional *ConstitutionalKernel
	policy         *PolicyEngine
	hunter         *HunterScanner
	verifier       *Verifier
	parliament     *Parliament

	parliamentRiskFloor RiskLevel // requests at or above this risk require parliament
	log                 *zap.Logger
}

// GateConfig collects the constructed stage dependencies.
type GateConfig struct {
	Constitutional      *ConstitutionalKernel
	Policy              *PolicyEngine // may be nil to skip the policy stage
	Hunter              *HunterScanner
	Verifier            *Verifier
	Parliament          *Parliament
	ParliamentRiskFloor RiskLevel
}

func NewGate(cfg GateConfig, log *zap.Logger) *Gate {
	floor := cfg.ParliamentRiskFloor
	if floor == "" {
		floor = RiskCritical
	}
	return &Gate{
		constitutional:      cfg.Constitutional,
		policy:              cfg.Policy,
		hunter:              cfg.Hunter,
		verifier:            cfg.Verifier,
		parliament:          cfg.Parliament,
		parliamentRiskFloor: floor,
		log:                 log,
	}
}

// riskRank orders RiskLevel for the parliament-floor comparison.
func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

// pipelineStages lists the five governance stages in evaluation order,
// used to backfill StageNotEvaluated entries for stages a short-circuit
// never reached.
var pipelineStages = []string{"constitutional", "policy", "hunter", "verification", "parliament"}

// backfillNotEvaluated appends a StageNotEvaluated entry for every stage
// after (and excluding) afterStage, so a short-circuited Decision still
// carries exactly one entry per pipeline stage, per §4.5/§8.6.
func backfillNotEvaluated(d *Decision, afterStage string) {
	reached := false
	for _, stage := range pipelineStages {
		if !reached {
			if stage == afterStage {
				reached = true
			}
			continue
		}
		d.Reasons = append(d.Reasons, StageResult{CheckName: stage, Verdict: StageNotEvaluated, Detail: "not evaluated: pipeline short-circuited"})
	}
}

// Evaluate runs the full pipeline against r and returns the resulting
// Decision. Each stage's StageResult is recorded in Decision.Reasons
// regardless of outcome, per §3.5's audit requirement; a short-circuiting
// deny or defer still backfills a not-evaluated entry for every stage it
// never reached, so Decision.Reasons always has one entry per stage.
func (g *Gate) Evaluate(ctx context.Context, r Request) Decision {
	d := Decision{Request: r, CorrelationID: r.CorrelationID}

	// Stage 1: constitutional check — always mandatory.
	hash, err := g.constitutional.Evaluate(r)
	if err != nil {
		d.Reasons = append(d.Reasons, StageResult{CheckName: "constitutional", Verdict: StageFail, Detail: err.Error()})
		d.Outcome = OutcomeDenied
		backfillNotEvaluated(&d, "constitutional")
		return g.finalize(d)
	}
	d.Reasons = append(d.Reasons, StageResult{CheckName: "constitutional", Verdict: StagePass, Detail: hash})
	d.PolicyRefs = append(d.PolicyRefs, "constitutional:"+hash)

	// Stage 2: policy check.
	if g.policy != nil {
		allowed, ref, err := g.policy.Evaluate(ctx, r)
		if err != nil {
			d.Reasons = append(d.Reasons, StageResult{CheckName: "policy", Verdict: StageFail, Detail: err.Error()})
			d.Outcome = OutcomeDeferred
			backfillNotEvaluated(&d, "policy")
			return g.finalize(d)
		}
		if !allowed {
			d.Reasons = append(d.Reasons, StageResult{CheckName: "policy", Verdict: StageFail, Detail: "denied by policy"})
			d.Outcome = OutcomeDenied
			backfillNotEvaluated(&d, "policy")
			return g.finalize(d)
		}
		d.Reasons = append(d.Reasons, StageResult{CheckName: "policy", Verdict: StagePass, Detail: ref})
		d.PolicyRefs = append(d.PolicyRefs, ref)
	} else {
		d.Reasons = append(d.Reasons, StageResult{CheckName: "policy", Verdict: StageNotEvaluated, Detail: "no policy engine configured"})
	}

	// Stage 3: hunter/security scan.
	scan := g.hunter.Scan(r)
	if scan.Worst == SeverityCritical {
		d.Reasons = append(d.Reasons, StageResult{CheckName: "hunter", Verdict: StageFail, Detail: describeFindings(scan.Findings)})
		d.Outcome = OutcomeDenied
		backfillNotEvaluated(&d, "hunter")
		return g.finalize(d)
	}
	if len(scan.Findings) > 0 {
		d.Reasons = append(d.Reasons, StageResult{CheckName: "hunter", Verdict: StagePass, Detail: "advisory: " + describeFindings(scan.Findings)})
	} else {
		d.Reasons = append(d.Reasons, StageResult{CheckName: "hunter", Verdict: StagePass, Detail: "no findings"})
	}

	// Stage 4: verification.
	if err := g.verifier.VerifyRequest(r); err != nil {
		d.Reasons = append(d.Reasons, StageResult{CheckName: "verification", Verdict: StageFail, Detail: err.Error()})
		d.Outcome = OutcomeDenied
		backfillNotEvaluated(&d, "verification")
		return g.finalize(d)
	}
	d.Reasons = append(d.Reasons, StageResult{CheckName: "verification", Verdict: StagePass})

	// Stage 5: optional parliament vote, gated by risk floor.
	if riskRank(r.RiskLevel) >= riskRank(g.parliamentRiskFloor) {
		approved, votes := g.parliament.Tally(r.CorrelationID)
		if !approved {
			d.Reasons = append(d.Reasons, StageResult{CheckName: "parliament", Verdict: StageNotEvaluated,
				Detail: fmt.Sprintf("awaiting quorum, %d approving votes so far", votes)})
			d.Outcome = OutcomeRequiresParliament
			return g.finalize(d)
		}
		d.Reasons = append(d.Reasons, StageResult{CheckName: "parliament", Verdict: StagePass,
			Detail: fmt.Sprintf("%d approving votes", votes)})
		g.parliament.Clear(r.CorrelationID)
	} else {
		d.Reasons = append(d.Reasons, StageResult{CheckName: "parliament", Verdict: StageNotEvaluated, Detail: "below parliament risk floor"})
	}

	d.Outcome = OutcomeApproved
	return g.finalize(d)
}

func (g *Gate) finalize(d Decision) Decision {
	expires := time.Now().Add(5 * time.Minute)
	d.ExpiresAt = &expires
	g.log.Info("governance decision",
		zap.String("actor", d.Request.Actor),
		zap.String("action", d.Request.Action),
		zap.String("outcome", string(d.Outcome)),
	)
	return d
}

func describeFindings(findings []Finding) string {
	out := ""
	for i, f := range findings {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s[%s]: %s", f.Rule, f.Severity, f.Detail)
	}
	return out
}
