// Package decision hosts the unified decision synthesizer (§4.6) as a
// first-class kernel: it gathers per-correlation-ID verdicts published
// by governance, immune, and the other named decision sources, calls
// synth.Synthesize once enough of them have reported (or a collection
// window elapses), and republishes the merged result onto the mesh —
// firing decision.contradiction whenever synth flags a contradiction
// (two sources with opposite verdicts at confidence >= 0.8).
//
// Unlike a business kernel, the synthesizer is a core-owned merge
// point (spec §1 item 5): cmd/grace registers and starts this kernel
// itself rather than leaving it to deployment-specific wiring.
package decision

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/corectx"
	"github.com/octoreflex/grace/internal/event"
	"github.com/octoreflex/grace/internal/observability"
	"github.com/octoreflex/grace/internal/synth"
)

// Name is the kernel name this package registers under and the mesh
// Source every event it publishes carries.
const Name = "decision"

// DefaultWindow bounds how long the kernel waits for every named source
// to report on a correlation ID before synthesizing with whatever
// verdicts arrived.
const DefaultWindow = 2 * time.Second

// sourceEvents maps the mesh event Type a source's verdict arrives as
// to the synth.Source it represents. A route manifest must target this
// kernel ("decision") for each of these types for synthesis to ever run.
var sourceEvents = map[string]synth.Source{
	"governance.decision.approved": synth.SourceGovernance,
	"governance.decision.denied":   synth.SourceGovernance,
	"immune.verdict":               synth.SourceImmune,
	"ml.verdict":                   synth.SourceML,
	"learning.verdict":             synth.SourceLearning,
	"memory.verdict":               synth.SourceMemory,
}

// expectedSources is the number of distinct synth.Source values a
// correlation ID can accumulate before synthesis is triggered early.
var expectedSources = func() int {
	seen := make(map[synth.Source]struct{}, len(sourceEvents))
	for _, s := range sourceEvents {
		seen[s] = struct{}{}
	}
	return len(seen)
}()

// verdictPayload is the wire shape every verdict-producing source
// publishes: a bare JSON object naming its verdict, confidence, and an
// optional free-form detail string.
type verdictPayload struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail"`
}

// synthesizedPayload is the wire shape of decision.synthesized and
// decision.contradiction events.
type synthesizedPayload struct {
	CorrelationID string         `json:"correlation_id"`
	Score         float64        `json:"score"`
	Outcome       string         `json:"outcome"`
	Targets       []synth.Target `json:"targets"`
	Reason        string         `json:"reason"`
}

// pending accumulates the inputs gathered so far for one correlation ID.
type pending struct {
	inputs    []synth.Input
	firstSeen time.Time
}

// Kernel is the decision synthesizer's hosted component.
type Kernel struct {
	metrics *observability.Metrics
	window  time.Duration
	log     *zap.Logger

	cc *corectx.Context

	mu      sync.Mutex
	waiting map[string]*pending

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a synthesis kernel. window <= 0 uses DefaultWindow.
func New(metrics *observability.Metrics, window time.Duration, log *zap.Logger) *Kernel {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Kernel{
		metrics: metrics,
		window:  window,
		log:     log,
		waiting: make(map[string]*pending),
		stopCh:  make(chan struct{}),
	}
}

// Initialise implements kernelhost.Kernel.
func (k *Kernel) Initialise(ctx context.Context, cc *corectx.Context) error {
	k.cc = cc
	go k.sweepLoop(ctx)
	return nil
}

// Handle implements kernelhost.Kernel: folds one source's verdict into
// its correlation ID's pending set, synthesizing once every named
// source has reported.
func (k *Kernel) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	src, ok := sourceEvents[ev.Type]
	if !ok || ev.CorrelationID == "" {
		return nil, nil
	}

	var payload verdictPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		k.log.Warn("decision: malformed verdict payload", zap.String("type", ev.Type), zap.Error(err))
		return nil, nil
	}
	in := synth.Input{
		Source:     src,
		Verdict:    synth.Verdict(payload.Verdict),
		Confidence: payload.Confidence,
		Detail:     payload.Detail,
	}

	k.mu.Lock()
	p, exists := k.waiting[ev.CorrelationID]
	if !exists {
		p = &pending{firstSeen: time.Now()}
		k.waiting[ev.CorrelationID] = p
	}
	p.inputs = replaceBySource(p.inputs, in)
	ready := uniqueSources(p.inputs) >= expectedSources
	if ready {
		delete(k.waiting, ev.CorrelationID)
	}
	k.mu.Unlock()

	if !ready {
		return nil, nil
	}
	return k.synthesizeAndPublish(ctx, ev.CorrelationID, p.inputs), nil
}

// Heartbeat implements kernelhost.Kernel. The synthesizer holds no
// external resources to probe; reporting alive is enough.
func (k *Kernel) Heartbeat(ctx context.Context) error { return nil }

// Drain implements kernelhost.Kernel: stops the sweep loop. Any
// correlation IDs still waiting for a full verdict set are simply
// dropped, matching the rest of the runtime core's no-replay-on-drain
// convention.
func (k *Kernel) Drain(ctx context.Context) error {
	k.stopOnce.Do(func() { close(k.stopCh) })
	return nil
}

// sweepLoop synthesizes correlation IDs that have been waiting longer
// than the collection window, even if not every source reported.
func (k *Kernel) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(k.window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.sweepExpired(ctx)
		}
	}
}

func (k *Kernel) sweepExpired(ctx context.Context) {
	type expired struct {
		correlationID string
		inputs        []synth.Input
	}
	cutoff := time.Now().Add(-k.window)

	var due []expired
	k.mu.Lock()
	for id, p := range k.waiting {
		if p.firstSeen.Before(cutoff) {
			due = append(due, expired{correlationID: id, inputs: p.inputs})
			delete(k.waiting, id)
		}
	}
	k.mu.Unlock()

	for _, e := range due {
		k.synthesizeAndPublish(ctx, e.correlationID, e.inputs)
	}
}

func (k *Kernel) synthesizeAndPublish(ctx context.Context, correlationID string, inputs []synth.Input) []event.Event {
	result := k.cc.Synth.Synthesize(inputs)

	k.metrics.SynthScoreHistogram.Observe(result.Score)
	k.metrics.SynthOutcomesTotal.WithLabelValues(string(result.Outcome)).Inc()

	payload, err := json.Marshal(synthesizedPayload{
		CorrelationID: correlationID,
		Score:         result.Score,
		Outcome:       string(result.Outcome),
		Targets:       result.Targets,
		Reason:        result.Reason,
	})
	if err != nil {
		k.log.Error("decision: marshal synthesized payload failed", zap.Error(err))
		return nil
	}

	var out []event.Event

	synthesized := event.New("decision.synthesized", Name, event.PriorityNormal, payload)
	synthesized.CorrelationID = correlationID
	out = append(out, synthesized)
	if k.cc.Mesh != nil {
		if err := k.cc.Mesh.Publish(ctx, synthesized); err != nil {
			k.log.Warn("decision: publish decision.synthesized failed", zap.Error(err))
		}
	}

	if result.Contradiction {
		k.metrics.SynthContradictionsTotal.Inc()
		contradiction := event.New("decision.contradiction", Name, event.PriorityHigh, payload)
		contradiction.CorrelationID = correlationID
		out = append(out, contradiction)
		if k.cc.Mesh != nil {
			if err := k.cc.Mesh.Publish(ctx, contradiction); err != nil {
				k.log.Warn("decision: publish decision.contradiction failed", zap.Error(err))
			}
		}
	}

	return out
}

// replaceBySource upserts in into inputs, keeping at most one input per
// source — a source's later verdict on the same correlation ID
// supersedes its earlier one, the same idempotent-per-reporter
// convention internal/governance.Parliament and internal/gossip.Quorum
// both use.
func replaceBySource(inputs []synth.Input, in synth.Input) []synth.Input {
	for i, existing := range inputs {
		if existing.Source == in.Source {
			inputs[i] = in
			return inputs
		}
	}
	return append(inputs, in)
}

func uniqueSources(inputs []synth.Input) int {
	seen := make(map[synth.Source]struct{}, len(inputs))
	for _, in := range inputs {
		seen[in.Source] = struct{}{}
	}
	return len(seen)
}
