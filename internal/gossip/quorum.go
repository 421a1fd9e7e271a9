// Package gossip — quorum.go
//
// Quorum evaluator for distributed parliament voting.
//
// Consistency model: eventual consistency, no leader, no coordinator.
//
// Quorum condition (mirrors governance.Parliament.Tally, but across
// gossiped votes from remote voters rather than an in-process map):
//   unique_nodes_approving(correlation_id) >= quorum_min
//
// Partition-aware fallback:
//   When the fraction of reachable peers drops below PartitionThreshold
//   (default 0.5), the node enters PARTITION mode. In PARTITION mode:
//     - quorumMin is recalibrated to max(1, floor(reachablePeers * quorumFraction))
//     - the approval signal is computed against the recalibrated quorumMin
//     - a PartitionEvent is emitted to the PartitionSink for operator notification
//   When peer count recovers above PartitionThreshold, the node exits PARTITION
//   mode and restores the original quorumMin.
//
// This ensures that an isolated node can still reach a governance verdict
// based on locally-gathered votes alone (quorumMin=1), rather than
// silently deadlocking a parliament-gated decision because it cannot
// reach the rest of the voting cluster.
//
// Thread-safety: all methods are protected by a single RWMutex.
// The vote map is bounded by the number of in-flight correlation IDs
// awaiting a parliament verdict.

package gossip

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// observation records a single remote node's vote on a correlation ID.
type observation struct {
	nodeID     string
	approve    bool
	recordedAt time.Time
}

// PartitionMode describes the current gossip partition state of this node.
type PartitionMode int32

const (
	// PartitionModeNormal — quorum operates with the full configured quorumMin.
	PartitionModeNormal PartitionMode = 0
	// PartitionModeIsolated — quorum recalibrated to reachable peers only.
	PartitionModeIsolated PartitionMode = 1
)

// PartitionEvent is emitted when the node enters or exits partition mode.
// Tier 1 should consume this to update agent trust scores and alert operators.
type PartitionEvent struct {
	// Mode is the new partition mode.
	Mode PartitionMode
	// ReachablePeers is the number of peers currently reachable.
	ReachablePeers int
	// TotalPeers is the total configured peer count.
	TotalPeers int
	// RecalibratedQuorumMin is the quorumMin in effect during this mode.
	RecalibratedQuorumMin int
	// Timestamp is when the transition occurred.
	Timestamp time.Time
}

// PartitionSink receives PartitionEvents. Implementations must be non-blocking.
type PartitionSink interface {
	Emit(PartitionEvent)
}

// ChannelPartitionSink is a non-blocking PartitionSink backed by a channel.
// Events are dropped (and Dropped incremented) if the channel is full.
type ChannelPartitionSink struct {
	C       chan PartitionEvent
	Dropped uint64 // accessed atomically
}

// Emit implements PartitionSink. Non-blocking: drops if channel full.
func (s *ChannelPartitionSink) Emit(evt PartitionEvent) {
	select {
	case s.C <- evt:
	default:
		atomic.AddUint64(&s.Dropped, 1)
	}
}

// QuorumConfig holds configuration for the Quorum evaluator.
type QuorumConfig struct {
	// QuorumMin is the minimum number of unique nodes required for a quorum signal.
	// Must be >= 1.
	QuorumMin int

	// TTL is the observation expiry duration. Must be > 0.
	TTL time.Duration

	// TotalPeers is the total number of configured gossip peers (excluding self).
	// Used to compute the partition threshold. Must be >= 0.
	TotalPeers int

	// PartitionThreshold is the fraction of peers below which partition mode
	// is activated. Default: 0.5 (< 50% peers reachable → partition mode).
	// Range: (0, 1].
	PartitionThreshold float64

	// QuorumFraction is the fraction of reachable peers used to recalibrate
	// quorumMin in partition mode. Default: 0.5.
	// recalibratedMin = max(1, floor(reachablePeers * QuorumFraction))
	QuorumFraction float64

	// PartitionSink receives partition mode transition events.
	// May be nil (events are discarded).
	PartitionSink PartitionSink
}

// Quorum evaluates whether enough remote nodes have approved the
// decision identified by a correlation ID. It is partition-aware: when
// peer reachability drops below PartitionThreshold, quorumMin is
// recalibrated to the reachable peer count.
type Quorum struct {
	mu           sync.RWMutex
	cfg          QuorumConfig
	observations map[string][]observation // correlation_id -> votes

	// partition state — protected by mu
	currentMode    PartitionMode
	reachablePeers int
	effectiveMin   int // quorumMin in effect (may be recalibrated)
}

// NewQuorum creates a Quorum evaluator with the given configuration.
// quorumMin must be >= 1. ttl must be > 0.
func NewQuorum(quorumMin int, ttl time.Duration) *Quorum {
	return NewQuorumWithConfig(QuorumConfig{
		QuorumMin:          quorumMin,
		TTL:                ttl,
		TotalPeers:         0,
		PartitionThreshold: 0.5,
		QuorumFraction:     0.5,
	})
}

// NewQuorumWithConfig creates a Quorum evaluator with full configuration.
func NewQuorumWithConfig(cfg QuorumConfig) *Quorum {
	if cfg.PartitionThreshold <= 0 || cfg.PartitionThreshold > 1 {
		cfg.PartitionThreshold = 0.5
	}
	if cfg.QuorumFraction <= 0 || cfg.QuorumFraction > 1 {
		cfg.QuorumFraction = 0.5
	}
	q := &Quorum{
		cfg:          cfg,
		observations: make(map[string][]observation),
		effectiveMin: cfg.QuorumMin,
	}
	go q.pruneLoop()
	return q
}

// Record implements QuorumAccumulator. Records a vote from a node on a
// correlation ID. Idempotent: if the same node votes on the same
// correlation ID again within the TTL, the existing vote is updated
// (not duplicated) — a node may change its vote before the TTL expires.
func (q *Quorum) Record(correlationID, nodeID string, approve bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	obs := q.observations[correlationID]

	// Update existing vote from this node if present.
	for i, o := range obs {
		if o.nodeID == nodeID {
			obs[i].approve = approve
			obs[i].recordedAt = now
			q.observations[correlationID] = obs
			return
		}
	}

	// Append new vote.
	q.observations[correlationID] = append(obs, observation{
		nodeID:     nodeID,
		approve:    approve,
		recordedAt: now,
	})
}

// UpdatePeerReachability updates the count of currently reachable peers.
// This is called by the gossip client on each health probe cycle.
// If reachablePeers / TotalPeers < PartitionThreshold, the node enters
// PARTITION mode and recalibrates quorumMin. If it recovers above the
// threshold, it exits PARTITION mode and restores the original quorumMin.
//
// Thread-safe. Non-blocking (PartitionSink.Emit is non-blocking by contract).
func (q *Quorum) UpdatePeerReachability(reachablePeers int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reachablePeers = reachablePeers
	totalPeers := q.cfg.TotalPeers

	// Determine whether we are in partition mode.
	var newMode PartitionMode
	var newEffectiveMin int

	if totalPeers == 0 {
		// Single-node deployment: always normal, quorumMin=1.
		newMode = PartitionModeNormal
		newEffectiveMin = 1
	} else {
		reachableFrac := float64(reachablePeers) / float64(totalPeers)
		if reachableFrac < q.cfg.PartitionThreshold {
			// Partition mode: recalibrate quorumMin to reachable peers.
			// recalibratedMin = max(1, floor(reachablePeers * QuorumFraction))
			recalibrated := int(math.Floor(float64(reachablePeers) * q.cfg.QuorumFraction))
			if recalibrated < 1 {
				recalibrated = 1
			}
			newMode = PartitionModeIsolated
			newEffectiveMin = recalibrated
		} else {
			newMode = PartitionModeNormal
			newEffectiveMin = q.cfg.QuorumMin
		}
	}

	// Emit a PartitionEvent only when the mode or the effective minimum changes.
	if newMode != q.currentMode || newEffectiveMin != q.effectiveMin {
		q.currentMode = newMode
		q.effectiveMin = newEffectiveMin
		if q.cfg.PartitionSink != nil {
			q.cfg.PartitionSink.Emit(PartitionEvent{
				Mode:                  newMode,
				ReachablePeers:        reachablePeers,
				TotalPeers:            totalPeers,
				RecalibratedQuorumMin: newEffectiveMin,
				Timestamp:             time.Now(),
			})
		}
	}
}

// Signal returns the quorum signal Q for a correlation ID.
// Returns 1.0 if unique_nodes_approving >= effectiveMin, 0.0 otherwise.
// In partition mode, effectiveMin is recalibrated to reachable peers.
func (q *Quorum) Signal(correlationID string) float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()

	obs := q.observations[correlationID]
	unique := q.countUniqueActive(obs)
	if unique >= q.effectiveMin {
		return 1.0
	}
	return 0.0
}

// PartitionState returns the current partition mode and effective quorumMin.
// Safe for concurrent use.
func (q *Quorum) PartitionState() (mode PartitionMode, effectiveMin int, reachablePeers int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.currentMode, q.effectiveMin, q.reachablePeers
}

// countUniqueActive counts unique nodes with a non-expired approving vote.
// Dissenting votes count toward liveness (pruneExpired still expires them)
// but not toward the approval signal.
// Must be called with at least a read lock held.
func (q *Quorum) countUniqueActive(obs []observation) int {
	cutoff := time.Now().Add(-q.cfg.TTL)
	seen := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		if o.recordedAt.After(cutoff) && o.approve {
			seen[o.nodeID] = struct{}{}
		}
	}
	return len(seen)
}

// pruneExpired removes votes older than TTL for all correlation IDs.
// Removes the correlation ID entry entirely if no active votes remain.
func (q *Quorum) pruneExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.cfg.TTL)
	for correlationID, obs := range q.observations {
		var active []observation
		for _, o := range obs {
			if o.recordedAt.After(cutoff) {
				active = append(active, o)
			}
		}
		if len(active) == 0 {
			delete(q.observations, correlationID)
		} else {
			q.observations[correlationID] = active
		}
	}
}

// pruneLoop runs background pruning every 10 seconds.
func (q *Quorum) pruneLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		q.pruneExpired()
	}
}
