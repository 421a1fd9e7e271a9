package gossip

import (
	"testing"
	"time"
)

func TestQuorumRecordAndSignal(t *testing.T) {
	q := NewQuorum(2, time.Minute)

	q.Record("corr-1", "node-a", true)
	if got := q.Signal("corr-1"); got != 0.0 {
		t.Fatalf("expected no quorum with one approving vote, got %v", got)
	}

	q.Record("corr-1", "node-b", true)
	if got := q.Signal("corr-1"); got != 1.0 {
		t.Fatalf("expected quorum with two approving votes, got %v", got)
	}
}

func TestQuorumDissentDoesNotCountTowardSignal(t *testing.T) {
	q := NewQuorum(2, time.Minute)

	q.Record("corr-1", "node-a", true)
	q.Record("corr-1", "node-b", false)

	if got := q.Signal("corr-1"); got != 0.0 {
		t.Fatalf("expected no quorum with only one approving vote, got %v", got)
	}
}

func TestQuorumRecordIsIdempotentPerNode(t *testing.T) {
	q := NewQuorum(1, time.Minute)

	q.Record("corr-1", "node-a", false)
	q.Record("corr-1", "node-a", true)

	obs := q.observations["corr-1"]
	if len(obs) != 1 {
		t.Fatalf("expected a single recorded vote for node-a, got %d", len(obs))
	}
	if !obs[0].approve {
		t.Fatal("expected the later vote to overwrite the earlier one")
	}
}

func TestQuorumPartitionRecalibration(t *testing.T) {
	q := NewQuorumWithConfig(QuorumConfig{
		QuorumMin:          5,
		TTL:                time.Minute,
		TotalPeers:         10,
		PartitionThreshold: 0.5,
		QuorumFraction:     0.5,
	})

	q.UpdatePeerReachability(2)
	mode, effectiveMin, reachable := q.PartitionState()
	if mode != PartitionModeIsolated {
		t.Fatalf("expected isolated mode with 2/10 peers reachable, got %v", mode)
	}
	if effectiveMin != 1 {
		t.Fatalf("expected recalibrated quorumMin of 1, got %d", effectiveMin)
	}
	if reachable != 2 {
		t.Fatalf("expected reachablePeers 2, got %d", reachable)
	}

	q.UpdatePeerReachability(9)
	mode, effectiveMin, _ = q.PartitionState()
	if mode != PartitionModeNormal {
		t.Fatalf("expected normal mode with 9/10 peers reachable, got %v", mode)
	}
	if effectiveMin != 5 {
		t.Fatalf("expected restored quorumMin of 5, got %d", effectiveMin)
	}
}

func TestQuorumPruneExpired(t *testing.T) {
	q := NewQuorum(1, time.Millisecond)

	q.Record("corr-1", "node-a", true)
	time.Sleep(5 * time.Millisecond)
	q.pruneExpired()

	if _, ok := q.observations["corr-1"]; ok {
		t.Fatal("expected expired correlation ID entry to be removed")
	}
	if got := q.Signal("corr-1"); got != 0.0 {
		t.Fatalf("expected no quorum after expiry, got %v", got)
	}
}
