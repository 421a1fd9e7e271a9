package event

import "testing"

func TestNewAssignsUniqueID(t *testing.T) {
	a := New("kernel.ready", "journal", PriorityHigh, nil)
	b := New("kernel.ready", "journal", PriorityHigh, nil)
	if a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %s twice", a.ID)
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	e := New("anomaly.detected", "immune", PriorityCritical, []byte("payload"))
	e = e.WithCorrelation("corr-1").WithTrustScore(0.75)

	first := e.Canonical()
	second := e.Canonical()
	if len(first) != len(second) {
		t.Fatalf("canonical encoding not stable across calls")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("canonical encoding diverged at byte %d", i)
		}
	}
}

func TestCanonicalDiffersOnTrustScore(t *testing.T) {
	base := New("governance.decision", "gate", PriorityNormal, []byte("x"))
	withScore := base.WithTrustScore(0.5)

	if string(base.Canonical()) == string(withScore.Canonical()) {
		t.Fatalf("expected trust score to change canonical encoding")
	}
}

func TestHashChangesWithPayload(t *testing.T) {
	e1 := New("mesh.event.dropped", "mesh", PriorityLow, []byte("a"))
	e2 := e1
	e2.Payload = []byte("b")

	if e1.Hash() == e2.Hash() {
		t.Fatalf("expected different payloads to hash differently")
	}
}
