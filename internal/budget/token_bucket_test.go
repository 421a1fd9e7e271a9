package budget

import (
	"testing"
	"time"
)

func TestConsumeForActionRespectsCapacity(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	if !b.ConsumeForAction(ActionQuarantine) { // cost 20 > capacity 10... expect false
		t.Logf("quarantine rejected as expected when cost exceeds capacity")
	}
	if b.Remaining() != 10 {
		t.Fatalf("expected no tokens consumed on rejected action, got %d remaining", b.Remaining())
	}
}

func TestConsumeForActionDeductsCost(t *testing.T) {
	b := New(100, time.Hour)
	defer b.Close()

	if !b.ConsumeForAction(ActionRestart) {
		t.Fatalf("expected restart action (cost 1) to succeed")
	}
	if b.Remaining() != 99 {
		t.Fatalf("expected 99 remaining, got %d", b.Remaining())
	}
}

func TestNewPanicsOnInvalidCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on capacity <= 0")
		}
	}()
	New(0, time.Second)
}

func TestUnknownActionCostsNothing(t *testing.T) {
	b := New(5, time.Hour)
	defer b.Close()
	if !b.ConsumeForAction(Action("unspecified")) {
		t.Fatalf("expected unknown action to succeed at zero cost")
	}
	if b.Remaining() != 5 {
		t.Fatalf("expected no tokens consumed for unknown action, got %d", b.Remaining())
	}
}
