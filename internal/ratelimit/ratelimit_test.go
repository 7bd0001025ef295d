package ratelimit

import (
	"testing"
	"time"
)

func TestUpgradeGuardAllowsUpToCap(t *testing.T) {
	g := NewUpgradeGuard()
	fixed := time.Now()
	g.now = func() time.Time { return fixed }

	for i := 0; i < MaxUpgradesPerWindow; i++ {
		if !g.Allow() {
			t.Fatalf("upgrade %d unexpectedly rejected", i+1)
		}
	}
	if g.Allow() {
		t.Fatal("21st upgrade within the window should be rejected")
	}
}

func TestUpgradeGuardEvictsOldEntries(t *testing.T) {
	g := NewUpgradeGuard()
	current := time.Now()
	g.now = func() time.Time { return current }

	for i := 0; i < MaxUpgradesPerWindow; i++ {
		if !g.Allow() {
			t.Fatalf("upgrade %d unexpectedly rejected", i+1)
		}
	}
	if g.Allow() {
		t.Fatal("window should be full")
	}

	current = current.Add(UpgradeWindow + time.Second)
	if !g.Allow() {
		t.Fatal("upgrade should be allowed once the window has advanced past all prior entries")
	}
}

func TestAttemptCounterExceedsCapOnFourthFailure(t *testing.T) {
	var c AttemptCounter
	for i := 0; i < MaxAuthAttempts; i++ {
		if c.RecordFailure() {
			t.Fatalf("failure %d should not yet exceed cap", i+1)
		}
	}
	if !c.RecordFailure() {
		t.Fatal("4th failure should exceed the cap of 3")
	}
}

func TestClampColsRows(t *testing.T) {
	cases := []struct {
		in, want int
		clamp    func(int) int
	}{
		{0, MinCols, ClampCols},
		{1000, MaxCols, ClampCols},
		{80, 80, ClampCols},
		{0, MinRows, ClampRows},
		{1000, MaxRows, ClampRows},
		{30, 30, ClampRows},
	}
	for _, c := range cases {
		if got := c.clamp(c.in); got != c.want {
			t.Errorf("clamp(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestTruncatePayload(t *testing.T) {
	small := make([]byte, 100)
	if got := TruncatePayload(small); len(got) != 100 {
		t.Errorf("small payload truncated: len = %d", len(got))
	}

	big := make([]byte, MaxPayloadBytes+1000)
	got := TruncatePayload(big)
	if len(got) != MaxPayloadBytes {
		t.Errorf("len(TruncatePayload(big)) = %d, want %d", len(got), MaxPayloadBytes)
	}
}
