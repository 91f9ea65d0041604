package database

import (
	"testing"
	"time"
)

func thresholds() []time.Duration {
	return []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
}

func TestLeaseLifecycle(t *testing.T) {
	tr := newLeaseTracker(thresholds())
	now := time.Unix(1_700_000_000, 0)

	id := tr.open(now)
	counts, leaks := tr.snapshot(now.Add(30 * time.Second))
	if counts[0] != 0 || counts[1] != 0 || counts[2] != 0 || leaks != 0 {
		t.Fatalf("young lease counted: %v leaks=%d", counts, leaks)
	}

	counts, leaks = tr.snapshot(now.Add(2 * time.Minute))
	if counts[0] != 1 || counts[1] != 0 || leaks != 0 {
		t.Fatalf("expected one lease past 60s: %v leaks=%d", counts, leaks)
	}

	tr.close(id)
	counts, _ = tr.snapshot(now.Add(time.Hour))
	if counts[0] != 0 {
		t.Fatalf("closed lease still counted: %v", counts)
	}
}

func TestLeakCountedOnce(t *testing.T) {
	tr := newLeaseTracker(thresholds())
	now := time.Unix(1_700_000_000, 0)

	tr.open(now)
	_, leaks := tr.snapshot(now.Add(16 * time.Minute))
	if leaks != 1 {
		t.Fatalf("first snapshot leaks = %d, want 1", leaks)
	}
	_, leaks = tr.snapshot(now.Add(20 * time.Minute))
	if leaks != 0 {
		t.Fatalf("second snapshot leaks = %d, want 0", leaks)
	}
}

func TestMultipleLeasesPerThreshold(t *testing.T) {
	tr := newLeaseTracker(thresholds())
	now := time.Unix(1_700_000_000, 0)

	tr.open(now)                        // very old
	tr.open(now.Add(12 * time.Minute))  // past 60s and 5m at +18m
	tr.open(now.Add(17*time.Minute + 30*time.Second)) // young at +18m

	counts, leaks := tr.snapshot(now.Add(18 * time.Minute))
	if counts[0] != 2 {
		t.Fatalf("past 60s = %d, want 2", counts[0])
	}
	if counts[1] != 2 {
		t.Fatalf("past 5m = %d, want 2", counts[1])
	}
	if counts[2] != 1 {
		t.Fatalf("past 15m = %d, want 1", counts[2])
	}
	if leaks != 1 {
		t.Fatalf("leaks = %d, want 1", leaks)
	}
}
