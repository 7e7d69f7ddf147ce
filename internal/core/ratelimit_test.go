package core

import (
	"testing"
	"time"
)

func burst(t *testing.T, l *Limiter, connID, deviceID string, n int, now time.Time) Verdict {
	t.Helper()
	var v Verdict
	for i := 0; i < n; i++ {
		v = l.Check(connID, deviceID, now)
	}
	return v
}

func TestLimiterAllowsUpToThreshold(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < RateThreshold; i++ {
		v := l.Check("c1", "d1", now)
		if v.Decision != Allowed {
			t.Fatalf("message %d: expected Allowed, got %v", i+1, v.Decision)
		}
	}
	v := l.Check("c1", "d1", now)
	if v.Decision != Warned {
		t.Fatalf("expected Warned past the threshold, got %v", v.Decision)
	}
	if v.StrikesLeft != MuteTier1Strikes-1 {
		t.Fatalf("expected %d strikes left, got %d", MuteTier1Strikes-1, v.StrikesLeft)
	}
	if l.Strikes("d1") != 1 {
		t.Fatalf("expected 1 strike, got %d", l.Strikes("d1"))
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)

	burst(t, l, "c1", "d1", RateThreshold, now)

	// Outside the window the old sends no longer count.
	later := now.Add(RateWindow + time.Second)
	if v := l.Check("c1", "d1", later); v.Decision != Allowed {
		t.Fatalf("expected Allowed after the window passed, got %v", v.Decision)
	}
	if l.Strikes("d1") != 0 {
		t.Fatalf("no strike should have been recorded, got %d", l.Strikes("d1"))
	}
}

func TestLimiterTierOneMute(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)

	// Five violations, each in a fresh window so only the surplus strikes.
	for i := 0; i < MuteTier1Strikes; i++ {
		at := now.Add(time.Duration(i) * (RateWindow + time.Second))
		v := burst(t, l, "c1", "d1", RateThreshold+1, at)
		if i < MuteTier1Strikes-1 {
			if v.Decision != Warned {
				t.Fatalf("violation %d: expected Warned, got %v", i+1, v.Decision)
			}
			continue
		}
		if v.Decision != Muted {
			t.Fatalf("violation %d: expected Muted, got %v", i+1, v.Decision)
		}
		want := at.Add(MuteTier1)
		if !v.MutedUntil.Equal(want) {
			t.Fatalf("expected mute until %v, got %v", want, v.MutedUntil)
		}
	}
}

func TestLimiterMutedSendsNeitherRecordNorExtend(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)
	at := muteDevice(t, l, "c1", "d1", now)

	during := at.Add(MuteTier1 / 2)
	v := l.Check("c1", "d1", during)
	if v.Decision != Muted {
		t.Fatalf("expected Muted while the mute holds, got %v", v.Decision)
	}
	if !v.MutedUntil.Equal(at.Add(MuteTier1)) {
		t.Fatal("a send while muted must not extend the mute")
	}
	if l.Strikes("d1") != MuteTier1Strikes {
		t.Fatalf("a send while muted must not add strikes, got %d", l.Strikes("d1"))
	}

	// After expiry, sends flow again at normal rate.
	after := at.Add(MuteTier1 + time.Second)
	if v := l.Check("c1", "d1", after); v.Decision != Allowed {
		t.Fatalf("expected Allowed after the mute expired, got %v", v.Decision)
	}
}

func TestLimiterTierTwoClampsStrikes(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)
	at := muteDevice(t, l, "c1", "d1", now)

	// Accumulate five more strikes after the first mute lapses.
	at = at.Add(MuteTier1 + time.Second)
	for i := 0; i < MuteTier2Strikes-MuteTier1Strikes; i++ {
		step := at.Add(time.Duration(i) * (RateWindow + time.Second))
		v := burst(t, l, "c1", "d1", RateThreshold+1, step)
		if i < MuteTier2Strikes-MuteTier1Strikes-1 {
			if v.Decision != Warned {
				t.Fatalf("violation %d: expected Warned, got %v", i+1, v.Decision)
			}
			continue
		}
		if v.Decision != Muted {
			t.Fatalf("expected the second mute, got %v", v.Decision)
		}
		want := step.Add(MuteTier2)
		if !v.MutedUntil.Equal(want) {
			t.Fatalf("expected long mute until %v, got %v", want, v.MutedUntil)
		}
	}

	// The counter clamps so the device is one escalation cycle away again,
	// not permanently stuck at the long tier.
	if l.Strikes("d1") != MuteTier1Strikes {
		t.Fatalf("expected strikes clamped to %d, got %d", MuteTier1Strikes, l.Strikes("d1"))
	}
}

func TestLimiterStrikesSurviveReconnect(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)

	burst(t, l, "c1", "d1", RateThreshold+1, now)
	if l.Strikes("d1") != 1 {
		t.Fatalf("expected 1 strike, got %d", l.Strikes("d1"))
	}

	// The window is per connection, the strike count is per device.
	l.Release("c1")
	later := now.Add(RateWindow + time.Second)
	burst(t, l, "c2", "d1", RateThreshold+1, later)
	if l.Strikes("d1") != 2 {
		t.Fatalf("expected strikes to carry across connections, got %d", l.Strikes("d1"))
	}
}

func TestLimiterFallsBackToConnID(t *testing.T) {
	l := NewLimiter()
	now := time.Unix(1_700_000_000, 0)

	burst(t, l, "c1", "", RateThreshold+1, now)
	if l.Strikes("c1") != 1 {
		t.Fatalf("expected the strike keyed by connection id, got %d", l.Strikes("c1"))
	}
}

// muteDevice drives a device to its first mute and returns the time of the
// muting violation.
func muteDevice(t *testing.T, l *Limiter, connID, deviceID string, start time.Time) time.Time {
	t.Helper()
	var at time.Time
	for i := 0; i < MuteTier1Strikes; i++ {
		at = start.Add(time.Duration(i) * (RateWindow + time.Second))
		v := burst(t, l, connID, deviceID, RateThreshold+1, at)
		if i == MuteTier1Strikes-1 && v.Decision != Muted {
			t.Fatalf("setup: expected Muted, got %v", v.Decision)
		}
	}
	return at
}
