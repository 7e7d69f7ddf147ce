package core

import (
	"log/slog"
	"sync"
	"time"
)

// Rate-limit parameters. A device that fills the window loses the violating
// message and earns a strike; strikes accumulate for the process lifetime
// and mute the device in escalating tiers.
const (
	RateWindow    = 10 * time.Second
	RateThreshold = 5

	MuteTier1Strikes = 5
	MuteTier2Strikes = 10
	MuteTier1        = 60 * time.Second
	MuteTier2        = 300 * time.Second
)

// Decision is the outcome of one rate-limit check.
type Decision int

const (
	Allowed Decision = iota
	Warned
	Muted
)

// Verdict carries the decision plus the feedback the offender should see.
type Verdict struct {
	Decision    Decision
	MutedUntil  time.Time // set when Decision == Muted
	StrikesLeft int       // set when Decision == Warned: violations until the next mute tier
}

type muteState struct {
	strikes    int
	mutedUntil time.Time
}

// Limiter tracks per-connection message timestamps and per-device strike and
// mute state. Volatile: everything resets on process restart, but strikes
// survive reconnects because they key on the device identifier.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time // connection ID → recent message times
	devices map[string]*muteState  // device ID (or connection ID fallback) → strikes/mute
}

// NewLimiter returns an empty rate limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string][]time.Time),
		devices: make(map[string]*muteState),
	}
}

// Check records one inbound message attempt and decides its fate. A muted
// device neither records the message nor earns another strike; a window
// violation drops the message and strikes the device.
func (l *Limiter) Check(connID, deviceID string, now time.Time) Verdict {
	strikeKey := deviceID
	if strikeKey == "" {
		strikeKey = connID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ms := l.devices[strikeKey]
	if ms == nil {
		ms = &muteState{}
		l.devices[strikeKey] = ms
	}

	if !ms.mutedUntil.IsZero() {
		if ms.mutedUntil.After(now) {
			return Verdict{Decision: Muted, MutedUntil: ms.mutedUntil}
		}
		ms.mutedUntil = time.Time{}
	}

	window := l.windows[connID]
	cutoff := now.Add(-RateWindow)
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= RateThreshold {
		l.windows[connID] = pruned
		ms.strikes++
		switch {
		case ms.strikes >= MuteTier2Strikes:
			ms.mutedUntil = now.Add(MuteTier2)
			// Repeat offenders stay at tier 2 rather than escalating further.
			ms.strikes = MuteTier1Strikes
			slog.Warn("device muted", "device", strikeKey, "tier", 2, "until", ms.mutedUntil)
			return Verdict{Decision: Muted, MutedUntil: ms.mutedUntil}
		case ms.strikes == MuteTier1Strikes:
			ms.mutedUntil = now.Add(MuteTier1)
			slog.Warn("device muted", "device", strikeKey, "tier", 1, "until", ms.mutedUntil)
			return Verdict{Decision: Muted, MutedUntil: ms.mutedUntil}
		}
		next := MuteTier1Strikes
		if ms.strikes > MuteTier1Strikes {
			next = MuteTier2Strikes
		}
		return Verdict{Decision: Warned, StrikesLeft: next - ms.strikes}
	}

	l.windows[connID] = append(pruned, now)
	return Verdict{Decision: Allowed}
}

// Release drops the window state for a closed connection. Device strike and
// mute state is deliberately kept.
func (l *Limiter) Release(connID string) {
	l.mu.Lock()
	delete(l.windows, connID)
	l.mu.Unlock()
}

// Strikes returns the current strike count for a device. Intended for tests
// and the admin state endpoint.
func (l *Limiter) Strikes(deviceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ms := l.devices[deviceID]; ms != nil {
		return ms.strikes
	}
	return 0
}
