package core

import "time"

// Clock abstracts wall time and delayed callbacks so grace-period and mute
// expiry can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback. Stop reports whether the call
// was prevented from running; stopping an already-fired timer is a no-op.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns the real-time clock backed by the time package.
func SystemClock() Clock { return systemClock{} }
