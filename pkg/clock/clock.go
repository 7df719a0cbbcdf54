// Package clock provides the time source injected into all billing code.
// Billing-cycle and proration math must never read wall-clock time directly;
// tests and delayed-job replays substitute a fixed clock.
package clock

import "time"

// Clock is the billing time source.
type Clock interface {
	// Now returns the current instant in UTC.
	Now() time.Time
	// Today returns midnight UTC of the current day.
	Today() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) Today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// System returns a Clock backed by the OS clock.
func System() Clock { return systemClock{} }

// Fixed is a Clock pinned to a single instant, for tests and replays.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T.UTC() }

func (f Fixed) Today() time.Time {
	t := f.T.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
