package engine

import "time"

// Clock abstracts wall-clock access so time-dependent behavior is
// deterministic under test. Jobs additionally accept an explicit now;
// the Clock covers the webhook path's timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
