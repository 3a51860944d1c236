package playback

import "time"

// Clock reports the current position on the output timeline as elapsed time
// since the line opened. The scheduler never reads the wall clock directly so
// tests can inject a fake.
type Clock interface {
	Now() time.Duration
}

// monotonicClock measures elapsed time from its creation using Go's monotonic
// clock reading.
type monotonicClock struct {
	start time.Time
}

// NewClock returns a [Clock] whose zero point is the moment of the call.
func NewClock() Clock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Now() time.Duration {
	return time.Since(c.start)
}
