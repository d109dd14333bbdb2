package mesh

import "time"

// Clock is the node's monotonic tick source. Ticks are microseconds and wrap
// around uint32; all comparisons in this package use wraparound-safe
// subtraction.
type Clock interface {
	Ticks() uint32
}

type sysClock struct{ start time.Time }

// SystemClock returns a Clock counting microseconds since process start.
func SystemClock() Clock { return sysClock{start: time.Now()} }

func (c sysClock) Ticks() uint32 {
	return uint32(time.Since(c.start).Microseconds())
}

// ticksOf converts a duration to clock ticks.
func ticksOf(d time.Duration) uint32 {
	return uint32(d.Microseconds())
}
