// Package lclock provides a Lamport clock.
// It issues logical timestamps that are guaranteed to be greater
// than any previously issued or observed timestamp.
package lclock

// Clock is a Lamport logical clock.
// Use New() to create clocks. Not safe for concurrent use.
type Clock struct {
	maxSeen uint64
}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Track a timestamp observed elsewhere.
func (c *Clock) Track(ts uint64) {
	if ts > c.maxSeen {
		c.maxSeen = ts
	}
}

// TrackSpan tracks a contiguous span of timestamps starting at ts.
func (c *Clock) TrackSpan(ts uint64, n int) {
	if n <= 0 {
		return
	}
	c.Track(ts + uint64(n) - 1)
}

// Next issues a timestamp greater than everything seen so far,
// and advances the clock past it.
func (c *Clock) Next() uint64 {
	c.maxSeen++
	return c.maxSeen
}

// NextSpan issues n consecutive timestamps and returns the first one.
func (c *Clock) NextSpan(n int) uint64 {
	if n <= 0 {
		panic("BUG: span length must be positive")
	}
	start := c.maxSeen + 1
	c.maxSeen += uint64(n)
	return start
}

// Max returns the highest timestamp seen so far.
func (c *Clock) Max() uint64 {
	return c.maxSeen
}
