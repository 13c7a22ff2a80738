package run

import "time"

const (
	backoffInitial = time.Second
	backoffFactor  = 1.1
	backoffCap     = 60 * time.Second
)

// backoff implements the RUNNING-state poll interval: starts at 1s,
// multiplies by 1.1 on each call to Next with no new output, caps at 60s,
// and resets to 1s the moment new output is observed.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// Next returns the interval to wait before the next poll and advances
// the backoff state.
func (b *backoff) Next() time.Duration {
	d := b.current
	next := time.Duration(float64(b.current) * backoffFactor)
	if next > backoffCap {
		next = backoffCap
	}
	b.current = next
	return d
}

// Reset returns the backoff to its initial interval, called whenever a
// poll observes new stdout/stderr bytes.
func (b *backoff) Reset() {
	b.current = backoffInitial
}
