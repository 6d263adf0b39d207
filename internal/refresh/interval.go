package refresh

import (
	"math"
	"time"
)

// NextInterval returns the interval to wait before the next request, given
// the round-trip time of the request that just completed.
//
// A slow request (elapsed > long) doubles the interval; a fast one
// (elapsed < short) halves it; anything in between leaves it unchanged. The
// result is never below base.
func NextInterval(current, base, elapsed, short, long time.Duration) time.Duration {
	next := current
	switch {
	case elapsed > long:
		if current <= math.MaxInt64/2 {
			next = current * 2
		}
	case elapsed < short:
		next = current / 2
	}

	if next < base {
		next = base
	}
	return next
}
