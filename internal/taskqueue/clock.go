package taskqueue

import (
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// bounceWindowSeconds is the base width of the bounce backoff window (B in
// spec §4.2). Each additional bounce widens the right edge of the triangle
// by one more window, without committing to exponential growth.
const bounceWindowSeconds = 5

// Clock abstracts wall-clock reads so tests can pin `now` to a fixed value
// (spec §8 scenarios all pin now = 1_700_000_000) without a global mock.
type Clock interface {
	NowUnix() int64
}

// systemClock reads real wall-clock time via an injected func, so the zero
// value is never accidentally used as a working clock.
type systemClock struct{ now func() int64 }

func (c systemClock) NowUnix() int64 { return c.now() }

// SystemClock returns a Clock reading real wall-clock time.
func SystemClock() Clock {
	return systemClock{now: func() int64 { return time.Now().Unix() }}
}

// newUpdateMarker returns a fresh opaque CAS token. A UUID is used rather
// than a timestamp because UNIX seconds are too coarse to detect concurrent
// writers within the same second.
func newUpdateMarker() string {
	return uuid.NewString()
}

// newTaskBounceTime draws the next eligible-at time from a triangular
// distribution on [now+B, now+B+bounced*B], matching spec §4.2. The left
// bound gives every bounced task a minimum cooldown; the right bound grows
// with the bounce count so repeatedly-bouncing tasks back off further
// without jumping straight to exponential growth.
func newTaskBounceTime(now int64, bounced int, rnd *rand.Rand) int64 {
	low := float64(now + bounceWindowSeconds)
	high := low + float64(bounced)*bounceWindowSeconds
	return int64(triangular(rnd, low, high))
}

// triangular mirrors Python's random.triangular(low, high) with no explicit
// mode (mode defaults to the midpoint of low/high). No triangular-
// distribution helper exists in the corpus' dependency set, so this is the
// one piece of the clock hand-rolled against an explicit formula rather
// than imported; see DESIGN.md.
func triangular(rnd *rand.Rand, low, high float64) float64 {
	if low == high {
		return low
	}
	mode := (low + high) / 2
	u := rnd.Float64()
	c := (mode - low) / (high - low)
	if u > c {
		u = 1.0 - u
		c = 1.0 - c
		low, high = high, low
	}
	return low + (high-low)*math.Sqrt(u*c)
}
