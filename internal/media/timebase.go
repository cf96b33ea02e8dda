package media

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// TimeBase is the rational unit, in seconds, of a stream's timestamps.
type TimeBase struct {
	Num int
	Den int
}

// MPEGTSTimeBase is the 90 kHz system clock used by MPEG-TS PES timestamps.
var MPEGTSTimeBase = TimeBase{Num: 1, Den: 90000}

// Valid reports whether both terms are positive and fit in 31 bits.
func (tb TimeBase) Valid() bool {
	return tb.Num > 0 && tb.Den > 0 && tb.Num <= math.MaxInt32 && tb.Den <= math.MaxInt32
}

func (tb TimeBase) String() string {
	return fmt.Sprintf("%d/%d", tb.Num, tb.Den)
}

// Seconds converts ts to seconds. NoTS converts to 0.
func (tb TimeBase) Seconds(ts int64) float64 {
	if ts == NoTS || !tb.Valid() {
		return 0
	}
	return float64(ts) * float64(tb.Num) / float64(tb.Den)
}

// Duration converts ts to a time.Duration, rounding to the nearest nanosecond.
func (tb TimeBase) Duration(ts int64) time.Duration {
	return time.Duration(Rescale(ts, tb, TimeBase{Num: 1, Den: int(time.Second)}))
}

// FromDuration converts d into ticks of tb.
func (tb TimeBase) FromDuration(d time.Duration) int64 {
	return Rescale(int64(d), TimeBase{Num: 1, Den: int(time.Second)}, tb)
}

// Rescale converts v from time base from to time base to, rounding half away
// from zero. Results outside the int64 range are clamped, and NoTS is
// returned unchanged. The intermediate product is computed in 128 bits so no
// input overflows.
func Rescale(v int64, from, to TimeBase) int64 {
	if v == NoTS || !from.Valid() || !to.Valid() {
		return v
	}
	if from == to {
		return v
	}

	neg := v < 0
	a := uint64(v)
	if neg {
		a = uint64(-(v + 1)) + 1
	}

	b := uint64(from.Num) * uint64(to.Den)
	c := uint64(from.Den) * uint64(to.Num)

	hi, lo := bits.Mul64(a, b)
	var carry uint64
	lo, carry = bits.Add64(lo, c/2, 0)
	hi += carry

	// The minimum magnitude is kept one above NoTS.
	const limit = uint64(math.MaxInt64)
	if hi >= c {
		if neg {
			return -math.MaxInt64
		}
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, c)
	if q > limit {
		q = limit
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}
