package media

import (
	"math"
	"testing"
	"time"
)

func TestRescale(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		v        int64
		from, to TimeBase
		want     int64
	}{
		{"identity", 12345, MPEGTSTimeBase, MPEGTSTimeBase, 12345},
		{"ms to 90k", 1000, TimeBase{1, 1000}, MPEGTSTimeBase, 90000},
		{"48k to 90k", 1024, TimeBase{1, 48000}, MPEGTSTimeBase, 1920},
		{"44.1k to 90k rounds", 1024, TimeBase{1, 44100}, MPEGTSTimeBase, 2090},
		{"half rounds up", 1, TimeBase{1, 2}, TimeBase{1, 1}, 1},
		{"negative half rounds away", -1, TimeBase{1, 2}, TimeBase{1, 1}, -1},
		{"negative", -90000, MPEGTSTimeBase, TimeBase{1, 1000}, -1000},
		{"zero", 0, TimeBase{1, 48000}, MPEGTSTimeBase, 0},
		{"nots passes", NoTS, TimeBase{1, 48000}, MPEGTSTimeBase, NoTS},
		{"clamp high", math.MaxInt64, TimeBase{1, 1}, MPEGTSTimeBase, math.MaxInt64},
		{"clamp low", math.MinInt64 + 1, TimeBase{1, 1}, MPEGTSTimeBase, -math.MaxInt64},
		{"no overflow in product", math.MaxInt64 / 2, MPEGTSTimeBase, TimeBase{1, 1000}, 51240955760304310},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Rescale(tt.v, tt.from, tt.to); got != tt.want {
				t.Errorf("Rescale(%d, %v, %v) = %d, want %d", tt.v, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRescaleMonotonic(t *testing.T) {
	t.Parallel()
	bases := []TimeBase{{1, 1000}, {1, 44100}, {1, 48000}, {1001, 30000}, MPEGTSTimeBase}
	for _, from := range bases {
		for _, to := range bases {
			prev := Rescale(-5000, from, to)
			for v := int64(-4999); v < 5000; v++ {
				got := Rescale(v, from, to)
				if got < prev {
					t.Fatalf("%v->%v: Rescale(%d)=%d < Rescale(%d)=%d", from, to, v, got, v-1, prev)
				}
				prev = got
			}
		}
	}
}

func TestTimeBaseDuration(t *testing.T) {
	t.Parallel()
	if got := MPEGTSTimeBase.Duration(90000); got != time.Second {
		t.Errorf("Duration(90000) = %v, want 1s", got)
	}
	if got := MPEGTSTimeBase.FromDuration(4 * time.Second); got != 360000 {
		t.Errorf("FromDuration(4s) = %d, want 360000", got)
	}
	if got := (TimeBase{1, 48000}).Seconds(96000); got != 2 {
		t.Errorf("Seconds(96000) = %v, want 2", got)
	}
	if got := MPEGTSTimeBase.Seconds(NoTS); got != 0 {
		t.Errorf("Seconds(NoTS) = %v, want 0", got)
	}
}
