package timex

import (
	"time"

	"piouart-go/x/mathx"
)

// FrameDuration returns the line time of bits bit cells at baud, rounded
// up to the next nanosecond. baud==0 is coerced to 1.
func FrameDuration(bits uint8, baud uint32) time.Duration {
	if baud == 0 {
		baud = 1
	}
	return time.Duration(mathx.CeilDiv(uint64(bits)*uint64(time.Second), uint64(baud)))
}

// ResetTimer stops, drains and re-arms t.
func ResetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		DrainTimer(t)
	}
	t.Reset(d)
}

// DrainTimer discards a pending expiry, if any.
func DrainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
