package timex

import (
	"testing"
	"time"
)

func TestFrameDuration(t *testing.T) {
	// 10 bits at 9600 baud ~ 1.0417ms
	d := FrameDuration(10, 9600)
	if d < 1041*time.Microsecond || d > 1042*time.Microsecond {
		t.Fatalf("FrameDuration(10, 9600) = %v", d)
	}
	if FrameDuration(1, 0) != time.Second {
		t.Fatalf("baud 0 must be coerced to 1")
	}
	// Rounded up, never short.
	if got := FrameDuration(1, 3); got != 333_333_334*time.Nanosecond {
		t.Fatalf("FrameDuration(1, 3) = %v", got)
	}
}

func TestResetTimer(t *testing.T) {
	tm := time.NewTimer(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	// Expired and undrained: reset must not leave the stale tick behind.
	ResetTimer(tm, time.Hour)
	select {
	case <-tm.C:
		t.Fatal("stale expiry survived ResetTimer")
	default:
	}
	tm.Stop()
}
