package mathx

import (
	"testing"
	"time"
)

func TestClamp(t *testing.T) {
	if got := Clamp(5, 16, 256); got != 16 {
		t.Fatalf("Clamp low = %d", got)
	}
	if got := Clamp(300, 256, 16); got != 256 {
		t.Fatalf("Clamp swapped bounds = %d", got)
	}
	if got := Clamp(3*time.Second, 0, 2*time.Second); got != 2*time.Second {
		t.Fatalf("Clamp duration = %v", got)
	}
	if got := Max(uint32(1), 2); got != 2 {
		t.Fatalf("Max = %d", got)
	}
}

func TestIntDiv(t *testing.T) {
	if got := CeilDiv(uint64(10), 3); got != 4 {
		t.Fatalf("CeilDiv = %d", got)
	}
	if got := RoundDiv(uint32(125_000_000), 1085*1); got != 115207 {
		t.Fatalf("RoundDiv = %d", got)
	}
	if CeilDiv(uint8(1), 0) != 0 || RoundDiv(uint8(1), 0) != 0 {
		t.Fatalf("division by zero must yield 0")
	}
}
