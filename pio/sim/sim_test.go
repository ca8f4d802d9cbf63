package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"piouart-go/pio"
)

// bringUp claims a slot for prog on pin and seeds its delay register the
// way the serial driver does.
func bringUp(t *testing.T, pool *pio.Pool, prog *pio.Program, pin pio.Pin, out bool, cycles uint32) *pio.Handle {
	t.Helper()
	h, err := pool.Claim(prog)
	require.NoError(t, err)
	join := pio.FifoJoinNone
	if out {
		join = pio.FifoJoinTx
	}
	h.Slot.Configure(pio.SlotConfig{
		Pin:        pin,
		Output:     out,
		Offset:     h.Offset,
		WrapTarget: h.Offset + prog.WrapTarget,
		Wrap:       h.Offset + prog.Wrap,
		SideSet:    out,
		ShiftRight: out,
		Join:       join,
	})
	h.Slot.ClearFIFOs()
	h.Slot.Put(cycles)
	h.Slot.Exec(pio.EncodePull(false, false))
	if out {
		h.Slot.Exec(pio.EncodeMov(pio.SrcDestISR, pio.SrcDestOSR))
	}
	h.Slot.SetClockDivider(1)
	h.Slot.SetEnabled(true)
	return h
}

func waitRx(t *testing.T, s pio.Slot) uint32 {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w, ok := s.TryGet(); ok {
			return w
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no capture")
	return 0
}

func TestLoopbackCapture(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	pool := s.Pool()

	tx := bringUp(t, pool, pio.SpecialiseWidth(&pio.UARTTx, 10), 4, true, pio.BitCycles(s.SysClockHz(), 9600, pio.TxOversample))
	rx := bringUp(t, pool, pio.SpecialiseWidth(&pio.UARTRx, 20), 4, false, pio.BitCycles(s.SysClockHz(), 9600, pio.RxOversample))

	require.Equal(t, 8, tx.Slot.TxDepth())

	// 'A' (0x41) 8N1, start bit low in bit 0.
	frame := (uint32(0x41) | 3<<8) << 1
	tx.Slot.Put(frame)

	word := waitRx(t, rx.Slot)
	// 21 samples: the first inside the start bit, then two per bit.
	require.Zero(t, word&(1<<11-1), "only 21 samples shifted in")
	require.Zero(t, (word>>11)&1, "start bit sample")
	raw := word >> (32 - 20)
	for b := 0; b < 8; b++ {
		want := (uint32(0x41) >> uint(b)) & 1
		require.Equal(t, want, (raw>>uint(2*b))&1, "data bit %d", b)
	}
	// Stop bit sample.
	require.Equal(t, uint32(1), (raw>>16)&1)
	require.Equal(t, 1, s.Frames())
}

func TestJumperedPins(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	pool := s.Pool()
	s.Connect(2, 3)

	tx := bringUp(t, pool, pio.SpecialiseWidth(&pio.UARTTx, 10), 2, true, 100)
	rx := bringUp(t, pool, pio.SpecialiseWidth(&pio.UARTRx, 20), 3, false, 49)

	tx.Slot.Put((uint32(0x5a) | 3<<8) << 1)
	raw := waitRx(t, rx.Slot) >> 12
	var got uint32
	for b := 0; b < 8; b++ {
		got |= ((raw >> uint(2*b)) & 1) << uint(b)
	}
	require.Equal(t, uint32(0x5a), got)
}

func TestStallKeepsWordsQueued(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	pool := s.Pool()

	tx := bringUp(t, pool, pio.SpecialiseWidth(&pio.UARTTx, 10), 5, true, 100)
	s.SetStalled(true)
	for i := 0; i < 8; i++ {
		require.True(t, tx.Slot.TryPut(0x200))
	}
	require.False(t, tx.Slot.TryPut(0x200), "joined FIFO holds 8")
	require.Equal(t, 8, tx.Slot.TxLevel())

	s.SetStalled(false)
	require.Eventually(t, tx.Slot.TxEmpty, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Frames() == 8 }, time.Second, time.Millisecond)
}

func TestRxOverflowDrops(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	pool := s.Pool()

	rx := bringUp(t, pool, pio.SpecialiseWidth(&pio.UARTRx, 20), 7, false, 100)
	for i := 0; i < 10; i++ {
		s.InjectFrame(7, 0x7fe, 10)
	}
	require.Equal(t, 4, rx.Slot.RxLevel())
	require.Equal(t, 6, s.Overflows())
	require.False(t, s.InjectRaw(7, 1))
	require.False(t, s.InjectRaw(8, 1), "nobody listens on pin 8")
}

func TestExecSeedsRegisters(t *testing.T) {
	s := New(Options{Blocks: 1, Slots: 1})
	sl := s.blocks[0].slots[0]
	sl.Configure(pio.SlotConfig{Pin: 1, Join: pio.FifoJoinTx})

	require.True(t, sl.TryPut(1234))
	sl.Exec(pio.EncodePull(false, false))
	sl.Exec(pio.EncodeMov(pio.SrcDestISR, pio.SrcDestOSR))
	require.Equal(t, uint32(1234), sl.isr)
	require.True(t, sl.TxEmpty())

	sl.Exec(pio.EncodeSet(pio.SrcDestX, 7))
	sl.Exec(pio.EncodePull(false, false))
	require.Equal(t, uint32(7), sl.osr, "pull from empty FIFO copies X")
}

func TestRealTimeScale(t *testing.T) {
	s := New(Options{TimeScale: 1})
	defer s.Close()
	pool := s.Pool()

	// 1200 baud: ten bits take ~8.3ms.
	tx := bringUp(t, pool, pio.SpecialiseWidth(&pio.UARTTx, 10), 9, true, pio.BitCycles(s.SysClockHz(), 1200, pio.TxOversample))
	start := time.Now()
	tx.Slot.Put(0x7fe)
	require.Eventually(t, func() bool { return s.Frames() == 1 }, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 8*time.Millisecond)
}
