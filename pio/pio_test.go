package pio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"piouart-go/errcode"
)

// --- minimal fake block recording instruction memory writes ---

type fakeSlot struct {
	enabled bool
	cleared int
}

func (s *fakeSlot) Configure(SlotConfig)     {}
func (s *fakeSlot) SetClockDivider(float32)  {}
func (s *fakeSlot) SetEnabled(on bool)       { s.enabled = on }
func (s *fakeSlot) ClearFIFOs()              { s.cleared++ }
func (s *fakeSlot) Exec(uint16)              {}
func (s *fakeSlot) Put(uint32)               {}
func (s *fakeSlot) TryPut(uint32) bool       { return true }
func (s *fakeSlot) Get() uint32              { return 0 }
func (s *fakeSlot) TryGet() (uint32, bool)   { return 0, false }
func (s *fakeSlot) TxLevel() int             { return 0 }
func (s *fakeSlot) RxLevel() int             { return 0 }
func (s *fakeSlot) TxEmpty() bool            { return true }
func (s *fakeSlot) RxEmpty() bool            { return true }
func (s *fakeSlot) TxDepth() int             { return 8 }

type fakeBlock struct {
	mem   [InstrMemWords]uint16
	slots []*fakeSlot
}

func newFakeBlock(n int) *fakeBlock {
	b := &fakeBlock{}
	for i := 0; i < n; i++ {
		b.slots = append(b.slots, &fakeSlot{})
	}
	return b
}

func (b *fakeBlock) NumSlots() int                { return len(b.slots) }
func (b *fakeBlock) Slot(i int) Slot              { return b.slots[i] }
func (b *fakeBlock) WriteInstr(a uint8, v uint16) { b.mem[a] = v }

// --- tests ---

func TestEncodings(t *testing.T) {
	require.Equal(t, uint16(0xe029), EncodeSet(SrcDestX, 9))
	require.Equal(t, uint16(0x80a0), EncodePull(false, true))
	require.Equal(t, uint16(0x8080), EncodePull(false, false))
	require.Equal(t, uint16(0x8000), EncodePush(false, false))
	require.Equal(t, uint16(0xa0c7), EncodeMov(SrcDestISR, SrcDestOSR))
	require.Equal(t, uint16(0xa046), EncodeMov(SrcDestY, SrcDestISR))
	require.Equal(t, uint16(0x0084), EncodeJmpCond(JmpYNZeroDec, 4))
	require.Equal(t, uint16(0x2020), EncodeWait(false, WaitPin, 0))
	require.Equal(t, uint16(0x6001), EncodeOut(SrcDestPins, 1))
	require.Equal(t, uint16(0x4001), EncodeIn(SrcDestPins, 1))
	require.Equal(t, uint16(0x98a0), EncodeSideSet(EncodePull(false, true), 1, true, 1))

	dest, v, ok := DecodeSet(EncodeSet(SrcDestX, 23))
	require.True(t, ok)
	require.Equal(t, SrcDestX, dest)
	require.Equal(t, uint8(23), v)

	_, _, ok = DecodeSet(EncodeJmp(3))
	require.False(t, ok)
}

func TestSpecialiseRewritesOnlyFirstInstruction(t *testing.T) {
	p := SpecialiseWidth(&UARTTx, 12)
	require.Equal(t, uint8(12), p.Width())
	require.Equal(t, UARTTx.Len(), p.Len())
	require.Equal(t, UARTTx.Instructions[1:], p.Instructions[1:])
	// Template untouched.
	require.Equal(t, uint8(10), UARTTx.Width())

	rx := SpecialiseWidth(&UARTRx, 24)
	require.Equal(t, uint8(24), rx.Width())
	require.Equal(t, UARTRx.Wrap, rx.Wrap)
}

func TestPoolLoadsOncePerBlockAndRelocates(t *testing.T) {
	b0 := newFakeBlock(4)
	pool := NewPool(125_000_000, b0)
	prog := SpecialiseWidth(&UARTTx, 10)

	h1, err := pool.Claim(prog)
	require.NoError(t, err)
	h2, err := pool.Claim(prog)
	require.NoError(t, err)

	require.Equal(t, h1.Offset, h2.Offset, "same program shares its load")
	require.NotEqual(t, h1.Index, h2.Index, "slots are exclusive")
	require.Equal(t, InstrMemWords-prog.Len(), int(h1.Offset), "loaded top-down")
	require.Equal(t, InstrMemWords-prog.Len(), pool.FreeWords())

	// jmp x--, 2 is relocated by the load offset.
	last := b0.mem[int(h1.Offset)+5]
	require.Equal(t, EncodeJmpCond(JmpXNZeroDec, 2+h1.Offset), last)
	// Non-jumps are written verbatim.
	require.Equal(t, prog.Instructions[0], b0.mem[h1.Offset])

	pool.Release(h1)
	require.Equal(t, InstrMemWords-prog.Len(), pool.FreeWords(), "still referenced")
	pool.Release(h2)
	require.Equal(t, InstrMemWords, pool.FreeWords())
	require.Equal(t, 4, pool.FreeSlots())
	require.False(t, b0.slots[h2.Index].enabled)
	require.Equal(t, 1, b0.slots[h2.Index].cleared)

	// Double release is harmless.
	pool.Release(h2)
	require.Equal(t, 4, pool.FreeSlots())
}

func TestPoolExhaustion(t *testing.T) {
	pool := NewPool(125_000_000, newFakeBlock(2))

	_, err := pool.Claim(SpecialiseWidth(&UARTTx, 10))
	require.NoError(t, err)
	_, err = pool.Claim(SpecialiseWidth(&UARTRx, 20))
	require.NoError(t, err)

	_, err = pool.Claim(SpecialiseWidth(&UARTTx, 11))
	require.Error(t, err)
	require.Equal(t, errcode.ResourceExhausted, errcode.Of(err))

	// Program memory exhaustion with slots to spare.
	pool = NewPool(125_000_000, newFakeBlock(8))
	var widths []uint8
	for w := uint8(5); w < 12; w++ {
		widths = append(widths, w)
	}
	var lastErr error
	for _, w := range widths {
		if _, lastErr = pool.Claim(SpecialiseWidth(&UARTRx, w)); lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	require.ErrorIs(t, lastErr, errcode.OutOfProgramSpace)
	require.Equal(t, errcode.ResourceExhausted, errcode.Of(lastErr))
}

func TestPoolPrefersBlockWithProgram(t *testing.T) {
	b0, b1 := newFakeBlock(1), newFakeBlock(2)
	pool := NewPool(125_000_000, b0, b1)
	a := SpecialiseWidth(&UARTTx, 10)
	b := SpecialiseWidth(&UARTTx, 12)

	ha, err := pool.Claim(b)
	require.NoError(t, err)
	require.Equal(t, 0, ha.Block)

	hb, err := pool.Claim(a)
	require.NoError(t, err)
	require.Equal(t, 1, hb.Block)

	hc, err := pool.Claim(a)
	require.NoError(t, err)
	require.Equal(t, 1, hc.Block)
	require.Equal(t, hb.Offset, hc.Offset)
	require.Same(t, a, hc.Program())
}

func TestBitCycles(t *testing.T) {
	require.Equal(t, uint32(125_000_000/9600-2), BitCycles(125_000_000, 9600, TxOversample))
	require.Equal(t, uint32(125_000_000/19200-2), BitCycles(125_000_000, 9600, RxOversample))
	require.Equal(t, uint32(0), BitCycles(1000, 1_000_000, 1))
	require.Equal(t, uint32(0), BitCycles(1000, 0, 1))

	c := BitCycles(125_000_000, 115200, TxOversample)
	got := BaudFromCycles(125_000_000, c, TxOversample)
	require.InDelta(t, 115200, float64(got), 115200*0.01)

	w, f := SplitDivider(2.5)
	require.Equal(t, uint16(2), w)
	require.Equal(t, uint8(128), f)
	w, _ = SplitDivider(0.2)
	require.Equal(t, uint16(1), w)
}

func TestLineDrift(t *testing.T) {
	const sysHz = 125_000_000
	tx := LineCycles(BitCycles(sysHz, 115200, TxOversample))
	rx := LineCycles(BitCycles(sysHz, 115200, RxOversample))
	require.Equal(t, uint32(sysHz/115200+2), tx)
	require.Equal(t, uint32(sysHz/230400+2), rx)

	// Both ends run slow by the same margin.
	rate := float64(sysHz) / float64(tx)
	require.Less(t, rate, 115200.0)
	require.InDelta(t, 115200, rate, 115200*0.003)
	require.InDelta(t, float64(tx), float64(2*rx), 4)
}

func TestPinRange(t *testing.T) {
	require.True(t, Pin(0).Valid())
	require.True(t, Pin(29).Valid())
	require.False(t, Pin(30).Valid())
	require.False(t, NoPin.Valid())
}
