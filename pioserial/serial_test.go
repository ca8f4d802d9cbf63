package pioserial

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"piouart-go/errcode"
	"piouart-go/pio"
	"piouart-go/pio/sim"
	"piouart-go/types"
)

type rig struct {
	sim   *sim.Sim
	pool  *pio.Pool
	cache *ProgramCache
}

func newRig(t *testing.T, opts sim.Options) *rig {
	t.Helper()
	s := sim.New(opts)
	t.Cleanup(s.Close)
	return &rig{sim: s, pool: s.Pool(), cache: NewProgramCache()}
}

func (r *rig) port(t *testing.T, tx, rx pio.Pin, line types.LineConfig) *Serial {
	t.Helper()
	p := New(r.pool, r.cache, tx, rx)
	require.NoError(t, p.Begin(line))
	t.Cleanup(p.End)
	return p
}

func format(t *testing.T, baud uint32, f string) types.LineConfig {
	t.Helper()
	line, err := types.ParseFormat(baud, f)
	require.NoError(t, err)
	return line
}

func TestHelloLoopback(t *testing.T) {
	r := newRig(t, sim.Options{TimeScale: 1})
	p := r.port(t, 4, 4, format(t, 9600, "8N1"))

	hello := []byte("Hello")
	n, err := p.Write(hello)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.Eventually(t, func() bool { return p.Available() == 5 }, 2*time.Second, time.Millisecond)
	for _, want := range hello {
		got, err := p.ReadByte()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Equal(t, 0, p.Available())
	require.Equal(t, Stats{Sent: 5, Received: 5}, p.Stats())
	require.Zero(t, r.sim.Overflows())
}

func TestJumperedRoundTripAllFormats(t *testing.T) {
	r := newRig(t, sim.Options{})
	r.sim.Connect(2, 3)
	data := []byte{0x00, 0x01, 0x55, 0xaa, 0x7f, 0x80, 0xff, 0x13}

	for _, line := range allFormats() {
		line.Baud = 115200
		t.Run(line.Format(), func(t *testing.T) {
			p := New(r.pool, r.cache, 2, 3)
			require.NoError(t, p.Begin(line))
			defer p.End()
			p.SetTimeout(500 * time.Millisecond)

			for _, c := range data {
				require.NoError(t, p.WriteByte(c))
				got, err := p.ReadByte()
				require.NoError(t, err)
				require.Equal(t, c&byte(mask(line.DataBits)), got)
			}
		})
	}
	// 24 formats, but only one tx and one rx program per distinct width.
	require.Equal(t, 12, r.cache.Created())
	require.Equal(t, 8, r.pool.FreeSlots())
}

func TestSoftwareFifoBackpressure(t *testing.T) {
	r := newRig(t, sim.Options{})
	line := format(t, 9600, "8N1")
	p := r.port(t, pio.NoPin, 7, line)

	for i := 0; i < FifoSize; i++ {
		require.True(t, r.sim.InjectRaw(7, captureOf(encode(byte(i), line), line)))
		require.Equal(t, i+1, p.Available())
	}
	// Queue is full: further words stay in the hardware FIFO.
	for i := 0; i < 4; i++ {
		require.True(t, r.sim.InjectRaw(7, captureOf(encode(0xee, line), line)))
	}
	require.Equal(t, FifoSize, p.Available())
	require.Equal(t, 4, p.rx.slot().RxLevel())
	require.False(t, r.sim.InjectRaw(7, 0), "hardware FIFO full")

	// Reading one frees one place, which the next pump fills.
	b, err := p.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0), b)
	require.Equal(t, FifoSize, p.Available())
	require.Equal(t, 3, p.rx.slot().RxLevel())

	// Order is preserved.
	buf := make([]byte, 64)
	n, err := p.Read(buf)
	require.NoError(t, err)
	require.Equal(t, FifoSize+3, n)
	for i := 0; i < FifoSize-1; i++ {
		require.Equal(t, byte(i+1), buf[i])
	}
	require.Equal(t, []byte{0xee, 0xee, 0xee, 0xee}, buf[FifoSize-1:n])
}

func TestParityErrorIsDroppedSilently(t *testing.T) {
	r := newRig(t, sim.Options{})
	line := format(t, 9600, "8E1")
	p := r.port(t, pio.NoPin, 7, line)

	good := encode(0x31, line)
	require.True(t, r.sim.InjectRaw(7, captureOf(good^(1<<3), line)))
	require.Equal(t, 0, p.Available())
	require.True(t, r.sim.InjectRaw(7, captureOf(good, line)))
	require.Equal(t, 1, p.Available())
	require.Equal(t, uint32(1), p.Stats().Received)
}

func TestReadTimeoutBounds(t *testing.T) {
	r := newRig(t, sim.Options{})
	p := r.port(t, pio.NoPin, 7, format(t, 9600, "8N1"))

	const timeout = 50 * time.Millisecond
	p.SetTimeout(timeout)
	start := time.Now()
	_, err := p.ReadByte()
	el := time.Since(start)
	require.ErrorIs(t, err, errcode.Timeout)
	require.GreaterOrEqual(t, el, timeout)
	require.Less(t, el, timeout+40*time.Millisecond)

	_, err = p.Read(make([]byte, 4))
	require.ErrorIs(t, err, errcode.Timeout)

	p.SetTimeout(0)
	require.Equal(t, DefaultTimeout, p.Timeout())
}

func TestPinValidation(t *testing.T) {
	r := newRig(t, sim.Options{})

	p := New(r.pool, r.cache, 30, pio.NoPin)
	err := p.Begin(types.LineConfig{})
	require.Error(t, err)
	require.Equal(t, errcode.ConfigRejected, errcode.Of(err))
	require.ErrorIs(t, err, errcode.UnknownPin)
	require.False(t, p.Active())
	require.Equal(t, 8, r.pool.FreeSlots())

	require.NoError(t, p.SetTX(2))
	err = p.SetTX(30)
	require.Equal(t, errcode.ConfigRejected, errcode.Of(err))
	tx, rx := p.Pins()
	require.Equal(t, pio.Pin(2), tx)
	require.Equal(t, pio.NoPin, rx)

	require.NoError(t, p.Begin(types.LineConfig{}))
	defer p.End()
	require.True(t, p.Active())
	require.Equal(t, errcode.ConfigRejected, errcode.Of(p.SetTX(3)))
	require.Equal(t, errcode.ConfigRejected, errcode.Of(p.SetRX(3)))
	tx, _ = p.Pins()
	require.Equal(t, pio.Pin(2), tx)

	none := New(r.pool, r.cache, pio.NoPin, pio.NoPin)
	require.Equal(t, errcode.ConfigRejected, errcode.Of(none.Begin(types.LineConfig{})))

	bad := New(r.pool, r.cache, 5, 6)
	require.Equal(t, errcode.InvalidParams, errcode.Of(bad.Begin(types.LineConfig{DataBits: 9})))
	require.False(t, bad.Active())
}

func TestProgramSharedBetweenPorts(t *testing.T) {
	r := newRig(t, sim.Options{})
	line := format(t, 115200, "8N1")

	a := r.port(t, 2, pio.NoPin, line)
	b := r.port(t, 5, pio.NoPin, line)

	require.Equal(t, 1, r.cache.Created())
	require.Equal(t, a.tx.h.Block, b.tx.h.Block)
	require.Equal(t, a.tx.h.Offset, b.tx.h.Offset)
	require.Equal(t, 2*pio.InstrMemWords-pio.UARTTx.Len(), r.pool.FreeWords())

	a.End()
	require.Equal(t, 2*pio.InstrMemWords-pio.UARTTx.Len(), r.pool.FreeWords(), "b still runs it")
	b.End()
	require.Equal(t, 2*pio.InstrMemWords, r.pool.FreeWords())
	require.Equal(t, 1, r.cache.Created(), "cache outlives ports")
}

func TestResourceExhaustionLeavesDirectionUnbound(t *testing.T) {
	r := newRig(t, sim.Options{Blocks: 1, Slots: 1})
	p := New(r.pool, r.cache, 2, 3)
	err := p.Begin(types.LineConfig{})
	defer p.End()

	require.Equal(t, errcode.ResourceExhausted, errcode.Of(err))
	require.True(t, p.Active())
	tx, rx := p.Bound()
	require.True(t, tx)
	require.False(t, rx)

	require.Equal(t, 0, p.Available())
	_, ok := p.Peek()
	require.False(t, ok)
	_, err = p.ReadByte()
	require.ErrorIs(t, err, errcode.NotBound)
	require.NoError(t, p.WriteByte('x'))
}

func TestEndReleasesAndBeginNeedsEnd(t *testing.T) {
	r := newRig(t, sim.Options{})
	r.sim.Connect(2, 3)
	p := New(r.pool, r.cache, 2, 3)
	require.NoError(t, p.Begin(format(t, 9600, "8N1")))
	require.Equal(t, 6, r.pool.FreeSlots())

	// A new shape while active is refused and nothing changes.
	err := p.Begin(format(t, 19200, "7O2"))
	require.Equal(t, errcode.ConfigRejected, errcode.Of(err))
	require.True(t, p.Active())
	require.Equal(t, "9600 8N1", p.Line().String())
	require.Equal(t, 6, r.pool.FreeSlots())
	require.NoError(t, p.WriteByte('a'))
	got, err := p.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('a'), got)

	p.End()
	require.NoError(t, p.Begin(format(t, 19200, "7O2")))
	require.Equal(t, "19200 7O2", p.Line().String())
	require.Equal(t, 6, r.pool.FreeSlots())

	p.End()
	require.False(t, p.Active())
	require.Equal(t, 8, r.pool.FreeSlots())
	require.Equal(t, 2*pio.InstrMemWords, r.pool.FreeWords())
	p.End()

	_, err = p.Write([]byte("x"))
	require.ErrorIs(t, err, errcode.NotActive)
	require.Equal(t, 0, p.AvailableForWrite())
}

func TestBeforeBegin(t *testing.T) {
	r := newRig(t, sim.Options{})
	p := New(r.pool, r.cache, 2, 3)

	require.False(t, p.Active())
	require.Equal(t, 0, p.Available())
	require.Equal(t, 0, p.AvailableForWrite())
	_, ok := p.Peek()
	require.False(t, ok)
	_, err := p.ReadByte()
	require.ErrorIs(t, err, errcode.NotActive)
	n, err := p.Write([]byte("abc"))
	require.Zero(t, n)
	require.ErrorIs(t, err, errcode.NotActive)
	require.ErrorIs(t, p.Flush(), errcode.NotActive)
}

func TestBlockedWriterDoesNotHoldLock(t *testing.T) {
	r := newRig(t, sim.Options{})
	line := format(t, 115200, "8N1")
	p := r.port(t, 2, 7, line)
	r.sim.SetStalled(true)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg  sync.WaitGroup
		n   int
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err = p.WriteContext(ctx, make([]byte, 12))
	}()

	require.Eventually(t, func() bool { return p.AvailableForWrite() == 0 }, time.Second, time.Millisecond)

	// The reader side keeps working while the writer waits.
	require.True(t, r.sim.InjectRaw(7, captureOf(encode('k', line), line)))
	require.Equal(t, 1, p.Available())
	b, ok := p.Peek()
	require.True(t, ok)
	require.Equal(t, byte('k'), b)

	cancel()
	wg.Wait()
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 8, n)
	require.Equal(t, uint32(8), p.Stats().Sent)
}

func TestFlushWaitsForTransmitter(t *testing.T) {
	r := newRig(t, sim.Options{})
	p := r.port(t, 2, pio.NoPin, format(t, 115200, "8N1"))
	r.sim.SetStalled(true)

	_, err := p.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 5, p.AvailableForWrite())

	done := make(chan error, 1)
	go func() { done <- p.Flush() }()

	select {
	case <-done:
		t.Fatal("flush returned with frames queued")
	case <-time.After(20 * time.Millisecond):
	}

	r.sim.SetStalled(false)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush did not return")
	}
	require.Eventually(t, func() bool { return r.sim.Frames() == 3 }, time.Second, time.Millisecond)
	require.Equal(t, 8, p.AvailableForWrite())

	ctx, cancel := context.WithCancel(context.Background())
	r.sim.SetStalled(true)
	require.NoError(t, p.WriteByte('z'))
	cancel()
	require.ErrorIs(t, p.FlushContext(ctx), context.Canceled)
}

func TestRecvSomeContext(t *testing.T) {
	r := newRig(t, sim.Options{})
	line := format(t, 9600, "8N1")
	p := r.port(t, pio.NoPin, 7, line)

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.sim.InjectFrame(7, encode('a', line), line.TxFrameWidth())
		r.sim.InjectFrame(7, encode('b', line), line.TxFrameWidth())
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	buf := make([]byte, 8)
	got := 0
	for got < 2 {
		n, err := p.RecvSomeContext(ctx, buf[got:])
		require.NoError(t, err)
		got += n
	}
	require.Equal(t, "ab", string(buf[:got]))

	short, cancel2 := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel2()
	_, err := p.ReadContext(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiverWokenByAnotherPump(t *testing.T) {
	r := newRig(t, sim.Options{})
	line := format(t, 9600, "8N1")
	p := r.port(t, pio.NoPin, 7, line)

	got := make(chan byte, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b, err := p.ReadContext(ctx)
		if err == nil {
			got <- b
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.True(t, r.sim.InjectRaw(7, captureOf(encode('w', line), line)))
	// Peek moves the byte into the software queue unless the reader's own
	// poll got there first; either way the reader ends up with it.
	_, _ = p.Peek()

	select {
	case c := <-got:
		require.Equal(t, byte('w'), c)
	case <-time.After(time.Second):
		t.Fatal("reader not woken")
	}
}
