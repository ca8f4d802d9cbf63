package sim

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"piouart-go/pio"
)

// pollInterval bounds how long blocking FIFO calls sleep between checks
// when no readiness signal arrives.
const pollInterval = 200 * time.Microsecond

type slot struct {
	sim *Sim
	blk *block
	idx int

	mu      sync.Mutex
	cfg     pio.SlotConfig
	div     float32
	enabled bool
	tx, rx  []uint32
	osr     uint32
	isr     uint32
	x, y    uint32

	kick  chan struct{} // tx FIFO gained a word, or transmitter resumed
	space chan struct{} // tx FIFO lost a word
	data  chan struct{} // rx FIFO gained a word
	stop  chan struct{} // closes the running transmitter
	done  chan struct{}
}

func newSlot(s *Sim, b *block, i int) *slot {
	return &slot{
		sim:   s,
		blk:   b,
		idx:   i,
		div:   1,
		cfg:   pio.SlotConfig{Pin: pio.NoPin},
		kick:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		data:  make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (sl *slot) kickTx() { signal(sl.kick) }

func (sl *slot) txDepthLocked() int {
	switch sl.cfg.Join {
	case pio.FifoJoinTx:
		return 8
	case pio.FifoJoinRx:
		return 0
	default:
		return 4
	}
}

func (sl *slot) rxDepthLocked() int {
	switch sl.cfg.Join {
	case pio.FifoJoinRx:
		return 8
	case pio.FifoJoinTx:
		return 0
	default:
		return 4
	}
}

func (sl *slot) Configure(cfg pio.SlotConfig) {
	sl.mu.Lock()
	sl.cfg = cfg
	sl.tx, sl.rx = sl.tx[:0], sl.rx[:0]
	sl.mu.Unlock()
}

func (sl *slot) SetClockDivider(div float32) {
	if div < 1 {
		div = 1
	}
	sl.mu.Lock()
	sl.div = div
	sl.mu.Unlock()
}

func (sl *slot) SetEnabled(on bool) {
	sl.mu.Lock()
	if on == sl.enabled {
		sl.mu.Unlock()
		return
	}
	sl.enabled = on
	var stop, done chan struct{}
	if on && sl.cfg.Output {
		sl.stop = make(chan struct{})
		sl.done = make(chan struct{})
		go sl.transmit(sl.stop, sl.done)
	} else if !on && sl.stop != nil {
		stop, done = sl.stop, sl.done
		sl.stop, sl.done = nil, nil
	}
	sl.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if on {
		sl.kickTx()
	}
}

func (sl *slot) ClearFIFOs() {
	sl.mu.Lock()
	sl.tx, sl.rx = sl.tx[:0], sl.rx[:0]
	sl.mu.Unlock()
	signal(sl.space)
}

// Exec handles the instructions the serial set-up issues directly: pull,
// mov between scratch registers and set. Anything else is ignored.
func (sl *slot) Exec(instr uint16) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	switch {
	case instr&0xe080 == pio.INSTR_BITS_PULL:
		if len(sl.tx) > 0 {
			sl.osr = sl.tx[0]
			sl.tx = sl.tx[1:]
			signal(sl.space)
		} else {
			// Non-blocking pull from an empty FIFO copies X.
			sl.osr = sl.x
		}
	case instr&0xe000 == pio.INSTR_BITS_MOV:
		dst := pio.SrcDest((instr >> 5) & 7)
		src := pio.SrcDest(instr & 7)
		sl.writeReg(dst, sl.readReg(src))
	default:
		if dst, v, ok := pio.DecodeSet(instr); ok {
			sl.writeReg(dst, uint32(v))
		}
	}
}

func (sl *slot) readReg(r pio.SrcDest) uint32 {
	switch r {
	case pio.SrcDestX:
		return sl.x
	case pio.SrcDestY:
		return sl.y
	case pio.SrcDestISR:
		return sl.isr
	case pio.SrcDestOSR:
		return sl.osr
	}
	return 0
}

func (sl *slot) writeReg(r pio.SrcDest, v uint32) {
	switch r {
	case pio.SrcDestX:
		sl.x = v
	case pio.SrcDestY:
		sl.y = v
	case pio.SrcDestISR:
		sl.isr = v
	case pio.SrcDestOSR:
		sl.osr = v
	}
}

func (sl *slot) TryPut(word uint32) bool {
	sl.mu.Lock()
	if len(sl.tx) >= sl.txDepthLocked() {
		sl.mu.Unlock()
		return false
	}
	sl.tx = append(sl.tx, word)
	sl.mu.Unlock()
	sl.kickTx()
	return true
}

func (sl *slot) Put(word uint32) {
	for !sl.TryPut(word) {
		select {
		case <-sl.space:
		case <-time.After(pollInterval):
		}
	}
}

func (sl *slot) TryGet() (uint32, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if len(sl.rx) == 0 {
		return 0, false
	}
	w := sl.rx[0]
	sl.rx = sl.rx[1:]
	return w, true
}

func (sl *slot) Get() uint32 {
	for {
		if w, ok := sl.TryGet(); ok {
			return w
		}
		select {
		case <-sl.data:
		case <-time.After(pollInterval):
		}
	}
}

func (sl *slot) TxLevel() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.tx)
}

func (sl *slot) RxLevel() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.rx)
}

func (sl *slot) TxEmpty() bool { return sl.TxLevel() == 0 }
func (sl *slot) RxEmpty() bool { return sl.RxLevel() == 0 }

func (sl *slot) TxDepth() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.txDepthLocked()
}

// ---- wire model ----

// iterationsLocked reads X back from the program's first instruction and
// returns how many times the serial loop runs with it.
func (sl *slot) iterationsLocked() int {
	_, n, ok := pio.DecodeSet(sl.blk.readInstr(sl.cfg.Offset))
	if !ok {
		return 0
	}
	return int(n) + 1
}

func (sl *slot) listening(wire map[pio.Pin]bool) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.enabled && !sl.cfg.Output && wire[sl.cfg.Pin]
}

// next pops the next frame to shift out together with its width and bit
// period in system clock cycles.
func (sl *slot) next() (frame uint32, width uint8, period float64, pin pio.Pin, ok bool) {
	if sl.sim.stalled.Load() {
		return 0, 0, 0, 0, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.enabled || len(sl.tx) == 0 {
		return 0, 0, 0, 0, false
	}
	frame = sl.tx[0]
	sl.tx = sl.tx[1:]
	signal(sl.space)
	// out, mov, ISR+1 delay jumps and jmp x--: ISR+4 cycles per bit.
	period = float64(pio.LineCycles(sl.isr)) * float64(sl.div)
	return frame, uint8(sl.iterationsLocked()), period, sl.cfg.Pin, true
}

func (sl *slot) transmit(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		frame, width, period, pin, ok := sl.next()
		if !ok {
			select {
			case <-stop:
				return
			case <-sl.kick:
				continue
			}
		}
		if d := sl.sim.lineTime(width, period); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-stop:
				t.Stop()
				return
			case <-t.C:
			}
		}
		sl.sim.drive(pin, frame, width, period)
	}
}

// capture samples a frame the way the receive program does. The falling
// edge of the start bit releases the wait at cycle 0; every iteration then
// spends mov, OSR+1 delay jumps, in and jmp x--, so sample k is taken at
// cycle OSR+3 + k*(OSR+4). period is the sender's bit time in cycles; 0
// means a sender at this receiver's nominal rate. Line time past the frame
// reads as idle high.
func (sl *slot) capture(frame uint32, width uint8, period float64) {
	if frame&1 != 0 {
		// No start edge.
		return
	}
	sl.mu.Lock()
	n := sl.iterationsLocked()
	first := float64(sl.osr + 3)
	pass := float64(pio.LineCycles(sl.osr))
	div := float64(sl.div)
	sl.mu.Unlock()
	if n == 0 {
		return
	}
	if period <= 0 {
		period = 2 * (pass - 2) * div
	}

	var aligned uint32
	for k := 0; k < n && k < 32; k++ {
		t := (first + float64(k)*pass) * div
		bit := int(t / period)
		level := uint32(1)
		if bit < int(width) {
			level = (frame >> uint(bit)) & 1
		}
		aligned |= level << uint(k)
	}
	raw := aligned
	if n < 32 {
		raw = aligned << uint(32-n)
	}
	if !sl.pushRx(raw) {
		sl.sim.overflows.Add(1)
		Logger().Debug("rx fifo overflow",
			zap.Int("block", sl.blk.idx),
			zap.Int("slot", sl.idx),
			zap.Uint32("raw", raw))
	}
}

func (sl *slot) pushRx(word uint32) bool {
	sl.mu.Lock()
	if !sl.enabled || len(sl.rx) >= sl.rxDepthLocked() {
		sl.mu.Unlock()
		return false
	}
	sl.rx = append(sl.rx, word)
	sl.mu.Unlock()
	signal(sl.data)
	return true
}
