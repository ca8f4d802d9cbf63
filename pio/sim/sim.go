// Package sim simulates the state-machine substrate on the host.
//
// Only what the serial programs need is modelled. Instruction memory is
// real (programs are loaded and read back), as are the FIFOs with their
// join modes and the handful of instructions the serial set-up executes
// directly. Program execution is replaced by a wire model: a transmitter
// slot pops words and shifts them onto its pin one frame at a time, and
// every receiver slot listening on that pin (or on a jumpered pin) samples
// the frame at its own rate and pushes the capture word.
package sim

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"piouart-go/pio"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the simulator logger. It is a no-op unless SetLogger was called.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger replaces the simulator logger. Call before New.
func SetLogger(l *zap.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}

type Options struct {
	SysClockHz uint32 // default 125 MHz
	Blocks     int    // default 2
	Slots      int    // per block, default 4
	// TimeScale stretches simulated line time. 0 completes frames
	// immediately; 1 runs at the configured baud.
	TimeScale float64
}

// Sim is a set of simulated blocks sharing one set of GPIO wires.
type Sim struct {
	opts   Options
	blocks []*block

	mu      sync.Mutex
	jumpers map[pio.Pin][]pio.Pin

	stalled   atomic.Bool
	overflows atomic.Uint32
	frames    atomic.Uint32
}

func New(opts Options) *Sim {
	if opts.SysClockHz == 0 {
		opts.SysClockHz = 125_000_000
	}
	if opts.Blocks <= 0 {
		opts.Blocks = 2
	}
	if opts.Slots <= 0 {
		opts.Slots = 4
	}
	s := &Sim{opts: opts, jumpers: make(map[pio.Pin][]pio.Pin)}
	for i := 0; i < opts.Blocks; i++ {
		b := &block{sim: s, idx: i}
		for j := 0; j < opts.Slots; j++ {
			b.slots = append(b.slots, newSlot(s, b, j))
		}
		s.blocks = append(s.blocks, b)
	}
	return s
}

// Pool returns a new allocator over all simulated blocks.
func (s *Sim) Pool() *pio.Pool {
	bs := make([]pio.Block, len(s.blocks))
	for i, b := range s.blocks {
		bs[i] = b
	}
	return pio.NewPool(s.opts.SysClockHz, bs...)
}

func (s *Sim) SysClockHz() uint32 { return s.opts.SysClockHz }

// Connect wires pin a to pin b (both directions).
func (s *Sim) Connect(a, b pio.Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jumpers[a] = append(s.jumpers[a], b)
	s.jumpers[b] = append(s.jumpers[b], a)
}

// SetStalled freezes (true) or resumes (false) every transmitter. While
// stalled, words stay in the output FIFOs.
func (s *Sim) SetStalled(on bool) {
	s.stalled.Store(on)
	if !on {
		s.eachSlot(func(sl *slot) { sl.kickTx() })
	}
}

// Overflows counts capture words dropped because an input FIFO was full.
func (s *Sim) Overflows() int { return int(s.overflows.Load()) }

// Frames counts frames put on the wire by transmitters.
func (s *Sim) Frames() int { return int(s.frames.Load()) }

// InjectRaw pushes a capture word straight into the input FIFO of the
// receiver listening on pin. It reports false when no receiver listens or
// its FIFO is full.
func (s *Sim) InjectRaw(pin pio.Pin, word uint32) bool {
	ok := false
	s.eachListener(pin, func(sl *slot) {
		if sl.pushRx(word) {
			ok = true
		}
	})
	return ok
}

// InjectFrame drives pin with a frame of width bits (start bit in bit 0)
// timed to match each listening receiver.
func (s *Sim) InjectFrame(pin pio.Pin, frame uint32, width uint8) {
	s.eachListener(pin, func(sl *slot) { sl.capture(frame, width, 0) })
}

// Close disables every slot and stops transmitter goroutines.
func (s *Sim) Close() {
	s.eachSlot(func(sl *slot) { sl.SetEnabled(false) })
}

// drive delivers a frame sent by a transmitter with the given bit period
// (in system clock cycles) to every receiver on the wire.
func (s *Sim) drive(pin pio.Pin, frame uint32, width uint8, period float64) {
	s.frames.Add(1)
	s.eachListener(pin, func(sl *slot) { sl.capture(frame, width, period) })
}

func (s *Sim) eachSlot(fn func(*slot)) {
	for _, b := range s.blocks {
		for _, sl := range b.slots {
			fn(sl)
		}
	}
}

func (s *Sim) wire(pin pio.Pin) map[pio.Pin]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[pio.Pin]bool{pin: true}
	stack := []pio.Pin{pin}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, q := range s.jumpers[p] {
			if !seen[q] {
				seen[q] = true
				stack = append(stack, q)
			}
		}
	}
	return seen
}

func (s *Sim) eachListener(pin pio.Pin, fn func(*slot)) {
	w := s.wire(pin)
	s.eachSlot(func(sl *slot) {
		if sl.listening(w) {
			fn(sl)
		}
	})
}

func (s *Sim) lineTime(width uint8, period float64) time.Duration {
	if s.opts.TimeScale <= 0 {
		return 0
	}
	sec := float64(width) * period / float64(s.opts.SysClockHz)
	return time.Duration(sec * s.opts.TimeScale * float64(time.Second))
}

// ---- block ----

type block struct {
	sim   *Sim
	idx   int
	mu    sync.Mutex
	mem   [pio.InstrMemWords]uint16
	slots []*slot
}

func (b *block) NumSlots() int       { return len(b.slots) }
func (b *block) Slot(i int) pio.Slot { return b.slots[i] }

func (b *block) WriteInstr(addr uint8, instr uint16) {
	b.mu.Lock()
	b.mem[addr%pio.InstrMemWords] = instr
	b.mu.Unlock()
}

func (b *block) readInstr(addr uint8) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem[addr%pio.InstrMemWords]
}

// Instr returns the word at addr of block bi, for inspection in tests.
func (s *Sim) Instr(bi int, addr uint8) uint16 { return s.blocks[bi].readInstr(addr) }
