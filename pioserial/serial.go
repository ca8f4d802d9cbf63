// Package pioserial is a byte-stream serial port built from two
// state-machine slots: one shifting frames out, one capturing them at twice
// the bit rate. Frame shape is entirely software: each distinct frame width
// gets its own specialised program, and parity, start and stop bits are
// composed and checked on the CPU.
//
// A Serial is safe for concurrent use. Its lock is never held while waiting
// for the hardware, so a reader keeps draining the receive FIFO while a
// writer waits for transmit space.
package pioserial

import (
	"context"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"piouart-go/errcode"
	"piouart-go/pio"
	"piouart-go/types"
	"piouart-go/x/mathx"
	"piouart-go/x/shmring"
	"piouart-go/x/timex"
)

const (
	// FifoSize is the depth of the software receive queue.
	FifoSize = 32
	// DefaultTimeout bounds ReadByte and Read.
	DefaultTimeout = 1000 * time.Millisecond

	pollInterval = time.Millisecond
)

var _ drivers.UART = (*Serial)(nil)

// Stats counts bytes queued for transmission and bytes accepted from the
// receiver. Words dropped on a parity mismatch are not counted anywhere.
type Stats struct {
	Sent     uint32 `json:"sent"`
	Received uint32 `json:"received"`
}

type Serial struct {
	mu    sync.Mutex
	pool  *pio.Pool
	cache *ProgramCache

	txPin, rxPin pio.Pin
	line         types.LineConfig
	timeout      time.Duration

	running bool
	tx, rx  *channel
	fifo    *shmring.Ring
	stats   Stats
}

// New returns an unconfigured port on the given pins. Either pin may be
// pio.NoPin for a one-directional port. Pins are validated by Begin.
func New(pool *pio.Pool, cache *ProgramCache, tx, rx pio.Pin) *Serial {
	return &Serial{
		pool:    pool,
		cache:   cache,
		txPin:   tx,
		rxPin:   rx,
		line:    types.LineConfig{}.Normalise(),
		timeout: DefaultTimeout,
		fifo:    shmring.New(FifoSize),
	}
}

func checkPin(op string, p pio.Pin) error {
	if p == pio.NoPin || p.Valid() {
		return nil
	}
	return &errcode.E{C: errcode.ConfigRejected, Op: op, Err: errcode.UnknownPin}
}

// SetTX assigns the transmit pin. It fails, leaving the old pin, while the
// port is active or when p is out of range.
func (s *Serial) SetTX(p pio.Pin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return &errcode.E{C: errcode.ConfigRejected, Op: "set_tx", Msg: "active"}
	}
	if err := checkPin("set_tx", p); err != nil {
		return err
	}
	s.txPin = p
	return nil
}

// SetRX assigns the receive pin, with the same rules as SetTX.
func (s *Serial) SetRX(p pio.Pin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return &errcode.E{C: errcode.ConfigRejected, Op: "set_rx", Msg: "active"}
	}
	if err := checkPin("set_rx", p); err != nil {
		return err
	}
	s.rxPin = p
	return nil
}

func (s *Serial) Pins() (tx, rx pio.Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txPin, s.rxPin
}

// SetTimeout sets the window ReadByte and Read wait for data. d <= 0
// restores the default.
func (s *Serial) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *Serial) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Begin activates the port with line. An active port is left as it is and
// ConfigRejected returned; End it first to change the line.
//
// Pin and line errors leave the port inactive. When a direction cannot get
// a slot or program memory the port still becomes active with that
// direction unbound, and the ResourceExhausted error is returned; calls on
// the unbound side then report NotBound.
func (s *Serial) Begin(line types.LineConfig) error {
	line = line.Normalise()
	if err := line.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return &errcode.E{C: errcode.ConfigRejected, Op: "begin", Msg: "active"}
	}
	if err := checkPin("begin", s.txPin); err != nil {
		return err
	}
	if err := checkPin("begin", s.rxPin); err != nil {
		return err
	}
	if s.txPin == pio.NoPin && s.rxPin == pio.NoPin {
		println("[pioserial] begin: no pins specified")
		return &errcode.E{C: errcode.ConfigRejected, Op: "begin", Msg: "no pins"}
	}
	s.line = line

	var firstErr error
	if s.txPin != pio.NoPin {
		ch, err := activate(s.pool, s.cache, DirTx, s.txPin, line.TxFrameWidth(), line.Baud)
		if err != nil {
			println("[pioserial] tx: unable to allocate:", err.Error())
			firstErr = err
		}
		s.tx = ch
	}
	if s.rxPin != pio.NoPin {
		ch, err := activate(s.pool, s.cache, DirRx, s.rxPin, line.RxFrameWidth(), line.Baud)
		if err != nil {
			println("[pioserial] rx: unable to allocate:", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
		s.rx = ch
	}

	s.fifo.Reset()
	s.stats = Stats{}
	s.running = true
	return firstErr
}

// End stops both directions and returns their slots and program memory to
// the pool. Buffered receive data is discarded.
func (s *Serial) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.endLocked()
	}
}

func (s *Serial) endLocked() {
	s.tx.deactivate(s.pool)
	s.rx.deactivate(s.pool)
	s.tx, s.rx = nil, nil
	s.fifo.Reset()
	s.running = false
}

func (s *Serial) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Bound reports which directions hold a slot.
func (s *Serial) Bound() (tx, rx bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil, s.rx != nil
}

func (s *Serial) Line() types.LineConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.line
}

func (s *Serial) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ---- receive ----

// pumpLocked moves decoded bytes from the receive FIFO into the software
// queue until the queue is full or the FIFO is empty. When the queue is
// full, words stay in hardware.
func (s *Serial) pumpLocked() {
	if s.rx == nil {
		return
	}
	sl := s.rx.slot()
	for !s.fifo.Full() {
		raw, ok := sl.TryGet()
		if !ok {
			return
		}
		c, ok := decode(raw, s.line)
		if !ok {
			continue
		}
		s.fifo.Put(c)
		s.stats.Received++
	}
}

func (s *Serial) rxReadyLocked() error {
	if !s.running {
		return errcode.NotActive
	}
	if s.rx == nil {
		return errcode.NotBound
	}
	return nil
}

// Available pumps and returns the number of bytes ready to read.
func (s *Serial) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rxReadyLocked() != nil {
		return 0
	}
	s.pumpLocked()
	return s.fifo.Available()
}

// Buffered is Available under the name drivers.UART uses.
func (s *Serial) Buffered() int { return s.Available() }

// Peek returns the next byte without consuming it.
func (s *Serial) Peek() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rxReadyLocked() != nil {
		return 0, false
	}
	s.pumpLocked()
	return s.fifo.Peek()
}

// tryRead pumps and copies whatever is queued into p. It returns a non-nil
// error only when the port cannot receive at all.
func (s *Serial) tryRead(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rxReadyLocked(); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		s.pumpLocked()
		m := s.fifo.ReadInto(p[n:])
		if m == 0 {
			break
		}
		n += m
	}
	return n, nil
}

// RecvSomeContext blocks until at least one byte is available, then reads
// up to len(p). It wakes when another caller pumps bytes into the software
// queue, and otherwise polls the hardware every pollInterval.
func (s *Serial) RecvSomeContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t := time.NewTimer(pollInterval)
	defer t.Stop()
	for {
		n, err := s.tryRead(p)
		if n > 0 || err != nil {
			return n, err
		}
		timex.ResetTimer(t, pollInterval)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.fifo.Readable():
		case <-t.C:
		}
	}
}

// ReadContext returns the next byte, waiting until ctx is done.
func (s *Serial) ReadContext(ctx context.Context) (byte, error) {
	var b [1]byte
	if _, err := s.RecvSomeContext(ctx, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadByte returns the next byte, waiting up to the timeout measured from
// the call. It fails with errcode.Timeout when nothing arrives.
func (s *Serial) ReadByte() (byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout())
	defer cancel()
	b, err := s.ReadContext(ctx)
	if err == context.DeadlineExceeded {
		return 0, errcode.Timeout
	}
	return b, err
}

// Read waits up to the timeout for the first byte and then returns
// everything already received, up to len(p).
func (s *Serial) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout())
	defer cancel()
	n, err := s.RecvSomeContext(ctx, p)
	if err == context.DeadlineExceeded {
		return 0, errcode.Timeout
	}
	return n, err
}

// ---- transmit ----

func (s *Serial) txReadyLocked() error {
	if !s.running {
		return errcode.NotActive
	}
	if s.tx == nil {
		return errcode.NotBound
	}
	return nil
}

// txBackoffLocked is how long a writer sleeps when the transmit FIFO is
// full: about one frame, bounded to the poll interval.
func (s *Serial) txBackoffLocked() time.Duration {
	d := timex.FrameDuration(s.line.TxFrameWidth(), s.line.Baud)
	return mathx.Clamp(d, 50*time.Microsecond, pollInterval)
}

func (s *Serial) writeByte(ctx context.Context, c byte) error {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	s.mu.Lock()
	for {
		if err := s.txReadyLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		s.pumpLocked()
		if s.tx.slot().TryPut(encode(c, s.line)) {
			s.stats.Sent++
			s.mu.Unlock()
			return nil
		}
		d := s.txBackoffLocked()
		s.mu.Unlock()

		timex.ResetTimer(t, d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		s.mu.Lock()
	}
}

// WriteContext writes p one frame at a time, pumping the receiver before
// each. It returns early with ctx.Err() if ctx ends while the transmit FIFO
// is full.
func (s *Serial) WriteContext(ctx context.Context, p []byte) (int, error) {
	for i, c := range p {
		if err := s.writeByte(ctx, c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Write blocks until every byte is in the transmit FIFO.
func (s *Serial) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

func (s *Serial) WriteByte(c byte) error {
	return s.writeByte(context.Background(), c)
}

// AvailableForWrite returns the free transmit FIFO slots.
func (s *Serial) AvailableForWrite() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txReadyLocked() != nil {
		return 0
	}
	s.pumpLocked()
	sl := s.tx.slot()
	return sl.TxDepth() - sl.TxLevel()
}

// FlushContext waits for the transmit FIFO to empty and then for one more
// frame time, covering the frame still on the wire.
func (s *Serial) FlushContext(ctx context.Context) error {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	s.mu.Lock()
	for {
		if err := s.txReadyLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		s.pumpLocked()
		if s.tx.slot().TxEmpty() {
			break
		}
		s.mu.Unlock()
		timex.ResetTimer(t, pollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		s.mu.Lock()
	}
	tail := timex.FrameDuration(s.line.TxFrameWidth()+1, s.line.Baud)
	s.mu.Unlock()

	timex.ResetTimer(t, tail)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}

// Flush is FlushContext without a deadline.
func (s *Serial) Flush() error {
	return s.FlushContext(context.Background())
}
