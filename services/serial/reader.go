// services/serial/reader.go
package serial

import (
	"context"
	"time"

	"piouart-go/x/mathx"
	"piouart-go/x/timex"
)

// Port is the receive side the reader drains.
type Port interface {
	RecvSomeContext(ctx context.Context, p []byte) (int, error)
}

type Event struct {
	Dir  string // "rx" | "tx"
	Data []byte
	TS   time.Time
}

type ReaderCfg struct {
	Port      Port
	Mode      string        // "bytes" | "lines"
	MaxFrame  int           // clamp 16..256
	IdleFlush time.Duration // clamp 0..2s (lines mode)
}

// Reader turns a byte stream into events. Events are dropped, never
// queued without bound, when the consumer falls behind.
type Reader struct {
	outQ chan Event
}

func NewReader(outBuf int) *Reader {
	if outBuf <= 0 {
		outBuf = 64
	}
	return &Reader{outQ: make(chan Event, outBuf)}
}

func (r *Reader) Events() <-chan Event { return r.outQ }

// recvSlice bounds each blocking receive so cancellation is noticed.
const recvSlice = 250 * time.Millisecond

// Start runs a reader goroutine for cfg.Port. The returned func stops it
// and waits for it to exit.
func (r *Reader) Start(ctx context.Context, cfg ReaderCfg) func() {
	max := mathx.Clamp(cfg.MaxFrame, 16, 256)
	idle := mathx.Clamp(cfg.IdleFlush, 0, 2*time.Second)
	lines := cfg.Mode == "lines"
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, max)
		backoff := time.NewTimer(time.Hour)
		defer backoff.Stop()
		var (
			line     []byte
			lastByte time.Time
		)

		emit := func(data []byte, now time.Time) {
			select {
			case r.outQ <- Event{Dir: "rx", Data: data, TS: now}:
			default:
				// drop if consumer is slow
			}
		}
		flush := func(now time.Time) {
			if len(line) == 0 {
				return
			}
			emit(append([]byte(nil), line...), now)
			line = line[:0]
		}

		for {
			wait := recvSlice
			if lines && len(line) > 0 && idle > 0 {
				wait = mathx.Clamp(idle-time.Since(lastByte), time.Millisecond, recvSlice)
			}
			rctx, rcancel := context.WithTimeout(cctx, wait)
			n, err := cfg.Port.RecvSomeContext(rctx, buf)
			waited := rctx.Err() != nil
			rcancel()
			if cctx.Err() != nil {
				return
			}
			if n <= 0 && err != nil && !waited {
				// Refused without waiting (not active, no receiver).
				timex.ResetTimer(backoff, recvSlice)
				select {
				case <-cctx.Done():
					return
				case <-backoff.C:
				}
				continue
			}
			now := time.Now()
			if n <= 0 {
				if lines && idle > 0 && len(line) > 0 && now.Sub(lastByte) >= idle {
					flush(now)
				}
				continue
			}
			if !lines {
				emit(append([]byte(nil), buf[:n]...), now)
				continue
			}
			lastByte = now
			for _, b := range buf[:n] {
				switch b {
				case '\n':
					flush(now)
				case '\r':
				default:
					if len(line) < max {
						line = append(line, b)
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// EmitTX publishes a transmit echo event.
func (r *Reader) EmitTX(data []byte) {
	p := append([]byte(nil), data...)
	select {
	case r.outQ <- Event{Dir: "tx", Data: p, TS: time.Now()}:
	default:
	}
}
