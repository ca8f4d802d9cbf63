package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"piouart-go/errcode"
	"piouart-go/x/timex"
)

var (
	logMu  sync.RWMutex
	logger = zap.NewNop()
)

func Logger() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// SetLogger replaces the package logger. A nil logger restores the no-op.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

const DefaultTimeout = time.Second

type Options struct {
	// Timeout applies to expect steps that do not name their own.
	Timeout time.Duration
}

// Report is the outcome of a run. Latencies holds one entry per matched
// expect, measured from the most recent send.
type Report struct {
	Steps     int
	Sent      int
	Received  int
	Latencies []time.Duration
}

type Summary struct {
	N      int
	Mean   time.Duration
	StdDev time.Duration
	P50    time.Duration
	P95    time.Duration
	Max    time.Duration
}

func (s Summary) String() string {
	if s.N == 0 {
		return "no samples"
	}
	return fmt.Sprintf("n=%d mean=%v sd=%v p50=%v p95=%v max=%v", s.N, s.Mean, s.StdDev, s.P50, s.P95, s.Max)
}

func (r Report) Summary() Summary {
	n := len(r.Latencies)
	if n == 0 {
		return Summary{}
	}
	xs := make([]float64, n)
	for i, d := range r.Latencies {
		xs[i] = float64(d)
	}
	sort.Float64s(xs)
	s := Summary{
		N:    n,
		Mean: time.Duration(stat.Mean(xs, nil)),
		P50:  time.Duration(stat.Quantile(0.5, stat.Empirical, xs, nil)),
		P95:  time.Duration(stat.Quantile(0.95, stat.Empirical, xs, nil)),
		Max:  time.Duration(xs[n-1]),
	}
	if n > 1 {
		s.StdDev = time.Duration(stat.StdDev(xs, nil))
	}
	return s
}

// Run parses script and executes it against rw.
func Run(ctx context.Context, rw io.ReadWriter, script string, opts Options) (Report, error) {
	steps, err := Parse(script)
	if err != nil {
		return Report{}, err
	}
	return RunSteps(ctx, rw, steps, opts)
}

// RunSteps executes steps in order and stops at the first failure. Reads
// happen on a background goroutine that exits after the next Read returns
// once the run is over; bytes it picks up after that are discarded.
func RunSteps(ctx context.Context, rw io.ReadWriter, steps []Step, opts Options) (Report, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	log := Logger()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan []byte, 64)
	rerr := make(chan error, 1)
	go pump(ctx, rw, in, rerr)

	var (
		rep      Report
		pending  []byte
		lastSend = time.Now()
		timer    = time.NewTimer(time.Hour)
	)
	defer timer.Stop()

	for _, st := range steps {
		rep.Steps++
		switch st.Op {
		case OpSend:
			n, err := rw.Write(st.Data)
			rep.Sent += n
			lastSend = time.Now()
			if err != nil {
				return rep, fmt.Errorf("line %d: send: %w", st.Line, err)
			}
			log.Debug("send", zap.Int("line", st.Line), zap.Binary("data", st.Data))

		case OpSleep:
			if err := sleep(ctx, timer, st.Timeout); err != nil {
				return rep, err
			}

		case OpExpect:
			wait := st.Timeout
			if wait <= 0 {
				wait = opts.Timeout
			}
			timex.ResetTimer(timer, wait)
			for {
				if i := bytes.Index(pending, st.Data); i >= 0 {
					pending = pending[i+len(st.Data):]
					lat := time.Since(lastSend)
					rep.Latencies = append(rep.Latencies, lat)
					log.Debug("expect matched", zap.Int("line", st.Line), zap.Duration("latency", lat))
					break
				}
				select {
				case b := <-in:
					rep.Received += len(b)
					pending = append(pending, b...)
					continue
				case err := <-rerr:
					return rep, fmt.Errorf("line %d: receive: %w", st.Line, err)
				case <-timer.C:
					log.Warn("expect timed out",
						zap.Int("line", st.Line),
						zap.ByteString("want", st.Data),
						zap.ByteString("have", pending))
					return rep, &errcode.E{C: errcode.Timeout, Op: "expect", Msg: fmt.Sprintf("line %d: %q", st.Line, st.Data)}
				case <-ctx.Done():
					return rep, ctx.Err()
				}
			}
		}
	}
	return rep, nil
}

// pump forwards reads until ctx ends or the reader fails. A read that
// times out (errcode.Timeout, io.EOF from a tty with VTIME, or a zero
// read) just loops.
func pump(ctx context.Context, r io.Reader, out chan<- []byte, rerr chan<- error) {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- append([]byte(nil), buf[:n]...):
			case <-ctx.Done():
				return
			}
		}
		switch {
		case err == nil && n > 0:
		case err == nil, errors.Is(err, io.EOF):
			_ = sleep(ctx, nil, time.Millisecond)
		case errcode.Is(err, errcode.Timeout):
		default:
			rerr <- err
			return
		}
	}
}

func sleep(ctx context.Context, t *time.Timer, d time.Duration) error {
	if t == nil {
		t = time.NewTimer(d)
		defer t.Stop()
	} else {
		timex.ResetTimer(t, d)
	}
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
