// services/serial/service.go
package serial

import (
	"context"
	"encoding/json"
	"time"

	"piouart-go/bus"
	"piouart-go/errcode"
	"piouart-go/pio"
	"piouart-go/pioserial"
	"piouart-go/types"
	"piouart-go/x/timex"
)

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

var (
	TopicConfig  = bus.T("config", "serial")
	TopicControl = bus.T("serial", "control", bus.SingleWild)
	TopicState   = bus.T("serial", "state")
	TopicRx      = bus.T("serial", "event", "rx")
	TopicTx      = bus.T("serial", "event", "tx")
)

const (
	defaultStatePeriod = 0 // periodic state off unless configured
	controlTimeout     = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Entry point
// -----------------------------------------------------------------------------

// Run serves port on the bus until ctx is cancelled. The port is ended on
// return.
func Run(ctx context.Context, conn *bus.Connection, port *pioserial.Serial) {
	s := &service{
		conn:   conn,
		port:   port,
		reader: NewReader(32),
	}
	s.loop(ctx)
}

type service struct {
	conn   *bus.Connection
	port   *pioserial.Serial
	reader *Reader

	cfg        types.SerialConfig
	configured bool
	stopReader func()

	statePeriod time.Duration
	timer       *time.Timer
}

// -----------------------------------------------------------------------------
// Main loop
// -----------------------------------------------------------------------------

func (s *service) loop(ctx context.Context) {
	cfgSub := s.conn.Subscribe(TopicConfig)
	ctrlSub := s.conn.Subscribe(TopicControl)
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)
	defer s.shutdown()

	s.publishState()

	s.timer = time.NewTimer(time.Hour)
	if !s.timer.Stop() {
		timex.DrainTimer(s.timer)
	}

	var nextState time.Time
	for {
		if s.statePeriod > 0 {
			if nextState.IsZero() {
				nextState = time.Now().Add(s.statePeriod)
			}
			timex.ResetTimer(s.timer, max(time.Until(nextState), 0))
		} else {
			nextState = time.Time{}
			timex.ResetTimer(s.timer, time.Hour)
		}

		select {
		case <-ctx.Done():
			return

		case msg := <-cfgSub.Channel():
			if msg == nil {
				continue
			}
			var cfg types.SerialConfig
			if err := decodeJSON(msg.Payload, &cfg); err != nil {
				println("[serial] config decode:", err.Error())
				continue
			}
			if err := s.applyConfig(ctx, cfg); err != nil {
				println("[serial] config:", err.Error())
			}
			s.publishState()

		case msg := <-ctrlSub.Channel():
			if msg == nil || len(msg.Topic) < 3 {
				continue
			}
			verb, _ := msg.Topic[2].(string)
			s.handleControl(ctx, verb, msg)

		case ev := <-s.reader.Events():
			topic := TopicRx
			if ev.Dir == "tx" {
				topic = TopicTx
			}
			s.conn.Publish(s.conn.NewMessage(topic, types.SerialRx{Data: ev.Data, TSms: ev.TS.UnixMilli()}, false))

		case <-s.timer.C:
			if s.statePeriod > 0 {
				s.publishState()
				nextState = time.Now().Add(s.statePeriod)
			}
		}
	}
}

func (s *service) shutdown() {
	if s.stopReader != nil {
		s.stopReader()
		s.stopReader = nil
	}
	s.port.End()
	s.publishState()
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// pinOf maps a config pin number; negatives unassign and numbers past the
// board stay out of range rather than wrapping.
func pinOf(n int) pio.Pin {
	switch {
	case n < 0:
		return pio.NoPin
	case n > int(pio.MaxPin):
		return pio.MaxPin + 1
	}
	return pio.Pin(n)
}

// checkConfig rejects what Begin would refuse, so a bad config never
// tears down a running port.
func checkConfig(cfg types.SerialConfig) error {
	tx, rx := pinOf(cfg.TX), pinOf(cfg.RX)
	for _, p := range []pio.Pin{tx, rx} {
		if p != pio.NoPin && !p.Valid() {
			return &errcode.E{C: errcode.ConfigRejected, Op: "config", Err: errcode.UnknownPin}
		}
	}
	if tx == pio.NoPin && rx == pio.NoPin {
		return &errcode.E{C: errcode.ConfigRejected, Op: "config", Msg: "no pins"}
	}
	return cfg.Line.Normalise().Validate()
}

// applyConfig ends the port, rebinds pins and begins again. A rejected
// config leaves everything as it was. A begin that only partially bound
// (resource exhaustion) still leaves the port running.
func (s *service) applyConfig(ctx context.Context, cfg types.SerialConfig) error {
	if err := checkConfig(cfg); err != nil {
		return err
	}
	if s.stopReader != nil {
		s.stopReader()
		s.stopReader = nil
	}
	s.port.End()

	if err := s.port.SetTX(pinOf(cfg.TX)); err != nil {
		return err
	}
	if err := s.port.SetRX(pinOf(cfg.RX)); err != nil {
		return err
	}
	s.port.SetTimeout(time.Duration(cfg.TimeoutMS) * time.Millisecond)
	s.statePeriod = time.Duration(max(cfg.StatePeriodMS, defaultStatePeriod)) * time.Millisecond
	s.cfg = cfg
	s.configured = true
	return s.begin(ctx, cfg.Line)
}

func (s *service) begin(ctx context.Context, line types.LineConfig) error {
	err := s.port.Begin(line)
	if !s.port.Active() {
		return err
	}
	s.cfg.Line = s.port.Line()
	if _, rx := s.port.Bound(); rx {
		s.stopReader = s.reader.Start(ctx, ReaderCfg{
			Port:      s.port,
			Mode:      s.cfg.Mode,
			MaxFrame:  s.cfg.MaxFrame,
			IdleFlush: time.Duration(s.cfg.IdleFlushMS) * time.Millisecond,
		})
	}
	return err
}

// rebegin restarts the port with a new line config, keeping pins.
func (s *service) rebegin(ctx context.Context, line types.LineConfig) error {
	if !s.configured {
		return errcode.NotActive
	}
	if err := line.Normalise().Validate(); err != nil {
		return err
	}
	if s.stopReader != nil {
		s.stopReader()
		s.stopReader = nil
	}
	s.port.End()
	return s.begin(ctx, line)
}

// -----------------------------------------------------------------------------
// Controls
// -----------------------------------------------------------------------------

func (s *service) handleControl(ctx context.Context, verb string, msg *bus.Message) {
	switch verb {
	case "write":
		var p types.SerialWrite
		if err := decodeJSON(msg.Payload, &p); err != nil {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		wctx, cancel := context.WithTimeout(ctx, controlTimeout)
		n, err := s.port.WriteContext(wctx, p.Data)
		cancel()
		if n > 0 && s.cfg.EchoTX {
			s.reader.EmitTX(p.Data[:n])
		}
		if err != nil {
			s.replyErr(msg, codeOf(err))
			return
		}
		s.replyOK(msg, types.SerialWriteReply{N: n})

	case "flush":
		fctx, cancel := context.WithTimeout(ctx, controlTimeout)
		err := s.port.FlushContext(fctx)
		cancel()
		if err != nil {
			s.replyErr(msg, codeOf(err))
			return
		}
		s.replyOK(msg, nil)

	case "set_baud":
		var p types.SerialSetBaud
		if err := decodeJSON(msg.Payload, &p); err != nil || p.Baud == 0 {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		line := s.port.Line()
		line.Baud = p.Baud
		s.replyResult(msg, s.rebegin(ctx, line))

	case "set_format":
		var p types.SerialSetFormat
		if err := decodeJSON(msg.Payload, &p); err != nil {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		line := s.port.Line()
		line.DataBits, line.StopBits, line.Parity = p.DataBits, p.StopBits, p.Parity
		s.replyResult(msg, s.rebegin(ctx, line))

	case "stats":
		s.replyOK(msg, s.state())

	default:
		s.replyErr(msg, errcode.Unsupported)
	}
}

func (s *service) replyResult(msg *bus.Message, err error) {
	s.publishState()
	// A partially bound port is still a usable port.
	if err != nil && errcode.Of(err) != errcode.ResourceExhausted {
		s.replyErr(msg, codeOf(err))
		return
	}
	s.replyOK(msg, s.port.Line())
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (s *service) state() types.SerialState {
	tx, rx := s.port.Bound()
	st := s.port.Stats()
	return types.SerialState{
		Active:   s.port.Active(),
		TXBound:  tx,
		RXBound:  rx,
		Sent:     st.Sent,
		Received: st.Received,
		Line:     s.port.Line(),
	}
}

func (s *service) publishState() {
	s.conn.Publish(s.conn.NewMessage(TopicState, s.state(), true))
}

func (s *service) replyOK(req *bus.Message, v any) {
	if len(req.ReplyTo) == 0 {
		return
	}
	s.conn.Reply(req, types.Reply{OK: true, Value: v}, false)
}

func (s *service) replyErr(req *bus.Message, c errcode.Code) {
	if len(req.ReplyTo) == 0 {
		return
	}
	s.conn.Reply(req, types.Reply{OK: false, Error: c}, false)
}

func codeOf(err error) errcode.Code {
	switch err {
	case context.DeadlineExceeded:
		return errcode.Timeout
	case context.Canceled:
		return errcode.Error
	}
	return errcode.Of(err)
}

func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case T:
		*dst = v
		return nil
	case *T:
		*dst = *v
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		// Maps and foreign structs go through a JSON round trip.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
