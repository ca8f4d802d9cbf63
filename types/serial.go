package types

import (
	"strconv"

	"piouart-go/errcode"
)

// ------------------------
// Serial line format
// ------------------------

type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

// Letter returns the conventional single-letter form (N, E, O).
func (p Parity) Letter() byte {
	switch p {
	case ParityEven:
		return 'E'
	case ParityOdd:
		return 'O'
	default:
		return 'N'
	}
}

func (p Parity) MarshalJSON() ([]byte, error) { return []byte(`"` + p.String() + `"`), nil }

func (p *Parity) UnmarshalJSON(b []byte) error {
	s := string(b)
	if n := len(s); n >= 2 && s[0] == '"' && s[n-1] == '"' {
		s = s[1 : n-1]
	}
	switch s {
	case "none", "", "null":
		*p = ParityNone
	case "even":
		*p = ParityEven
	case "odd":
		*p = ParityOdd
	default:
		return errcode.InvalidParams
	}
	return nil
}

// Defaults applied by Normalise to zero fields.
const (
	DefaultBaud     uint32 = 115_200
	DefaultDataBits uint8  = 8
	DefaultStopBits uint8  = 1
)

// LineConfig is the frame shape of one serial line. It is fixed while a
// port is active.
type LineConfig struct {
	Baud     uint32 `json:"baud"`
	DataBits uint8  `json:"data_bits"`
	Parity   Parity `json:"parity"`
	StopBits uint8  `json:"stop_bits"`
}

// Normalise fills zero fields with 115200 8N1 defaults.
func (c LineConfig) Normalise() LineConfig {
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.DataBits == 0 {
		c.DataBits = DefaultDataBits
	}
	if c.StopBits == 0 {
		c.StopBits = DefaultStopBits
	}
	return c
}

// Validate checks data bits 5..8, stop bits 1..2, a known parity and a
// non-zero baud.
func (c LineConfig) Validate() error {
	if c.Baud == 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "line_config", Msg: "baud"}
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return &errcode.E{C: errcode.InvalidParams, Op: "line_config", Msg: "data_bits"}
	}
	if c.StopBits < 1 || c.StopBits > 2 {
		return &errcode.E{C: errcode.InvalidParams, Op: "line_config", Msg: "stop_bits"}
	}
	if c.Parity > ParityOdd {
		return &errcode.E{C: errcode.InvalidParams, Op: "line_config", Msg: "parity"}
	}
	return nil
}

func (c LineConfig) parityBits() uint8 {
	if c.Parity != ParityNone {
		return 1
	}
	return 0
}

// TxFrameWidth is start + data + parity + stop bits.
func (c LineConfig) TxFrameWidth() uint8 {
	return c.DataBits + c.StopBits + c.parityBits() + 1
}

// RxFrameWidth is the number of 2x oversampled capture bits per frame.
func (c LineConfig) RxFrameWidth() uint8 {
	return 2 * c.TxFrameWidth()
}

// Format renders the short form, e.g. "8N1".
func (c LineConfig) Format() string {
	return string([]byte{'0' + c.DataBits, c.Parity.Letter(), '0' + c.StopBits})
}

func (c LineConfig) String() string {
	return strconv.FormatUint(uint64(c.Baud), 10) + " " + c.Format()
}

// ParseFormat parses a short format like "8N1" or "7e2" into a LineConfig
// with the given baud.
func ParseFormat(baud uint32, s string) (LineConfig, error) {
	if len(s) != 3 {
		return LineConfig{}, &errcode.E{C: errcode.InvalidParams, Op: "parse_format", Msg: s}
	}
	c := LineConfig{
		Baud:     baud,
		DataBits: s[0] - '0',
		StopBits: s[2] - '0',
	}
	switch s[1] {
	case 'N', 'n':
		c.Parity = ParityNone
	case 'E', 'e':
		c.Parity = ParityEven
	case 'O', 'o':
		c.Parity = ParityOdd
	default:
		return LineConfig{}, &errcode.E{C: errcode.InvalidParams, Op: "parse_format", Msg: s}
	}
	if err := c.Validate(); err != nil {
		return LineConfig{}, err
	}
	return c, nil
}

// ------------------------
// Bus payloads
// ------------------------

// SerialConfig is published retained on config/serial.
type SerialConfig struct {
	TX        int        `json:"tx"` // GPIO number, -1 for none
	RX        int        `json:"rx"` // GPIO number, -1 for none
	Line      LineConfig `json:"line"`
	TimeoutMS int        `json:"timeout_ms,omitempty"`

	// Reader worker
	Mode          string `json:"mode,omitempty"`          // "bytes" | "lines"
	MaxFrame      int    `json:"max_frame,omitempty"`     // 16..256
	IdleFlushMS   int    `json:"idle_flush_ms,omitempty"` // lines mode
	EchoTX        bool   `json:"echo_tx,omitempty"`
	StatePeriodMS int    `json:"state_period_ms,omitempty"`
}

type SerialWrite struct {
	Data []byte `json:"data"`
}

type SerialWriteReply struct {
	N int `json:"n"`
}

type SerialSetBaud struct {
	Baud uint32 `json:"baud"`
}

type SerialSetFormat struct {
	DataBits uint8  `json:"data_bits"`
	StopBits uint8  `json:"stop_bits"`
	Parity   Parity `json:"parity"`
}

// SerialRx carries received bytes (or one line in lines mode).
type SerialRx struct {
	Data []byte `json:"data"`
	TSms int64  `json:"ts_ms"`
}

type SerialState struct {
	Active   bool       `json:"active"`
	TXBound  bool       `json:"tx_bound"`
	RXBound  bool       `json:"rx_bound"`
	Sent     uint32     `json:"sent"`
	Received uint32     `json:"received"`
	Line     LineConfig `json:"line"`
}

// Reply is the generic control reply.
type Reply struct {
	OK    bool         `json:"ok"`
	Error errcode.Code `json:"error,omitempty"`
	Value any          `json:"value,omitempty"`
}
