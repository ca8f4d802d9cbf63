// Package probe drives a serial link from the host side: it sends bytes,
// waits for expected replies and records how long each reply took.
package probe

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"

	"piouart-go/errcode"
)

type Op int

const (
	OpSend Op = iota
	OpExpect
	OpSleep
)

func (o Op) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpExpect:
		return "expect"
	case OpSleep:
		return "sleep"
	}
	return "?"
}

// Step is one parsed script line. Timeout is zero when the line does not
// name one.
type Step struct {
	Line    int
	Op      Op
	Data    []byte
	Timeout time.Duration
}

// Parse reads a script. Commands:
//
//	send <text>...          words joined by single spaces
//	sendln <text>...        as send, plus "\n"
//	sendhex <hh>...         raw bytes
//	expect <text> [timeout]
//	expecthex <hh> [timeout]
//	sleep <duration>
//
// Blank lines and lines starting with '#' are skipped. Quoting follows
// shell rules.
func Parse(script string) ([]Step, error) {
	var steps []Step
	sc := bufio.NewScanner(strings.NewReader(script))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tok, err := shlex.Split(line)
		if err != nil {
			return nil, lineErr(n, err.Error())
		}
		if len(tok) == 0 {
			continue
		}
		st, err := parseStep(tok[0], tok[1:])
		if err != nil {
			return nil, lineErr(n, err.Error())
		}
		st.Line = n
		steps = append(steps, st)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func lineErr(n int, msg string) error {
	return &errcode.E{C: errcode.InvalidParams, Op: "probe_parse", Msg: fmt.Sprintf("line %d: %s", n, msg)}
}

func parseStep(cmd string, args []string) (Step, error) {
	switch cmd {
	case "send", "sendln":
		if len(args) == 0 {
			return Step{}, fmt.Errorf("%s needs text", cmd)
		}
		s := strings.Join(args, " ")
		if cmd == "sendln" {
			s += "\n"
		}
		return Step{Op: OpSend, Data: []byte(s)}, nil

	case "sendhex":
		b, err := decodeHex(args)
		if err != nil {
			return Step{}, err
		}
		return Step{Op: OpSend, Data: b}, nil

	case "expect", "expecthex":
		if len(args) == 0 || len(args) > 2 {
			return Step{}, fmt.Errorf("%s <data> [timeout]", cmd)
		}
		st := Step{Op: OpExpect, Data: []byte(args[0])}
		if cmd == "expecthex" {
			b, err := decodeHex(args[:1])
			if err != nil {
				return Step{}, err
			}
			st.Data = b
		}
		if len(st.Data) == 0 {
			return Step{}, fmt.Errorf("%s: empty pattern", cmd)
		}
		if len(args) == 2 {
			d, err := time.ParseDuration(args[1])
			if err != nil || d <= 0 {
				return Step{}, fmt.Errorf("bad timeout %q", args[1])
			}
			st.Timeout = d
		}
		return st, nil

	case "sleep":
		if len(args) != 1 {
			return Step{}, fmt.Errorf("sleep <duration>")
		}
		d, err := time.ParseDuration(args[0])
		if err != nil || d < 0 {
			return Step{}, fmt.Errorf("bad duration %q", args[0])
		}
		return Step{Op: OpSleep, Timeout: d}, nil
	}
	return Step{}, fmt.Errorf("unknown command %q", cmd)
}

// decodeHex accepts "48 65 6c" as well as "48656c".
func decodeHex(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no hex bytes")
	}
	b, err := hex.DecodeString(strings.Join(args, ""))
	if err != nil {
		return nil, fmt.Errorf("hex: %v", err)
	}
	return b, nil
}
