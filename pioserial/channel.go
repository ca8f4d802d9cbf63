package pioserial

import (
	"piouart-go/errcode"
	"piouart-go/pio"
)

// channel is one bound direction: a pin, the slot running the cached
// program for the frame width, and the delay count seeded into it.
type channel struct {
	dir    Direction
	pin    pio.Pin
	width  uint8
	cycles uint32
	h      *pio.Handle
}

func (ch *channel) slot() pio.Slot { return ch.h.Slot }

// activate claims a slot for dir and brings it up on pin. Nothing is
// enabled until every register is staged.
func activate(pool *pio.Pool, cache *ProgramCache, dir Direction, pin pio.Pin, width uint8, baud uint32) (*channel, error) {
	if !pin.Valid() {
		return nil, &errcode.E{C: errcode.ConfigRejected, Op: "activate_" + dir.String(), Err: errcode.UnknownPin}
	}
	prog, err := cache.GetOrCreate(dir, width)
	if err != nil {
		return nil, err
	}
	h, err := pool.Claim(prog)
	if err != nil {
		return nil, errcode.Wrap(errcode.ResourceExhausted, "activate_"+dir.String(), err)
	}

	out := dir == DirTx
	cfg := pio.SlotConfig{
		Pin:        pin,
		Output:     out,
		Offset:     h.Offset,
		WrapTarget: h.Offset + prog.WrapTarget,
		Wrap:       h.Offset + prog.Wrap,
		SideSet:    out,
		ShiftRight: true,
		Join:       pio.FifoJoinNone,
	}
	oversample := uint32(pio.RxOversample)
	if out {
		cfg.Join = pio.FifoJoinTx
		oversample = pio.TxOversample
	}

	sl := h.Slot
	sl.Configure(cfg)
	sl.ClearFIFOs()

	// The delay count reaches its register through the FIFO: pushed, then
	// pulled into OSR by an injected instruction. The receiver keeps it in
	// OSR; the transmitter needs OSR for data and copies it to ISR.
	cycles := pio.BitCycles(pool.SysClockHz(), baud, oversample)
	sl.Put(cycles)
	sl.Exec(pio.EncodePull(false, false))
	if out {
		sl.Exec(pio.EncodeMov(pio.SrcDestISR, pio.SrcDestOSR))
	}
	sl.SetClockDivider(1)
	sl.SetEnabled(true)

	return &channel{dir: dir, pin: pin, width: width, cycles: cycles, h: h}, nil
}

// deactivate stops the slot and hands it and its program memory back.
func (ch *channel) deactivate(pool *pio.Pool) {
	if ch == nil {
		return
	}
	pool.Release(ch.h)
}
