// Package pio describes the programmable state-machine substrate the soft
// serial ports run on: blocks of shared instruction memory, each hosting a
// few independently clocked slots with their own input and output FIFOs.
//
// Hardware bindings live in sub-packages (rp2 for the RP2040, sim for a
// host simulation). The Pool here tracks program memory and slot
// ownership independently of either.
package pio

// Pin is a GPIO number. NoPin marks an unassigned direction.
type Pin int8

const (
	NoPin  Pin = -1
	MinPin Pin = 0
	MaxPin Pin = 29
)

// Valid reports whether p names a usable GPIO.
func (p Pin) Valid() bool { return p >= MinPin && p <= MaxPin }

// FifoJoin selects how a slot's two 4-word FIFOs are arranged.
type FifoJoin uint8

const (
	// FifoJoinNone keeps separate 4-deep RX and TX FIFOs.
	FifoJoinNone FifoJoin = iota
	// FifoJoinTx gives a single 8-deep TX FIFO.
	FifoJoinTx
	// FifoJoinRx gives a single 8-deep RX FIFO.
	FifoJoinRx
)

// SlotConfig is the static configuration applied to a slot before it is
// enabled.
type SlotConfig struct {
	Pin        Pin
	Output     bool // drive Pin (tx) rather than sample it (rx)
	Offset     uint8
	WrapTarget uint8 // absolute
	Wrap       uint8 // absolute
	SideSet    bool  // Pin is also the side-set base
	ShiftRight bool
	Join       FifoJoin
}

// Slot is one state machine. Implementations must be safe for use by one
// owner goroutine at a time; the Pool guarantees exclusive ownership.
type Slot interface {
	Configure(cfg SlotConfig)
	SetClockDivider(div float32)
	SetEnabled(on bool)
	ClearFIFOs()
	// Exec runs one instruction immediately, outside the program.
	Exec(instr uint16)

	// Put blocks until the output FIFO has space.
	Put(word uint32)
	TryPut(word uint32) bool
	// Get blocks until the input FIFO has data.
	Get() uint32
	TryGet() (uint32, bool)

	TxLevel() int
	RxLevel() int
	TxEmpty() bool
	RxEmpty() bool
	TxDepth() int
}

// Block is one substrate instance: an instruction memory of 32 words shared
// by its slots.
type Block interface {
	NumSlots() int
	Slot(i int) Slot
	WriteInstr(addr uint8, instr uint16)
}

// InstrMemWords is the size of each block's instruction memory.
const InstrMemWords = 32
