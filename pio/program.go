package pio

// Program is an image for the shared instruction memory of one block.
// Jump targets are relative to the start of the program and are relocated
// when the program is loaded.
type Program struct {
	Name         string
	Instructions []uint16
	Origin       int8 // -1 when relocatable
	WrapTarget   uint8
	Wrap         uint8
	SideSetBits  uint8
	SideSetOpt   bool
}

// Len returns the program length in instruction words.
func (p *Program) Len() int { return len(p.Instructions) }

// Specialise returns a copy of p with its first instruction replaced by
// first. The template is not modified.
func (p *Program) Specialise(first uint16) *Program {
	q := *p
	q.Instructions = make([]uint16, len(p.Instructions))
	copy(q.Instructions, p.Instructions)
	q.Instructions[0] = first
	return &q
}

// LoopCount reads back the immediate loaded into X by instruction 0.
func (p *Program) LoopCount() (uint8, bool) {
	if len(p.Instructions) == 0 {
		return 0, false
	}
	dest, v, ok := DecodeSet(p.Instructions[0])
	if !ok || dest != SrcDestX {
		return 0, false
	}
	return v, true
}

// Serial transmitter. The data word carries start, data, parity and stop
// bits LSB first; X counts bits; ISR holds the per-bit delay seeded at
// start-up, so no instruction is spent on it. The loop runs X+1 times, so
// one bit past the frame is shifted out; the encoder keeps it high, which
// gives the receiver an idle gap before the next start bit. Each bit costs
// ISR+4 cycles.
//
//	0: set x, <bits>        ; rewritten per frame width
//	1: pull block side 1    ; line idles high between frames
//	2: out pins, 1          ; bitloop
//	3: mov y, isr
//	4: jmp y--, 4           ; bit delay
//	5: jmp x--, 2
var UARTTx = Program{
	Name: "uart_tx",
	Instructions: []uint16{
		EncodeSet(SrcDestX, 10),
		EncodeSideSet(EncodePull(false, true), 1, true, 1),
		EncodeOut(SrcDestPins, 1),
		EncodeMov(SrcDestY, SrcDestISR),
		EncodeJmpCond(JmpYNZeroDec, 4),
		EncodeJmpCond(JmpXNZeroDec, 2),
	},
	Origin:      -1,
	WrapTarget:  0,
	Wrap:        5,
	SideSetBits: 1,
	SideSetOpt:  true,
}

// Serial receiver sampling twice per bit. OSR holds the half-bit delay
// seeded at start-up; one sample costs OSR+4 cycles. The loop runs X+1
// times: sample 0 lands inside the start bit and the next N follow it, so
// after a push the frame's N samples sit at bits 32-N..31 with the start
// sample just below them.
//
//	0: set x, <samples>     ; rewritten per frame width
//	1: wait 0 pin 0         ; start bit
//	2: mov y, osr           ; bitloop
//	3: jmp y--, 3           ; half-bit delay
//	4: in pins, 1
//	5: jmp x--, 2
//	6: push noblock
var UARTRx = Program{
	Name: "uart_rx",
	Instructions: []uint16{
		EncodeSet(SrcDestX, 20),
		EncodeWait(false, WaitPin, 0),
		EncodeMov(SrcDestY, SrcDestOSR),
		EncodeJmpCond(JmpYNZeroDec, 3),
		EncodeIn(SrcDestPins, 1),
		EncodeJmpCond(JmpXNZeroDec, 2),
		EncodePush(false, false),
	},
	Origin:     -1,
	WrapTarget: 0,
	Wrap:       6,
}

// MaxLoopWidth is the widest frame a 5-bit set immediate can hold.
const MaxLoopWidth = 31

// SpecialiseWidth returns template specialised for frames of width bits
// by loading width into X.
func SpecialiseWidth(template *Program, width uint8) *Program {
	return template.Specialise(EncodeSet(SrcDestX, uint16(width)))
}

// Width reads back the frame width of a program built by SpecialiseWidth.
func (p *Program) Width() uint8 {
	n, ok := p.LoopCount()
	if !ok {
		return 0
	}
	return n
}
