package pio

// Instruction encoding for the 16-bit state-machine instruction set.
//
//	15..13 opcode | 12..8 delay/side-set | 7..0 arguments
const (
	INSTR_BITS_JMP  uint16 = 0x0000
	INSTR_BITS_WAIT uint16 = 0x2000
	INSTR_BITS_IN   uint16 = 0x4000
	INSTR_BITS_OUT  uint16 = 0x6000
	INSTR_BITS_PUSH uint16 = 0x8000
	INSTR_BITS_PULL uint16 = 0x8080
	INSTR_BITS_MOV  uint16 = 0xa000
	INSTR_BITS_IRQ  uint16 = 0xc000
	INSTR_BITS_SET  uint16 = 0xe000

	INSTR_BITS_Msk uint16 = 0xe000
)

// SrcDest selects an operand of in/out/mov/set. Not every value is valid
// for every instruction.
type SrcDest uint8

const (
	SrcDestPins    SrcDest = 0
	SrcDestX       SrcDest = 1
	SrcDestY       SrcDest = 2
	SrcDestNull    SrcDest = 3
	SrcDestPinDirs SrcDest = 4
	SrcDestExecMov SrcDest = 4 // mov destination only
	SrcDestStatus  SrcDest = 5 // mov source only
	SrcDestPC      SrcDest = 5
	SrcDestISR     SrcDest = 6
	SrcDestOSR     SrcDest = 7
	SrcDestExecOut SrcDest = 7 // out destination only
)

// JmpCond is the condition field of a jmp.
type JmpCond uint8

const (
	JmpAlways JmpCond = iota
	JmpXZero
	JmpXNZeroDec
	JmpYZero
	JmpYNZeroDec
	JmpXNotEqualY
	JmpPin
	JmpOSRNotEmpty
)

// WaitSrc is the source field of a wait.
type WaitSrc uint8

const (
	WaitGPIO WaitSrc = iota
	WaitPin
	WaitIRQ
)

func majorInstr(bits uint16, arg1 uint8, arg2 uint8) uint16 {
	return bits | uint16(arg1&7)<<5 | uint16(arg2&0x1f)
}

func EncodeJmp(addr uint16) uint16 { return EncodeJmpCond(JmpAlways, uint8(addr)) }

func EncodeJmpCond(cond JmpCond, addr uint8) uint16 {
	return majorInstr(INSTR_BITS_JMP, uint8(cond), addr)
}

func EncodeWait(polarity bool, src WaitSrc, index uint8) uint16 {
	w := majorInstr(INSTR_BITS_WAIT, uint8(src), index)
	if polarity {
		w |= 1 << 7
	}
	return w
}

// EncodeIn shifts count bits (1..32) from src into the ISR.
func EncodeIn(src SrcDest, count uint8) uint16 {
	return majorInstr(INSTR_BITS_IN, uint8(src), count&0x1f)
}

// EncodeOut shifts count bits (1..32) from the OSR to dest.
func EncodeOut(dest SrcDest, count uint8) uint16 {
	return majorInstr(INSTR_BITS_OUT, uint8(dest), count&0x1f)
}

func EncodePush(ifFull, block bool) uint16 {
	return INSTR_BITS_PUSH | bit16(ifFull)<<6 | bit16(block)<<5
}

func EncodePull(ifEmpty, block bool) uint16 {
	return INSTR_BITS_PULL | bit16(ifEmpty)<<6 | bit16(block)<<5
}

func EncodeMov(dest, src SrcDest) uint16 {
	return majorInstr(INSTR_BITS_MOV, uint8(dest), uint8(src)&7)
}

func EncodeSet(dest SrcDest, value uint16) uint16 {
	return majorInstr(INSTR_BITS_SET, uint8(dest), uint8(value))
}

// EncodeSideSet ORs a side-set value into instr for a program declaring
// bitCount side-set bits, with an enable bit when optional.
func EncodeSideSet(instr uint16, bitCount uint8, optional bool, value uint8) uint16 {
	n := bitCount
	if optional {
		n++
		value |= 1 << bitCount
	}
	return instr | uint16(value)<<(13-n)
}

// EncodeDelay ORs a delay into instr. The delay field shrinks by the
// number of bits spent on side-set.
func EncodeDelay(instr uint16, cycles uint8) uint16 {
	return instr | uint16(cycles&0x1f)<<8
}

// DecodeSet splits a set instruction into its destination and immediate.
func DecodeSet(instr uint16) (dest SrcDest, value uint8, ok bool) {
	if instr&INSTR_BITS_Msk != INSTR_BITS_SET {
		return 0, 0, false
	}
	return SrcDest(instr>>5) & 7, uint8(instr & 0x1f), true
}

// IsJmp reports whether instr is a jmp (whose address needs relocation).
func IsJmp(instr uint16) bool { return instr&INSTR_BITS_Msk == INSTR_BITS_JMP }

func bit16(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
