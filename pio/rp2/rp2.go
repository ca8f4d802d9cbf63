//go:build rp2040

// Package rp2 binds the pio substrate to the two PIO blocks of the RP2040.
package rp2

import (
	"device/rp"
	"machine"
	"runtime"
	"runtime/volatile"
	"unsafe"

	"piouart-go/pio"
)

var (
	PIO0 = newBlock(rp.PIO0, 0)
	PIO1 = newBlock(rp.PIO1, 1)
)

// NewPool returns an allocator over both PIO blocks clocked from the system
// clock.
func NewPool() *pio.Pool {
	return pio.NewPool(machine.CPUFrequency(), PIO0, PIO1)
}

type Block struct {
	hw    *rp.PIO0_Type
	idx   uint8
	slots [4]*Slot
}

func newBlock(hw *rp.PIO0_Type, idx uint8) *Block {
	b := &Block{hw: hw, idx: idx}
	for i := range b.slots {
		b.slots[i] = &Slot{blk: b, index: uint8(i), join: pio.FifoJoinNone}
	}
	return b
}

func (b *Block) NumSlots() int       { return len(b.slots) }
func (b *Block) Slot(i int) pio.Slot { return b.slots[i] }

func (b *Block) WriteInstr(addr uint8, instr uint16) {
	// INSTR_MEMn are consecutive 32-bit registers, low half used.
	start := unsafe.Pointer(&b.hw.INSTR_MEM0)
	reg := (*volatile.Register32)(unsafe.Pointer(uintptr(start) + uintptr(addr%pio.InstrMemWords)*4))
	reg.Set(uint32(instr))
}

func (b *Block) pinMode() machine.PinMode {
	if b.idx == 1 {
		return machine.PinPIO1
	}
	return machine.PinPIO0
}

// Slot is one of the four state machines of a block.
type Slot struct {
	blk   *Block
	index uint8
	join  pio.FifoJoin
}

type smHW struct {
	CLKDIV    volatile.Register32
	EXECCTRL  volatile.Register32
	SHIFTCTRL volatile.Register32
	ADDR      volatile.Register32
	INSTR     volatile.Register32
	PINCTRL   volatile.Register32
}

func (s *Slot) regs() *smHW {
	const size = unsafe.Sizeof(smHW{})
	base := unsafe.Pointer(&s.blk.hw.SM0_CLKDIV)
	return (*smHW)(unsafe.Pointer(uintptr(base) + uintptr(s.index)*size))
}

func bit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Configure halts the slot, routes the pin to the block and programs the
// wrap, shift, pin and FIFO settings. The program counter is left at
// cfg.Offset.
func (s *Slot) Configure(cfg pio.SlotConfig) {
	s.SetEnabled(false)
	hw := s.regs()
	pin := uint32(cfg.Pin)

	exec := uint32(cfg.WrapTarget)<<rp.PIO0_SM0_EXECCTRL_WRAP_BOTTOM_Pos |
		uint32(cfg.Wrap)<<rp.PIO0_SM0_EXECCTRL_WRAP_TOP_Pos |
		pin<<rp.PIO0_SM0_EXECCTRL_JMP_PIN_Pos
	var pinctrl uint32
	if cfg.Output {
		pinctrl = pin<<rp.PIO0_SM0_PINCTRL_OUT_BASE_Pos |
			1<<rp.PIO0_SM0_PINCTRL_OUT_COUNT_Pos |
			pin<<rp.PIO0_SM0_PINCTRL_SET_BASE_Pos |
			1<<rp.PIO0_SM0_PINCTRL_SET_COUNT_Pos
		if cfg.SideSet {
			// One side-set bit plus the enable bit.
			pinctrl |= pin<<rp.PIO0_SM0_PINCTRL_SIDESET_BASE_Pos |
				2<<rp.PIO0_SM0_PINCTRL_SIDESET_COUNT_Pos
			exec |= 1 << rp.PIO0_SM0_EXECCTRL_SIDE_EN_Pos
		}
	} else {
		pinctrl = pin << rp.PIO0_SM0_PINCTRL_IN_BASE_Pos
	}
	shift := bit(cfg.ShiftRight)<<rp.PIO0_SM0_SHIFTCTRL_OUT_SHIFTDIR_Pos |
		bit(cfg.ShiftRight)<<rp.PIO0_SM0_SHIFTCTRL_IN_SHIFTDIR_Pos |
		uint32(cfg.Join)<<rp.PIO0_SM0_SHIFTCTRL_FJOIN_TX_Pos

	hw.CLKDIV.Set(1 << rp.PIO0_SM0_CLKDIV_INT_Pos)
	hw.EXECCTRL.Set(exec)
	hw.SHIFTCTRL.Set(shift)
	hw.PINCTRL.Set(pinctrl)
	s.join = cfg.Join

	mp := machine.Pin(cfg.Pin)
	mp.Configure(machine.PinConfig{Mode: s.blk.pinMode()})
	if cfg.Output {
		// Idle high before the first frame, then claim the pin as output.
		s.Exec(pio.EncodeSet(pio.SrcDestPins, 1))
		s.Exec(pio.EncodeSet(pio.SrcDestPinDirs, 1))
	} else {
		// SET routing is unused by the receiver; borrow it for the direction.
		hw.PINCTRL.Set(pinctrl | pin<<rp.PIO0_SM0_PINCTRL_SET_BASE_Pos | 1<<rp.PIO0_SM0_PINCTRL_SET_COUNT_Pos)
		s.Exec(pio.EncodeSet(pio.SrcDestPinDirs, 0))
		hw.PINCTRL.Set(pinctrl)
	}

	s.ClearFIFOs()
	fdebug := uint32(1<<rp.PIO0_FDEBUG_TXOVER_Pos |
		1<<rp.PIO0_FDEBUG_RXUNDER_Pos |
		1<<rp.PIO0_FDEBUG_TXSTALL_Pos |
		1<<rp.PIO0_FDEBUG_RXSTALL_Pos)
	s.blk.hw.FDEBUG.Set(fdebug << s.index)
	s.blk.hw.CTRL.SetBits(1 << (rp.PIO0_CTRL_SM_RESTART_Pos + s.index))
	s.blk.hw.CTRL.SetBits(1 << (rp.PIO0_CTRL_CLKDIV_RESTART_Pos + s.index))
	s.Exec(pio.EncodeJmp(uint16(cfg.Offset)))
}

func (s *Slot) SetClockDivider(div float32) {
	whole, frac := pio.SplitDivider(div)
	s.regs().CLKDIV.Set(uint32(frac)<<rp.PIO0_SM0_CLKDIV_FRAC_Pos | uint32(whole)<<rp.PIO0_SM0_CLKDIV_INT_Pos)
}

func (s *Slot) SetEnabled(on bool) {
	s.blk.hw.CTRL.ReplaceBits(bit(on), 0x1, s.index)
}

func (s *Slot) ClearFIFOs() {
	// Toggling a join bit flushes both FIFOs; twice restores it.
	sc := &s.regs().SHIFTCTRL
	x := (*volatile.Register32)(unsafe.Pointer(uintptr(unsafe.Pointer(sc)) | 0x1000))
	x.Set(rp.PIO0_SM0_SHIFTCTRL_FJOIN_RX)
	x.Set(rp.PIO0_SM0_SHIFTCTRL_FJOIN_RX)
}

func (s *Slot) Exec(instr uint16) { s.regs().INSTR.Set(uint32(instr)) }

func (s *Slot) txReg() *volatile.Register32 {
	start := unsafe.Pointer(&s.blk.hw.TXF0)
	return (*volatile.Register32)(unsafe.Pointer(uintptr(start) + uintptr(s.index)*4))
}

func (s *Slot) rxReg() *volatile.Register32 {
	start := unsafe.Pointer(&s.blk.hw.RXF0)
	return (*volatile.Register32)(unsafe.Pointer(uintptr(start) + uintptr(s.index)*4))
}

func (s *Slot) fstat(pos uint32) bool {
	return s.blk.hw.FSTAT.Get()&(1<<(pos+uint32(s.index))) != 0
}

func (s *Slot) TryPut(word uint32) bool {
	if s.fstat(rp.PIO0_FSTAT_TXFULL_Pos) {
		return false
	}
	s.txReg().Set(word)
	return true
}

func (s *Slot) Put(word uint32) {
	for !s.TryPut(word) {
		runtime.Gosched()
	}
}

func (s *Slot) TryGet() (uint32, bool) {
	if s.fstat(rp.PIO0_FSTAT_RXEMPTY_Pos) {
		return 0, false
	}
	return s.rxReg().Get(), true
}

func (s *Slot) Get() uint32 {
	for {
		if w, ok := s.TryGet(); ok {
			return w
		}
		runtime.Gosched()
	}
}

func (s *Slot) TxLevel() int {
	const mask = rp.PIO0_FLEVEL_TX0_Msk >> rp.PIO0_FLEVEL_TX0_Pos
	off := rp.PIO0_FLEVEL_TX0_Pos + uint32(s.index)*(rp.PIO0_FLEVEL_TX1_Pos-rp.PIO0_FLEVEL_TX0_Pos)
	return int((s.blk.hw.FLEVEL.Get() >> off) & mask)
}

func (s *Slot) RxLevel() int {
	const mask = rp.PIO0_FLEVEL_RX0_Msk >> rp.PIO0_FLEVEL_RX0_Pos
	off := rp.PIO0_FLEVEL_RX0_Pos + uint32(s.index)*(rp.PIO0_FLEVEL_RX1_Pos-rp.PIO0_FLEVEL_RX0_Pos)
	return int((s.blk.hw.FLEVEL.Get() >> off) & mask)
}

func (s *Slot) TxEmpty() bool { return s.fstat(rp.PIO0_FSTAT_TXEMPTY_Pos) }
func (s *Slot) RxEmpty() bool { return s.fstat(rp.PIO0_FSTAT_RXEMPTY_Pos) }

func (s *Slot) TxDepth() int {
	switch s.join {
	case pio.FifoJoinTx:
		return 8
	case pio.FifoJoinRx:
		return 0
	}
	return 4
}
