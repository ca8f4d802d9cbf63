package pio

import (
	"sync"

	"piouart-go/errcode"
)

// Handle is an exclusively claimed slot running a loaded program.
type Handle struct {
	Slot   Slot
	Block  int
	Index  int
	Offset uint8

	prog *Program
}

// Program returns the program the slot was claimed for.
func (h *Handle) Program() *Program { return h.prog }

type loaded struct {
	offset uint8
	refs   int
}

type blockState struct {
	hw      Block
	used    uint32 // instruction memory in use
	claimed uint32 // slot mask
	progs   map[*Program]*loaded
}

// Pool hands out slots and instruction memory across blocks. Programs are
// identified by pointer: one *Program is loaded at most once per block and
// shared by every slot in that block that runs it.
type Pool struct {
	mu     sync.Mutex
	sysHz  uint32
	blocks []*blockState
}

func NewPool(sysHz uint32, blocks ...Block) *Pool {
	p := &Pool{sysHz: sysHz}
	for _, b := range blocks {
		p.blocks = append(p.blocks, &blockState{hw: b, progs: make(map[*Program]*loaded)})
	}
	return p
}

// SysClockHz is the clock the slots run from at divider 1.0.
func (p *Pool) SysClockHz() uint32 { return p.sysHz }

// Claim allocates a slot running prog, loading prog into a block if it is
// not already resident there. Blocks already holding prog are preferred.
func (p *Pool) Claim(prog *Program) (*Handle, error) {
	if prog == nil || prog.Len() == 0 || prog.Len() > InstrMemWords {
		return nil, errcode.InvalidParams
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for bi, b := range p.blocks {
		if lp, ok := b.progs[prog]; ok {
			if si := b.freeSlot(); si >= 0 {
				lp.refs++
				return b.claim(bi, si, lp.offset, prog), nil
			}
		}
	}

	noSpace := false
	for bi, b := range p.blocks {
		si := b.freeSlot()
		if si < 0 {
			continue
		}
		off := b.findOffset(prog)
		if off < 0 {
			noSpace = true
			continue
		}
		b.load(prog, uint8(off))
		b.progs[prog] = &loaded{offset: uint8(off), refs: 1}
		return b.claim(bi, si, uint8(off), prog), nil
	}
	if noSpace {
		return nil, errcode.Wrap(errcode.ResourceExhausted, "claim", errcode.OutOfProgramSpace)
	}
	return nil, errcode.ResourceExhausted
}

// Release stops the slot, empties its FIFOs and returns it to the pool.
// The program's memory is freed once its last slot in the block goes.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.Block < 0 || h.Block >= len(p.blocks) {
		return
	}
	b := p.blocks[h.Block]
	bit := uint32(1) << uint(h.Index)
	if b.claimed&bit == 0 {
		return
	}
	h.Slot.SetEnabled(false)
	h.Slot.ClearFIFOs()
	b.claimed &^= bit

	if lp, ok := b.progs[h.prog]; ok {
		lp.refs--
		if lp.refs <= 0 {
			b.used &^= programMask(h.prog.Len()) << lp.offset
			delete(b.progs, h.prog)
		}
	}
}

// FreeSlots counts unclaimed slots across all blocks.
func (p *Pool) FreeSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.blocks {
		for i := 0; i < b.hw.NumSlots(); i++ {
			if b.claimed&(1<<uint(i)) == 0 {
				n++
			}
		}
	}
	return n
}

// FreeWords counts unused instruction words across all blocks.
func (p *Pool) FreeWords() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.blocks {
		for i := 0; i < InstrMemWords; i++ {
			if b.used&(1<<uint(i)) == 0 {
				n++
			}
		}
	}
	return n
}

func (b *blockState) freeSlot() int {
	for i := 0; i < b.hw.NumSlots(); i++ {
		if b.claimed&(1<<uint(i)) == 0 {
			return i
		}
	}
	return -1
}

func (b *blockState) claim(bi, si int, off uint8, prog *Program) *Handle {
	b.claimed |= 1 << uint(si)
	return &Handle{Slot: b.hw.Slot(si), Block: bi, Index: si, Offset: off, prog: prog}
}

func programMask(n int) uint32 {
	if n >= 32 {
		return 0xffffffff
	}
	return (uint32(1) << uint(n)) - 1
}

// findOffset works down from the top of memory, as fixed-origin programs
// usually sit at the bottom.
func (b *blockState) findOffset(prog *Program) int {
	n := prog.Len()
	mask := programMask(n)
	if prog.Origin >= 0 {
		if int(prog.Origin) > InstrMemWords-n || b.used&(mask<<uint(prog.Origin)) != 0 {
			return -1
		}
		return int(prog.Origin)
	}
	for i := InstrMemWords - n; i >= 0; i-- {
		if b.used&(mask<<uint(i)) == 0 {
			return i
		}
	}
	return -1
}

func (b *blockState) load(prog *Program, off uint8) {
	for i, instr := range prog.Instructions {
		if IsJmp(instr) {
			instr += uint16(off)
		}
		b.hw.WriteInstr(off+uint8(i), instr)
	}
	b.used |= programMask(prog.Len()) << off
}
