package pioserial

import (
	"sync"

	"piouart-go/errcode"
	"piouart-go/pio"
)

// Direction is the side of a port a channel serves.
type Direction uint8

const (
	DirTx Direction = iota
	DirRx
)

func (d Direction) String() string {
	if d == DirRx {
		return "rx"
	}
	return "tx"
}

func (d Direction) template() *pio.Program {
	if d == DirRx {
		return &pio.UARTRx
	}
	return &pio.UARTTx
}

type cacheKey struct {
	dir   Direction
	width uint8
}

// ProgramCache holds one specialised program per (direction, frame width).
// Entries are never evicted. Share one cache between all ports on the same
// Pool so that equal widths load once.
type ProgramCache struct {
	mu      sync.Mutex
	progs   map[cacheKey]*pio.Program
	created int
}

func NewProgramCache() *ProgramCache {
	return &ProgramCache{progs: make(map[cacheKey]*pio.Program)}
}

// GetOrCreate returns the cached program for dir and width, specialising
// the direction's template on first use.
func (c *ProgramCache) GetOrCreate(dir Direction, width uint8) (*pio.Program, error) {
	if width == 0 || width > pio.MaxLoopWidth {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "program_cache", Msg: "width"}
	}
	k := cacheKey{dir: dir, width: width}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[k]; ok {
		return p, nil
	}
	p := pio.SpecialiseWidth(dir.template(), width)
	c.progs[k] = p
	c.created++
	return p, nil
}

// Created counts programs specialised so far.
func (c *ProgramCache) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

// Len is the number of cached programs.
func (c *ProgramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.progs)
}
