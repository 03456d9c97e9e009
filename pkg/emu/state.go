// Package emu implements the capturing emulator: a partial evaluator that
// steps decoded IR under an abstract machine state where every register and
// stack byte is either Known (a concrete value) or Unknown (symbolic).
// Instructions whose result is fully Known are folded away; everything else
// is appended to the residual IR for the emitter.
package emu

import (
	"unsafe"

	"github.com/oisee/dbrew-go/pkg/reg"
)

// Tag is the Known/Unknown discriminant carried by every register slot and
// stack byte.
type Tag uint8

const (
	Unknown Tag = iota
	Known
)

// Slot is one register's abstract value: a tag plus, when Known, the
// concrete 64-bit value (narrower widths use the low bits).
type Slot struct {
	Tag   Tag
	Value uint64
}

// State is the emulator's abstract machine state (EmuState in the design
// spec): one Slot per register, a private stack with per-byte Known/Unknown
// tags, and a Known/Unknown flags register.
type State struct {
	Reg [reg.Max]Slot

	Flags FlagState

	// AllowHostMemory gates readOperand's fallback to a real host dereference
	// for a Known indirect address outside the private stack. Real callers
	// (rewrite.Specialize) want this on, since an ABI pointer argument seeded
	// Known genuinely does point at addressable memory; callers that seed
	// synthetic, non-pointer test vectors (pkg/verify) must turn it off, or a
	// Known "address" built from an arbitrary vector value will crash the
	// process instead of just failing to fold.
	AllowHostMemory bool

	stack     []byte
	stackTag  []Tag
	stackBase uint64
}

// DefaultStackSize is the private stack's byte capacity, large enough to
// capture through the modest stack frames a rewriting target typically
// uses for local spills.
const DefaultStackSize = 4096

// NewState allocates a fresh EmuState with an all-Unknown register file, an
// all-Unknown stack of stackSize bytes, and SP pointing Known at the top of
// that stack, per §4.4 of the design spec.
func NewState(stackSize int) *State {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	s := &State{
		stack:           make([]byte, stackSize),
		stackTag:        make([]Tag, stackSize),
		AllowHostMemory: true,
	}
	if stackSize > 0 {
		s.stackBase = uint64(uintptr(unsafe.Pointer(&s.stack[0])))
	}
	for r := reg.None; r < reg.Max; r++ {
		s.Reg[r] = Slot{Tag: Unknown}
	}
	s.Reg[reg.SP] = Slot{Tag: Known, Value: s.stackBase + uint64(stackSize)}
	s.Flags = FlagState{Tag: Unknown}
	return s
}

// SeedKnown marks register r Known with value v (truncated to w).
func (s *State) SeedKnown(r reg.Reg, w reg.Width, v uint64) {
	s.Reg[r] = Slot{Tag: Known, Value: w.Truncate(v)}
}

// SeedUnknown marks register r Unknown.
func (s *State) SeedUnknown(r reg.Reg) {
	s.Reg[r] = Slot{Tag: Unknown}
}

// StackBase returns the host address of the private stack's first byte.
func (s *State) StackBase() uint64 { return s.stackBase }

// StackCap returns the private stack's byte capacity.
func (s *State) StackCap() int { return len(s.stack) }

// inStack reports whether addr..addr+size lies entirely within the private
// stack, and if so its byte offset.
func (s *State) inStack(addr uint64, size int) (offset int, ok bool) {
	if addr < s.stackBase {
		return 0, false
	}
	off := addr - s.stackBase
	if off+uint64(size) > uint64(len(s.stack)) {
		return 0, false
	}
	return int(off), true
}

// readStack loads size bytes at addr as a little-endian value plus whether
// every one of those bytes is Known.
func (s *State) readStack(addr uint64, size int) (value uint64, known bool, inRange bool) {
	off, ok := s.inStack(addr, size)
	if !ok {
		return 0, false, false
	}
	known = true
	for i := 0; i < size; i++ {
		if s.stackTag[off+i] != Known {
			known = false
		}
		value |= uint64(s.stack[off+i]) << (8 * i)
	}
	return value, known, true
}

// writeStack stores size bytes of value at addr, little-endian, tagging
// every byte Known or Unknown uniformly.
func (s *State) writeStack(addr uint64, size int, value uint64, known bool) (inRange bool) {
	off, ok := s.inStack(addr, size)
	if !ok {
		return false
	}
	tag := Unknown
	if known {
		tag = Known
	}
	for i := 0; i < size; i++ {
		s.stack[off+i] = byte(value >> (8 * i))
		s.stackTag[off+i] = tag
	}
	return true
}
