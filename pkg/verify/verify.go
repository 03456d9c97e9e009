// Package verify sanity-checks a specialization by running both the
// original and residual instruction streams against a fixed battery of
// concrete register states, the same "cheap, not exhaustive" technique
// the teacher's search package used to reject non-equivalent candidates
// before ever reaching an expensive exhaustive check.
package verify

import (
	"github.com/oisee/dbrew-go/pkg/code"
	"github.com/oisee/dbrew-go/pkg/emu"
	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

// sweepRegs are the GPRs QuickCheck assigns a vector value to; the rest
// (SP/BP/IP and the r8-r15 bank) stay at NewState's defaults, mirroring
// the scope of the teacher's TestVectors, which swept the registers a Z80
// instruction sequence could plausibly read.
var sweepRegs = []reg.Reg{reg.AX, reg.CX, reg.DX, reg.BX, reg.SI, reg.DI}

// Vectors are fixed GPR snapshots used to reject 99.99% of non-equivalent
// sequences cheaply, the same role the teacher's cpu.State battery played.
var Vectors = [][6]uint64{
	{0x0000000000000000, 0x0000000000000000, 0x0000000000000000, 0x0000000000000000, 0x0000000000000000, 0x0000000000000000},
	{0xFFFFFFFFFFFFFFFF, 0xFFFFFFFFFFFFFFFF, 0xFFFFFFFFFFFFFFFF, 0xFFFFFFFFFFFFFFFF, 0xFFFFFFFFFFFFFFFF, 0xFFFFFFFFFFFFFFFF},
	{0x0000000000000001, 0x0000000000000002, 0x0000000000000003, 0x0000000000000004, 0x0000000000000005, 0x0000000000000006},
	{0x8000000000000000, 0x4000000000000000, 0x2000000000000000, 0x1000000000000000, 0x0800000000000000, 0x0400000000000000},
	{0x5555555555555555, 0xAAAAAAAAAAAAAAAA, 0x5555555555555555, 0xAAAAAAAAAAAAAAAA, 0x5555555555555555, 0xAAAAAAAAAAAAAAAA},
	{0x7FFFFFFFFFFFFFFF, 0x7FFFFFFFFFFFFFFF, 0x7FFFFFFFFFFFFFFF, 0x7FFFFFFFFFFFFFFF, 0x7FFFFFFFFFFFFFFF, 0x7FFFFFFFFFFFFFFF},
	{0x000000000000002A, 0x00000000DEADBEEF, 0x0000000000001000, 0x0000000000000008, 0x0000000000000000, 0x00000000FFFFFFFF},
	{0x0102030405060708, 0x1112131415161718, 0x2122232425262728, 0x3132333435363738, 0x4142434445464748, 0x5152535455565758},
}

// execSeq runs seq against a freshly seeded state and returns the
// resulting AX slot. An error mid-sequence (an unsupported/invalid
// opcode) is treated as a hard verification failure by the caller.
func execSeq(vec [6]uint64, args [5]uint64, knownArgs []bool, seq []ir.Instruction) (emu.Slot, error) {
	s := emu.NewState(emu.DefaultStackSize)
	// Sweep vectors are arbitrary bit patterns, not real pointers: a Known
	// "address" derived from one must never be dereferenced against host
	// memory, or a vector like 0x0102030405060708 segfaults the process.
	s.AllowHostMemory = false
	for i, r := range sweepRegs {
		s.SeedKnown(r, reg.W64, vec[i])
	}
	for i, abiReg := range reg.ABITable {
		if i < len(knownArgs) && knownArgs[i] {
			s.SeedKnown(abiReg, reg.W64, args[i])
		}
	}
	// +1: a RET that flushes a folded-Known AX value appends a synthesized
	// MOV ahead of itself, one more instruction than the input sequence had.
	residual := code.New(len(seq) + 1)
	for _, instr := range seq {
		if err := s.Step(instr, residual); err != nil {
			return emu.Slot{}, err
		}
	}
	return s.Reg[reg.AX], nil
}

// QuickCheck reports whether original and residual produce the same AX
// result across the fixed vector battery, honoring knownArgs[i] to pin
// ABITable[i] to a fixed value (mirroring the constant the specialization
// actually baked in) rather than sweeping it like a genuinely dynamic
// argument. It is a necessary, not sufficient, equivalence test — the
// same trade-off the teacher's own QuickCheck documents relative to its
// ExhaustiveCheck sibling.
func QuickCheck(original, residual []ir.Instruction, knownArgs []bool) bool {
	var args [5]uint64
	for i := range args {
		args[i] = uint64(i + 1)
	}
	for _, vec := range Vectors {
		origOut, err := execSeq(vec, args, knownArgs, original)
		if err != nil {
			return false
		}
		specOut, err := execSeq(vec, args, knownArgs, residual)
		if err != nil {
			return false
		}
		if !slotsEqual(origOut, specOut) {
			return false
		}
	}
	return true
}

// slotsEqual treats two Unknown slots as equal regardless of their
// (meaningless) Value, since Unknown only ever means "not modeled by this
// emulator run", not a specific runtime value.
func slotsEqual(a, b emu.Slot) bool {
	if a.Tag != b.Tag {
		return false
	}
	if a.Tag == emu.Unknown {
		return true
	}
	return a.Value == b.Value
}
