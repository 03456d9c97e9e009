package ir

import "github.com/oisee/dbrew-go/pkg/reg"

// PrefixSet is a bitmask of legacy (non-REX) prefix bytes accumulated by
// the decoder, needed verbatim by the emitter to reproduce passthrough
// instructions byte-for-byte.
type PrefixSet uint8

const (
	PrefixNone PrefixSet = 0
	Prefix66   PrefixSet = 1 << 0
	PrefixF2   PrefixSet = 1 << 1
	PrefixF3   PrefixSet = 1 << 2
	Prefix2E   PrefixSet = 1 << 3
)

// OperandEncoding names the ModR/M operand-encoding scheme of a passthrough
// instruction, needed by the emitter to know which operand is reg and
// which is r/m when re-encoding.
type OperandEncoding uint8

const (
	EncInvalid OperandEncoding = iota
	EncNone
	EncRM
	EncMR
	EncRMI
)

// StateChange annotates how a passthrough instruction affects capture
// state: whether its destination operand becomes dynamic (Unknown).
type StateChange uint8

const (
	ChangeNone StateChange = iota
	ChangeDstDynamic
)

// Passthrough carries everything the emitter needs to reproduce an
// unmodeled instruction byte-for-byte: original opcode bytes, the legacy
// prefix set, the operand-encoding scheme, and the capture state-change
// hint.
type Passthrough struct {
	Attached bool
	PSet     PrefixSet
	Enc      OperandEncoding
	Change   StateChange
	Opc      [4]byte
	OpcLen   int
}

// Instruction is one decoded/residual IR entry.
type Instruction struct {
	Addr  uint64
	Len   int
	Op    OpKind
	Form  OperandForm
	VType reg.Width

	Dst  Operand
	Src  Operand
	Src2 Operand

	PT Passthrough
}

// NewSimple builds a zero-operand instruction (e.g. RET, NOP, LEAVE).
func NewSimple(addr uint64, op OpKind) Instruction {
	return Instruction{Addr: addr, Op: op, Form: Form0}
}

// NewUnary builds a one-operand instruction (e.g. PUSH/POP reg).
func NewUnary(addr uint64, op OpKind, dst Operand) Instruction {
	return Instruction{Addr: addr, Op: op, Form: Form1, Dst: dst, VType: dst.Width}
}

// NewBinary builds a two-operand instruction: dst = dst `op` src.
func NewBinary(addr uint64, op OpKind, vt reg.Width, dst, src Operand) Instruction {
	return Instruction{Addr: addr, Op: op, Form: Form2, VType: vt, Dst: dst, Src: src}
}

// NewTernary builds a three-operand instruction: dst = src `op` src2.
func NewTernary(addr uint64, op OpKind, vt reg.Width, dst, src, src2 Operand) Instruction {
	return Instruction{Addr: addr, Op: op, Form: Form3, VType: vt, Dst: dst, Src: src, Src2: src2}
}

// AttachPassthrough sets the passthrough annotation on an already
// constructed instruction.
func AttachPassthrough(i *Instruction, pset PrefixSet, enc OperandEncoding, change StateChange, opc []byte) {
	i.PT.Attached = true
	i.PT.PSet = pset
	i.PT.Enc = enc
	i.PT.Change = change
	i.PT.OpcLen = len(opc)
	copy(i.PT.Opc[:], opc)
}

// Copy returns a deep copy of i. Instruction has no pointer/slice fields
// beyond the fixed [4]byte opcode array, so a value copy is already a full
// deep copy; this method exists so call sites never need to reason about
// whether a future field addition introduces aliasing.
func (i Instruction) Copy() Instruction {
	c := i
	c.Dst = i.Dst.Copy()
	c.Src = i.Src.Copy()
	c.Src2 = i.Src2.Copy()
	return c
}

// Equal is structural equality over every field relevant to re-emission;
// source Addr is excluded since two instructions can be semantically and
// byte-for-byte identical while living at different addresses.
func (i Instruction) Equal(o Instruction) bool {
	if i.Op != o.Op || i.Form != o.Form || i.VType != o.VType {
		return false
	}
	if !i.Dst.Equal(o.Dst) || !i.Src.Equal(o.Src) || !i.Src2.Equal(o.Src2) {
		return false
	}
	if i.PT.Attached != o.PT.Attached {
		return false
	}
	if i.PT.Attached {
		if i.PT.PSet != o.PT.PSet || i.PT.Enc != o.PT.Enc || i.PT.Change != o.PT.Change || i.PT.OpcLen != o.PT.OpcLen {
			return false
		}
		if i.PT.Opc != o.PT.Opc {
			return false
		}
	}
	return true
}
