package ir

import "github.com/oisee/dbrew-go/pkg/reg"

// OpTag is the tagged-union discriminant for Operand.
type OpTag uint8

const (
	TagNone OpTag = iota
	TagImm
	TagReg
	TagInd
)

// SegOverride is a segment-register override on an indirect operand.
type SegOverride uint8

const (
	SegNone SegOverride = iota
	SegFS
	SegGS
)

// Operand is a tagged variant over {Immediate, Register, Indirect}.
//
// Invariant: Ireg is meaningful iff Scale > 0; when Scale > 0, Ireg must
// not be reg.None. Base may be reg.None (absolute/displacement-only
// addressing); Scale == 0 means "no index register".
type Operand struct {
	Tag   OpTag
	Width reg.Width

	// TagImm
	Imm uint64 // truncated to Width on construction

	// TagReg
	Reg reg.Reg

	// TagInd: effective address = Base + Scale*Index + Disp
	Base  reg.Reg
	Ireg  reg.Reg
	Scale int
	Disp  int64
	Seg   SegOverride
}

// Imm constructs an immediate operand of width w, truncating the 64-bit
// payload.
func Imm(w reg.Width, v uint64) Operand {
	return Operand{Tag: TagImm, Width: w, Imm: w.Truncate(v)}
}

// Register constructs a register operand.
func Register(w reg.Width, r reg.Reg) Operand {
	return Operand{Tag: TagReg, Width: w, Reg: r}
}

// Indirect constructs a memory operand. scale must be 0, 1, 2, 4 or 8;
// scale == 0 means no index register and ireg is ignored.
func Indirect(w reg.Width, base reg.Reg, ireg reg.Reg, scale int, disp int64, seg SegOverride) Operand {
	o := Operand{Tag: TagInd, Width: w, Base: base, Disp: disp, Scale: scale, Seg: seg}
	if scale > 0 {
		o.Ireg = ireg
	}
	return o
}

func (o Operand) IsImm() bool { return o.Tag == TagImm }
func (o Operand) IsReg() bool { return o.Tag == TagReg }
func (o Operand) IsInd() bool { return o.Tag == TagInd }

// IsGPReg reports whether o is a general-purpose register operand.
func (o Operand) IsGPReg() bool { return o.Tag == TagReg && o.Reg.IsGP() }

// IsVReg reports whether o is a vector register operand.
func (o Operand) IsVReg() bool { return o.Tag == TagReg && o.Reg.IsVector() }

// Equal is structural equality: same tag, width, register ids, displacement
// and scale. Two zero-value (TagNone) operands compare equal.
func (o Operand) Equal(other Operand) bool {
	if o.Tag != other.Tag || o.Width != other.Width {
		return false
	}
	switch o.Tag {
	case TagNone:
		return true
	case TagImm:
		return o.Imm == other.Imm
	case TagReg:
		return o.Reg == other.Reg
	case TagInd:
		if o.Base != other.Base || o.Scale != other.Scale || o.Disp != other.Disp || o.Seg != other.Seg {
			return false
		}
		if o.Scale > 0 && o.Ireg != other.Ireg {
			return false
		}
		return true
	}
	return false
}

// Copy returns a value copy of o. Operand has no reference fields, so this
// is equivalent to assignment; it exists for symmetry with Instruction.Copy
// and to make deep-copy call sites self-documenting.
func (o Operand) Copy() Operand { return o }
