package decode

import (
	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

// rex holds the decomposed bits of a REX prefix byte (0x40-0x4F).
type rex struct {
	present bool
	w, r, x, b bool
}

func parseREX(b byte) rex {
	return rex{
		present: true,
		b:       b&0x1 != 0,
		x:       b&0x2 != 0,
		r:       b&0x4 != 0,
		w:       b&0x8 != 0,
	}
}

// operandWidth returns the default-operand-size width selected by REX.W
// and the 0x66 prefix, per the SDM's default-operand-size rules: REX.W
// forces 64-bit, else 0x66 selects 16-bit, else 32-bit.
func operandWidth(rx rex, has66 bool) reg.Width {
	switch {
	case rx.w:
		return reg.W64
	case has66:
		return reg.W16
	default:
		return reg.W32
	}
}

// modrmResult is the result of parsing a ModR/M (+ optional SIB + displacement)
// sequence: reg is always a register (the `reg` field), rm is
// either a register (mod==3) or an indirect memory operand. regField is the
// raw 3-bit reg-field value extended by REX.R, used by callers where that
// field selects a sub-opcode (group instructions) rather than a register.
type modrmResult struct {
	reg      Operand
	rm       Operand
	regField int
	consumed int
}

// Operand is a type alias local to this package purely to keep call sites
// terse; it is ir.Operand.
type Operand = ir.Operand

// parseModRM decodes the ModR/M byte (and, when present, SIB and
// displacement) at p[0:]. w is the operand width for register/indirect
// operands built from this byte (determined by the caller from REX.W/0x66
// and the opcode's own semantics). Mirrors SDM §2.1's field layout.
func parseModRM(p []byte, rx rex, w reg.Width) modrmResult {
	o := 0
	b := p[o]
	o++
	mod := (b >> 6) & 3
	regField := int((b >> 3) & 7)
	rm := int(b & 7)

	if rx.r {
		regField += 8
	}
	regOp := ir.Register(w, reg.FromGPIndex(regField))

	if mod == 3 {
		rmReg := rm
		if rx.b {
			rmReg += 8
		}
		return modrmResult{reg: regOp, rm: ir.Register(w, reg.FromGPIndex(rmReg)), regField: regField, consumed: o}
	}

	scale := 0
	idx := 0
	base := rm
	if rm == 4 {
		sib := p[o]
		o++
		scale = 1 << ((sib >> 6) & 3)
		idx = int((sib >> 3) & 7)
		base = int(sib & 7)
	}

	var disp int64
	noBase := false
	switch {
	case mod == 1:
		disp = int64(int8(p[o]))
		o++
	case mod == 2 || (mod == 0 && rm == 5) || (mod == 0 && rm == 4 && base == 5):
		disp = int64(int32(le32(p[o:])))
		o += 4
		if mod == 0 && rm == 5 {
			noBase = true
		}
	}

	var baseReg, iregReg reg.Reg
	if scale == 0 {
		br := rm
		if rx.b {
			br += 8
		}
		if noBase {
			baseReg = reg.None
		} else {
			baseReg = reg.FromGPIndex(br)
		}
	} else {
		ix := idx
		if rx.x {
			ix += 8
		}
		if idx == 4 {
			iregReg = reg.None
			scale = 0
		} else {
			iregReg = reg.FromGPIndex(ix)
		}

		br := base
		if rx.b {
			br += 8
		}
		if base == 5 && mod == 0 {
			baseReg = reg.None
		} else {
			baseReg = reg.FromGPIndex(br)
		}
	}

	indOp := ir.Indirect(w, baseReg, iregReg, scale, disp, ir.SegNone)
	return modrmResult{reg: regOp, rm: indOp, regField: regField, consumed: o}
}

func le32(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

func le16(p []byte) uint16 {
	return uint16(p[0]) | uint16(p[1])<<8
}
