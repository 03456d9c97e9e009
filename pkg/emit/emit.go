// Package emit encodes residual IR back into machine code, written into an
// arena.Arena range so it can be called as a function. Two families of
// instruction survive into a residual stream: natively-modeled opcodes
// (RET, PUSH/POP, MOV, the ALU group, LEA, CALL...), re-encoded canonically
// from their IR operands, and passthrough opcodes the emulator never
// interprets (SETcc/CMOVcc/MOVZX/MOVSX/MOVSD/MOVSS), re-encoded from the
// raw opcode bytes the decoder recorded on Instruction.PT.
package emit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/oisee/dbrew-go/pkg/arena"
	"github.com/oisee/dbrew-go/pkg/code"
	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

// ErrUnsupportedOpcode mirrors the emulator's sentinel of the same name:
// the emitter refuses to guess at an encoding it was never taught.
var ErrUnsupportedOpcode = errors.New("emit: unsupported opcode")

// reloc is a pending rel32 patch: the absolute target is known at emit
// time (it is either an external call target or, in principle, a later
// instruction in this same stream), but the new instruction's own address
// is only known once every prior instruction has been laid out, so the
// patch is deferred to the end of Emit.
type reloc struct {
	patchOffset int    // offset of the rel32 field within the staging buffer
	instrEnd    int    // offset just past the rel32 field (IP for the relative computation)
	target      uint64 // absolute target address
}

type emitter struct {
	buf    []byte
	relocs []reloc
}

func (e *emitter) u8(b byte)         { e.buf = append(e.buf, b) }
func (e *emitter) bytes(b []byte)    { e.buf = append(e.buf, b...) }
func (e *emitter) u32(v uint32)      { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *emitter) u64(v uint64)      { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *emitter) pos() int          { return len(e.buf) }

// Emit encodes every instruction in c and writes the result into a, returning
// a callable pointer to the encoded function's entry point.
func Emit(a *arena.Arena, c *code.Code) (uintptr, error) {
	e := &emitter{}
	for i := 0; i < c.Len(); i++ {
		if err := e.emitOne(c.At(i)); err != nil {
			return 0, err
		}
	}

	offset := a.Used()
	if _, err := a.Commit(len(e.buf)); err != nil {
		return 0, err
	}

	base := a.Addr() + uintptr(offset)
	for _, r := range e.relocs {
		instrEndAddr := uint64(base) + uint64(r.instrEnd)
		rel := int64(r.target) - int64(instrEndAddr)
		binary.LittleEndian.PutUint32(e.buf[r.patchOffset:], uint32(int32(rel)))
	}

	a.Write(offset, e.buf)
	return base, nil
}

func (e *emitter) emitOne(instr ir.Instruction) error {
	if instr.PT.Attached {
		return e.emitPassthrough(instr)
	}
	switch instr.Op {
	case ir.OpRET:
		e.u8(0xC3)
	case ir.OpNOP:
		e.u8(0x90)
	case ir.OpLEAVE:
		e.u8(0xC9)
	case ir.OpPUSH:
		e.emitPushPop(0x50, instr.Dst)
	case ir.OpPOP:
		e.emitPushPop(0x58, instr.Dst)
	case ir.OpMOV:
		e.emitMov(instr)
	case ir.OpLEA:
		e.emitRM(0x8D, instr.VType, instr.Dst, instr.Src)
	case ir.OpADD, ir.OpADC, ir.OpSUB, ir.OpSBB, ir.OpAND, ir.OpOR, ir.OpXOR, ir.OpCMP, ir.OpTEST:
		e.emitAluBinary(instr)
	case ir.OpINC:
		e.emitUnaryGroup(instr.VType, 0, instr.Dst)
	case ir.OpDEC:
		e.emitUnaryGroup(instr.VType, 1, instr.Dst)
	case ir.OpNOT:
		e.emitUnaryGroup(instr.VType, 2, instr.Dst)
	case ir.OpNEG:
		e.emitUnaryGroup(instr.VType, 3, instr.Dst)
	case ir.OpSHL:
		e.emitShift(instr, 4)
	case ir.OpSHR:
		e.emitShift(instr, 5)
	case ir.OpSAR:
		e.emitShift(instr, 7)
	case ir.OpCALL:
		e.emitRelBranch(0xE8, nil, instr)
	case ir.OpJMP, ir.OpJMPI:
		e.emitRelBranch(0xE9, nil, instr)
	default:
		if instr.Op.IsJcc() {
			e.emitRelBranch(0x0F, []byte{byte(0x80 + instr.Op.JccCond())}, instr)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnsupportedOpcode, instr.Op)
	}
	return nil
}

// emitPassthrough re-emits an instruction the emulator never models
// natively, from its recorded legacy-prefix set and opcode bytes, with
// ModR/M+SIB+displacement re-encoded from the current (possibly folded)
// operands.
func (e *emitter) emitPassthrough(instr ir.Instruction) error {
	e.emitLegacyPrefixes(instr.PT.PSet)

	opc := instr.PT.Opc[:instr.PT.OpcLen]
	if instr.PT.OpcLen == 0 {
		// MOVZX/MOVSX: the decoder didn't bother recording opcode bytes
		// since both byte choices are a direct function of Op + source
		// width, already on the instruction.
		var b byte
		eightBit := instr.Src.Width == reg.W8
		switch instr.Op {
		case ir.OpMOVZX:
			if eightBit {
				b = 0xB6
			} else {
				b = 0xB7
			}
		case ir.OpMOVSX:
			if eightBit {
				b = 0xBE
			} else {
				b = 0xBF
			}
		default:
			return fmt.Errorf("%w: passthrough %v with no recorded opcode", ErrUnsupportedOpcode, instr.Op)
		}
		opc = []byte{0x0F, b}
	}

	switch instr.PT.Enc {
	case ir.EncNone:
		// SETcc: the ModR/M reg field is a fixed /0 extension, not a
		// second register operand.
		e.rexRM(false, instr.Dst)
		e.bytes(opc)
		e.modrm(0, instr.Dst)
	case ir.EncRM:
		e.rexTwo(instr.VType == reg.W64, instr.Dst, instr.Src)
		e.bytes(opc)
		e.modrmReg(instr.Dst, instr.Src)
	case ir.EncMR:
		e.rexTwo(instr.VType == reg.W64, instr.Src, instr.Dst)
		e.bytes(opc)
		e.modrmReg(instr.Src, instr.Dst)
	default:
		return fmt.Errorf("%w: passthrough %v with unsupported encoding %v", ErrUnsupportedOpcode, instr.Op, instr.PT.Enc)
	}
	return nil
}

func (e *emitter) emitLegacyPrefixes(pset ir.PrefixSet) {
	if pset&ir.Prefix2E != 0 {
		e.u8(0x2E)
	}
	if pset&ir.Prefix66 != 0 {
		e.u8(0x66)
	}
	if pset&ir.PrefixF2 != 0 {
		e.u8(0xF2)
	}
	if pset&ir.PrefixF3 != 0 {
		e.u8(0xF3)
	}
}

func (e *emitter) emitPushPop(base byte, operand ir.Operand) {
	idx := regIndex(operand.Reg)
	e.rex(false, false, false, idx >= 8)
	e.u8(base + byte(idx&7))
}

// emitMov picks the MR encoding (opcode 0x88/0x89, reg field = source)
// whenever the source is a register — so a register-to-register move the
// decoder read from 0x8B is re-emitted as the equivalent 0x89 form — and
// the RM encoding only when the source is memory, since then the
// destination must be the register carried in the ModR/M reg field.
func (e *emitter) emitMov(instr ir.Instruction) {
	if instr.Src.IsImm() {
		e.emitMovImm(instr)
		return
	}
	if instr.Src.IsInd() {
		e.emitRM(rmOpcode(0x88, instr.VType), instr.VType, instr.Dst, instr.Src)
	} else {
		e.emitMR(mrOpcode(0x88, instr.VType), instr.VType, instr.Dst, instr.Src)
	}
}

// emitMovImm uses the compact mov-to-register form (B8+r, or its movabs
// 64-bit variant with a full 8-byte immediate, whatever the value) when
// the destination is a bare register, and the C6/C7 r/m,imm form only for
// memory destinations.
func (e *emitter) emitMovImm(instr ir.Instruction) {
	imm := instr.Src.Imm
	if instr.Dst.IsReg() && instr.VType == reg.W64 {
		idx := regIndex(instr.Dst.Reg)
		e.rex(true, false, false, idx >= 8)
		e.u8(0xB8 + byte(idx&7))
		e.u64(imm)
		return
	}
	if instr.Dst.IsReg() {
		idx := regIndex(instr.Dst.Reg)
		e.rex(false, false, false, idx >= 8)
		e.u8(0xB8 + byte(idx&7))
		e.immOfWidth(instr.VType, imm)
		return
	}
	opc := byte(0xC7)
	if instr.VType == reg.W8 {
		opc = 0xC6
	}
	e.rexForRM(instr.VType, reg.AX, instr.Dst)
	e.u8(opc)
	e.modrm(0, instr.Dst)
	e.immOfWidth(instr.VType, imm)
}

var aluMRBase = map[ir.OpKind]byte{
	ir.OpADD: 0x00, ir.OpOR: 0x08, ir.OpADC: 0x10, ir.OpSBB: 0x18,
	ir.OpAND: 0x20, ir.OpSUB: 0x28, ir.OpXOR: 0x30, ir.OpCMP: 0x38,
}

var aluGroupExt = map[ir.OpKind]int{
	ir.OpADD: 0, ir.OpOR: 1, ir.OpADC: 2, ir.OpSBB: 3,
	ir.OpAND: 4, ir.OpSUB: 5, ir.OpXOR: 6, ir.OpCMP: 7,
}

func (e *emitter) emitAluBinary(instr ir.Instruction) {
	if instr.Op == ir.OpTEST {
		e.emitTest(instr)
		return
	}
	if instr.Src.IsImm() {
		opc := byte(0x81)
		if instr.VType == reg.W8 {
			opc = 0x80
		}
		e.rexForRM(instr.VType, reg.AX, instr.Dst)
		e.u8(opc)
		e.modrm(aluGroupExt[instr.Op], instr.Dst)
		e.immOfWidth(instr.VType, instr.Src.Imm)
		return
	}
	base := aluMRBase[instr.Op]
	if instr.Src.IsInd() {
		e.emitRM(rmOpcode(base, instr.VType), instr.VType, instr.Dst, instr.Src)
	} else {
		e.emitMR(mrOpcode(base, instr.VType), instr.VType, instr.Dst, instr.Src)
	}
}

func (e *emitter) emitTest(instr ir.Instruction) {
	if instr.Src.IsImm() {
		opc := byte(0xF7)
		if instr.VType == reg.W8 {
			opc = 0xF6
		}
		e.rexForRM(instr.VType, reg.AX, instr.Dst) // /0 extension
		e.u8(opc)
		e.modrm(0, instr.Dst)
		e.immOfWidth(instr.VType, instr.Src.Imm)
		return
	}
	opc := byte(0x85)
	if instr.VType == reg.W8 {
		opc = 0x84
	}
	e.emitMR(opc, instr.VType, instr.Dst, instr.Src)
}

func (e *emitter) emitUnaryGroup(w reg.Width, ext int, dst ir.Operand) {
	opc := byte(0xFF)
	if w == reg.W8 {
		opc = 0xFE
	}
	e.rexForRM(w, reg.AX, dst)
	e.u8(opc)
	e.modrm(ext, dst)
}

func (e *emitter) emitShift(instr ir.Instruction, ext int) {
	w := instr.VType
	if instr.Src.IsImm() {
		opc := byte(0xC1)
		if w == reg.W8 {
			opc = 0xC0
		}
		e.rexForRM(w, reg.AX, instr.Dst)
		e.u8(opc)
		e.modrm(ext, instr.Dst)
		e.u8(byte(instr.Src.Imm))
		return
	}
	// shift-by-CL: the only other form the decoder/emulator allow through.
	opc := byte(0xD3)
	if w == reg.W8 {
		opc = 0xD2
	}
	e.rexForRM(w, reg.AX, instr.Dst)
	e.u8(opc)
	e.modrm(ext, instr.Dst)
}

// emitRelBranch emits an opcode (optionally with a second opcode byte, for
// the 0F-prefixed Jcc family) followed by a rel32 whose value is resolved
// once the instruction's final address in the arena is known.
func (e *emitter) emitRelBranch(opc byte, opc2 []byte, instr ir.Instruction) {
	e.u8(opc)
	e.bytes(opc2)
	target := instr.Addr + uint64(instr.Len) + instr.Dst.Imm
	patchOffset := e.pos()
	e.u32(0)
	e.relocs = append(e.relocs, reloc{patchOffset: patchOffset, instrEnd: e.pos(), target: target})
}

// --- shared ModR/M helpers ---

func regIndex(r reg.Reg) int {
	if r.IsVector() {
		return int(r - reg.X0)
	}
	return r.GPIndex()
}

func regExt(op ir.Operand) bool {
	if op.IsReg() {
		return regIndex(op.Reg) >= 8
	}
	return false
}

// rmOpcode/mrOpcode fold in the 8-bit/wide opcode-byte parity that every
// MR/RM-encoded two-operand instruction in this ISA subset shares: the
// low bit of the base opcode selects operand size (0 = 8-bit).
func rmOpcode(base byte, w reg.Width) byte {
	if w == reg.W8 {
		return base + 2
	}
	return base + 3
}

func mrOpcode(base byte, w reg.Width) byte {
	if w == reg.W8 {
		return base
	}
	return base + 1
}

// emitRM encodes `opc ModRM(reg=dst, rm=src)`: dst must be a register.
func (e *emitter) emitRM(opc byte, w reg.Width, dst, src ir.Operand) {
	e.rexTwo(w == reg.W64, dst, src)
	e.u8(opc)
	e.modrmReg(dst, src)
}

// emitMR encodes `opc ModRM(reg=src, rm=dst)`: src must be a register.
func (e *emitter) emitMR(opc byte, w reg.Width, dst, src ir.Operand) {
	e.rexTwo(w == reg.W64, src, dst)
	e.u8(opc)
	e.modrmReg(src, dst)
}

func indexExt(op ir.Operand) bool {
	return op.IsInd() && op.Scale > 0 && regIndex(op.Ireg) >= 8
}

func baseExt(op ir.Operand) bool {
	return op.IsInd() && op.Base != reg.None && regIndex(op.Base) >= 8
}

// rexRM synthesizes REX for a single-r/m-operand instruction (group
// opcodes, where the ModR/M reg field selects a sub-opcode rather than a
// real register, so only rm's own extension bits matter).
func (e *emitter) rexRM(w bool, rm ir.Operand) {
	e.rex(w, false, indexExt(rm), regExt(rm) || baseExt(rm))
}

// rexForRM keeps the group-opcode call sites (which pass a placeholder
// extFrom register purely to select width) readable; extFrom is always a
// low register (AX), so it never itself contributes a REX bit.
func (e *emitter) rexForRM(w reg.Width, extFrom reg.Reg, rm ir.Operand) {
	e.rexRM(w == reg.W64, rm)
}

// rexTwo synthesizes REX for a two-operand reg/rm instruction.
func (e *emitter) rexTwo(w bool, regOperand, rm ir.Operand) {
	e.rex(w, regExt(regOperand), indexExt(rm), regExt(rm) || baseExt(rm))
}

func (e *emitter) rex(w, r, x, b bool) {
	if !w && !r && !x && !b {
		return
	}
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	e.u8(v)
}

// modrmReg encodes ModR/M (+SIB/disp) with an explicit register in the reg
// field and rm as the other operand (register or memory).
func (e *emitter) modrmReg(regOp, rm ir.Operand) {
	e.modrm(regIndex(regOp.Reg)&7, rm)
}

// modrm encodes ModR/M (+SIB/disp) with regField placed directly into the
// reg field (used both for real register operands and group sub-opcodes).
func (e *emitter) modrm(regField int, rm ir.Operand) {
	if rm.IsReg() {
		idx := regIndex(rm.Reg)
		e.u8(0xC0 | byte(regField&7)<<3 | byte(idx&7))
		return
	}
	e.modrmIndirect(regField, rm)
}

func (e *emitter) modrmIndirect(regField int, rm ir.Operand) {
	hasIndex := rm.Scale > 0 && rm.Ireg != reg.None
	hasBase := rm.Base != reg.None

	needSIB := hasIndex || !hasBase || (regIndex(rm.Base)&7) == 4

	if !needSIB {
		baseLow := regIndex(rm.Base) & 7
		mod, dispLen := dispMode(rm.Disp, baseLow)
		e.u8(byte(mod)<<6 | byte(regField&7)<<3 | byte(baseLow))
		e.writeDisp(rm.Disp, dispLen)
		return
	}

	// SIB-escaped form: rm field is always 100.
	e.u8(modForSIB(hasBase, rm)<<6 | byte(regField&7)<<3 | 0x04)

	scaleBits := 0
	switch rm.Scale {
	case 2:
		scaleBits = 1
	case 4:
		scaleBits = 2
	case 8:
		scaleBits = 3
	}
	indexLow := 4 // "no index" sentinel in SIB encoding
	if hasIndex {
		indexLow = regIndex(rm.Ireg) & 7
	}
	baseLow := 5 // "no base" sentinel in SIB encoding (paired with mod==00)
	if hasBase {
		baseLow = regIndex(rm.Base) & 7
	}
	e.u8(byte(scaleBits)<<6 | byte(indexLow)<<3 | byte(baseLow))

	if !hasBase {
		e.u32(uint32(int32(rm.Disp)))
		return
	}
	_, dispLen := dispMode(rm.Disp, regIndex(rm.Base)&7)
	e.writeDisp(rm.Disp, dispLen)
}

// modForSIB picks the ModR/M mod bits to use alongside a SIB byte: the
// same disp8/disp32/no-disp choice as the base-only path, except a base-less
// SIB addressing mode is only expressible with mod==00.
func modForSIB(hasBase bool, rm ir.Operand) byte {
	if !hasBase {
		return 0
	}
	mod, _ := dispMode(rm.Disp, regIndex(rm.Base)&7)
	return byte(mod)
}

// dispMode picks mod (0, 1 or 2) and the resulting displacement byte count,
// honoring the x86 quirk that mod==00 with a low base-field of 5 (RBP/R13)
// is reserved for the no-base/RIP-relative encoding: addressing [rbp+0]
// must be spelled with an explicit one-byte zero displacement instead.
func dispMode(disp int64, baseLow int) (mod int, dispBytes int) {
	if disp == 0 && baseLow != 5 {
		return 0, 0
	}
	if disp >= -128 && disp <= 127 {
		return 1, 1
	}
	return 2, 4
}

func (e *emitter) writeDisp(disp int64, n int) {
	switch n {
	case 1:
		e.u8(byte(int8(disp)))
	case 4:
		e.u32(uint32(int32(disp)))
	}
}

func (e *emitter) immOfWidth(w reg.Width, v uint64) {
	switch w {
	case reg.W8:
		e.u8(byte(v))
	case reg.W16:
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v))
	default:
		e.u32(uint32(v))
	}
}
