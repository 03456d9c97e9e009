package decode

import (
	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

// decodeOne decodes a single instruction (opcode byte onward; prefixes have
// already been consumed into d.rex/d.pset) and reports whether the opcode
// was recognized. On failure the caller emits ir.OpInvalid and advances by
// one byte, per the decoder's never-trap contract.
func decodeOne(d *decodeCtx) (ir.Instruction, bool) {
	op := d.byte()

	switch op {
	case 0xC3:
		return ir.NewSimple(d.addr, ir.OpRET), true

	case 0x90:
		return ir.NewSimple(d.addr, ir.OpNOP), true

	case 0xC9:
		return ir.NewSimple(d.addr, ir.OpLEAVE), true

	case 0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57:
		r := int(op - 0x50)
		if d.rex.b {
			r += 8
		}
		return ir.NewUnary(d.addr, ir.OpPUSH, ir.Register(reg.W64, reg.FromGPIndex(r))), true

	case 0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F:
		r := int(op - 0x58)
		if d.rex.b {
			r += 8
		}
		return ir.NewUnary(d.addr, ir.OpPOP, ir.Register(reg.W64, reg.FromGPIndex(r))), true

	case 0x89: // MOV r/m, r (MR)
		return d.binaryMR(ir.OpMOV)
	case 0x8B: // MOV r, r/m (RM)
		return d.binaryRM(ir.OpMOV)

	case 0x01: // ADD r/m, r (MR)
		return d.binaryMR(ir.OpADD)
	case 0x03: // ADD r, r/m (RM)
		return d.binaryRM(ir.OpADD)

	case 0x29:
		return d.binaryMR(ir.OpSUB)
	case 0x2B:
		return d.binaryRM(ir.OpSUB)

	case 0x21:
		return d.binaryMR(ir.OpAND)
	case 0x23:
		return d.binaryRM(ir.OpAND)

	case 0x09:
		return d.binaryMR(ir.OpOR)
	case 0x0B:
		return d.binaryRM(ir.OpOR)

	case 0x31:
		return d.binaryMR(ir.OpXOR)
	case 0x33:
		return d.binaryRM(ir.OpXOR)

	case 0x39:
		return d.binaryMR(ir.OpCMP)
	case 0x3B:
		return d.binaryRM(ir.OpCMP)

	case 0x85: // TEST r/m, r
		return d.binaryMR(ir.OpTEST)

	case 0x8D: // LEA r, m
		return d.lea()

	case 0x81: // group1 r/m, imm16/imm32
		return d.group1(d.width(), immWidthBytes(d.width()))
	case 0x83: // group1 r/m, imm8 (sign-extended)
		return d.group1(d.width(), 1)

	case 0xC7: // MOV r/m, imm16/imm32
		return d.movImm(d.width(), immWidthBytes(d.width()))

	case 0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF: // MOV r, imm32/imm64
		return d.movRegImm(int(op-0xB8), d.width())

	case 0xFF: // group: INC/DEC r/m (and CALL/JMP indirect, not modeled)
		return d.groupFF(d.width())
	case 0xF7: // group: NOT/NEG r/m (and TEST r/m,imm, not modeled here)
		return d.groupF7(d.width())

	case 0xC1: // SHL/SHR/SAR r/m, imm8
		return d.groupShift(d.width())

	case 0xE8: // CALL rel32
		return d.relCall()
	case 0xE9: // JMP rel32
		return d.relJmp(4)
	case 0xEB: // JMP rel8
		return d.relJmp(1)

	case 0x0F:
		return d.twoByte()
	}

	// 0x70-0x7F: Jcc rel8
	if op >= 0x70 && op <= 0x7F {
		return d.jcc(int(op-0x70), 1)
	}

	return ir.Instruction{}, false
}

func (d *decodeCtx) binaryMR(op ir.OpKind) (ir.Instruction, bool) {
	w := d.width()
	mr := parseModRM(d.restBytes(), d.rex, w)
	d.o += mr.consumed
	return ir.NewBinary(d.addr, op, w, mr.rm, mr.reg), true
}

func (d *decodeCtx) binaryRM(op ir.OpKind) (ir.Instruction, bool) {
	w := d.width()
	mr := parseModRM(d.restBytes(), d.rex, w)
	d.o += mr.consumed
	return ir.NewBinary(d.addr, op, w, mr.reg, mr.rm), true
}

func (d *decodeCtx) lea() (ir.Instruction, bool) {
	w := d.width()
	mr := parseModRM(d.restBytes(), d.rex, w)
	d.o += mr.consumed
	if !mr.rm.IsInd() {
		return ir.Instruction{}, false
	}
	return ir.NewBinary(d.addr, ir.OpLEA, w, mr.reg, mr.rm), true
}

// restBytes exposes the remaining input from the current offset as a slice
// view, used so parseModRM can be written against a plain []byte.
func (d *decodeCtx) restBytes() []byte {
	const lookahead = 16
	buf := make([]byte, lookahead)
	for i := range buf {
		buf[i] = d.src.at(d.o + i)
	}
	return buf
}

// immWidthBytes sizes a full-width (non sign-extended-imm8) immediate off
// the resolved operand width: a 0x66 prefix narrows r/m32-with-imm32 forms
// to r/m16-with-imm16, but W64 destinations still take a 32-bit immediate
// (sign-extended at execution, per the REX.W encoding rule), not imm64.
func immWidthBytes(w reg.Width) int {
	if w == reg.W16 {
		return 2
	}
	return 4
}

var group1Ops = [8]ir.OpKind{ir.OpADD, ir.OpOR, ir.OpADC, ir.OpSBB, ir.OpAND, ir.OpSUB, ir.OpXOR, ir.OpCMP}

func (d *decodeCtx) group1(w reg.Width, immBytes int) (ir.Instruction, bool) {
	mr := parseModRM(d.restBytes(), d.rex, w)
	d.o += mr.consumed
	op := group1Ops[mr.regField&7]
	imm := d.readImm(immBytes, true)
	return ir.NewBinary(d.addr, op, w, mr.rm, ir.Imm(w, imm)), true
}

func (d *decodeCtx) movImm(w reg.Width, immBytes int) (ir.Instruction, bool) {
	mr := parseModRM(d.restBytes(), d.rex, w)
	d.o += mr.consumed
	imm := d.readImm(immBytes, true)
	return ir.NewBinary(d.addr, ir.OpMOV, w, mr.rm, ir.Imm(w, imm)), true
}

func (d *decodeCtx) movRegImm(rlow int, w reg.Width) (ir.Instruction, bool) {
	r := rlow
	if d.rex.b {
		r += 8
	}
	immBytes := immWidthBytes(w)
	if w == reg.W64 {
		immBytes = 8
	}
	imm := d.readImm(immBytes, false)
	dst := ir.Register(w, reg.FromGPIndex(r))
	return ir.NewBinary(d.addr, ir.OpMOV, w, dst, ir.Imm(w, imm)), true
}

func (d *decodeCtx) groupFF(w reg.Width) (ir.Instruction, bool) {
	mr := parseModRM(d.restBytes(), d.rex, w)
	switch mr.regField & 7 {
	case 0:
		d.o += mr.consumed
		return ir.NewUnary(d.addr, ir.OpINC, mr.rm), true
	case 1:
		d.o += mr.consumed
		return ir.NewUnary(d.addr, ir.OpDEC, mr.rm), true
	default:
		return ir.Instruction{}, false
	}
}

func (d *decodeCtx) groupF7(w reg.Width) (ir.Instruction, bool) {
	mr := parseModRM(d.restBytes(), d.rex, w)
	switch mr.regField & 7 {
	case 2:
		d.o += mr.consumed
		return ir.NewUnary(d.addr, ir.OpNOT, mr.rm), true
	case 3:
		d.o += mr.consumed
		return ir.NewUnary(d.addr, ir.OpNEG, mr.rm), true
	default:
		return ir.Instruction{}, false
	}
}

var shiftOps = map[int]ir.OpKind{4: ir.OpSHL, 5: ir.OpSHR, 7: ir.OpSAR}

func (d *decodeCtx) groupShift(w reg.Width) (ir.Instruction, bool) {
	mr := parseModRM(d.restBytes(), d.rex, w)
	op, ok := shiftOps[mr.regField&7]
	if !ok {
		return ir.Instruction{}, false
	}
	d.o += mr.consumed
	imm := d.readImm(1, false)
	return ir.NewBinary(d.addr, op, w, mr.rm, ir.Imm(reg.W8, imm)), true
}

func (d *decodeCtx) relCall() (ir.Instruction, bool) {
	rel := int64(int32(le32(d.restBytes())))
	d.o += 4
	return ir.NewUnary(d.addr, ir.OpCALL, ir.Imm(reg.W64, uint64(rel))), true
}

func (d *decodeCtx) relJmp(immBytes int) (ir.Instruction, bool) {
	var rel int64
	if immBytes == 1 {
		rel = int64(int8(d.byte()))
	} else {
		rel = int64(int32(le32(d.restBytes())))
		d.o += 4
	}
	instr := ir.NewUnary(d.addr, ir.OpJMP, ir.Imm(reg.W64, uint64(rel)))
	return instr, true
}

func (d *decodeCtx) jcc(cond int, immBytes int) (ir.Instruction, bool) {
	var rel int64
	if immBytes == 1 {
		rel = int64(int8(d.byte()))
	} else {
		rel = int64(int32(le32(d.restBytes())))
		d.o += 4
	}
	op := ir.OpJO + ir.OpKind(cond)
	return ir.NewUnary(d.addr, op, ir.Imm(reg.W64, uint64(rel))), true
}

func (d *decodeCtx) readImm(n int, signExtend bool) uint64 {
	switch n {
	case 1:
		b := int8(d.byte())
		if signExtend {
			return uint64(int64(b))
		}
		return uint64(uint8(b))
	case 2:
		v := le16(d.bytes(2))
		if signExtend {
			return uint64(int64(int16(v)))
		}
		return uint64(v)
	case 4:
		v := le32(d.bytes(4))
		if signExtend {
			return uint64(int64(int32(v)))
		}
		return uint64(v)
	case 8:
		b := d.bytes(8)
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v
	}
	return 0
}

// twoByte decodes the 0x0F-prefixed opcode map: MOVZX/MOVSX, near Jcc,
// SETcc, CMOVcc, and the MOVSD/MOVSS passthrough pair.
func (d *decodeCtx) twoByte() (ir.Instruction, bool) {
	op2 := d.byte()
	switch {
	case op2 == 0xB6 || op2 == 0xB7: // MOVZX r, r/m8|r/m16
		return d.movx(ir.OpMOVZX, op2 == 0xB7)
	case op2 == 0xBE || op2 == 0xBF: // MOVSX r, r/m8|r/m16
		return d.movx(ir.OpMOVSX, op2 == 0xBF)
	case op2 >= 0x80 && op2 <= 0x8F: // Jcc rel32
		return d.jcc(int(op2-0x80), 4)
	case op2 >= 0x90 && op2 <= 0x9F: // SETcc r/m8
		return d.setcc(int(op2 - 0x90))
	case op2 >= 0x40 && op2 <= 0x4F: // CMOVcc r, r/m
		return d.cmovcc(int(op2 - 0x40))
	case op2 == 0x10 || op2 == 0x11: // MOVSD/MOVSS (decode-only, passthrough)
		return d.sseMov(op2)
	}
	return ir.Instruction{}, false
}

func (d *decodeCtx) movx(op ir.OpKind, srcIs16 bool) (ir.Instruction, bool) {
	w := d.width()
	srcW := reg.W8
	if srcIs16 {
		srcW = reg.W16
	}
	mr := parseModRM(d.restBytes(), d.rex, srcW)
	d.o += mr.consumed
	dstReg := ir.Register(w, mr.reg.Reg)
	instr := ir.NewBinary(d.addr, op, w, dstReg, mr.rm)
	ir.AttachPassthrough(&instr, d.pset, ir.EncRM, ir.ChangeDstDynamic, nil)
	return instr, true
}

func (d *decodeCtx) setcc(cond int) (ir.Instruction, bool) {
	mr := parseModRM(d.restBytes(), d.rex, reg.W8)
	d.o += mr.consumed
	op := ir.OpSETO + ir.OpKind(cond)
	instr := ir.NewUnary(d.addr, op, mr.rm)
	ir.AttachPassthrough(&instr, d.pset, ir.EncNone, ir.ChangeDstDynamic, []byte{0x0F, byte(0x90 + cond)})
	return instr, true
}

func (d *decodeCtx) cmovcc(cond int) (ir.Instruction, bool) {
	w := d.width()
	mr := parseModRM(d.restBytes(), d.rex, w)
	d.o += mr.consumed
	op := ir.OpCMOVO + ir.OpKind(cond)
	instr := ir.NewBinary(d.addr, op, w, mr.reg, mr.rm)
	ir.AttachPassthrough(&instr, d.pset, ir.EncRM, ir.ChangeDstDynamic, []byte{0x0F, byte(0x40 + cond)})
	return instr, true
}

func (d *decodeCtx) sseMov(op2 byte) (ir.Instruction, bool) {
	mr := parseModRM(d.restBytes(), d.rex, reg.W128)
	d.o += mr.consumed
	vReg := ir.Register(reg.W128, reg.X0+reg.Reg(mr.regField))
	op := ir.OpMOVSD
	if d.pset&ir.PrefixF3 != 0 {
		op = ir.OpMOVSS
	}
	// op2==0x10 loads into the xmm register (it occupies the ModR/M reg
	// field, Dst=vReg); op2==0x11 stores from it (it still occupies the
	// reg field, but now as Src, with Dst=mr.rm) — EncRM/EncMR record
	// which operand carries the reg field, independent of the instruction's
	// direction.
	var instr ir.Instruction
	var enc ir.OperandEncoding
	if op2 == 0x10 {
		instr = ir.NewBinary(d.addr, op, reg.W128, vReg, mr.rm)
		enc = ir.EncRM
	} else {
		instr = ir.NewBinary(d.addr, op, reg.W128, mr.rm, vReg)
		enc = ir.EncMR
	}
	ir.AttachPassthrough(&instr, d.pset, enc, ir.ChangeNone, []byte{0x0F, op2})
	return instr, true
}
