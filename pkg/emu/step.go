package emu

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/oisee/dbrew-go/pkg/code"
	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

var (
	ErrStackOutOfBounds   = errors.New("emu: stack access out of bounds")
	ErrInvalidInstruction = errors.New("emu: invalid instruction")
	ErrUnsupportedOpcode  = errors.New("emu: unsupported opcode")
	ErrBailOut            = errors.New("emu: bail out")
)

// BailOutErr wraps ErrBailOut with the reason specialization gave up, so a
// caller can log why a specialization fell back to the original function.
type BailOutErr struct{ Reason string }

func (e *BailOutErr) Error() string { return fmt.Sprintf("emu: bail out: %s", e.Reason) }
func (e *BailOutErr) Unwrap() error { return ErrBailOut }

func bailOut(format string, args ...interface{}) error {
	return &BailOutErr{Reason: fmt.Sprintf(format, args...)}
}

// callerSaved are the System V AMD64 volatile GPRs a CALL may clobber; the
// emulator has no visibility into the callee, so it conservatively marks
// these Unknown after every captured call rather than attempting to model
// the callee's effects.
var callerSaved = []reg.Reg{reg.AX, reg.CX, reg.DX, reg.SI, reg.DI, reg.R8, reg.R9, reg.R10, reg.R11}

// Step emulates one decoded instruction against s. An instruction whose
// result is fully Known updates s in place and emits nothing; anything
// touching an Unknown value is appended to residual unmodified, since the
// specialized function must still execute it against live runtime state.
func (s *State) Step(instr ir.Instruction, residual *code.Code) error {
	switch {
	case instr.Op == ir.OpInvalid:
		return fmt.Errorf("%w: at %#x", ErrInvalidInstruction, instr.Addr)
	case instr.Op == ir.OpNOP:
		return nil
	case instr.Op == ir.OpRET:
		s.flushKnownReturn(instr.Addr, residual)
		residual.Append(instr)
		return nil
	case instr.Op.IsJcc(), instr.Op == ir.OpJMP, instr.Op == ir.OpJMPI:
		// The decoder only ever walks a single straight-line byte stream —
		// it never follows a branch target — so there is no abstract state
		// to resolve a taken arm against, known flags or not. Bail rather
		// than silently mis-specialize a multi-block function.
		return bailOut("control transfer at %#x", instr.Addr)
	case instr.Op == ir.OpCALL:
		return s.stepCall(instr, residual)
	case instr.Op == ir.OpPUSH:
		return s.stepPush(instr, residual)
	case instr.Op == ir.OpPOP:
		return s.stepPop(instr, residual)
	case instr.Op == ir.OpLEAVE:
		return s.stepLeave(instr, residual)
	case instr.Op == ir.OpLEA:
		return s.stepLea(instr, residual)
	case instr.Op == ir.OpMOV:
		return s.stepMov(instr, residual)
	case instr.Op == ir.OpMOVZX, instr.Op == ir.OpMOVSX:
		return s.stepExtendingLoad(instr, residual)
	case isAluBinary(instr.Op):
		return s.stepAluBinary(instr, residual)
	case instr.Op == ir.OpNEG, instr.Op == ir.OpNOT:
		return s.stepUnaryArith(instr, residual)
	case instr.Op == ir.OpINC, instr.Op == ir.OpDEC:
		return s.stepIncDec(instr, residual)
	case instr.Op == ir.OpSHL, instr.Op == ir.OpSHR, instr.Op == ir.OpSAR:
		return s.stepShift(instr, residual)
	case instr.Op.IsSETcc():
		return s.stepSetcc(instr, residual)
	case instr.Op.IsCMOVcc():
		return s.stepCmovcc(instr, residual)
	case instr.Op == ir.OpMOVSS, instr.Op == ir.OpMOVSD:
		// Vector state isn't tracked; these always travel as passthrough.
		residual.Append(instr)
		return nil
	default:
		return fmt.Errorf("%w: op %d at %#x", ErrUnsupportedOpcode, instr.Op, instr.Addr)
	}
}

// flushKnownReturn materializes a folded-away AX value into a concrete MOV
// immediately before a RET, since nothing else in the residual stream would
// otherwise place the ABI return value where the caller expects it. If AX
// is Unknown, the residual instructions captured so far already recompute
// it dynamically and there is nothing to flush.
func (s *State) flushKnownReturn(addr uint64, residual *code.Code) {
	ax := s.Reg[reg.AX]
	if ax.Tag != Known {
		return
	}
	mov := ir.NewBinary(addr, ir.OpMOV, reg.W64, ir.Register(reg.W64, reg.AX), ir.Imm(reg.W64, ax.Value))
	residual.Append(mov)
}

func isAluBinary(op ir.OpKind) bool {
	switch op {
	case ir.OpADD, ir.OpADC, ir.OpSUB, ir.OpSBB, ir.OpAND, ir.OpOR, ir.OpXOR, ir.OpCMP, ir.OpTEST:
		return true
	}
	return false
}

// operandAddr computes an indirect operand's effective address. It is only
// known when every register the addressing mode references is Known.
func (s *State) operandAddr(op ir.Operand) (addr uint64, known bool) {
	var base uint64
	if op.Base != reg.None {
		rs := s.Reg[op.Base]
		if rs.Tag != Known {
			return 0, false
		}
		base = rs.Value
	}
	var idx uint64
	if op.Scale > 0 {
		rs := s.Reg[op.Ireg]
		if rs.Tag != Known {
			return 0, false
		}
		idx = rs.Value * uint64(op.Scale)
	}
	return uint64(int64(base+idx) + op.Disp), true
}

// readHostMemory dereferences a known address outside the private stack —
// e.g. a global constant or a value reachable through a known argument
// pointer — the same constant-folding-through-pointers a real rewriter
// performs. The caller is trusted to have already established the address
// is plausibly valid.
func readHostMemory(addr uint64, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		b := *(*byte)(unsafe.Pointer(uintptr(addr) + uintptr(i)))
		v |= uint64(b) << (8 * i)
	}
	return v
}

func tagFor(known bool) Tag {
	if known {
		return Known
	}
	return Unknown
}

// readOperand evaluates op against s. It never returns a non-nil err: an
// unresolvable address (Unknown), or a Known address outside the private
// stack that is below 4096 or read while AllowHostMemory is off, returns
// known=false, so the instruction simply gets captured instead. Any other
// Known address outside the stack is read from host memory as Known.
func (s *State) readOperand(op ir.Operand) (value uint64, known bool, err error) {
	switch op.Tag {
	case ir.TagImm:
		return op.Imm, true, nil
	case ir.TagReg:
		slot := s.Reg[op.Reg]
		return op.Width.Truncate(slot.Value), slot.Tag == Known, nil
	case ir.TagInd:
		addr, addrKnown := s.operandAddr(op)
		if !addrKnown {
			return 0, false, nil
		}
		size := op.Width.Bytes()
		if size == 0 {
			size = 8
		}
		if v, k, inRange := s.readStack(addr, size); inRange {
			return v, k, nil
		}
		if addr < 4096 || !s.AllowHostMemory {
			// Not safely dereferenceable from here (or this State has opted
			// out of host reads entirely); treat as opaque rather than risk
			// a real segfault during analysis.
			return 0, false, nil
		}
		return readHostMemory(addr, size), true, nil
	}
	return 0, false, nil
}

// writeOperand stores value into op. It returns folded=true when the write
// was absorbed into abstract state (a register, or a known address inside
// the private stack) and false when the instruction must instead be
// captured because the destination cannot be resolved or lies in real
// memory this analysis must not touch.
func (s *State) writeOperand(op ir.Operand, value uint64, known bool) (folded bool) {
	switch op.Tag {
	case ir.TagReg:
		s.Reg[op.Reg] = Slot{Tag: tagFor(known), Value: op.Width.Truncate(value)}
		return true
	case ir.TagInd:
		addr, addrKnown := s.operandAddr(op)
		if !addrKnown {
			return false
		}
		size := op.Width.Bytes()
		if size == 0 {
			size = 8
		}
		return s.writeStack(addr, size, value, known)
	}
	return false
}

func (s *State) stepPush(instr ir.Instruction, residual *code.Code) error {
	v, known, err := s.readOperand(instr.Dst)
	if err != nil {
		return err
	}
	size := instr.Dst.Width.Bytes()
	if size == 0 {
		size = 8
	}
	sp := s.Reg[reg.SP]
	newSP := sp.Value - uint64(size)
	if !s.writeStack(newSP, size, v, known) {
		return fmt.Errorf("%w: push at %#x", ErrStackOutOfBounds, instr.Addr)
	}
	s.Reg[reg.SP] = Slot{Tag: Known, Value: newSP}
	return nil
}

func (s *State) stepPop(instr ir.Instruction, residual *code.Code) error {
	size := instr.Dst.Width.Bytes()
	if size == 0 {
		size = 8
	}
	sp := s.Reg[reg.SP]
	v, known, inRange := s.readStack(sp.Value, size)
	if !inRange {
		return fmt.Errorf("%w: pop at %#x", ErrStackOutOfBounds, instr.Addr)
	}
	s.Reg[instr.Dst.Reg] = Slot{Tag: tagFor(known), Value: instr.Dst.Width.Truncate(v)}
	s.Reg[reg.SP] = Slot{Tag: Known, Value: sp.Value + uint64(size)}
	return nil
}

func (s *State) stepLeave(instr ir.Instruction, residual *code.Code) error {
	bp := s.Reg[reg.BP]
	if bp.Tag != Known {
		return bailOut("leave at %#x with unknown frame pointer", instr.Addr)
	}
	s.Reg[reg.SP] = Slot{Tag: Known, Value: bp.Value}
	v, known, inRange := s.readStack(bp.Value, 8)
	if !inRange {
		return fmt.Errorf("%w: leave at %#x", ErrStackOutOfBounds, instr.Addr)
	}
	s.Reg[reg.BP] = Slot{Tag: tagFor(known), Value: v}
	s.Reg[reg.SP] = Slot{Tag: Known, Value: bp.Value + 8}
	return nil
}

func (s *State) stepLea(instr ir.Instruction, residual *code.Code) error {
	addr, known := s.operandAddr(instr.Src)
	if !known {
		residual.Append(instr)
		s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		return nil
	}
	s.Reg[instr.Dst.Reg] = Slot{Tag: Known, Value: instr.Dst.Width.Truncate(addr)}
	return nil
}

func (s *State) stepMov(instr ir.Instruction, residual *code.Code) error {
	v, known, err := s.readOperand(instr.Src)
	if err != nil {
		return err
	}
	if instr.Dst.IsInd() {
		if s.writeOperand(instr.Dst, v, known) {
			return nil
		}
		residual.Append(instr)
		return nil
	}
	if !known {
		residual.Append(instr)
	}
	s.Reg[instr.Dst.Reg] = Slot{Tag: tagFor(known), Value: instr.Dst.Width.Truncate(v)}
	return nil
}

func (s *State) stepExtendingLoad(instr ir.Instruction, residual *code.Code) error {
	v, known, err := s.readOperand(instr.Src)
	if err != nil {
		return err
	}
	if !known {
		residual.Append(instr)
		s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		return nil
	}
	srcBits := uint(instr.Src.Width.Bytes() * 8)
	raw := v & ((1 << srcBits) - 1)
	var ext uint64
	if instr.Op == ir.OpMOVZX {
		ext = raw
	} else if raw>>(srcBits-1)&1 != 0 {
		ext = raw | ^uint64(0)<<srcBits
	} else {
		ext = raw
	}
	s.Reg[instr.Dst.Reg] = Slot{Tag: Known, Value: instr.Dst.Width.Truncate(ext)}
	return nil
}

func (s *State) stepAluBinary(instr ir.Instruction, residual *code.Code) error {
	a, aKnown, err := s.readOperand(instr.Dst)
	if err != nil {
		return err
	}
	b, bKnown, err := s.readOperand(instr.Src)
	if err != nil {
		return err
	}
	writesResult := instr.Op != ir.OpCMP && instr.Op != ir.OpTEST

	if !aKnown || !bKnown {
		residual.Append(instr)
		if writesResult && instr.Dst.IsReg() {
			s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		}
		s.Flags = FlagState{Tag: Unknown}
		return nil
	}

	var result uint64
	var flags uint8
	switch instr.Op {
	case ir.OpADD, ir.OpADC:
		result, flags = addFlags(a, b, instr.VType)
	case ir.OpSUB, ir.OpSBB, ir.OpCMP:
		result, flags = subFlags(a, b, instr.VType)
	case ir.OpAND, ir.OpTEST:
		result = instr.VType.Truncate(a & b)
		flags = logicFlags(result, instr.VType)
	case ir.OpOR:
		result = instr.VType.Truncate(a | b)
		flags = logicFlags(result, instr.VType)
	case ir.OpXOR:
		result = instr.VType.Truncate(a ^ b)
		flags = logicFlags(result, instr.VType)
	}
	s.Flags = FlagState{Tag: Known, Flags: flags}
	if writesResult && instr.Dst.IsReg() {
		s.Reg[instr.Dst.Reg] = Slot{Tag: Known, Value: instr.VType.Truncate(result)}
	}
	return nil
}

func (s *State) stepUnaryArith(instr ir.Instruction, residual *code.Code) error {
	v, known, err := s.readOperand(instr.Dst)
	if err != nil {
		return err
	}
	if !known {
		residual.Append(instr)
		if instr.Dst.IsReg() {
			s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		}
		s.Flags = FlagState{Tag: Unknown}
		return nil
	}
	var result uint64
	if instr.Op == ir.OpNEG {
		var flags uint8
		result, flags = subFlags(0, v, instr.VType)
		s.Flags = FlagState{Tag: Known, Flags: flags}
	} else {
		result = instr.VType.Truncate(^v)
	}
	if instr.Dst.IsReg() {
		s.Reg[instr.Dst.Reg] = Slot{Tag: Known, Value: result}
	}
	return nil
}

func (s *State) stepIncDec(instr ir.Instruction, residual *code.Code) error {
	v, known, err := s.readOperand(instr.Dst)
	if err != nil {
		return err
	}
	if !known {
		residual.Append(instr)
		if instr.Dst.IsReg() {
			s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		}
		s.Flags = FlagState{Tag: Unknown}
		return nil
	}
	var result uint64
	var flags uint8
	if instr.Op == ir.OpINC {
		result, flags = addFlags(v, 1, instr.VType)
	} else {
		result, flags = subFlags(v, 1, instr.VType)
	}
	flags &^= FlagC // INC/DEC never touch CF
	if s.Flags.Tag == Known {
		flags |= s.Flags.Flags & FlagC
		s.Flags = FlagState{Tag: Known, Flags: flags}
	} else {
		s.Flags = FlagState{Tag: Unknown}
	}
	if instr.Dst.IsReg() {
		s.Reg[instr.Dst.Reg] = Slot{Tag: Known, Value: result}
	}
	return nil
}

func (s *State) stepShift(instr ir.Instruction, residual *code.Code) error {
	v, known, err := s.readOperand(instr.Dst)
	if err != nil {
		return err
	}
	if !instr.Src.IsImm() || !known {
		// Shift-by-CL isn't natively modeled; treat it as opaque.
		residual.Append(instr)
		if instr.Dst.IsReg() {
			s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		}
		s.Flags = FlagState{Tag: Unknown}
		return nil
	}
	bits := uint(instr.VType.Bytes() * 8)
	shift := instr.Src.Imm & 0x3F
	if shift >= uint64(bits) {
		shift %= uint64(bits)
	}
	var result uint64
	switch instr.Op {
	case ir.OpSHL:
		result = instr.VType.Truncate(v << shift)
	case ir.OpSHR:
		result = instr.VType.Truncate(v) >> shift
	case ir.OpSAR:
		sv := int64(v<<(64-bits)) >> (64 - bits) // sign-extend to 64 bits
		result = instr.VType.Truncate(uint64(sv >> shift))
	}
	// CF/OF for shifts depend on the bit shifted out and, for shift==1, the
	// top two bits before the shift; not modeled here, so they read as 0.
	s.Flags = FlagState{Tag: Known, Flags: classify(result, instr.VType)}
	if instr.Dst.IsReg() {
		s.Reg[instr.Dst.Reg] = Slot{Tag: Known, Value: result}
	}
	return nil
}

func (s *State) stepSetcc(instr ir.Instruction, residual *code.Code) error {
	if s.Flags.Tag != Known {
		residual.Append(instr)
		if instr.Dst.IsReg() {
			s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		}
		return nil
	}
	var v uint64
	if evalCond(s.Flags.Flags, instr.Op.SETccCond()) {
		v = 1
	}
	if s.writeOperand(instr.Dst, v, true) {
		return nil
	}
	residual.Append(instr)
	return nil
}

func (s *State) stepCmovcc(instr ir.Instruction, residual *code.Code) error {
	if s.Flags.Tag != Known {
		residual.Append(instr)
		if instr.Dst.IsReg() {
			s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		}
		return nil
	}
	if !evalCond(s.Flags.Flags, instr.Op.CMOVccCond()) {
		return nil // condition false: destination is architecturally unchanged
	}
	v, known, err := s.readOperand(instr.Src)
	if err != nil {
		return err
	}
	if !known {
		residual.Append(instr)
		if instr.Dst.IsReg() {
			s.Reg[instr.Dst.Reg] = Slot{Tag: Unknown}
		}
		return nil
	}
	if instr.Dst.IsReg() {
		s.Reg[instr.Dst.Reg] = Slot{Tag: Known, Value: instr.Dst.Width.Truncate(v)}
	}
	return nil
}

func (s *State) stepCall(instr ir.Instruction, residual *code.Code) error {
	residual.Append(instr)
	for _, r := range callerSaved {
		s.Reg[r] = Slot{Tag: Unknown}
	}
	s.Flags = FlagState{Tag: Unknown}
	return nil
}
