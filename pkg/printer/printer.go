// Package printer renders decoded/residual IR as AT&T-syntax text, for
// tracing and diagnostics. It is a pure collaborator: nothing in the core
// decode/emulate/emit pipeline depends on it.
package printer

import (
	"strconv"
	"strings"

	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

var mnemonics = map[ir.OpKind]string{
	ir.OpNOP: "nop", ir.OpPUSH: "push", ir.OpPOP: "pop", ir.OpLEAVE: "leave",
	ir.OpMOV: "mov", ir.OpLEA: "lea", ir.OpMOVZX: "movzx", ir.OpMOVSX: "movsx",
	ir.OpNEG: "neg", ir.OpNOT: "not", ir.OpINC: "inc", ir.OpDEC: "dec",
	ir.OpADD: "add", ir.OpADC: "adc", ir.OpSUB: "sub", ir.OpSBB: "sbb",
	ir.OpIMUL: "imul", ir.OpAND: "and", ir.OpOR: "or", ir.OpXOR: "xor",
	ir.OpSHL: "shl", ir.OpSHR: "shr", ir.OpSAR: "sar",
	ir.OpCMP: "cmp", ir.OpTEST: "test",
	ir.OpCALL: "call", ir.OpRET: "ret", ir.OpJMP: "jmp", ir.OpJMPI: "jmp",
	ir.OpMOVSD: "movsd", ir.OpMOVSS: "movss",
	ir.OpInvalid: "(invalid)",
}

var condSuffix = [16]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

// Mnemonic returns op's mnemonic, including the condition suffix for the
// Jcc/SETcc/CMOVcc families (e.g. "je", "setg", "cmovle").
func Mnemonic(op ir.OpKind) string {
	switch {
	case op.IsJcc():
		return "j" + condSuffix[op.JccCond()]
	case op.IsCMOVcc():
		return "cmov" + condSuffix[op.CMOVccCond()]
	case op.IsSETcc():
		return "set" + condSuffix[op.SETccCond()]
	}
	if m, ok := mnemonics[op]; ok {
		return m
	}
	return "(unknown)"
}

// FormatOperand renders op in AT&T syntax: "%rax" for a 64-bit register,
// "$0x2a" for an immediate, "-0x8(%rbp,%rax,4)" for an indirect.
func FormatOperand(op ir.Operand) string {
	switch op.Tag {
	case ir.TagImm:
		return "$0x" + strconv.FormatUint(op.Imm, 16)
	case ir.TagReg:
		return "%" + regName(op.Reg, op.Width)
	case ir.TagInd:
		return formatIndirect(op)
	}
	return ""
}

func regSigil(w reg.Width) string {
	switch w {
	case reg.W64:
		return "r"
	case reg.W32:
		return "e"
	case reg.W16:
		return ""
	case reg.W8:
		return ""
	}
	return "r"
}

// regName renders r at width w, e.g. "rax"/"eax" for legacy GPRs and
// "r8"/"r8d"/"r8w"/"r8b" for the extended r8-r15 bank, which take a
// numeric suffix instead of the e/r prefix scheme.
func regName(r reg.Reg, w reg.Width) string {
	if r >= reg.R8 && r <= reg.R15 {
		base := "r" + r.Name()
		switch w {
		case reg.W32:
			return base + "d"
		case reg.W16:
			return base + "w"
		case reg.W8:
			return base + "b"
		default:
			return base
		}
	}
	return regSigil(w) + r.Name()
}

func formatIndirect(op ir.Operand) string {
	var b strings.Builder
	if op.Disp != 0 || op.Base == reg.None {
		if op.Disp < 0 {
			b.WriteString("-0x")
			b.WriteString(strconv.FormatInt(-op.Disp, 16))
		} else {
			b.WriteString("0x")
			b.WriteString(strconv.FormatInt(op.Disp, 16))
		}
	}
	hasBase := op.Base != reg.None
	hasIndex := op.Scale > 0 && op.Ireg != reg.None
	if !hasBase && !hasIndex {
		return b.String()
	}
	b.WriteByte('(')
	if hasBase {
		b.WriteString("%" + regName(op.Base, reg.W64))
	}
	if hasIndex {
		b.WriteByte(',')
		b.WriteString("%" + regName(op.Ireg, reg.W64))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(op.Scale))
	}
	b.WriteByte(')')
	return b.String()
}

// FormatInstruction renders a full instruction line: "mov %rdi, %rax".
func FormatInstruction(instr ir.Instruction) string {
	mnem := Mnemonic(instr.Op)
	switch instr.Form {
	case ir.Form0:
		return mnem
	case ir.Form1:
		return mnem + " " + FormatOperand(instr.Dst)
	case ir.Form2:
		return mnem + " " + FormatOperand(instr.Src) + ", " + FormatOperand(instr.Dst)
	case ir.Form3:
		return mnem + " " + FormatOperand(instr.Src2) + ", " + FormatOperand(instr.Src) + ", " + FormatOperand(instr.Dst)
	}
	return mnem
}

// FormatSequence joins a sequence of instructions the way the teacher's
// disasmSeq helper joins Z80 sequences: all on one line, separated by " : ".
func FormatSequence(instrs []ir.Instruction) string {
	lines := make([]string, len(instrs))
	for i, instr := range instrs {
		lines[i] = FormatInstruction(instr)
	}
	return strings.Join(lines, " : ")
}
