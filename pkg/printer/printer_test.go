package printer

import (
	"testing"

	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

func TestFormatOperandRegister(t *testing.T) {
	cases := []struct {
		op   ir.Operand
		want string
	}{
		{ir.Register(reg.W64, reg.AX), "%rax"},
		{ir.Register(reg.W32, reg.AX), "%eax"},
		{ir.Register(reg.W64, reg.R8), "%r8"},
		{ir.Register(reg.W32, reg.R8), "%r8d"},
		{ir.Register(reg.W8, reg.R9), "%r9b"},
	}
	for _, c := range cases {
		if got := FormatOperand(c.op); got != c.want {
			t.Errorf("FormatOperand(%+v) = %q, want %q", c.op, got, c.want)
		}
	}
}

func TestFormatOperandImmediate(t *testing.T) {
	op := ir.Imm(reg.W64, 0x2A)
	if got, want := FormatOperand(op), "$0x2a"; got != want {
		t.Errorf("FormatOperand(imm) = %q, want %q", got, want)
	}
}

func TestFormatOperandIndirect(t *testing.T) {
	cases := []struct {
		op   ir.Operand
		want string
	}{
		{ir.Indirect(reg.W64, reg.BP, reg.None, 0, -8, ir.SegNone), "-0x8(%rbp)"},
		{ir.Indirect(reg.W64, reg.AX, reg.DX, 4, 0, ir.SegNone), "(%rax,%rdx,4)"},
		{ir.Indirect(reg.W64, reg.AX, reg.None, 0, 0x10, ir.SegNone), "0x10(%rax)"},
	}
	for _, c := range cases {
		if got := FormatOperand(c.op); got != c.want {
			t.Errorf("FormatOperand(%+v) = %q, want %q", c.op, got, c.want)
		}
	}
}

func TestFormatInstructionTwoOperand(t *testing.T) {
	instr := ir.NewBinary(0x1000, ir.OpMOV, reg.W64, ir.Register(reg.W64, reg.AX), ir.Register(reg.W64, reg.DI))
	want := "mov %rdi, %rax"
	if got := FormatInstruction(instr); got != want {
		t.Errorf("FormatInstruction = %q, want %q", got, want)
	}
}

func TestFormatInstructionZeroOperand(t *testing.T) {
	instr := ir.NewSimple(0x1000, ir.OpRET)
	if got, want := FormatInstruction(instr), "ret"; got != want {
		t.Errorf("FormatInstruction = %q, want %q", got, want)
	}
}

func TestMnemonicConditionSuffixes(t *testing.T) {
	if got, want := Mnemonic(ir.OpJZ), "je"; got != want {
		t.Errorf("Mnemonic(OpJZ) = %q, want %q", got, want)
	}
	if got, want := Mnemonic(ir.OpSETG), "setg"; got != want {
		t.Errorf("Mnemonic(OpSETG) = %q, want %q", got, want)
	}
	if got, want := Mnemonic(ir.OpCMOVLE), "cmovle"; got != want {
		t.Errorf("Mnemonic(OpCMOVLE) = %q, want %q", got, want)
	}
}
