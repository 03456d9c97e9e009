package decode

import (
	"testing"

	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

// identityBytes is the canonical `long f(long a) { return a; }` prologue
// used throughout the design spec's worked examples:
//
//	push %rbp
//	mov  %rsp, %rbp
//	mov  %rdi, %rax
//	pop  %rbp
//	ret
var identityBytes = []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x89, 0xF8, 0x5D, 0xC3}

func TestDecodeIdentityFunction(t *testing.T) {
	c := DecodeBytes(identityBytes, 0x1000, len(identityBytes), true)
	if c.Len() != 5 {
		t.Fatalf("got %d instructions, want 5", c.Len())
	}
	wantOps := []ir.OpKind{ir.OpPUSH, ir.OpMOV, ir.OpMOV, ir.OpPOP, ir.OpRET}
	for i, want := range wantOps {
		got := c.At(i).Op
		if got != want {
			t.Errorf("instr %d: op = %v, want %v", i, got, want)
		}
	}
	total := 0
	for i := 0; i < c.Len(); i++ {
		total += c.At(i).Len
	}
	if total != len(identityBytes) {
		t.Errorf("decoded lengths sum to %d, want %d", total, len(identityBytes))
	}
}

func TestDecodeStopsAtRet(t *testing.T) {
	buf := append(append([]byte{}, identityBytes...), 0x90, 0x90, 0x90)
	c := DecodeBytes(buf, 0x2000, len(buf), true)
	if c.Len() != 5 {
		t.Fatalf("got %d instructions, want decode to stop at the ret (5 instructions)", c.Len())
	}
}

func TestDecodeRespectsMaxBudget(t *testing.T) {
	buf := []byte{0x90, 0x90, 0x90, 0x90}
	c := DecodeBytes(buf, 0x3000, 2, false)
	if c.Len() != 2 {
		t.Fatalf("got %d instructions, want 2 (budget-limited)", c.Len())
	}
}

func TestDecodeAddressesAreSequential(t *testing.T) {
	c := DecodeBytes(identityBytes, 0x4000, len(identityBytes), true)
	addr := uint64(0x4000)
	for i := 0; i < c.Len(); i++ {
		instr := c.At(i)
		if instr.Addr != addr {
			t.Errorf("instr %d: addr = %#x, want %#x", i, instr.Addr, addr)
		}
		addr += uint64(instr.Len)
	}
}

func TestDecodeModRMRegisterDirect(t *testing.T) {
	// mov %edi, %eax  (89 f8, no REX.W: 32-bit)
	buf := []byte{0x89, 0xF8}
	c := DecodeBytes(buf, 0x5000, len(buf), false)
	if c.Len() != 1 {
		t.Fatalf("got %d instructions, want 1", c.Len())
	}
	instr := c.At(0)
	if instr.Op != ir.OpMOV {
		t.Fatalf("op = %v, want OpMOV", instr.Op)
	}
	if !instr.Dst.IsReg() || !instr.Src.IsReg() {
		t.Fatalf("expected register operands, got dst=%+v src=%+v", instr.Dst, instr.Src)
	}
}

func TestDecodeInvalidOpcodeAdvancesOneByte(t *testing.T) {
	buf := []byte{0x0F, 0xFF, 0x90} // 0F FF is not decoded by this decoder
	c := DecodeBytes(buf, 0x6000, len(buf), false)
	if c.Len() == 0 {
		t.Fatal("expected at least one instruction")
	}
	if c.At(0).Op != ir.OpInvalid {
		t.Fatalf("op = %v, want OpInvalid", c.At(0).Op)
	}
	if c.At(0).Len != 1 {
		t.Fatalf("invalid-opcode length = %d, want 1", c.At(0).Len)
	}
}

func TestDecodeMovImmRespects16BitOperandWidth(t *testing.T) {
	// 66 c7 c0 34 12 -- mov $0x1234,%ax; then a trailing nop to catch any
	// immediate-width over-read desyncing the next instruction's offset.
	buf := []byte{0x66, 0xC7, 0xC0, 0x34, 0x12, 0x90}
	c := DecodeBytes(buf, 0x7100, len(buf), false)
	if c.Len() != 2 {
		t.Fatalf("got %d instructions, want 2 (mov + nop)", c.Len())
	}
	instr := c.At(0)
	if instr.Op != ir.OpMOV || instr.VType != reg.W16 {
		t.Fatalf("instr0 = %+v, want 16-bit OpMOV", instr)
	}
	if !instr.Src.IsImm() || instr.Src.Imm != 0x1234 {
		t.Fatalf("src = %+v, want imm 0x1234", instr.Src)
	}
	if instr.Len != 5 {
		t.Fatalf("instr0 length = %d, want 5 (66 c7 c0 34 12)", instr.Len)
	}
	if c.At(1).Op != ir.OpNOP {
		t.Fatalf("instr1 = %v, want OpNOP (decoder desynced past the 16-bit immediate)", c.At(1).Op)
	}
}

func TestDecodeMovRegImmRespects16BitOperandWidth(t *testing.T) {
	// 66 b8 34 12 -- mov $0x1234,%ax; then a trailing nop, same desync check.
	buf := []byte{0x66, 0xB8, 0x34, 0x12, 0x90}
	c := DecodeBytes(buf, 0x7200, len(buf), false)
	if c.Len() != 2 {
		t.Fatalf("got %d instructions, want 2 (mov + nop)", c.Len())
	}
	instr := c.At(0)
	if instr.Op != ir.OpMOV || instr.VType != reg.W16 {
		t.Fatalf("instr0 = %+v, want 16-bit OpMOV", instr)
	}
	if !instr.Src.IsImm() || instr.Src.Imm != 0x1234 {
		t.Fatalf("src = %+v, want imm 0x1234", instr.Src)
	}
	if instr.Len != 4 {
		t.Fatalf("instr0 length = %d, want 4 (66 b8 34 12)", instr.Len)
	}
	if c.At(1).Op != ir.OpNOP {
		t.Fatalf("instr1 = %v, want OpNOP (decoder desynced past the 16-bit immediate)", c.At(1).Op)
	}
}

func TestDecodeGroup1ImmSignExtended(t *testing.T) {
	// sub $0x8, %rsp  (48 83 ec 08)
	buf := []byte{0x48, 0x83, 0xEC, 0x08}
	c := DecodeBytes(buf, 0x7000, len(buf), false)
	if c.Len() != 1 {
		t.Fatalf("got %d instructions, want 1", c.Len())
	}
	instr := c.At(0)
	if instr.Op != ir.OpSUB {
		t.Fatalf("op = %v, want OpSUB", instr.Op)
	}
	if !instr.Src.IsImm() || instr.Src.Imm != 8 {
		t.Fatalf("src = %+v, want imm 8", instr.Src)
	}
}
