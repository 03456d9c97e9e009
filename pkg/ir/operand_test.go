package ir

import (
	"testing"

	"github.com/oisee/dbrew-go/pkg/reg"
)

// TestOperandEqualReflexive verifies every operand variant equals itself.
func TestOperandEqualReflexive(t *testing.T) {
	operands := []Operand{
		{},
		Imm(reg.W32, 0x2A),
		Imm(reg.W64, 0xFFFFFFFFFFFFFFFF),
		Register(reg.W64, reg.AX),
		Register(reg.W8, reg.DI),
		Indirect(reg.W64, reg.BX, reg.None, 0, 8, SegNone),
		Indirect(reg.W32, reg.BP, reg.SI, 4, -16, SegFS),
	}
	for i, o := range operands {
		if !o.Equal(o) {
			t.Errorf("operand %d (%+v) does not equal itself", i, o)
		}
	}
}

// TestOperandEqualSymmetric verifies Equal agrees regardless of argument order,
// across both equal and unequal pairs.
func TestOperandEqualSymmetric(t *testing.T) {
	pairs := [][2]Operand{
		{Imm(reg.W32, 7), Imm(reg.W32, 7)},
		{Imm(reg.W32, 7), Imm(reg.W32, 8)},
		{Register(reg.W64, reg.CX), Register(reg.W64, reg.CX)},
		{Register(reg.W64, reg.CX), Register(reg.W32, reg.CX)},
		{Indirect(reg.W64, reg.AX, reg.CX, 2, 4, SegNone), Indirect(reg.W64, reg.AX, reg.CX, 2, 4, SegNone)},
		{Indirect(reg.W64, reg.AX, reg.CX, 2, 4, SegNone), Indirect(reg.W64, reg.AX, reg.DX, 2, 4, SegNone)},
	}
	for i, p := range pairs {
		if p[0].Equal(p[1]) != p[1].Equal(p[0]) {
			t.Errorf("pair %d: Equal not symmetric for %+v and %+v", i, p[0], p[1])
		}
	}
}

// TestOperandEqualTransitive verifies that a chain of pairwise-equal operands
// is fully mutually equal, even when built via different constructors.
func TestOperandEqualTransitive(t *testing.T) {
	a := Indirect(reg.W64, reg.SP, reg.None, 0, 0, SegNone)
	b := Indirect(reg.W64, reg.SP, reg.BX, 0, 0, SegNone) // Scale==0: Ireg must be ignored
	c := Operand{Tag: TagInd, Width: reg.W64, Base: reg.SP}

	if !a.Equal(b) || !b.Equal(c) {
		t.Fatalf("expected a, b, c mutually equal; got a=%+v b=%+v c=%+v", a, b, c)
	}
	if !a.Equal(c) {
		t.Fatal("Equal is not transitive: a == b, b == c, but a != c")
	}
}

// TestIndirectIgnoresIregWhenScaleZero confirms the documented Scale==0
// invariant: Ireg never leaks into comparison or construction.
func TestIndirectIgnoresIregWhenScaleZero(t *testing.T) {
	o := Indirect(reg.W64, reg.AX, reg.CX, 0, 0, SegNone)
	if o.Ireg != reg.None {
		t.Fatalf("Ireg = %v, want reg.None when scale is 0", o.Ireg)
	}
}
