package ir

import (
	"testing"

	"github.com/oisee/dbrew-go/pkg/reg"
)

// TestInstructionCopyIndependence verifies that mutating a copy's operands
// never reaches back into the original, and vice versa.
func TestInstructionCopyIndependence(t *testing.T) {
	orig := NewBinary(0x1000, OpADD, reg.W64,
		Register(reg.W64, reg.AX),
		Indirect(reg.W64, reg.BX, reg.CX, 2, 8, SegNone))
	AttachPassthrough(&orig, Prefix66, EncMR, ChangeDstDynamic, []byte{0x0F, 0x10})

	cp := orig.Copy()
	if !cp.Equal(orig) {
		t.Fatalf("fresh copy should equal the original: %+v vs %+v", cp, orig)
	}

	cp.Dst.Reg = reg.DX
	cp.Src.Disp = 99
	cp.PT.PSet = PrefixF2
	cp.PT.Opc[0] = 0xFF

	if orig.Dst.Reg != reg.AX {
		t.Fatalf("mutating the copy's Dst leaked into the original: %v", orig.Dst.Reg)
	}
	if orig.Src.Disp != 8 {
		t.Fatalf("mutating the copy's Src leaked into the original: %v", orig.Src.Disp)
	}
	if orig.PT.PSet != Prefix66 {
		t.Fatalf("mutating the copy's passthrough leaked into the original: %v", orig.PT.PSet)
	}
	if orig.PT.Opc[0] != 0x0F {
		t.Fatalf("mutating the copy's opcode bytes leaked into the original: %#x", orig.PT.Opc[0])
	}
}

// TestInstructionEqualIgnoresAddr verifies Equal treats two instructions at
// different addresses as equal when every re-emission-relevant field matches.
func TestInstructionEqualIgnoresAddr(t *testing.T) {
	a := NewUnary(0x1000, OpPUSH, Register(reg.W64, reg.BP))
	b := NewUnary(0x2000, OpPUSH, Register(reg.W64, reg.BP))
	if !a.Equal(b) {
		t.Fatalf("instructions differing only in Addr should be Equal: %+v vs %+v", a, b)
	}
}

// TestInstructionEqualDetectsPassthroughDivergence verifies Equal compares
// the passthrough annotation once attached, not just the modeled operands.
func TestInstructionEqualDetectsPassthroughDivergence(t *testing.T) {
	a := NewUnary(0x1000, OpSETO, Register(reg.W8, reg.AX))
	b := NewUnary(0x1000, OpSETO, Register(reg.W8, reg.AX))
	AttachPassthrough(&a, PrefixNone, EncNone, ChangeDstDynamic, []byte{0x0F, 0x90})
	AttachPassthrough(&b, PrefixNone, EncNone, ChangeDstDynamic, []byte{0x0F, 0x91})

	if a.Equal(b) {
		t.Fatal("instructions with differing passthrough opcode bytes should not be Equal")
	}
}
