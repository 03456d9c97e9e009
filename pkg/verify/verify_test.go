package verify

import (
	"testing"

	"github.com/oisee/dbrew-go/pkg/decode"
	"github.com/oisee/dbrew-go/pkg/ir"
)

func decodeAll(t *testing.T, buf []byte) []ir.Instruction {
	t.Helper()
	c := decode.DecodeBytes(buf, 0x1000, len(buf), true)
	return c.All()
}

func TestQuickCheckAcceptsIdentityResidual(t *testing.T) {
	// push %rbp; mov %rsp,%rbp; mov %rdi,%rax; pop %rbp; ret
	original := decodeAll(t, []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x89, 0xF8, 0x5D, 0xC3})
	// mov %rdi,%rax; ret -- the actual specialization of the above (the
	// frame push/pop is pure bookkeeping and folds away)
	residual := decodeAll(t, []byte{0x48, 0x89, 0xF8, 0xC3})

	if !QuickCheck(original, residual, []bool{false, false, false, false, false}) {
		t.Fatal("QuickCheck rejected a sound identity specialization")
	}
}

func TestQuickCheckAcceptsConstantFoldedAdd(t *testing.T) {
	// mov %rdi,%rax; add $0x2a,%rax; ret
	original := decodeAll(t, []byte{
		0x48, 0x89, 0xF8,
		0x48, 0x83, 0xC0, 0x2A,
		0xC3,
	})
	// mov $0x2a,%rax is not a faithful residual for an unknown rdi, so this
	// specialization instead treats rdi as known and bakes the whole sum in.
	residual := decodeAll(t, []byte{
		0x48, 0xC7, 0xC0, 0x2B, 0x00, 0x00, 0x00,
		0xC3,
	})

	if !QuickCheck(original, residual, []bool{true, false, false, false, false}) {
		t.Fatal("QuickCheck rejected a sound constant-folded specialization")
	}
}

func TestQuickCheckRejectsDivergentResidual(t *testing.T) {
	original := decodeAll(t, []byte{
		0x48, 0x89, 0xF8, // mov %rdi,%rax
		0xC3,
	})
	residual := decodeAll(t, []byte{
		0x48, 0xC7, 0xC0, 0x00, 0x00, 0x00, 0x00, // mov $0x0,%rax
		0xC3,
	})

	if QuickCheck(original, residual, []bool{false, false, false, false, false}) {
		t.Fatal("QuickCheck accepted a residual that discards the argument")
	}
}
