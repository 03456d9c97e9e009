package emit

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/oisee/dbrew-go/pkg/arena"
	"github.com/oisee/dbrew-go/pkg/code"
	"github.com/oisee/dbrew-go/pkg/decode"
)

// ptrBytes reads n bytes starting at a raw address, for asserting on the
// machine code the emitter wrote into the arena.
func ptrBytes(addr uintptr, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = *(*byte)(unsafe.Pointer(addr + uintptr(i)))
	}
	return out
}

// identityBytes is the canonical `long f(long a) { return a; }` prologue:
// push %rbp; mov %rsp,%rbp; mov %rdi,%rax; pop %rbp; ret.
var identityBytes = []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x89, 0xF8, 0x5D, 0xC3}

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()
	a, err := arena.Create(4096)
	if err != nil {
		t.Fatalf("arena.Create: %v", err)
	}
	t.Cleanup(func() { a.Destroy() })
	return a
}

// TestEmitCanonicalRoundTrip checks the emitter's re-encoding of the
// natively-known opcodes in the identity function (PUSH, MOV, POP, RET),
// which it must reproduce exactly: decoding the identity
// function's bytes and immediately re-emitting them (no folding in between)
// must reproduce the exact original byte sequence.
func TestEmitCanonicalRoundTrip(t *testing.T) {
	decoded := decode.DecodeBytes(identityBytes, 0x1000, len(identityBytes), true)
	a := newTestArena(t)
	entry, err := Emit(a, decoded)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	got := ptrBytes(entry, len(identityBytes))
	if !bytes.Equal(got, identityBytes) {
		t.Fatalf("re-emitted bytes = % x, want % x", got, identityBytes)
	}
}

// TestEmitRetOnly exercises the pipeline's most common residual shape: a
// fully-folded function whose only surviving instruction is the RET.
func TestEmitRetOnly(t *testing.T) {
	c := code.New(1)
	decoded := decode.DecodeBytes([]byte{0xC3}, 0x2000, 1, true)
	for i := 0; i < decoded.Len(); i++ {
		c.Append(decoded.At(i))
	}
	a := newTestArena(t)
	entry, err := Emit(a, c)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	got := ptrBytes(entry, 1)
	if !bytes.Equal(got, []byte{0xC3}) {
		t.Fatalf("got % x, want [c3]", got)
	}
}

// TestEmitAddImmediate exercises the ALU-immediate group encoding (used for
// the constant-fold-add scenario's residual when the add itself survives,
// e.g. when the register it adds to is Unknown): add $0x8,%rax re-encodes as a REX.W +
// 0x81 /0 group1 instruction.
func TestEmitAddImmediate(t *testing.T) {
	buf := []byte{0x48, 0x81, 0xC0, 0x08, 0x00, 0x00, 0x00} // add $0x8, %rax
	decoded := decode.DecodeBytes(buf, 0x3000, len(buf), false)
	a := newTestArena(t)
	entry, err := Emit(a, decoded)
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	got := ptrBytes(entry, len(buf))
	if !bytes.Equal(got, buf) {
		t.Fatalf("got % x, want % x", got, buf)
	}
}

// TestEmitUnsupportedBailOutOp confirms the emitter rejects OpInvalid rather
// than silently emitting garbage.
func TestEmitUnsupportedBailOutOp(t *testing.T) {
	buf := []byte{0x0F, 0xFF}
	decoded := decode.DecodeBytes(buf, 0x4000, len(buf), false)
	a := newTestArena(t)
	if _, err := Emit(a, decoded); err == nil {
		t.Fatal("expected an error emitting an invalid-opcode instruction")
	}
}
