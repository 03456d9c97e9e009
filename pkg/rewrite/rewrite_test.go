package rewrite

import (
	"testing"
	"unsafe"

	"github.com/oisee/dbrew-go/pkg/arena"
)

// loadFunc copies code into a fresh executable arena and returns a callable
// pointer to it, mirroring how a real caller would hand Specialize a
// pointer into their own compiled binary.
func loadFunc(t *testing.T, code []byte) (unsafe.Pointer, *arena.Arena) {
	t.Helper()
	a, err := arena.Create(4096)
	if err != nil {
		t.Fatalf("arena.Create: %v", err)
	}
	if _, err := a.Commit(len(code)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	a.Write(0, code)
	return a.FuncAt(0), a
}

func TestSpecializeIdentityFunction(t *testing.T) {
	// push %rbp; mov %rsp,%rbp; mov %rdi,%rax; pop %rbp; ret
	fn, src := loadFunc(t, []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x89, 0xF8, 0x5D, 0xC3})
	t.Cleanup(func() { src.Destroy() })

	spec, err := Specialize(fn, []Arg{Unknown()}, Options{})
	if err != nil {
		t.Fatalf("Specialize: %v", err)
	}
	if spec.BailOut {
		t.Fatalf("unexpected bail-out: %s", spec.Reason)
	}
	t.Cleanup(func() { spec.Arena.Destroy() })

	// rdi is Unknown, so "mov %rdi,%rax" must survive verbatim, followed
	// by the ret -- the frame push/pop is pure bookkeeping and folds away.
	want := []byte{0x48, 0x89, 0xF8, 0xC3}
	got := unsafe.Slice((*byte)(spec.Func), len(want))
	for i, b := range want {
		if got[i] != b {
			t.Fatalf("residual byte %d = %#x, want %#x (full: % x)", i, got[i], b, got)
		}
	}
}

func TestSpecializeConstantFold(t *testing.T) {
	// mov %rdi,%rax; add %rsi,%rax; ret -- computes a+b
	fn, src := loadFunc(t, []byte{
		0x48, 0x89, 0xF8,
		0x48, 0x01, 0xF0,
		0xC3,
	})
	t.Cleanup(func() { src.Destroy() })

	spec, err := Specialize(fn, []Arg{Known(3), Known(4)}, Options{})
	if err != nil {
		t.Fatalf("Specialize: %v", err)
	}
	if spec.BailOut {
		t.Fatalf("unexpected bail-out: %s", spec.Reason)
	}
	t.Cleanup(func() { spec.Arena.Destroy() })

	// movabs $0x7,%rax ; ret -- the compact 64-bit immediate-to-register form
	want := []byte{0x48, 0xB8, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xC3}
	got := unsafe.Slice((*byte)(spec.Func), len(want))
	for i, b := range want {
		if got[i] != b {
			t.Fatalf("residual byte %d = %#x, want %#x (full: % x)", i, got[i], b, got)
		}
	}
}

func TestSpecializeBailOutReturnsOriginal(t *testing.T) {
	// cmp %rsi,%rdi; je +2; ret  -- a conditional jump on an Unknown flag
	fn, src := loadFunc(t, []byte{
		0x48, 0x39, 0xF7,
		0x74, 0x02,
		0xC3,
	})
	t.Cleanup(func() { src.Destroy() })

	spec, err := Specialize(fn, []Arg{Unknown(), Unknown()}, Options{})
	if err != nil {
		t.Fatalf("Specialize: %v", err)
	}
	if !spec.BailOut {
		t.Fatal("expected bail-out on Unknown-flag conditional jump")
	}
	if spec.Func != fn {
		t.Fatal("bail-out must return the original function pointer unchanged")
	}
	if spec.Arena != nil {
		t.Fatal("bail-out must not allocate an arena")
	}
}

func TestSpecializeBatchRunsIndependently(t *testing.T) {
	fn1, src1 := loadFunc(t, []byte{0x48, 0x89, 0xF8, 0xC3}) // mov %rdi,%rax; ret
	fn2, src2 := loadFunc(t, []byte{0x48, 0x89, 0xF8, 0xC3})
	t.Cleanup(func() { src1.Destroy(); src2.Destroy() })

	reqs := []Request{
		{Name: "a", Fn: fn1, Args: []Arg{Known(10)}},
		{Name: "b", Fn: fn2, Args: []Arg{Known(20)}},
	}
	results := SpecializeBatch(reqs, 2)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("request %s: %v", r.Name, r.Err)
		}
		if r.Specialized.BailOut {
			t.Fatalf("request %s: unexpected bail-out: %s", r.Name, r.Specialized.Reason)
		}
		r.Specialized.Arena.Destroy()
	}
}
