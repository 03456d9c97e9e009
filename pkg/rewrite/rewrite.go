// Package rewrite wires the decoder, capturing emulator and emitter behind
// a single Specialize entry point, and offers a worker-pool driven batch
// variant for running many independent specializations concurrently.
package rewrite

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/oisee/dbrew-go/pkg/arena"
	"github.com/oisee/dbrew-go/pkg/code"
	"github.com/oisee/dbrew-go/pkg/decode"
	"github.com/oisee/dbrew-go/pkg/emit"
	"github.com/oisee/dbrew-go/pkg/emu"
	"github.com/oisee/dbrew-go/pkg/reg"
)

// ABITable names the System V AMD64 integer argument registers in order,
// the redesign point that replaces the source's inline host assembly for
// argument capture with a declarative lookup.
var ABITable = reg.ABITable

// ArgKind distinguishes a compile-time-known argument from one the
// specialization must still treat as a runtime value.
type ArgKind uint8

const (
	// ArgUnknown means the emulator must not fold any use of this argument.
	ArgUnknown ArgKind = iota
	// ArgKnown means the argument is a fixed constant for this specialization.
	ArgKnown
)

// Arg is one calling-convention slot's capture policy.
type Arg struct {
	Kind  ArgKind
	Value uint64
}

// Known builds an Arg the emulator will treat as a compile-time constant.
func Known(v uint64) Arg { return Arg{Kind: ArgKnown, Value: v} }

// Unknown builds an Arg the emulator must preserve as a runtime value.
func Unknown() Arg { return Arg{Kind: ArgUnknown} }

// Options bounds the resources a single Specialize call may consume.
type Options struct {
	// MaxInstructions is passed to decode.Decode as its byte budget: it caps
	// how many bytes the decoder will read from fn (and so, at most, how
	// many instructions) before giving up (decode.Decode's stopAtRet already stops at
	// the first RET, this is a hard backstop against runaway decoding).
	MaxInstructions int
	// ArenaSize is the executable arena's byte capacity hint.
	ArenaSize int
	// StackSize is the emulator's private stack capacity hint.
	StackSize int
}

// DefaultOptions returns the resource hints used when a caller passes a
// zero Options value.
func DefaultOptions() Options {
	return Options{MaxInstructions: 4096, ArenaSize: 4096, StackSize: emu.DefaultStackSize}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxInstructions <= 0 {
		o.MaxInstructions = d.MaxInstructions
	}
	if o.ArenaSize <= 0 {
		o.ArenaSize = d.ArenaSize
	}
	if o.StackSize <= 0 {
		o.StackSize = d.StackSize
	}
	return o
}

// Specialized is the result of a successful specialization. Func is only
// valid to call while Arena is alive; the caller owns the Arena's lifetime
// and must Destroy it once Func is no longer needed.
type Specialized struct {
	Func    unsafe.Pointer
	Arena   *arena.Arena
	BailOut bool
	Reason  string
}

// ErrTooManyArgs is returned when more arguments are supplied than ABITable
// has slots for.
var ErrTooManyArgs = errors.New("rewrite: more arguments than ABI registers")

// Specialize decodes fn, emulates it under the given argument capture
// policy, and emits a residual function into a fresh executable arena. On
// BailOut (the emulator cannot preserve semantics, e.g. a conditional
// branch on Unknown flags) it returns the original fn unchanged, with
// Specialized.BailOut set and Arena nil — there is nothing to destroy.
func Specialize(fn unsafe.Pointer, args []Arg, opts Options) (Specialized, error) {
	if len(args) > len(ABITable) {
		return Specialized{}, ErrTooManyArgs
	}
	opts = opts.withDefaults()

	decoded := decode.Decode(uintptr(fn), opts.MaxInstructions, true)

	state := emu.NewState(opts.StackSize)
	for i, a := range args {
		if a.Kind == ArgKnown {
			state.SeedKnown(ABITable[i], reg.W64, a.Value)
		} else {
			state.SeedUnknown(ABITable[i])
		}
	}
	for i := len(args); i < len(ABITable); i++ {
		state.SeedUnknown(ABITable[i])
	}

	// +1: a RET that flushes a folded-Known AX value appends a synthesized
	// MOV ahead of itself, one more instruction than the decoded count.
	residual := code.New(decoded.Len() + 1)
	for i := 0; i < decoded.Len(); i++ {
		instr := decoded.At(i)
		if err := state.Step(instr, residual); err != nil {
			var bo *emu.BailOutErr
			if errors.As(err, &bo) {
				return Specialized{Func: fn, BailOut: true, Reason: bo.Error()}, nil
			}
			return Specialized{}, fmt.Errorf("rewrite: specialize at instruction %d: %w", i, err)
		}
	}

	a, err := arena.Create(opts.ArenaSize)
	if err != nil {
		return Specialized{}, err
	}
	entry, err := emit.Emit(a, residual)
	if err != nil {
		a.Destroy()
		return Specialized{}, err
	}

	return Specialized{Func: unsafe.Pointer(entry), Arena: a}, nil
}

// Request is one independent unit of work for SpecializeBatch.
type Request struct {
	Name string
	Fn   unsafe.Pointer
	Args []Arg
	Opts Options
}

// Result pairs a Request's Name with its outcome.
type Result struct {
	Name        string
	Specialized Specialized
	Err         error
}

// SpecializeBatch runs reqs across numWorkers goroutines, one Specialize
// call per request. Each request owns disjoint Code/EmuState/Arena values,
// so unlike the synchronous core pipeline, concurrent execution here is
// safe: no shared mutable state crosses a goroutine boundary.
func SpecializeBatch(reqs []Request, numWorkers int) []Result {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(reqs) {
		numWorkers = len(reqs)
	}
	if numWorkers <= 0 {
		return nil
	}

	results := make([]Result, len(reqs))
	type indexed struct {
		idx int
		req Request
	}
	ch := make(chan indexed, len(reqs))
	for i, r := range reqs {
		ch <- indexed{i, r}
	}
	close(ch)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range ch {
				spec, err := Specialize(item.req.Fn, item.req.Args, item.req.Opts)
				results[item.idx] = Result{Name: item.req.Name, Specialized: spec, Err: err}
			}
		}()
	}
	wg.Wait()

	return results
}
