// Package code holds the decoded-instruction buffer shared by the decoder
// and the emulator.
package code

import (
	"fmt"

	"github.com/oisee/dbrew-go/pkg/ir"
)

// Code is a bounded-capacity, append-only sequence of instructions.
// Lifecycle: allocated before decoding, filled by the decoder, read by the
// emulator, discarded after the emitter runs.
type Code struct {
	buf []ir.Instruction
}

// New allocates a Code buffer able to hold up to capacity instructions
// without reallocating, mirroring the original source's fixed-size
// allocCode(capacity).
func New(capacity int) *Code {
	return &Code{buf: make([]ir.Instruction, 0, capacity)}
}

// Append adds instr to the end of the buffer.
//
// Panics if the buffer is already at capacity — like the original source's
// nextInstr assertion, this is a programming-error guard (the decoder must
// respect the byte/instruction budget it was given), not a recoverable
// runtime condition.
func (c *Code) Append(instr ir.Instruction) {
	if len(c.buf) == cap(c.buf) {
		panic(fmt.Sprintf("code: capacity %d exceeded", cap(c.buf)))
	}
	c.buf = append(c.buf, instr)
}

// Len returns the number of instructions currently stored.
func (c *Code) Len() int { return len(c.buf) }

// Cap returns the buffer's fixed capacity.
func (c *Code) Cap() int { return cap(c.buf) }

// At returns the instruction at index i.
func (c *Code) At(i int) ir.Instruction { return c.buf[i] }

// All returns the full backing slice. Callers must not retain it past the
// Code buffer's lifetime as documented by the owning pipeline stage.
func (c *Code) All() []ir.Instruction { return c.buf }
