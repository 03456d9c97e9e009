// Package decode implements the x86-64 instruction decoder: prefix scan,
// opcode dispatch, and ModR/M+SIB+displacement parsing, producing the IR
// defined in pkg/ir. Decoding never traps the host: out-of-budget simply
// stops, and unrecognized opcodes become ir.OpInvalid instead of aborting.
package decode

import (
	"unsafe"

	"github.com/oisee/dbrew-go/pkg/code"
	"github.com/oisee/dbrew-go/pkg/ir"
	"github.com/oisee/dbrew-go/pkg/reg"
)

// source abstracts the raw byte stream being decoded, so the same decode
// loop serves both a live host address (via unsafe pointer arithmetic) and
// an in-memory []byte (for tests).
type source interface {
	at(offset int) byte
	len() int
}

type addrSource uintptr

func (s addrSource) at(o int) byte { return *(*byte)(unsafe.Pointer(uintptr(s) + uintptr(o))) }
func (s addrSource) len() int      { return int(^uint(0) >> 1) } // unbounded; budget governs the loop

type sliceSource []byte

// at returns 0 past the end of the slice rather than panicking: decodeOne's
// helpers (restBytes in particular) read a fixed lookahead window to keep
// parseModRM's signature simple, even when only a few of those bytes are
// part of a real instruction near the end of a short test buffer.
func (s sliceSource) at(o int) byte {
	if o < 0 || o >= len(s) {
		return 0
	}
	return s[o]
}
func (s sliceSource) len() int { return len(s) }

// Decode walks the byte stream at host address f, producing IR entries into
// a freshly allocated Code buffer until either max bytes have been consumed
// or a RET has been emitted with stopAtRet set.
func Decode(f uintptr, max int, stopAtRet bool) *code.Code {
	return decode(addrSource(f), uint64(f), max, stopAtRet)
}

// DecodeBytes is Decode's test-facing twin: it decodes an in-memory byte
// slice as if it began at baseAddr, with the same prefix/opcode/ModRM
// machinery.
func DecodeBytes(buf []byte, baseAddr uint64, max int, stopAtRet bool) *code.Code {
	if max > len(buf) {
		max = len(buf)
	}
	return decode(sliceSource(buf), baseAddr, max, stopAtRet)
}

func decode(src source, baseAddr uint64, max int, stopAtRet bool) *code.Code {
	c := code.New(max) // worst case: one single-byte instruction per budget byte
	o := 0
	for o < max {
		start := o
		addr := baseAddr + uint64(o)

		var rx rex
		var pset ir.PrefixSet
		for o < max {
			b := src.at(o)
			switch {
			case b >= 0x40 && b <= 0x4F:
				rx = parseREX(b)
				o++
				continue
			case b == 0x66:
				pset |= ir.Prefix66
				o++
				continue
			case b == 0xF2:
				pset |= ir.PrefixF2
				o++
				continue
			case b == 0xF3:
				pset |= ir.PrefixF3
				o++
				continue
			case b == 0x2E:
				pset |= ir.Prefix2E
				o++
				continue
			}
			break
		}

		d := &decodeCtx{src: src, o: o, rex: rx, pset: pset, addr: addr}
		instr, ok := decodeOne(d)
		if !ok {
			instr = ir.NewSimple(addr, ir.OpInvalid)
			instr.Len = 1
			o = start + 1
			c.Append(instr)
			continue
		}
		instr.Addr = addr
		instr.Len = d.o - start
		o = d.o
		c.Append(instr)

		if instr.Op == ir.OpRET && stopAtRet {
			break
		}
	}
	return c
}

// decodeCtx threads decode position and accumulated prefix state through
// the per-opcode decode helpers in opcodes.go.
type decodeCtx struct {
	src  source
	o    int
	rex  rex
	pset ir.PrefixSet
	addr uint64
}

func (d *decodeCtx) byte() byte {
	b := d.src.at(d.o)
	d.o++
	return b
}

func (d *decodeCtx) peek() byte { return d.src.at(d.o) }

func (d *decodeCtx) bytes(n int) []byte {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = d.src.at(d.o + i)
	}
	d.o += n
	return buf
}

func (d *decodeCtx) width() reg.Width { return operandWidth(d.rex, d.pset&ir.Prefix66 != 0) }
