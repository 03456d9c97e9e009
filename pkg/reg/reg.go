// Package reg defines the register identifiers and value widths shared by
// the decoder, emulator and emitter.
package reg

// Reg identifies a machine register. The general-purpose registers are
// numbered densely in x86 encoding order (AX=1..DI=8, R8=9..R15=16) because
// the decoder and emitter both compute register ids as `base + field` from
// raw ModR/M/SIB/REX bits — this coupling to the hardware encoding is
// deliberate, not an accident of translation from the original C.
type Reg uint8

const (
	None Reg = iota
	AX
	CX
	DX
	BX
	SP
	BP
	SI
	DI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	IP

	// Vector registers (MMX/XMM/YMM), decode-only.
	X0
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15

	Max
)

// IsGP reports whether r is one of the 16 general-purpose integer registers.
func (r Reg) IsGP() bool {
	return r >= AX && r <= R15
}

// IsVector reports whether r is one of the 16 vector registers.
func (r Reg) IsVector() bool {
	return r >= X0 && r <= X15
}

// GPIndex returns r's 0..15 index within the dense GPR encoding, valid only
// when IsGP() is true. Decoder/emitter arithmetic relies on this identity:
// GPIndex(AX+field) == field.
func (r Reg) GPIndex() int {
	return int(r - AX)
}

// FromGPIndex reconstructs a GPR Reg from its 0..15 encoding index.
func FromGPIndex(i int) Reg {
	return AX + Reg(i)
}

// ABITable lists the System V AMD64 integer argument registers in order;
// ABITable[i] holds the i'th integer/pointer argument, and AX carries the
// return value. Shared by the rewrite and verify packages so neither has to
// import the other just to agree on calling convention.
var ABITable = [5]Reg{DI, SI, DX, CX, R8}

var names = [...]string{
	None: "none",
	AX:   "ax", CX: "cx", DX: "dx", BX: "bx",
	SP: "sp", BP: "bp", SI: "si", DI: "di",
	R8: "8", R9: "9", R10: "10", R11: "11",
	R12: "12", R13: "13", R14: "14", R15: "15",
	IP: "ip",
}

// Name returns the bare register name without a width sigil, e.g. "ax",
// "8" (for r8). Used by pkg/printer to build AT&T register syntax.
func (r Reg) Name() string {
	if int(r) < len(names) && names[r] != "" {
		return names[r]
	}
	if r.IsVector() {
		return "x" + itoa(int(r-X0))
	}
	return "?"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Width is the bit width of a value or operand.
type Width int

const (
	WNone Width = iota
	WImplicit
	W8
	W16
	W32
	W64
	W128
	W256
)

// Bytes returns the byte size of w, or 0 for WNone/WImplicit.
func (w Width) Bytes() int {
	switch w {
	case W8:
		return 1
	case W16:
		return 2
	case W32:
		return 4
	case W64:
		return 8
	case W128:
		return 16
	case W256:
		return 32
	}
	return 0
}

// Truncate masks v to the low w bits. 32-bit results are returned
// zero-extended to 64 bits, matching the x86 rule that writing a 32-bit
// GPR destination clears the upper 32 bits of the full register.
func (w Width) Truncate(v uint64) uint64 {
	switch w {
	case W8:
		return v & 0xFF
	case W16:
		return v & 0xFFFF
	case W32:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}
