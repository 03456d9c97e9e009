package emu

import "github.com/oisee/dbrew-go/pkg/reg"

// x86 flag bit positions within the packed Flags byte this package carries;
// these are a compact subset (CF, ZF, SF, OF, PF) sufficient to evaluate
// every Jcc/SETcc/CMOVcc condition, not the real EFLAGS layout.
const (
	FlagC uint8 = 0x01
	FlagP uint8 = 0x02
	FlagZ uint8 = 0x04
	FlagS uint8 = 0x08
	FlagO uint8 = 0x10
)

// ParityTable[b] is true when the low byte b has an even number of set
// bits, precomputed the way the teacher precomputes Sz53pTable.
var ParityTable [256]bool

func init() {
	for i := 0; i < 256; i++ {
		v := uint8(i)
		ones := 0
		for b := 0; b < 8; b++ {
			ones += int((v >> b) & 1)
		}
		ParityTable[i] = ones%2 == 0
	}
}

// FlagState is the emulator's Known/Unknown flags register.
type FlagState struct {
	Tag   Tag
	Flags uint8
}

func signBit(v uint64, w reg.Width) bool {
	return (v>>(uint(w.Bytes())*8-1))&1 != 0
}

// addFlags computes a+b at width w and the resulting CF/ZF/SF/OF/PF.
func addFlags(a, b uint64, w reg.Width) (result uint64, flags uint8) {
	full := a + b
	result = w.Truncate(full)
	if result < w.Truncate(a) {
		flags |= FlagC
	}
	flags |= classify(result, w)
	as, bs, rs := signBit(a, w), signBit(b, w), signBit(result, w)
	if as == bs && rs != as {
		flags |= FlagO
	}
	return result, flags
}

// subFlags computes a-b at width w and the resulting CF/ZF/SF/OF/PF.
func subFlags(a, b uint64, w reg.Width) (result uint64, flags uint8) {
	ta, tb := w.Truncate(a), w.Truncate(b)
	result = w.Truncate(ta - tb)
	if ta < tb {
		flags |= FlagC
	}
	flags |= classify(result, w)
	as, bs, rs := signBit(a, w), signBit(b, w), signBit(result, w)
	if as != bs && rs != as {
		flags |= FlagO
	}
	return result, flags
}

// logicFlags computes the CF/ZF/SF/PF that AND/OR/XOR/TEST leave behind (OF
// and CF always cleared).
func logicFlags(result uint64, w reg.Width) uint8 {
	return classify(result, w) &^ FlagC
}

// classify sets ZF, SF, and PF (from the low byte) for result at width w.
func classify(result uint64, w reg.Width) uint8 {
	var flags uint8
	if w.Truncate(result) == 0 {
		flags |= FlagZ
	}
	if signBit(result, w) {
		flags |= FlagS
	}
	if ParityTable[byte(result)] {
		flags |= FlagP
	}
	return flags
}

// evalCond tests one of the 16 Jcc/SETcc/CMOVcc condition codes against
// flags, in SDM Table 3-1 order (O,NO,C,NC,Z,NZ,BE,A,S,NS,P,NP,L,GE,LE,G).
func evalCond(flags uint8, cond int) bool {
	cf := flags&FlagC != 0
	zf := flags&FlagZ != 0
	sf := flags&FlagS != 0
	of := flags&FlagO != 0
	pf := flags&FlagP != 0
	switch cond {
	case 0:
		return of
	case 1:
		return !of
	case 2:
		return cf
	case 3:
		return !cf
	case 4:
		return zf
	case 5:
		return !zf
	case 6:
		return cf || zf
	case 7:
		return !cf && !zf
	case 8:
		return sf
	case 9:
		return !sf
	case 10:
		return pf
	case 11:
		return !pf
	case 12:
		return sf != of
	case 13:
		return sf == of
	case 14:
		return zf || sf != of
	case 15:
		return !zf && sf == of
	}
	return false
}
