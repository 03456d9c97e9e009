package ir

// OpKind identifies the semantic operation of an instruction. The set below
// covers the subset of the x86-64 integer ISA the emulator models natively
// (§4.3/§4.4 of the design spec) plus a few kinds (SETcc, CMOVcc, MOVZX,
// MOVSX, MOVSS, MOVSD) that the decoder marks with an Instruction.PT
// passthrough annotation so the emitter can re-encode them from their
// recorded opcode bytes. Any opcode byte the decoder doesn't recognize
// becomes OpInvalid.
type OpKind uint16

const (
	OpNone OpKind = iota
	OpInvalid

	OpNOP
	OpPUSH
	OpPOP
	OpLEAVE

	OpMOV
	OpLEA
	OpMOVZX
	OpMOVSX

	OpNEG
	OpNOT
	OpINC
	OpDEC

	OpADD
	OpADC
	OpSUB
	OpSBB
	OpIMUL
	OpAND
	OpOR
	OpXOR

	OpSHL
	OpSHR
	OpSAR

	OpCMP
	OpTEST

	OpCALL
	OpRET
	OpJMP
	OpJMPI

	// Jcc — conditional near/short jump, one kind per SDM condition code.
	OpJO
	OpJNO
	OpJC
	OpJNC
	OpJZ
	OpJNZ
	OpJBE
	OpJA
	OpJS
	OpJNS
	OpJP
	OpJNP
	OpJL
	OpJGE
	OpJLE
	OpJG

	// CMOVcc
	OpCMOVO
	OpCMOVNO
	OpCMOVC
	OpCMOVNC
	OpCMOVZ
	OpCMOVNZ
	OpCMOVBE
	OpCMOVA
	OpCMOVS
	OpCMOVNS
	OpCMOVP
	OpCMOVNP
	OpCMOVL
	OpCMOVGE
	OpCMOVLE
	OpCMOVG

	// SETcc
	OpSETO
	OpSETNO
	OpSETC
	OpSETNC
	OpSETZ
	OpSETNZ
	OpSETBE
	OpSETA
	OpSETS
	OpSETNS
	OpSETP
	OpSETNP
	OpSETL
	OpSETGE
	OpSETLE
	OpSETG

	// Passthrough-only instructions the emulator never interprets natively;
	// decoded with full fidelity (operands + raw opcode bytes) so the
	// emitter can reproduce them verbatim.
	OpMOVSS
	OpMOVSD

	OpMax
)

// IsJcc reports whether op is one of the 16 conditional-jump kinds.
func (op OpKind) IsJcc() bool {
	return op >= OpJO && op <= OpJG
}

// IsCMOVcc reports whether op is one of the 16 conditional-move kinds.
func (op OpKind) IsCMOVcc() bool {
	return op >= OpCMOVO && op <= OpCMOVG
}

// IsSETcc reports whether op is one of the 16 byte-set-on-condition kinds.
func (op OpKind) IsSETcc() bool {
	return op >= OpSETO && op <= OpSETG
}

// condIndex returns op's 0..15 condition-code index, shared by the Jcc,
// CMOVcc and SETcc families (they use the same SDM condition encoding).
func condIndex(op, base OpKind) int { return int(op - base) }

// JccCond, CMOVccCond, SETccCond return the shared 0..15 condition index
// (O,NO,C,NC,Z,NZ,BE,A,S,NS,P,NP,L,GE,LE,G) for each family.
func (op OpKind) JccCond() int    { return condIndex(op, OpJO) }
func (op OpKind) CMOVccCond() int { return condIndex(op, OpCMOVO) }
func (op OpKind) SETccCond() int  { return condIndex(op, OpSETO) }

// OperandForm is the number of explicit operands an instruction carries.
type OperandForm uint8

const (
	FormNone OperandForm = iota
	Form0
	Form1
	Form2
	Form3
)
