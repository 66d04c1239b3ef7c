// Package isa decodes RISC-V instruction words into a uniform Instruction
// form for both RV32 and RV64.
package isa

import "fmt"

// XLEN is the native register width of the hart.
type XLEN int

const (
	XLEN32 XLEN = 32
	XLEN64 XLEN = 64
)

func (x XLEN) String() string {
	switch x {
	case XLEN32:
		return "rv32"
	case XLEN64:
		return "rv64"
	default:
		return fmt.Sprintf("xlen(%d)", int(x))
	}
}

// Mask returns the mask covering an XLEN-wide value.
func (x XLEN) Mask() uint64 {
	if x == XLEN32 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// Instruction is a decoded instruction. Fields not used by Op are zero.
type Instruction struct {
	Op  Op
	Rd  uint8
	Rs1 uint8
	Rs2 uint8
	Rs3 uint8
	// Imm is the sign-extended immediate. For shifts it is the shift amount,
	// for CSR immediate forms it is the zero-extended uimm.
	Imm int64
	CSR uint16
	// RM is the floating point rounding mode field.
	RM uint8
	// Len is the encoded length in bytes (2 or 4).
	Len uint8
	// Raw is the original encoding. Compressed instructions keep only 16 bits.
	Raw uint32
}

func (in Instruction) String() string {
	return fmt.Sprintf("%s rd=x%d rs1=x%d rs2=x%d imm=%#x", in.Op, in.Rd, in.Rs1, in.Rs2, in.Imm)
}

// IllegalError is returned for encodings that are reserved, unknown or not
// valid for the requested XLEN.
type IllegalError struct {
	Raw  uint32
	XLEN XLEN
}

func (e *IllegalError) Error() string {
	return fmt.Sprintf("illegal instruction %#08x (%s)", e.Raw, e.XLEN)
}

// IsCompressed reports whether the low half-word of word is a 16-bit encoding.
func IsCompressed(word uint32) bool {
	return word&0x3 != 0x3
}

// Decode decodes one instruction. When the low two bits of word are not 0b11
// only the low 16 bits are consulted.
func Decode(word uint32, xlen XLEN) (Instruction, error) {
	if IsCompressed(word) {
		half := uint16(word)
		in, ok := decodeCompressed(half, xlen)
		if !ok {
			return Instruction{Len: 2, Raw: uint32(half)}, &IllegalError{Raw: uint32(half), XLEN: xlen}
		}
		in.Len = 2
		in.Raw = uint32(half)
		return in, nil
	}

	in, ok := decode32(word, xlen)
	if !ok {
		return Instruction{Len: 4, Raw: word}, &IllegalError{Raw: word, XLEN: xlen}
	}
	in.Len = 4
	in.Raw = word
	return in, nil
}
