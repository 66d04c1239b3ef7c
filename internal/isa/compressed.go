package isa

// field extracts bits hi..lo of a compressed encoding.
func field(h uint16, hi, lo uint) uint64 {
	return uint64(h>>lo) & (1<<(hi-lo+1) - 1)
}

// signExtend treats the low n bits of v as a two's complement value.
func signExtend(v uint64, n uint) int64 {
	shift := 64 - n
	return int64(v<<shift) >> shift
}

// Registers x8..x15 addressed by the 3-bit fields.
func cReg(h uint16, lo uint) uint8 { return uint8(field(h, lo+2, lo)) + 8 }

func cImm6(h uint16) int64 {
	return signExtend(field(h, 12, 12)<<5|field(h, 6, 2), 6)
}

// Offsets of C.LW/C.SW/C.FLW/C.FSW.
func cWordOffset(h uint16) int64 {
	return int64(field(h, 12, 10)<<3 | field(h, 6, 6)<<2 | field(h, 5, 5)<<6)
}

// Offsets of C.LD/C.SD/C.FLD/C.FSD.
func cDoubleOffset(h uint16) int64 {
	return int64(field(h, 12, 10)<<3 | field(h, 6, 5)<<6)
}

func cJumpOffset(h uint16) int64 {
	v := field(h, 12, 12)<<11 |
		field(h, 11, 11)<<4 |
		field(h, 10, 9)<<8 |
		field(h, 8, 8)<<10 |
		field(h, 7, 7)<<6 |
		field(h, 6, 6)<<7 |
		field(h, 5, 3)<<1 |
		field(h, 2, 2)<<5
	return signExtend(v, 12)
}

func cBranchOffset(h uint16) int64 {
	v := field(h, 12, 12)<<8 |
		field(h, 11, 10)<<3 |
		field(h, 6, 5)<<6 |
		field(h, 4, 3)<<1 |
		field(h, 2, 2)<<5
	return signExtend(v, 9)
}

// decodeCompressed maps a 16-bit encoding onto the equivalent 32-bit
// instruction form.
func decodeCompressed(h uint16, xlen XLEN) (Instruction, bool) {
	if h == 0 {
		return Instruction{}, false
	}
	switch h & 0x3 {
	case 0b00:
		return decodeQuadrant0(h, xlen)
	case 0b01:
		return decodeQuadrant1(h, xlen)
	default:
		return decodeQuadrant2(h, xlen)
	}
}

func decodeQuadrant0(h uint16, xlen XLEN) (Instruction, bool) {
	rd, rs1 := cReg(h, 2), cReg(h, 7)
	rv64 := xlen == XLEN64

	switch field(h, 15, 13) {
	case 0b000: // c.addi4spn
		imm := field(h, 12, 11)<<4 | field(h, 10, 7)<<6 | field(h, 6, 6)<<2 | field(h, 5, 5)<<3
		if imm == 0 {
			return Instruction{}, false
		}
		return Instruction{Op: OpADDI, Rd: rd, Rs1: 2, Imm: int64(imm)}, true
	case 0b001: // c.fld
		return Instruction{Op: OpFLD, Rd: rd, Rs1: rs1, Imm: cDoubleOffset(h)}, true
	case 0b010: // c.lw
		return Instruction{Op: OpLW, Rd: rd, Rs1: rs1, Imm: cWordOffset(h)}, true
	case 0b011:
		if rv64 { // c.ld
			return Instruction{Op: OpLD, Rd: rd, Rs1: rs1, Imm: cDoubleOffset(h)}, true
		}
		return Instruction{Op: OpFLW, Rd: rd, Rs1: rs1, Imm: cWordOffset(h)}, true
	case 0b101: // c.fsd
		return Instruction{Op: OpFSD, Rs1: rs1, Rs2: rd, Imm: cDoubleOffset(h)}, true
	case 0b110: // c.sw
		return Instruction{Op: OpSW, Rs1: rs1, Rs2: rd, Imm: cWordOffset(h)}, true
	case 0b111:
		if rv64 { // c.sd
			return Instruction{Op: OpSD, Rs1: rs1, Rs2: rd, Imm: cDoubleOffset(h)}, true
		}
		return Instruction{Op: OpFSW, Rs1: rs1, Rs2: rd, Imm: cWordOffset(h)}, true
	}
	return Instruction{}, false
}

func decodeQuadrant1(h uint16, xlen XLEN) (Instruction, bool) {
	rd := uint8(field(h, 11, 7))
	rv64 := xlen == XLEN64

	switch field(h, 15, 13) {
	case 0b000: // c.addi, c.nop
		return Instruction{Op: OpADDI, Rd: rd, Rs1: rd, Imm: cImm6(h)}, true
	case 0b001:
		if !rv64 { // c.jal
			return Instruction{Op: OpJAL, Rd: 1, Imm: cJumpOffset(h)}, true
		}
		if rd == 0 {
			return Instruction{}, false
		}
		return Instruction{Op: OpADDIW, Rd: rd, Rs1: rd, Imm: cImm6(h)}, true
	case 0b010: // c.li
		return Instruction{Op: OpADDI, Rd: rd, Imm: cImm6(h)}, true
	case 0b011:
		if rd == 2 { // c.addi16sp
			v := field(h, 12, 12)<<9 | field(h, 6, 6)<<4 | field(h, 5, 5)<<6 |
				field(h, 4, 3)<<7 | field(h, 2, 2)<<5
			if v == 0 {
				return Instruction{}, false
			}
			return Instruction{Op: OpADDI, Rd: 2, Rs1: 2, Imm: signExtend(v, 10)}, true
		}
		// c.lui
		imm := signExtend(field(h, 12, 12)<<17|field(h, 6, 2)<<12, 18)
		if rd == 0 || imm == 0 {
			return Instruction{}, false
		}
		return Instruction{Op: OpLUI, Rd: rd, Imm: imm}, true
	case 0b100:
		return decodeCompressedArith(h, rv64)
	case 0b101: // c.j
		return Instruction{Op: OpJAL, Imm: cJumpOffset(h)}, true
	case 0b110: // c.beqz
		return Instruction{Op: OpBEQ, Rs1: cReg(h, 7), Imm: cBranchOffset(h)}, true
	case 0b111: // c.bnez
		return Instruction{Op: OpBNE, Rs1: cReg(h, 7), Imm: cBranchOffset(h)}, true
	}
	return Instruction{}, false
}

func decodeCompressedArith(h uint16, rv64 bool) (Instruction, bool) {
	rd := cReg(h, 7)
	rs2 := cReg(h, 2)
	shamt := int64(field(h, 12, 12)<<5 | field(h, 6, 2))

	switch field(h, 11, 10) {
	case 0b00, 0b01: // c.srli, c.srai
		if !rv64 && shamt >= 32 {
			return Instruction{}, false
		}
		op := OpSRLI
		if field(h, 10, 10) == 1 {
			op = OpSRAI
		}
		return Instruction{Op: op, Rd: rd, Rs1: rd, Imm: shamt}, true
	case 0b10: // c.andi
		return Instruction{Op: OpANDI, Rd: rd, Rs1: rd, Imm: cImm6(h)}, true
	}

	var op Op
	if field(h, 12, 12) == 0 {
		op = [4]Op{OpSUB, OpXOR, OpOR, OpAND}[field(h, 6, 5)]
	} else if rv64 {
		op = [4]Op{OpSUBW, OpADDW}[field(h, 6, 5)]
	}
	if op == OpIllegal {
		return Instruction{}, false
	}
	return Instruction{Op: op, Rd: rd, Rs1: rd, Rs2: rs2}, true
}

func decodeQuadrant2(h uint16, xlen XLEN) (Instruction, bool) {
	rd := uint8(field(h, 11, 7))
	rs2 := uint8(field(h, 6, 2))
	rv64 := xlen == XLEN64
	wordSP := int64(field(h, 12, 12)<<5 | field(h, 6, 4)<<2 | field(h, 3, 2)<<6)
	doubleSP := int64(field(h, 12, 12)<<5 | field(h, 6, 5)<<3 | field(h, 4, 2)<<6)
	wordStoreSP := int64(field(h, 12, 9)<<2 | field(h, 8, 7)<<6)
	doubleStoreSP := int64(field(h, 12, 10)<<3 | field(h, 9, 7)<<6)

	switch field(h, 15, 13) {
	case 0b000: // c.slli
		shamt := int64(field(h, 12, 12)<<5 | field(h, 6, 2))
		if rd == 0 || (!rv64 && shamt >= 32) {
			return Instruction{}, false
		}
		return Instruction{Op: OpSLLI, Rd: rd, Rs1: rd, Imm: shamt}, true
	case 0b001: // c.fldsp
		return Instruction{Op: OpFLD, Rd: rd, Rs1: 2, Imm: doubleSP}, true
	case 0b010: // c.lwsp
		if rd == 0 {
			return Instruction{}, false
		}
		return Instruction{Op: OpLW, Rd: rd, Rs1: 2, Imm: wordSP}, true
	case 0b011:
		if !rv64 { // c.flwsp
			return Instruction{Op: OpFLW, Rd: rd, Rs1: 2, Imm: wordSP}, true
		}
		if rd == 0 {
			return Instruction{}, false
		}
		return Instruction{Op: OpLD, Rd: rd, Rs1: 2, Imm: doubleSP}, true
	case 0b100:
		return decodeCompressedJump(h, rd, rs2)
	case 0b101: // c.fsdsp
		return Instruction{Op: OpFSD, Rs1: 2, Rs2: rs2, Imm: doubleStoreSP}, true
	case 0b110: // c.swsp
		return Instruction{Op: OpSW, Rs1: 2, Rs2: rs2, Imm: wordStoreSP}, true
	case 0b111:
		if !rv64 { // c.fswsp
			return Instruction{Op: OpFSW, Rs1: 2, Rs2: rs2, Imm: wordStoreSP}, true
		}
		return Instruction{Op: OpSD, Rs1: 2, Rs2: rs2, Imm: doubleStoreSP}, true
	}
	return Instruction{}, false
}

// c.jr, c.mv, c.ebreak, c.jalr and c.add share funct3 0b100.
func decodeCompressedJump(h uint16, rd, rs2 uint8) (Instruction, bool) {
	if field(h, 12, 12) == 0 {
		if rs2 == 0 {
			if rd == 0 {
				return Instruction{}, false
			}
			return Instruction{Op: OpJALR, Rs1: rd}, true
		}
		return Instruction{Op: OpADD, Rd: rd, Rs2: rs2}, true
	}
	switch {
	case rs2 == 0 && rd == 0:
		return Instruction{Op: OpEBREAK}, true
	case rs2 == 0:
		return Instruction{Op: OpJALR, Rd: 1, Rs1: rd}, true
	}
	return Instruction{Op: OpADD, Rd: rd, Rs1: rd, Rs2: rs2}, true
}
