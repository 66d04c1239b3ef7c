package isa

// Major opcodes (bits 6:0).
const (
	opcodeLoad    = 0b0000011
	opcodeLoadFP  = 0b0000111
	opcodeMiscMem = 0b0001111
	opcodeOpImm   = 0b0010011
	opcodeAUIPC   = 0b0010111
	opcodeOpImm32 = 0b0011011
	opcodeStore   = 0b0100011
	opcodeStoreFP = 0b0100111
	opcodeAMO     = 0b0101111
	opcodeOp      = 0b0110011
	opcodeLUI     = 0b0110111
	opcodeOp32    = 0b0111011
	opcodeMADD    = 0b1000011
	opcodeMSUB    = 0b1000111
	opcodeNMSUB   = 0b1001011
	opcodeNMADD   = 0b1001111
	opcodeOpFP    = 0b1010011
	opcodeBranch  = 0b1100011
	opcodeJALR    = 0b1100111
	opcodeJAL     = 0b1101111
	opcodeSystem  = 0b1110011
)

func immI(w uint32) int64 { return int64(int32(w) >> 20) }

func immS(w uint32) int64 {
	return int64((int32(w)>>25)<<5 | int32((w>>7)&0x1f))
}

func immB(w uint32) int64 {
	v := (int32(w)>>31)<<12 |
		int32((w>>7)&1)<<11 |
		int32((w>>25)&0x3f)<<5 |
		int32((w>>8)&0xf)<<1
	return int64(v)
}

func immU(w uint32) int64 { return int64(int32(w & 0xfffff000)) }

func immJ(w uint32) int64 {
	v := (int32(w)>>31)<<20 |
		int32((w>>12)&0xff)<<12 |
		int32((w>>20)&1)<<11 |
		int32((w>>21)&0x3ff)<<1
	return int64(v)
}

func decode32(w uint32, xlen XLEN) (Instruction, bool) {
	in := Instruction{
		Rd:  uint8((w >> 7) & 0x1f),
		Rs1: uint8((w >> 15) & 0x1f),
		Rs2: uint8((w >> 20) & 0x1f),
	}
	funct3 := (w >> 12) & 0x7
	funct7 := w >> 25
	rv64 := xlen == XLEN64

	switch w & 0x7f {
	case opcodeLUI:
		in.Op, in.Imm = OpLUI, immU(w)
	case opcodeAUIPC:
		in.Op, in.Imm = OpAUIPC, immU(w)
	case opcodeJAL:
		in.Op, in.Imm = OpJAL, immJ(w)
	case opcodeJALR:
		if funct3 != 0 {
			return in, false
		}
		in.Op, in.Imm = OpJALR, immI(w)

	case opcodeBranch:
		ops := [8]Op{OpBEQ, OpBNE, OpIllegal, OpIllegal, OpBLT, OpBGE, OpBLTU, OpBGEU}
		in.Op, in.Imm = ops[funct3], immB(w)

	case opcodeLoad:
		ops := [8]Op{OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU, OpIllegal}
		in.Op, in.Imm = ops[funct3], immI(w)
		if !rv64 && (in.Op == OpLD || in.Op == OpLWU) {
			return in, false
		}

	case opcodeStore:
		ops := [8]Op{OpSB, OpSH, OpSW, OpSD}
		in.Op, in.Imm = ops[funct3], immS(w)
		if !rv64 && in.Op == OpSD {
			return in, false
		}

	case opcodeOpImm:
		in.Imm = immI(w)
		switch funct3 {
		case 0b000:
			in.Op = OpADDI
		case 0b010:
			in.Op = OpSLTI
		case 0b011:
			in.Op = OpSLTIU
		case 0b100:
			in.Op = OpXORI
		case 0b110:
			in.Op = OpORI
		case 0b111:
			in.Op = OpANDI
		case 0b001, 0b101:
			// RV64 takes a 6-bit shift amount, RV32 a 5-bit one.
			shamtBits, hi := uint32(5), funct7
			if rv64 {
				shamtBits, hi = 6, w>>26
			}
			in.Imm = int64((w >> 20) & (1<<shamtBits - 1))
			switch {
			case funct3 == 0b001 && hi == 0:
				in.Op = OpSLLI
			case funct3 == 0b101 && hi == 0:
				in.Op = OpSRLI
			case funct3 == 0b101 && rv64 && hi == 0b010000:
				in.Op = OpSRAI
			case funct3 == 0b101 && !rv64 && hi == 0b0100000:
				in.Op = OpSRAI
			}
		}

	case opcodeOpImm32:
		if !rv64 {
			return in, false
		}
		switch {
		case funct3 == 0b000:
			in.Op, in.Imm = OpADDIW, immI(w)
		case funct3 == 0b001 && funct7 == 0:
			in.Op, in.Imm = OpSLLIW, int64(in.Rs2)
		case funct3 == 0b101 && funct7 == 0:
			in.Op, in.Imm = OpSRLIW, int64(in.Rs2)
		case funct3 == 0b101 && funct7 == 0b0100000:
			in.Op, in.Imm = OpSRAIW, int64(in.Rs2)
		}

	case opcodeOp:
		switch funct7 {
		case 0b0000000:
			in.Op = [8]Op{OpADD, OpSLL, OpSLT, OpSLTU, OpXOR, OpSRL, OpOR, OpAND}[funct3]
		case 0b0100000:
			switch funct3 {
			case 0b000:
				in.Op = OpSUB
			case 0b101:
				in.Op = OpSRA
			}
		case 0b0000001:
			in.Op = [8]Op{OpMUL, OpMULH, OpMULHSU, OpMULHU, OpDIV, OpDIVU, OpREM, OpREMU}[funct3]
		}

	case opcodeOp32:
		if !rv64 {
			return in, false
		}
		switch funct7 {
		case 0b0000000:
			in.Op = [8]Op{OpADDW, OpSLLW, 0, 0, 0, OpSRLW, 0, 0}[funct3]
		case 0b0100000:
			in.Op = [8]Op{OpSUBW, 0, 0, 0, 0, OpSRAW, 0, 0}[funct3]
		case 0b0000001:
			in.Op = [8]Op{OpMULW, 0, 0, 0, OpDIVW, OpDIVUW, OpREMW, OpREMUW}[funct3]
		}

	case opcodeMiscMem:
		switch funct3 {
		case 0b000:
			in.Op = OpFENCE
		case 0b001:
			in.Op = OpFENCEI
		}

	case opcodeSystem:
		decodeSystem(&in, w, funct3)

	case opcodeAMO:
		decodeAMO(&in, w, funct3, rv64)

	case opcodeLoadFP:
		in.Imm = immI(w)
		switch funct3 {
		case 0b010:
			in.Op = OpFLW
		case 0b011:
			in.Op = OpFLD
		}

	case opcodeStoreFP:
		in.Imm = immS(w)
		switch funct3 {
		case 0b010:
			in.Op = OpFSW
		case 0b011:
			in.Op = OpFSD
		}

	case opcodeMADD, opcodeMSUB, opcodeNMSUB, opcodeNMADD:
		in.Rs3 = uint8(w >> 27)
		in.RM = uint8(funct3)
		idx := (w >> 2) & 0x3
		switch (w >> 25) & 0x3 {
		case 0:
			in.Op = [4]Op{OpFMADDS, OpFMSUBS, OpFNMSUBS, OpFNMADDS}[idx]
		case 1:
			in.Op = [4]Op{OpFMADDD, OpFMSUBD, OpFNMSUBD, OpFNMADDD}[idx]
		}

	case opcodeOpFP:
		decodeOpFP(&in, funct3, funct7, rv64)
	}

	return in, in.Op != OpIllegal
}

func decodeSystem(in *Instruction, w, funct3 uint32) {
	if funct3 == 0 {
		switch {
		case w == 0x00000073:
			in.Op = OpECALL
		case w == 0x00100073:
			in.Op = OpEBREAK
		case w == 0x30200073:
			in.Op = OpMRET
		case w == 0x10200073:
			in.Op = OpSRET
		case w == 0x10500073:
			in.Op = OpWFI
		case w>>25 == 0b0001001 && in.Rd == 0:
			in.Op = OpSFENCEVMA
		}
		return
	}

	in.CSR = uint16(w >> 20)
	switch funct3 {
	case 0b001:
		in.Op = OpCSRRW
	case 0b010:
		in.Op = OpCSRRS
	case 0b011:
		in.Op = OpCSRRC
	case 0b101:
		in.Op, in.Imm = OpCSRRWI, int64(in.Rs1)
	case 0b110:
		in.Op, in.Imm = OpCSRRSI, int64(in.Rs1)
	case 0b111:
		in.Op, in.Imm = OpCSRRCI, int64(in.Rs1)
	}
}

var (
	amoWord = map[uint32]Op{
		0x02: OpLRW, 0x03: OpSCW, 0x01: OpAMOSWAPW, 0x00: OpAMOADDW,
		0x04: OpAMOXORW, 0x0c: OpAMOANDW, 0x08: OpAMOORW,
		0x10: OpAMOMINW, 0x14: OpAMOMAXW, 0x18: OpAMOMINUW, 0x1c: OpAMOMAXUW,
	}
	amoDouble = map[uint32]Op{
		0x02: OpLRD, 0x03: OpSCD, 0x01: OpAMOSWAPD, 0x00: OpAMOADDD,
		0x04: OpAMOXORD, 0x0c: OpAMOANDD, 0x08: OpAMOORD,
		0x10: OpAMOMIND, 0x14: OpAMOMAXD, 0x18: OpAMOMINUD, 0x1c: OpAMOMAXUD,
	}
)

func decodeAMO(in *Instruction, w, funct3 uint32, rv64 bool) {
	funct5 := w >> 27
	switch {
	case funct3 == 0b010:
		in.Op = amoWord[funct5]
	case funct3 == 0b011 && rv64:
		in.Op = amoDouble[funct5]
	}
	if (in.Op == OpLRW || in.Op == OpLRD) && in.Rs2 != 0 {
		in.Op = OpIllegal
	}
}

func decodeOpFP(in *Instruction, funct3, funct7 uint32, rv64 bool) {
	in.RM = uint8(funct3)
	double := funct7&0x3 == 1
	if funct7&0x3 > 1 {
		return
	}
	pick := func(s, d Op) Op {
		if double {
			return d
		}
		return s
	}

	switch funct7 >> 2 {
	case 0x00:
		in.Op = pick(OpFADDS, OpFADDD)
	case 0x01:
		in.Op = pick(OpFSUBS, OpFSUBD)
	case 0x02:
		in.Op = pick(OpFMULS, OpFMULD)
	case 0x03:
		in.Op = pick(OpFDIVS, OpFDIVD)
	case 0x0b:
		if in.Rs2 == 0 {
			in.Op = pick(OpFSQRTS, OpFSQRTD)
		}
	case 0x04:
		switch funct3 {
		case 0:
			in.Op = pick(OpFSGNJS, OpFSGNJD)
		case 1:
			in.Op = pick(OpFSGNJNS, OpFSGNJND)
		case 2:
			in.Op = pick(OpFSGNJXS, OpFSGNJXD)
		}
	case 0x05:
		switch funct3 {
		case 0:
			in.Op = pick(OpFMINS, OpFMIND)
		case 1:
			in.Op = pick(OpFMAXS, OpFMAXD)
		}
	case 0x08:
		switch {
		case !double && in.Rs2 == 1:
			in.Op = OpFCVTSD
		case double && in.Rs2 == 0:
			in.Op = OpFCVTDS
		}
	case 0x14:
		switch funct3 {
		case 0:
			in.Op = pick(OpFLES, OpFLED)
		case 1:
			in.Op = pick(OpFLTS, OpFLTD)
		case 2:
			in.Op = pick(OpFEQS, OpFEQD)
		}
	case 0x18:
		switch in.Rs2 {
		case 0:
			in.Op = pick(OpFCVTWS, OpFCVTWD)
		case 1:
			in.Op = pick(OpFCVTWUS, OpFCVTWUD)
		case 2:
			if rv64 {
				in.Op = pick(OpFCVTLS, OpFCVTLD)
			}
		case 3:
			if rv64 {
				in.Op = pick(OpFCVTLUS, OpFCVTLUD)
			}
		}
	case 0x1a:
		switch in.Rs2 {
		case 0:
			in.Op = pick(OpFCVTSW, OpFCVTDW)
		case 1:
			in.Op = pick(OpFCVTSWU, OpFCVTDWU)
		case 2:
			if rv64 {
				in.Op = pick(OpFCVTSL, OpFCVTDL)
			}
		case 3:
			if rv64 {
				in.Op = pick(OpFCVTSLU, OpFCVTDLU)
			}
		}
	case 0x1c:
		if in.Rs2 != 0 {
			return
		}
		switch {
		case funct3 == 0 && !double:
			in.Op = OpFMVXW
		case funct3 == 0 && double && rv64:
			in.Op = OpFMVXD
		case funct3 == 1:
			in.Op = pick(OpFCLASSS, OpFCLASSD)
		}
	case 0x1e:
		if in.Rs2 != 0 || funct3 != 0 {
			return
		}
		switch {
		case !double:
			in.Op = OpFMVWX
		case rv64:
			in.Op = OpFMVDX
		}
	}
}
