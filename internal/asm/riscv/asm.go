// Package riscv is a small RV32/RV64 assembler used to build guest code in
// tests and boot stubs.
package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvemu/internal/asm"
)

const (
	X0 asm.Variable = iota
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
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI register names.
const (
	Zero = X0
	RA   = X1
	SP   = X2
	GP   = X3
	TP   = X4
	T0   = X5
	T1   = X6
	T2   = X7
	S0   = X8
	S1   = X9
	A0   = X10
	A1   = X11
	A2   = X12
	A3   = X13
	A4   = X14
	A5   = X15
	A6   = X16
	A7   = X17
	T3   = X28
	T4   = X29
	T5   = X30
	T6   = X31
)

// Floating point registers share the Variable space with the integer ones;
// which file is meant follows from the instruction.
const (
	F0 asm.Variable = iota
	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	F11
	F12
	F13
	F14
	F15
)

// EmitProgram assembles frag.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	return asm.Assemble(frag)
}

type word uint32

func (w word) Emit(ctx asm.Context) error {
	emitInsn(ctx, uint32(w))
	return nil
}

type half uint16

func (h half) Emit(ctx asm.Context) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(h))
	ctx.EmitBytes(buf[:])
	return nil
}

type invalid struct{ err error }

func (i invalid) Emit(asm.Context) error { return i.err }

func fixed(insn uint32, err error) asm.Fragment {
	if err != nil {
		return invalid{err}
	}
	return word(insn)
}

// Word emits a raw 32-bit instruction.
func Word(insn uint32) asm.Fragment { return word(insn) }

// Half emits a raw 16-bit instruction.
func Half(insn uint16) asm.Fragment { return half(insn) }

func r(funct7, funct3, opcode uint32, rd, rs1, rs2 asm.Variable) asm.Fragment {
	return word(funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode)
}

func i(opcode, funct3 uint32, rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return fixed(encodeI(imm, uint32(rs1), funct3, uint32(rd), opcode))
}

func s(funct3 uint32, rs2, rs1 asm.Variable, imm int32) asm.Fragment {
	return fixed(encodeS(imm, uint32(rs1), uint32(rs2), funct3, 0x23))
}

const (
	opLoad   = 0x03
	opLoadFP = 0x07
	opMisc   = 0x0f
	opImm    = 0x13
	opAuipc  = 0x17
	opImm32  = 0x1b
	opStore  = 0x23
	opStoreF = 0x27
	opAMO    = 0x2f
	opReg    = 0x33
	opLui    = 0x37
	opReg32  = 0x3b
	opMadd   = 0x43
	opFP     = 0x53
	opBranch = 0x63
	opJalr   = 0x67
	opJal    = 0x6f
	opSystem = 0x73
)

func Lui(rd asm.Variable, imm20 int32) asm.Fragment {
	return fixed(encodeU(imm20, uint32(rd), opLui))
}

func Auipc(rd asm.Variable, imm20 int32) asm.Fragment {
	return fixed(encodeU(imm20, uint32(rd), opAuipc))
}

func Addi(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return i(opImm, 0, rd, rs1, imm) }
func Slti(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return i(opImm, 2, rd, rs1, imm) }
func Sltiu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return i(opImm, 3, rd, rs1, imm) }
func Xori(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return i(opImm, 4, rd, rs1, imm) }
func Ori(rd, rs1 asm.Variable, imm int32) asm.Fragment   { return i(opImm, 6, rd, rs1, imm) }
func Andi(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return i(opImm, 7, rd, rs1, imm) }
func Addiw(rd, rs1 asm.Variable, imm int32) asm.Fragment { return i(opImm32, 0, rd, rs1, imm) }

// AddRegImm emits ADDI rd, rd, imm.
func AddRegImm(rd asm.Variable, imm int32) asm.Fragment { return Addi(rd, rd, imm) }

// Mv copies rs1 to rd.
func Mv(rd, rs1 asm.Variable) asm.Fragment { return Addi(rd, rs1, 0) }

func Nop() asm.Fragment { return Addi(X0, X0, 0) }

func Slli(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return i(opImm, 1, rd, rs1, int32(shamt&0x3f))
}

func Srli(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return i(opImm, 5, rd, rs1, int32(shamt&0x3f))
}

func Srai(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return i(opImm, 5, rd, rs1, int32(0x400|shamt&0x3f))
}

func Add(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x00, 0, opReg, rd, rs1, rs2) }
func Sub(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x20, 0, opReg, rd, rs1, rs2) }
func Sll(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x00, 1, opReg, rd, rs1, rs2) }
func Slt(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x00, 2, opReg, rd, rs1, rs2) }
func Sltu(rd, rs1, rs2 asm.Variable) asm.Fragment { return r(0x00, 3, opReg, rd, rs1, rs2) }
func Xor(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x00, 4, opReg, rd, rs1, rs2) }
func Srl(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x00, 5, opReg, rd, rs1, rs2) }
func Sra(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x20, 5, opReg, rd, rs1, rs2) }
func Or(rd, rs1, rs2 asm.Variable) asm.Fragment   { return r(0x00, 6, opReg, rd, rs1, rs2) }
func And(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x00, 7, opReg, rd, rs1, rs2) }
func Addw(rd, rs1, rs2 asm.Variable) asm.Fragment { return r(0x00, 0, opReg32, rd, rs1, rs2) }
func Subw(rd, rs1, rs2 asm.Variable) asm.Fragment { return r(0x20, 0, opReg32, rd, rs1, rs2) }

func Mul(rd, rs1, rs2 asm.Variable) asm.Fragment    { return r(0x01, 0, opReg, rd, rs1, rs2) }
func Mulh(rd, rs1, rs2 asm.Variable) asm.Fragment   { return r(0x01, 1, opReg, rd, rs1, rs2) }
func Mulhsu(rd, rs1, rs2 asm.Variable) asm.Fragment { return r(0x01, 2, opReg, rd, rs1, rs2) }
func Mulhu(rd, rs1, rs2 asm.Variable) asm.Fragment  { return r(0x01, 3, opReg, rd, rs1, rs2) }
func Div(rd, rs1, rs2 asm.Variable) asm.Fragment    { return r(0x01, 4, opReg, rd, rs1, rs2) }
func Divu(rd, rs1, rs2 asm.Variable) asm.Fragment   { return r(0x01, 5, opReg, rd, rs1, rs2) }
func Rem(rd, rs1, rs2 asm.Variable) asm.Fragment    { return r(0x01, 6, opReg, rd, rs1, rs2) }
func Remu(rd, rs1, rs2 asm.Variable) asm.Fragment   { return r(0x01, 7, opReg, rd, rs1, rs2) }
func Mulw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return r(0x01, 0, opReg32, rd, rs1, rs2) }
func Divw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return r(0x01, 4, opReg32, rd, rs1, rs2) }
func Remw(rd, rs1, rs2 asm.Variable) asm.Fragment   { return r(0x01, 6, opReg32, rd, rs1, rs2) }

func Lb(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return i(opLoad, 0, rd, rs1, imm) }
func Lh(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return i(opLoad, 1, rd, rs1, imm) }
func Lw(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return i(opLoad, 2, rd, rs1, imm) }
func Ld(rd, rs1 asm.Variable, imm int32) asm.Fragment  { return i(opLoad, 3, rd, rs1, imm) }
func Lbu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return i(opLoad, 4, rd, rs1, imm) }
func Lhu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return i(opLoad, 5, rd, rs1, imm) }
func Lwu(rd, rs1 asm.Variable, imm int32) asm.Fragment { return i(opLoad, 6, rd, rs1, imm) }

// Stores take the value first, as in "sd rs2, imm(rs1)".
func Sb(rs2, rs1 asm.Variable, imm int32) asm.Fragment { return s(0, rs2, rs1, imm) }
func Sh(rs2, rs1 asm.Variable, imm int32) asm.Fragment { return s(1, rs2, rs1, imm) }
func Sw(rs2, rs1 asm.Variable, imm int32) asm.Fragment { return s(2, rs2, rs1, imm) }
func Sd(rs2, rs1 asm.Variable, imm int32) asm.Fragment { return s(3, rs2, rs1, imm) }

// MovToMemory writes src to [base+imm] using SD.
func MovToMemory(base asm.Variable, src asm.Variable, imm int32) asm.Fragment {
	return Sd(src, base, imm)
}

// MovFromMemory loads [base+imm] into rd using LD.
func MovFromMemory(rd asm.Variable, base asm.Variable, imm int32) asm.Fragment {
	return Ld(rd, base, imm)
}

func Jalr(rd, rs1 asm.Variable, imm int32) asm.Fragment { return i(opJalr, 0, rd, rs1, imm) }

func Ret() asm.Fragment { return Jalr(X0, RA, 0) }

type branch struct {
	funct3   uint32
	rs1, rs2 asm.Variable
	target   asm.Label
}

func (b branch) Emit(ctx asm.Context) error {
	off, err := resolve(ctx, b.target)
	if err != nil {
		return err
	}
	insn, err := encodeB(off, uint32(b.rs1), uint32(b.rs2), b.funct3)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func Beq(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch{0, rs1, rs2, target} }
func Bne(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch{1, rs1, rs2, target} }
func Blt(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch{4, rs1, rs2, target} }
func Bge(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch{5, rs1, rs2, target} }
func Bltu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment { return branch{6, rs1, rs2, target} }
func Bgeu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment { return branch{7, rs1, rs2, target} }

type jump struct {
	rd     asm.Variable
	target asm.Label
}

func (j jump) Emit(ctx asm.Context) error {
	off, err := resolve(ctx, j.target)
	if err != nil {
		return err
	}
	insn, err := encodeJ(off, uint32(j.rd))
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func Jal(rd asm.Variable, target asm.Label) asm.Fragment { return jump{rd, target} }

func J(target asm.Label) asm.Fragment { return jump{X0, target} }

// Spin emits "j .", parking the hart.
func Spin() asm.Fragment { return word(opJal) }

func resolve(ctx asm.Context, label asm.Label) (int32, error) {
	off, ok := ctx.LabelOffset(label)
	if !ok {
		if ctx.Final() {
			return 0, fmt.Errorf("riscv: undefined label %q", label)
		}
		off = ctx.Offset()
	}
	return int32(off - ctx.Offset()), nil
}

type loadAddress struct {
	rd     asm.Variable
	target asm.Label
}

// La loads the address of target into rd with a PC relative AUIPC+ADDI pair.
func La(rd asm.Variable, target asm.Label) asm.Fragment { return loadAddress{rd, target} }

func (l loadAddress) Emit(ctx asm.Context) error {
	off, err := resolve(ctx, l.target)
	if err != nil {
		return err
	}
	hi := (off + 0x800) >> 12
	lo := off - hi<<12
	auipc, err := encodeU(hi, uint32(l.rd), opAuipc)
	if err != nil {
		return err
	}
	addi, err := encodeI(lo, uint32(l.rd), 0, uint32(l.rd), opImm)
	if err != nil {
		return err
	}
	emitInsn(ctx, auipc)
	emitInsn(ctx, addi)
	return nil
}

type loadImmediate struct {
	rd    asm.Variable
	value int64
}

// MovImmediate loads an arbitrary 64-bit immediate into rd. Values that fit
// in 32 bits take at most LUI+ADDI, except 0x7ffff800-0x7fffffff which need
// ADDIW and therefore RV64.
func MovImmediate(rd asm.Variable, value int64) asm.Fragment {
	return &loadImmediate{rd: rd, value: value}
}

// Li is MovImmediate under its assembler mnemonic.
func Li(rd asm.Variable, value int64) asm.Fragment { return MovImmediate(rd, value) }

func (l *loadImmediate) Emit(ctx asm.Context) error {
	seq, err := immediateSequence(uint32(l.rd), l.value)
	if err != nil {
		return err
	}
	for _, insn := range seq {
		emitInsn(ctx, insn)
	}
	return nil
}

func immediateSequence(rd uint32, value int64) ([]uint32, error) {
	if value >= -2048 && value <= 2047 {
		insn, err := encodeI(int32(value), 0, 0, rd, opImm)
		return []uint32{insn}, err
	}

	if int64(int32(value)) == value {
		hi := (value + (1 << 11)) >> 12
		lo := value - (hi << 12)
		lui, err := encodeU(int32(hi), rd, opLui)
		if err != nil {
			return nil, err
		}
		seq := []uint32{lui}
		if lo != 0 || hi == 0x80000 {
			op := uint32(opImm)
			if hi == 0x80000 {
				op = opImm32
			}
			addi, err := encodeI(int32(lo), rd, 0, rd, op)
			if err != nil {
				return nil, err
			}
			seq = append(seq, addi)
		}
		return seq, nil
	}

	lo := value << 52 >> 52
	seq, err := immediateSequence(rd, (value-lo)>>12)
	if err != nil {
		return nil, err
	}
	seq = append(seq, mustEncodeShift(rd, 12, 1, opImm))
	if lo != 0 {
		addi, err := encodeI(int32(lo), rd, 0, rd, opImm)
		if err != nil {
			return nil, err
		}
		seq = append(seq, addi)
	}
	return seq, nil
}

// CSR instructions.

func Csrrw(rd asm.Variable, csr uint16, rs1 asm.Variable) asm.Fragment {
	return i(opSystem, 1, rd, rs1, int32(int16(csr<<4)>>4))
}

func Csrrs(rd asm.Variable, csr uint16, rs1 asm.Variable) asm.Fragment {
	return i(opSystem, 2, rd, rs1, int32(int16(csr<<4)>>4))
}

func Csrrc(rd asm.Variable, csr uint16, rs1 asm.Variable) asm.Fragment {
	return i(opSystem, 3, rd, rs1, int32(int16(csr<<4)>>4))
}

func Csrrwi(rd asm.Variable, csr uint16, uimm uint8) asm.Fragment {
	return i(opSystem, 5, rd, asm.Variable(uimm&0x1f), int32(int16(csr<<4)>>4))
}

func Csrrsi(rd asm.Variable, csr uint16, uimm uint8) asm.Fragment {
	return i(opSystem, 6, rd, asm.Variable(uimm&0x1f), int32(int16(csr<<4)>>4))
}

func Csrrci(rd asm.Variable, csr uint16, uimm uint8) asm.Fragment {
	return i(opSystem, 7, rd, asm.Variable(uimm&0x1f), int32(int16(csr<<4)>>4))
}

func Csrr(rd asm.Variable, csr uint16) asm.Fragment  { return Csrrs(rd, csr, X0) }
func Csrw(csr uint16, rs1 asm.Variable) asm.Fragment { return Csrrw(X0, csr, rs1) }
func Csrs(csr uint16, rs1 asm.Variable) asm.Fragment { return Csrrs(X0, csr, rs1) }
func Csrc(csr uint16, rs1 asm.Variable) asm.Fragment { return Csrrc(X0, csr, rs1) }

// System instructions.

func Ecall() asm.Fragment  { return word(0x00000073) }
func Ebreak() asm.Fragment { return word(0x00100073) }
func Mret() asm.Fragment   { return word(0x30200073) }
func Sret() asm.Fragment   { return word(0x10200073) }
func Wfi() asm.Fragment    { return word(0x10500073) }
func Fence() asm.Fragment  { return word(0x0ff0000f) }
func FenceI() asm.Fragment { return word(0x0000100f) }

func SfenceVMA(rs1, rs2 asm.Variable) asm.Fragment {
	return r(0x09, 0, opSystem, X0, rs1, rs2)
}

// Atomic memory operations.

type Width uint32

const (
	Word32 Width = 2
	Word64 Width = 3
)

type AmoOp uint32

const (
	AmoAdd  AmoOp = 0x00
	AmoSwap AmoOp = 0x01
	AmoXor  AmoOp = 0x04
	AmoOr   AmoOp = 0x08
	AmoAnd  AmoOp = 0x0c
	AmoMin  AmoOp = 0x10
	AmoMax  AmoOp = 0x14
	AmoMinu AmoOp = 0x18
	AmoMaxu AmoOp = 0x1c

	amoLR AmoOp = 0x02
	amoSC AmoOp = 0x03
)

// Amo emits "amo<op>.<width> rd, rs2, (rs1)".
func Amo(op AmoOp, w Width, rd, rs2, rs1 asm.Variable) asm.Fragment {
	return r(uint32(op)<<2, uint32(w), opAMO, rd, rs1, rs2)
}

func Lr(w Width, rd, rs1 asm.Variable) asm.Fragment { return Amo(amoLR, w, rd, X0, rs1) }

func Sc(w Width, rd, rs2, rs1 asm.Variable) asm.Fragment { return Amo(amoSC, w, rd, rs2, rs1) }

// Floating point.

type Format uint32

const (
	Single Format = 0
	Double Format = 1
)

// Rounding modes.
const (
	RNE uint32 = 0
	RTZ uint32 = 1
	RDN uint32 = 2
	RUP uint32 = 3
	RMM uint32 = 4
	DYN uint32 = 7
)

// IntKind selects the integer side of a conversion.
type IntKind uint32

const (
	W  IntKind = 0
	WU IntKind = 1
	L  IntKind = 2
	LU IntKind = 3
)

func fp(funct5 uint32, f Format, rm uint32, rd, rs1, rs2 asm.Variable) asm.Fragment {
	return r(funct5<<2|uint32(f), rm, opFP, rd, rs1, rs2)
}

func FLoad(f Format, rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return i(opLoadFP, 2+uint32(f), rd, rs1, imm)
}

func FStore(f Format, rs2, rs1 asm.Variable, imm int32) asm.Fragment {
	return fixed(encodeS(imm, uint32(rs1), uint32(rs2), 2+uint32(f), opStoreF))
}

func FAdd(f Format, rd, rs1, rs2 asm.Variable, rm uint32) asm.Fragment {
	return fp(0x00, f, rm, rd, rs1, rs2)
}

func FSub(f Format, rd, rs1, rs2 asm.Variable, rm uint32) asm.Fragment {
	return fp(0x01, f, rm, rd, rs1, rs2)
}

func FMul(f Format, rd, rs1, rs2 asm.Variable, rm uint32) asm.Fragment {
	return fp(0x02, f, rm, rd, rs1, rs2)
}

func FDiv(f Format, rd, rs1, rs2 asm.Variable, rm uint32) asm.Fragment {
	return fp(0x03, f, rm, rd, rs1, rs2)
}

func FSqrt(f Format, rd, rs1 asm.Variable, rm uint32) asm.Fragment {
	return fp(0x0b, f, rm, rd, rs1, X0)
}

func FSgnj(f Format, rd, rs1, rs2 asm.Variable) asm.Fragment  { return fp(0x04, f, 0, rd, rs1, rs2) }
func FSgnjn(f Format, rd, rs1, rs2 asm.Variable) asm.Fragment { return fp(0x04, f, 1, rd, rs1, rs2) }
func FSgnjx(f Format, rd, rs1, rs2 asm.Variable) asm.Fragment { return fp(0x04, f, 2, rd, rs1, rs2) }
func FMin(f Format, rd, rs1, rs2 asm.Variable) asm.Fragment   { return fp(0x05, f, 0, rd, rs1, rs2) }
func FMax(f Format, rd, rs1, rs2 asm.Variable) asm.Fragment   { return fp(0x05, f, 1, rd, rs1, rs2) }
func FLe(f Format, rd, rs1, rs2 asm.Variable) asm.Fragment    { return fp(0x14, f, 0, rd, rs1, rs2) }
func FLt(f Format, rd, rs1, rs2 asm.Variable) asm.Fragment    { return fp(0x14, f, 1, rd, rs1, rs2) }
func FEq(f Format, rd, rs1, rs2 asm.Variable) asm.Fragment    { return fp(0x14, f, 2, rd, rs1, rs2) }
func FClass(f Format, rd, rs1 asm.Variable) asm.Fragment      { return fp(0x1c, f, 1, rd, rs1, X0) }

// FCvtToInt converts the value in rs1 to an integer in rd.
func FCvtToInt(f Format, k IntKind, rd, rs1 asm.Variable, rm uint32) asm.Fragment {
	return fp(0x18, f, rm, rd, rs1, asm.Variable(k))
}

// FCvtFromInt converts the integer in rs1 to a float in rd.
func FCvtFromInt(f Format, k IntKind, rd, rs1 asm.Variable, rm uint32) asm.Fragment {
	return fp(0x1a, f, rm, rd, rs1, asm.Variable(k))
}

// FCvtSD narrows a double to a single.
func FCvtSD(rd, rs1 asm.Variable, rm uint32) asm.Fragment { return fp(0x08, Single, rm, rd, rs1, X1) }

// FCvtDS widens a single to a double.
func FCvtDS(rd, rs1 asm.Variable) asm.Fragment { return fp(0x08, Double, RNE, rd, rs1, X0) }

// FMvToInt moves raw bits from a float register to an integer register.
func FMvToInt(f Format, rd, rs1 asm.Variable) asm.Fragment { return fp(0x1c, f, 0, rd, rs1, X0) }

// FMvFromInt moves raw bits from an integer register to a float register.
func FMvFromInt(f Format, rd, rs1 asm.Variable) asm.Fragment { return fp(0x1e, f, 0, rd, rs1, X0) }

// FMAdd emits fmadd rd = rs1*rs2 + rs3.
func FMAdd(f Format, rd, rs1, rs2, rs3 asm.Variable, rm uint32) asm.Fragment {
	return word(uint32(rs3)<<27 | uint32(f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | rm<<12 | uint32(rd)<<7 | opMadd)
}

// Compressed instructions.

// CLi emits c.li rd, imm.
func CLi(rd asm.Variable, imm int8) asm.Fragment {
	u := uint16(imm) & 0x3f
	return half(0b010<<13 | (u>>5)<<12 | uint16(rd)<<7 | (u&0x1f)<<2 | 0b01)
}

// CJr emits c.jr rs1.
func CJr(rs1 asm.Variable) asm.Fragment { return half(0x8002 | uint16(rs1)<<7) }

// CRet emits c.jr ra.
func CRet() asm.Fragment { return CJr(RA) }

func CNop() asm.Fragment { return half(0x0001) }

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f

	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeB(off int32, rs1, rs2, funct3 uint32) (uint32, error) {
	if off < -4096 || off > 4094 || off&1 != 0 {
		return 0, fmt.Errorf("riscv: branch offset %d out of range", off)
	}
	u := uint32(off)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 |
		(u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch, nil
}

func encodeJ(off int32, rd uint32) (uint32, error) {
	if off < -(1<<20) || off >= 1<<20 || off&1 != 0 {
		return 0, fmt.Errorf("riscv: jump offset %d out of range", off)
	}
	u := uint32(off)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opJal, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) (uint32, error) {
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode, nil
}

func mustEncodeShift(rd uint32, shamt uint32, f3 uint32, op uint32) uint32 {
	insn, err := encodeI(int32(shamt), rd, f3, rd, op)
	if err != nil {
		panic(err)
	}
	return insn
}
