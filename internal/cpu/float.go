package cpu

import (
	"math"
	"math/big"

	"github.com/tinyrange/rvemu/internal/isa"
)

// Rounding modes.
const (
	rmRNE uint8 = 0
	rmRTZ uint8 = 1
	rmRDN uint8 = 2
	rmRUP uint8 = 3
	rmRMM uint8 = 4
	rmDYN uint8 = 7
)

// Accrued exception flags.
const (
	flagNX uint8 = 1 << 0
	flagUF uint8 = 1 << 1
	flagOF uint8 = 1 << 2
	flagDZ uint8 = 1 << 3
	flagNV uint8 = 1 << 4
)

const (
	canonicalNaN32 uint64 = 0x7fc00000
	canonicalNaN64 uint64 = 0x7ff8000000000000

	nanBox uint64 = 0xffffffff00000000
)

// fpFormat describes an IEEE 754 binary interchange format.
type fpFormat struct {
	mant    uint // significand width including the implicit bit
	expBits uint
	emin    int // big.Float MantExp exponent of the smallest normal
	bias    int
	nan     uint64
}

var (
	binary32 = fpFormat{mant: 24, expBits: 8, emin: -125, bias: 127, nan: canonicalNaN32}
	binary64 = fpFormat{mant: 53, expBits: 11, emin: -1021, bias: 1023, nan: canonicalNaN64}
)

func (f fpFormat) single() bool { return f.mant == 24 }
func (f fpFormat) signBit() uint64 { return 1 << (f.mant + f.expBits - 1) }
func (f fpFormat) expMask() uint64 { return (1<<f.expBits - 1) << (f.mant - 1) }
func (f fpFormat) fracMask() uint64 { return 1<<(f.mant-1) - 1 }
func (f fpFormat) isInf(b uint64) bool { return b&f.expMask() == f.expMask() && b&f.fracMask() == 0 }

func (f fpFormat) isNaN(b uint64) bool {
	return b&f.expMask() == f.expMask() && b&f.fracMask() != 0
}

func (f fpFormat) isSNaN(b uint64) bool {
	return f.isNaN(b) && b&(1<<(f.mant-2)) == 0
}

func (f fpFormat) isSubnormal(b uint64) bool {
	return b&f.expMask() == 0 && b&f.fracMask() != 0
}

// value returns the number encoded by b. Every binary32 value is exact as a
// float64. NaNs must be handled on the raw bits first.
func (f fpFormat) value(b uint64) float64 {
	if f.single() {
		return float64(math.Float32frombits(uint32(b)))
	}
	return math.Float64frombits(b)
}

// encode rounds v to nearest even in f.
func (f fpFormat) encode(v float64) uint64 {
	if f.single() {
		return uint64(math.Float32bits(float32(v)))
	}
	return math.Float64bits(v)
}

func (f fpFormat) minNormal() float64 {
	if f.single() {
		return 0x1p-126
	}
	return 0x1p-1022
}

func (f fpFormat) class(b uint64) uint64 {
	neg := b&f.signBit() != 0
	exp, frac := b&f.expMask(), b&f.fracMask()
	var bit uint
	switch {
	case exp == f.expMask() && frac == 0:
		bit = pick(neg, 0, 7)
	case exp == f.expMask():
		bit = pick(f.isSNaN(b), 8, 9)
	case exp == 0 && frac == 0:
		bit = pick(neg, 3, 4)
	case exp == 0:
		bit = pick(neg, 2, 5)
	default:
		bit = pick(neg, 1, 6)
	}
	return 1 << bit
}

func pick(cond bool, a, b uint) uint {
	if cond {
		return a
	}
	return b
}

type fpOp uint8

const (
	fpAdd fpOp = iota
	fpSub
	fpMul
	fpDiv
	fpSqrt
	fpMulAdd
)

func (op fpOp) arity() int {
	switch op {
	case fpSqrt:
		return 1
	case fpMulAdd:
		return 3
	}
	return 2
}

// bigPrec is the working precision of the exact arithmetic path. Results
// are truncated to it and the lost bits are kept as a sticky flag.
const bigPrec = 320

// arith computes op on raw operands in format f.
func arith(op fpOp, f fpFormat, rm uint8, a, b, c uint64) (uint64, uint8) {
	operands := [3]uint64{a, b, c}
	var flags uint8
	nan := false
	for _, v := range operands[:op.arity()] {
		if f.isNaN(v) {
			nan = true
			if f.isSNaN(v) {
				flags |= flagNV
			}
		}
	}
	x, y, z := f.value(a), f.value(b), f.value(c)
	if op == fpMulAdd && (math.IsInf(x, 0) && y == 0 || x == 0 && math.IsInf(y, 0)) {
		return f.nan, flags | flagNV
	}
	if nan {
		return f.nan, flags
	}

	var r float64
	switch op {
	case fpAdd:
		r = x + y
	case fpSub:
		r = x - y
	case fpMul:
		r = x * y
	case fpDiv:
		r = x / y
	case fpSqrt:
		r = math.Sqrt(x)
	case fpMulAdd:
		r = math.FMA(x, y, z)
	}
	if math.IsNaN(r) {
		return f.nan, flagNV
	}
	if op == fpDiv && y == 0 && !math.IsInf(x, 0) {
		return f.encode(r), flagDZ
	}
	for _, v := range operands[:op.arity()] {
		if f.isInf(v) {
			return f.encode(r), 0
		}
	}
	if op == fpSqrt && x == 0 {
		return a, 0
	}

	if rm == rmRNE {
		if res, flags, ok := nearest(op, f, x, y, r, operands[:op.arity()]); ok {
			return res, flags
		}
	}
	return exactArith(op, f, rm, x, y, z)
}

// nearest is the native round-to-nearest-even path. ok is false when the
// result needs the exact path to get the flags right.
func nearest(op fpOp, f fpFormat, x, y, r float64, operands []uint64) (uint64, uint8, bool) {
	if op == fpMulAdd {
		return 0, 0, false
	}
	if r == 0 {
		if op == fpAdd || op == fpSub || x == 0 || op == fpMul && y == 0 {
			return f.encode(r), 0, true
		}
		return 0, 0, false
	}

	if !f.single() {
		for _, v := range operands {
			if f.isSubnormal(v) {
				return 0, 0, false
			}
		}
		if math.IsInf(r, 0) {
			return f.encode(r), flagOF | flagNX, true
		}
		if math.Abs(r) < 0x1p-960 {
			return 0, 0, false
		}
		if residual(op, x, y, r) != 0 {
			return f.encode(r), flagNX, true
		}
		return f.encode(r), 0, true
	}

	// Rounding a binary32 operation through binary64 is correctly rounded
	// for these operations since 53 >= 2*24+2.
	exact := op == fpMul || residual(op, x, y, r) == 0
	r32 := float32(r)
	var flags uint8
	if !exact || float64(r32) != r {
		flags |= flagNX
	}
	if math.IsInf(float64(r32), 0) {
		flags |= flagOF | flagNX
	}
	if flags&flagNX != 0 && math.Abs(float64(r32)) < f.minNormal() {
		flags |= flagUF
	}
	return uint64(math.Float32bits(r32)), flags, true
}

// residual returns the rounding error of r as the result of op, or its
// sign for division and square root.
func residual(op fpOp, x, y, r float64) float64 {
	switch op {
	case fpAdd, fpSub:
		if op == fpSub {
			y = -y
		}
		bb := r - x
		return (x - (r - bb)) + (y - bb)
	case fpMul:
		return math.FMA(x, y, -r)
	case fpDiv:
		return math.FMA(-r, y, x)
	default:
		return math.FMA(-r, r, x)
	}
}

// exactArith evaluates op on finite operands with enough precision to
// round correctly in any mode.
func exactArith(op fpOp, f fpFormat, rm uint8, x, y, z float64) (uint64, uint8) {
	bx := new(big.Float).SetFloat64(x)
	by := new(big.Float).SetFloat64(y)
	t := new(big.Float).SetPrec(bigPrec).SetMode(big.ToZero)

	var sticky bool
	switch op {
	case fpAdd:
		t.Add(bx, by)
	case fpSub:
		t.Sub(bx, by)
	case fpMul:
		t.Mul(bx, by)
	case fpDiv:
		t.Quo(bx, by)
	case fpSqrt:
		t, sticky = sqrtTruncated(bx)
	case fpMulAdd:
		p := new(big.Float).SetPrec(bigPrec).Mul(bx, by)
		t.Add(p, new(big.Float).SetFloat64(z))
	}
	if op != fpSqrt {
		sticky = t.Acc() != big.Exact
	}

	if t.Sign() == 0 && (op == fpAdd || op == fpSub || op == fpMulAdd) {
		// Exact zero sums are +0 unless both addends are zeros of the
		// same sign, or -0 when rounding down.
		s1, s2 := math.Signbit(x), math.Signbit(y)
		z1, z2 := x == 0, y == 0
		switch op {
		case fpSub:
			s2 = !s2
		case fpMulAdd:
			s1, z1 = s1 != s2, x == 0 || y == 0
			s2, z2 = math.Signbit(z), z == 0
		}
		neg := z1 && z2 && s1 && s2
		if rm == rmRDN {
			neg = !(z1 && z2 && !s1 && !s2)
		}
		if neg {
			return f.signBit(), 0
		}
		return 0, 0
	}
	return roundBig(f, rm, t, sticky)
}

// sqrtTruncated returns the square root of a non-negative x truncated to
// bigPrec bits and whether it is inexact.
func sqrtTruncated(x *big.Float) (*big.Float, bool) {
	t := new(big.Float).SetPrec(bigPrec).SetMode(big.ToZero).Sqrt(x)
	ulp := new(big.Float).SetMantExp(big.NewFloat(1), t.MantExp(nil)-bigPrec)
	square := func(v *big.Float) int {
		return new(big.Float).SetPrec(2*bigPrec + 8).Mul(v, v).Cmp(x)
	}
	for square(t) > 0 {
		t.Sub(t, ulp)
	}
	for {
		up := new(big.Float).SetPrec(bigPrec).Add(t, ulp)
		if square(up) > 0 {
			break
		}
		t = up
	}
	return t, square(t) != 0
}

// roundBig rounds t, a value truncated toward zero with sticky recording any
// discarded bits, to format f in mode rm.
func roundBig(f fpFormat, rm uint8, t *big.Float, sticky bool) (uint64, uint8) {
	neg := t.Signbit()
	var sign uint64
	if neg {
		sign = f.signBit()
	}
	if t.Sign() == 0 {
		return sign, 0
	}

	abs := new(big.Float).Abs(t)
	exp := abs.MantExp(nil)
	q := max(exp, f.emin) - int(f.mant)
	m, inexact := roundScaled(abs, q, rm, neg, sticky)

	var flags uint8
	if inexact {
		flags |= flagNX
		tiny := exp < f.emin
		if tiny && m == 1<<(f.mant-1) {
			// Tininess is detected after rounding with an unbounded
			// exponent range.
			mu, _ := roundScaled(abs, exp-int(f.mant), rm, neg, sticky)
			tiny = mu < 1<<f.mant
		}
		if tiny {
			flags |= flagUF
		}
	}
	if m == 0 {
		return sign, flags
	}
	if m >= 1<<f.mant {
		m >>= 1
		q++
	}

	biased := q + int(f.mant) - 1 + f.bias
	if biased >= 1<<f.expBits-1 {
		flags |= flagOF | flagNX
		toInf := rm == rmRNE || rm == rmRMM || rm == rmRUP && !neg || rm == rmRDN && neg
		if toInf {
			return sign | f.expMask(), flags
		}
		return sign | (f.expMask() - 1<<(f.mant-1)) | f.fracMask(), flags
	}
	return sign | (uint64(biased-1)<<(f.mant-1) + m), flags
}

// roundScaled rounds abs/2**q to an integer in mode rm.
func roundScaled(abs *big.Float, q int, rm uint8, neg, sticky bool) (uint64, bool) {
	s := new(big.Float).SetPrec(bigPrec+64).SetMantExp(abs, -q)
	u, _ := s.Uint64()
	frac := new(big.Float).SetPrec(bigPrec+64).Sub(s, new(big.Float).SetUint64(u))
	half := frac.Cmp(big.NewFloat(0.5))
	inexact := frac.Sign() != 0 || sticky

	var up bool
	switch rm {
	case rmRNE:
		up = half > 0 || half == 0 && (sticky || u&1 == 1)
	case rmRMM:
		up = half >= 0
	case rmRDN:
		up = neg && inexact
	case rmRUP:
		up = !neg && inexact
	}
	if up {
		u++
	}
	return u, inexact
}

// convertFloat converts the raw value b from format from to format to.
func convertFloat(from, to fpFormat, rm uint8, b uint64) (uint64, uint8) {
	if from.isNaN(b) {
		if from.isSNaN(b) {
			return to.nan, flagNV
		}
		return to.nan, 0
	}
	v := from.value(b)
	if !to.single() || math.IsInf(v, 0) || v == 0 {
		return to.encode(v), 0
	}
	if rm == rmRNE {
		r32 := float32(v)
		var flags uint8
		if float64(r32) != v {
			flags |= flagNX
			if math.Abs(float64(r32)) < to.minNormal() {
				flags |= flagUF
			}
		}
		if math.IsInf(float64(r32), 0) {
			flags |= flagOF
		}
		return uint64(math.Float32bits(r32)), flags
	}
	return roundBig(to, rm, new(big.Float).SetFloat64(v), false)
}

// convertInt converts an integer with magnitude mag to format f.
func convertInt(f fpFormat, rm uint8, neg bool, mag uint64) (uint64, uint8) {
	if mag < 1<<f.mant {
		v := float64(mag)
		if neg {
			v = -v
		}
		return f.encode(v), 0
	}
	t := new(big.Float).SetPrec(bigPrec).SetUint64(mag)
	if neg {
		t.Neg(t)
	}
	return roundBig(f, rm, t, false)
}

func roundToInt(v float64, rm uint8) float64 {
	switch rm {
	case rmRTZ:
		return math.Trunc(v)
	case rmRDN:
		return math.Floor(v)
	case rmRUP:
		return math.Ceil(v)
	case rmRMM:
		return math.Round(v)
	}
	return math.RoundToEven(v)
}

// convertToInt converts the raw value b in format f to a signed or unsigned
// integer of the given width. Out of range inputs saturate.
func convertToInt(f fpFormat, rm uint8, b uint64, signed bool, width uint) (uint64, uint8) {
	var lo, hi float64
	var minv, maxv uint64
	if signed {
		lo, hi = -math.Ldexp(1, int(width-1)), math.Ldexp(1, int(width-1))
		minv, maxv = uint64(-int64(1)<<(width-1)), uint64(1)<<(width-1)-1
	} else {
		lo, hi = 0, math.Ldexp(1, int(width))
		minv, maxv = 0, uint64(math.MaxUint64)>>(64-width)
	}

	if f.isNaN(b) {
		return maxv, flagNV
	}
	v := f.value(b)
	r := roundToInt(v, rm)
	switch {
	case r < lo:
		return minv, flagNV
	case r >= hi:
		return maxv, flagNV
	}
	var flags uint8
	if r != v {
		flags = flagNX
	}
	if signed {
		return uint64(int64(r)), flags
	}
	return uint64(r), flags
}

func minMax(f fpFormat, a, b uint64, max bool) (uint64, uint8) {
	var flags uint8
	if f.isSNaN(a) || f.isSNaN(b) {
		flags = flagNV
	}
	an, bn := f.isNaN(a), f.isNaN(b)
	switch {
	case an && bn:
		return f.nan, flags
	case an:
		return b, flags
	case bn:
		return a, flags
	}
	x, y := f.value(a), f.value(b)
	if x == y {
		// -0 orders below +0.
		if (a&f.signBit() != 0) != max {
			return a, flags
		}
		return b, flags
	}
	if (x < y) != max {
		return a, flags
	}
	return b, flags
}

// compare implements FEQ, FLT and FLE. FEQ is quiet; the ordered
// comparisons signal on any NaN.
func compare(f fpFormat, op isa.Op, a, b uint64) (uint64, uint8) {
	if f.isNaN(a) || f.isNaN(b) {
		switch op {
		case isa.OpFEQS, isa.OpFEQD:
			if f.isSNaN(a) || f.isSNaN(b) {
				return 0, flagNV
			}
			return 0, 0
		}
		return 0, flagNV
	}
	x, y := f.value(a), f.value(b)
	switch op {
	case isa.OpFEQS, isa.OpFEQD:
		return bool2u(x == y), 0
	case isa.OpFLTS, isa.OpFLTD:
		return bool2u(x < y), 0
	}
	return bool2u(x <= y), 0
}

func signInject(f fpFormat, op isa.Op, a, b uint64) uint64 {
	sign := f.signBit()
	switch op {
	case isa.OpFSGNJS, isa.OpFSGNJD:
		return a&^sign | b&sign
	case isa.OpFSGNJNS, isa.OpFSGNJND:
		return a&^sign | ^b&sign
	}
	return a ^ b&sign
}

// freg reads register r in format f. A binary32 value that is not NaN-boxed
// reads as the canonical NaN.
func (c *CPU) freg(f fpFormat, r uint8) uint64 {
	v := c.f[r]
	if f.single() {
		if v&nanBox != nanBox {
			return canonicalNaN32
		}
		return v &^ nanBox
	}
	return v
}

func (c *CPU) setFreg(f fpFormat, r uint8, v uint64) {
	if f.single() {
		v = nanBox | v&0xffffffff
	}
	c.f[r] = v
	c.markFPDirty()
}

func (c *CPU) raise(flags uint8) {
	if flags != 0 {
		c.fflags |= flags
		c.markFPDirty()
	}
}

// roundingMode resolves the instruction's rm field. ok is false for the
// reserved encodings, including a reserved value in frm.
func (c *CPU) roundingMode(in isa.Instruction) (uint8, bool) {
	rm := in.RM
	if rm == rmDYN {
		rm = c.frm
	}
	return rm, rm <= rmRMM
}

// execFloat implements the F and D extensions.
func (c *CPU) execFloat(in isa.Instruction) error {
	if c.fsState() == fsOff {
		return illegal(in)
	}
	f := binary32
	if in.Op >= isa.OpFLD {
		f = binary64
	}
	size := 4
	if !f.single() {
		size = 8
	}

	switch in.Op {
	case isa.OpFLW, isa.OpFLD:
		v, err := c.mmu.Load(c.addr(c.reg(in.Rs1)+uint64(in.Imm)), size)
		if err != nil {
			return err
		}
		c.setFreg(f, in.Rd, v)
		return nil
	case isa.OpFSW, isa.OpFSD:
		return c.mmu.Store(c.addr(c.reg(in.Rs1)+uint64(in.Imm)), size, c.f[in.Rs2])

	case isa.OpFSGNJS, isa.OpFSGNJNS, isa.OpFSGNJXS, isa.OpFSGNJD, isa.OpFSGNJND, isa.OpFSGNJXD:
		c.setFreg(f, in.Rd, signInject(f, in.Op, c.freg(f, in.Rs1), c.freg(f, in.Rs2)))
		return nil
	case isa.OpFMINS, isa.OpFMAXS, isa.OpFMIND, isa.OpFMAXD:
		v, flags := minMax(f, c.freg(f, in.Rs1), c.freg(f, in.Rs2), in.Op == isa.OpFMAXS || in.Op == isa.OpFMAXD)
		c.setFreg(f, in.Rd, v)
		c.raise(flags)
		return nil
	case isa.OpFEQS, isa.OpFLTS, isa.OpFLES, isa.OpFEQD, isa.OpFLTD, isa.OpFLED:
		v, flags := compare(f, in.Op, c.freg(f, in.Rs1), c.freg(f, in.Rs2))
		c.setReg(in.Rd, v)
		c.raise(flags)
		return nil
	case isa.OpFCLASSS, isa.OpFCLASSD:
		c.setReg(in.Rd, f.class(c.freg(f, in.Rs1)))
		return nil
	case isa.OpFMVXW:
		c.setReg(in.Rd, sext32(c.f[in.Rs1]))
		return nil
	case isa.OpFMVXD:
		c.setReg(in.Rd, c.f[in.Rs1])
		return nil
	case isa.OpFMVWX, isa.OpFMVDX:
		c.setFreg(f, in.Rd, c.reg(in.Rs1))
		return nil
	}

	rm, ok := c.roundingMode(in)
	if !ok {
		return illegal(in)
	}
	a, b := c.freg(f, in.Rs1), c.freg(f, in.Rs2)

	var res uint64
	var flags uint8
	switch in.Op {
	case isa.OpFADDS, isa.OpFADDD:
		res, flags = arith(fpAdd, f, rm, a, b, 0)
	case isa.OpFSUBS, isa.OpFSUBD:
		res, flags = arith(fpSub, f, rm, a, b, 0)
	case isa.OpFMULS, isa.OpFMULD:
		res, flags = arith(fpMul, f, rm, a, b, 0)
	case isa.OpFDIVS, isa.OpFDIVD:
		res, flags = arith(fpDiv, f, rm, a, b, 0)
	case isa.OpFSQRTS, isa.OpFSQRTD:
		res, flags = arith(fpSqrt, f, rm, a, 0, 0)

	case isa.OpFMADDS, isa.OpFMADDD:
		res, flags = arith(fpMulAdd, f, rm, a, b, c.freg(f, in.Rs3))
	case isa.OpFMSUBS, isa.OpFMSUBD:
		res, flags = arith(fpMulAdd, f, rm, a, b, negate(f, c.freg(f, in.Rs3)))
	case isa.OpFNMSUBS, isa.OpFNMSUBD:
		res, flags = arith(fpMulAdd, f, rm, negate(f, a), b, c.freg(f, in.Rs3))
	case isa.OpFNMADDS, isa.OpFNMADDD:
		res, flags = arith(fpMulAdd, f, rm, negate(f, a), b, negate(f, c.freg(f, in.Rs3)))

	case isa.OpFCVTSD:
		res, flags = convertFloat(binary64, binary32, rm, a)
		f = binary32
	case isa.OpFCVTDS:
		res, flags = convertFloat(binary32, binary64, rm, c.freg(binary32, in.Rs1))

	case isa.OpFCVTWS, isa.OpFCVTWD:
		v, flags := convertToInt(f, rm, a, true, 32)
		c.setReg(in.Rd, sext32(v))
		c.raise(flags)
		return nil
	case isa.OpFCVTWUS, isa.OpFCVTWUD:
		v, flags := convertToInt(f, rm, a, false, 32)
		c.setReg(in.Rd, sext32(v))
		c.raise(flags)
		return nil
	case isa.OpFCVTLS, isa.OpFCVTLD:
		v, flags := convertToInt(f, rm, a, true, 64)
		c.setReg(in.Rd, v)
		c.raise(flags)
		return nil
	case isa.OpFCVTLUS, isa.OpFCVTLUD:
		v, flags := convertToInt(f, rm, a, false, 64)
		c.setReg(in.Rd, v)
		c.raise(flags)
		return nil

	case isa.OpFCVTSW, isa.OpFCVTDW:
		v := int64(int32(c.reg(in.Rs1)))
		res, flags = convertInt(f, rm, v < 0, absInt(v))
	case isa.OpFCVTSWU, isa.OpFCVTDWU:
		res, flags = convertInt(f, rm, false, uint64(uint32(c.reg(in.Rs1))))
	case isa.OpFCVTSL, isa.OpFCVTDL:
		v := int64(c.reg(in.Rs1))
		res, flags = convertInt(f, rm, v < 0, absInt(v))
	case isa.OpFCVTSLU, isa.OpFCVTDLU:
		res, flags = convertInt(f, rm, false, c.reg(in.Rs1))

	default:
		return illegal(in)
	}

	c.setFreg(f, in.Rd, res)
	c.raise(flags)
	return nil
}

// negate flips the sign of a raw value. NaNs are left alone so that the
// canonical NaN is produced downstream.
func negate(f fpFormat, b uint64) uint64 {
	if f.isNaN(b) {
		return b
	}
	return b ^ f.signBit()
}

// absInt returns |v| as an unsigned value, valid for math.MinInt64.
func absInt(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
