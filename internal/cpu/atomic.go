package cpu

import "github.com/tinyrange/rvemu/internal/isa"

// execAtomic implements the A extension. With a single hart an AMO is a
// plain read-modify-write through the MMU, which raises store misaligned
// for unaligned addresses.
func (c *CPU) execAtomic(in isa.Instruction) error {
	addr := c.addr(c.reg(in.Rs1))
	src := c.reg(in.Rs2)

	size := 4
	if in.Op >= isa.OpLRD {
		size = 8
	}
	widen := func(v uint64) uint64 {
		if size == 4 {
			return sext32(v)
		}
		return v
	}

	switch in.Op {
	case isa.OpLRW, isa.OpLRD:
		if addr&uint64(size-1) != 0 {
			return exception(isa.CauseLoadMisaligned, addr)
		}
		v, err := c.mmu.Load(addr, size)
		if err != nil {
			return err
		}
		c.reservation = addr
		c.reservationValid = true
		c.setReg(in.Rd, widen(v))
		return nil

	case isa.OpSCW, isa.OpSCD:
		if addr&uint64(size-1) != 0 {
			return exception(isa.CauseStoreMisaligned, addr)
		}
		if !c.reservationValid || c.reservation != addr {
			c.reservationValid = false
			c.setReg(in.Rd, 1)
			return nil
		}
		if err := c.mmu.Store(addr, size, src); err != nil {
			return err
		}
		c.reservationValid = false
		c.setReg(in.Rd, 0)
		return nil
	}

	op := amoFunc(in.Op, size)
	old, err := c.mmu.AtomicUpdate(addr, size, func(old uint64) uint64 {
		return op(widen(old), widen(src))
	})
	if err != nil {
		return err
	}
	c.setReg(in.Rd, widen(old))
	return nil
}

// amoFunc returns the combining function for an AMO. Operands arrive
// sign-extended to 64 bits so signed comparisons work for both widths.
func amoFunc(op isa.Op, size int) func(a, b uint64) uint64 {
	unsigned := func(v uint64) uint64 {
		if size == 4 {
			return uint64(uint32(v))
		}
		return v
	}
	switch op {
	case isa.OpAMOSWAPW, isa.OpAMOSWAPD:
		return func(_, b uint64) uint64 { return b }
	case isa.OpAMOADDW, isa.OpAMOADDD:
		return func(a, b uint64) uint64 { return a + b }
	case isa.OpAMOXORW, isa.OpAMOXORD:
		return func(a, b uint64) uint64 { return a ^ b }
	case isa.OpAMOANDW, isa.OpAMOANDD:
		return func(a, b uint64) uint64 { return a & b }
	case isa.OpAMOORW, isa.OpAMOORD:
		return func(a, b uint64) uint64 { return a | b }
	case isa.OpAMOMINW, isa.OpAMOMIND:
		return func(a, b uint64) uint64 {
			if int64(a) < int64(b) {
				return a
			}
			return b
		}
	case isa.OpAMOMAXW, isa.OpAMOMAXD:
		return func(a, b uint64) uint64 {
			if int64(a) > int64(b) {
				return a
			}
			return b
		}
	case isa.OpAMOMINUW, isa.OpAMOMINUD:
		return func(a, b uint64) uint64 {
			if unsigned(a) < unsigned(b) {
				return a
			}
			return b
		}
	default:
		return func(a, b uint64) uint64 {
			if unsigned(a) > unsigned(b) {
				return a
			}
			return b
		}
	}
}
