package cpu

import "github.com/tinyrange/rvemu/internal/isa"

// CSRs that are implemented as read-zero, write-ignored.
const (
	csrSenvcfg       = 0x10a
	csrMenvcfg       = 0x30a
	csrMcountinhibit = 0x320
	csrMconfigptr    = 0xf15
)

const (
	mstatusWritable = isa.MstatusSIE | isa.MstatusMIE | isa.MstatusSPIE | isa.MstatusMPIE |
		isa.MstatusSPP | isa.MstatusMPP | isa.MstatusFS | isa.MstatusMPRV | isa.MstatusSUM |
		isa.MstatusMXR | isa.MstatusTVM | isa.MstatusTW | isa.MstatusTSR

	sstatusReadable = isa.MstatusSIE | isa.MstatusSPIE | isa.MstatusSPP | isa.MstatusFS |
		isa.MstatusXS | isa.MstatusSUM | isa.MstatusMXR | isa.MstatusUXL
	sstatusWritable = isa.MstatusSIE | isa.MstatusSPIE | isa.MstatusSPP | isa.MstatusFS |
		isa.MstatusSUM | isa.MstatusMXR

	medelegMask = 0xb3ff
	midelegMask = isa.MipSSIP | isa.MipSTIP | isa.MipSEIP
	mieMask     = isa.MipSSIP | isa.MipMSIP | isa.MipSTIP | isa.MipMTIP | isa.MipSEIP | isa.MipMEIP
	mipWritable = isa.MipSSIP | isa.MipSTIP | isa.MipSEIP

	fsOff   uint64 = 0
	fsDirty uint64 = 3
)

// readMstatus returns mstatus as the guest sees it at the current XLEN.
func (c *CPU) readMstatus() uint64 {
	v := c.mstatus
	dirty := v&isa.MstatusFS == isa.MstatusFS || v&isa.MstatusXS == isa.MstatusXS
	if c.xlen == isa.XLEN32 {
		v &= 0x7fffffff
		if dirty {
			v |= 1 << 31
		}
		return v
	}
	v |= 2<<32 | 2<<34
	if dirty {
		v |= 1 << 63
	}
	return v
}

func (c *CPU) writeMstatus(v uint64) {
	if (v&isa.MstatusMPP)>>isa.MstatusMPPShift == 2 {
		v = v&^isa.MstatusMPP | c.mstatus&isa.MstatusMPP
	}
	c.mstatus = c.mstatus&^mstatusWritable | v&mstatusWritable
	c.syncMMU()
}

func (c *CPU) misa() uint64 {
	if c.xlen == isa.XLEN32 {
		return 1<<30 | misaExtensions
	}
	return 2<<62 | misaExtensions
}

func (c *CPU) fsState() uint64 { return (c.mstatus & isa.MstatusFS) >> isa.MstatusFSShift }

func (c *CPU) markFPDirty() {
	c.mstatus |= fsDirty << isa.MstatusFSShift
}

// counterAllowed applies mcounteren and scounteren to user counter reads.
func (c *CPU) counterAllowed(csr uint16) bool {
	bit := uint64(1) << (csr & 0x1f)
	if c.priv < isa.PrivMachine && c.mcounteren&bit == 0 {
		return false
	}
	if c.priv < isa.PrivSupervisor && c.scounteren&bit == 0 {
		return false
	}
	return true
}

func (c *CPU) time() uint64 {
	if c.timeFn != nil {
		return c.timeFn()
	}
	return c.cycle
}

// counter returns the 64-bit value behind a counter CSR number.
func (c *CPU) counter(idx uint16) uint64 {
	switch idx {
	case 0:
		return c.cycle
	case 1:
		return c.time()
	case 2:
		return c.instret
	}
	return 0
}

// readCSR returns the value of csr. ok is false for CSRs that do not exist
// or cannot be accessed from the current state.
func (c *CPU) readCSR(csr uint16) (uint64, bool) {
	rv32 := c.xlen == isa.XLEN32

	switch {
	case csr >= isa.CSRCycle && csr <= 0xc1f:
		if !c.counterAllowed(csr) {
			return 0, false
		}
		return c.counter(csr - isa.CSRCycle), true
	case csr >= isa.CSRCycleh && csr <= 0xc9f:
		if !rv32 || !c.counterAllowed(csr) {
			return 0, false
		}
		return c.counter(csr-isa.CSRCycleh) >> 32, true
	case csr >= isa.CSRMcycle && csr <= 0xb1f:
		return c.counter(csr - isa.CSRMcycle), csr != 0xb01
	case csr >= isa.CSRMcycleh && csr <= 0xb9f:
		return c.counter(csr-isa.CSRMcycleh) >> 32, rv32 && csr != 0xb81
	case csr >= 0x323 && csr <= 0x33f:
		return 0, true
	case csr >= isa.CSRPmpcfg0 && csr <= isa.CSRPmpcfg0+15:
		return 0, rv32 || csr&1 == 0
	case csr >= isa.CSRPmpaddr0 && csr <= isa.CSRPmpaddr0+63:
		return 0, true
	}

	switch csr {
	case isa.CSRFflags, isa.CSRFrm, isa.CSRFcsr:
		if c.fsState() == fsOff {
			return 0, false
		}
		switch csr {
		case isa.CSRFflags:
			return uint64(c.fflags), true
		case isa.CSRFrm:
			return uint64(c.frm), true
		}
		return uint64(c.frm)<<5 | uint64(c.fflags), true

	case isa.CSRSstatus:
		// The SD bit sits at XLEN-1, the same place as the interrupt flag.
		return c.readMstatus() & (sstatusReadable | c.interruptBit()), true
	case isa.CSRSie:
		return c.mie & c.mideleg, true
	case isa.CSRStvec:
		return c.stvec, true
	case isa.CSRScounteren:
		return c.scounteren, true
	case isa.CSRSscratch:
		return c.sscratch, true
	case isa.CSRSepc:
		return c.sepc, true
	case isa.CSRScause:
		return c.scause, true
	case isa.CSRStval:
		return c.stval, true
	case isa.CSRSip:
		return c.pending() & c.mideleg, true
	case isa.CSRSatp:
		if c.priv == isa.PrivSupervisor && c.mstatus&isa.MstatusTVM != 0 {
			return 0, false
		}
		return c.mmu.SATP(), true

	case isa.CSRMvendorid, isa.CSRMarchid, isa.CSRMimpid, isa.CSRMhartid, csrMconfigptr:
		return 0, true
	case isa.CSRMstatus:
		return c.readMstatus(), true
	case isa.CSRMstatush:
		return 0, rv32
	case isa.CSRMisa:
		return c.misa(), true
	case isa.CSRMedeleg:
		return c.medeleg, true
	case isa.CSRMideleg:
		return c.mideleg, true
	case isa.CSRMie:
		return c.mie, true
	case isa.CSRMtvec:
		return c.mtvec, true
	case isa.CSRMcounteren:
		return c.mcounteren, true
	case isa.CSRMscratch:
		return c.mscratch, true
	case isa.CSRMepc:
		return c.mepc, true
	case isa.CSRMcause:
		return c.mcause, true
	case isa.CSRMtval:
		return c.mtval, true
	case isa.CSRMip:
		return c.pending(), true
	case csrSenvcfg, csrMenvcfg, csrMcountinhibit:
		return 0, true
	}
	return 0, false
}

// writeCSR stores v into csr. The CSR is known to exist.
func (c *CPU) writeCSR(csr uint16, v uint64) {
	v = c.addr(v)

	switch csr {
	case isa.CSRMcycle:
		c.cycle = c.writeCounterLow(c.cycle, v)
	case isa.CSRMinstret:
		c.instret = c.writeCounterLow(c.instret, v)
	case isa.CSRMcycleh:
		c.cycle = c.cycle&0xffffffff | v<<32
	case isa.CSRMinstreth:
		c.instret = c.instret&0xffffffff | v<<32

	case isa.CSRFflags:
		c.fflags = uint8(v & 0x1f)
		c.markFPDirty()
	case isa.CSRFrm:
		c.frm = uint8(v & 0x7)
		c.markFPDirty()
	case isa.CSRFcsr:
		c.fflags = uint8(v & 0x1f)
		c.frm = uint8(v>>5) & 0x7
		c.markFPDirty()

	case isa.CSRSstatus:
		c.writeMstatus(c.mstatus&^sstatusWritable | v&sstatusWritable)
	case isa.CSRSie:
		c.mie = c.mie&^c.mideleg | v&c.mideleg
	case isa.CSRStvec:
		c.stvec = v &^ 2
	case isa.CSRScounteren:
		c.scounteren = v & 0xffffffff
	case isa.CSRSscratch:
		c.sscratch = v
	case isa.CSRSepc:
		c.sepc = v &^ 1
	case isa.CSRScause:
		c.scause = v
	case isa.CSRStval:
		c.stval = v
	case isa.CSRSip:
		mask := isa.MipSSIP & c.mideleg
		c.mip = c.mip&^mask | v&mask
	case isa.CSRSatp:
		// Unsupported modes leave satp unchanged.
		c.mmu.SetSATP(v)

	case isa.CSRMstatus:
		c.writeMstatus(v)
	case isa.CSRMedeleg:
		c.medeleg = v & medelegMask
	case isa.CSRMideleg:
		c.mideleg = v & midelegMask
	case isa.CSRMie:
		c.mie = v & mieMask
	case isa.CSRMtvec:
		c.mtvec = v &^ 2
	case isa.CSRMcounteren:
		c.mcounteren = v & 0xffffffff
	case isa.CSRMscratch:
		c.mscratch = v
	case isa.CSRMepc:
		c.mepc = v &^ 1
	case isa.CSRMcause:
		c.mcause = v
	case isa.CSRMtval:
		c.mtval = v
	case isa.CSRMip:
		c.mip = c.mip&^mipWritable | v&mipWritable
	}
}

// writeCounterLow replaces the XLEN-wide low part of a 64-bit counter.
func (c *CPU) writeCounterLow(counter, v uint64) uint64 {
	if c.xlen == isa.XLEN32 {
		return counter&^0xffffffff | v
	}
	return v
}

// execCSR runs one of the Zicsr instructions.
func (c *CPU) execCSR(in isa.Instruction) error {
	csr := in.CSR
	if isa.Privilege((csr>>8)&3) > c.priv {
		return illegal(in)
	}

	var src uint64
	write := true
	switch in.Op {
	case isa.OpCSRRW:
		src = c.reg(in.Rs1)
	case isa.OpCSRRS, isa.OpCSRRC:
		src = c.reg(in.Rs1)
		write = in.Rs1 != 0
	case isa.OpCSRRWI:
		src = uint64(in.Imm)
	case isa.OpCSRRSI, isa.OpCSRRCI:
		src = uint64(in.Imm)
		write = in.Imm != 0
	}
	if write && csr>>10 == 3 {
		return illegal(in)
	}

	old, ok := c.readCSR(csr)
	if !ok {
		return illegal(in)
	}

	if write {
		next := src
		switch in.Op {
		case isa.OpCSRRS, isa.OpCSRRSI:
			next = old | src
		case isa.OpCSRRC, isa.OpCSRRCI:
			next = old &^ src
		}
		c.writeCSR(csr, next)
	}
	c.setReg(in.Rd, old)
	return nil
}
