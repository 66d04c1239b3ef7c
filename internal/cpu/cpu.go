// Package cpu implements a single RISC-V hart: the register file, the
// privilege and trap model, CSRs and the fetch/decode/execute step.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rvemu/internal/chipset"
	"github.com/tinyrange/rvemu/internal/isa"
	"github.com/tinyrange/rvemu/internal/mmu"
)

// ErrDoubleFault is returned by Step when the fetch at a freshly installed
// trap vector faults, which means no handler is mapped.
var ErrDoubleFault = errors.New("instruction fetch fault at trap vector")

// ISA extension bits for misa.
const (
	misaA uint64 = 1 << 0
	misaC uint64 = 1 << 2
	misaD uint64 = 1 << 3
	misaF uint64 = 1 << 5
	misaI uint64 = 1 << 8
	misaM uint64 = 1 << 12
	misaS uint64 = 1 << 18
	misaU uint64 = 1 << 20

	misaExtensions = misaA | misaC | misaD | misaF | misaI | misaM | misaS | misaU
)

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Stats counts events since the hart was created.
type Stats struct {
	Steps      uint64
	Retired    uint64
	Traps      uint64
	Interrupts uint64
}

// CPU is one hart. Register values are kept canonical for the active XLEN:
// under RV32 every integer register holds the sign extension of its low 32
// bits and the PC is masked to 32 bits.
type CPU struct {
	mmu     *mmu.MMU
	xlen    isa.XLEN
	decoder isa.DecodeCache
	log     *slog.Logger
	debug   bool

	x    [32]uint64
	f    [32]uint64
	pc   uint64
	priv isa.Privilege

	mstatus    uint64
	medeleg    uint64
	mideleg    uint64
	mie        uint64
	mip        uint64 // software writable pending bits
	lines      uint64 // pending bits driven by devices
	mtvec      uint64
	mcounteren uint64
	mscratch   uint64
	mepc       uint64
	mcause     uint64
	mtval      uint64

	stvec      uint64
	scounteren uint64
	sscratch   uint64
	sepc       uint64
	scause     uint64
	stval      uint64

	fflags uint8
	frm    uint8

	cycle   uint64
	instret uint64
	timeFn  func() uint64

	reservation      uint64
	reservationValid bool

	wfi bool
	// vectored is set when the previous step delivered a trap and nothing
	// has been fetched from the new vector yet.
	vectored bool

	stats Stats
}

// New creates a hart in Machine mode with zeroed registers and PC 0.
func New(m *mmu.MMU, xlen isa.XLEN) *CPU {
	c := &CPU{
		mmu:  m,
		xlen: xlen,
		log:  slog.Default(),
	}
	c.Reset()
	return c
}

// Reset returns the hart to its power-on state. Memory is untouched.
func (c *CPU) Reset() {
	c.x = [32]uint64{}
	c.f = [32]uint64{}
	c.pc = 0
	c.priv = isa.PrivMachine
	// FS starts Initial so bare-metal code can use floating point without
	// enabling it first.
	c.mstatus = 1 << isa.MstatusFSShift
	c.medeleg, c.mideleg = 0, 0
	c.mie, c.mip = 0, 0
	c.mtvec, c.mcounteren, c.mscratch = 0, 0, 0
	c.mepc, c.mcause, c.mtval = 0, 0, 0
	c.stvec, c.scounteren, c.sscratch = 0, 0, 0
	c.sepc, c.scause, c.stval = 0, 0, 0
	c.fflags, c.frm = 0, 0
	c.cycle, c.instret = 0, 0
	c.reservationValid = false
	c.wfi = false
	c.vectored = false
	c.decoder.Reset()
	c.syncMMU()
}

// SetLogger sets the logger used for trap tracing at debug level.
func (c *CPU) SetLogger(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	c.log = log
	c.debug = log.Enabled(context.Background(), slog.LevelDebug)
}

// SetTimeSource sets the clock read through the time CSR. By default the
// cycle counter is used.
func (c *CPU) SetTimeSource(fn func() uint64) { c.timeFn = fn }

// MMU returns the memory unit the hart issues accesses through.
func (c *CPU) MMU() *mmu.MMU { return c.mmu }

func (c *CPU) XLEN() isa.XLEN { return c.xlen }

// SetXLEN switches register width. Registers are re-canonicalised.
func (c *CPU) SetXLEN(xlen isa.XLEN) {
	c.xlen = xlen
	c.mmu.SetXLEN(xlen)
	for i := range c.x {
		c.x[i] = c.canon(c.x[i])
	}
	c.pc = c.addr(c.pc)
	c.decoder.Reset()
	c.syncMMU()
}

func (c *CPU) Privilege() isa.Privilege { return c.priv }

// SetPrivilege forces the privilege level, for setup and tests.
func (c *CPU) SetPrivilege(p isa.Privilege) {
	c.priv = p
	c.syncMMU()
}

func (c *CPU) PC() uint64 { return c.pc }

func (c *CPU) SetPC(pc uint64) { c.pc = c.addr(pc) }

// Reg returns integer register i as a signed XLEN value.
func (c *CPU) Reg(i int) int64 {
	if i <= 0 || i >= 32 {
		return 0
	}
	return int64(c.x[i])
}

// SetReg writes integer register i. Writes to x0 are discarded.
func (c *CPU) SetReg(i int, v uint64) {
	if i <= 0 || i >= 32 {
		return
	}
	c.x[i] = c.canon(v)
}

// FReg returns the raw bits of floating point register i.
func (c *CPU) FReg(i int) uint64 { return c.f[i&31] }

func (c *CPU) SetFReg(i int, v uint64) { c.f[i&31] = v }

func (c *CPU) Stats() Stats { return c.stats }

// Waiting reports whether the hart is parked in WFI.
func (c *CPU) Waiting() bool { return c.wfi }

// SetPending drives device interrupt lines into mip. mask is a set of Mip*
// bits from package isa.
func (c *CPU) SetPending(mask uint64, level bool) {
	if level {
		c.lines |= mask
	} else {
		c.lines &^= mask
	}
}

// InterruptLine returns a line that drives the given mip bits.
func (c *CPU) InterruptLine(mask uint64) chipset.LineInterrupt {
	return chipset.LineInterruptFromFunc(func(level bool) { c.SetPending(mask, level) })
}

// DumpRegisters writes the PC, privilege level and integer registers.
func (c *CPU) DumpRegisters(w io.Writer) {
	digits := 16
	if c.xlen == isa.XLEN32 {
		digits = 8
	}
	fmt.Fprintf(w, "pc   %0*x  priv %s  %s\n", digits, c.pc, c.priv, c.xlen)
	for i := 0; i < 32; i += 4 {
		for j := i; j < i+4; j++ {
			fmt.Fprintf(w, "%-4s %0*x", abiNames[j], digits, c.x[j]&c.xlen.Mask())
			if j != i+3 {
				fmt.Fprint(w, "  ")
			}
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "mstatus %0*x  mcause %0*x  mepc %0*x  mtval %0*x\n",
		digits, c.readMstatus(), digits, c.mcause, digits, c.mepc, digits, c.mtval)
}

// canon returns v in canonical register form for the current XLEN.
func (c *CPU) canon(v uint64) uint64 {
	if c.xlen == isa.XLEN32 {
		return uint64(int64(int32(v)))
	}
	return v
}

// addr masks v to an XLEN-wide address.
func (c *CPU) addr(v uint64) uint64 { return v & c.xlen.Mask() }

func (c *CPU) reg(i uint8) uint64 { return c.x[i] }

func (c *CPU) setReg(i uint8, v uint64) {
	if i != 0 {
		c.x[i] = c.canon(v)
	}
}

// syncMMU mirrors privilege and mstatus into the MMU.
func (c *CPU) syncMMU() {
	c.mmu.SetPrivilege(c.priv)
	c.mmu.SetStatus(c.mstatus)
}
