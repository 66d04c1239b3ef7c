// Package clint implements the core local interruptor: the machine timer and
// the machine software interrupt for a single hart.
package clint

import (
	"github.com/tinyrange/rvemu/internal/chipset"
	"github.com/tinyrange/rvemu/internal/mmu"
)

// CLINT register offsets.
const (
	OffsetMsip     = 0x0000
	OffsetMtimecmp = 0x4000
	OffsetMtime    = 0xbff8

	Size = 0x10000
)

// CLINT keeps mtime as a step counter so runs are deterministic. Each Tick
// advances mtime by one.
type CLINT struct {
	timer chipset.LineInterrupt
	soft  chipset.LineInterrupt

	msip     uint32
	mtime    uint64
	mtimecmp uint64
}

// New builds a CLINT driving the machine timer and software interrupt
// lines. Nil lines are detached.
func New(timer, soft chipset.LineInterrupt) *CLINT {
	if timer == nil {
		timer = chipset.LineInterruptDetached()
	}
	if soft == nil {
		soft = chipset.LineInterruptDetached()
	}
	return &CLINT{
		timer:    timer,
		soft:     soft,
		mtimecmp: ^uint64(0),
	}
}

// Size implements mmu.Device.
func (c *CLINT) Size() uint64 { return Size }

// Mtime returns the current timer value, also visible through the time CSR.
func (c *CLINT) Mtime() uint64 { return c.mtime }

// Mtimecmp returns the current compare value.
func (c *CLINT) Mtimecmp() uint64 { return c.mtimecmp }

// Read implements mmu.Device.
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset >= OffsetMsip && offset < OffsetMsip+4:
		return uint64(c.msip), nil
	case offset >= OffsetMtimecmp && offset < OffsetMtimecmp+8:
		return readHalf(c.mtimecmp, offset-OffsetMtimecmp, size), nil
	case offset >= OffsetMtime && offset < OffsetMtime+8:
		return readHalf(c.mtime, offset-OffsetMtime, size), nil
	}
	return 0, nil
}

// Write implements mmu.Device.
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset >= OffsetMsip && offset < OffsetMsip+4:
		c.msip = uint32(value & 1)
		c.soft.SetLevel(c.msip != 0)
	case offset >= OffsetMtimecmp && offset < OffsetMtimecmp+8:
		c.mtimecmp = writeHalf(c.mtimecmp, offset-OffsetMtimecmp, size, value)
		c.updateTimer()
	case offset >= OffsetMtime && offset < OffsetMtime+8:
		c.mtime = writeHalf(c.mtime, offset-OffsetMtime, size, value)
		c.updateTimer()
	}
	return nil
}

// Tick implements mmu.Ticker.
func (c *CLINT) Tick() {
	c.mtime++
	c.updateTimer()
}

func (c *CLINT) updateTimer() {
	c.timer.SetLevel(c.mtime >= c.mtimecmp)
}

// readHalf extracts a 4 or 8 byte window of a 64-bit register.
func readHalf(reg, rel uint64, size int) uint64 {
	if size >= 8 {
		return reg
	}
	shift := 8 * rel
	v := reg >> shift
	switch size {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	default:
		return v & 0xffff_ffff
	}
}

func writeHalf(reg, rel uint64, size int, value uint64) uint64 {
	if size >= 8 {
		return value
	}
	shift := 8 * rel
	mask := (uint64(1)<<(8*uint(size)) - 1) << shift
	return reg&^mask | (value<<shift)&mask
}

var (
	_ mmu.Device = (*CLINT)(nil)
	_ mmu.Ticker = (*CLINT)(nil)
)
