package mmu

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrOverlap  = errors.New("region overlaps an existing mapping")
	ErrUnmapped = errors.New("no region mapped at address")
)

// RegionKind tags what a mapped region is.
type RegionKind int

const (
	RegionRAM RegionKind = iota
	RegionROM
	RegionSerial
	RegionCLINT
	RegionPLIC
	RegionBlock
	RegionOther
)

func (k RegionKind) String() string {
	switch k {
	case RegionRAM:
		return "ram"
	case RegionROM:
		return "rom"
	case RegionSerial:
		return "serial"
	case RegionCLINT:
		return "clint"
	case RegionPLIC:
		return "plic"
	case RegionBlock:
		return "block"
	default:
		return "other"
	}
}

// Region is one mapped physical address range.
type Region struct {
	Kind   RegionKind
	Name   string
	Base   uint64
	Device Device
}

func (r *Region) End() uint64 { return r.Base + r.Device.Size() }

func (r *Region) contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Device.Size()
}

// Bus dispatches physical accesses to the region covering the address.
type Bus struct {
	ram     *Memory
	ramBase uint64
	ramSize uint64

	regions []*Region // sorted by Base
	tickers []Ticker
}

// NewBus creates a bus with main memory of ramSize bytes at ramBase.
func NewBus(ramBase, ramSize uint64) *Bus {
	b := &Bus{
		ram:     NewMemory(ramSize),
		ramBase: ramBase,
		ramSize: ramSize,
	}
	// The first mapping on an empty bus cannot overlap.
	_ = b.Map(RegionRAM, "ram", ramBase, b.ram)
	return b
}

// Map adds a region. Regions must not overlap.
func (b *Bus) Map(kind RegionKind, name string, base uint64, dev Device) error {
	if dev.Size() == 0 {
		return fmt.Errorf("map %s at %#x: empty region", name, base)
	}
	r := &Region{Kind: kind, Name: name, Base: base, Device: dev}
	if r.End() < base {
		return fmt.Errorf("map %s at %#x: region wraps the address space", name, base)
	}
	for _, other := range b.regions {
		if base < other.End() && other.Base < r.End() {
			return fmt.Errorf("map %s at %#x: %w (%s)", name, base, ErrOverlap, other.Name)
		}
	}

	idx := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].Base > base })
	b.regions = append(b.regions, nil)
	copy(b.regions[idx+1:], b.regions[idx:])
	b.regions[idx] = r

	if t, ok := dev.(Ticker); ok {
		b.tickers = append(b.tickers, t)
	}
	return nil
}

// Lookup returns the region containing addr, or nil.
func (b *Bus) Lookup(addr uint64) *Region {
	idx := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].Base > addr })
	if idx == 0 {
		return nil
	}
	if r := b.regions[idx-1]; r.contains(addr) {
		return r
	}
	return nil
}

// Regions returns the mapped regions sorted by base address.
func (b *Bus) Regions() []*Region { return b.regions }

func (b *Bus) RAM() *Memory { return b.ram }
func (b *Bus) RAMBase() uint64 { return b.ramBase }
func (b *Bus) RAMSize() uint64 { return b.ramSize }

// inRAM reports whether an access of size bytes at addr lies inside main
// memory.
func (b *Bus) inRAM(addr uint64, size int) bool {
	off := addr - b.ramBase
	return addr >= b.ramBase && off < b.ramSize && b.ramSize-off >= uint64(size)
}

func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	if b.inRAM(addr, size) {
		return readLE(b.ram.data, addr-b.ramBase, size)
	}
	r := b.Lookup(addr)
	if r == nil || !r.contains(addr+uint64(size)-1) {
		return 0, fmt.Errorf("read %#x: %w", addr, ErrUnmapped)
	}
	return r.Device.Read(addr-r.Base, size)
}

func (b *Bus) Write(addr uint64, size int, value uint64) error {
	if b.inRAM(addr, size) {
		return writeLE(b.ram.data, addr-b.ramBase, size, value)
	}
	r := b.Lookup(addr)
	if r == nil || !r.contains(addr+uint64(size)-1) {
		return fmt.Errorf("write %#x: %w", addr, ErrUnmapped)
	}
	return r.Device.Write(addr-r.Base, size, value)
}

// WriteBytes copies data into RAM or byte-wise into a device.
func (b *Bus) WriteBytes(addr uint64, data []byte) error {
	if b.inRAM(addr, len(data)) {
		copy(b.ram.data[addr-b.ramBase:], data)
		return nil
	}
	for i, v := range data {
		if err := b.Write(addr+uint64(i), 1, uint64(v)); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytes fills buf from physical memory starting at addr.
func (b *Bus) ReadBytes(addr uint64, buf []byte) error {
	if b.inRAM(addr, len(buf)) {
		copy(buf, b.ram.data[addr-b.ramBase:])
		return nil
	}
	for i := range buf {
		v, err := b.Read(addr+uint64(i), 1)
		if err != nil {
			return err
		}
		buf[i] = byte(v)
	}
	return nil
}

// Tick advances every device that implements Ticker.
func (b *Bus) Tick() {
	for _, t := range b.tickers {
		t.Tick()
	}
}
