// Package loader turns program images into entry points and loadable
// segments for the emulator.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/rvemu/internal/isa"
)

// ErrUnsupported is returned for images the loader cannot place.
var ErrUnsupported = errors.New("loader: unsupported program image")

// ToHostSymbol is the riscv-tests host communication symbol.
const ToHostSymbol = "tohost"

// Segment is a block of memory to initialise before the run. Bytes between
// len(Data) and MemSize are zero filled.
type Segment struct {
	Addr    uint64
	Data    []byte
	MemSize uint64
}

// Program is a parsed image.
type Program struct {
	Entry uint64
	// XLEN is taken from the ELF class, or zero for raw images.
	XLEN     isa.XLEN
	Segments []Segment

	ToHost    uint64
	HasToHost bool
}

// Size returns the number of bytes the segments occupy in memory.
func (p *Program) Size() uint64 {
	var n uint64
	for _, s := range p.Segments {
		n += s.MemSize
	}
	return n
}

// IsELF reports whether image starts with the ELF magic.
func IsELF(image []byte) bool {
	return bytes.HasPrefix(image, []byte(elf.ELFMAG))
}

// Load parses an ELF image, or places a raw image at rawBase.
func Load(image []byte, rawBase uint64) (*Program, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupported)
	}
	if IsELF(image) {
		return ParseELF(image)
	}
	return Raw(image, rawBase), nil
}

// Raw returns a program that copies image to base and starts there.
func Raw(image []byte, base uint64) *Program {
	return &Program{
		Entry: base,
		Segments: []Segment{{
			Addr:    base,
			Data:    image,
			MemSize: uint64(len(image)),
		}},
	}
}

// ParseELF reads a RISC-V executable. Segments are placed at their physical
// addresses.
func ParseELF(image []byte) (*Program, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%w: ELF machine %v", ErrUnsupported, f.Machine)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: big-endian ELF", ErrUnsupported)
	}

	prog := &Program{Entry: f.Entry}
	switch f.Class {
	case elf.ELFCLASS32:
		prog.XLEN = isa.XLEN32
	case elf.ELFCLASS64:
		prog.XLEN = isa.XLEN64
	default:
		return nil, fmt.Errorf("%w: ELF class %v", ErrUnsupported, f.Class)
	}

	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		if ph.Filesz > ph.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", ph.Filesz, ph.Memsz)
		}
		if ph.Memsz > uint64(math.MaxInt32) {
			return nil, fmt.Errorf("ELF segment mem size %#x too large", ph.Memsz)
		}
		data := make([]byte, int(ph.Filesz))
		if ph.Filesz > 0 {
			if _, err := ph.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", ph.Off, err)
			}
		}
		prog.Segments = append(prog.Segments, Segment{
			Addr:    ph.Paddr,
			Data:    data,
			MemSize: ph.Memsz,
		})
	}
	if len(prog.Segments) == 0 {
		return nil, fmt.Errorf("%w: ELF has no loadable segments", ErrUnsupported)
	}

	// Stripped binaries have no symbol table; tohost is optional.
	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Name == ToHostSymbol {
				prog.ToHost = s.Value
				prog.HasToHost = true
				break
			}
		}
	}
	return prog, nil
}
