package mmu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrBadSize  = errors.New("unsupported access size")
	ErrReadOnly = errors.New("region is read-only")
)

// Device is a memory mapped region. Offsets are relative to the region base
// and size is one of 1, 2, 4 or 8 bytes. Values are little-endian.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// Ticker is implemented by devices that advance once per executed step.
type Ticker interface {
	Tick()
}

func readLE(buf []byte, offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(buf)) || offset+uint64(size) < offset {
		return 0, fmt.Errorf("read of %d bytes at offset %#x: out of bounds (len %#x)", size, offset, len(buf))
	}
	b := buf[offset:]
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("read of %d bytes: %w", size, ErrBadSize)
}

func writeLE(buf []byte, offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(buf)) || offset+uint64(size) < offset {
		return fmt.Errorf("write of %d bytes at offset %#x: out of bounds (len %#x)", size, offset, len(buf))
	}
	b := buf[offset:]
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(b, value)
	default:
		return fmt.Errorf("write of %d bytes: %w", size, ErrBadSize)
	}
	return nil
}

// Memory is a zero-initialised byte array used for main memory.
type Memory struct {
	data []byte
}

func NewMemory(size uint64) *Memory {
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) Read(offset uint64, size int) (uint64, error) {
	return readLE(m.data, offset, size)
}

func (m *Memory) Write(offset uint64, size int, value uint64) error {
	return writeLE(m.data, offset, size, value)
}

func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// Bytes exposes the backing slice.
func (m *Memory) Bytes() []byte { return m.data }

// ROM is a read-only region such as the device tree blob.
type ROM struct {
	data []byte
}

func NewROM(data []byte) *ROM {
	return &ROM{data: append([]byte(nil), data...)}
}

func (r *ROM) Read(offset uint64, size int) (uint64, error) {
	return readLE(r.data, offset, size)
}

func (r *ROM) Write(offset uint64, size int, value uint64) error {
	return fmt.Errorf("write at offset %#x: %w", offset, ErrReadOnly)
}

func (r *ROM) Size() uint64 { return uint64(len(r.data)) }
