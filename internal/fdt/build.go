// Package fdt builds and reads flattened device tree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtNopToken       = 0x4
	fdtEndToken       = 0x9
)

// ErrInvalid is returned for blobs that are not a well formed device tree.
var ErrInvalid = errors.New("fdt: invalid device tree blob")

// Reservation is an entry in the memory reservation block.
type Reservation struct {
	Address uint64
	Size    uint64
}

// Tree is a device tree with its header level settings.
type Tree struct {
	Root         Node
	Reservations []Reservation
	BootCPU      uint32
}

// Build serializes root with an empty reservation block.
func Build(root Node) ([]byte, error) {
	return Tree{Root: root}.Marshal()
}

// Marshal serializes the tree into an FDT blob.
func (t Tree) Marshal() ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if t.Root.Name != "" {
		return nil, fmt.Errorf("fdt: root node must be unnamed, got %q", t.Root.Name)
	}
	b.emitNode(t.Root)
	return b.finish(t.Reservations, t.BootCPU), nil
}

type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) emitNode(n Node) {
	b.writeToken(fdtBeginNodeToken)
	b.structBuf.WriteString(n.Name)
	b.structBuf.WriteByte(0)
	b.padStruct()

	keys := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		b.property(name, n.Properties[name].data)
	}

	for _, child := range n.Children {
		b.emitNode(child)
	}
	b.writeToken(fdtEndNodeToken)
}

func (b *builder) property(name string, value []byte) {
	b.writeToken(fdtPropToken)
	b.writeToken(uint32(len(value)))
	b.writeToken(b.stringOffset(name))
	b.structBuf.Write(value)
	b.padStruct()
}

func (b *builder) finish(reserve []Reservation, bootCPU uint32) []byte {
	b.writeToken(fdtEndToken)

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	// The reservation block is terminated by an all-zero entry.
	memReserve := make([]byte, 16*(len(reserve)+1))
	for i, r := range reserve {
		binary.BigEndian.PutUint64(memReserve[i*16:], r.Address)
		binary.BigEndian.PutUint64(memReserve[i*16+8:], r.Size)
	}

	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:fdtHeaderSize]
	binary.BigEndian.PutUint32(header[0:4], fdtMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], fdtVersion)
	binary.BigEndian.PutUint32(header[24:28], fdtLastCompVer)
	binary.BigEndian.PutUint32(header[28:32], bootCPU)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *builder) padStruct() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}

// Header holds the fields of a blob header used for validation.
type Header struct {
	TotalSize  uint32
	OffStruct  uint32
	OffStrings uint32
	OffReserve uint32
	Version    uint32
	BootCPU    uint32
	SizeStr    uint32
	SizeStruct uint32
}

// ReadHeader checks the magic and bounds of blob and returns its header.
func ReadHeader(blob []byte) (Header, error) {
	if len(blob) < fdtHeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalid, len(blob))
	}
	be := binary.BigEndian
	if magic := be.Uint32(blob[0:4]); magic != fdtMagic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", ErrInvalid, magic)
	}
	h := Header{
		TotalSize:  be.Uint32(blob[4:8]),
		OffStruct:  be.Uint32(blob[8:12]),
		OffStrings: be.Uint32(blob[12:16]),
		OffReserve: be.Uint32(blob[16:20]),
		Version:    be.Uint32(blob[20:24]),
		BootCPU:    be.Uint32(blob[28:32]),
		SizeStr:    be.Uint32(blob[32:36]),
		SizeStruct: be.Uint32(blob[36:40]),
	}
	if uint64(h.TotalSize) > uint64(len(blob)) {
		return Header{}, fmt.Errorf("%w: totalsize %d exceeds blob length %d", ErrInvalid, h.TotalSize, len(blob))
	}
	if uint64(h.OffStruct)+uint64(h.SizeStruct) > uint64(h.TotalSize) ||
		uint64(h.OffStrings)+uint64(h.SizeStr) > uint64(h.TotalSize) {
		return Header{}, fmt.Errorf("%w: blocks exceed totalsize", ErrInvalid)
	}
	if h.Version < fdtLastCompVer {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrInvalid, h.Version)
	}
	return h, nil
}

// Parse decodes blob into its node tree.
func Parse(blob []byte) (Node, error) {
	h, err := ReadHeader(blob)
	if err != nil {
		return Node{}, err
	}
	p := &parser{
		data:    blob[h.OffStruct : h.OffStruct+h.SizeStruct],
		strings: blob[h.OffStrings : h.OffStrings+h.SizeStr],
	}
	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		if tok == fdtNopToken {
			continue
		}
		if tok != fdtBeginNodeToken {
			return Node{}, fmt.Errorf("%w: expected root node, got token %#x", ErrInvalid, tok)
		}
		return p.node()
	}
}

type parser struct {
	data    []byte
	off     int
	strings []byte
}

func (p *parser) token() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrInvalid)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) cstring(buf []byte, off int) (string, int, error) {
	if off > len(buf) {
		return "", 0, fmt.Errorf("%w: string offset %d out of range", ErrInvalid, off)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("%w: unterminated string", ErrInvalid)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

func (p *parser) align() { p.off = (p.off + 3) &^ 3 }

// node parses a node whose begin token has been consumed.
func (p *parser) node() (Node, error) {
	name, next, err := p.cstring(p.data, p.off)
	if err != nil {
		return Node{}, err
	}
	p.off = next
	p.align()

	n := NewNode(name)
	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtPropToken:
			length, err := p.token()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := p.token()
			if err != nil {
				return Node{}, err
			}
			if p.off+int(length) > len(p.data) {
				return Node{}, fmt.Errorf("%w: property overruns structure block", ErrInvalid)
			}
			propName, _, err := p.cstring(p.strings, int(nameOff))
			if err != nil {
				return Node{}, err
			}
			n.Properties[propName] = Bytes(p.data[p.off : p.off+int(length)])
			p.off += int(length)
			p.align()
		case fdtBeginNodeToken:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, nil
		case fdtNopToken:
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x in node %q", ErrInvalid, tok, name)
		}
	}
}
