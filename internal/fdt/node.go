package fdt

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Property is an encoded property value. The constructors below produce the
// standard big-endian encodings.
type Property struct {
	data []byte
}

// Strings encodes a NUL separated string list.
func Strings(values ...string) Property {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return Property{data: buf.Bytes()}
}

// Cells encodes 32-bit cells.
func Cells(values ...uint32) Property {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(data[i*4:], v)
	}
	return Property{data: data}
}

// Cells64 encodes each value as two cells, matching #address-cells = 2.
func Cells64(values ...uint64) Property {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(data[i*8:], v)
	}
	return Property{data: data}
}

// Bytes wraps raw property data.
func Bytes(data []byte) Property {
	return Property{data: append([]byte(nil), data...)}
}

// Flag is an empty marker property such as interrupt-controller.
func Flag() Property { return Property{} }

// Raw returns the encoded value.
func (p Property) Raw() []byte { return p.data }

// String decodes the first string of a string list.
func (p Property) String() string {
	s, _, _ := strings.Cut(string(p.data), "\x00")
	return s
}

// U32s decodes the value as 32-bit cells. Trailing bytes are ignored.
func (p Property) U32s() []uint32 {
	out := make([]uint32, len(p.data)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p.data[i*4:])
	}
	return out
}

// Node is a device tree node. Properties are emitted in name order.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// NewNode returns an empty node.
func NewNode(name string) Node {
	return Node{Name: name, Properties: make(map[string]Property)}
}

// Set adds or replaces a property and returns n for chaining.
func (n Node) Set(name string, p Property) Node {
	if n.Properties == nil {
		n.Properties = make(map[string]Property)
	}
	n.Properties[name] = p
	return n
}

// Add appends children and returns n for chaining.
func (n Node) Add(children ...Node) Node {
	n.Children = append(n.Children, children...)
	return n
}

// Child returns the direct child with the given name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// Find resolves a slash separated path such as "/soc/serial@10000000".
func (n Node) Find(path string) (Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return Node{}, false
		}
		cur = next
	}
	return cur, true
}
