// Package asm holds the architecture independent pieces of the in-tree
// assemblers: fragments, labels and assembled programs.
package asm

import "fmt"

// Variable names a machine register.
type Variable int

// Context receives the output of fragments during assembly.
type Context interface {
	EmitBytes(data []byte)
	// Offset returns the number of bytes emitted so far.
	Offset() int

	SetLabel(label Label) error
	// LabelOffset returns the offset of label. Forward references are
	// unknown during the first pass; Final reports whether a missing label
	// is an error.
	LabelOffset(label Label) (int, bool)
	Final() bool
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	return ctx.SetLabel(l.label)
}

// Program is assembled machine code.
type Program struct {
	code   []byte
	labels map[Label]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

// Label returns the offset of a label defined in the program.
func (p Program) Label(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

func NewProgram(code []byte, labels map[Label]int) Program {
	cp := make(map[Label]int, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return Program{
		code:   append([]byte(nil), code...),
		labels: cp,
	}
}

// Assemble runs frag twice: once to place labels and once to emit code
// with every reference resolved. Fragments must emit the same number of
// bytes in both passes.
func Assemble(frag Fragment) (Program, error) {
	if frag == nil {
		return Program{}, fmt.Errorf("asm: fragment must be non-nil")
	}

	first := &emitter{labels: make(map[Label]int)}
	if err := frag.Emit(first); err != nil {
		return Program{}, err
	}

	final := &emitter{labels: make(map[Label]int), known: first.labels, final: true}
	if err := frag.Emit(final); err != nil {
		return Program{}, err
	}
	if len(final.code) != len(first.code) {
		return Program{}, fmt.Errorf("asm: program size changed between passes (%d != %d)", len(first.code), len(final.code))
	}
	return NewProgram(final.code, final.labels), nil
}

type emitter struct {
	code   []byte
	labels map[Label]int
	known  map[Label]int
	final  bool
}

// EmitBytes implements Context.
func (e *emitter) EmitBytes(data []byte) {
	e.code = append(e.code, data...)
}

// Offset implements Context.
func (e *emitter) Offset() int { return len(e.code) }

// SetLabel implements Context.
func (e *emitter) SetLabel(label Label) error {
	if _, exists := e.labels[label]; exists {
		return fmt.Errorf("label %q already defined", label)
	}
	e.labels[label] = len(e.code)
	return nil
}

// LabelOffset implements Context.
func (e *emitter) LabelOffset(label Label) (int, bool) {
	if off, ok := e.labels[label]; ok {
		return off, true
	}
	off, ok := e.known[label]
	return off, ok
}

// Final implements Context.
func (e *emitter) Final() bool { return e.final }
