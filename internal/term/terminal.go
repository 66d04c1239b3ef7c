// Package term provides the host side of the guest serial console.
package term

import (
	"io"
	"sync"
)

// Terminal is the byte stream behind the emulated UART.
type Terminal interface {
	// PutByte receives one byte of guest output.
	PutByte(b byte)
	// GetInput returns the next pending input byte. It never blocks.
	GetInput() (byte, bool)
}

// inputQueue is a mutex guarded FIFO filled by host goroutines and drained by
// the emulation loop.
type inputQueue struct {
	mu  sync.Mutex
	buf []byte
}

func (q *inputQueue) push(p []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, p...)
	q.mu.Unlock()
}

func (q *inputQueue) pop() (byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return 0, false
	}
	b := q.buf[0]
	q.buf = q.buf[1:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	return b, true
}

// Output forwards guest output to a writer and never produces input.
type Output struct {
	w io.Writer
}

func NewOutput(w io.Writer) *Output { return &Output{w: w} }

func (o *Output) PutByte(b byte) {
	if o.w != nil {
		_, _ = o.w.Write([]byte{b})
	}
}

func (o *Output) GetInput() (byte, bool) { return 0, false }

// Buffer records output in memory and replays queued input. It is safe for
// concurrent use.
type Buffer struct {
	in inputQueue

	mu  sync.Mutex
	out []byte
}

func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) PutByte(c byte) {
	b.mu.Lock()
	b.out = append(b.out, c)
	b.mu.Unlock()
}

func (b *Buffer) GetInput() (byte, bool) { return b.in.pop() }

// Feed queues bytes for the guest to read.
func (b *Buffer) Feed(p []byte) { b.in.push(p) }

// String returns everything written so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.out)
}

var (
	_ Terminal = (*Output)(nil)
	_ Terminal = (*Buffer)(nil)
)
