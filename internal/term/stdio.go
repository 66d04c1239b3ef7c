package term

import (
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// EscapeByte (Ctrl-A) followed by 'x' asks the host to stop the guest.
const EscapeByte = 0x01

// Stdio connects the guest console to the process stdin and stdout. When
// stdin is a terminal it is switched to raw mode until Close.
type Stdio struct {
	in  inputQueue
	out *os.File

	fd       int
	oldState *term.State
	raw      bool
	nonblock bool

	onEscape func()

	stopCh  chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// NewStdio starts reading stdin. onEscape, if set, is called from the reader
// goroutine when the user types Ctrl-A x.
func NewStdio(stdin, stdout *os.File, onEscape func()) (*Stdio, error) {
	s := &Stdio{
		out:      stdout,
		onEscape: onEscape,
		fd:       int(stdin.Fd()),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	if term.IsTerminal(s.fd) {
		state, err := term.MakeRaw(s.fd)
		if err != nil {
			return nil, err
		}
		s.oldState = state
		s.raw = true
	}
	if err := unix.SetNonblock(s.fd, true); err != nil {
		s.restore()
		return nil, err
	}
	s.nonblock = true

	go s.readLoop()
	return s, nil
}

func (s *Stdio) readLoop() {
	defer close(s.done)
	buf := make([]byte, 256)
	escaped := false
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := unix.Read(s.fd, buf)
		if n > 0 {
			for _, b := range buf[:n] {
				if escaped {
					escaped = false
					if b == 'x' && s.onEscape != nil {
						s.onEscape()
						continue
					}
					if b != EscapeByte {
						s.in.push([]byte{EscapeByte})
					}
				} else if b == EscapeByte {
					escaped = true
					continue
				}
				s.in.push([]byte{b})
			}
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || (err == nil && n == 0) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			return
		}
	}
}

func (s *Stdio) PutByte(b byte) {
	if s.raw && b == '\n' {
		_, _ = s.out.Write([]byte{'\r', '\n'})
		return
	}
	_, _ = s.out.Write([]byte{b})
}

func (s *Stdio) GetInput() (byte, bool) { return s.in.pop() }

func (s *Stdio) restore() {
	if s.nonblock {
		_ = unix.SetNonblock(s.fd, false)
		s.nonblock = false
	}
	if s.oldState != nil {
		_ = term.Restore(s.fd, s.oldState)
		s.oldState = nil
	}
}

// Close stops the reader and restores the terminal state.
func (s *Stdio) Close() error {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	<-s.done
	s.restore()
	return nil
}

var _ Terminal = (*Stdio)(nil)
