package term

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Screen interprets guest output with a headless VT emulator so programs
// that drive the cursor can be captured as a text screen.
type Screen struct {
	mu   sync.Mutex
	emu  *vt.SafeEmulator
	grid *Grid

	in inputQueue

	closeOnce sync.Once
	done      chan struct{}
}

func NewScreen(cols, rows int) *Screen {
	emu := vt.NewSafeEmulator(cols, rows)
	swallowTerminalQueries(emu)
	s := &Screen{
		emu:  emu,
		grid: NewGrid(cols, rows),
		done: make(chan struct{}),
	}
	go s.readReplies()
	return s
}

// swallowTerminalQueries keeps the emulator from answering status and
// attribute queries. Guests that never asked for the reply would otherwise
// read it back as keyboard input.
func swallowTerminalQueries(emu *vt.SafeEmulator) {
	// CSI 5 n, CSI 6 n
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	// CSI ? 6 n
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	// CSI c, CSI > c
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// readReplies moves bytes produced by the emulator (typed text and key
// sequences) into the input queue.
func (s *Screen) readReplies() {
	defer close(s.done)
	buf := make([]byte, 1024)
	for {
		n, err := s.emu.Read(buf)
		if n > 0 {
			s.in.push(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Screen) PutByte(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.emu.Write([]byte{b})
}

func (s *Screen) GetInput() (byte, bool) { return s.in.pop() }

// SendText types text into the guest.
func (s *Screen) SendText(text string) {
	s.emu.SendText(text)
}

// Sync copies the emulator cells into the grid and returns the rows that
// changed since the previous Sync.
func (s *Screen) Sync() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grid.ClearDirty()
	cols, rows := s.emu.Width(), s.emu.Height()
	s.grid.Resize(cols, rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			content, width := " ", 1
			if cell := s.emu.CellAt(x, y); cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				width = cell.Width
			}
			s.grid.SetCell(x, y, content, width)
		}
	}
	return s.grid.DirtyRows()
}

// Lines returns the screen rows with trailing blanks removed.
func (s *Screen) Lines() []string {
	s.Sync()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rows := s.grid.Size()
	lines := make([]string, rows)
	for y := range lines {
		lines[y] = strings.TrimRight(s.grid.Line(y), " ")
	}
	return lines
}

// Snapshot returns the visible screen as text without trailing empty rows.
func (s *Screen) Snapshot() string {
	lines := s.Lines()
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Render repaints rows that changed since the previous call onto a host
// terminal.
func (s *Screen) Render(w io.Writer) error {
	for _, y := range s.Sync() {
		s.mu.Lock()
		line := s.grid.Line(y)
		s.mu.Unlock()
		if _, err := fmt.Fprintf(w, "\x1b[%d;1H\x1b[2K%s", y+1, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	return nil
}

func (s *Screen) Close() error {
	s.closeOnce.Do(func() {
		_ = s.emu.Close()
	})
	return nil
}

var _ Terminal = (*Screen)(nil)
