package term

// Cell is one character position of a Grid.
type Cell struct {
	Content string
	Width   int
}

// Grid is a text snapshot of a screen with per-row dirty tracking, so a
// renderer only repaints rows that changed since the last ClearDirty.
type Grid struct {
	cells []Cell
	dirty []bool // per row
	cols  int
	rows  int
}

func NewGrid(cols, rows int) *Grid {
	cols, rows = max(cols, 1), max(rows, 1)
	return &Grid{
		cells: make([]Cell, cols*rows),
		dirty: make([]bool, rows),
		cols:  cols,
		rows:  rows,
	}
}

func (g *Grid) Size() (cols, rows int) { return g.cols, g.rows }

// Resize changes the dimensions, keeping the overlapping content. Every row
// becomes dirty.
func (g *Grid) Resize(cols, rows int) {
	cols, rows = max(cols, 1), max(rows, 1)
	if cols == g.cols && rows == g.rows {
		return
	}
	cells := make([]Cell, cols*rows)
	for y := 0; y < min(rows, g.rows); y++ {
		copy(cells[y*cols:y*cols+min(cols, g.cols)], g.cells[y*g.cols:])
	}
	g.cells, g.cols, g.rows = cells, cols, rows
	g.dirty = make([]bool, rows)
	g.MarkAllDirty()
}

// CellAt returns the cell at (x, y), or nil when out of bounds.
func (g *Grid) CellAt(x, y int) *Cell {
	if x < 0 || x >= g.cols || y < 0 || y >= g.rows {
		return nil
	}
	return &g.cells[y*g.cols+x]
}

// SetCell stores a cell and reports whether it changed.
func (g *Grid) SetCell(x, y int, content string, width int) bool {
	c := g.CellAt(x, y)
	if c == nil || (c.Content == content && c.Width == width) {
		return false
	}
	*c = Cell{Content: content, Width: width}
	g.dirty[y] = true
	return true
}

func (g *Grid) RowDirty(y int) bool {
	return y >= 0 && y < g.rows && g.dirty[y]
}

func (g *Grid) MarkAllDirty() {
	for i := range g.dirty {
		g.dirty[i] = true
	}
}

func (g *Grid) ClearDirty() {
	clear(g.dirty)
}

// DirtyRows returns the indexes of rows changed since the last ClearDirty.
func (g *Grid) DirtyRows() []int {
	var rows []int
	for y, d := range g.dirty {
		if d {
			rows = append(rows, y)
		}
	}
	return rows
}

// Line renders row y as text. Wide characters occupy their first cell and
// the following placeholder cells are skipped.
func (g *Grid) Line(y int) string {
	if y < 0 || y >= g.rows {
		return ""
	}
	var out []byte
	for x := 0; x < g.cols; {
		c := &g.cells[y*g.cols+x]
		if c.Content == "" {
			out = append(out, ' ')
		} else {
			out = append(out, c.Content...)
		}
		x += max(c.Width, 1)
	}
	return string(out)
}
