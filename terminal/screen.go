package terminal

import (
	"strconv"
	"strings"
)

// Screen is a VT100-subset emulator: a fixed-geometry grid fed raw PTY
// bytes, supporting cursor movement, erase-in-line/display, and carriage
// return/line feed/backspace — enough to resolve REPL and progress-bar
// redraws into stable text, per SPEC_FULL.md 4.1. SGR (color) sequences are
// recognized and discarded; this module never renders color.
//
// Grounded on the PTY ownership shape of other_examples/musher-dev-mush's
// RootModel (creack/pty child process, a dedicated reader goroutine feeding
// a display buffer) generalized from "copy bytes to a real terminal" to
// "resolve bytes into an addressable grid we can diff."
type Screen struct {
	rows, cols int
	grid       [][]rune
	cursorRow  int
	cursorCol  int
	scrollback []string

	// escape-sequence parser state
	inEscape bool
	inCSI    bool
	params   string
}

// NewScreen creates a blank rows x cols screen.
func NewScreen(rows, cols int) *Screen {
	s := &Screen{rows: rows, cols: cols}
	s.grid = blankGrid(rows, cols)
	return s
}

func blankGrid(rows, cols int) [][]rune {
	g := make([][]rune, rows)
	for i := range g {
		g[i] = make([]rune, cols)
		for j := range g[i] {
			g[i][j] = ' '
		}
	}
	return g
}

// Resize changes geometry, preserving scrollback and best-effort clamping
// the cursor and existing rows into the new grid.
func (s *Screen) Resize(rows, cols int) {
	newGrid := blankGrid(rows, cols)
	for r := 0; r < rows && r < len(s.grid); r++ {
		for c := 0; c < cols && c < len(s.grid[r]); c++ {
			newGrid[r][c] = s.grid[r][c]
		}
	}
	s.grid = newGrid
	s.rows, s.cols = rows, cols
	if s.cursorRow >= rows {
		s.cursorRow = rows - 1
	}
	if s.cursorCol >= cols {
		s.cursorCol = cols - 1
	}
}

// Feed consumes raw bytes, updating the grid and scrollback.
func (s *Screen) Feed(data []byte) {
	for _, b := range data {
		s.feedByte(b)
	}
}

func (s *Screen) feedByte(b byte) {
	if s.inCSI {
		s.feedCSIByte(b)
		return
	}
	if s.inEscape {
		// Only CSI ("ESC [") is handled; any other escape is swallowed
		// after its single following byte (e.g. charset designators).
		if b == '[' {
			s.inCSI = true
			s.params = ""
			return
		}
		s.inEscape = false
		return
	}

	switch b {
	case 0x1b: // ESC
		s.inEscape = true
		return
	case '\r':
		s.cursorCol = 0
		return
	case '\n':
		s.newline()
		return
	case '\b':
		if s.cursorCol > 0 {
			s.cursorCol--
		}
		return
	case '\t':
		next := (s.cursorCol/8 + 1) * 8
		for s.cursorCol < next && s.cursorCol < s.cols {
			s.putRune(' ')
		}
		return
	}

	if b < 0x20 {
		return // ignore other control bytes (BEL, etc.)
	}
	s.putRune(rune(b))
}

func (s *Screen) putRune(r rune) {
	if s.cursorCol >= s.cols {
		s.newline()
	}
	s.grid[s.cursorRow][s.cursorCol] = r
	s.cursorCol++
}

func (s *Screen) newline() {
	if s.cursorRow == s.rows-1 {
		s.scrollback = append(s.scrollback, strings.TrimRight(string(s.grid[0]), " "))
		copy(s.grid, s.grid[1:])
		s.grid[s.rows-1] = make([]rune, s.cols)
		for i := range s.grid[s.rows-1] {
			s.grid[s.rows-1][i] = ' '
		}
		s.cursorCol = 0
		return
	}
	s.cursorRow++
	s.cursorCol = 0
}

func (s *Screen) feedCSIByte(b byte) {
	if b >= '0' && b <= '9' || b == ';' {
		s.params += string(b)
		return
	}
	s.inCSI = false
	s.inEscape = false
	s.applyCSI(b, s.params)
}

func (s *Screen) applyCSI(final byte, params string) {
	nums := parseCSIParams(params)
	n := func(i, def int) int {
		if i < len(nums) && nums[i] > 0 {
			return nums[i]
		}
		return def
	}

	switch final {
	case 'A': // cursor up
		s.cursorRow = maxInt(0, s.cursorRow-n(0, 1))
	case 'B': // cursor down
		s.cursorRow = minInt(s.rows-1, s.cursorRow+n(0, 1))
	case 'C': // cursor forward
		s.cursorCol = minInt(s.cols-1, s.cursorCol+n(0, 1))
	case 'D': // cursor back
		s.cursorCol = maxInt(0, s.cursorCol-n(0, 1))
	case 'H', 'f': // cursor position (1-based row;col)
		row := n(0, 1) - 1
		col := n(1, 1) - 1
		s.cursorRow = clamp(row, 0, s.rows-1)
		s.cursorCol = clamp(col, 0, s.cols-1)
	case 'J': // erase in display
		s.eraseDisplay(n(0, 0))
	case 'K': // erase in line
		s.eraseLine(n(0, 0))
	case 'm':
		// SGR: color/style — no-op for a text-only grid.
	default:
		// Unsupported final byte (e.g. scroll region, device status): ignore.
	}
}

func (s *Screen) eraseLine(mode int) {
	row := s.grid[s.cursorRow]
	switch mode {
	case 0:
		for c := s.cursorCol; c < s.cols; c++ {
			row[c] = ' '
		}
	case 1:
		for c := 0; c <= s.cursorCol && c < s.cols; c++ {
			row[c] = ' '
		}
	case 2:
		for c := range row {
			row[c] = ' '
		}
	}
}

func (s *Screen) eraseDisplay(mode int) {
	switch mode {
	case 0:
		s.eraseLine(0)
		for r := s.cursorRow + 1; r < s.rows; r++ {
			for c := range s.grid[r] {
				s.grid[r][c] = ' '
			}
		}
	case 1:
		s.eraseLine(1)
		for r := 0; r < s.cursorRow; r++ {
			for c := range s.grid[r] {
				s.grid[r][c] = ' '
			}
		}
	case 2:
		for r := range s.grid {
			for c := range s.grid[r] {
				s.grid[r][c] = ' '
			}
		}
	}
}

func parseCSIParams(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, _ := strconv.Atoi(p)
		out[i] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Render returns the full displayed text: scrollback followed by the
// current grid's rows, each right-trimmed of padding spaces, with trailing
// blank rows omitted.
func (s *Screen) Render() string {
	lines := make([]string, 0, len(s.scrollback)+s.rows)
	lines = append(lines, s.scrollback...)
	for _, row := range s.grid {
		lines = append(lines, strings.TrimRight(string(row), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
