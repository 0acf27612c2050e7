// Package ansi recognizes the one terminal response nbtty cares about: the
// cursor-position report a terminal sends back after QuerySequence. The
// report is removed from the stream and turned into a window size; every
// other byte passes through untouched.
package ansi

// QuerySequence saves the cursor, resets the scroll region, moves the
// cursor to 999,999, asks for the cursor position and restores the cursor.
// The terminal clamps the move to its real size, so the reply
// ESC [ rows ; cols R carries the window dimensions.
const QuerySequence = "\x1b7\x1b[r\x1b[999;999H\x1b[6n\x1b8"

// MaxResponseLen is the longest report the parser recognizes:
// ESC [ ddd ; ddd R.
const MaxResponseLen = 10

// bufferSize bounds the lookback buffer. A well-formed partial match never
// needs more than MaxResponseLen bytes.
const bufferSize = 64

const esc = 0x1b

// Winsize is a terminal size in character cells.
type Winsize struct {
	Rows uint16
	Cols uint16
}

type state int

const (
	stateIdle state = iota
	stateEsc
	stateBracket
	stateRow1
	stateRow2
	stateRow3
	stateSemicolon
	stateCol1
	stateCol2
	stateCol3
)

type action int

const (
	actionStart action = iota
	actionCapture
	actionRow
	actionCol
	actionReport
	actionMismatch
)

type transition struct {
	// match is nil for the wildcard entry.
	match  func(c byte) bool
	next   state
	action action
}

func isDigit(c byte) bool     { return c >= '0' && c <= '9' }
func isEsc(c byte) bool       { return c == esc }
func isBracket(c byte) bool   { return c == '[' }
func isSemicolon(c byte) bool { return c == ';' }
func isReport(c byte) bool    { return c == 'R' }

var catchAll = transition{match: nil, next: stateIdle, action: actionMismatch}

// transitions lists, per state, the candidate moves in priority order. The
// first entry whose class matches wins; the last entry of every state is
// the wildcard.
var transitions = [...][]transition{
	stateIdle:      {{isEsc, stateEsc, actionStart}, catchAll},
	stateEsc:       {{isBracket, stateBracket, actionCapture}, catchAll},
	stateBracket:   {{isDigit, stateRow1, actionRow}, catchAll},
	stateRow1:      {{isDigit, stateRow2, actionRow}, {isSemicolon, stateSemicolon, actionCapture}, catchAll},
	stateRow2:      {{isDigit, stateRow3, actionRow}, {isSemicolon, stateSemicolon, actionCapture}, catchAll},
	stateRow3:      {{isSemicolon, stateSemicolon, actionCapture}, catchAll},
	stateSemicolon: {{isDigit, stateCol1, actionCol}, catchAll},
	stateCol1:      {{isDigit, stateCol2, actionCol}, {isReport, stateIdle, actionReport}, catchAll},
	stateCol2:      {{isDigit, stateCol3, actionCol}, {isReport, stateIdle, actionReport}, catchAll},
	stateCol3:      {{isReport, stateIdle, actionReport}, catchAll},
}

// Parser is a restartable scanner for cursor-position reports. The zero
// value is ready to use. A Parser keeps state between calls to Process, so
// one instance must be used per logical stream.
type Parser struct {
	buffer [bufferSize]byte
	index  int
	state  state

	row int
	col int
}

// Reset drops any partially matched bytes and returns to the idle state.
func (p *Parser) Reset() {
	*p = Parser{}
}

// Pending returns how many bytes are held back waiting for a possible
// match to complete.
func (p *Parser) Pending() int {
	return p.index
}

// Process scans input, appends the bytes that must be forwarded to dst and
// returns the extended slice. Bytes of a completed report are consumed.
//
// sizes holds, in stream order, every completed report that carries a
// non-zero column count and differs in both rows and columns from the size
// in effect when it arrived: current, or the previous entry of sizes. A
// report that changes only one dimension is consumed but not reported.
func (p *Parser) Process(dst, input []byte, current Winsize) (out []byte, sizes []Winsize) {
	for _, c := range input {
		var reported bool
		dst, reported = p.step(dst, c)
		if !reported {
			continue
		}
		size := Winsize{Rows: uint16(p.row), Cols: uint16(p.col)}
		if size.Cols != 0 && size.Cols != current.Cols && size.Rows != current.Rows {
			sizes = append(sizes, size)
			current = size
		}
	}
	return dst, sizes
}

func (p *Parser) step(dst []byte, c byte) ([]byte, bool) {
	for _, t := range transitions[p.state] {
		if t.match != nil && !t.match(c) {
			continue
		}
		switch t.action {
		case actionStart:
			p.row, p.col = 0, 0
			p.buffer[0] = c
			p.index = 1
		case actionCapture, actionRow, actionCol:
			if p.index >= len(p.buffer) {
				return p.mismatch(dst, c), false
			}
			switch t.action {
			case actionRow:
				p.row = p.row*10 + int(c-'0')
			case actionCol:
				p.col = p.col*10 + int(c-'0')
			}
			p.buffer[p.index] = c
			p.index++
		case actionReport:
			p.index = 0
			p.state = t.next
			return dst, true
		case actionMismatch:
			return p.mismatch(dst, c), false
		}
		p.state = t.next
		return dst, false
	}
	// Every state ends with the wildcard.
	panic("ansi: no transition matched")
}

// mismatch flushes the buffered prefix and re-evaluates c from the idle
// state, so an ESC that breaks one candidate can start the next.
func (p *Parser) mismatch(dst []byte, c byte) []byte {
	dst = append(dst, p.buffer[:p.index]...)
	p.index = 0
	if p.state == stateIdle {
		return append(dst, c)
	}
	p.state = stateIdle
	dst, _ = p.step(dst, c)
	return dst
}
