package attach

import "bytes"

// gate holds keyboard input until the user presses Enter, so a session is
// not disturbed before its operator is ready. Once open it stays open.
type gate struct {
	open bool
	held []byte
}

// pass returns the bytes that may be sent now.
func (g *gate) pass(data []byte) []byte {
	if g.open {
		return data
	}
	if bytes.IndexByte(data, '\r') < 0 {
		g.held = append(g.held, data...)
		return nil
	}
	g.open = true
	out := append(g.held, data...)
	g.held = nil
	return out
}
