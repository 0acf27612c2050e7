// Package channel defines what travels over the socket between a session
// supervisor and its attached client.
//
// Two modes exist. In raw mode the socket carries terminal bytes in both
// directions and window sizes are negotiated in-band with cursor-position
// reports (see package ansi). In framed mode the client wraps what it sends
// in messages: a 5-byte header (1 byte type, 4 bytes big-endian payload
// length) followed by the payload. The supervisor always answers with raw
// terminal output.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Mode selects how client-to-supervisor traffic is encoded.
type Mode string

const (
	ModeRaw    Mode = "raw"
	ModeFramed Mode = "framed"
)

// ParseMode converts a configuration string into a Mode. The empty string
// selects raw mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeRaw:
		return ModeRaw, nil
	case ModeFramed:
		return ModeFramed, nil
	}
	return "", fmt.Errorf("unknown channel mode %q (want raw or framed)", s)
}

// MessageType identifies a framed message.
type MessageType byte

const (
	// MessagePush carries terminal input for the child.
	MessagePush MessageType = 0x01

	// MessageWindowChange carries an authoritative window size: rows then
	// columns, each a big-endian uint16.
	MessageWindowChange MessageType = 0x02

	// MessageForceRedraw asks the supervisor to apply a window size and make
	// the child repaint. Payload is the redraw method byte followed by rows
	// and columns as in MessageWindowChange.
	MessageForceRedraw MessageType = 0x03
)

func (t MessageType) String() string {
	switch t {
	case MessagePush:
		return "push"
	case MessageWindowChange:
		return "window-change"
	case MessageForceRedraw:
		return "force-redraw"
	}
	return fmt.Sprintf("type(0x%02x)", byte(t))
}

// RedrawMethod says how a child is asked to repaint its screen.
type RedrawMethod byte

const (
	// RedrawUnspecified defers to the supervisor's configured method.
	RedrawUnspecified RedrawMethod = iota
	// RedrawNone skips the redraw entirely.
	RedrawNone
	// RedrawCtrlL types ^L into programs running in character-at-a-time
	// no-echo mode.
	RedrawCtrlL
	// RedrawWinch delivers SIGWINCH to the foreground process group.
	RedrawWinch
)

// ParseRedrawMethod accepts "", "none", "ctrl-l" and "winch".
func ParseRedrawMethod(s string) (RedrawMethod, error) {
	switch s {
	case "":
		return RedrawUnspecified, nil
	case "none":
		return RedrawNone, nil
	case "ctrl-l":
		return RedrawCtrlL, nil
	case "winch":
		return RedrawWinch, nil
	}
	return RedrawUnspecified, fmt.Errorf("unknown redraw method %q (want none, ctrl-l or winch)", s)
}

func (m RedrawMethod) String() string {
	switch m {
	case RedrawUnspecified:
		return "unspecified"
	case RedrawNone:
		return "none"
	case RedrawCtrlL:
		return "ctrl-l"
	case RedrawWinch:
		return "winch"
	}
	return fmt.Sprintf("method(%d)", byte(m))
}

const headerLength = 5

// MaxPayload bounds a single message payload.
const MaxPayload = 64 * 1024

// ErrProtocol is wrapped by every decoding failure.
var ErrProtocol = errors.New("channel protocol error")

// Message is one framed unit of client-to-supervisor traffic.
type Message struct {
	Type    MessageType
	Payload []byte
}

// NewPush wraps terminal input.
func NewPush(data []byte) Message {
	return Message{Type: MessagePush, Payload: data}
}

// NewWindowChange encodes a window size.
func NewWindowChange(rows, cols uint16) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], rows)
	binary.BigEndian.PutUint16(payload[2:4], cols)
	return Message{Type: MessageWindowChange, Payload: payload}
}

// ParseWindowChange decodes a MessageWindowChange payload.
func ParseWindowChange(payload []byte) (rows, cols uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("%w: window-change payload must be 4 bytes, got %d", ErrProtocol, len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}

// NewForceRedraw encodes a redraw request.
func NewForceRedraw(method RedrawMethod, rows, cols uint16) Message {
	payload := make([]byte, 5)
	payload[0] = byte(method)
	binary.BigEndian.PutUint16(payload[1:3], rows)
	binary.BigEndian.PutUint16(payload[3:5], cols)
	return Message{Type: MessageForceRedraw, Payload: payload}
}

// ParseForceRedraw decodes a MessageForceRedraw payload.
func ParseForceRedraw(payload []byte) (method RedrawMethod, rows, cols uint16, err error) {
	if len(payload) != 5 {
		return 0, 0, 0, fmt.Errorf("%w: force-redraw payload must be 5 bytes, got %d", ErrProtocol, len(payload))
	}
	method = RedrawMethod(payload[0])
	if method > RedrawWinch {
		return 0, 0, 0, fmt.Errorf("%w: unknown redraw method %d", ErrProtocol, payload[0])
	}
	return method, binary.BigEndian.Uint16(payload[1:3]), binary.BigEndian.Uint16(payload[3:5]), nil
}

// Encode appends the framed form of message to dst.
func Encode(dst []byte, message Message) []byte {
	var header [headerLength]byte
	header[0] = byte(message.Type)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(message.Payload)))
	dst = append(dst, header[:]...)
	return append(dst, message.Payload...)
}

// WriteMessage writes one framed message to w in a single Write call.
func WriteMessage(w io.Writer, message Message) error {
	if len(message.Payload) > MaxPayload {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(message.Payload), MaxPayload)
	}
	if _, err := w.Write(Encode(nil, message)); err != nil {
		return fmt.Errorf("write %s message: %w", message.Type, err)
	}
	return nil
}

func knownType(t MessageType) bool {
	return t == MessagePush || t == MessageWindowChange || t == MessageForceRedraw
}
