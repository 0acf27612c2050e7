package channel

import (
	"encoding/binary"
	"fmt"
)

// Decoder reassembles framed messages from arbitrarily chunked reads of a
// non-blocking socket. Partial frames are kept until the rest arrives.
type Decoder struct {
	buffer []byte
}

// Feed appends data and returns every message that is now complete. On a
// malformed frame it returns the messages decoded before it together with
// an error wrapping ErrProtocol; the stream cannot be resynchronized.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	d.buffer = append(d.buffer, data...)

	var messages []Message
	offset := 0
	for len(d.buffer)-offset >= headerLength {
		header := d.buffer[offset : offset+headerLength]
		messageType := MessageType(header[0])
		length := binary.BigEndian.Uint32(header[1:5])
		if !knownType(messageType) {
			d.compact(offset)
			return messages, fmt.Errorf("%w: unknown message %s", ErrProtocol, messageType)
		}
		if length > MaxPayload {
			d.compact(offset)
			return messages, fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrProtocol, length, MaxPayload)
		}
		end := offset + headerLength + int(length)
		if len(d.buffer) < end {
			break
		}
		payload := make([]byte, length)
		copy(payload, d.buffer[offset+headerLength:end])
		messages = append(messages, Message{Type: messageType, Payload: payload})
		offset = end
	}
	d.compact(offset)
	return messages, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buffer)
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
}

func (d *Decoder) compact(offset int) {
	if offset == 0 {
		return
	}
	n := copy(d.buffer, d.buffer[offset:])
	d.buffer = d.buffer[:n]
}
