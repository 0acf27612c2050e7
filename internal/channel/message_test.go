package channel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_AnyChunking(t *testing.T) {
	var stream []byte
	stream = Encode(stream, NewPush([]byte("hello\r")))
	stream = Encode(stream, NewWindowChange(40, 120))
	stream = Encode(stream, NewPush(nil))
	stream = Encode(stream, NewForceRedraw(RedrawWinch, 24, 80))

	for chunk := 1; chunk <= len(stream); chunk++ {
		var d Decoder
		var got []Message
		for offset := 0; offset < len(stream); offset += chunk {
			end := min(offset+chunk, len(stream))
			messages, err := d.Feed(stream[offset:end])
			require.NoError(t, err, "chunk %d", chunk)
			got = append(got, messages...)
		}
		require.Len(t, got, 4, "chunk %d", chunk)
		assert.Equal(t, 0, d.Buffered())

		assert.Equal(t, MessagePush, got[0].Type)
		assert.Equal(t, "hello\r", string(got[0].Payload))

		rows, cols, err := ParseWindowChange(got[1].Payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(40), rows)
		assert.Equal(t, uint16(120), cols)

		assert.Empty(t, got[2].Payload)

		method, rows, cols, err := ParseForceRedraw(got[3].Payload)
		require.NoError(t, err)
		assert.Equal(t, RedrawWinch, method)
		assert.Equal(t, uint16(24), rows)
		assert.Equal(t, uint16(80), cols)
	}
}

func TestDecoder_PartialFrameHeld(t *testing.T) {
	frame := Encode(nil, NewPush([]byte("abc")))
	var d Decoder
	messages, err := d.Feed(frame[:6])
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, 6, d.Buffered())

	messages, err = d.Feed(frame[6:])
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "abc", string(messages[0].Payload))
}

func TestDecoder_UnknownType(t *testing.T) {
	stream := Encode(nil, NewPush([]byte("ok")))
	stream = append(stream, 0x7f, 0, 0, 0, 0)
	var d Decoder
	messages, err := d.Feed(stream)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
	require.Len(t, messages, 1)
	assert.Equal(t, "ok", string(messages[0].Payload))
}

func TestDecoder_OversizedPayload(t *testing.T) {
	var d Decoder
	_, err := d.Feed([]byte{byte(MessagePush), 0x01, 0x00, 0x00, 0x00})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecoder_Reset(t *testing.T) {
	var d Decoder
	_, err := d.Feed([]byte{byte(MessagePush), 0, 0})
	require.NoError(t, err)
	d.Reset()
	assert.Equal(t, 0, d.Buffered())
}

func TestParseWindowChange_BadLength(t *testing.T) {
	_, _, err := ParseWindowChange([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseForceRedraw_BadMethod(t *testing.T) {
	payload := NewForceRedraw(RedrawCtrlL, 1, 1).Payload
	payload[0] = 42
	_, _, _, err := ParseForceRedraw(payload)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewPush([]byte("x"))))
	assert.Equal(t, []byte{byte(MessagePush), 0, 0, 0, 1, 'x'}, buf.Bytes())

	err := WriteMessage(&buf, NewPush(make([]byte, MaxPayload+1)))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeRaw, mode)

	mode, err = ParseMode("framed")
	require.NoError(t, err)
	assert.Equal(t, ModeFramed, mode)

	_, err = ParseMode("json")
	assert.Error(t, err)
}

func TestParseRedrawMethod(t *testing.T) {
	for _, method := range []RedrawMethod{RedrawNone, RedrawCtrlL, RedrawWinch} {
		parsed, err := ParseRedrawMethod(method.String())
		require.NoError(t, err)
		assert.Equal(t, method, parsed)
	}
	_, err := ParseRedrawMethod("bell")
	assert.Error(t, err)
}
