package protocol

import (
	"encoding/binary"
	"math"
)

// InputEventSize is the fixed size of a "SHIP" datagram, magic included.
const InputEventSize = 29

// Input event types. Semantics belong to the input subsystem; the transport
// core only validates magic and size, per spec §6.
const (
	InputTypeMouseMove  uint8 = 1
	InputTypeMouseDown  uint8 = 2
	InputTypeMouseUp    uint8 = 3
	InputTypeMouseWheel uint8 = 4
	InputTypeKeyDown    uint8 = 5
	InputTypeKeyUp      uint8 = 6
)

// InputEvent is a "SHIP" datagram: a fixed-size record carrying cursor and
// keyboard state.
type InputEvent struct {
	Type       uint8
	TimestampNs uint64
	X          float32
	Y          float32
	Button     uint8
	KeyCode    uint32
	Modifiers  uint8
	ClickCount uint8
	CursorType uint8
}

// MarshalInputEvent encodes ev, magic included.
func MarshalInputEvent(ev *InputEvent) []byte {
	out := make([]byte, InputEventSize)
	binary.BigEndian.PutUint32(out[0:4], MagicInput)
	out[4] = ev.Type
	binary.BigEndian.PutUint64(out[5:13], ev.TimestampNs)
	binary.BigEndian.PutUint32(out[13:17], math.Float32bits(ev.X))
	binary.BigEndian.PutUint32(out[17:21], math.Float32bits(ev.Y))
	out[21] = ev.Button
	binary.BigEndian.PutUint32(out[22:26], ev.KeyCode)
	out[26] = ev.Modifiers
	out[27] = ev.ClickCount
	out[28] = ev.CursorType
	return out
}

// UnmarshalInputEvent decodes a "SHIP" datagram, including the magic and
// size check.
func UnmarshalInputEvent(buf []byte) (*InputEvent, error) {
	if len(buf) < InputEventSize {
		return nil, errBufTooShort
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != MagicInput {
		return nil, errBadMagic
	}
	ev := &InputEvent{}
	ev.Type = buf[4]
	ev.TimestampNs = binary.BigEndian.Uint64(buf[5:13])
	ev.X = math.Float32frombits(binary.BigEndian.Uint32(buf[13:17]))
	ev.Y = math.Float32frombits(binary.BigEndian.Uint32(buf[17:21]))
	ev.Button = buf[21]
	ev.KeyCode = binary.BigEndian.Uint32(buf[22:26])
	ev.Modifiers = buf[26]
	ev.ClickCount = buf[27]
	ev.CursorType = buf[28]
	return ev, nil
}
