package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInputEventRoundTrip(t *testing.T) {
	ev := &InputEvent{
		Type:        InputTypeMouseMove,
		TimestampNs: 1_700_000_000_000,
		X:           123.5,
		Y:           -45.25,
		Button:      1,
		KeyCode:     0,
		Modifiers:   2,
		ClickCount:  1,
		CursorType:  3,
	}

	wire := MarshalInputEvent(ev)
	require.Len(t, wire, InputEventSize)

	got, err := UnmarshalInputEvent(wire)
	require.NoError(t, err)
	require.Equal(t, ev, got)
}

func TestUnmarshalInputEventRejectsShort(t *testing.T) {
	_, err := UnmarshalInputEvent(make([]byte, InputEventSize-1))
	require.Error(t, err)
}

func TestIsSubscribeBeacon(t *testing.T) {
	require.True(t, IsSubscribeBeacon([]byte("SUBSCRIBE")))
	require.True(t, IsSubscribeBeacon([]byte("SUBSCRIBE:5000")))
	require.False(t, IsSubscribeBeacon([]byte("SUB")))
}
