package streamserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shrplink/screenstream/fec"
	"github.com/shrplink/screenstream/frame"
	"github.com/shrplink/screenstream/protocol"
)

func testInitialConfig() protocol.StreamConfig {
	return protocol.StreamConfig{
		Width: 1920, Height: 1080, FPS: 30,
		Codec: frame.CodecH264, BitrateBps: 20_000_000,
		KeyframeInterval: 60, MaxPacketSize: 1400,
	}
}

func startTestServer(t *testing.T) (*Server, *net.UDPConn) {
	t.Helper()
	s := New(testInitialConfig(), Config{FEC: fec.DefaultConfig()}, nil)
	require.NoError(t, s.Start(context.Background(), "127.0.0.1:0", ""))
	t.Cleanup(func() { s.Stop() })

	serverAddr := s.conn.LocalAddr().(*net.UDPAddr)
	clientConn, err := net.DialUDP("udp", nil, serverAddr)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	return s, clientConn
}

func readWithTimeout(t *testing.T, conn *net.UDPConn, d time.Duration) []byte {
	t.Helper()
	buf := make([]byte, 65535)
	conn.SetReadDeadline(time.Now().Add(d))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestSubscribeRegistersAndRepliesWithCurrentConfig(t *testing.T) {
	s, clientConn := startTestServer(t)

	_, err := clientConn.Write([]byte(protocol.SubscribeBeacon))
	require.NoError(t, err)

	resp := readWithTimeout(t, clientConn, 2*time.Second)
	msg, err := protocol.UnmarshalControl(resp)
	require.NoError(t, err)
	require.Equal(t, protocol.ControlResponse, msg.Type)
	require.Equal(t, testInitialConfig().BitrateBps, msg.Config.BitrateBps)
	require.Equal(t, 1, s.SubscriberCount())
}

func TestControlRequestReturnsCurrentConfig(t *testing.T) {
	_, clientConn := startTestServer(t)

	req := protocol.MarshalControl(&protocol.ControlMessage{Type: protocol.ControlRequest})
	_, err := clientConn.Write(req)
	require.NoError(t, err)

	resp := readWithTimeout(t, clientConn, 2*time.Second)
	msg, err := protocol.UnmarshalControl(resp)
	require.NoError(t, err)
	require.Equal(t, protocol.ControlResponse, msg.Type)
}

func TestControlUpdateAcceptedSendsAck(t *testing.T) {
	s, clientConn := startTestServer(t)
	s.SetConfigChangeHandler(func(requested protocol.StreamConfig) (bool, protocol.StreamConfig) {
		return true, requested
	})

	requested := testInitialConfig()
	requested.BitrateBps = 10_000_000
	upd := protocol.MarshalControl(&protocol.ControlMessage{Type: protocol.ControlUpdate, Config: requested})
	_, err := clientConn.Write(upd)
	require.NoError(t, err)

	resp := readWithTimeout(t, clientConn, 2*time.Second)
	msg, err := protocol.UnmarshalControl(resp)
	require.NoError(t, err)
	require.Equal(t, protocol.ControlAck, msg.Type)
	require.Equal(t, uint32(10_000_000), msg.Config.BitrateBps)
	require.Equal(t, uint32(10_000_000), s.CurrentConfig().BitrateBps)
}

func TestControlUpdateRejectedSendsCurrentConfig(t *testing.T) {
	s, clientConn := startTestServer(t)
	s.SetConfigChangeHandler(func(requested protocol.StreamConfig) (bool, protocol.StreamConfig) {
		return false, protocol.StreamConfig{}
	})

	requested := testInitialConfig()
	requested.BitrateBps = 1_000_000
	upd := protocol.MarshalControl(&protocol.ControlMessage{Type: protocol.ControlUpdate, Config: requested})
	_, err := clientConn.Write(upd)
	require.NoError(t, err)

	resp := readWithTimeout(t, clientConn, 2*time.Second)
	msg, err := protocol.UnmarshalControl(resp)
	require.NoError(t, err)
	require.Equal(t, protocol.ControlResponse, msg.Type)
	require.Equal(t, testInitialConfig().BitrateBps, msg.Config.BitrateBps)
	require.Equal(t, testInitialConfig().BitrateBps, s.CurrentConfig().BitrateBps)
}

func TestInputEventInvokesHandlerAndOptionallyReplies(t *testing.T) {
	s, clientConn := startTestServer(t)

	var gotType uint8
	s.SetInputEventHandler(func(ev *protocol.InputEvent, from *net.UDPAddr) (*protocol.InputEvent, bool) {
		gotType = ev.Type
		return &protocol.InputEvent{Type: protocol.InputTypeMouseMove, X: 1, Y: 2}, true
	})

	ev := &protocol.InputEvent{Type: protocol.InputTypeKeyDown, KeyCode: 65}
	_, err := clientConn.Write(protocol.MarshalInputEvent(ev))
	require.NoError(t, err)

	resp := readWithTimeout(t, clientConn, 2*time.Second)
	out, err := protocol.UnmarshalInputEvent(resp)
	require.NoError(t, err)
	require.Equal(t, protocol.InputTypeMouseMove, out.Type)
	require.Equal(t, protocol.InputTypeKeyDown, gotType)
}

func TestUnrecognizedFragmentDatagramIsIgnored(t *testing.T) {
	s, clientConn := startTestServer(t)

	frag := &protocol.Fragment{FrameID: 1, Payload: []byte{1, 2, 3}}
	_, err := clientConn.Write(protocol.Serialize(frag))
	require.NoError(t, err)

	// No reply should arrive; a short deadline confirms silence.
	buf := make([]byte, 1024)
	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = clientConn.Read(buf)
	require.Error(t, err)
	require.Equal(t, uint64(0), s.Stats().SendErrors)
}

func TestSendFansOutFragmentsToSubscriber(t *testing.T) {
	s, clientConn := startTestServer(t)

	_, err := clientConn.Write([]byte(protocol.SubscribeBeacon))
	require.NoError(t, err)
	readWithTimeout(t, clientConn, 2*time.Second) // drain the CONFIG_RESPONSE

	f := &frame.EncodedFrame{
		FrameID:       1,
		Data:          make([]byte, 4000),
		IsKeyframe:    true,
		Codec:         frame.CodecH264,
		Width:         1920,
		Height:        1080,
		ParameterSets: []byte{0xAA, 0xBB},
	}
	require.NoError(t, s.Send(context.Background(), f))

	buf := make([]byte, 65535)
	seen := 0
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := clientConn.Read(buf)
		if err != nil {
			break
		}
		frag, perr := protocol.Parse(buf[:n])
		require.NoError(t, perr)
		require.EqualValues(t, 1, frag.FrameID)
		seen++
		clientConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	}
	require.Greater(t, seen, 0)

	stats := s.Stats()
	require.EqualValues(t, 1, stats.FramesSent)
	require.EqualValues(t, seen, stats.FragmentsSent)
}

func TestSendWithoutStartReturnsErrNotStarted(t *testing.T) {
	s := New(testInitialConfig(), Config{FEC: fec.DefaultConfig()}, nil)
	err := s.Send(context.Background(), &frame.EncodedFrame{FrameID: 1, Data: []byte{1}})
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestBroadcastInputEventWithoutStartReturnsErrNotStarted(t *testing.T) {
	s := New(testInitialConfig(), Config{FEC: fec.DefaultConfig()}, nil)
	err := s.BroadcastInputEvent(&protocol.InputEvent{Type: protocol.InputTypeMouseMove})
	require.ErrorIs(t, err, ErrNotStarted)
}
