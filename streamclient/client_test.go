package streamclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shrplink/screenstream/frame"
	"github.com/shrplink/screenstream/jitter"
	"github.com/shrplink/screenstream/protocol"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InitialConfig = protocol.StreamConfig{
		Width: 1920, Height: 1080, FPS: 30,
		Codec: frame.CodecH264, BitrateBps: 20_000_000,
		KeyframeInterval: 60, MaxPacketSize: 1400,
	}
	return New(cfg, nil)
}

// TestAdaptiveBitrateScenarioHighLossReducesBitrate matches spec scenario 5:
// requested bitrate 20Mbps, a 3s window reporting unrecoverable=20,
// recovered=80 (loss=20%) MUST reduce bitrate to <=15Mbps and halve the
// keyframe interval (but not below 10).
func TestAdaptiveBitrateScenarioHighLossReducesBitrate(t *testing.T) {
	newBitrate, newKeyframe, changed := adaptedBitrateAndKeyframe(0.20, 20_000_000, 60, 20_000_000, 60)

	require.True(t, changed)
	require.LessOrEqual(t, newBitrate, uint32(15_000_000))
	require.Equal(t, uint32(30), newKeyframe)
}

func TestAdaptiveBitrateNeverDropsBelowFloor(t *testing.T) {
	newBitrate, newKeyframe, changed := adaptedBitrateAndKeyframe(0.50, 6_000_000, 12, 20_000_000, 60)

	require.True(t, changed)
	require.GreaterOrEqual(t, newBitrate, uint32(5_000_000))
	require.GreaterOrEqual(t, newKeyframe, uint32(10))
}

func TestAdaptiveBitrateLowLossRecoversTowardOriginal(t *testing.T) {
	newBitrate, newKeyframe, changed := adaptedBitrateAndKeyframe(0.01, 10_000_000, 20, 20_000_000, 60)

	require.True(t, changed)
	require.Greater(t, newBitrate, uint32(10_000_000))
	require.LessOrEqual(t, newBitrate, uint32(20_000_000))
	require.Equal(t, uint32(25), newKeyframe)
}

func TestAdaptiveBitrateNeverExceedsOriginal(t *testing.T) {
	newBitrate, _, changed := adaptedBitrateAndKeyframe(0.0, 19_900_000, 58, 20_000_000, 60)

	require.True(t, changed)
	require.LessOrEqual(t, newBitrate, uint32(20_000_000))
}

func TestAdaptiveBitrateAlreadyAtOriginalDoesNothing(t *testing.T) {
	_, _, changed := adaptedBitrateAndKeyframe(0.0, 20_000_000, 60, 20_000_000, 60)
	require.False(t, changed)
}

func TestAdaptiveBitrateDeadZoneDoesNothing(t *testing.T) {
	_, _, changed := adaptedBitrateAndKeyframe(0.05, 10_000_000, 20, 20_000_000, 60)
	require.False(t, changed)
}

func TestEvaluateAdaptiveBitrateBelowMinSamplesDoesNothing(t *testing.T) {
	c := newTestClient(t)
	// Reassembler starts with zero stats; total < minSamplesToAdapt(30).
	c.evaluateAdaptiveBitrate()
	require.Equal(t, uint32(20_000_000), c.CurrentBitrate())
}

func TestDeliverWithoutJitterBufferEmitsDirectly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseJitterBuffer = false
	c := New(cfg, nil)

	var got *frame.EncodedFrame
	c.SetFrameHandler(func(f *frame.EncodedFrame) { got = f })

	f := &frame.EncodedFrame{FrameID: 1, Data: []byte{1}}
	c.deliver(f, time.Now())

	require.NotNil(t, got)
	require.EqualValues(t, 1, got.FrameID)
}

func TestDeliverWithJitterBufferOrdersFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseJitterBuffer = true
	cfg.JitterConfig = jitter.DefaultConfig()
	c := New(cfg, nil)

	var order []uint64
	c.SetFrameHandler(func(f *frame.EncodedFrame) { order = append(order, f.FrameID) })

	// The first frame is delivered at once; frame 2 is held until frame 1
	// arrives.
	now := time.Now()
	c.deliver(&frame.EncodedFrame{FrameID: 0, Data: []byte{1}, CaptureTsNs: uint64(now.UnixNano())}, now)
	c.deliver(&frame.EncodedFrame{FrameID: 2, Data: []byte{1}, CaptureTsNs: uint64(now.UnixNano())}, now)
	c.deliver(&frame.EncodedFrame{FrameID: 1, Data: []byte{1}, CaptureTsNs: uint64(now.UnixNano())}, now)

	require.Equal(t, []uint64{0, 1, 2}, order)
}

func TestRequestConfigChangeWithoutStartReturnsErrNotStarted(t *testing.T) {
	c := newTestClient(t)
	err := c.RequestConfigChange(protocol.StreamConfig{BitrateBps: 1})
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestBroadcastInputEventWithoutStartReturnsErrNotStarted(t *testing.T) {
	c := newTestClient(t)
	err := c.BroadcastInputEvent(&protocol.InputEvent{Type: protocol.InputTypeMouseMove})
	require.ErrorIs(t, err, ErrNotStarted)
}
