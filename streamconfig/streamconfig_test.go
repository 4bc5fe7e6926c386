package streamconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shrplink/screenstream/frame"
)

func TestDefaultHostConfigToWire(t *testing.T) {
	cfg := DefaultHostConfig()
	wire := cfg.ToWire()

	require.Equal(t, cfg.Width, wire.Width)
	require.Equal(t, cfg.Height, wire.Height)
	require.Equal(t, cfg.FPS, wire.FPS)
	require.Equal(t, frame.CodecH264, wire.Codec)
	require.Equal(t, cfg.BitrateBps, wire.BitrateBps)
	require.Equal(t, cfg.KeyframeInterval, wire.KeyframeInterval)
	require.Equal(t, cfg.MaxPacketSize, wire.MaxPacketSize)
}

func TestDefaultViewerConfigToWire(t *testing.T) {
	cfg := DefaultViewerConfig()
	wire := cfg.ToWire()

	require.Equal(t, cfg.StreamWidth, wire.Width)
	require.Equal(t, cfg.StreamHeight, wire.Height)
	require.Equal(t, frame.CodecH264, wire.Codec)
	require.True(t, cfg.JitterBuffer)
}

func TestParseCodecUnknownFallsBackToPassthrough(t *testing.T) {
	require.Equal(t, frame.CodecHEVC, parseCodec("hevc"))
	require.Equal(t, frame.CodecH264, parseCodec("h264"))
	require.Equal(t, frame.CodecPassthrough, parseCodec("mystery"))
}

func TestLoadHostConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadHostConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultHostConfig(), cfg)
}

func TestLoadViewerConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadViewerConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultViewerConfig(), cfg)
}

func TestLoadHostConfigMissingFileErrors(t *testing.T) {
	_, err := LoadHostConfig("/nonexistent/path/host.yaml")
	require.Error(t, err)
}
