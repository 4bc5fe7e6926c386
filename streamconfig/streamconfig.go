// Package streamconfig holds process-local configuration for the host and
// viewer binaries, loadable from a YAML file via viper (the Otus/go-matter
// convention) and overridable by CLI flags, plus conversions to/from the
// wire-negotiated protocol.StreamConfig.
package streamconfig

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/shrplink/screenstream/frame"
	"github.com/shrplink/screenstream/protocol"
)

// HostConfig is the StreamServer process's local configuration.
type HostConfig struct {
	Listen           string `mapstructure:"listen"`
	InputListen      string `mapstructure:"input_listen"`
	Width            uint16 `mapstructure:"width"`
	Height           uint16 `mapstructure:"height"`
	FPS              uint16 `mapstructure:"fps"`
	BitrateBps       uint32 `mapstructure:"bitrate_bps"`
	Codec            string `mapstructure:"codec"`
	KeyframeInterval uint32 `mapstructure:"keyframe_interval"`
	MaxPacketSize    uint32 `mapstructure:"max_packet_size"`
	Pace             bool   `mapstructure:"pace"`
	LogLevel         string `mapstructure:"log_level"`
}

// ViewerConfig is the StreamClient process's local configuration, mirroring
// the CLI surface in spec §6.
type ViewerConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	StreamWidth      uint16 `mapstructure:"stream_width"`
	StreamHeight     uint16 `mapstructure:"stream_height"`
	FPS              uint16 `mapstructure:"fps"`
	BitrateBps       uint32 `mapstructure:"bitrate_bps"`
	Codec            string `mapstructure:"codec"`
	KeyframeInterval uint32 `mapstructure:"keyframe_interval"`
	MaxPacketSize    uint32 `mapstructure:"max_packet_size"`
	InputPort        int    `mapstructure:"input_port"`
	JitterBuffer     bool   `mapstructure:"jitter_buffer"`
	LogLevel         string `mapstructure:"log_level"`
}

// DefaultHostConfig mirrors the wire StreamConfig defaults used across the
// pack's viper-backed CLIs.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Listen:           ":5000",
		InputListen:      "",
		Width:            1920,
		Height:           1080,
		FPS:              30,
		BitrateBps:       20_000_000,
		Codec:            "h264",
		KeyframeInterval: 60,
		MaxPacketSize:    1400,
		Pace:             false,
		LogLevel:         "info",
	}
}

// DefaultViewerConfig returns the viewer's defaults.
func DefaultViewerConfig() ViewerConfig {
	return ViewerConfig{
		Host:             "127.0.0.1",
		Port:             5000,
		StreamWidth:      1920,
		StreamHeight:     1080,
		FPS:              30,
		BitrateBps:       20_000_000,
		Codec:            "h264",
		KeyframeInterval: 60,
		MaxPacketSize:    1400,
		InputPort:        0,
		JitterBuffer:     true,
		LogLevel:         "info",
	}
}

// LoadHostConfig reads a YAML config file (if path is non-empty) via viper,
// layering it over the defaults.
func LoadHostConfig(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("streamconfig: read host config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("streamconfig: decode host config: %w", err)
	}
	return cfg, nil
}

// LoadViewerConfig reads a YAML config file (if path is non-empty) via
// viper, layering it over the defaults.
func LoadViewerConfig(path string) (ViewerConfig, error) {
	cfg := DefaultViewerConfig()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("streamconfig: read viewer config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("streamconfig: decode viewer config: %w", err)
	}
	return cfg, nil
}

func parseCodec(s string) frame.Codec {
	switch s {
	case "hevc":
		return frame.CodecHEVC
	case "h264":
		return frame.CodecH264
	default:
		return frame.CodecPassthrough
	}
}

// ToWire converts a HostConfig into the wire-negotiated StreamConfig
// advertised to subscribers.
func (c HostConfig) ToWire() protocol.StreamConfig {
	return protocol.StreamConfig{
		Width:            c.Width,
		Height:           c.Height,
		FPS:              c.FPS,
		Codec:            parseCodec(c.Codec),
		BitrateBps:       c.BitrateBps,
		KeyframeInterval: c.KeyframeInterval,
		MaxPacketSize:    c.MaxPacketSize,
	}
}

// ToWire converts a ViewerConfig into the wire-negotiated StreamConfig the
// client requests via CONFIG_UPDATE.
func (c ViewerConfig) ToWire() protocol.StreamConfig {
	return protocol.StreamConfig{
		Width:            c.StreamWidth,
		Height:           c.StreamHeight,
		FPS:              c.FPS,
		Codec:            parseCodec(c.Codec),
		BitrateBps:       c.BitrateBps,
		KeyframeInterval: c.KeyframeInterval,
		MaxPacketSize:    c.MaxPacketSize,
	}
}
