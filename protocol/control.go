package protocol

import (
	"encoding/binary"

	"github.com/shrplink/screenstream/frame"
)

// Control message types carried as the single byte following the "SHCF"
// magic, per spec §6.
const (
	ControlRequest  uint8 = 1
	ControlUpdate   uint8 = 2
	ControlResponse uint8 = 3
	ControlAck      uint8 = 4
)

// ConfigWireSize is the fixed size of a StreamConfig on the wire.
const ConfigWireSize = 28

const (
	cfgFlagFullColor         = 1 << 0
	cfgFlagUseNative         = 1 << 1
	cfgFlagHasServerNative   = 1 << 2
	cfgFlagHasServerDisplay  = 1 << 3
)

// StreamConfig is the advertised/negotiated configuration exchanged across
// the control channel, per spec §3.
type StreamConfig struct {
	Width             uint16
	Height            uint16
	FPS               uint16
	Codec             frame.Codec
	BitrateBps        uint32
	KeyframeInterval  uint32
	FullColor         bool
	UseNative         bool
	MaxPacketSize     uint32

	ServerNativeWidth   uint16
	ServerNativeHeight  uint16
	HasServerNative     bool
	ServerDisplayWidth  uint16
	ServerDisplayHeight uint16
	HasServerDisplay    bool
}

// MarshalConfig encodes cfg into its fixed-size wire form.
func MarshalConfig(cfg *StreamConfig) []byte {
	out := make([]byte, ConfigWireSize)
	binary.BigEndian.PutUint16(out[0:2], cfg.Width)
	binary.BigEndian.PutUint16(out[2:4], cfg.Height)
	binary.BigEndian.PutUint16(out[4:6], cfg.FPS)
	out[6] = uint8(cfg.Codec)

	var flags uint8
	if cfg.FullColor {
		flags |= cfgFlagFullColor
	}
	if cfg.UseNative {
		flags |= cfgFlagUseNative
	}
	if cfg.HasServerNative {
		flags |= cfgFlagHasServerNative
	}
	if cfg.HasServerDisplay {
		flags |= cfgFlagHasServerDisplay
	}
	out[7] = flags

	binary.BigEndian.PutUint32(out[8:12], cfg.BitrateBps)
	binary.BigEndian.PutUint32(out[12:16], cfg.KeyframeInterval)
	binary.BigEndian.PutUint32(out[16:20], cfg.MaxPacketSize)
	binary.BigEndian.PutUint16(out[20:22], cfg.ServerNativeWidth)
	binary.BigEndian.PutUint16(out[22:24], cfg.ServerNativeHeight)
	binary.BigEndian.PutUint16(out[24:26], cfg.ServerDisplayWidth)
	binary.BigEndian.PutUint16(out[26:28], cfg.ServerDisplayHeight)

	return out
}

// UnmarshalConfig decodes a StreamConfig from its fixed-size wire form.
func UnmarshalConfig(buf []byte) (*StreamConfig, error) {
	if len(buf) < ConfigWireSize {
		return nil, errBufTooShort
	}
	cfg := &StreamConfig{}
	cfg.Width = binary.BigEndian.Uint16(buf[0:2])
	cfg.Height = binary.BigEndian.Uint16(buf[2:4])
	cfg.FPS = binary.BigEndian.Uint16(buf[4:6])
	cfg.Codec = frame.Codec(buf[6])

	flags := buf[7]
	cfg.FullColor = flags&cfgFlagFullColor != 0
	cfg.UseNative = flags&cfgFlagUseNative != 0
	cfg.HasServerNative = flags&cfgFlagHasServerNative != 0
	cfg.HasServerDisplay = flags&cfgFlagHasServerDisplay != 0

	cfg.BitrateBps = binary.BigEndian.Uint32(buf[8:12])
	cfg.KeyframeInterval = binary.BigEndian.Uint32(buf[12:16])
	cfg.MaxPacketSize = binary.BigEndian.Uint32(buf[16:20])
	cfg.ServerNativeWidth = binary.BigEndian.Uint16(buf[20:22])
	cfg.ServerNativeHeight = binary.BigEndian.Uint16(buf[22:24])
	cfg.ServerDisplayWidth = binary.BigEndian.Uint16(buf[24:26])
	cfg.ServerDisplayHeight = binary.BigEndian.Uint16(buf[26:28])

	return cfg, nil
}

// ControlMessage is a "SHCF" datagram: a message type byte followed by a
// serialized StreamConfig.
type ControlMessage struct {
	Type   uint8
	Config StreamConfig
}

// MarshalControl encodes a ControlMessage, magic included.
func MarshalControl(msg *ControlMessage) []byte {
	out := make([]byte, 5+ConfigWireSize)
	binary.BigEndian.PutUint32(out[0:4], MagicControl)
	out[4] = msg.Type
	copy(out[5:], MarshalConfig(&msg.Config))
	return out
}

// UnmarshalControl decodes a "SHCF" datagram, including the magic check.
func UnmarshalControl(buf []byte) (*ControlMessage, error) {
	magic, ok := PeekMagic(buf)
	if !ok || magic != MagicControl {
		return nil, errBadMagic
	}
	if len(buf) < 5+ConfigWireSize {
		return nil, errBufTooShort
	}
	cfg, err := UnmarshalConfig(buf[5:])
	if err != nil {
		return nil, err
	}
	return &ControlMessage{Type: buf[4], Config: *cfg}, nil
}
