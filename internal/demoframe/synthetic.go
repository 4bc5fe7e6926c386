// Package demoframe fabricates a deterministic sequence of frame.EncodedFrame
// values for the demo host command and for integration tests that need
// realistic multi-fragment frames without a hardware encoder attached. It
// builds EncodedFrame values directly rather than emitting and re-parsing an
// Annex B byte stream: the generator and the demo source run in the same
// process, so there is no wire format to recover bytes from, and no NAL
// scanner to write.
package demoframe

import (
	"errors"
	"time"

	"github.com/shrplink/screenstream/frame"
)

// ErrExhausted is returned by Source.Next once every fabricated frame has
// been emitted.
var ErrExhausted = errors.New("demoframe: source exhausted")

// Source yields a deterministic, bounded sequence of synthetic EncodedFrame
// values, stamping FrameID, PtsNs and CaptureTsNs as a real capture pipeline
// would.
type Source struct {
	codec            frame.Codec
	width            uint16
	height           uint16
	fps              uint16
	keyframeInterval int
	payloadBytes     int
	frameCount       int

	frameID   uint64
	startTime time.Time
}

// NewSource creates a Source that will emit frameCount frames, marking every
// keyframeInterval-th frame (starting at frame 0) as a keyframe with
// attached parameter sets, each frame carrying payloadBytesPerFrame bytes of
// filler payload.
func NewSource(frameCount, keyframeInterval, payloadBytesPerFrame int, codec frame.Codec, width, height, fps uint16) *Source {
	if keyframeInterval < 1 {
		keyframeInterval = 1
	}
	return &Source{
		codec:            codec,
		width:            width,
		height:           height,
		fps:              fps,
		keyframeInterval: keyframeInterval,
		payloadBytes:     payloadBytesPerFrame,
		frameCount:       frameCount,
		startTime:        time.Now(),
	}
}

// Next returns the next synthetic EncodedFrame, or ErrExhausted once
// frameCount frames have been emitted.
func (s *Source) Next() (*frame.EncodedFrame, error) {
	if int(s.frameID) >= s.frameCount {
		return nil, ErrExhausted
	}

	id := s.frameID
	s.frameID++

	isKeyframe := int(id)%s.keyframeInterval == 0

	var ptsNs uint64
	if s.fps > 0 {
		ptsNs = id * uint64(time.Second/time.Duration(s.fps))
	}

	f := &frame.EncodedFrame{
		FrameID:     id,
		Data:        fillPayload(s.payloadBytes, int(id)),
		PtsNs:       ptsNs,
		CaptureTsNs: uint64(s.startTime.Add(time.Duration(ptsNs)).UnixNano()),
		IsKeyframe:  isKeyframe,
		Codec:       s.codec,
		Width:       s.width,
		Height:      s.height,
	}
	if isKeyframe {
		f.ParameterSets = fillPayload(16, -int(id)-1)
	}
	return f, nil
}

// fillPayload produces deterministic, non-empty filler bytes standing in for
// real encoder output; nothing in this package inspects its own payloads, so
// there is no bitstream structure to fabricate beyond a distinct byte run
// per frame.
func fillPayload(n, seed int) []byte {
	if n <= 0 {
		n = 1
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((seed*31 + i*17 + 1) % 256)
	}
	return out
}
