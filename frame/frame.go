// Package frame defines the opaque encoded-video value exchanged between the
// screen-stream transport core and the external capture/encode and
// decode/render collaborators.
package frame

import "errors"

// Codec identifies the bitstream format carried by an EncodedFrame.
type Codec uint8

const (
	CodecH264       Codec = 0
	CodecHEVC       Codec = 1
	CodecPassthrough Codec = 0xF
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	default:
		return "passthrough"
	}
}

// Errors returned by Validate.
var (
	ErrEmptyData          = errors.New("frame: data is empty")
	ErrMissingParamSets    = errors.New("frame: keyframe missing parameter sets")
	ErrNonMonotonicFrameID = errors.New("frame: frame_id did not increase")
)

// EncodedFrame is a single encoded video frame, opaque to everything except
// the Fragmenter (on send) and the Reassembler (on receive). The core never
// inspects Data.
type EncodedFrame struct {
	FrameID       uint64
	Data          []byte
	PtsNs         uint64
	CaptureTsNs   uint64
	IsKeyframe    bool
	Codec         Codec
	Width         uint16
	Height        uint16
	ParameterSets []byte // only meaningful when IsKeyframe
}

// Validate checks the invariants from the data model: Data non-empty and
// parameter sets present on every keyframe.
func (f *EncodedFrame) Validate() error {
	if len(f.Data) == 0 {
		return ErrEmptyData
	}
	if f.IsKeyframe && len(f.ParameterSets) == 0 {
		return ErrMissingParamSets
	}
	return nil
}

// Sequencer enforces strictly increasing frame_id per source, as required by
// the data model invariants.
type Sequencer struct {
	hasLast bool
	last    uint64
}

// Next validates that id strictly increases from the previously observed id
// and records it. The first call always succeeds.
func (s *Sequencer) Next(id uint64) error {
	if s.hasLast && id <= s.last {
		return ErrNonMonotonicFrameID
	}
	s.hasLast = true
	s.last = id
	return nil
}
