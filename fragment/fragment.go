// Package fragment implements the Fragmenter: splitting an EncodedFrame's
// bitstream into MTU-sized data fragments, before FEC encoding.
package fragment

import (
	"errors"

	"github.com/shrplink/screenstream/frame"
	"github.com/shrplink/screenstream/protocol"
)

// ErrEmptyFrameData is returned when the caller attempts to fragment a frame
// with no bitstream bytes, which is invalid per spec §4.2.
var ErrEmptyFrameData = errors.New("fragment: frame data is empty")

// ErrPacketTooSmall is returned when maxPacketSize leaves no room for any
// payload after the fixed header.
var ErrPacketTooSmall = errors.New("fragment: max packet size too small for header")

// MaxPayload returns the maximum payload bytes that fit in one fragment of
// maxPacketSize bytes.
func MaxPayload(maxPacketSize int) int {
	return maxPacketSize - protocol.HeaderSize
}

// Fragment splits f.Data into contiguous data fragments of at most
// MaxPayload(maxPacketSize) bytes. The first fragment (index 0) is the only
// one that may carry f.ParameterSets, and only when f.IsKeyframe.
//
// FEC membership fields (FECBlockIndex, FECIndexInBlock, FECBlockDataCount,
// IsParity) are left zero; the FECEncoder stage fills them in.
func Fragment(f *frame.EncodedFrame, maxPacketSize int) ([]*protocol.Fragment, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyFrameData
	}
	payloadMax := MaxPayload(maxPacketSize)
	if payloadMax <= 0 {
		return nil, ErrPacketTooSmall
	}

	dataCount := (len(f.Data) + payloadMax - 1) / payloadMax
	if dataCount == 0 {
		dataCount = 1
	}

	frags := make([]*protocol.Fragment, 0, dataCount)
	for i := 0; i < dataCount; i++ {
		start := i * payloadMax
		end := start + payloadMax
		if end > len(f.Data) {
			end = len(f.Data)
		}

		frag := &protocol.Fragment{
			FrameID:           f.FrameID,
			FragmentIndex:     uint16(i),
			DataFragmentCount: uint16(dataCount),
			IsKeyframe:        f.IsKeyframe,
			Codec:             f.Codec,
			Width:             f.Width,
			Height:            f.Height,
			PtsNs:             f.PtsNs,
			CaptureTsNs:       f.CaptureTsNs,
			Payload:           f.Data[start:end],
		}
		if i == 0 && f.IsKeyframe {
			frag.ParameterSets = f.ParameterSets
		}
		frags = append(frags, frag)
	}

	return frags, nil
}
