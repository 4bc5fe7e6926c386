package protocol

import (
	"testing"

	"github.com/shrplink/screenstream/frame"
	"github.com/stretchr/testify/require"
)

func sampleFragment() *Fragment {
	return &Fragment{
		FrameID:           42,
		FragmentIndex:     0,
		TotalFragments:    4,
		DataFragmentCount: 3,
		IsKeyframe:        true,
		Codec:             frame.CodecH264,
		Width:             1920,
		Height:            1080,
		PtsNs:             1234567890,
		CaptureTsNs:       9876543210,
		FECBlockIndex:     0,
		FECIndexInBlock:   0,
		FECBlockDataCount: 3,
		IsParity:          false,
		ParameterSets:     []byte{0x67, 0x42, 0x00, 0x1f},
		Payload:           []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	f := sampleFragment()
	wire := Serialize(f)
	require.Equal(t, HeaderSize+len(f.ParameterSets)+len(f.Payload), len(wire))

	got, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, f.FrameID, got.FrameID)
	require.Equal(t, f.FragmentIndex, got.FragmentIndex)
	require.Equal(t, f.TotalFragments, got.TotalFragments)
	require.Equal(t, f.DataFragmentCount, got.DataFragmentCount)
	require.Equal(t, f.IsKeyframe, got.IsKeyframe)
	require.Equal(t, f.Codec, got.Codec)
	require.Equal(t, f.Width, got.Width)
	require.Equal(t, f.Height, got.Height)
	require.Equal(t, f.PtsNs, got.PtsNs)
	require.Equal(t, f.CaptureTsNs, got.CaptureTsNs)
	require.Equal(t, f.FECBlockIndex, got.FECBlockIndex)
	require.Equal(t, f.FECIndexInBlock, got.FECIndexInBlock)
	require.Equal(t, f.FECBlockDataCount, got.FECBlockDataCount)
	require.Equal(t, f.IsParity, got.IsParity)
	require.Equal(t, f.ParameterSets, got.ParameterSets)
	require.Equal(t, f.Payload, got.Payload)
}

func TestParseUnknownCodecIsPassthrough(t *testing.T) {
	f := sampleFragment()
	f.Codec = frame.Codec(7) // not H264(0) or HEVC(1)
	wire := Serialize(f)

	got, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, frame.CodecPassthrough, got.Codec)
}

func TestParseRejectsBadMagic(t *testing.T) {
	f := sampleFragment()
	wire := Serialize(f)
	wire[0] ^= 0xFF

	_, err := Parse(wire)
	require.Error(t, err)
}

func TestParseRejectsShortHeader(t *testing.T) {
	_, err := Parse(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestParseRejectsLengthOverrun(t *testing.T) {
	f := sampleFragment()
	wire := Serialize(f)
	truncated := wire[:len(wire)-1]

	_, err := Parse(truncated)
	require.Error(t, err)
}

func TestParseWithoutParameterSets(t *testing.T) {
	f := sampleFragment()
	f.ParameterSets = nil
	wire := Serialize(f)

	got, err := Parse(wire)
	require.NoError(t, err)
	require.Nil(t, got.ParameterSets)
	require.Equal(t, f.Payload, got.Payload)
}
