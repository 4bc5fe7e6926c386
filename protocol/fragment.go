package protocol

import (
	"encoding/binary"

	"github.com/shrplink/screenstream/frame"
)

// HeaderSize is the fixed 47-byte fragment header, per spec §6.
const HeaderSize = 47

// Flag bits within the header's single flags byte.
const (
	flagKeyframe     = 1 << 0
	flagHasParamSets = 1 << 1
	flagIsParity     = 1 << 2
	// bits 4-7 carry the codec, shifted into place by codecShift.
	codecShift = 4
	codecMask  = 0xF
)

// ParseError is returned by Parse for malformed or adversarial input; callers
// MUST treat it as "drop silently", per spec §7.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "protocol: parse error: " + e.Reason }

var (
	errBufTooShort   = &ParseError{Reason: "buffer shorter than header"}
	errBadMagic      = &ParseError{Reason: "bad magic"}
	errLengthOverrun = &ParseError{Reason: "declared lengths exceed buffer"}
)

// Fragment is one on-wire unit: a slice of an EncodedFrame's bitstream, or a
// parity byte-string, plus the frame-shared and FEC-membership metadata
// replicated onto every fragment of a frame.
type Fragment struct {
	FrameID            uint64
	FragmentIndex      uint16
	TotalFragments     uint16
	DataFragmentCount  uint16
	IsKeyframe         bool
	Codec              frame.Codec
	Width              uint16
	Height             uint16
	PtsNs              uint64
	CaptureTsNs        uint64
	FECBlockIndex      uint16
	FECIndexInBlock    uint8
	FECBlockDataCount  uint8
	IsParity           bool
	ParameterSets      []byte // only valid when FECBlockIndex==0, FECIndexInBlock==0, !IsParity
	Payload            []byte
}

// Serialize produces exactly HeaderSize + len(ParameterSets) + len(Payload)
// bytes.
func Serialize(f *Fragment) []byte {
	out := make([]byte, HeaderSize+len(f.ParameterSets)+len(f.Payload))

	binary.BigEndian.PutUint32(out[0:4], MagicFragment)
	binary.BigEndian.PutUint64(out[4:12], f.FrameID)
	binary.BigEndian.PutUint16(out[12:14], f.FragmentIndex)
	binary.BigEndian.PutUint16(out[14:16], f.TotalFragments)
	binary.BigEndian.PutUint16(out[16:18], f.DataFragmentCount)

	var flags uint8
	if f.IsKeyframe {
		flags |= flagKeyframe
	}
	if len(f.ParameterSets) > 0 {
		flags |= flagHasParamSets
	}
	if f.IsParity {
		flags |= flagIsParity
	}
	flags |= (uint8(f.Codec) & codecMask) << codecShift
	out[18] = flags

	binary.BigEndian.PutUint16(out[19:21], f.Width)
	binary.BigEndian.PutUint16(out[21:23], f.Height)
	binary.BigEndian.PutUint64(out[23:31], f.PtsNs)
	binary.BigEndian.PutUint64(out[31:39], f.CaptureTsNs)
	binary.BigEndian.PutUint16(out[39:41], uint16(len(f.ParameterSets)))
	binary.BigEndian.PutUint16(out[41:43], uint16(len(f.Payload)))
	binary.BigEndian.PutUint16(out[43:45], f.FECBlockIndex)
	out[45] = f.FECIndexInBlock
	out[46] = f.FECBlockDataCount

	n := HeaderSize
	n += copy(out[n:], f.ParameterSets)
	copy(out[n:], f.Payload)

	return out
}

// Parse validates and decodes a fragment from buf. Unknown codec bits
// deserialize as frame.CodecPassthrough (forward-compatible default), per
// spec §4.1.
func Parse(buf []byte) (*Fragment, error) {
	if len(buf) < HeaderSize {
		return nil, errBufTooShort
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != MagicFragment {
		return nil, errBadMagic
	}

	f := &Fragment{}
	f.FrameID = binary.BigEndian.Uint64(buf[4:12])
	f.FragmentIndex = binary.BigEndian.Uint16(buf[12:14])
	f.TotalFragments = binary.BigEndian.Uint16(buf[14:16])
	f.DataFragmentCount = binary.BigEndian.Uint16(buf[16:18])

	flags := buf[18]
	f.IsKeyframe = flags&flagKeyframe != 0
	f.IsParity = flags&flagIsParity != 0
	hasParamSets := flags&flagHasParamSets != 0

	codecBits := (flags >> codecShift) & codecMask
	switch frame.Codec(codecBits) {
	case frame.CodecH264:
		f.Codec = frame.CodecH264
	case frame.CodecHEVC:
		f.Codec = frame.CodecHEVC
	default:
		f.Codec = frame.CodecPassthrough
	}

	f.Width = binary.BigEndian.Uint16(buf[19:21])
	f.Height = binary.BigEndian.Uint16(buf[21:23])
	f.PtsNs = binary.BigEndian.Uint64(buf[23:31])
	f.CaptureTsNs = binary.BigEndian.Uint64(buf[31:39])
	paramSetsLen := binary.BigEndian.Uint16(buf[39:41])
	payloadLen := binary.BigEndian.Uint16(buf[41:43])
	f.FECBlockIndex = binary.BigEndian.Uint16(buf[43:45])
	f.FECIndexInBlock = buf[45]
	f.FECBlockDataCount = buf[46]

	need := HeaderSize + int(paramSetsLen) + int(payloadLen)
	if need > len(buf) {
		return nil, errLengthOverrun
	}

	if hasParamSets && paramSetsLen > 0 {
		f.ParameterSets = append([]byte(nil), buf[HeaderSize:HeaderSize+int(paramSetsLen)]...)
	}
	payloadStart := HeaderSize + int(paramSetsLen)
	f.Payload = append([]byte(nil), buf[payloadStart:payloadStart+int(payloadLen)]...)

	return f, nil
}
