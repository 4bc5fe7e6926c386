package fec

import (
	"testing"

	"github.com/shrplink/screenstream/protocol"
	"github.com/stretchr/testify/require"
)

func dataFragments(payloads ...[]byte) []*protocol.Fragment {
	frags := make([]*protocol.Fragment, len(payloads))
	for i, p := range payloads {
		frags[i] = &protocol.Fragment{
			FrameID:           1,
			FragmentIndex:     uint16(i),
			DataFragmentCount: uint16(len(payloads)),
			Payload:           p,
		}
	}
	return frags
}

func TestEncodeBlockSizing(t *testing.T) {
	// 7 data fragments, k=3 -> blocks of (3,3,1), each with 1 parity.
	payloads := make([][]byte, 7)
	for i := range payloads {
		payloads[i] = []byte{byte(i), byte(i + 1)}
	}
	frags := dataFragments(payloads...)
	out := Encode(frags, Config{BlockSize: 3, ParityCount: 1, Enabled: true})

	require.Len(t, out, 7+3) // 7 data + 3 parity (one per block)

	blockCounts := map[uint16]int{}
	for _, f := range out {
		blockCounts[f.FECBlockIndex]++
	}
	require.Equal(t, 4, blockCounts[0]) // 3 data + 1 parity
	require.Equal(t, 4, blockCounts[1])
	require.Equal(t, 2, blockCounts[2]) // 1 data + 1 parity

	for _, f := range out {
		require.EqualValues(t, 10, f.TotalFragments)
	}
}

func TestRecoverSingleLoss(t *testing.T) {
	payloads := [][]byte{
		{0x01, 0x02, 0x03},
		{0xAA, 0xBB},
		{0xFF, 0x00, 0x11, 0x22},
	}
	frags := dataFragments(payloads...)
	out := Encode(frags, DefaultConfig())

	// out = [d0,d1,d2,parity0]; drop d1.
	var parity0 []byte
	present := make([][]byte, 0, 2)
	for _, f := range out {
		if f.IsParity {
			parity0 = f.Payload
			continue
		}
		if f.FECIndexInBlock == 1 {
			continue // simulate loss of d1
		}
		present = append(present, f.Payload)
	}

	recovered := RecoverDataFragment(parity0, present)
	require.Equal(t, payloads[1], recovered)
}

func TestRecoverTrimsTrailingZeroAmbiguously(t *testing.T) {
	// Documented lossy behavior: a recovered fragment that legitimately ends
	// in 0x00 gets trimmed anyway.
	payloads := [][]byte{
		{0x01, 0x02, 0x00}, // legitimately ends in zero
		{0xAA, 0xBB, 0xCC},
	}
	frags := dataFragments(payloads...)
	out := Encode(frags, Config{BlockSize: 2, ParityCount: 1, Enabled: true})

	var parity0 []byte
	var present [][]byte
	for _, f := range out {
		if f.IsParity {
			parity0 = f.Payload
			continue
		}
		if f.FECIndexInBlock == 0 {
			continue // lose the one that ends in zero
		}
		present = append(present, f.Payload)
	}

	recovered := RecoverDataFragment(parity0, present)
	require.NotEqual(t, payloads[0], recovered) // trailing zero got trimmed
	require.Equal(t, []byte{0x01, 0x02}, recovered)
}

func TestEncodeDisabledProducesNoParity(t *testing.T) {
	frags := dataFragments([]byte{1}, []byte{2}, []byte{3})
	out := Encode(frags, Config{BlockSize: 3, ParityCount: 1, Enabled: false})
	require.Len(t, out, 3)
	for _, f := range out {
		require.False(t, f.IsParity)
	}
}
