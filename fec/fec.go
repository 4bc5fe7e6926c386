// Package fec implements the XOR-based forward error correction codec: block
// parity generation on the sender side, and single-loss-per-block recovery
// on the receiver side. This is deliberately not Reed-Solomon — see spec §4.3
// and §9 for why the second parity stream cannot recover two losses.
package fec

import "github.com/shrplink/screenstream/protocol"

// Config configures the FEC codec.
type Config struct {
	BlockSize   int  // k, >= 2
	ParityCount int  // p, 1 or 2
	Enabled     bool
}

// DefaultConfig returns the spec's default: k=3, p=1, enabled.
func DefaultConfig() Config {
	return Config{BlockSize: 3, ParityCount: 1, Enabled: true}
}

// Overhead returns the fractional overhead p/k of this configuration.
func (c Config) Overhead() float64 {
	if c.BlockSize == 0 {
		return 0
	}
	return float64(c.ParityCount) / float64(c.BlockSize)
}

// Encode partitions dataFrags into consecutive blocks of cfg.BlockSize and
// appends cfg.ParityCount parity fragments to each block. It fills in every
// fragment's FEC membership fields (FECBlockIndex, FECIndexInBlock,
// FECBlockDataCount) and returns the full fragment list (data followed by
// that block's parity, per block) with TotalFragments set to the final
// on-wire fragment count across the whole frame.
//
// If !cfg.Enabled, the same FEC membership and TotalFragments bookkeeping is
// applied to dataFrags, but no parity is produced.
func Encode(dataFrags []*protocol.Fragment, cfg Config) []*protocol.Fragment {
	if cfg.BlockSize < 1 {
		cfg.BlockSize = 1
	}

	var out []*protocol.Fragment
	blockIndex := uint16(0)
	for start := 0; start < len(dataFrags); start += cfg.BlockSize {
		end := start + cfg.BlockSize
		if end > len(dataFrags) {
			end = len(dataFrags)
		}
		block := dataFrags[start:end]
		blockDataCount := uint8(len(block))

		for i, f := range block {
			f.FECBlockIndex = blockIndex
			f.FECIndexInBlock = uint8(i)
			f.FECBlockDataCount = blockDataCount
			f.IsParity = false
			out = append(out, f)
		}

		if cfg.Enabled && cfg.ParityCount > 0 {
			parities := buildParity(block, cfg)
			for pi, parity := range parities {
				parity.FrameID = block[0].FrameID
				parity.IsKeyframe = block[0].IsKeyframe
				parity.Codec = block[0].Codec
				parity.Width = block[0].Width
				parity.Height = block[0].Height
				parity.PtsNs = block[0].PtsNs
				parity.CaptureTsNs = block[0].CaptureTsNs
				parity.FECBlockIndex = blockIndex
				parity.FECIndexInBlock = uint8(cfg.BlockSize + pi)
				parity.FECBlockDataCount = blockDataCount
				parity.IsParity = true
				parity.DataFragmentCount = block[0].DataFragmentCount
				out = append(out, parity)
			}
		}

		blockIndex++
	}

	total := uint16(len(out))
	for _, f := range out {
		f.TotalFragments = total
	}

	return out
}

// buildParity computes the parity fragments for a single block.
func buildParity(block []*protocol.Fragment, cfg Config) []*protocol.Fragment {
	maxLen := 0
	for _, f := range block {
		if len(f.Payload) > maxLen {
			maxLen = len(f.Payload)
		}
	}

	parities := make([]*protocol.Fragment, 0, cfg.ParityCount)

	// Parity 0: plain XOR over zero-padded payloads.
	p0 := make([]byte, maxLen)
	for _, f := range block {
		xorInto(p0, f.Payload)
	}
	parities = append(parities, &protocol.Fragment{Payload: p0})

	if cfg.ParityCount >= 2 {
		p1 := make([]byte, maxLen)
		for i, f := range block {
			rotated := rotateLeftBits(f.Payload, maxLen, (i+1)%8)
			xorInto(p1, rotated)
		}
		parities = append(parities, &protocol.Fragment{Payload: p1})
	}

	return parities
}

// xorInto XORs src (zero-extended to len(dst)) into dst in place.
func xorInto(dst, src []byte) {
	for i := range dst {
		if i < len(src) {
			dst[i] ^= src[i]
		}
	}
}

// rotateLeftBits returns a copy of src, zero-extended to outLen, with every
// byte rotated left by n bits (0 <= n < 8).
func rotateLeftBits(src []byte, outLen, n int) []byte {
	out := make([]byte, outLen)
	n = n % 8
	for i := 0; i < outLen && i < len(src); i++ {
		b := src[i]
		if n == 0 {
			out[i] = b
		} else {
			out[i] = (b << uint(n)) | (b >> uint(8-n))
		}
	}
	return out
}

// RecoverDataFragment reconstructs a single missing data fragment's payload
// from parity0 and the other present data fragments of the same block.
// present holds the payloads of all OTHER held data fragments in the block
// (the missing one excluded), in any order. The recovered
// length equals len(parity0); trailing zero bytes are trimmed (the
// documented zero-trim ambiguity from spec §9 — this is a known,
// deliberately-unfixed imprecision, not a bug).
func RecoverDataFragment(parity0 []byte, present [][]byte) []byte {
	recovered := make([]byte, len(parity0))
	copy(recovered, parity0)
	for _, payload := range present {
		xorInto(recovered, payload)
	}
	return trimTrailingZeros(recovered)
}

func trimTrailingZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}
