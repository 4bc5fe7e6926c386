// Package jitter implements the JitterBuffer: reordering by frame id with
// depth adaptive to observed network jitter, and skip-ahead on large gaps.
// This stage is optional; the low-latency bypass path feeds frames straight
// to the decoder without it, per spec §4.5.
package jitter

import (
	"time"

	"github.com/shrplink/screenstream/frame"
)

// Config holds the JitterBuffer's tunables, per spec §4.5.
type Config struct {
	TargetMs float64
	MinMs    float64
	MaxMs    float64
}

// DefaultConfig returns the spec's defaults: target 50ms, min 20ms, max 200ms.
func DefaultConfig() Config {
	return Config{TargetMs: 50, MinMs: 20, MaxMs: 200}
}

const (
	maxBufferedFrames = 60
	maxDelaySamples   = 100
	skipAheadGap      = 5
	minSamplesToAdapt = 10
	depthStepMs       = 5
)

// Stats is a read-only snapshot of JitterBuffer counters.
type Stats struct {
	Reordered      uint64
	Dropped        uint64
	CurrentDepthMs float64
}

// Buffer reorders EncodedFrames by frame id.
type Buffer struct {
	cfg Config

	buffered     map[uint64]*frame.EncodedFrame
	nextExpected uint64
	initialized  bool
	maxInBuffer  uint64

	lastOutput time.Time
	hasOutput  bool

	delays         []float64 // ring of recent one-way delays, ms
	currentDepthMs float64

	stats Stats
}

// New creates a JitterBuffer with the given configuration.
func New(cfg Config) *Buffer {
	return &Buffer{
		cfg:            cfg,
		buffered:       make(map[uint64]*frame.EncodedFrame),
		currentDepthMs: cfg.TargetMs,
	}
}

// Insert adds f to the buffer, dropping it if late or duplicate.
func (b *Buffer) Insert(f *frame.EncodedFrame, now time.Time) {
	if !b.initialized {
		b.nextExpected = f.FrameID
		b.maxInBuffer = f.FrameID
		b.initialized = true
	}
	// Until the first delivery, an earlier id becomes the next expected one
	// rather than being treated as late.
	if !b.hasOutput && f.FrameID < b.nextExpected {
		b.nextExpected = f.FrameID
	}

	oneWayMs := now.Sub(time.Unix(0, int64(f.CaptureTsNs))).Seconds() * 1000
	b.recordDelay(oneWayMs)

	if f.FrameID < b.nextExpected && b.hasOutput {
		b.stats.Dropped++
		return
	}
	if _, exists := b.buffered[f.FrameID]; exists {
		b.stats.Dropped++
		return
	}

	if f.FrameID < b.maxInBuffer {
		b.stats.Reordered++
	}
	if f.FrameID > b.maxInBuffer {
		b.maxInBuffer = f.FrameID
	}

	b.buffered[f.FrameID] = f

	if len(b.buffered) > maxBufferedFrames {
		smallest := b.smallestKey()
		delete(b.buffered, smallest)
		b.stats.Dropped++
	}

	b.adapt()
}

// Pop removes and returns the next frame to deliver, in non-decreasing
// frame-id order once initialized. If the next expected frame is absent, and
// either the buffer holds something far enough ahead or the nominal depth
// has elapsed since the last delivery, it skips ahead and counts the gap as
// dropped.
func (b *Buffer) Pop(now time.Time) (*frame.EncodedFrame, bool) {
	if !b.initialized || len(b.buffered) == 0 {
		return nil, false
	}

	if f, ok := b.buffered[b.nextExpected]; ok {
		delete(b.buffered, b.nextExpected)
		b.nextExpected++
		b.lastOutput = now
		b.hasOutput = true
		return f, true
	}

	smallest := b.smallestKey()
	depthElapsed := b.hasOutput && now.Sub(b.lastOutput) > time.Duration(b.currentDepthMs*float64(time.Millisecond))
	aheadEnough := smallest > b.nextExpected+skipAheadGap

	if aheadEnough || depthElapsed {
		gap := smallest - b.nextExpected
		b.stats.Dropped += gap
		b.nextExpected = smallest
		f := b.buffered[smallest]
		delete(b.buffered, smallest)
		b.nextExpected++
		b.lastOutput = now
		b.hasOutput = true
		return f, true
	}

	return nil, false
}

func (b *Buffer) smallestKey() uint64 {
	first := true
	var min uint64
	for k := range b.buffered {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}

func (b *Buffer) recordDelay(ms float64) {
	b.delays = append(b.delays, ms)
	if len(b.delays) > maxDelaySamples {
		b.delays = b.delays[len(b.delays)-maxDelaySamples:]
	}
}

// adapt recomputes currentDepthMs from the mean-absolute-deviation of recent
// one-way delays, per spec §4.5.
func (b *Buffer) adapt() {
	if len(b.delays) < minSamplesToAdapt {
		return
	}

	mean := 0.0
	for _, d := range b.delays {
		mean += d
	}
	mean /= float64(len(b.delays))

	mad := 0.0
	for _, d := range b.delays {
		diff := d - mean
		if diff < 0 {
			diff = -diff
		}
		mad += diff
	}
	mad /= float64(len(b.delays))

	if mad > b.currentDepthMs/2 {
		b.currentDepthMs += depthStepMs
	} else if mad < b.currentDepthMs/4 {
		b.currentDepthMs -= depthStepMs
	}
	b.currentDepthMs = clamp(b.currentDepthMs, b.cfg.MinMs, b.cfg.MaxMs)
	b.stats.CurrentDepthMs = b.currentDepthMs
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	s := b.stats
	s.CurrentDepthMs = b.currentDepthMs
	return s
}
