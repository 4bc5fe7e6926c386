// Package reassembly implements the Reassembler: collecting a frame's
// fragments, applying FEC recovery, and yielding a reassembled EncodedFrame.
package reassembly

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/shrplink/screenstream/fec"
	"github.com/shrplink/screenstream/frame"
	"github.com/shrplink/screenstream/protocol"
)

// Defaults from spec §4.4.
const (
	MaxPendingFramesServer = 100
	MaxPendingFramesClient = 50
	DefaultFragmentTimeout = 50 * time.Millisecond
)

// Stats is a read-only snapshot of reassembly counters, exposed to viewers
// per spec §7.
type Stats struct {
	FramesEmitted       uint64
	FramesRecovered     uint64 // frames that needed at least one FEC recovery
	FragmentsRecovered  uint64
	UnrecoverableFrames uint64
	LateFragments       uint64
}

type paramKey struct {
	codec  frame.Codec
	width  uint16
	height uint16
}

type blockState struct {
	data      map[uint8][]byte
	parity    map[uint8][]byte
	dataCount uint8
}

func newBlockState(dataCount uint8) *blockState {
	return &blockState{
		data:      make(map[uint8][]byte),
		parity:    make(map[uint8][]byte),
		dataCount: dataCount,
	}
}

type pendingFrame struct {
	frameID           uint64
	totalFragments    uint16
	dataFragmentCount uint16
	isKeyframe        bool
	codec             frame.Codec
	width, height     uint16
	ptsNs             uint64
	captureTsNs       uint64
	blocks            map[uint16]*blockState
	paramSets         []byte
	firstSeen         time.Time
	lastUpdated       time.Time

	// FEC recoveries made so far, across every reassembly attempt.
	recoveredFragments int
	recoveredIndexZero bool
}

func newPendingFrame(f *protocol.Fragment, now time.Time) *pendingFrame {
	return &pendingFrame{
		frameID:           f.FrameID,
		totalFragments:    f.TotalFragments,
		dataFragmentCount: f.DataFragmentCount,
		isKeyframe:        f.IsKeyframe,
		codec:             f.Codec,
		width:             f.Width,
		height:            f.Height,
		ptsNs:             f.PtsNs,
		captureTsNs:       f.CaptureTsNs,
		blocks:            make(map[uint16]*blockState),
		firstSeen:         now,
		lastUpdated:       now,
	}
}

func (pf *pendingFrame) insert(f *protocol.Fragment, now time.Time) {
	pf.lastUpdated = now
	// Fragment header carries total_fragments/data_fragment_count on every
	// fragment; keep whichever value we've already latched (first wins, per
	// the agreement invariant in spec §3).
	b, ok := pf.blocks[f.FECBlockIndex]
	if !ok {
		b = newBlockState(f.FECBlockDataCount)
		pf.blocks[f.FECBlockIndex] = b
	}
	if f.IsParity {
		b.parity[f.FECIndexInBlock] = f.Payload
		return
	}
	b.data[f.FECIndexInBlock] = f.Payload
	if f.FECBlockIndex == 0 && f.FECIndexInBlock == 0 && len(f.ParameterSets) > 0 {
		pf.paramSets = f.ParameterSets
	}
}

func (pf *pendingFrame) dataHeld() int {
	n := 0
	for _, b := range pf.blocks {
		n += len(b.data)
	}
	return n
}

func (pf *pendingFrame) totalHeld() int {
	n := 0
	for _, b := range pf.blocks {
		n += len(b.data) + len(b.parity)
	}
	return n
}

// recoverAndAssemble attempts single-loss-per-block FEC recovery on every
// block, then, if all data fragments are now present, concatenates them in
// (block_index, index_in_block) order. recoveredFragments and
// recoveredIndexZero cover every attempt made for this frame so far:
// recoveredIndexZero reports whether (block 0, index 0) had to be recovered
// (and so carries no parameter sets of its own).
func (pf *pendingFrame) recoverAndAssemble() (data []byte, recoveredFragments int, recoveredIndexZero bool, complete bool) {
	blockIdxs := make([]uint16, 0, len(pf.blocks))
	for idx := range pf.blocks {
		blockIdxs = append(blockIdxs, idx)
	}
	sort.Slice(blockIdxs, func(i, j int) bool { return blockIdxs[i] < blockIdxs[j] })

	for _, bi := range blockIdxs {
		b := pf.blocks[bi]
		missing := int(b.dataCount) - len(b.data)
		if missing != 1 || len(b.parity) == 0 {
			continue
		}
		parityKeys := make([]uint8, 0, len(b.parity))
		for k := range b.parity {
			parityKeys = append(parityKeys, k)
		}
		sort.Slice(parityKeys, func(i, j int) bool { return parityKeys[i] < parityKeys[j] })
		parity0 := b.parity[parityKeys[0]]

		present := make([][]byte, 0, len(b.data))
		for _, payload := range b.data {
			present = append(present, payload)
		}

		var missingIdx uint8
		found := false
		for i := uint8(0); i < b.dataCount; i++ {
			if _, ok := b.data[i]; !ok {
				missingIdx = i
				found = true
				break
			}
		}
		if !found {
			continue
		}

		recovered := fec.RecoverDataFragment(parity0, present)
		b.data[missingIdx] = recovered
		pf.recoveredFragments++
		if bi == 0 && missingIdx == 0 {
			pf.recoveredIndexZero = true
		}
	}
	recoveredFragments, recoveredIndexZero = pf.recoveredFragments, pf.recoveredIndexZero

	if pf.dataHeld() < int(pf.dataFragmentCount) {
		return nil, recoveredFragments, recoveredIndexZero, false
	}

	// All data fragments present: concatenate in (block_index, index_in_block) order.
	var out []byte
	for _, bi := range blockIdxs {
		b := pf.blocks[bi]
		for i := uint8(0); i < b.dataCount; i++ {
			payload, ok := b.data[i]
			if !ok {
				return nil, recoveredFragments, recoveredIndexZero, false
			}
			out = append(out, payload...)
		}
	}
	return out, recoveredFragments, recoveredIndexZero, true
}

// Reassembler collects fragments per frame and yields reassembled
// EncodedFrames, per spec §4.4.
type Reassembler struct {
	mu sync.Mutex

	pending         *lru.Cache[uint64, *pendingFrame]
	paramCache      *lru.Cache[paramKey, []byte]
	fragmentTimeout time.Duration

	hasEarliest       bool
	earliestDelivered uint64

	stats Stats
	log   *logrus.Entry
}

// New creates a Reassembler bounded to maxPending PendingFrames, evicting
// fragments older than fragmentTimeout.
func New(maxPending int, fragmentTimeout time.Duration, log *logrus.Entry) *Reassembler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Reassembler{
		fragmentTimeout: fragmentTimeout,
		log:             log,
	}
	// No eviction callback: the cache also fires it on explicit Remove, and
	// every cache call is made with r.mu held. Insert counts bound evictions
	// from Add's return value instead.
	r.pending, _ = lru.New[uint64, *pendingFrame](maxPending)
	r.paramCache, _ = lru.New[paramKey, []byte](64)
	return r
}

// Insert feeds one received fragment into the reassembler. It returns the
// reassembled frame and true when a frame completes as a result of this
// fragment; otherwise ok is false.
func (r *Reassembler) Insert(f *protocol.Fragment, now time.Time) (out *frame.EncodedFrame, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasEarliest && f.FrameID < r.earliestDelivered {
		r.stats.LateFragments++
		return nil, false
	}

	pf, found := r.pending.Get(f.FrameID)
	if !found {
		pf = newPendingFrame(f, now)
		if r.pending.Add(f.FrameID, pf) {
			r.stats.UnrecoverableFrames++
			r.log.Debug("reassembly: pending frame evicted by LRU bound")
		}
	}
	pf.insert(f, now)

	d := pf.dataHeld()
	if d != int(f.DataFragmentCount) && pf.totalHeld() < int(f.DataFragmentCount) {
		return nil, false
	}

	data, recoveredFragments, recoveredIndexZero, complete := pf.recoverAndAssemble()
	if !complete {
		return nil, false
	}

	paramSets := pf.paramSets
	if recoveredIndexZero && len(paramSets) == 0 {
		if cached, ok := r.paramCache.Get(paramKey{pf.codec, pf.width, pf.height}); ok {
			paramSets = cached
		}
	}
	if pf.isKeyframe && len(paramSets) == 0 {
		r.stats.UnrecoverableFrames++
		r.pending.Remove(f.FrameID)
		r.log.WithField("frame_id", f.FrameID).Warn("reassembly: dropping keyframe with no recoverable parameter sets")
		return nil, false
	}

	if recoveredFragments > 0 {
		r.stats.FramesRecovered++
		r.stats.FragmentsRecovered += uint64(recoveredFragments)
	}
	if pf.isKeyframe && len(paramSets) > 0 {
		r.paramCache.Add(paramKey{pf.codec, pf.width, pf.height}, paramSets)
	}

	r.pending.Remove(f.FrameID)
	r.stats.FramesEmitted++
	r.hasEarliest = true
	if f.FrameID+1 > r.earliestDelivered {
		r.earliestDelivered = f.FrameID + 1
	}

	return &frame.EncodedFrame{
		FrameID:       pf.frameID,
		Data:          data,
		PtsNs:         pf.ptsNs,
		CaptureTsNs:   pf.captureTsNs,
		IsKeyframe:    pf.isKeyframe,
		Codec:         pf.codec,
		Width:         pf.width,
		Height:        pf.height,
		ParameterSets: paramSets,
	}, true
}

// EvictExpired removes PendingFrames whose first fragment arrived more than
// fragmentTimeout before now, incrementing UnrecoverableFrames for each.
// Callers should invoke this periodically (e.g. from the receive loop's
// timer tick).
func (r *Reassembler) EvictExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for _, frameID := range r.pending.Keys() {
		pf, ok := r.pending.Peek(frameID)
		if !ok {
			continue
		}
		if now.Sub(pf.firstSeen) > r.fragmentTimeout {
			r.pending.Remove(frameID)
			r.stats.UnrecoverableFrames++
			evicted++
		}
	}
	if evicted > 0 {
		r.log.WithField("count", evicted).Debug("reassembly: evicted timed-out pending frames")
	}
	return evicted
}

// Stats returns a snapshot of the reassembler's counters.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
