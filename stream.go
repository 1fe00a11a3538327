package winsys

import (
	"fmt"
	"math/bits"
)

// ibType selects one of the two instruction buffers of a command stream.
type ibType int

const (
	ibMain ibType = iota
	ibParallelCompute
	numIBTypes
)

func (t ibType) String() string {
	if t == ibParallelCompute {
		return "parallel-compute"
	}
	return "main"
}

// Segment sizing limits.
const (
	// minIBSize is the smallest contiguous space a fresh stream gets.
	minIBSize = 16 * 1024

	// DefaultMinSegmentBytes is the smallest segment allocation.
	DefaultMinSegmentBytes = 32 * 1024

	// DefaultMaxSegmentBytes is the largest segment allocation: 512Ki
	// dwords, the largest power of two that fits the size field of an
	// INDIRECT_BUFFER packet.
	DefaultMaxSegmentBytes = 512 * 1024 * 4

	// DefaultMaxSubmitDWords bounds the main stream of one submission,
	// including chained segments. Small submissions get the device busy
	// sooner.
	DefaultMaxSubmitDWords = 20 * 1024

	// chainEpilogDW is the space kept free for the chain packet.
	chainEpilogDW = 4

	// minIBAlignment keeps segments a multiple of 8 dwords long so the NOP
	// padding before a chain packet always fits the epilog.
	minIBAlignment = 32
)

// segment is a chained segment of the current cycle.
type segment struct {
	words []uint32
	va    uint64
}

// Stream is one instruction buffer of a command stream: a sequence of
// dwords written into device memory segments. When a segment fills up and
// the ring supports it, the stream allocates a new segment and links the
// old one to it with an INDIRECT_BUFFER packet.
//
// Segments are carved from a larger allocation that is reused across
// flushes until it runs out of space.
type Stream struct {
	cs   *CS
	kind ibType

	// cur is the writable view of the current segment; cdw is the write
	// cursor and maxDW the usable capacity, excluding the epilog.
	cur    []uint32
	cdw    int
	maxDW  int
	prevDW int
	prev   []segment
	gpuVA  uint64

	// big is the allocation segments are carved from, used the number of
	// bytes consumed by finalized streams.
	big      *Buffer
	bigWords []uint32
	used     uint64

	// peak is the largest stream seen in dwords, decayed every cycle.
	peak uint32
	// maxReserve is the largest reservation seen in bytes, with margin.
	maxReserve uint32

	maxSubmitDW uint32

	// The pending size word is either in the IB descriptor or in the chain
	// packet at the end of the previous segment.
	sizeDesc *uint32
	sizeSeg  []uint32
	sizeIdx  int
	sizeInIB bool

	// segments are the allocations this cycle's segments live in.
	segments []*Buffer
	// retired are replaced allocations waiting for their last use to finish.
	retired []*Buffer
}

func newStream(cs *CS, kind ibType, maxSubmitDW uint32) *Stream {
	return &Stream{cs: cs, kind: kind, maxSubmitDW: maxSubmitDW}
}

func nextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// DW returns the number of dwords written in this cycle, across segments.
func (s *Stream) DW() int {
	return s.prevDW + s.cdw
}

// Remaining returns the free dwords in the current segment.
func (s *Stream) Remaining() int {
	return max(s.maxDW-s.cdw, 0)
}

// PeakDW returns the decayed historical peak stream size in dwords.
func (s *Stream) PeakDW() uint32 {
	return s.peak
}

// SegmentCount returns the number of segments of the current cycle.
func (s *Stream) SegmentCount() int {
	if s.cur == nil {
		return 0
	}
	return len(s.prev) + 1
}

// GPUAddress returns the VA of the current segment.
func (s *Stream) GPUAddress() uint64 {
	return s.gpuVA
}

// Current returns the words written to the current segment.
// The slice aliases device memory and is valid until the next flush.
func (s *Stream) Current() []uint32 {
	return s.cur[:min(s.cdw, len(s.cur))]
}

// emit writes one word. Writes past the segment are counted but not
// stored; the overflow is detected and the stream dropped at flush.
func (s *Stream) emit(w uint32) {
	if s.cdw < len(s.cur) {
		s.cur[s.cdw] = w
	}
	s.cdw++
}

// Append writes words at the cursor. Callers reserve space first; writing
// beyond a reservation overflows the stream.
func (s *Stream) Append(words ...uint32) {
	if end := s.cdw + len(words); end <= len(s.cur) {
		copy(s.cur[s.cdw:end], words)
		s.cdw = end
		return
	}
	for _, w := range words {
		s.emit(w)
	}
}

// Reserve ensures that n more dwords fit the current segment, chaining to a
// new segment if needed.
//
// Reserve fails with ErrCapacityExceeded when the submission would exceed
// its size limit, when the ring cannot chain and the segment is full, or
// when n dwords cannot fit any segment.
func (s *Stream) Reserve(n int) error {
	return s.reserve(n, false)
}

// Chain forces the stream onto a new segment of at least n dwords,
// ignoring the submission size limit.
func (s *Stream) Chain(n int) error {
	return s.reserve(n, true)
}

func (s *Stream) reserve(dw int, force bool) error {
	if s.cs.destroyed.Load() {
		return ErrDestroyed
	}
	if dw < 0 {
		return fmt.Errorf("%w: negative reservation %d", ErrCapacityExceeded, dw)
	}
	if s.cur == nil {
		if err := s.begin(); err != nil {
			return err
		}
	}

	cs := s.cs
	maxSegment := cs.ws.opts.maxSegmentBytes
	epilog := cs.epilogDW()
	requested := uint64(s.prevDW+s.cdw) + uint64(dw)
	need := uint64(dw+epilog) * 4

	if need > maxSegment {
		return fmt.Errorf("%w: %d dwords exceed the %d byte segment limit", ErrCapacityExceeded, dw, maxSegment)
	}

	// 125% of the size for the IB epilog.
	safe := min(need+need/4, maxSegment)
	s.maxReserve = max(s.maxReserve, uint32(safe))

	if !force {
		if requested > uint64(s.maxSubmitDW) {
			return fmt.Errorf("%w: %d dwords exceed the submission limit of %d",
				ErrCapacityExceeded, requested, s.maxSubmitDW)
		}

		s.peak = max(s.peak, uint32(requested))

		if s.maxDW-s.cdw >= dw {
			return nil
		}
	}

	if !cs.chaining {
		return fmt.Errorf("%w: %d dwords do not fit and the %s ring cannot chain",
			ErrCapacityExceeded, dw, cs.ring)
	}

	if err := s.newBuffer(); err != nil {
		return err
	}

	va := s.big.va

	// The epilog was reserved for this packet.
	s.maxDW += epilog

	for s.cdw&7 != 4 {
		s.emit(nopType3)
	}
	s.emit(pkt3(pkt3IndirectBufferCIK, 2, 0))
	s.emit(uint32(va))
	s.emit(uint32(va >> 32))
	sizeIdx := s.cdw
	s.emit(0)

	s.setSize()
	s.sizeSeg = s.cur
	s.sizeIdx = sizeIdx
	s.sizeInIB = true

	s.prev = append(s.prev, segment{words: s.cur[:s.cdw], va: s.gpuVA})
	s.prevDW += s.cdw
	s.cdw = 0

	s.cur = s.bigWords
	s.maxDW = len(s.cur) - epilog
	s.gpuVA = va
	s.segments = append(s.segments, s.big)

	slogger().Debug("winsys: chained segment",
		"ring", cs.ring.String(), "ib", s.kind.String(), "segments", len(s.prev)+1, "dw", dw)
	return nil
}

// newBuffer replaces the segment allocation. The new allocation is at least
// as large as the biggest stream seen, rounded to a power of two, and four
// times larger when the ring cannot chain.
func (s *Stream) newBuffer() error {
	cs := s.cs
	ws := cs.ws

	var size uint64
	if cs.chaining {
		size = 4 * nextPow2(uint64(s.peak))
	} else {
		size = 4 * nextPow2(4*uint64(s.peak))
	}

	minSize := max(uint64(s.maxReserve), ws.opts.minSegmentBytes)
	size = min(size, ws.opts.maxSegmentBytes)
	size = max(size, minSize)

	alloc, err := ws.dev.AllocBuffer(BufferDesc{
		Label:     "ib-" + cs.ring.String() + "-" + s.kind.String(),
		Size:      size,
		Alignment: uint64(ws.info.GARTPageSize),
		Domain:    DomainGTT,
		Mapped:    true,
	})
	if err != nil {
		return fmt.Errorf("%w: segment of %d bytes: %w", ErrAllocationFailure, size, err)
	}
	if uint64(len(alloc.Words))*4 < size {
		_ = ws.dev.FreeBuffer(alloc.Handle)
		return fmt.Errorf("%w: segment of %d bytes is not CPU mapped", ErrAllocationFailure, size)
	}

	if s.big != nil {
		s.retired = append(s.retired, s.big)
	}
	s.big = ws.wrapAllocation(alloc, true)
	s.bigWords = alloc.Words[:size/4]
	s.used = 0

	ws.metrics.segmentAllocated(cs.ring, size)
	slogger().Debug("winsys: new segment allocation",
		"ring", cs.ring.String(), "ib", s.kind.String(), "bytes", size)
	return nil
}

// begin starts a fresh stream in the current submission context.
func (s *Stream) begin() error {
	cs := s.cs
	info := &cs.csc.ib[s.kind]

	// Always allocate at least the biggest reservation seen, because the
	// first reservation of the stream may request exactly that.
	ibSize := max(uint64(minIBSize), uint64(s.maxReserve))
	if !cs.chaining {
		ibSize = max(ibSize, 4*min(nextPow2(uint64(s.peak)), uint64(s.maxSubmitDW)))
	}

	s.peak -= s.peak / 32

	s.prevDW = 0
	clear(s.prev)
	s.prev = s.prev[:0]
	s.cdw = 0
	s.cur = nil
	s.maxDW = 0
	s.sizeDesc = nil
	s.sizeSeg = nil
	s.sizeInIB = false
	clear(s.segments)
	s.segments = s.segments[:0]

	s.reclaim()

	if s.big == nil || s.used+ibSize > s.big.size {
		if err := s.newBuffer(); err != nil {
			return err
		}
	}

	info.VAStart = s.big.va + s.used
	info.IBBytes = 0
	s.sizeDesc = &info.IBBytes

	s.cur = s.bigWords[s.used/4:]
	s.maxDW = len(s.cur) - cs.epilogDW()
	s.gpuVA = info.VAStart
	s.segments = append(s.segments, s.big)
	return nil
}

// setSize writes the dword count of the current segment to the pending
// size location: a plain count in the IB descriptor, or a count with the
// chain and valid bits in the previous segment's chain packet.
func (s *Stream) setSize() {
	switch {
	case s.sizeInIB:
		s.sizeSeg[s.sizeIdx] = uint32(s.cdw) | ibSizeChain | ibSizeValid
	case s.sizeDesc != nil:
		*s.sizeDesc = uint32(s.cdw)
	}
}

// finalize closes the stream for submission.
func (s *Stream) finalize() {
	s.setSize()
	s.used += uint64(s.cdw) * 4
	s.used = alignUp(s.used, s.cs.ibAlign)
	s.peak = max(s.peak, uint32(s.prevDW+s.cdw))
}

// overflowed reports whether words were written past the segment.
func (s *Stream) overflowed() bool {
	return s.cdw > s.maxDW
}

// reclaim frees replaced allocations that are no longer in use.
func (s *Stream) reclaim() {
	kept := 0
	for _, b := range s.retired {
		if b.CSReferences() != 0 || !b.isIdle() {
			s.retired[kept] = b
			kept++
			continue
		}
		if err := b.Destroy(); err != nil {
			slogger().Warn("winsys: free segment allocation failed", "err", err)
		}
	}
	clear(s.retired[kept:])
	s.retired = s.retired[:kept]
}

// destroy frees all allocations of the stream.
func (s *Stream) destroy() {
	for _, b := range append(s.retired, s.big) {
		if b == nil {
			continue
		}
		if err := b.Destroy(); err != nil {
			slogger().Warn("winsys: free segment allocation failed", "err", err)
		}
	}
	s.retired = nil
	s.big = nil
	s.bigWords = nil
	s.cur = nil
}
