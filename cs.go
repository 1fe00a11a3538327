package winsys

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gogpu/winsys/internal/queue"
)

// FlushFlags modify Flush.
type FlushFlags uint32

// Flush flags.
const (
	// FlushAsync returns as soon as the submission is queued. Errors are
	// then only visible through the fence and the context's rejection count.
	FlushAsync FlushFlags = 1 << 0
)

// submissionContext is everything one submission needs. A command stream
// owns two: the front one accumulates the next submission while the back
// one is in transport or idle.
type submissionContext struct {
	ib      [numIBTypes]IBInfo
	buffers *bufferTable

	fenceDeps        fenceList
	syncobjDeps      fenceList
	syncobjSignals   fenceList
	computeDeps      fenceList
	computeStartDeps fenceList

	fence *Fence
	err   error
}

func (sc *submissionContext) init(ws *Winsys, ring RingType, ringIndex uint32) {
	sc.ib[ibMain] = IBInfo{IPType: ring.IPType(), Ring: ringIndex}
	if (ring == RingGFX || ring == RingCompute) && ws.info.DRMMinor >= 26 {
		// Cache invalidation belongs at the start of the next IB.
		sc.ib[ibMain].Flags = IBFlagTCWBNotInvalidate
	}
	sc.ib[ibParallelCompute] = IBInfo{IPType: IPCompute, Flags: IBFlagTCWBNotInvalidate}
	sc.buffers = newBufferTable()
}

// cleanup drops every reference of the submission.
func (sc *submissionContext) cleanup() {
	sc.buffers.reset()
	sc.fenceDeps.clear()
	sc.syncobjDeps.clear()
	sc.syncobjSignals.clear()
	sc.computeDeps.clear()
	sc.computeStartDeps.clear()
	sc.fence.Release()
	sc.fence = nil
}

// CS is a command stream: a pipeline that builds submissions for one ring
// and hands them to its own transport worker.
//
// A CS is not safe for concurrent use; one producer builds and flushes it.
// Different command streams may be used concurrently, also when they share
// buffers.
type CS struct {
	ws   *Winsys
	ctx  *Context
	ring RingType

	stopOnFailure bool
	chaining      bool
	ibAlign       uint64

	// csc is the front context being filled, cst the one in transport.
	csc      *submissionContext
	cst      *submissionContext
	contexts [2]submissionContext

	main    *Stream
	compute *Stream

	nextFence *Fence

	// flushCompleted is signalled when the last queued transport finished.
	flushCompleted *queue.Event
	queue          *queue.Queue

	fenceChunk FenceInfo

	// Scratch reused by the transport worker.
	boList     []BOListEntry
	chunks     []Chunk
	chunkBytes []byte

	destroyed atomic.Bool
}

// CreateCS creates a command stream for the given ring type.
func (c *Context) CreateCS(ring RingType, opts ...CSOption) (*CS, error) {
	if c.destroyed.Load() {
		return nil, ErrDestroyed
	}
	if ring >= NumRingTypes {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRing, ring)
	}

	o := defaultCSOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ws := c.ws
	cs := &CS{
		ws:             ws,
		ctx:            c,
		ring:           ring,
		stopOnFailure:  o.stopOnFailure,
		chaining:       ws.info.ChipClass >= GFX7 && (ring == RingGFX || ring == RingCompute),
		ibAlign:        uint64(max(ws.info.IBStartAlignment, minIBAlignment)),
		flushCompleted: queue.NewEvent(true),
		queue:          queue.New("cs-"+ring.String(), 1),
		fenceChunk: FenceInfo{
			Handle: c.userFence.Handle,
			Offset: uint32(ring) * 8,
		},
	}
	cs.ibAlign = nextPow2(cs.ibAlign)

	cs.contexts[0].init(ws, ring, o.ringIndex)
	cs.contexts[1].init(ws, ring, o.ringIndex)
	cs.csc = &cs.contexts[0]
	cs.cst = &cs.contexts[1]

	cs.main = newStream(cs, ibMain, o.maxSubmitDW)
	if err := cs.main.begin(); err != nil {
		cs.queue.Close()
		return nil, err
	}

	c.ref()
	ws.numCS.Add(1)
	return cs, nil
}

// epilogDW returns the dwords each segment keeps free for the chain packet.
func (cs *CS) epilogDW() int {
	if cs.chaining {
		return chainEpilogDW
	}
	return 0
}

// Ring returns the ring type of the stream.
func (cs *CS) Ring() RingType { return cs.ring }

// Context returns the context the stream belongs to.
func (cs *CS) Context() *Context { return cs.ctx }

// Main returns the main instruction stream.
func (cs *CS) Main() *Stream { return cs.main }

// ParallelCompute returns the parallel compute stream, or nil.
func (cs *CS) ParallelCompute() *Stream { return cs.compute }

// HasChaining reports whether the stream can chain segments.
func (cs *CS) HasChaining() bool { return cs.chaining }

// Reserve reserves n dwords in the main stream.
func (cs *CS) Reserve(n int) error { return cs.main.Reserve(n) }

// Append writes words to the main stream.
func (cs *CS) Append(words ...uint32) { cs.main.Append(words...) }

// AddParallelCompute adds a compute stream that is submitted ahead of the
// main stream on every flush. Only GFX streams support it, and only once.
// gdsOrderedAppend resets the GDS wave ID counter at the start of the
// compute stream.
func (cs *CS) AddParallelCompute(gdsOrderedAppend bool) (*Stream, error) {
	if cs.ring != RingGFX {
		return nil, fmt.Errorf("%w: %s ring", ErrParallelCompute, cs.ring)
	}
	if cs.compute != nil {
		return nil, fmt.Errorf("%w: already added", ErrParallelCompute)
	}

	s := newStream(cs, ibParallelCompute, math.MaxUint32)
	if err := s.begin(); err != nil {
		return nil, err
	}

	if gdsOrderedAppend {
		cs.contexts[0].ib[ibParallelCompute].Flags |= IBFlagResetGDSMaxWaveID
		cs.contexts[1].ib[ibParallelCompute].Flags |= IBFlagResetGDSMaxWaveID
	}
	cs.compute = s
	return s, nil
}

// AddBuffer references buf from the next submission and returns its index
// in the buffer list. Repeated references accumulate usage and priority.
// Slab buffers return the index of the real buffer they belong to.
func (cs *CS) AddBuffer(buf *Buffer, usage Usage, prio Priority) int {
	return cs.csc.buffers.add(buf, usage, prio)
}

// IsBufferReferenced reports whether the next submission references buf
// with any of the usage bits. A zero usage matches any reference.
func (cs *CS) IsBufferReferenced(buf *Buffer, usage Usage) bool {
	return cs.csc.buffers.isReferenced(buf, usage)
}

// BufferListItem describes one real buffer of the next submission.
type BufferListItem struct {
	Handle        BOHandle
	Size          uint64
	VA            uint64
	Usage         Usage
	PriorityUsage uint32
}

// BufferList returns the real buffers of the next submission.
func (cs *CS) BufferList() []BufferListItem {
	t := cs.csc.buffers
	items := make([]BufferListItem, len(t.real))
	for i := range t.real {
		e := &t.real[i]
		items[i] = BufferListItem{
			Handle:        e.buf.handle,
			Size:          e.buf.size,
			VA:            e.buf.va,
			Usage:         e.usage,
			PriorityUsage: e.priorityUsage,
		}
	}
	return items
}

// UsedVRAM returns the VRAM bytes referenced by the next submission.
func (cs *CS) UsedVRAM() uint64 { return cs.csc.buffers.usedVRAM }

// UsedGTT returns the GTT bytes referenced by the next submission.
func (cs *CS) UsedGTT() uint64 { return cs.csc.buffers.usedGTT }

// NextFence returns the fence the next flush will produce. The caller owns
// the returned reference.
func (cs *CS) NextFence() *Fence {
	if cs.ws.opts.noop {
		return cs.signalledFence()
	}
	if cs.nextFence == nil {
		cs.nextFence = newRingFence(cs.ctx, &cs.csc.ib[ibMain])
	}
	return cs.nextFence.Reference()
}

// signalledFence returns a fence for a flush that submitted nothing.
func (cs *CS) signalledFence() *Fence {
	f := newRingFence(cs.ctx, &cs.csc.ib[ibMain])
	f.markSignalled()
	return f
}

// SyncFlush waits until the last queued submission finished transport.
func (cs *CS) SyncFlush() {
	cs.flushCompleted.Wait()
}

// pad aligns the end of the main stream to the fetch granularity of the
// ring, and the parallel compute stream to 8 dwords.
func (cs *CS) pad() {
	s := cs.main
	info := &cs.ws.info

	switch cs.ring {
	case RingDMA:
		if info.ChipClass <= GFX6 {
			for s.cdw&7 != 0 {
				s.emit(nopDMA)
			}
		}
	case RingGFX, RingCompute:
		nop := nopType3
		if info.GfxIBPadWithType2 {
			nop = nopType2
		}
		for s.cdw&7 != 0 {
			s.emit(nop)
		}
		if c := cs.compute; c != nil {
			for c.cdw&7 != 0 {
				c.emit(nopType3)
			}
		}
	case RingUVD, RingUVDEnc:
		for s.cdw&15 != 0 {
			s.emit(nopType2)
		}
	case RingVCNJPEG:
		if s.cdw%2 != 0 {
			slogger().Warn("winsys: JPEG stream has odd length", "dw", s.cdw)
		}
		for s.cdw&15 != 0 {
			s.emit(nopJPEG)
			s.emit(nopJPEGBody)
		}
	case RingVCNDec:
		for s.cdw&15 != 0 {
			s.emit(nopVCNDec)
		}
	}
}

// addSegmentBuffers references this cycle's segment allocations.
func (cs *CS) addSegmentBuffers() {
	for _, s := range []*Stream{cs.main, cs.compute} {
		if s == nil {
			continue
		}
		for _, b := range s.segments {
			cs.csc.buffers.add(b, UsageRead, PrioIB1)
		}
	}
}

// Flush submits the stream built so far and starts a new one.
//
// The returned fence signals when the submission completes. Unless
// FlushAsync is set, Flush waits for the transport and returns its error:
// ErrCanceled for a lost fail-fast stream, or an error wrapping
// ErrSubmissionRejected and the device error.
//
// A stream with nothing written is not submitted; its buffer references are
// dropped and the returned fence is already signalled. A stream written past
// its segment is dropped the same way, and Flush returns an error wrapping
// ErrCapacityExceeded alongside the signalled fence.
func (cs *CS) Flush(flags FlushFlags) (*Fence, error) {
	if cs.destroyed.Load() {
		return nil, ErrDestroyed
	}

	ws := cs.ws
	s := cs.main

	s.maxDW += cs.epilogDW()
	cs.pad()

	var (
		fence *Fence
		err   error
	)

	if s.overflowed() {
		slogger().Warn("winsys: command stream overflowed, dropping it",
			"ring", cs.ring.String(), "dw", s.cdw, "capacity", s.maxDW)
		err = fmt.Errorf("%w: stream overflowed, %d dwords written into %d", ErrCapacityExceeded, s.cdw, s.maxDW)
	}

	if s.DW() > 0 && !s.overflowed() && !ws.opts.noop {
		cur := cs.csc

		cs.addSegmentBuffers()

		s.finalize()
		if cs.compute != nil {
			cs.compute.finalize()
		}

		cur.fence.Release()
		if cs.nextFence != nil {
			cur.fence = cs.nextFence
			cs.nextFence = nil
		} else {
			cur.fence = newRingFence(cs.ctx, &cur.ib[ibMain])
		}
		fence = cur.fence.Reference()

		if cs.ring == RingGFX {
			ws.stats.gfxIBBytes.Add(uint64(s.DW()) * 4)
		}

		cs.SyncFlush()

		// Fence dependency updates must happen in submission order, so the
		// lock is held until the job is queued.
		ws.boFenceMu.Lock()
		cs.propagateFences(cur)

		cs.csc, cs.cst = cs.cst, cur

		if !cs.queue.Add(func() { cs.submit(cur) }, cs.flushCompleted) {
			// The queue only stops after Destroy.
			cs.submit(cur)
		}
		ws.boFenceMu.Unlock()

		if flags&FlushAsync == 0 {
			cs.SyncFlush()
			err = cur.err
		}
	} else {
		cs.csc.cleanup()
		ws.metrics.emptyFlush(cs.ring)
		fence = cs.signalledFence()
	}

	if berr := s.begin(); berr != nil {
		slogger().Error("winsys: cannot start a new stream", "ring", cs.ring.String(), "err", berr)
	}
	if cs.compute != nil {
		if berr := cs.compute.begin(); berr != nil {
			slogger().Error("winsys: cannot start a new compute stream", "err", berr)
		}
	}

	switch cs.ring {
	case RingGFX:
		ws.stats.gfxIBs.Add(1)
	case RingDMA:
		ws.stats.sdmaIBs.Add(1)
	}

	return fence, err
}

// Destroy waits for the outstanding submission and frees the stream. The
// context stays alive until its fences are released.
func (cs *CS) Destroy() {
	if !cs.destroyed.CompareAndSwap(false, true) {
		return
	}

	cs.SyncFlush()
	cs.queue.Close()

	cs.contexts[0].cleanup()
	cs.contexts[1].cleanup()

	cs.main.destroy()
	if cs.compute != nil {
		cs.compute.destroy()
	}

	cs.nextFence.Release()
	cs.nextFence = nil

	cs.ws.numCS.Add(-1)
	cs.ctx.unref()
}
