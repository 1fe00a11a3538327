package winsys

import "fmt"

// DependencyFlags modify how AddFenceDependency lists a fence.
type DependencyFlags uint32

// Dependency flags.
const (
	// DependencyParallelComputeOnly makes only the parallel compute stream
	// wait for the fence.
	DependencyParallelComputeOnly DependencyFlags = 1 << 0

	// DependencyStartFence waits for the fence's submission to start rather
	// than complete. Only valid with DependencyParallelComputeOnly, and only
	// honoured when the kernel supports scheduled dependencies.
	DependencyStartFence DependencyFlags = 1 << 1
)

// fenceList is a list of referenced fences reused across cycles.
type fenceList []*Fence

func (l *fenceList) add(f *Fence) {
	*l = append(*l, f.Reference())
}

func (l *fenceList) clear() {
	for i, f := range *l {
		f.Release()
		(*l)[i] = nil
	}
	*l = (*l)[:0]
}

// isNoopDependency reports whether waiting for f is implied for the next
// submission of cs. Submissions on one ring execute in order, so a fence
// from the same context and ring needs no dependency when the ring type is
// GFX or has a single ring. Otherwise the fence is elided only if it already
// signalled. Syncobj fences are never elided by ring identity.
func (cs *CS) isNoopDependency(f *Fence) bool {
	ib := &cs.csc.ib[ibMain]

	if (cs.ring == RingGFX || cs.ws.info.NumRings[cs.ring] == 1) &&
		!f.IsSyncobj() &&
		f.ctx == cs.ctx &&
		f.ring.IP == ib.IPType &&
		f.ring.Instance == ib.IPInstance &&
		f.ring.Ring == ib.Ring {
		return true
	}

	return f.Wait(0)
}

// AddFenceDependency makes the next submission wait for f.
//
// The call blocks until f has been submitted, because the sequence number
// of a ring fence is assigned by the transport worker of its stream.
func (cs *CS) AddFenceDependency(f *Fence, flags DependencyFlags) error {
	if cs.destroyed.Load() {
		return ErrDestroyed
	}
	if f == nil {
		return fmt.Errorf("%w: nil fence", ErrInvalidDependency)
	}

	sc := cs.csc
	f.submitted.Wait()

	if flags&DependencyParallelComputeOnly != 0 {
		if f.IsSyncobj() {
			return fmt.Errorf("%w: parallel compute dependencies must be ring fences", ErrInvalidDependency)
		}
		if cs.ws.info.HasScheduledFenceDependency && flags&DependencyStartFence != 0 {
			sc.computeStartDeps.add(f)
		} else {
			sc.computeDeps.add(f)
		}
		return nil
	}

	if flags&DependencyStartFence != 0 {
		return fmt.Errorf("%w: start fences only apply to the parallel compute stream", ErrInvalidDependency)
	}

	if cs.isNoopDependency(f) {
		cs.ws.metrics.fenceElided(cs.ring)
		return nil
	}

	if f.IsSyncobj() {
		sc.syncobjDeps.add(f)
	} else {
		sc.fenceDeps.add(f)
	}
	return nil
}

// AddSyncobjSignal makes the next submission signal the syncobj fence f.
func (cs *CS) AddSyncobjSignal(f *Fence) error {
	if cs.destroyed.Load() {
		return ErrDestroyed
	}
	if f == nil || !f.IsSyncobj() {
		return ErrNotSyncobj
	}
	cs.csc.syncobjSignals.add(f)
	return nil
}

// addBufferFenceDependencies filters the fences attached to a referenced
// buffer. Elided fences are pruned from the buffer; survivors become
// dependencies of sc if the reference is synchronized.
//
// Must be called with the winsys fence lock held.
func (cs *CS) addBufferFenceDependencies(sc *submissionContext, e *bufferEntry) {
	b := e.buf
	kept := 0

	for _, f := range b.fences {
		if cs.isNoopDependency(f) {
			cs.ws.metrics.fenceElided(cs.ring)
			f.Release()
			continue
		}

		b.fences[kept] = f
		kept++

		if e.usage&UsageSynchronized == 0 {
			continue
		}
		sc.fenceDeps.add(f)
	}

	clear(b.fences[kept:])
	b.fences = b.fences[:kept]
}

// attachFence appends f to the buffer's fence list. When a fence cap is
// configured, the oldest fences are dropped to make room.
//
// Must be called with the winsys fence lock held.
func (ws *Winsys) attachFence(b *Buffer, f *Fence) {
	if limit := ws.opts.maxBufferFences; limit > 0 && len(b.fences) >= limit {
		drop := len(b.fences) - limit + 1
		for _, old := range b.fences[:drop] {
			old.Release()
		}
		n := copy(b.fences, b.fences[drop:])
		clear(b.fences[n:])
		b.fences = b.fences[:n]

		slogger().Warn("winsys: buffer fence list full, dropping oldest fences",
			"buffer", b.id, "dropped", drop, "limit", limit)
		ws.metrics.droppedFences(drop)
	}

	b.fences = append(b.fences, f.Reference())
}

// propagateFences resolves the per-buffer dependencies of sc and attaches
// its fence to every referenced buffer.
//
// Must be called with the winsys fence lock held.
func (cs *CS) propagateFences(sc *submissionContext) {
	t := sc.buffers
	for _, list := range [][]bufferEntry{t.real, t.slab, t.sparse} {
		for i := range list {
			e := &list[i]
			cs.addBufferFenceDependencies(sc, e)
			e.buf.activeSubmissions.Add(1)
			cs.ws.attachFence(e.buf, sc.fence)
		}
	}
}
