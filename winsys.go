package winsys

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/gogpu/winsys"

// Winsys is the submission engine of one device.
//
// It owns the buffer identities, the fence lock that serializes buffer
// fence updates across command streams, and the counters shared by all
// contexts. All methods are safe for concurrent use.
type Winsys struct {
	dev  Device
	info Info
	opts options

	metrics *Metrics
	tracer  trace.Tracer

	// boFenceMu guards the fence lists of all buffers.
	boFenceMu sync.Mutex

	nextBufferID  atomic.Uint32
	numCS         atomic.Int32
	totalRejected atomic.Uint64

	stats struct {
		gfxIBs         atomic.Uint64
		sdmaIBs        atomic.Uint64
		gfxIBBytes     atomic.Uint64
		gfxBOListCount atomic.Uint64
	}
}

// New creates a submission engine for dev.
func New(dev Device, opts ...Option) (*Winsys, error) {
	if dev == nil {
		return nil, ErrNoDevice
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxSegmentBytes < o.minSegmentBytes {
		return nil, fmt.Errorf("%w: maximum segment size %d is below the minimum %d",
			ErrInvalidBuffer, o.maxSegmentBytes, o.minSegmentBytes)
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	ws := &Winsys{
		dev:     dev,
		info:    dev.Info(),
		opts:    o,
		metrics: o.metrics,
		tracer:  tp.Tracer(tracerName),
	}

	slogger().Info("winsys: created",
		"device", ws.info.Name, "chip", ws.info.ChipClass.String(), "drm_minor", ws.info.DRMMinor)
	return ws, nil
}

// Info returns the device properties.
func (ws *Winsys) Info() Info { return ws.info }

// Device returns the underlying device.
func (ws *Winsys) Device() Device { return ws.dev }

// wrapAllocation creates a real buffer for alloc.
func (ws *Winsys) wrapAllocation(alloc Allocation, owned bool) *Buffer {
	return &Buffer{
		ws:     ws,
		id:     ws.nextBufferID.Add(1),
		kind:   KindReal,
		size:   alloc.Size,
		va:     alloc.VA,
		domain: alloc.Domain,
		handle: alloc.Handle,
		owned:  owned,
	}
}

// CreateBuffer allocates a real buffer. Destroy frees the allocation.
func (ws *Winsys) CreateBuffer(size uint64, domain Domain) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero size", ErrInvalidBuffer)
	}
	alloc, err := ws.dev.AllocBuffer(BufferDesc{
		Label:     "buffer",
		Size:      size,
		Alignment: uint64(ws.info.GARTPageSize),
		Domain:    domain,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrAllocationFailure, size, err)
	}
	return ws.wrapAllocation(alloc, true), nil
}

// NewBuffer wraps an allocation made by the caller. Destroy does not free it.
func (ws *Winsys) NewBuffer(alloc Allocation) *Buffer {
	return ws.wrapAllocation(alloc, false)
}

// NewSlabBuffer creates a buffer for a sub-range of a real buffer. The slab
// is listed to the kernel through its real buffer.
func (ws *Winsys) NewSlabBuffer(real *Buffer, offset, size uint64) (*Buffer, error) {
	if real == nil || real.kind != KindReal {
		return nil, fmt.Errorf("%w: slab owner must be a real buffer", ErrInvalidBuffer)
	}
	if size == 0 || offset+size > real.size || offset+size < offset {
		return nil, fmt.Errorf("%w: slab [%d, %d) outside a %d byte buffer",
			ErrInvalidBuffer, offset, offset+size, real.size)
	}
	return &Buffer{
		ws:     ws,
		id:     ws.nextBufferID.Add(1),
		kind:   KindSlab,
		size:   size,
		va:     real.va + offset,
		domain: real.domain,
		real:   real,
	}, nil
}

// NewSparseBuffer creates a virtual range whose memory is attached with
// AttachBacking.
func (ws *Winsys) NewSparseBuffer(va, size uint64, domain Domain) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero size", ErrInvalidBuffer)
	}
	return &Buffer{
		ws:     ws,
		id:     ws.nextBufferID.Add(1),
		kind:   KindSparse,
		size:   size,
		va:     va,
		domain: domain,
	}, nil
}

// CreateSyncobjFence creates a fence backed by a new syncobj.
func (ws *Winsys) CreateSyncobjFence(signaled bool) (*Fence, error) {
	h, err := ws.dev.CreateSyncobj(signaled)
	if err != nil {
		return nil, fmt.Errorf("winsys: create syncobj: %w", err)
	}
	return newSyncobjFence(ws, h), nil
}

// ImportSyncobj imports a shared syncobj descriptor as a fence.
func (ws *Winsys) ImportSyncobj(fd int) (*Fence, error) {
	h, err := ws.dev.ImportSyncobj(fd)
	if err != nil {
		return nil, fmt.Errorf("winsys: import syncobj: %w", err)
	}
	return newSyncobjFence(ws, h), nil
}

// ImportSyncFile imports a sync-file descriptor as a syncobj fence.
func (ws *Winsys) ImportSyncFile(fd int) (*Fence, error) {
	h, err := ws.dev.CreateSyncobj(false)
	if err != nil {
		return nil, fmt.Errorf("winsys: create syncobj: %w", err)
	}
	if err := ws.dev.ImportSyncFile(h, fd); err != nil {
		_ = ws.dev.DestroySyncobj(h)
		return nil, fmt.Errorf("winsys: import sync file: %w", err)
	}
	return newSyncobjFence(ws, h), nil
}

// ExportSyncFile exports f as a sync-file descriptor. A ring fence blocks
// until its submission reached the device.
func (ws *Winsys) ExportSyncFile(f *Fence) (int, error) {
	if f.IsSyncobj() {
		fd, err := ws.dev.ExportSyncFile(f.syncobj)
		if err != nil {
			return -1, fmt.Errorf("winsys: export syncobj: %w", err)
		}
		return fd, nil
	}

	rf := f.RingFence()
	fd, err := ws.dev.FenceToSyncFile(rf)
	if err != nil {
		return -1, fmt.Errorf("winsys: export ring fence %s/%d: %w", rf.IP, rf.Seq, err)
	}
	return fd, nil
}

// ExportSignalledSyncFile returns a sync-file descriptor that is already
// signalled.
func (ws *Winsys) ExportSignalledSyncFile() (int, error) {
	h, err := ws.dev.CreateSyncobj(true)
	if err != nil {
		return -1, fmt.Errorf("winsys: create syncobj: %w", err)
	}
	defer func() { _ = ws.dev.DestroySyncobj(h) }()

	fd, err := ws.dev.ExportSyncFile(h)
	if err != nil {
		return -1, fmt.Errorf("winsys: export syncobj: %w", err)
	}
	return fd, nil
}

// WaitBuffer waits up to timeout until no submission uses buf and reports
// whether it became idle. A zero timeout polls.
func (ws *Winsys) WaitBuffer(buf *Buffer, timeout time.Duration) bool {
	if timeout == 0 {
		return buf.isIdle()
	}

	var deadline time.Time
	if timeout != Forever {
		deadline = time.Now().Add(timeout)
	}

	// Submissions still in transport have not produced a sequence number.
	for buf.activeSubmissions.Load() != 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Microsecond)
	}

	ws.boFenceMu.Lock()
	fences := make([]*Fence, len(buf.fences))
	for i, f := range buf.fences {
		fences[i] = f.Reference()
	}
	ws.boFenceMu.Unlock()

	idle := true
	for _, f := range fences {
		if idle {
			wait := timeout
			if !deadline.IsZero() {
				wait = max(time.Until(deadline), 0)
			}
			idle = f.Wait(wait)
		}
		f.Release()
	}
	if !idle {
		return false
	}

	// Drop fences that are known to be signalled.
	ws.boFenceMu.Lock()
	kept := 0
	for _, f := range buf.fences {
		if f.signalled.Load() {
			f.Release()
			continue
		}
		buf.fences[kept] = f
		kept++
	}
	clear(buf.fences[kept:])
	buf.fences = buf.fences[:kept]
	ws.boFenceMu.Unlock()
	return true
}

// Stats are counters kept across all command streams of a Winsys.
type Stats struct {
	CommandStreams  int
	TotalRejected   uint64
	GfxIBs          uint64
	SDMAIBs         uint64
	GfxIBBytes      uint64
	GfxBufferListed uint64
}

// Stats returns a snapshot of the counters.
func (ws *Winsys) Stats() Stats {
	return Stats{
		CommandStreams:  int(ws.numCS.Load()),
		TotalRejected:   ws.totalRejected.Load(),
		GfxIBs:          ws.stats.gfxIBs.Load(),
		SDMAIBs:         ws.stats.sdmaIBs.Load(),
		GfxIBBytes:      ws.stats.gfxIBBytes.Load(),
		GfxBufferListed: ws.stats.gfxBOListCount.Load(),
	}
}
