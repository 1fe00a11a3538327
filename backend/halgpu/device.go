// Package halgpu implements winsys.Device on top of a gogpu/wgpu HAL device.
//
// Instruction buffers live in host memory and are staged into HAL buffers
// when submitted. Every ring sequence number maps to the submission index
// the HAL queue returned for it, and a fence has signalled once
// Queue.PollCompleted reaches that index. Dependencies are resolved on the
// host before the submission reaches the queue.
package halgpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/winsys"
	"github.com/gogpu/winsys/internal/syncobj"
)

// Errors returned by the HAL device.
var (
	ErrNoAdapter    = errors.New("halgpu: no adapter available")
	ErrInvalid      = errors.New("halgpu: invalid request")
	ErrUnknownFence = errors.New("halgpu: unknown fence")
	ErrTimeout      = errors.New("halgpu: dependency wait timed out")
)

// dependencyTimeout bounds host waits for dependencies of a submission.
const dependencyTimeout = 5 * time.Second

// pollInterval is the sleep between queue completion polls.
const pollInterval = 50 * time.Microsecond

// DefaultInfo returns the properties reported for a HAL device. HAL exposes
// a single queue, so every ring type has one ring.
func DefaultInfo() winsys.Info {
	info := winsys.Info{
		Name:                        "hal",
		ChipClass:                   winsys.GFX9,
		DRMMinor:                    34,
		IBStartAlignment:            256,
		GARTPageSize:                4096,
		HasScheduledFenceDependency: false,
	}
	for i := range info.NumRings {
		info.NumRings[i] = 1
	}
	return info
}

// Option configures a Device.
type Option func(*Device)

// WithInfo overrides the reported device properties.
func WithInfo(info winsys.Info) Option {
	return func(d *Device) { d.info = info }
}

type allocation struct {
	buf   hal.Buffer
	va    uint64
	size  uint64
	words []uint32
}

type ringKey struct {
	ctx winsys.ContextHandle
	ip  winsys.IPType
	idx uint32
}

type ring struct {
	submitted uint64
	// inflight holds command buffers until their sequence number passes.
	inflight []inflight
	// userFence is written when a query observes completion.
	userFence *atomic.Uint64
}

type inflight struct {
	seq   uint64
	index uint64 // queue submission index
	cb    hal.CommandBuffer
}

// pending returns the queue submission index of seq, or false when seq has
// already retired.
func (r *ring) pending(seq uint64) (uint64, bool) {
	for _, in := range r.inflight {
		if in.seq == seq {
			return in.index, true
		}
	}
	return 0, false
}

// Device is a winsys.Device backed by a HAL device and queue.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	dev   hal.Device
	queue hal.Queue
	info  winsys.Info

	release func()

	mu          sync.Mutex
	nextContext uint32
	nextHandle  uint32
	nextList    uint32
	nextVA      uint64

	contexts    map[winsys.ContextHandle]struct{}
	allocs      map[winsys.BOHandle]*allocation
	userFences  map[winsys.BOHandle]*winsys.UserFenceMemory
	bufferLists map[winsys.BufferListHandle][]winsys.BOListEntry
	rings       map[ringKey]*ring

	syncobjs *syncobj.Table
}

// New wraps an open HAL device and its queue.
func New(dev hal.Device, queue hal.Queue, opts ...Option) *Device {
	d := &Device{
		dev:         dev,
		queue:       queue,
		info:        DefaultInfo(),
		nextVA:      1 << 32,
		contexts:    make(map[winsys.ContextHandle]struct{}),
		allocs:      make(map[winsys.BOHandle]*allocation),
		userFences:  make(map[winsys.BOHandle]*winsys.UserFenceMemory),
		bufferLists: make(map[winsys.BufferListHandle][]winsys.BOListEntry),
		rings:       make(map[ringKey]*ring),
		syncobjs:    syncobj.NewTable(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OpenNoop opens the first adapter of the HAL noop backend. It needs no GPU
// and is what tests and dry runs use.
func OpenNoop(opts ...Option) (*Device, error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("halgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halgpu: open adapter: %w", err)
	}

	d := New(open.Device, open.Queue, opts...)
	d.release = func() {
		open.Device.Destroy()
		instance.Destroy()
	}
	winsys.Logger().Info("halgpu: opened noop adapter")
	return d, nil
}

// Close releases every HAL object of the device.
func (d *Device) Close() {
	d.mu.Lock()
	for _, r := range d.rings {
		for _, in := range r.inflight {
			d.dev.FreeCommandBuffer(in.cb)
		}
	}
	d.rings = make(map[ringKey]*ring)
	for h, a := range d.allocs {
		d.dev.DestroyBuffer(a.buf)
		delete(d.allocs, h)
	}
	release := d.release
	d.release = nil
	d.mu.Unlock()

	if release != nil {
		release()
	}
}

// Info implements winsys.Device.
func (d *Device) Info() winsys.Info { return d.info }

// CreateContext implements winsys.Device.
func (d *Device) CreateContext() (winsys.ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextContext++
	h := winsys.ContextHandle(d.nextContext)
	d.contexts[h] = struct{}{}
	return h, nil
}

// FreeContext implements winsys.Device.
func (d *Device) FreeContext(ctx winsys.ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[ctx]; !ok {
		return fmt.Errorf("%w: context %d", ErrInvalid, ctx)
	}
	delete(d.contexts, ctx)
	for k, r := range d.rings {
		if k.ctx != ctx {
			continue
		}
		for _, in := range r.inflight {
			d.dev.FreeCommandBuffer(in.cb)
		}
		delete(d.rings, k)
	}
	return nil
}

// QueryResetState implements winsys.Device. HAL reports device loss
// through errors, so a context is never reset by itself.
func (d *Device) QueryResetState(winsys.ContextHandle) (winsys.ResetStatus, error) {
	return winsys.NoReset, nil
}

// AllocBuffer implements winsys.Device. The HAL buffer receives the host
// words when an IB in it is submitted.
func (d *Device) AllocBuffer(desc winsys.BufferDesc) (winsys.Allocation, error) {
	if desc.Size == 0 {
		return winsys.Allocation{}, fmt.Errorf("%w: zero size buffer", ErrInvalid)
	}
	size := (desc.Size + 3) &^ 3

	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc | gputypes.BufferUsageStorage,
	})
	if err != nil {
		return winsys.Allocation{}, fmt.Errorf("halgpu: create buffer %q: %w", desc.Label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	align := max(desc.Alignment, uint64(d.info.GARTPageSize), 1)
	va := (d.nextVA + align - 1) &^ (align - 1)
	d.nextVA = va + size

	d.nextHandle++
	h := winsys.BOHandle(d.nextHandle)
	a := &allocation{buf: buf, va: va, size: size}
	if desc.Mapped {
		a.words = make([]uint32, size/4)
	}
	d.allocs[h] = a

	domain := desc.Domain
	if domain == 0 {
		domain = winsys.DomainGTT
	}
	return winsys.Allocation{Handle: h, VA: va, Size: size, Domain: domain, Words: a.words}, nil
}

// FreeBuffer implements winsys.Device.
func (d *Device) FreeBuffer(handle winsys.BOHandle) error {
	d.mu.Lock()
	a, ok := d.allocs[handle]
	delete(d.allocs, handle)
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: buffer %d", ErrInvalid, handle)
	}
	d.dev.DestroyBuffer(a.buf)
	return nil
}

// AllocUserFence implements winsys.Device.
func (d *Device) AllocUserFence(slots int) (*winsys.UserFenceMemory, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("%w: %d user fence slots", ErrInvalid, slots)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	mem := &winsys.UserFenceMemory{Handle: winsys.BOHandle(d.nextHandle), Slots: make([]atomic.Uint64, slots)}
	d.userFences[mem.Handle] = mem
	return mem, nil
}

// FreeUserFence implements winsys.Device.
func (d *Device) FreeUserFence(mem *winsys.UserFenceMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.userFences, mem.Handle)
	return nil
}

// CreateBufferList implements winsys.Device.
func (d *Device) CreateBufferList(entries []winsys.BOListEntry) (winsys.BufferListHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextList++
	h := winsys.BufferListHandle(d.nextList)
	d.bufferLists[h] = slices.Clone(entries)
	return h, nil
}

// DestroyBufferList implements winsys.Device.
func (d *Device) DestroyBufferList(h winsys.BufferListHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bufferLists, h)
	return nil
}

// ringLocked returns the ring of k, creating it on first use.
func (d *Device) ringLocked(k ringKey) *ring {
	r, ok := d.rings[k]
	if !ok {
		r = &ring{}
		d.rings[k] = r
	}
	return r
}

// waitIndex polls the queue until it completes index or timeout expires.
func (d *Device) waitIndex(index uint64, timeout time.Duration) bool {
	if d.queue.PollCompleted() >= index {
		return true
	}
	if timeout <= 0 {
		return false
	}
	var deadline time.Time
	if timeout != winsys.Forever {
		deadline = time.Now().Add(timeout)
	}
	for {
		time.Sleep(pollInterval)
		if d.queue.PollCompleted() >= index {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
	}
}

// request is the decoded form of a winsys.Request.
type request struct {
	ib        winsys.IBInfo
	deps      []winsys.RingFence
	syncIn    []winsys.SyncobjHandle
	syncOut   []winsys.SyncobjHandle
	userFence *winsys.FenceInfo
}

func decode(req *winsys.Request) (request, error) {
	var r request
	haveIB := false
	for _, c := range req.Chunks {
		switch c.ID {
		case winsys.ChunkIB:
			ib, err := winsys.DecodeIBInfo(c.Data)
			if err != nil {
				return r, err
			}
			r.ib, haveIB = ib, true
		case winsys.ChunkDependencies, winsys.ChunkScheduledDependencies:
			deps, err := winsys.DecodeDeps(c.Data)
			if err != nil {
				return r, err
			}
			for _, dep := range deps {
				r.deps = append(r.deps, dep.RingFence())
			}
		case winsys.ChunkSyncobjIn:
			hs, err := winsys.DecodeSems(c.Data)
			if err != nil {
				return r, err
			}
			r.syncIn = append(r.syncIn, hs...)
		case winsys.ChunkSyncobjOut:
			hs, err := winsys.DecodeSems(c.Data)
			if err != nil {
				return r, err
			}
			r.syncOut = append(r.syncOut, hs...)
		case winsys.ChunkFence:
			f, err := winsys.DecodeFenceInfo(c.Data)
			if err != nil {
				return r, err
			}
			r.userFence = &f
		case winsys.ChunkBOHandles:
			if _, err := winsys.DecodeBOListIn(c.Data); err != nil {
				return r, err
			}
		default:
			return r, fmt.Errorf("%w: chunk %s", ErrInvalid, c.ID)
		}
	}
	if !haveIB {
		return r, fmt.Errorf("%w: no IB chunk", ErrInvalid)
	}
	return r, nil
}

// Submit implements winsys.Device.
//
// Dependencies are waited for on the host. The IB and the segments it
// chains to are uploaded with Queue.WriteBuffer, then an empty command
// buffer is submitted and its queue index recorded under the new sequence
// number.
func (d *Device) Submit(req *winsys.Request) (uint64, error) {
	r, err := decode(req)
	if err != nil {
		return 0, err
	}

	for _, dep := range r.deps {
		ok, err := d.QueryFence(dep, dependencyTimeout)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: %s seq %d", ErrTimeout, dep.IP, dep.Seq)
		}
	}
	for _, h := range r.syncIn {
		ok, err := d.syncobjs.Wait(uint32(h), dependencyTimeout)
		if err != nil {
			return 0, fmt.Errorf("%w: syncobj %d: %w", ErrInvalid, h, err)
		}
		if !ok {
			return 0, fmt.Errorf("%w: syncobj %d", ErrTimeout, h)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.contexts[req.Context]; !ok {
		return 0, fmt.Errorf("%w: context %d", ErrInvalid, req.Context)
	}
	if err := d.uploadLocked(r.ib); err != nil {
		return 0, err
	}

	rg := d.ringLocked(ringKey{ctx: req.Context, ip: r.ib.IPType, idx: r.ib.Ring})
	if r.userFence != nil {
		if mem, ok := d.userFences[r.userFence.Handle]; ok && int(r.userFence.Offset/8) < len(mem.Slots) {
			rg.userFence = &mem.Slots[r.userFence.Offset/8]
		}
	}

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "winsys-ib"})
	if err != nil {
		return 0, fmt.Errorf("halgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("winsys-ib"); err != nil {
		return 0, fmt.Errorf("halgpu: begin encoding: %w", err)
	}
	cb, err := encoder.EndEncoding()
	if err != nil {
		return 0, fmt.Errorf("halgpu: end encoding: %w", err)
	}

	index, err := d.queue.Submit([]hal.CommandBuffer{cb})
	if err != nil {
		d.dev.FreeCommandBuffer(cb)
		return 0, fmt.Errorf("halgpu: submit: %w", err)
	}
	seq := rg.submitted + 1
	rg.submitted = seq
	rg.inflight = append(rg.inflight, inflight{seq: seq, index: index, cb: cb})

	for _, h := range r.syncOut {
		p := syncobj.NewPoint()
		if err := d.syncobjs.Replace(uint32(h), p); err != nil {
			return 0, fmt.Errorf("%w: syncobj %d: %w", ErrInvalid, h, err)
		}
		go d.signalWhenDone(index, p)
	}

	winsys.Logger().Debug("halgpu: submitted", "ip", r.ib.IPType.String(), "seq", seq, "bytes", r.ib.IBBytes)
	return seq, nil
}

func (d *Device) signalWhenDone(index uint64, p *syncobj.Point) {
	if d.waitIndex(index, winsys.Forever) {
		p.Signal()
	}
}

// uploadLocked copies the IB and every segment it chains to into the HAL
// buffers that back them.
func (d *Device) uploadLocked(ib winsys.IBInfo) error {
	va, n := ib.VAStart, int(ib.IBBytes/4)
	for range 4096 {
		a, off, ok := d.findLocked(va)
		if !ok || a.words == nil || off/4+uint64(n) > uint64(len(a.words)) {
			return fmt.Errorf("%w: IB at %#x is not mapped", ErrInvalid, va)
		}
		words := a.words[off/4 : off/4+uint64(n)]

		data := make([]byte, 0, 4*n)
		for _, w := range words {
			data = binary.LittleEndian.AppendUint32(data, w)
		}
		if len(data) > 0 {
			if err := d.queue.WriteBuffer(a.buf, off, data); err != nil {
				return fmt.Errorf("halgpu: stage IB at %#x: %w", va, err)
			}
		}

		if n < 4 || !winsys.IsChainPacket(words[n-4:]) {
			return nil
		}
		next, dwords := winsys.ChainTarget(words[n-4:])
		va, n = next, int(dwords)
	}
	return fmt.Errorf("%w: IB chain too long", ErrInvalid)
}

func (d *Device) findLocked(va uint64) (*allocation, uint64, bool) {
	for _, a := range d.allocs {
		if va >= a.va && va < a.va+a.size {
			return a, va - a.va, true
		}
	}
	return nil, 0, false
}

// QueryFence implements winsys.Device.
func (d *Device) QueryFence(f winsys.RingFence, timeout time.Duration) (bool, error) {
	if f.Seq == 0 {
		return true, nil
	}

	d.mu.Lock()
	rg, ok := d.rings[ringKey{ctx: f.Context, ip: f.IP, idx: f.Ring}]
	if !ok || f.Seq > rg.submitted {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %s seq %d", ErrUnknownFence, f.IP, f.Seq)
	}
	index, pending := rg.pending(f.Seq)
	d.mu.Unlock()

	if !pending {
		return true, nil
	}
	if !d.waitIndex(index, timeout) {
		return false, nil
	}
	d.retire(f, rg)
	return true, nil
}

// retire frees command buffers up to f and publishes the user fence.
func (d *Device) retire(f winsys.RingFence, rg *ring) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := rg.inflight[:0]
	for _, in := range rg.inflight {
		if in.seq <= f.Seq {
			d.dev.FreeCommandBuffer(in.cb)
			continue
		}
		kept = append(kept, in)
	}
	rg.inflight = kept

	if uf := rg.userFence; uf != nil && uf.Load() < f.Seq {
		uf.Store(f.Seq)
	}
}

// FenceToSyncFile implements winsys.Device.
func (d *Device) FenceToSyncFile(f winsys.RingFence) (int, error) {
	if f.Seq == 0 {
		return d.syncobjs.ExportPoint(syncobj.SignalledPoint()), nil
	}

	d.mu.Lock()
	rg, ok := d.rings[ringKey{ctx: f.Context, ip: f.IP, idx: f.Ring}]
	if !ok || f.Seq > rg.submitted {
		d.mu.Unlock()
		return -1, fmt.Errorf("%w: %s seq %d", ErrUnknownFence, f.IP, f.Seq)
	}
	index, pending := rg.pending(f.Seq)
	d.mu.Unlock()

	if !pending {
		return d.syncobjs.ExportPoint(syncobj.SignalledPoint()), nil
	}
	p := syncobj.NewPoint()
	go d.signalWhenDone(index, p)
	return d.syncobjs.ExportPoint(p), nil
}

// CreateSyncobj implements winsys.Device.
func (d *Device) CreateSyncobj(signaled bool) (winsys.SyncobjHandle, error) {
	return winsys.SyncobjHandle(d.syncobjs.Create(signaled)), nil
}

// DestroySyncobj implements winsys.Device.
func (d *Device) DestroySyncobj(h winsys.SyncobjHandle) error {
	return d.syncobjs.Destroy(uint32(h))
}

// ImportSyncobj implements winsys.Device.
func (d *Device) ImportSyncobj(fd int) (winsys.SyncobjHandle, error) {
	h, err := d.syncobjs.Import(fd)
	return winsys.SyncobjHandle(h), err
}

// ImportSyncFile implements winsys.Device.
func (d *Device) ImportSyncFile(h winsys.SyncobjHandle, fd int) error {
	return d.syncobjs.ImportSyncFile(uint32(h), fd)
}

// ExportSyncFile implements winsys.Device.
func (d *Device) ExportSyncFile(h winsys.SyncobjHandle) (int, error) {
	return d.syncobjs.ExportSyncFile(uint32(h))
}

// WaitSyncobj implements winsys.Device.
func (d *Device) WaitSyncobj(h winsys.SyncobjHandle, timeout time.Duration) (bool, error) {
	return d.syncobjs.Wait(uint32(h), timeout)
}
