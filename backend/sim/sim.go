// Package sim provides an in-memory winsys.Device.
//
// The simulated kernel validates requests the way the real submission
// interface does, follows chained segments through the memory it hands out,
// and records every accepted submission for inspection. Submissions retire
// immediately unless manual retirement is enabled, in which case tests
// drive completion with RetireAll and RetireRing while dependencies are
// honoured.
package sim

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/winsys"
	"github.com/gogpu/winsys/internal/syncobj"
)

// Errors returned by the simulated kernel. They stand in for the errno
// values of the real interface.
var (
	ErrInvalidArgument = errors.New("sim: invalid argument")
	ErrNoContext       = errors.New("sim: no such context")
	ErrNoBuffer        = errors.New("sim: no such buffer")
	ErrUnknownFence    = errors.New("sim: unknown fence")
	ErrFault           = errors.New("sim: address not mapped")
)

// maxChain bounds how many chained segments one IB may span.
const maxChain = 4096

// DefaultInfo returns the properties of the default simulated device: a
// GFX9 part with a recent kernel.
func DefaultInfo() winsys.Info {
	info := winsys.Info{
		Name:                        "sim",
		ChipClass:                   winsys.GFX9,
		DRMMinor:                    34,
		IBStartAlignment:            32,
		GARTPageSize:                4096,
		HasScheduledFenceDependency: true,
	}
	for i := range info.NumRings {
		info.NumRings[i] = 1
	}
	info.NumRings[winsys.RingCompute] = 4
	info.NumRings[winsys.RingDMA] = 2
	return info
}

// Option configures a Device.
type Option func(*Device)

// WithInfo sets the device properties.
func WithInfo(info winsys.Info) Option {
	return func(d *Device) { d.info = info }
}

// WithManualRetire keeps submissions pending until RetireAll or RetireRing.
func WithManualRetire() Option {
	return func(d *Device) { d.manual = true }
}

// Segment is one chained piece of a recorded IB.
type Segment struct {
	VA    uint64
	Words []uint32
}

// Submission is a recorded request accepted by the device.
type Submission struct {
	Context  winsys.ContextHandle
	IP       winsys.IPType
	Instance uint32
	Ring     uint32
	Seq      uint64
	Flags    winsys.IBFlags

	// Chunks are the chunk IDs in request order.
	Chunks []winsys.ChunkID

	Buffers               []winsys.BOListEntry
	Dependencies          []winsys.RingFence
	ScheduledDependencies []winsys.RingFence
	SyncobjIn             []winsys.SyncobjHandle
	SyncobjOut            []winsys.SyncobjHandle
	UserFence             *winsys.FenceInfo

	// IB is the descriptor as received, Segments the words it executes.
	IB       winsys.IBInfo
	Segments []Segment
}

// Words returns the executed words of all segments, chain packets included.
func (s Submission) Words() []uint32 {
	var n int
	for _, seg := range s.Segments {
		n += len(seg.Words)
	}
	words := make([]uint32, 0, n)
	for _, seg := range s.Segments {
		words = append(words, seg.Words...)
	}
	return words
}

type allocation struct {
	handle winsys.BOHandle
	va     uint64
	size   uint64
	words  []uint32
	label  string
}

type ringKey struct {
	ctx      winsys.ContextHandle
	ip       winsys.IPType
	instance uint32
	ring     uint32
}

// job is a submission that has not retired yet.
type job struct {
	seq       uint64
	deps      []winsys.RingFence
	syncIn    []*syncobj.Point
	point     *syncobj.Point
	userFence *atomic.Uint64
}

type ring struct {
	key       ringKey
	submitted uint64
	retired   uint64
	pending   []*job
	// points of submitted jobs by sequence number, kept until retirement.
	points map[uint64]*syncobj.Point
}

type simContext struct {
	handle winsys.ContextHandle
	reset  winsys.ResetStatus
}

// Device is a simulated kernel device.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	info   winsys.Info
	manual bool

	mu sync.Mutex

	nextContext uint32
	nextHandle  uint32
	nextList    uint32
	nextVA      uint64

	contexts    map[winsys.ContextHandle]*simContext
	allocs      map[winsys.BOHandle]*allocation
	userFences  map[winsys.BOHandle]*winsys.UserFenceMemory
	bufferLists map[winsys.BufferListHandle][]winsys.BOListEntry
	rings       map[ringKey]*ring

	syncobjs *syncobj.Table

	submissions []Submission
	allocated   []winsys.BufferDesc
	submitCalls int
	failSubmit  []error
	failAlloc   []error
}

// New creates a simulated device.
func New(opts ...Option) *Device {
	d := &Device{
		info:        DefaultInfo(),
		nextVA:      1 << 32,
		contexts:    make(map[winsys.ContextHandle]*simContext),
		allocs:      make(map[winsys.BOHandle]*allocation),
		userFences:  make(map[winsys.BOHandle]*winsys.UserFenceMemory),
		bufferLists: make(map[winsys.BufferListHandle][]winsys.BOListEntry),
		rings:       make(map[ringKey]*ring),
		syncobjs:    syncobj.NewTable(),
	}
	for _, opt := range opts {
		opt(d)
	}
	winsys.Logger().Debug("sim: device created", "chip", d.info.ChipClass.String(), "manual_retire", d.manual)
	return d
}

// Info implements winsys.Device.
func (d *Device) Info() winsys.Info { return d.info }

// CreateContext implements winsys.Device.
func (d *Device) CreateContext() (winsys.ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextContext++
	h := winsys.ContextHandle(d.nextContext)
	d.contexts[h] = &simContext{handle: h}
	return h, nil
}

// FreeContext implements winsys.Device.
func (d *Device) FreeContext(ctx winsys.ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[ctx]; !ok {
		return ErrNoContext
	}
	delete(d.contexts, ctx)
	return nil
}

// QueryResetState implements winsys.Device.
func (d *Device) QueryResetState(ctx winsys.ContextHandle) (winsys.ResetStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[ctx]
	if !ok {
		return winsys.NoReset, ErrNoContext
	}
	return c.reset, nil
}

// SetResetStatus makes QueryResetState report status for ctx.
func (d *Device) SetResetStatus(ctx winsys.ContextHandle, status winsys.ResetStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.contexts[ctx]; ok {
		c.reset = status
	}
}

// Contexts returns the number of live contexts.
func (d *Device) Contexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contexts)
}

// AllocBuffer implements winsys.Device. Every allocation is CPU mapped.
func (d *Device) AllocBuffer(desc winsys.BufferDesc) (winsys.Allocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.failAlloc) > 0 {
		err := d.failAlloc[0]
		d.failAlloc = d.failAlloc[1:]
		return winsys.Allocation{}, err
	}
	if desc.Size == 0 {
		return winsys.Allocation{}, fmt.Errorf("%w: zero size allocation", ErrInvalidArgument)
	}

	align := max(desc.Alignment, uint64(d.info.GARTPageSize), 1)
	va := (d.nextVA + align - 1) &^ (align - 1)
	size := (desc.Size + 3) &^ 3
	d.nextVA = va + size

	domain := desc.Domain
	if domain == 0 {
		domain = winsys.DomainGTT
	}

	d.nextHandle++
	a := &allocation{
		handle: winsys.BOHandle(d.nextHandle),
		va:     va,
		size:   size,
		words:  make([]uint32, size/4),
		label:  desc.Label,
	}
	d.allocs[a.handle] = a
	d.allocated = append(d.allocated, desc)

	return winsys.Allocation{
		Handle: a.handle,
		VA:     va,
		Size:   size,
		Domain: domain,
		Words:  a.words,
	}, nil
}

// FreeBuffer implements winsys.Device.
func (d *Device) FreeBuffer(handle winsys.BOHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocs[handle]; !ok {
		return ErrNoBuffer
	}
	delete(d.allocs, handle)
	return nil
}

// Buffers returns the number of live allocations, user-fence memory
// excluded.
func (d *Device) Buffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

// Allocations returns the descriptors of all successful allocations in
// order, freed ones included.
func (d *Device) Allocations() []winsys.BufferDesc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.allocated)
}

// FailNextAlloc makes the next AllocBuffer call fail with err.
func (d *Device) FailNextAlloc(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAlloc = append(d.failAlloc, err)
}

// AllocUserFence implements winsys.Device.
func (d *Device) AllocUserFence(slots int) (*winsys.UserFenceMemory, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("%w: %d user fence slots", ErrInvalidArgument, slots)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	mem := &winsys.UserFenceMemory{
		Handle: winsys.BOHandle(d.nextHandle),
		Slots:  make([]atomic.Uint64, slots),
	}
	d.userFences[mem.Handle] = mem
	return mem, nil
}

// FreeUserFence implements winsys.Device.
func (d *Device) FreeUserFence(mem *winsys.UserFenceMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.userFences[mem.Handle]; !ok {
		return ErrNoBuffer
	}
	delete(d.userFences, mem.Handle)
	return nil
}

// Words reads n words of device memory at va.
func (d *Device) Words(va uint64, n int) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	words, err := d.readLocked(va, n)
	if err != nil {
		return nil, err
	}
	return slices.Clone(words), nil
}

// readLocked returns the mapped words [va, va+4n) without copying.
func (d *Device) readLocked(va uint64, n int) ([]uint32, error) {
	if va%4 != 0 || n < 0 {
		return nil, fmt.Errorf("%w: unaligned read at %#x", ErrFault, va)
	}
	for _, a := range d.allocs {
		if va < a.va || va >= a.va+a.size {
			continue
		}
		start := (va - a.va) / 4
		if start+uint64(n) > uint64(len(a.words)) {
			return nil, fmt.Errorf("%w: %d words at %#x cross the end of %q", ErrFault, n, va, a.label)
		}
		return a.words[start : start+uint64(n)], nil
	}
	if n == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrFault, va)
}

// CreateBufferList implements winsys.Device.
func (d *Device) CreateBufferList(entries []winsys.BOListEntry) (winsys.BufferListHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBuffersLocked(entries); err != nil {
		return 0, err
	}
	d.nextList++
	h := winsys.BufferListHandle(d.nextList)
	d.bufferLists[h] = slices.Clone(entries)
	return h, nil
}

// DestroyBufferList implements winsys.Device.
func (d *Device) DestroyBufferList(h winsys.BufferListHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.bufferLists[h]; !ok {
		return fmt.Errorf("%w: buffer list %d", ErrInvalidArgument, h)
	}
	delete(d.bufferLists, h)
	return nil
}

// BufferLists returns the number of live buffer lists.
func (d *Device) BufferLists() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bufferLists)
}

func (d *Device) checkBuffersLocked(entries []winsys.BOListEntry) error {
	for _, e := range entries {
		if _, ok := d.allocs[e.Handle]; !ok {
			return fmt.Errorf("%w: handle %d", ErrNoBuffer, e.Handle)
		}
	}
	return nil
}

// FailNextSubmit makes the next Submit call fail with err without side
// effects. Calls queue up.
func (d *Device) FailNextSubmit(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSubmit = append(d.failSubmit, err)
}

// SubmitCalls returns how many times Submit was called, failures included.
func (d *Device) SubmitCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitCalls
}

// Submissions returns the accepted submissions in order.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.submissions)
}

// LastSubmission returns the most recent accepted submission.
func (d *Device) LastSubmission() (Submission, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.submissions) == 0 {
		return Submission{}, false
	}
	return d.submissions[len(d.submissions)-1], true
}

func (d *Device) ringLocked(k ringKey) *ring {
	r, ok := d.rings[k]
	if !ok {
		r = &ring{key: k, points: make(map[uint64]*syncobj.Point)}
		d.rings[k] = r
	}
	return r
}

// Submit implements winsys.Device.
func (d *Device) Submit(req *winsys.Request) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.submitCalls++
	if len(d.failSubmit) > 0 {
		err := d.failSubmit[0]
		d.failSubmit = d.failSubmit[1:]
		return 0, err
	}

	if _, ok := d.contexts[req.Context]; !ok {
		return 0, ErrNoContext
	}

	sub, fence, err := d.decodeLocked(req)
	if err != nil {
		winsys.Logger().Debug("sim: request rejected", "err", err)
		return 0, err
	}

	k := ringKey{ctx: req.Context, ip: sub.IP, instance: sub.Instance, ring: sub.Ring}
	r := d.ringLocked(k)

	j := &job{point: syncobj.NewPoint(), deps: slices.Clone(sub.Dependencies)}
	for _, h := range sub.SyncobjIn {
		p, err := d.syncobjs.Point(uint32(h))
		if err != nil {
			return 0, fmt.Errorf("%w: syncobj %d: %w", ErrInvalidArgument, h, err)
		}
		j.syncIn = append(j.syncIn, p)
	}
	for _, h := range sub.SyncobjOut {
		if _, err := d.syncobjs.Point(uint32(h)); err != nil && !errors.Is(err, syncobj.ErrNoFence) {
			return 0, fmt.Errorf("%w: syncobj %d: %w", ErrInvalidArgument, h, err)
		}
	}
	if fence != nil {
		mem, ok := d.userFences[fence.Handle]
		if !ok || fence.Offset%8 != 0 || int(fence.Offset/8) >= len(mem.Slots) {
			return 0, fmt.Errorf("%w: user fence %d+%d", ErrInvalidArgument, fence.Handle, fence.Offset)
		}
		j.userFence = &mem.Slots[fence.Offset/8]
	}

	r.submitted++
	j.seq = r.submitted
	sub.Seq = j.seq
	r.pending = append(r.pending, j)
	r.points[j.seq] = j.point

	for _, h := range sub.SyncobjOut {
		_ = d.syncobjs.Replace(uint32(h), j.point)
	}

	d.submissions = append(d.submissions, sub)

	if !d.manual {
		d.retireLocked(nil)
	}
	return j.seq, nil
}

// decodeLocked validates the chunks of req and builds its record.
func (d *Device) decodeLocked(req *winsys.Request) (Submission, *winsys.FenceInfo, error) {
	sub := Submission{Context: req.Context}
	var (
		haveIB    bool
		haveList  bool
		userFence *winsys.FenceInfo
	)

	for _, c := range req.Chunks {
		sub.Chunks = append(sub.Chunks, c.ID)

		switch c.ID {
		case winsys.ChunkIB:
			if haveIB {
				return sub, nil, fmt.Errorf("%w: more than one IB chunk", ErrInvalidArgument)
			}
			ib, err := winsys.DecodeIBInfo(c.Data)
			if err != nil {
				return sub, nil, err
			}
			haveIB = true
			sub.IB = ib
			sub.IP = ib.IPType
			sub.Instance = ib.IPInstance
			sub.Ring = ib.Ring
			sub.Flags = ib.Flags

		case winsys.ChunkBOHandles:
			in, err := winsys.DecodeBOListIn(c.Data)
			if err != nil {
				return sub, nil, err
			}
			if in.BOInfoSize != 8 || int(in.BONumber) != len(req.Buffers) {
				return sub, nil, fmt.Errorf("%w: buffer list header does not match %d entries", ErrInvalidArgument, len(req.Buffers))
			}
			haveList = true
			sub.Buffers = slices.Clone(req.Buffers)

		case winsys.ChunkDependencies, winsys.ChunkScheduledDependencies:
			deps, err := winsys.DecodeDeps(c.Data)
			if err != nil {
				return sub, nil, err
			}
			for _, dep := range deps {
				rf := dep.RingFence()
				if r, ok := d.rings[ringKeyOf(rf)]; ok && rf.Seq > r.submitted {
					return sub, nil, fmt.Errorf("%w: dependency on unsubmitted seq %d", ErrInvalidArgument, rf.Seq)
				}
				if c.ID == winsys.ChunkDependencies {
					sub.Dependencies = append(sub.Dependencies, rf)
				} else {
					sub.ScheduledDependencies = append(sub.ScheduledDependencies, rf)
				}
			}

		case winsys.ChunkSyncobjIn, winsys.ChunkSyncobjOut:
			handles, err := winsys.DecodeSems(c.Data)
			if err != nil {
				return sub, nil, err
			}
			if c.ID == winsys.ChunkSyncobjIn {
				sub.SyncobjIn = append(sub.SyncobjIn, handles...)
			} else {
				sub.SyncobjOut = append(sub.SyncobjOut, handles...)
			}

		case winsys.ChunkFence:
			f, err := winsys.DecodeFenceInfo(c.Data)
			if err != nil {
				return sub, nil, err
			}
			userFence = &f
			sub.UserFence = &f

		default:
			return sub, nil, fmt.Errorf("%w: unknown chunk %s", ErrInvalidArgument, c.ID)
		}
	}

	if !haveIB {
		return sub, nil, fmt.Errorf("%w: no IB chunk", ErrInvalidArgument)
	}

	switch {
	case req.BufferList != 0:
		if haveList {
			return sub, nil, fmt.Errorf("%w: both a buffer list handle and a BO_HANDLES chunk", ErrInvalidArgument)
		}
		entries, ok := d.bufferLists[req.BufferList]
		if !ok {
			return sub, nil, fmt.Errorf("%w: buffer list %d", ErrInvalidArgument, req.BufferList)
		}
		sub.Buffers = slices.Clone(entries)
	case haveList:
		if err := d.checkBuffersLocked(sub.Buffers); err != nil {
			return sub, nil, err
		}
	}

	if rt := winsys.RingType(sub.IP); rt >= winsys.NumRingTypes || int(sub.Ring) >= d.info.NumRings[rt] {
		return sub, nil, fmt.Errorf("%w: ring %s/%d", ErrInvalidArgument, sub.IP, sub.Ring)
	}

	segs, err := d.followLocked(sub.IB, sub.Buffers)
	if err != nil {
		return sub, nil, err
	}
	sub.Segments = segs
	return sub, userFence, nil
}

// followLocked reads the IB and every segment it chains to. Each segment
// must live in a listed buffer.
func (d *Device) followLocked(ib winsys.IBInfo, listed []winsys.BOListEntry) ([]Segment, error) {
	if ib.IBBytes%4 != 0 {
		return nil, fmt.Errorf("%w: IB size %d is not a dword multiple", ErrInvalidArgument, ib.IBBytes)
	}

	var segs []Segment
	va, n := ib.VAStart, int(ib.IBBytes/4)
	for range maxChain {
		if !d.listedLocked(va, listed) {
			return nil, fmt.Errorf("%w: IB segment at %#x is not in the buffer list", ErrInvalidArgument, va)
		}
		words, err := d.readLocked(va, n)
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{VA: va, Words: slices.Clone(words)})

		if n < 4 || !winsys.IsChainPacket(words[n-4:]) {
			return segs, nil
		}
		next, dwords := winsys.ChainTarget(words[n-4:])
		va, n = next, int(dwords)
	}
	return nil, fmt.Errorf("%w: IB chains through more than %d segments", ErrInvalidArgument, maxChain)
}

func (d *Device) listedLocked(va uint64, listed []winsys.BOListEntry) bool {
	for _, e := range listed {
		if a, ok := d.allocs[e.Handle]; ok && va >= a.va && va < a.va+a.size {
			return true
		}
	}
	return false
}

func ringKeyOf(f winsys.RingFence) ringKey {
	return ringKey{ctx: f.Context, ip: f.IP, instance: f.Instance, ring: f.Ring}
}

// retiredLocked reports whether the fence completed. Sequence numbers at
// or below the retired count have completed; zero never names a submission.
func (d *Device) retiredLocked(f winsys.RingFence) bool {
	if f.Seq == 0 {
		return true
	}
	r, ok := d.rings[ringKeyOf(f)]
	return ok && f.Seq <= r.retired
}

// retireLocked retires pending jobs in ring order whose dependencies are
// met, until no more progress is made. A nil filter retires on all rings.
func (d *Device) retireLocked(filter func(ringKey) bool) int {
	total := 0
	for progress := true; progress; {
		progress = false
		for k, r := range d.rings {
			if filter != nil && !filter(k) {
				continue
			}
			for len(r.pending) > 0 && d.readyLocked(r.pending[0]) {
				j := r.pending[0]
				r.pending = r.pending[1:]
				r.retired = j.seq
				delete(r.points, j.seq)
				if j.userFence != nil {
					j.userFence.Store(j.seq)
				}
				j.point.Signal()
				total++
				progress = true
			}
		}
	}
	return total
}

func (d *Device) readyLocked(j *job) bool {
	for _, dep := range j.deps {
		if !d.retiredLocked(dep) {
			return false
		}
	}
	for _, p := range j.syncIn {
		if !p.Signalled() {
			return false
		}
	}
	return true
}

// RetireAll retires every pending submission whose dependencies are met
// and returns how many retired.
func (d *Device) RetireAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retireLocked(nil)
}

// RetireRing retires pending submissions on the rings of one IP type.
func (d *Device) RetireRing(ip winsys.IPType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retireLocked(func(k ringKey) bool { return k.ip == ip })
}

// Pending returns the number of submissions that have not retired.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.rings {
		n += len(r.pending)
	}
	return n
}

// QueryFence implements winsys.Device.
func (d *Device) QueryFence(f winsys.RingFence, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	if d.retiredLocked(f) {
		d.mu.Unlock()
		return true, nil
	}
	r, ok := d.rings[ringKeyOf(f)]
	if !ok || f.Seq > r.submitted {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %s/%d seq %d", ErrUnknownFence, f.IP, f.Ring, f.Seq)
	}
	p := r.points[f.Seq]
	d.mu.Unlock()

	return p.Wait(timeout), nil
}

// FenceToSyncFile implements winsys.Device.
func (d *Device) FenceToSyncFile(f winsys.RingFence) (int, error) {
	d.mu.Lock()
	var p *syncobj.Point
	if d.retiredLocked(f) {
		p = syncobj.SignalledPoint()
	} else if r, ok := d.rings[ringKeyOf(f)]; ok {
		p = r.points[f.Seq]
	}
	d.mu.Unlock()

	if p == nil {
		return -1, fmt.Errorf("%w: %s/%d seq %d", ErrUnknownFence, f.IP, f.Ring, f.Seq)
	}
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

// ShareSyncobj returns a descriptor ImportSyncobj accepts, as another
// process would receive it.
func (d *Device) ShareSyncobj(h winsys.SyncobjHandle) (int, error) {
	return d.syncobjs.Share(uint32(h))
}

// SyncFileSignalled reports whether the fence of a sync-file descriptor
// signalled.
func (d *Device) SyncFileSignalled(fd int) (bool, error) {
	p, err := d.syncobjs.SyncFile(fd)
	if err != nil {
		return false, err
	}
	return p.Signalled(), nil
}

// Syncobjs returns the number of live syncobj handles.
func (d *Device) Syncobjs() int {
	return d.syncobjs.Len()
}

// Close releases nothing; it lets callers treat every backend alike.
func (d *Device) Close() {}
