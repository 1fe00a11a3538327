// Package syncobj models kernel synchronization objects for simulated
// devices: syncobj handles whose fence can be replaced, sync-file
// descriptors that wrap one fence, and shared syncobj descriptors.
package syncobj

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Errors returned by Table.
var (
	ErrBadHandle = errors.New("syncobj: invalid handle")
	ErrBadFD     = errors.New("syncobj: invalid descriptor")
	ErrNoFence   = errors.New("syncobj: no fence attached")
)

// forever matches winsys.Forever.
const forever = time.Duration(math.MaxInt64)

// Point is a one-shot fence that signals once.
type Point struct {
	done chan struct{}
	once sync.Once
}

// NewPoint returns an unsignalled point.
func NewPoint() *Point {
	return &Point{done: make(chan struct{})}
}

// SignalledPoint returns a point that is already signalled.
func SignalledPoint() *Point {
	p := NewPoint()
	p.Signal()
	return p
}

// Signal signals the point. Extra calls are no-ops.
func (p *Point) Signal() {
	p.once.Do(func() { close(p.done) })
}

// Signalled reports whether the point signalled.
func (p *Point) Signalled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the point signals.
func (p *Point) Done() <-chan struct{} {
	return p.done
}

// Wait waits up to timeout. A zero timeout polls.
func (p *Point) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return p.Signalled()
	}
	if timeout == forever {
		<-p.done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// object is one syncobj. Several handles may refer to it after an import.
type object struct {
	point *Point
	// attached is closed the first time a fence is attached.
	attached chan struct{}
}

func (o *object) replace(p *Point) {
	if o.point == nil {
		close(o.attached)
	}
	o.point = p
}

// Table is the syncobj and descriptor namespace of one simulated device.
//
// Thread safety: Table is safe for concurrent use.
type Table struct {
	mu sync.Mutex

	nextHandle uint32
	handles    map[uint32]*object

	nextFD int
	files  map[int]*Point
	shared map[int]*object
}

// NewTable returns an empty table. Descriptors start at 100 so they never
// collide with the standard streams.
func NewTable() *Table {
	return &Table{
		handles: make(map[uint32]*object),
		files:   make(map[int]*Point),
		shared:  make(map[int]*object),
		nextFD:  100,
	}
}

// Create creates a syncobj. An unsignalled syncobj has no fence until one
// is attached with Replace.
func (t *Table) Create(signalled bool) uint32 {
	o := &object{attached: make(chan struct{})}
	if signalled {
		o.replace(SignalledPoint())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(o)
}

func (t *Table) insert(o *object) uint32 {
	t.nextHandle++
	t.handles[t.nextHandle] = o
	return t.nextHandle
}

func (t *Table) lookup(h uint32) (*object, error) {
	o, ok := t.handles[h]
	if !ok {
		return nil, ErrBadHandle
	}
	return o, nil
}

// Destroy releases a handle.
func (t *Table) Destroy(h uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handles[h]; !ok {
		return ErrBadHandle
	}
	delete(t.handles, h)
	return nil
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Replace attaches p as the current fence of the syncobj.
func (t *Table) Replace(h uint32, p *Point) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(h)
	if err != nil {
		return err
	}
	o.replace(p)
	return nil
}

// Point returns the current fence of the syncobj.
func (t *Table) Point(h uint32) (*Point, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(h)
	if err != nil {
		return nil, err
	}
	if o.point == nil {
		return nil, ErrNoFence
	}
	return o.point, nil
}

// Wait waits up to timeout for the syncobj to have a signalled fence. A
// syncobj without a fence first waits for one to be attached.
func (t *Table) Wait(h uint32, timeout time.Duration) (bool, error) {
	t.mu.Lock()
	o, err := t.lookup(h)
	var attached <-chan struct{}
	if err == nil {
		attached = o.attached
	}
	t.mu.Unlock()
	if err != nil {
		return false, err
	}

	var deadline time.Time
	if timeout > 0 && timeout != forever {
		deadline = time.Now().Add(timeout)
	}

	select {
	case <-attached:
	default:
		if timeout <= 0 {
			return false, nil
		}
		var expired <-chan time.Time
		if !deadline.IsZero() {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-attached:
		case <-expired:
			return false, nil
		}
	}

	t.mu.Lock()
	p := o.point
	t.mu.Unlock()

	if !deadline.IsZero() {
		timeout = max(time.Until(deadline), 0)
	}
	return p.Wait(timeout), nil
}

// ExportSyncFile returns a sync-file descriptor for the current fence.
func (t *Table) ExportSyncFile(h uint32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(h)
	if err != nil {
		return -1, err
	}
	if o.point == nil {
		return -1, ErrNoFence
	}
	return t.exportLocked(o.point), nil
}

// ImportSyncFile attaches the fence of a sync file to the syncobj.
func (t *Table) ImportSyncFile(h uint32, fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(h)
	if err != nil {
		return err
	}
	p, ok := t.files[fd]
	if !ok {
		return ErrBadFD
	}
	o.replace(p)
	return nil
}

// ExportPoint returns a sync-file descriptor for p.
func (t *Table) ExportPoint(p *Point) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exportLocked(p)
}

func (t *Table) exportLocked(p *Point) int {
	fd := t.nextFD
	t.nextFD++
	t.files[fd] = p
	return fd
}

// SyncFile returns the fence of a sync-file descriptor.
func (t *Table) SyncFile(fd int) (*Point, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.files[fd]
	if !ok {
		return nil, ErrBadFD
	}
	return p, nil
}

// Share returns a descriptor other processes can import the syncobj from.
func (t *Table) Share(h uint32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, err := t.lookup(h)
	if err != nil {
		return -1, err
	}
	fd := t.nextFD
	t.nextFD++
	t.shared[fd] = o
	return fd, nil
}

// Import returns a new handle for a shared syncobj.
func (t *Table) Import(fd int) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.shared[fd]
	if !ok {
		return 0, ErrBadFD
	}
	return t.insert(o), nil
}

// CloseFD closes a sync-file or shared syncobj descriptor.
func (t *Table) CloseFD(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[fd]; ok {
		delete(t.files, fd)
		return nil
	}
	if _, ok := t.shared[fd]; ok {
		delete(t.shared, fd)
		return nil
	}
	return ErrBadFD
}
