package winsys

import (
	"sync/atomic"
	"time"

	"github.com/gogpu/winsys/internal/queue"
)

// FenceState is the lifecycle state of a fence.
type FenceState int

// Fence states. A fence only moves forward and never leaves FenceSignalled.
const (
	// FenceCreated means the submission has not reached the device yet.
	FenceCreated FenceState = iota
	// FenceSubmitted means the device accepted the submission and assigned
	// its sequence number.
	FenceSubmitted
	// FenceSignalled means the work completed or will never run.
	FenceSignalled
)

// String returns the state name.
func (s FenceState) String() string {
	switch s {
	case FenceCreated:
		return "created"
	case FenceSubmitted:
		return "submitted"
	case FenceSignalled:
		return "signalled"
	default:
		return "invalid"
	}
}

// Fence is a completion token of a submission.
//
// A fence is either a ring fence, identifying a sequence number on one ring
// of one context, or a syncobj fence backed by a kernel object that can be
// shared across processes.
//
// Fences are reference counted. The creator holds one reference; call
// Release when done. Thread safety: Fence is safe for concurrent use.
type Fence struct {
	ws *Winsys

	// ctx is nil for syncobj fences.
	ctx *Context

	// ring identifies the submission. Seq is written before submitted is
	// signalled and read only after waiting for it.
	ring RingFence

	syncobj SyncobjHandle

	// submitted is signalled once Seq is assigned or the submission failed.
	submitted *queue.Event

	// userFence is the slot the kernel writes completed sequence numbers to.
	userFence *atomic.Uint64

	signalled atomic.Bool
	refs      atomic.Int32
}

// newRingFence creates an unsubmitted fence for the ring described by ib.
func newRingFence(ctx *Context, ib *IBInfo) *Fence {
	f := &Fence{
		ws:  ctx.ws,
		ctx: ctx,
		ring: RingFence{
			Context:  ctx.handle,
			IP:       ib.IPType,
			Instance: ib.IPInstance,
			Ring:     ib.Ring,
		},
		submitted: queue.NewEvent(false),
	}
	f.refs.Store(1)
	ctx.ref()
	return f
}

// newSyncobjFence wraps a syncobj handle. The fence owns the handle.
func newSyncobjFence(ws *Winsys, h SyncobjHandle) *Fence {
	f := &Fence{
		ws:        ws,
		syncobj:   h,
		submitted: queue.NewEvent(true),
	}
	f.refs.Store(1)
	return f
}

// Reference adds a reference and returns f.
func (f *Fence) Reference() *Fence {
	f.refs.Add(1)
	return f
}

// Release drops a reference. The last release destroys the syncobj or drops
// the fence's reference on its context.
func (f *Fence) Release() {
	if f == nil {
		return
	}
	n := f.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		slogger().Warn("winsys: fence released too many times")
		return
	}

	if f.IsSyncobj() {
		if err := f.ws.dev.DestroySyncobj(f.syncobj); err != nil {
			slogger().Warn("winsys: destroy syncobj failed", "handle", f.syncobj, "err", err)
		}
		return
	}
	f.ctx.unref()
}

// IsSyncobj reports whether the fence is backed by a syncobj.
func (f *Fence) IsSyncobj() bool {
	return f.ctx == nil
}

// Syncobj returns the syncobj handle of a syncobj fence.
func (f *Fence) Syncobj() SyncobjHandle {
	return f.syncobj
}

// Context returns the context of a ring fence, nil for syncobj fences.
func (f *Fence) Context() *Context {
	return f.ctx
}

// RingFence blocks until the fence is submitted and returns its ring
// identity. The sequence number is zero if the submission failed.
func (f *Fence) RingFence() RingFence {
	f.submitted.Wait()
	return f.ring
}

// State returns the current state without blocking.
func (f *Fence) State() FenceState {
	if f.signalled.Load() {
		return FenceSignalled
	}
	if f.submitted.IsSignalled() {
		return FenceSubmitted
	}
	return FenceCreated
}

// markSubmitted records the sequence number assigned by the device.
func (f *Fence) markSubmitted(seq uint64, userFence *atomic.Uint64) {
	f.ring.Seq = seq
	f.userFence = userFence
	f.submitted.Signal()
}

// markSignalled signals a fence whose work will never run.
func (f *Fence) markSignalled() {
	f.signalled.Store(true)
	f.submitted.Signal()
}

// Wait waits up to timeout for the fence to signal and reports whether it
// did. A zero timeout polls; pass Forever to wait without limit.
//
// A ring fence first waits until its submission reached the device. When
// the ring has a user fence, a completed sequence number is recognised
// without asking the device, and a poll never reaches the device.
func (f *Fence) Wait(timeout time.Duration) bool {
	if f.signalled.Load() {
		return true
	}

	var deadline time.Time
	if timeout > 0 && timeout != Forever {
		deadline = time.Now().Add(timeout)
	}
	remaining := func() time.Duration {
		if deadline.IsZero() {
			return timeout
		}
		return max(time.Until(deadline), 0)
	}

	if f.IsSyncobj() {
		ok, err := f.ws.dev.WaitSyncobj(f.syncobj, timeout)
		if err != nil {
			slogger().Error("winsys: syncobj wait failed", "handle", f.syncobj, "err", err)
			return false
		}
		if ok {
			f.signalled.Store(true)
		}
		return ok
	}

	if timeout == Forever {
		f.submitted.Wait()
	} else if !f.submitted.WaitTimeout(timeout) {
		return false
	}
	if f.signalled.Load() {
		return true
	}

	if uf := f.userFence; uf != nil {
		if uf.Load() >= f.ring.Seq {
			f.signalled.Store(true)
			return true
		}
		if timeout == 0 {
			return false
		}
	}

	ok, err := f.ws.dev.QueryFence(f.ring, remaining())
	if err != nil {
		slogger().Error("winsys: fence query failed", "ring", f.ring.IP.String(), "seq", f.ring.Seq, "err", err)
		return false
	}
	if ok {
		f.signalled.Store(true)
	}
	return ok
}
