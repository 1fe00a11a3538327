package winsys

import (
	"fmt"
	"sync/atomic"
)

// Context is a kernel submission context. Command streams created from one
// context share its reset status and rejection count, and their fences are
// ordered with respect to each other on each ring.
//
// A context is reference counted: every fence it produced holds a
// reference, so the kernel context outlives Destroy until the last of its
// fences is released.
type Context struct {
	ws     *Winsys
	handle ContextHandle

	// userFence holds one completed-sequence slot per ring type.
	userFence *UserFenceMemory

	refs atomic.Int32

	// rejected counts rejected submissions of this context.
	rejected atomic.Uint32

	// initialTotalRejected is the winsys rejection count at creation; any
	// rejection since then means some context was lost.
	initialTotalRejected uint64

	rejectionThreshold uint32
	destroyed          atomic.Bool
}

// CreateContext creates a submission context.
func (ws *Winsys) CreateContext(opts ...ContextOption) (*Context, error) {
	o := defaultContextOptions()
	for _, opt := range opts {
		opt(&o)
	}

	handle, err := ws.dev.CreateContext()
	if err != nil {
		return nil, fmt.Errorf("winsys: create context: %w", err)
	}

	// One page of user-fence memory, one 64-bit slot per ring type.
	slots := max(int(ws.info.GARTPageSize)/8, int(NumRingTypes))
	mem, err := ws.dev.AllocUserFence(slots)
	if err != nil {
		_ = ws.dev.FreeContext(handle)
		return nil, fmt.Errorf("winsys: allocate user fence: %w", err)
	}

	ctx := &Context{
		ws:                   ws,
		handle:               handle,
		userFence:            mem,
		initialTotalRejected: ws.totalRejected.Load(),
		rejectionThreshold:   o.rejectionThreshold,
	}
	ctx.refs.Store(1)

	slogger().Info("winsys: context created", "handle", handle)
	return ctx, nil
}

// Handle returns the kernel context handle.
func (c *Context) Handle() ContextHandle {
	return c.handle
}

// Rejections returns the number of rejected submissions of the context.
func (c *Context) Rejections() uint32 {
	return c.rejected.Load()
}

// lost reports whether fail-fast streams must stop submitting.
func (c *Context) lost() bool {
	return c.rejected.Load() >= c.rejectionThreshold
}

func (c *Context) ref() {
	c.refs.Add(1)
}

func (c *Context) unref() {
	if c.refs.Add(-1) != 0 {
		return
	}

	ws := c.ws
	if err := ws.dev.FreeUserFence(c.userFence); err != nil {
		slogger().Warn("winsys: free user fence failed", "context", c.handle, "err", err)
	}
	if err := ws.dev.FreeContext(c.handle); err != nil {
		slogger().Warn("winsys: free context failed", "context", c.handle, "err", err)
	}
	slogger().Debug("winsys: context freed", "handle", c.handle)
}

// Destroy drops the caller's reference. The kernel context is freed once
// all command streams and fences of the context are gone.
func (c *Context) Destroy() {
	if c.destroyed.CompareAndSwap(false, true) {
		c.unref()
	}
}

// QueryResetStatus reports whether the context was lost.
//
// A reset reported by the device takes precedence. Otherwise, if any
// submission of the winsys was rejected since the context was created, the
// context is reported guilty when it had rejections itself and innocent
// when it did not.
func (c *Context) QueryResetStatus() ResetStatus {
	status, err := c.ws.dev.QueryResetState(c.handle)
	if err != nil {
		slogger().Error("winsys: query reset state failed", "context", c.handle, "err", err)
		return NoReset
	}
	if status != NoReset {
		return status
	}

	if c.ws.totalRejected.Load() > c.initialTotalRejected {
		if c.rejected.Load() > 0 {
			return GuiltyReset
		}
		return InnocentReset
	}
	return NoReset
}

// CheckLost returns an error wrapping ErrContextLost if the context was
// reset.
func (c *Context) CheckLost() error {
	if status := c.QueryResetStatus(); status != NoReset {
		return fmt.Errorf("%w: %s reset", ErrContextLost, status)
	}
	return nil
}
