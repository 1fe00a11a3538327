package winsys

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BufferKind is the storage kind of a buffer.
type BufferKind uint8

// Buffer kinds.
const (
	// KindReal is a buffer backed by its own kernel allocation.
	KindReal BufferKind = iota
	// KindSlab is a buffer carved from a larger real allocation.
	KindSlab
	// KindSparse is a virtual range whose backing is attached separately.
	KindSparse
)

// String returns the kind name.
func (k BufferKind) String() string {
	switch k {
	case KindReal:
		return "real"
	case KindSlab:
		return "slab"
	case KindSparse:
		return "sparse"
	default:
		return "unknown"
	}
}

// Usage is a bitmask describing how a command stream uses a buffer.
type Usage uint32

// Usage flags.
const (
	UsageRead      Usage = 2
	UsageWrite     Usage = 4
	UsageReadWrite Usage = UsageRead | UsageWrite

	// UsageSynchronized makes the submission wait for prior work that uses
	// the buffer on other rings.
	UsageSynchronized Usage = 8
)

// Priority is a buffer residency priority. Each reference records 1<<Priority
// in the buffer's priority mask.
type Priority uint32

// Buffer priorities, lowest first.
const (
	PrioFence Priority = iota
	PrioTrace
	PrioSOFilledSize
	PrioQuery
	PrioIB1
	PrioIB2
	PrioDrawIndirect
	PrioIndexBuffer
	PrioCPDMA
	PrioConstBuffer
	PrioDescriptors
	PrioBorderColors
	PrioSamplerBuffer
	PrioVertexBuffer
	PrioShaderRWBuffer
	PrioComputeGlobal
	PrioSamplerTexture
	PrioShaderRWImage
	PrioSamplerTextureMSAA
	PrioColorBuffer
	PrioDepthBuffer
	PrioColorBufferMSAA
	PrioDepthBufferMSAA
	PrioSeparateMeta
	PrioShaderBinary
	PrioShaderRings
	PrioScratchBuffer

	// MaxPriority is the highest valid priority.
	MaxPriority Priority = 31
)

// Buffer is a GPU buffer known to a Winsys.
//
// Identity, size, VA and domain are fixed at creation. The fence list is
// guarded by the winsys fence lock; sparse backing is guarded by the
// buffer's own lock.
type Buffer struct {
	ws     *Winsys
	id     uint32
	kind   BufferKind
	size   uint64
	va     uint64
	domain Domain
	handle BOHandle

	// owned buffers free their allocation on Destroy.
	owned bool

	// real is the owning allocation of a slab buffer.
	real *Buffer

	// mu guards backing.
	mu      sync.Mutex
	backing []*Buffer

	// fences are the submissions that use the buffer, guarded by ws.boFenceMu.
	fences []*Fence

	// csRefs counts the command stream tables that hold the buffer.
	csRefs atomic.Int32

	// activeSubmissions counts flushed submissions still in transport.
	activeSubmissions atomic.Int32

	destroyed atomic.Bool
}

// ID returns the unique buffer identity.
func (b *Buffer) ID() uint32 { return b.id }

// Kind returns the storage kind.
func (b *Buffer) Kind() BufferKind { return b.kind }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// VA returns the GPU virtual address.
func (b *Buffer) VA() uint64 { return b.va }

// Domain returns the residency domain.
func (b *Buffer) Domain() Domain { return b.domain }

// Handle returns the kernel handle of a real buffer, or of the real buffer
// that owns a slab buffer. Sparse buffers have no handle.
func (b *Buffer) Handle() BOHandle {
	if b.kind == KindSlab {
		return b.real.handle
	}
	return b.handle
}

// Real returns the allocation that owns a slab buffer, or nil.
func (b *Buffer) Real() *Buffer { return b.real }

// CSReferences returns how many command stream tables reference the buffer.
func (b *Buffer) CSReferences() int { return int(b.csRefs.Load()) }

// ActiveSubmissions returns the number of flushed submissions that reference
// the buffer and have not finished transport.
func (b *Buffer) ActiveSubmissions() int { return int(b.activeSubmissions.Load()) }

// FenceCount returns the number of fences attached to the buffer.
func (b *Buffer) FenceCount() int {
	b.ws.boFenceMu.Lock()
	defer b.ws.boFenceMu.Unlock()
	return len(b.fences)
}

// AttachBacking adds a real buffer as backing of a sparse buffer.
func (b *Buffer) AttachBacking(backing *Buffer) error {
	if b.kind != KindSparse {
		return fmt.Errorf("%w: buffer %d is not sparse", ErrInvalidBuffer, b.id)
	}
	if backing == nil || backing.kind != KindReal {
		return fmt.Errorf("%w: sparse backing must be a real buffer", ErrInvalidBuffer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.backing {
		if existing == backing {
			return nil
		}
	}
	b.backing = append(b.backing, backing)
	return nil
}

// DetachBacking removes a backing region from a sparse buffer. It returns
// false if the region was not attached.
func (b *Buffer) DetachBacking(backing *Buffer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.backing {
		if existing == backing {
			b.backing = append(b.backing[:i], b.backing[i+1:]...)
			return true
		}
	}
	return false
}

// Backing returns a snapshot of the backing regions of a sparse buffer.
func (b *Buffer) Backing() []*Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Buffer(nil), b.backing...)
}

// Destroy releases the buffer's fences and, for buffers created by the
// winsys, its device allocation. The caller must ensure no command stream
// still references the buffer.
func (b *Buffer) Destroy() error {
	if !b.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	b.ws.boFenceMu.Lock()
	fences := b.fences
	b.fences = nil
	b.ws.boFenceMu.Unlock()

	for _, f := range fences {
		f.Release()
	}

	if b.owned {
		if err := b.ws.dev.FreeBuffer(b.handle); err != nil {
			return fmt.Errorf("winsys: free buffer %d: %w", b.id, err)
		}
	}
	return nil
}

// isIdle reports whether no transport is using the buffer and all of its
// fences are signalled, without blocking.
func (b *Buffer) isIdle() bool {
	if b.activeSubmissions.Load() != 0 {
		return false
	}

	b.ws.boFenceMu.Lock()
	fences := make([]*Fence, len(b.fences))
	for i, f := range b.fences {
		fences[i] = f.Reference()
	}
	b.ws.boFenceMu.Unlock()

	idle := true
	for _, f := range fences {
		if idle && !f.Wait(0) {
			idle = false
		}
		f.Release()
	}
	return idle
}
