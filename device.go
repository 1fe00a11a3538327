package winsys

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Forever is the timeout for waits that never expire.
const Forever = time.Duration(math.MaxInt64)

// IPType identifies a hardware IP block as seen by the kernel.
type IPType uint32

// Hardware IP types.
const (
	IPGFX IPType = iota
	IPCompute
	IPDMA
	IPUVD
	IPVCE
	IPUVDEnc
	IPVCNDec
	IPVCNEnc
	IPVCNJPEG
)

// String returns the kernel name of the IP block.
func (t IPType) String() string {
	switch t {
	case IPGFX:
		return "gfx"
	case IPCompute:
		return "compute"
	case IPDMA:
		return "dma"
	case IPUVD:
		return "uvd"
	case IPVCE:
		return "vce"
	case IPUVDEnc:
		return "uvd_enc"
	case IPVCNDec:
		return "vcn_dec"
	case IPVCNEnc:
		return "vcn_enc"
	case IPVCNJPEG:
		return "vcn_jpeg"
	default:
		return "unknown"
	}
}

// RingType selects the queue a command stream submits to.
type RingType uint32

// Ring types. The numbering is also the slot index of the ring in a
// context's user-fence memory.
const (
	RingGFX RingType = iota
	RingCompute
	RingDMA
	RingUVD
	RingVCE
	RingUVDEnc
	RingVCNDec
	RingVCNEnc
	RingVCNJPEG

	// NumRingTypes is the number of ring types.
	NumRingTypes
)

// String returns the ring name.
func (r RingType) String() string {
	if r >= NumRingTypes {
		return "unknown"
	}
	return r.IPType().String()
}

// ParseRingType returns the ring type with the given name, as printed by
// String.
func ParseRingType(name string) (RingType, error) {
	for r := range NumRingTypes {
		if r.String() == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRing, name)
}

// IPType returns the IP block that executes streams of this ring type.
func (r RingType) IPType() IPType {
	return IPType(r)
}

// hasUserFence reports whether the kernel writes a user fence for the ring.
// Multimedia rings do not support them.
func (r RingType) hasUserFence() bool {
	switch r {
	case RingUVD, RingVCE, RingUVDEnc, RingVCNDec, RingVCNEnc, RingVCNJPEG:
		return false
	default:
		return true
	}
}

// ChipClass is the graphics generation of the device.
type ChipClass int

// Chip classes.
const (
	GFX6 ChipClass = iota + 6
	GFX7
	GFX8
	GFX9
	GFX10
)

// String returns the chip class name.
func (c ChipClass) String() string {
	switch c {
	case GFX6:
		return "GFX6"
	case GFX7:
		return "GFX7"
	case GFX8:
		return "GFX8"
	case GFX9:
		return "GFX9"
	case GFX10:
		return "GFX10"
	default:
		return "unknown"
	}
}

// Domain is a buffer residency domain bitmask.
type Domain uint32

// Residency domains.
const (
	DomainGTT  Domain = 2
	DomainVRAM Domain = 4
	DomainGDS  Domain = 8
	DomainOA   Domain = 16
)

// Info describes the device properties that shape command submission.
type Info struct {
	// Name is a human readable device name.
	Name string

	// ChipClass enables segment chaining from GFX7 on.
	ChipClass ChipClass

	// DRMMinor is the kernel interface minor version. Minor 26 and newer
	// accepts the TC_WB_NOT_INVALIDATE IB flag, minor 27 and newer accepts
	// the buffer list inline with the submission.
	DRMMinor int

	// NumRings is the number of hardware rings per ring type.
	NumRings [NumRingTypes]int

	// IBStartAlignment is the required byte alignment of an IB start.
	IBStartAlignment uint32

	// GARTPageSize is the GTT page size in bytes.
	GARTPageSize uint32

	// GfxIBPadWithType2 selects type-2 NOPs for GFX/compute padding.
	GfxIBPadWithType2 bool

	// HasScheduledFenceDependency reports kernel support for waiting on the
	// start of a submission rather than its completion.
	HasScheduledFenceDependency bool
}

// ContextHandle is a kernel context handle.
type ContextHandle uint32

// BOHandle is a kernel buffer handle.
type BOHandle uint32

// SyncobjHandle is a kernel syncobj handle.
type SyncobjHandle uint32

// BufferListHandle is a kernel buffer list handle created by the legacy path.
type BufferListHandle uint32

// RingFence identifies one submission on one ring of one context.
type RingFence struct {
	Context  ContextHandle
	IP       IPType
	Instance uint32
	Ring     uint32
	Seq      uint64
}

// ResetStatus is the result of a context reset query.
type ResetStatus int

// Reset statuses.
const (
	// NoReset means the context is healthy.
	NoReset ResetStatus = iota

	// GuiltyReset means work from this context caused the reset.
	GuiltyReset

	// InnocentReset means the context was reset because of another context.
	InnocentReset

	// UnknownReset means a reset happened for an unknown reason.
	UnknownReset
)

// String returns the reset status name.
func (s ResetStatus) String() string {
	switch s {
	case NoReset:
		return "none"
	case GuiltyReset:
		return "guilty"
	case InnocentReset:
		return "innocent"
	case UnknownReset:
		return "unknown"
	default:
		return "invalid"
	}
}

// BufferDesc describes a device memory allocation.
type BufferDesc struct {
	Label     string
	Size      uint64
	Alignment uint64
	Domain    Domain

	// Mapped requests a CPU mapping of the allocation.
	Mapped bool
}

// Allocation is a device memory allocation.
type Allocation struct {
	Handle BOHandle
	VA     uint64
	Size   uint64
	Domain Domain

	// Words is the CPU mapping of the allocation, nil if it is not mapped.
	Words []uint32
}

// UserFenceMemory is CPU-visible memory the kernel writes completed sequence
// numbers into, one 64-bit slot per ring type.
type UserFenceMemory struct {
	Handle BOHandle
	Slots  []atomic.Uint64
}

// Request is one command submission.
type Request struct {
	Context ContextHandle

	// BufferList is a list created with CreateBufferList, zero when the list
	// travels inline as a BO_HANDLES chunk.
	BufferList BufferListHandle

	// Chunks are the typed payloads in submission order.
	Chunks []Chunk

	// Buffers holds the entries the BO_HANDLES chunk points to.
	Buffers []BOListEntry
}

// Device is the kernel side of command submission.
//
// Implementations must be safe for concurrent use: submissions arrive from
// transport workers while producers query fences and allocate memory.
type Device interface {
	// Info returns static device properties.
	Info() Info

	// CreateContext creates a kernel submission context.
	CreateContext() (ContextHandle, error)
	// FreeContext releases a context.
	FreeContext(ctx ContextHandle) error
	// QueryResetState reports whether the context was reset.
	QueryResetState(ctx ContextHandle) (ResetStatus, error)

	// AllocBuffer allocates device memory.
	AllocBuffer(desc BufferDesc) (Allocation, error)
	// FreeBuffer releases device memory.
	FreeBuffer(handle BOHandle) error
	// AllocUserFence allocates user-fence memory with the given slot count.
	AllocUserFence(slots int) (*UserFenceMemory, error)
	// FreeUserFence releases user-fence memory.
	FreeUserFence(mem *UserFenceMemory) error

	// Submit executes a request and returns the sequence number assigned on
	// the ring named by its IB chunk.
	Submit(req *Request) (uint64, error)
	// QueryFence waits up to timeout for a ring fence. A zero timeout polls.
	QueryFence(f RingFence, timeout time.Duration) (bool, error)
	// FenceToSyncFile exports a ring fence as a sync-file descriptor.
	FenceToSyncFile(f RingFence) (int, error)

	// CreateSyncobj creates a syncobj, optionally already signalled.
	CreateSyncobj(signaled bool) (SyncobjHandle, error)
	// DestroySyncobj releases a syncobj handle.
	DestroySyncobj(h SyncobjHandle) error
	// ImportSyncobj imports a syncobj from a shared descriptor.
	ImportSyncobj(fd int) (SyncobjHandle, error)
	// ImportSyncFile replaces the fence of a syncobj with a sync file.
	ImportSyncFile(h SyncobjHandle, fd int) error
	// ExportSyncFile exports the current fence of a syncobj as a sync file.
	ExportSyncFile(h SyncobjHandle) (int, error)
	// WaitSyncobj waits up to timeout for a syncobj. A zero timeout polls.
	WaitSyncobj(h SyncobjHandle, timeout time.Duration) (bool, error)

	// CreateBufferList creates a kernel buffer list for kernels that do not
	// accept BO_HANDLES chunks.
	CreateBufferList(entries []BOListEntry) (BufferListHandle, error)
	// DestroyBufferList releases a buffer list.
	DestroyBufferList(h BufferListHandle) error
}
