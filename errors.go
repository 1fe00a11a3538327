package winsys

import "errors"

// Sentinel errors returned by winsys. Errors produced by the device are
// wrapped so that both the sentinel and the device error match errors.Is.
var (
	// ErrCapacityExceeded is returned when a reservation cannot be satisfied:
	// the submission would exceed its maximum size, or the current segment is
	// too small and the ring cannot chain segments. The stream is left as it
	// was; the caller must flush or split the work.
	ErrCapacityExceeded = errors.New("winsys: command stream capacity exceeded")

	// ErrAllocationFailure is returned when backing memory for a segment
	// cannot be obtained from the device.
	ErrAllocationFailure = errors.New("winsys: allocation failure")

	// ErrSubmissionRejected is returned by a synchronous flush when the device
	// refused the request. The fence of the rejected submission is signalled.
	ErrSubmissionRejected = errors.New("winsys: submission rejected")

	// ErrCanceled is returned when a fail-fast command stream refuses to
	// submit because its context has already had rejected submissions.
	ErrCanceled = errors.New("winsys: submission canceled, context is lost")

	// ErrOutOfMemory is reported by devices that ran out of memory while
	// processing a submission.
	ErrOutOfMemory = errors.New("winsys: not enough memory for command submission")

	// ErrContextLost is returned by Context.CheckLost after a reset.
	ErrContextLost = errors.New("winsys: context lost")

	// ErrDestroyed is returned when an object is used after Destroy.
	ErrDestroyed = errors.New("winsys: object destroyed")

	// ErrNoDevice is returned by New when no device is provided.
	ErrNoDevice = errors.New("winsys: no device")

	// ErrNotSyncobj is returned when an operation requires a syncobj fence.
	ErrNotSyncobj = errors.New("winsys: fence is not a syncobj")

	// ErrInvalidDependency is returned for dependency flags that cannot apply
	// to the given fence.
	ErrInvalidDependency = errors.New("winsys: invalid fence dependency")

	// ErrInvalidRing is returned for ring types the operation does not support.
	ErrInvalidRing = errors.New("winsys: invalid ring type")

	// ErrParallelCompute is returned when a parallel compute stream cannot be
	// added to a command stream.
	ErrParallelCompute = errors.New("winsys: parallel compute stream unavailable")

	// ErrInvalidBuffer is returned for malformed buffer descriptions.
	ErrInvalidBuffer = errors.New("winsys: invalid buffer")

	// ErrMalformedChunk is returned when a chunk payload cannot be decoded.
	ErrMalformedChunk = errors.New("winsys: malformed chunk")
)
