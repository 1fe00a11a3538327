// Package winsys turns command words written by a GPU driver into kernel
// submissions.
//
// # Overview
//
// A driver records instruction words into a command stream and hands it to
// the kernel together with the list of buffers the stream touches and the
// fences it must wait for. winsys owns the client side of that exchange:
// it grows streams across chained segments, dedupes buffer references,
// derives fence dependencies from prior buffer use and moves the kernel call
// to a per-stream worker so the producer can keep recording.
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/winsys"
//		"github.com/gogpu/winsys/backend"
//	)
//
//	_, dev, err := backend.OpenDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer backend.Close(dev)
//
//	ws, _ := winsys.New(dev)
//	ctx, _ := ws.CreateContext()
//	defer ctx.Destroy()
//
//	cs, _ := ctx.CreateCS(winsys.RingGFX)
//	defer cs.Destroy()
//
//	_ = cs.Reserve(3)
//	cs.Append(0xc0001000, 0, 0)
//	cs.AddBuffer(vertices, winsys.UsageRead|winsys.UsageSynchronized, winsys.PrioVertexBuffer)
//
//	fence, err := cs.Flush(0)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fence.Wait(winsys.Forever)
//	fence.Release()
//
// # Command Streams
//
// A [CS] writes into a [Stream] backed by one or more IB segments. When a
// reservation does not fit, the stream allocates a larger segment and links
// the old one to it with an INDIRECT_BUFFER chain packet, so the kernel sees
// one IB. Segment sizes double from the minimum up to the maximum set with
// [WithMinSegmentBytes] and [WithMaxSegmentBytes]. GFX streams may carry a
// parallel compute stream that is submitted to the compute ring first.
//
// # Buffers and Fences
//
// Every buffer referenced with [UsageSynchronized] makes the next submission
// wait for the last submissions of other contexts or rings that used it.
// Dependencies already satisfied, or ordered by the ring itself, are elided.
// Fences are either ring sequence numbers or kernel syncobjs; both convert
// to and from sync files.
//
// # Failure Handling
//
// A rejected submission signals its fence, counts against its context and
// returns an error wrapping [ErrSubmissionRejected]. Command streams created
// with [WithStopOnFailure] stop submitting once the context has seen
// [WithRejectionThreshold] rejections. [Context.QueryResetStatus] reports
// whether the context caused or suffered a reset.
//
// # Backends
//
// The engine talks to the kernel through the [Device] interface. The
// backend package registers an in-memory simulator (backend/sim) and a
// device built on the gogpu/wgpu HAL (backend/halgpu).
//
// # Logging
//
// winsys is silent by default. Call [SetLogger] to route its log records to
// a [log/slog] handler.
package winsys
