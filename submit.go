package winsys

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// submit is the transport of one submission context. It runs on the
// stream's worker, one submission at a time and in flush order.
func (cs *CS) submit(sc *submissionContext) {
	ws := cs.ws
	start := time.Now()

	_, span := ws.tracer.Start(context.Background(), "winsys.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("winsys.ring", cs.ring.String()),
			attribute.Int64("winsys.context", int64(cs.ctx.handle)),
		))
	defer span.End()

	err := cs.transport(sc, span)

	if err != nil {
		// The device will never signal the fence.
		sc.fence.markSignalled()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		ws.metrics.submitted(cs.ring, sc.ib[ibMain].IBBytes, len(sc.buffers.real), time.Since(start))
	}
	sc.err = err

	sc.buffers.finishSubmission()
	sc.cleanup()
}

// transport sends sc to the device and marks its fence submitted.
func (cs *CS) transport(sc *submissionContext, span trace.Span) error {
	ws := cs.ws
	ctx := cs.ctx
	legacy := ws.info.DRMMinor < 27
	hasUserFence := cs.ring.hasUserFence()

	for _, list := range []fenceList{sc.fenceDeps, sc.syncobjDeps, sc.computeDeps, sc.computeStartDeps} {
		for _, f := range list {
			f.submitted.Wait()
		}
	}

	sc.buffers.resolveSparseBacking()
	cs.boList = sc.buffers.boList(cs.boList[:0])

	req := &Request{Context: ctx.handle}
	if legacy {
		h, err := ws.dev.CreateBufferList(cs.boList)
		if err != nil {
			slogger().Error("winsys: buffer list creation failed", "ring", cs.ring.String(), "err", err)
			return fmt.Errorf("%w: create buffer list: %w", ErrSubmissionRejected, err)
		}
		req.BufferList = h
		defer func() {
			if err := ws.dev.DestroyBufferList(h); err != nil {
				slogger().Warn("winsys: destroy buffer list failed", "err", err)
			}
		}()
	} else {
		req.Buffers = cs.boList
	}

	if cs.ring == RingGFX {
		ws.stats.gfxBOListCount.Add(uint64(len(cs.boList)))
	}

	span.SetAttributes(
		attribute.Int("winsys.buffers", len(cs.boList)),
		attribute.Int("winsys.dependencies", len(sc.fenceDeps)+len(sc.syncobjDeps)),
	)

	var err error
	if cs.stopOnFailure && ctx.lost() {
		err = ErrCanceled
	} else {
		err = cs.submitChunks(sc, req, hasUserFence, legacy)
	}

	if err != nil {
		ctx.rejected.Add(1)
		ws.totalRejected.Add(1)

		switch {
		case errors.Is(err, ErrCanceled):
			ws.metrics.rejected(cs.ring, "canceled")
			slogger().Error("winsys: submission canceled because the context is lost",
				"ring", cs.ring.String(), "context", ctx.handle)
			return ErrCanceled
		case errors.Is(err, ErrOutOfMemory):
			ws.metrics.rejected(cs.ring, "out_of_memory")
			slogger().Error("winsys: not enough memory for command submission",
				"ring", cs.ring.String(), "context", ctx.handle)
		default:
			ws.metrics.rejected(cs.ring, "rejected")
			slogger().Error("winsys: submission rejected",
				"ring", cs.ring.String(), "context", ctx.handle, "err", err)
		}
		return fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}
	return nil
}

// submitChunks builds the chunk list of sc and submits it. A parallel
// compute stream goes first, as its own request, sharing the buffer list and
// the main dependencies.
func (cs *CS) submitChunks(sc *submissionContext, req *Request, hasUserFence, legacy bool) error {
	ws := cs.ws
	b := cs.chunkBytes[:0]
	chunks := cs.chunks[:0]

	// add appends one chunk whose payload was encoded at b[from:].
	add := func(id ChunkID, from int) {
		chunks = append(chunks, Chunk{ID: id, Data: b[from:len(b):len(b)]})
	}
	addDeps := func(id ChunkID, list fenceList) {
		if len(list) == 0 {
			return
		}
		from := len(b)
		for _, f := range list {
			b = depFromFence(f.ring).Encode(b)
		}
		add(id, from)
	}
	addSems := func(id ChunkID, list fenceList) {
		if len(list) == 0 {
			return
		}
		from := len(b)
		for _, f := range list {
			b = encodeSems(b, []SyncobjHandle{f.syncobj})
		}
		add(id, from)
	}

	defer func() {
		cs.chunkBytes = b[:0]
		cs.chunks = chunks[:0]
	}()

	// Payloads are appended to one scratch slice; reserve enough up front
	// so earlier chunks keep pointing at the final array.
	need := boListInSize + fenceInfoSize + 2*ibInfoSize +
		depInfoSize*(len(sc.fenceDeps)+len(sc.computeDeps)+len(sc.computeStartDeps)) +
		semInfoSize*(len(sc.syncobjDeps)+len(sc.syncobjSignals))
	if cap(b) < need {
		b = make([]byte, 0, need)
	}

	if !legacy {
		from := len(b)
		b = inlineBOList(len(req.Buffers)).Encode(b)
		add(ChunkBOHandles, from)
	}
	addDeps(ChunkDependencies, sc.fenceDeps)
	addSems(ChunkSyncobjIn, sc.syncobjDeps)

	if sc.ib[ibParallelCompute].IBBytes > 0 {
		shared := len(chunks)

		addDeps(ChunkDependencies, sc.computeDeps)
		addDeps(ChunkScheduledDependencies, sc.computeStartDeps)

		sc.ib[ibParallelCompute].IBBytes *= 4
		from := len(b)
		b = sc.ib[ibParallelCompute].Encode(b)
		add(ChunkIB, from)

		req.Chunks = chunks
		if _, err := ws.dev.Submit(req); err != nil {
			return err
		}

		chunks = chunks[:shared]
	}

	addSems(ChunkSyncobjOut, sc.syncobjSignals)

	if hasUserFence {
		from := len(b)
		b = cs.fenceChunk.Encode(b)
		add(ChunkFence, from)
	}

	sc.ib[ibMain].IBBytes *= 4
	from := len(b)
	b = sc.ib[ibMain].Encode(b)
	add(ChunkIB, from)

	req.Chunks = chunks
	seq, err := ws.dev.Submit(req)
	if err != nil {
		return err
	}

	var uf *atomic.Uint64
	if slots := cs.ctx.userFence.Slots; hasUserFence && int(cs.ring) < len(slots) {
		uf = &slots[cs.ring]
	}
	sc.fence.markSubmitted(seq, uf)
	return nil
}
