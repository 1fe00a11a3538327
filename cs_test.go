package winsys_test

import (
	"bytes"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/winsys"
	"github.com/gogpu/winsys/backend/sim"
)

const nop = 0xffff1000

func newWinsys(t *testing.T, dev winsys.Device, opts ...winsys.Option) *winsys.Winsys {
	t.Helper()
	ws, err := winsys.New(dev, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ws
}

func newContext(t *testing.T, ws *winsys.Winsys, opts ...winsys.ContextOption) *winsys.Context {
	t.Helper()
	ctx, err := ws.CreateContext(opts...)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	t.Cleanup(ctx.Destroy)
	return ctx
}

func newCS(t *testing.T, ctx *winsys.Context, ring winsys.RingType, opts ...winsys.CSOption) *winsys.CS {
	t.Helper()
	cs, err := ctx.CreateCS(ring, opts...)
	if err != nil {
		t.Fatalf("CreateCS(%s): %v", ring, err)
	}
	t.Cleanup(cs.Destroy)
	return cs
}

// write reserves and appends words to the main stream.
func write(t *testing.T, cs *winsys.CS, words ...uint32) {
	t.Helper()
	if err := cs.Reserve(len(words)); err != nil {
		t.Fatalf("Reserve(%d): %v", len(words), err)
	}
	cs.Append(words...)
}

func flush(t *testing.T, cs *winsys.CS) *winsys.Fence {
	t.Helper()
	f, err := cs.Flush(0)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	t.Cleanup(f.Release)
	return f
}

func last(t *testing.T, dev *sim.Device) sim.Submission {
	t.Helper()
	sub, ok := dev.LastSubmission()
	if !ok {
		t.Fatal("no submission reached the device")
	}
	return sub
}

func TestFlushSubmitsPaddedStream(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws)
	cs := newCS(t, ctx, winsys.RingGFX)

	write(t, cs, 1, 2, 3)
	f := flush(t, cs)

	sub := last(t, dev)
	want := []uint32{1, 2, 3, nop, nop, nop, nop, nop}
	if got := sub.Words(); !slices.Equal(got, want) {
		t.Errorf("words = %#x, want %#x", got, want)
	}
	if sub.IB.IBBytes != 32 {
		t.Errorf("IBBytes = %d, want 32", sub.IB.IBBytes)
	}
	if sub.Flags != winsys.IBFlagTCWBNotInvalidate {
		t.Errorf("IB flags = %#x, want TC_WB_NOT_INVALIDATE", sub.Flags)
	}
	wantChunks := []winsys.ChunkID{winsys.ChunkBOHandles, winsys.ChunkFence, winsys.ChunkIB}
	if !slices.Equal(sub.Chunks, wantChunks) {
		t.Errorf("chunks = %v, want %v", sub.Chunks, wantChunks)
	}
	if sub.UserFence == nil || sub.UserFence.Offset != 0 {
		t.Errorf("user fence = %+v, want slot 0", sub.UserFence)
	}

	if !f.Wait(0) {
		t.Error("fence not signalled after the device retired the submission")
	}
	if f.State() != winsys.FenceSignalled {
		t.Errorf("State() = %s, want signalled", f.State())
	}
	if rf := f.RingFence(); rf.Seq != 1 || rf.IP != winsys.IPGFX || rf.Context != ctx.Handle() {
		t.Errorf("RingFence() = %+v", rf)
	}

	st := ws.Stats()
	if st.GfxIBs != 1 || st.GfxIBBytes != 32 || st.GfxBufferListed != 1 || st.CommandStreams != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestPaddingPerRing(t *testing.T) {
	tests := []struct {
		name  string
		ring  winsys.RingType
		chip  winsys.ChipClass
		words int
		pad   uint32
	}{
		{"gfx", winsys.RingGFX, winsys.GFX9, 8, nop},
		{"dma gfx6", winsys.RingDMA, winsys.GFX6, 8, 0xf0000000},
		{"dma gfx9", winsys.RingDMA, winsys.GFX9, 1, 0},
		{"uvd", winsys.RingUVD, winsys.GFX9, 16, 0x80000000},
		{"vcn dec", winsys.RingVCNDec, winsys.GFX9, 16, 0x000081ff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := sim.DefaultInfo()
			info.ChipClass = tt.chip
			dev := sim.New(sim.WithInfo(info))
			ws := newWinsys(t, dev)
			cs := newCS(t, newContext(t, ws), tt.ring)

			write(t, cs, 0x1)
			flush(t, cs)

			words := last(t, dev).Words()
			if len(words) != tt.words {
				t.Fatalf("stream is %d words, want %d", len(words), tt.words)
			}
			for i, w := range words[1:] {
				if w != tt.pad {
					t.Errorf("word %d = %#x, want padding %#x", i+1, w, tt.pad)
				}
			}
		})
	}
}

func TestChainsSegments(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev, winsys.WithMinSegmentBytes(64*1024))
	cs := newCS(t, newContext(t, ws), winsys.RingGFX, winsys.WithMaxSubmitDWords(1<<17))

	if !cs.HasChaining() {
		t.Fatal("GFX9 GFX stream cannot chain")
	}
	const n = 70000
	if err := cs.Reserve(n); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := cs.Main().SegmentCount(); got != 2 {
		t.Errorf("SegmentCount() = %d, want 2", got)
	}
	body := make([]uint32, n)
	for i := range body {
		body[i] = uint32(i)
	}
	cs.Append(body...)
	flush(t, cs)

	sub := last(t, dev)
	if len(sub.Segments) != 2 {
		t.Fatalf("device executed %d segments, want 2", len(sub.Segments))
	}

	first := sub.Segments[0].Words
	if len(first) != 8 || sub.IB.IBBytes != 32 {
		t.Fatalf("first segment is %d words, IB %d bytes; want 8 words, 32 bytes", len(first), sub.IB.IBBytes)
	}
	for i := range 4 {
		if first[i] != nop {
			t.Errorf("first segment word %d = %#x, want NOP", i, first[i])
		}
	}
	if !winsys.IsChainPacket(first[4:]) {
		t.Fatalf("first segment does not end in a chain packet: %#x", first[4:])
	}
	if first[7] != n|1<<20|1<<23 {
		t.Errorf("chain size word = %#x, want %#x", first[7], uint32(n|1<<20|1<<23))
	}
	va, dwords := winsys.ChainTarget(first[4:])
	if va != sub.Segments[1].VA || dwords != n {
		t.Errorf("chain target = %#x/%d, want %#x/%d", va, dwords, sub.Segments[1].VA, n)
	}
	if got := sub.Segments[1].Words; len(got) != n || got[n-1] != n-1 {
		t.Errorf("second segment has %d words", len(got))
	}

	// Both segment allocations travel in the buffer list.
	if len(sub.Buffers) != 2 {
		t.Errorf("buffer list has %d entries, want 2", len(sub.Buffers))
	}
}

func TestReserveLimits(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws)

	dma := newCS(t, ctx, winsys.RingDMA)
	if dma.HasChaining() {
		t.Fatal("DMA stream reports chaining")
	}
	if err := dma.Reserve(9000); !errors.Is(err, winsys.ErrCapacityExceeded) {
		t.Errorf("Reserve past the segment of a non-chaining ring error = %v, want ErrCapacityExceeded", err)
	}
	if err := dma.Reserve(winsys.DefaultMaxSubmitDWords + 1); !errors.Is(err, winsys.ErrCapacityExceeded) {
		t.Errorf("Reserve past the submission limit error = %v, want ErrCapacityExceeded", err)
	}

	gfx := newCS(t, ctx, winsys.RingGFX)
	if err := gfx.Main().Chain(winsys.DefaultMaxSegmentBytes); !errors.Is(err, winsys.ErrCapacityExceeded) {
		t.Errorf("Chain past the segment limit error = %v, want ErrCapacityExceeded", err)
	}
	if err := gfx.Reserve(-1); !errors.Is(err, winsys.ErrCapacityExceeded) {
		t.Errorf("Reserve(-1) error = %v, want ErrCapacityExceeded", err)
	}
}

// segmentSizes returns the sizes of the main GFX segment allocations, in
// allocation order.
func segmentSizes(dev *sim.Device) []uint64 {
	var sizes []uint64
	for _, a := range dev.Allocations() {
		if a.Label == "ib-gfx-main" {
			sizes = append(sizes, a.Size)
		}
	}
	return sizes
}

func TestPeakDecaysAndSegmentShrinks(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	// 10000 dwords in small reservations outgrow the first segment, so the
	// stream chains into one sized for its peak.
	chunk := make([]uint32, 100)
	for range 100 {
		write(t, cs, chunk...)
	}
	flush(t, cs)

	sizes := segmentSizes(dev)
	if len(sizes) != 2 {
		t.Fatalf("%d segment allocations, want 2", len(sizes))
	}
	if sizes[0] != winsys.DefaultMinSegmentBytes || sizes[1] != 2*winsys.DefaultMinSegmentBytes {
		t.Fatalf("segment sizes = %v, want [%d %d]", sizes, winsys.DefaultMinSegmentBytes, 2*winsys.DefaultMinSegmentBytes)
	}

	peak := cs.Main().PeakDW()
	if peak < 10000-10000/32 {
		t.Fatalf("PeakDW() = %d after a 10000 dword stream", peak)
	}

	// Every new stream forgets 1/32 of the peak.
	for i := range 8 {
		flush(t, cs)
		want := peak - peak/32
		if got := cs.Main().PeakDW(); got != want {
			t.Fatalf("PeakDW() after %d empty flushes = %d, want %d", i+1, got, want)
		}
		peak = want
	}
	if peak >= winsys.DefaultMinSegmentBytes/4 {
		t.Fatalf("PeakDW() = %d, want below one minimum segment", peak)
	}
	if n := len(segmentSizes(dev)); n != 2 {
		t.Fatalf("%d segment allocations after empty flushes, want 2", n)
	}

	// Small streams use up the large segment; its replacement is sized
	// for the decayed peak.
	for n := 0; len(segmentSizes(dev)) == 2; n++ {
		if n == 32 {
			t.Fatal("segment was never replaced")
		}
		write(t, cs, make([]uint32, 1024)...)
		flush(t, cs)
	}
	sizes = segmentSizes(dev)
	if got := sizes[len(sizes)-1]; got != winsys.DefaultMinSegmentBytes {
		t.Errorf("replacement segment = %d bytes, want %d", got, winsys.DefaultMinSegmentBytes)
	}
}

func TestOverflowedStreamIsDropped(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingDMA)

	// Writing without a reservation runs past the segment.
	cs.Append(make([]uint32, cs.Main().Remaining()+1)...)
	f, err := cs.Flush(0)
	if !errors.Is(err, winsys.ErrCapacityExceeded) {
		t.Errorf("Flush error = %v, want ErrCapacityExceeded", err)
	}
	if f == nil {
		t.Fatal("Flush returned no fence for a dropped stream")
	}
	defer f.Release()

	if dev.SubmitCalls() != 0 {
		t.Errorf("overflowed stream reached the device")
	}
	if !f.Wait(0) {
		t.Error("fence of a dropped stream is not signalled")
	}
	if cs.Main().DW() != 0 {
		t.Errorf("DW() after flush = %d, want 0", cs.Main().DW())
	}

	// The next stream submits normally.
	write(t, cs, 0x1)
	flush(t, cs)
	if dev.SubmitCalls() != 1 {
		t.Errorf("SubmitCalls() = %d after a clean flush, want 1", dev.SubmitCalls())
	}
}

func TestEmptyFlush(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	buf, err := ws.CreateBuffer(4096, winsys.DomainVRAM)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	cs.AddBuffer(buf, winsys.UsageRead, winsys.PrioVertexBuffer)

	f := flush(t, cs)
	if f.State() != winsys.FenceSignalled {
		t.Errorf("empty flush fence state = %s, want signalled", f.State())
	}
	if dev.SubmitCalls() != 0 {
		t.Errorf("empty flush reached the device")
	}
	if buf.CSReferences() != 0 || cs.IsBufferReferenced(buf, 0) {
		t.Error("empty flush kept the buffer reference")
	}
	if buf.FenceCount() != 0 {
		t.Errorf("empty flush attached %d fences", buf.FenceCount())
	}
}

func TestNextFenceIsFlushFence(t *testing.T) {
	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	next := cs.NextFence()
	defer next.Release()
	if next.State() != winsys.FenceCreated {
		t.Fatalf("next fence state = %s, want created", next.State())
	}

	write(t, cs, 0)
	f := flush(t, cs)
	if f != next {
		t.Fatal("Flush did not return the fence handed out by NextFence")
	}
	if next.State() != winsys.FenceSubmitted {
		t.Errorf("state after flush = %s, want submitted", next.State())
	}

	dev.RetireAll()
	if !next.Wait(winsys.Forever) {
		t.Error("Wait(Forever) = false")
	}
}

func TestAsyncFlush(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingCompute)

	var fences []*winsys.Fence
	for i := range 5 {
		write(t, cs, uint32(i))
		f, err := cs.Flush(winsys.FlushAsync)
		if err != nil {
			t.Fatalf("Flush(async) %d: %v", i, err)
		}
		fences = append(fences, f)
	}
	for i, f := range fences {
		if !f.Wait(time.Second) {
			t.Errorf("fence %d did not signal", i)
		}
		f.Release()
	}
	cs.SyncFlush()

	subs := dev.Submissions()
	if len(subs) != 5 {
		t.Fatalf("device saw %d submissions, want 5", len(subs))
	}
	for i, sub := range subs {
		if sub.Seq != uint64(i+1) || sub.Words()[0] != uint32(i) {
			t.Errorf("submission %d has seq %d, first word %d", i, sub.Seq, sub.Words()[0])
		}
	}
}

func TestSubmissionRejected(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	guilty := newContext(t, ws)
	bystander := newContext(t, ws)
	cs := newCS(t, guilty, winsys.RingGFX)

	boom := errors.New("device said no")
	dev.FailNextSubmit(boom)
	write(t, cs, 0)
	f, err := cs.Flush(0)
	if !errors.Is(err, winsys.ErrSubmissionRejected) || !errors.Is(err, boom) {
		t.Fatalf("Flush error = %v, want ErrSubmissionRejected wrapping the device error", err)
	}
	defer f.Release()

	if f.State() != winsys.FenceSignalled {
		t.Errorf("rejected fence state = %s, want signalled", f.State())
	}
	if guilty.Rejections() != 1 || ws.Stats().TotalRejected != 1 {
		t.Errorf("rejections = %d, total = %d; want 1, 1", guilty.Rejections(), ws.Stats().TotalRejected)
	}

	if s := guilty.QueryResetStatus(); s != winsys.GuiltyReset {
		t.Errorf("guilty context status = %s", s)
	}
	if s := bystander.QueryResetStatus(); s != winsys.InnocentReset {
		t.Errorf("bystander context status = %s", s)
	}
	if s := newContext(t, ws).QueryResetStatus(); s != winsys.NoReset {
		t.Errorf("context created after the rejection status = %s", s)
	}
	if err := guilty.CheckLost(); !errors.Is(err, winsys.ErrContextLost) {
		t.Errorf("CheckLost() = %v, want ErrContextLost", err)
	}

	// Without fail-fast the next submission goes through.
	write(t, cs, 0)
	flush(t, cs)
}

func TestOutOfMemory(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	dev.FailNextSubmit(winsys.ErrOutOfMemory)
	write(t, cs, 0)
	f, err := cs.Flush(0)
	defer f.Release()
	if !errors.Is(err, winsys.ErrSubmissionRejected) || !errors.Is(err, winsys.ErrOutOfMemory) {
		t.Errorf("Flush error = %v, want ErrOutOfMemory", err)
	}
}

func TestStopOnFailure(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws, winsys.WithRejectionThreshold(2))
	cs := newCS(t, ctx, winsys.RingGFX, winsys.WithStopOnFailure(true))

	boom := errors.New("hang")
	dev.FailNextSubmit(boom)
	dev.FailNextSubmit(boom)

	for i := range 2 {
		write(t, cs, 0)
		f, err := cs.Flush(0)
		f.Release()
		if !errors.Is(err, boom) {
			t.Fatalf("flush %d error = %v, want the device error", i, err)
		}
	}

	write(t, cs, 0)
	f, err := cs.Flush(0)
	defer f.Release()
	if !errors.Is(err, winsys.ErrCanceled) {
		t.Fatalf("flush of a lost context error = %v, want ErrCanceled", err)
	}
	if !f.Wait(0) {
		t.Error("canceled fence is not signalled")
	}
	if dev.SubmitCalls() != 2 {
		t.Errorf("device saw %d calls, want 2", dev.SubmitCalls())
	}
	if ctx.Rejections() != 3 {
		t.Errorf("Rejections() = %d, want 3", ctx.Rejections())
	}
}

func TestLegacyBufferList(t *testing.T) {
	info := sim.DefaultInfo()
	info.DRMMinor = 20
	dev := sim.New(sim.WithInfo(info))
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	write(t, cs, 0)
	flush(t, cs)

	sub := last(t, dev)
	if want := []winsys.ChunkID{winsys.ChunkFence, winsys.ChunkIB}; !slices.Equal(sub.Chunks, want) {
		t.Errorf("chunks = %v, want %v", sub.Chunks, want)
	}
	if len(sub.Buffers) != 1 {
		t.Errorf("kernel buffer list has %d entries, want 1", len(sub.Buffers))
	}
	if sub.Flags != 0 {
		t.Errorf("IB flags = %#x on an old kernel, want 0", sub.Flags)
	}
	if dev.BufferLists() != 0 {
		t.Errorf("%d buffer lists leaked", dev.BufferLists())
	}
}

func TestLegacyBufferListFailure(t *testing.T) {
	info := sim.DefaultInfo()
	info.DRMMinor = 20
	dev := sim.New(sim.WithInfo(info))
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws)
	cs := newCS(t, ctx, winsys.RingGFX)

	// A buffer the device does not know makes the list creation fail.
	stray := ws.NewBuffer(winsys.Allocation{Handle: 999, VA: 1 << 40, Size: 4096, Domain: winsys.DomainGTT})
	cs.AddBuffer(stray, winsys.UsageRead, winsys.PrioQuery)
	write(t, cs, 0)

	f, err := cs.Flush(0)
	defer f.Release()
	if !errors.Is(err, winsys.ErrSubmissionRejected) {
		t.Fatalf("Flush error = %v, want ErrSubmissionRejected", err)
	}
	if !f.Wait(0) {
		t.Error("fence not signalled")
	}
	if ctx.Rejections() != 0 {
		t.Errorf("buffer list failure counted %d rejections, want 0", ctx.Rejections())
	}
	if dev.SubmitCalls() != 0 {
		t.Error("request reached the device")
	}
}

func TestNoopWinsys(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev, winsys.WithNoop(true))
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	next := cs.NextFence()
	defer next.Release()
	if next.State() != winsys.FenceSignalled {
		t.Errorf("noop next fence state = %s", next.State())
	}

	write(t, cs, 1, 2, 3)
	f := flush(t, cs)
	if !f.Wait(0) || dev.SubmitCalls() != 0 {
		t.Errorf("noop flush: signalled %v, device calls %d", f.Wait(0), dev.SubmitCalls())
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := winsys.New(nil); !errors.Is(err, winsys.ErrNoDevice) {
		t.Errorf("New(nil) error = %v, want ErrNoDevice", err)
	}
	_, err := winsys.New(sim.New(),
		winsys.WithMinSegmentBytes(1<<20),
		winsys.WithMaxSegmentBytes(1<<16),
	)
	if !errors.Is(err, winsys.ErrInvalidBuffer) {
		t.Errorf("New(max < min) error = %v, want ErrInvalidBuffer", err)
	}
}

func TestCreateCSErrors(t *testing.T) {
	ws := newWinsys(t, sim.New())
	ctx := newContext(t, ws)

	if _, err := ctx.CreateCS(winsys.NumRingTypes); !errors.Is(err, winsys.ErrInvalidRing) {
		t.Errorf("CreateCS(invalid) error = %v, want ErrInvalidRing", err)
	}

	cs := newCS(t, ctx, winsys.RingGFX)
	cs.Destroy()
	if _, err := cs.Flush(0); !errors.Is(err, winsys.ErrDestroyed) {
		t.Errorf("Flush after Destroy error = %v, want ErrDestroyed", err)
	}
	if err := cs.Reserve(1); !errors.Is(err, winsys.ErrDestroyed) {
		t.Errorf("Reserve after Destroy error = %v, want ErrDestroyed", err)
	}
	if ws.Stats().CommandStreams != 0 {
		t.Errorf("CommandStreams = %d after Destroy", ws.Stats().CommandStreams)
	}
}

func TestContextOutlivesDestroy(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	ctx, err := ws.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	cs, err := ctx.CreateCS(winsys.RingGFX)
	if err != nil {
		t.Fatalf("CreateCS: %v", err)
	}

	write(t, cs, 0)
	f, err := cs.Flush(0)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	cs.Destroy()
	ctx.Destroy()
	if dev.Contexts() != 1 {
		t.Fatalf("context freed while a fence holds it")
	}
	f.Release()
	if dev.Contexts() != 0 {
		t.Errorf("context not freed after the last fence was released")
	}
}

func TestConcurrentStreamsShareBuffer(t *testing.T) {
	// Nothing retires until the end, so no dependency is elided as signalled.
	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev)
	shared, err := ws.CreateBuffer(1<<16, winsys.DomainVRAM)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	const producers, flushes = 4, 10
	streams := make([]*winsys.CS, producers)
	for i := range streams {
		streams[i] = newCS(t, newContext(t, ws), winsys.RingGFX)
	}

	var g errgroup.Group
	for _, cs := range streams {
		g.Go(func() error {
			for range flushes {
				if err := cs.Reserve(4); err != nil {
					return err
				}
				cs.Append(1, 2, 3, 4)
				cs.AddBuffer(shared, winsys.UsageReadWrite|winsys.UsageSynchronized, winsys.PrioShaderRWBuffer)
				f, err := cs.Flush(0)
				if err != nil {
					return err
				}
				f.Release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producer: %v", err)
	}

	subs := dev.Submissions()
	if len(subs) != producers*flushes {
		t.Fatalf("device saw %d submissions, want %d", len(subs), producers*flushes)
	}

	type ringSeq struct {
		ctx winsys.ContextHandle
		seq uint64
	}
	type pair struct{ waiter, owner winsys.ContextHandle }

	executed := make(map[ringSeq]bool, len(subs))
	prev := make(map[winsys.ContextHandle]int)
	lastDep := make(map[pair]uint64)
	var total int

	for i, sub := range subs {
		waits := make(map[winsys.ContextHandle]uint64)
		for _, d := range sub.Dependencies {
			total++
			if d.Context == sub.Context {
				t.Errorf("submission %d waits for its own context", i)
				continue
			}
			if !executed[ringSeq{d.Context, d.Seq}] {
				t.Errorf("submission %d waits for context %d seq %d, which the device has not run yet", i, d.Context, d.Seq)
				continue
			}
			p := pair{sub.Context, d.Context}
			if d.Seq < lastDep[p] {
				t.Errorf("submission %d waits for context %d seq %d, older than seq %d waited for before", i, d.Context, d.Seq, lastDep[p])
			}
			lastDep[p] = d.Seq
			waits[d.Context] = max(waits[d.Context], d.Seq)
		}

		// Flush is synchronous, so every submission the device ran before
		// the previous one of this context was visible when this one was
		// flushed.
		if p, ok := prev[sub.Context]; ok {
			for _, earlier := range subs[:p] {
				if earlier.Context == sub.Context {
					continue
				}
				if waits[earlier.Context] < earlier.Seq {
					t.Errorf("submission %d waits for context %d seq %d, want at least seq %d",
						i, earlier.Context, waits[earlier.Context], earlier.Seq)
				}
			}
		}

		executed[ringSeq{sub.Context, sub.Seq}] = true
		prev[sub.Context] = i
	}
	if total == 0 {
		t.Error("no submission waited for another context")
	}

	if n := dev.RetireAll(); n != producers*flushes {
		t.Errorf("RetireAll() = %d, want %d", n, producers*flushes)
	}
	if !ws.WaitBuffer(shared, time.Second) {
		t.Error("shared buffer not idle")
	}
	if shared.ActiveSubmissions() != 0 {
		t.Errorf("ActiveSubmissions() = %d", shared.ActiveSubmissions())
	}
}

func TestNewLogsDevice(t *testing.T) {
	orig := winsys.Logger()
	t.Cleanup(func() { winsys.SetLogger(orig) })

	var buf bytes.Buffer
	winsys.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	newWinsys(t, sim.New())
	winsys.SetLogger(orig)

	out := buf.String()
	if !strings.Contains(out, "winsys: created") || !strings.Contains(out, "device=sim") {
		t.Errorf("creation log = %q", out)
	}
}
