package winsys_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/winsys"
	"github.com/gogpu/winsys/backend/sim"
)

func TestSameRingDependencyIsElided(t *testing.T) {
	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	write(t, cs, 0)
	f := flush(t, cs)

	if err := cs.AddFenceDependency(f, 0); err != nil {
		t.Fatalf("AddFenceDependency: %v", err)
	}
	write(t, cs, 0)
	flush(t, cs)

	if deps := last(t, dev).Dependencies; len(deps) != 0 {
		t.Errorf("same-ring dependency was listed: %+v", deps)
	}
}

func TestCrossRingDependency(t *testing.T) {
	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws)
	dma := newCS(t, ctx, winsys.RingDMA)
	gfx := newCS(t, ctx, winsys.RingGFX)

	write(t, dma, 0)
	fd := flush(t, dma)

	if err := gfx.AddFenceDependency(fd, 0); err != nil {
		t.Fatalf("AddFenceDependency: %v", err)
	}
	write(t, gfx, 0)
	fg := flush(t, gfx)

	want := []winsys.RingFence{{Context: ctx.Handle(), IP: winsys.IPDMA, Seq: 1}}
	if deps := last(t, dev).Dependencies; !slices.Equal(deps, want) {
		t.Errorf("dependencies = %+v, want %+v", deps, want)
	}

	if fg.Wait(0) {
		t.Fatal("GFX fence signalled before the device ran it")
	}
	if n := dev.RetireRing(winsys.IPGFX); n != 0 {
		t.Errorf("GFX retired %d submissions ahead of its DMA dependency", n)
	}
	if n := dev.RetireAll(); n != 2 {
		t.Errorf("RetireAll() = %d, want 2", n)
	}
	if !fg.Wait(time.Second) || !fd.Wait(0) {
		t.Error("fences not signalled after retirement")
	}
}

func TestSignalledDependencyIsElided(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws)
	dma := newCS(t, ctx, winsys.RingDMA)
	gfx := newCS(t, ctx, winsys.RingGFX)

	write(t, dma, 0)
	fd := flush(t, dma)

	if err := gfx.AddFenceDependency(fd, 0); err != nil {
		t.Fatalf("AddFenceDependency: %v", err)
	}
	write(t, gfx, 0)
	flush(t, gfx)

	if deps := last(t, dev).Dependencies; len(deps) != 0 {
		t.Errorf("signalled dependency was listed: %+v", deps)
	}
}

func TestDependencyFlagErrors(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	if err := cs.AddFenceDependency(nil, 0); !errors.Is(err, winsys.ErrInvalidDependency) {
		t.Errorf("nil fence error = %v", err)
	}

	write(t, cs, 0)
	f := flush(t, cs)
	if err := cs.AddFenceDependency(f, winsys.DependencyStartFence); !errors.Is(err, winsys.ErrInvalidDependency) {
		t.Errorf("start fence on the main stream error = %v", err)
	}

	sf, err := ws.CreateSyncobjFence(false)
	if err != nil {
		t.Fatalf("CreateSyncobjFence: %v", err)
	}
	defer sf.Release()
	if err := cs.AddFenceDependency(sf, winsys.DependencyParallelComputeOnly); !errors.Is(err, winsys.ErrInvalidDependency) {
		t.Errorf("syncobj compute dependency error = %v", err)
	}
	if err := cs.AddSyncobjSignal(f); !errors.Is(err, winsys.ErrNotSyncobj) {
		t.Errorf("AddSyncobjSignal(ring fence) error = %v, want ErrNotSyncobj", err)
	}
}

func TestBufferFencesBecomeDependencies(t *testing.T) {
	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws)
	dma := newCS(t, ctx, winsys.RingDMA)
	gfx := newCS(t, ctx, winsys.RingGFX)

	buf, err := ws.CreateBuffer(1<<16, winsys.DomainVRAM)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	dma.AddBuffer(buf, winsys.UsageWrite|winsys.UsageSynchronized, winsys.PrioCPDMA)
	write(t, dma, 0)
	flush(t, dma)
	if buf.FenceCount() != 1 {
		t.Fatalf("FenceCount() = %d after the DMA flush, want 1", buf.FenceCount())
	}

	// An unsynchronized reference does not wait.
	gfx.AddBuffer(buf, winsys.UsageRead, winsys.PrioVertexBuffer)
	write(t, gfx, 0)
	flush(t, gfx)
	if deps := last(t, dev).Dependencies; len(deps) != 0 {
		t.Errorf("unsynchronized reference listed dependencies %+v", deps)
	}

	gfx.AddBuffer(buf, winsys.UsageRead|winsys.UsageSynchronized, winsys.PrioVertexBuffer)
	write(t, gfx, 0)
	flush(t, gfx)
	deps := last(t, dev).Dependencies
	if len(deps) != 1 || deps[0].IP != winsys.IPDMA {
		t.Errorf("synchronized reference dependencies = %+v, want the DMA fence", deps)
	}

	if ws.WaitBuffer(buf, 0) {
		t.Error("buffer idle while submissions are pending")
	}
	if ws.WaitBuffer(buf, 10*time.Millisecond) {
		t.Error("WaitBuffer returned true before retirement")
	}

	dev.RetireAll()
	if !ws.WaitBuffer(buf, time.Second) {
		t.Fatal("buffer not idle after retirement")
	}
	if buf.FenceCount() != 0 {
		t.Errorf("FenceCount() = %d after a successful wait, want 0", buf.FenceCount())
	}
}

func TestBufferFenceCap(t *testing.T) {
	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev, winsys.WithMaxBufferFences(2))
	buf, err := ws.CreateBuffer(4096, winsys.DomainGTT)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	// Streams of different contexts keep each other's fences attached.
	for range 3 {
		cs := newCS(t, newContext(t, ws), winsys.RingGFX)
		cs.AddBuffer(buf, winsys.UsageRead, winsys.PrioQuery)
		write(t, cs, 0)
		flush(t, cs)
	}
	if n := buf.FenceCount(); n != 2 {
		t.Errorf("FenceCount() = %d, want the cap of 2", n)
	}
}

func TestSyncobjSignalAndWait(t *testing.T) {
	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws)
	gfx := newCS(t, ctx, winsys.RingGFX)
	dma := newCS(t, ctx, winsys.RingDMA)

	sf, err := ws.CreateSyncobjFence(false)
	if err != nil {
		t.Fatalf("CreateSyncobjFence: %v", err)
	}
	defer sf.Release()
	if !sf.IsSyncobj() || sf.Context() != nil {
		t.Fatal("syncobj fence reports a ring identity")
	}

	if err := gfx.AddSyncobjSignal(sf); err != nil {
		t.Fatalf("AddSyncobjSignal: %v", err)
	}
	write(t, gfx, 0)
	flush(t, gfx)
	if out := last(t, dev).SyncobjOut; !slices.Equal(out, []winsys.SyncobjHandle{sf.Syncobj()}) {
		t.Errorf("SyncobjOut = %v", out)
	}

	if err := dma.AddFenceDependency(sf, 0); err != nil {
		t.Fatalf("AddFenceDependency(syncobj): %v", err)
	}
	write(t, dma, 0)
	flush(t, dma)
	if in := last(t, dev).SyncobjIn; !slices.Equal(in, []winsys.SyncobjHandle{sf.Syncobj()}) {
		t.Errorf("SyncobjIn = %v", in)
	}

	if sf.Wait(0) {
		t.Fatal("syncobj signalled before the GFX submission retired")
	}
	if n := dev.RetireRing(winsys.IPDMA); n != 0 {
		t.Errorf("DMA retired %d submissions before its syncobj signalled", n)
	}
	if n := dev.RetireAll(); n != 2 {
		t.Errorf("RetireAll() = %d, want 2", n)
	}
	if !sf.Wait(time.Second) {
		t.Error("syncobj not signalled after retirement")
	}
}

func TestSyncobjWithoutFenceIsRejected(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	sf, err := ws.CreateSyncobjFence(false)
	if err != nil {
		t.Fatalf("CreateSyncobjFence: %v", err)
	}
	defer sf.Release()

	if err := cs.AddFenceDependency(sf, 0); err != nil {
		t.Fatalf("AddFenceDependency: %v", err)
	}
	write(t, cs, 0)
	f, err := cs.Flush(0)
	defer f.Release()
	if !errors.Is(err, winsys.ErrSubmissionRejected) || !errors.Is(err, sim.ErrInvalidArgument) {
		t.Errorf("Flush error = %v, want a rejected submission", err)
	}
}

func TestSyncFileExportImport(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	write(t, cs, 0)
	f := flush(t, cs)

	fd, err := ws.ExportSyncFile(f)
	if err != nil {
		t.Fatalf("ExportSyncFile(ring fence): %v", err)
	}
	if ok, _ := dev.SyncFileSignalled(fd); !ok {
		t.Error("exported sync file of a retired fence is not signalled")
	}

	imported, err := ws.ImportSyncFile(fd)
	if err != nil {
		t.Fatalf("ImportSyncFile: %v", err)
	}
	defer imported.Release()
	if !imported.IsSyncobj() || !imported.Wait(0) {
		t.Error("imported sync file is not a signalled syncobj fence")
	}

	signalled, err := ws.ExportSignalledSyncFile()
	if err != nil {
		t.Fatalf("ExportSignalledSyncFile: %v", err)
	}
	if ok, _ := dev.SyncFileSignalled(signalled); !ok {
		t.Error("ExportSignalledSyncFile returned an unsignalled file")
	}

	out, err := ws.ExportSyncFile(imported)
	if err != nil {
		t.Fatalf("ExportSyncFile(syncobj): %v", err)
	}
	if ok, _ := dev.SyncFileSignalled(out); !ok {
		t.Error("re-exported sync file is not signalled")
	}

	if _, err := ws.ImportSyncFile(12345); err == nil {
		t.Error("ImportSyncFile(bad fd) succeeded")
	}
	if dev.Syncobjs() != 1 {
		t.Errorf("%d syncobjs alive, want only the imported one", dev.Syncobjs())
	}
}

func TestImportSharedSyncobj(t *testing.T) {
	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev)
	cs := newCS(t, newContext(t, ws), winsys.RingGFX)

	sf, err := ws.CreateSyncobjFence(false)
	if err != nil {
		t.Fatalf("CreateSyncobjFence: %v", err)
	}
	defer sf.Release()

	fd, err := dev.ShareSyncobj(sf.Syncobj())
	if err != nil {
		t.Fatalf("ShareSyncobj: %v", err)
	}
	peer, err := ws.ImportSyncobj(fd)
	if err != nil {
		t.Fatalf("ImportSyncobj: %v", err)
	}
	defer peer.Release()

	if err := cs.AddSyncobjSignal(peer); err != nil {
		t.Fatalf("AddSyncobjSignal: %v", err)
	}
	write(t, cs, 0)
	flush(t, cs)

	if sf.Wait(0) {
		t.Fatal("shared syncobj signalled early")
	}
	dev.RetireAll()
	if !sf.Wait(time.Second) {
		t.Error("original handle did not observe the signal of the imported one")
	}
}

func TestDeviceResetStatus(t *testing.T) {
	dev := sim.New()
	ws := newWinsys(t, dev)
	ctx := newContext(t, ws)

	if s := ctx.QueryResetStatus(); s != winsys.NoReset {
		t.Fatalf("fresh context status = %s", s)
	}
	dev.SetResetStatus(ctx.Handle(), winsys.UnknownReset)
	if s := ctx.QueryResetStatus(); s != winsys.UnknownReset {
		t.Errorf("status = %s, want the device report", s)
	}
	if err := ctx.CheckLost(); !errors.Is(err, winsys.ErrContextLost) {
		t.Errorf("CheckLost() = %v, want ErrContextLost", err)
	}
}
