package winsys_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/winsys"
	"github.com/gogpu/winsys/backend/sim"
)

// counter returns the value of the counter series of family name whose
// labels include all of want.
func counter(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := winsys.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	dev := sim.New()
	ws := newWinsys(t, dev, winsys.WithMetrics(m))
	ctx := newContext(t, ws)
	gfx := newCS(t, ctx, winsys.RingGFX)
	dma := newCS(t, ctx, winsys.RingDMA)

	write(t, gfx, 1, 2, 3)
	flush(t, gfx)
	write(t, gfx, 1)
	flush(t, gfx)
	flush(t, dma)

	dev.FailNextSubmit(errors.New("bad request"))
	write(t, dma, 0)
	f, _ := dma.Flush(0)
	f.Release()

	gfxLabel := map[string]string{"ring": "gfx"}
	if got := counter(t, reg, "winsys_submissions_total", gfxLabel); got != 2 {
		t.Errorf("gfx submissions = %v, want 2", got)
	}
	if got := counter(t, reg, "winsys_ib_bytes_total", gfxLabel); got != 64 {
		t.Errorf("gfx IB bytes = %v, want 64", got)
	}
	if got := counter(t, reg, "winsys_empty_flushes_total", map[string]string{"ring": "dma"}); got != 1 {
		t.Errorf("dma empty flushes = %v, want 1", got)
	}
	if got := counter(t, reg, "winsys_rejections_total", map[string]string{"ring": "dma", "reason": "rejected"}); got != 1 {
		t.Errorf("dma rejections = %v, want 1", got)
	}
	if got := counter(t, reg, "winsys_segment_alloc_bytes_total", gfxLabel); got == 0 {
		t.Error("no segment allocation recorded")
	}
	n, err := testutil.GatherAndCount(reg, "winsys_transport_seconds")
	if err != nil || n != 1 {
		t.Errorf("transport histogram series = %d, %v; want 1", n, err)
	}
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := winsys.NewMetrics(reg); err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if _, err := winsys.NewMetrics(reg); err == nil {
		t.Error("second registration on one registry succeeded")
	}
}

func TestMetricsElidedAndDroppedFences(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := winsys.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	dev := sim.New(sim.WithManualRetire())
	ws := newWinsys(t, dev, winsys.WithMetrics(m), winsys.WithMaxBufferFences(1))
	buf, err := ws.CreateBuffer(4096, winsys.DomainGTT)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	cs := newCS(t, newContext(t, ws), winsys.RingGFX)
	write(t, cs, 0)
	f := flush(t, cs)
	if err := cs.AddFenceDependency(f, 0); err != nil {
		t.Fatalf("AddFenceDependency: %v", err)
	}

	for range 2 {
		other := newCS(t, newContext(t, ws), winsys.RingGFX)
		other.AddBuffer(buf, winsys.UsageRead, winsys.PrioQuery)
		write(t, other, 0)
		flush(t, other)
	}

	if got := counter(t, reg, "winsys_fences_elided_total", map[string]string{"ring": "gfx"}); got < 1 {
		t.Errorf("elided fences = %v, want at least 1", got)
	}
	if got := counter(t, reg, "winsys_buffer_fences_dropped_total", nil); got != 1 {
		t.Errorf("dropped fences = %v, want 1", got)
	}
}
