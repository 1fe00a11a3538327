package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/winsys"
	"github.com/gogpu/winsys/backend"
)

// ringResult accumulates the outcome of all producers on one ring.
type ringResult struct {
	ring      winsys.RingType
	flushes   atomic.Uint64
	rejected  atomic.Uint64
	dwords    atomic.Uint64
	fenceWait atomic.Int64
}

// Report is the outcome of a benchmark run.
type Report struct {
	Backend string
	Elapsed time.Duration
	Rings   []*ringResult
	Stats   winsys.Stats
}

// Run executes the benchmark described by cfg and writes the report to out.
func Run(ctx context.Context, cfg *Config, out io.Writer) error {
	rep, err := runBench(ctx, cfg)
	if err != nil {
		return err
	}
	renderReport(out, cfg, rep)
	return nil
}

func openDevice(name string) (string, winsys.Device, error) {
	if name == "" {
		return backend.OpenDefault()
	}
	dev, err := backend.Open(name)
	return name, dev, err
}

func runBench(ctx context.Context, cfg *Config) (*Report, error) {
	rings, err := cfg.RingTypes()
	if err != nil {
		return nil, err
	}

	name, dev, err := openDevice(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close(dev)

	reg := prometheus.NewRegistry()
	metrics, err := winsys.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, reg)
		if err != nil {
			return nil, err
		}
		defer stop()
	}

	ws, err := winsys.New(dev, append(cfg.WinsysOptions(), winsys.WithMetrics(metrics))...)
	if err != nil {
		return nil, err
	}

	shared, err := createBuffers(ws, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, b := range shared {
			_ = b.Destroy()
		}
	}()

	results := make([]*ringResult, len(rings))
	for i, r := range rings {
		results[i] = &ringResult{ring: r}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := range cfg.Producers {
		g.Go(func() error {
			return produce(gctx, ws, cfg, p, shared, results)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Report{
		Backend: name,
		Elapsed: time.Since(start),
		Rings:   results,
		Stats:   ws.Stats(),
	}, nil
}

func createBuffers(ws *winsys.Winsys, cfg *Config) ([]*winsys.Buffer, error) {
	size, err := parseSize(cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	buffers := make([]*winsys.Buffer, 0, max(cfg.Buffers, 0))
	for range cfg.Buffers {
		b, err := ws.CreateBuffer(size, winsys.DomainVRAM)
		if err != nil {
			for _, created := range buffers {
				_ = created.Destroy()
			}
			return nil, err
		}
		buffers = append(buffers, b)
	}
	return buffers, nil
}

// produce runs one producer: a private context with one command stream per
// ring, flushed cfg.Flushes times.
func produce(ctx context.Context, ws *winsys.Winsys, cfg *Config, id int, shared []*winsys.Buffer, results []*ringResult) error {
	wctx, err := ws.CreateContext()
	if err != nil {
		return fmt.Errorf("producer %d: %w", id, err)
	}
	defer wctx.Destroy()

	streams := make([]*winsys.CS, len(results))
	for i, res := range results {
		cs, err := wctx.CreateCS(res.ring)
		if err != nil {
			return fmt.Errorf("producer %d: %w", id, err)
		}
		defer cs.Destroy()
		streams[i] = cs
	}

	var flags winsys.FlushFlags
	if cfg.Async {
		flags = winsys.FlushAsync
	}

	words := make([]uint32, cfg.DWords)
	for n := range cfg.Flushes {
		if err := ctx.Err(); err != nil {
			return err
		}

		for i, cs := range streams {
			res := results[i]

			if len(shared) > 0 {
				b := shared[(id+n)%len(shared)]
				cs.AddBuffer(b, winsys.UsageRead|winsys.UsageSynchronized, winsys.PrioVertexBuffer)
			}

			if err := cs.Reserve(len(words)); err != nil {
				return fmt.Errorf("producer %d: %s: %w", id, res.ring, err)
			}
			for j := range words {
				words[j] = uint32(id<<24 | n<<8 | j&0xff)
			}
			cs.Append(words...)

			fence, err := cs.Flush(flags)
			res.flushes.Add(1)
			res.dwords.Add(uint64(len(words)))
			switch {
			case err == nil:
			case errors.Is(err, winsys.ErrSubmissionRejected), errors.Is(err, winsys.ErrCanceled):
				res.rejected.Add(1)
			default:
				return fmt.Errorf("producer %d: %s: %w", id, res.ring, err)
			}

			t := time.Now()
			fence.Wait(winsys.Forever)
			res.fenceWait.Add(int64(time.Since(t)))
			fence.Release()
		}
	}

	for _, cs := range streams {
		cs.SyncFlush()
	}
	return nil
}

// serveMetrics exposes reg on addr and returns a function that stops the
// server.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			winsys.Logger().Error("csbench: metrics server failed", "err", err)
		}
	}()
	winsys.Logger().Info("csbench: serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func renderReport(out io.Writer, cfg *Config, rep *Report) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.SetTitle(fmt.Sprintf("backend %s, %d producers, %s", rep.Backend, cfg.Producers, rep.Elapsed.Round(time.Microsecond)))
	tbl.AppendHeader(table.Row{"Ring", "Flushes", "Rejected", "Stream", "Flushes/s", "Avg wait"})

	secs := rep.Elapsed.Seconds()
	for _, r := range rep.Rings {
		flushes := r.flushes.Load()
		var rate float64
		if secs > 0 {
			rate = float64(flushes) / secs
		}
		var avg time.Duration
		if flushes > 0 {
			avg = time.Duration(r.fenceWait.Load() / int64(flushes))
		}
		tbl.AppendRow(table.Row{
			r.ring.String(),
			flushes,
			r.rejected.Load(),
			humanize.IBytes(r.dwords.Load() * 4),
			humanize.CommafWithDigits(rate, 1),
			avg,
		})
	}
	tbl.Render()

	st := table.NewWriter()
	st.SetOutputMirror(out)
	st.SetStyle(table.StyleLight)
	st.AppendHeader(table.Row{"Counter", "Value"})
	st.AppendRows([]table.Row{
		{"GFX IBs", rep.Stats.GfxIBs},
		{"SDMA IBs", rep.Stats.SDMAIBs},
		{"GFX IB bytes", humanize.IBytes(rep.Stats.GfxIBBytes)},
		{"GFX buffers listed", rep.Stats.GfxBufferListed},
		{"Rejected", rep.Stats.TotalRejected},
	})
	st.Render()
}
