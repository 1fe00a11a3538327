package winsys

import (
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Winsys during creation.
//
// Example:
//
//	ws, err := winsys.New(dev,
//	    winsys.WithMaxBufferFences(64),
//	    winsys.WithMetrics(metrics),
//	)
type Option func(*options)

// options holds optional configuration for Winsys creation.
type options struct {
	minSegmentBytes uint64
	maxSegmentBytes uint64
	maxBufferFences int
	noop            bool
	metrics         *Metrics
	tracerProvider  trace.TracerProvider
}

// defaultOptions returns the default winsys options.
func defaultOptions() options {
	return options{
		minSegmentBytes: DefaultMinSegmentBytes,
		maxSegmentBytes: DefaultMaxSegmentBytes,
	}
}

// WithMinSegmentBytes sets the smallest segment allocation.
// The value is rounded up to a power of two.
func WithMinSegmentBytes(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.minSegmentBytes = nextPow2(n)
		}
	}
}

// WithMaxSegmentBytes sets the largest segment allocation. Values beyond
// DefaultMaxSegmentBytes are clamped, because a chain packet cannot address
// a larger segment.
func WithMaxSegmentBytes(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSegmentBytes = min(n, DefaultMaxSegmentBytes)
		}
	}
}

// WithMaxBufferFences caps the number of fences attached to one buffer.
// When the cap is reached the oldest fences are dropped and a warning is
// logged. Zero, the default, means no cap.
func WithMaxBufferFences(n int) Option {
	return func(o *options) {
		o.maxBufferFences = max(n, 0)
	}
}

// WithNoop makes every flush discard its stream without reaching the
// device. Useful to measure CPU overhead of stream building.
func WithNoop(noop bool) Option {
	return func(o *options) {
		o.noop = noop
	}
}

// WithMetrics records submission metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider sets the provider of the tracer used for transport
// spans. Defaults to the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// ContextOption configures a Context during creation.
type ContextOption func(*contextOptions)

type contextOptions struct {
	rejectionThreshold uint32
}

func defaultContextOptions() contextOptions {
	return contextOptions{rejectionThreshold: 1}
}

// WithRejectionThreshold sets how many rejected submissions a context may
// accumulate before fail-fast command streams stop submitting. The default
// is 1: the first rejection loses the context.
func WithRejectionThreshold(n uint32) ContextOption {
	return func(o *contextOptions) {
		o.rejectionThreshold = max(n, 1)
	}
}

// CSOption configures a command stream during creation.
//
// Example:
//
//	cs, err := ctx.CreateCS(winsys.RingGFX,
//	    winsys.WithStopOnFailure(true),
//	    winsys.WithMaxSubmitDWords(64*1024),
//	)
type CSOption func(*csOptions)

type csOptions struct {
	stopOnFailure bool
	maxSubmitDW   uint32
	ringIndex     uint32
}

func defaultCSOptions() csOptions {
	return csOptions{maxSubmitDW: DefaultMaxSubmitDWords}
}

// WithStopOnFailure makes the command stream fail fast: once its context
// reaches the rejection threshold, further flushes return ErrCanceled
// without reaching the device.
func WithStopOnFailure(stop bool) CSOption {
	return func(o *csOptions) {
		o.stopOnFailure = stop
	}
}

// WithMaxSubmitDWords sets the size limit of one submission of the main
// stream, across chained segments.
func WithMaxSubmitDWords(n uint32) CSOption {
	return func(o *csOptions) {
		if n > 0 {
			o.maxSubmitDW = n
		}
	}
}

// WithRingIndex selects the hardware ring of the ring type. The default is
// ring 0.
func WithRingIndex(ring uint32) CSOption {
	return func(o *csOptions) {
		o.ringIndex = ring
	}
}
