// Package capture turns microphone blocks into transport-ready PCM chunks.
//
// The [Pipeline] sits between the real-time device callback and the network.
// [Pipeline.Process] runs on the audio thread: it converts one block of float
// samples to 16-bit PCM and hands it to a bounded queue without ever
// blocking. [Pipeline.Run] drains that queue on its own goroutine and
// forwards each chunk to a [Sink], typically an s2s session.
//
// The pipeline starts gated closed. Frames captured before [Pipeline.Open]
// (i.e. before the remote session is confirmed open) are discarded rather
// than buffered.
package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	defaultQueueSize   = 32
	defaultLogInterval = 10 * time.Second
)

// Drop reasons reported to [Metrics].
const (
	ReasonGateClosed = "gate_closed"
	ReasonQueueFull  = "queue_full"
)

// Sink receives encoded chunks. s2s.Session satisfies it.
type Sink interface {
	Send(chunk audio.MediaChunk)
}

// Metrics receives capture counters. Calls happen on the Run goroutine, never
// on the device callback.
type Metrics interface {
	RecordCaptureFrames(ctx context.Context, frames int64)
	RecordCaptureDropped(ctx context.Context, reason string, n int64)
	RecordTransportSent(ctx context.Context, n int64)
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	// Captured is the number of blocks handed to Process.
	Captured int64

	// Sent is the number of chunks forwarded to the sink.
	Sent int64

	// DroppedClosed counts blocks discarded while the gate was closed.
	DroppedClosed int64

	// DroppedFull counts blocks discarded because the queue was full.
	DroppedFull int64
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithRate sets the capture sample rate used for the chunk MIME tag.
// Defaults to [audio.DefaultInputRate].
func WithRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// WithQueueSize sets how many encoded chunks may wait for the sink.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithScale sets the float to int16 multiplier. Defaults to
// [audio.DefaultScale].
func WithScale(scale float32) Option {
	return func(p *Pipeline) {
		if scale > 0 {
			p.scale = scale
		}
	}
}

// WithMetrics reports counters to m.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithLogInterval sets how often Run logs accumulated drop counts.
func WithLogInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.logInterval = d
		}
	}
}

// Pipeline converts captured blocks and forwards them to a Sink.
//
// Process is safe to call from the device callback concurrently with Open,
// Close, Stats and Run.
type Pipeline struct {
	sink        Sink
	rate        int
	mime        string
	scale       float32
	queueSize   int
	logInterval time.Duration
	metrics     Metrics
	logger      *slog.Logger

	queue chan audio.MediaChunk
	open  atomic.Bool

	captured      atomic.Int64
	sent          atomic.Int64
	droppedClosed atomic.Int64
	droppedFull   atomic.Int64
}

// New creates a gated-closed Pipeline that forwards to sink.
func New(sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		sink:        sink,
		rate:        audio.DefaultInputRate,
		scale:       audio.DefaultScale,
		queueSize:   defaultQueueSize,
		logInterval: defaultLogInterval,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.mime = audio.PCMMIMEType(p.rate)
	p.queue = make(chan audio.MediaChunk, p.queueSize)
	return p
}

// Open lets captured blocks through to the queue.
func (p *Pipeline) Open() { p.open.Store(true) }

// Close gates the pipeline again. Queued chunks are still forwarded by Run.
func (p *Pipeline) Close() { p.open.Store(false) }

// IsOpen reports whether the gate is open.
func (p *Pipeline) IsOpen() bool { return p.open.Load() }

// Process is the device callback. It converts samples to PCM16 and enqueues
// the result without blocking. Blocks are dropped while the gate is closed or
// the queue is full.
func (p *Pipeline) Process(samples []float32) {
	p.captured.Add(1)
	if !p.open.Load() {
		p.droppedClosed.Add(1)
		return
	}
	chunk := audio.MediaChunk{
		Data:     audio.SamplesToInt16(samples, p.scale),
		MIMEType: p.mime,
	}
	select {
	case p.queue <- chunk:
	default:
		p.droppedFull.Add(1)
	}
}

// Run forwards queued chunks to the sink until ctx is cancelled. Any chunks
// still queued at cancellation are discarded. Run always returns nil after
// cancellation so it can sit in an errgroup without masking real failures.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.logInterval)
	defer ticker.Stop()

	var reported Stats
	defer func() { p.flush(context.WithoutCancel(ctx), reported) }()

	for {
		select {
		case <-ctx.Done():
			audio.DrainPending(p.queue)
			return nil
		case chunk := <-p.queue:
			p.sink.Send(chunk)
			p.sent.Add(1)
		case <-ticker.C:
			reported = p.flush(ctx, reported)
		}
	}
}

// flush reports the counter deltas since prev to metrics and logs drops.
func (p *Pipeline) flush(ctx context.Context, prev Stats) Stats {
	cur := p.Stats()
	dClosed := cur.DroppedClosed - prev.DroppedClosed
	dFull := cur.DroppedFull - prev.DroppedFull

	if p.metrics != nil {
		p.metrics.RecordCaptureFrames(ctx, cur.Captured-prev.Captured)
		p.metrics.RecordTransportSent(ctx, cur.Sent-prev.Sent)
		if dClosed > 0 {
			p.metrics.RecordCaptureDropped(ctx, ReasonGateClosed, dClosed)
		}
		if dFull > 0 {
			p.metrics.RecordCaptureDropped(ctx, ReasonQueueFull, dFull)
		}
	}
	if dFull > 0 {
		p.logger.Warn("capture: dropped blocks under backpressure",
			"dropped", dFull, "queue_size", p.queueSize, "total_dropped", cur.DroppedFull)
	}
	if dClosed > 0 {
		p.logger.Debug("capture: dropped blocks while gated closed", "dropped", dClosed)
	}
	return cur
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured:      p.captured.Load(),
		Sent:          p.sent.Load(),
		DroppedClosed: p.droppedClosed.Load(),
		DroppedFull:   p.droppedFull.Load(),
	}
}
