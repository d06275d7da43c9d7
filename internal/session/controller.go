// Package session implements the controller that owns one live duplex voice
// session at a time.
//
// A [Controller] acquires the sound devices, connects an [s2s.Session], and
// routes what the server sends: audio goes to the playback scheduler,
// transcript fragments go to the accumulator and then the turn log, and
// barge-in signals cut the playing audio short. Start and Stop are the only
// operations that change what is running; everything else is read-only
// state for a UI layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// ErrDeviceUnavailable is returned by [Controller.Start] when a capture or
// playback device cannot be acquired or started.
var ErrDeviceUnavailable = errors.New("session: device unavailable")

// errCaptureStart ends a run whose microphone failed to start after the
// transport opened.
var errCaptureStart = errors.New("session: capture start failed")

// Config holds the collaborators and stream parameters of a [Controller].
type Config struct {
	// Provider connects transport sessions. Required.
	Provider s2s.Provider

	// Devices acquires the microphone and speaker. Required.
	Devices audio.Devices

	// SessionConfig is sent with every new connection. It can be replaced
	// between runs with [Controller.SetSessionConfig].
	SessionConfig s2s.SessionConfig

	// InputRate overrides the capture rate. Zero uses the provider's input
	// format.
	InputRate int

	// BlockFrames is the capture callback size in frames. Defaults to
	// [audio.DefaultBlockFrames].
	BlockFrames int

	// OutputFormat is the playback device format. A zero rate uses the
	// provider's output rate; zero channels means mono.
	OutputFormat audio.Format

	// QueueSize bounds the capture to transport hand-off. Zero uses the
	// capture package default.
	QueueSize int

	// Transcript receives finalised turns. Defaults to a fresh log.
	Transcript *transcript.Log

	// Metrics records session telemetry. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// Controller runs at most one transport session at a time.
//
// All methods are safe for concurrent use.
type Controller struct {
	provider    s2s.Provider
	devices     audio.Devices
	inputRate   int
	blockFrames int
	outFormat   audio.Format
	queueSize   int
	log         *transcript.Log
	metrics     *observe.Metrics
	logger      *slog.Logger

	// opMu serialises Start and Stop.
	opMu sync.Mutex

	mu       sync.Mutex
	status   s2s.SessionState
	sessCfg  s2s.SessionConfig
	current  *run
	onStatus []func(s2s.SessionState)
}

// New creates an idle Controller. It returns an error if a required
// collaborator is missing.
func New(cfg Config) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Devices == nil {
		return nil, errors.New("session: devices are required")
	}
	c := &Controller{
		provider:    cfg.Provider,
		devices:     cfg.Devices,
		inputRate:   cfg.InputRate,
		blockFrames: cfg.BlockFrames,
		outFormat:   cfg.OutputFormat,
		queueSize:   cfg.QueueSize,
		log:         cfg.Transcript,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		status:      s2s.StateIdle,
		sessCfg:     cfg.SessionConfig,
	}
	if c.inputRate <= 0 {
		c.inputRate = cfg.Provider.InputFormat().SampleRate
	}
	if c.blockFrames <= 0 {
		c.blockFrames = audio.DefaultBlockFrames
	}
	if c.outFormat.SampleRate <= 0 {
		c.outFormat.SampleRate = cfg.Provider.OutputFormat().SampleRate
	}
	if c.outFormat.Channels <= 0 {
		c.outFormat.Channels = 1
	}
	if c.log == nil {
		c.log = transcript.NewLog()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// ── Control ──────────────────────────────────────────────────────────────────

// Start stops any active run and begins a new one.
//
// Devices are acquired synchronously: if either cannot be opened Start
// returns an error wrapping [ErrDeviceUnavailable] and nothing is left open.
// The transport connects in the background; status moves to
// [s2s.StateConnecting] now and to [s2s.StateOpen] once the server
// acknowledges the setup, at which point the microphone starts.
//
// ctx supplies values such as the trace; cancelling it does not end the run.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stopLocked()

	c.mu.Lock()
	sessCfg := c.sessCfg
	c.mu.Unlock()

	r, err := c.acquire(ctx, sessCfg)
	if err != nil {
		c.setStatus(s2s.StateIdle)
		return err
	}

	c.mu.Lock()
	c.current = r
	c.mu.Unlock()
	c.setStatus(s2s.StateConnecting)

	go c.supervise(r)
	return nil
}

// Stop ends the active run, if any, and waits for its teardown. Playing
// audio is cancelled and no event received afterwards changes any state.
// Stop is idempotent; the status is [s2s.StateIdle] when it returns.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		// An errored run has already torn down; Stop acknowledges it.
		c.setStatus(s2s.StateIdle)
		return nil
	}

	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	c.setStatus(s2s.StateClosing)
	r.cancel()
	<-r.done
	c.setStatus(s2s.StateIdle)
	return r.teardownErr
}

// SetSessionConfig replaces the configuration used by the next Start. A live
// session keeps the configuration it was connected with.
func (c *Controller) SetSessionConfig(cfg s2s.SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessCfg = cfg
}

// SessionConfig returns the configuration the next Start will use.
func (c *Controller) SessionConfig() s2s.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessCfg
}

// ── State ────────────────────────────────────────────────────────────────────

// Status returns the exposed session status.
func (c *Controller) Status() s2s.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus registers fn to be called after every status change. Callbacks
// run synchronously on the goroutine that changed the status and must not
// call Start or Stop.
func (c *Controller) OnStatus(fn func(s2s.SessionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// Turns returns a copy of the ordered turn log.
func (c *Controller) Turns() []transcript.TurnRecord {
	return c.log.Turns()
}

// Transcript returns the turn log shared by every run.
func (c *Controller) Transcript() *transcript.Log {
	return c.log
}

// ClearTurns empties the turn log. Turn numbering of the active run is not
// affected.
func (c *Controller) ClearTurns() {
	c.log.Clear()
}

// SessionID returns the ID of the active transport session, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.sess.ID()
}

// Done returns a channel closed when the active run has fully torn down. With
// no active run it returns an already closed channel.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.current.done
}

// setStatus records s and notifies listeners when it differs from the
// current status.
func (c *Controller) setStatus(s s2s.SessionState) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	listeners := slices.Clone(c.onStatus)
	c.mu.Unlock()

	c.metrics.RecordStateChange(context.Background(), s.String())
	for _, fn := range listeners {
		fn(s)
	}
}

// nextTurn returns the turn index following the last logged record.
func (c *Controller) nextTurn() int {
	turns := c.log.Turns()
	if len(turns) == 0 {
		return 0
	}
	return turns[len(turns)-1].Turn + 1
}

// ── Run ──────────────────────────────────────────────────────────────────────

// run is one transport session together with the devices and pipeline
// stages it drives.
type run struct {
	sess     s2s.Session
	sched    *playback.Scheduler
	pipeline *capture.Pipeline
	capDev   audio.CaptureDevice
	acc      *transcript.Accumulator
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	closer closerStack

	done        chan struct{}
	teardownErr error

	// mu is held while an event is handled. Once stopped is set no further
	// event is applied.
	mu             sync.Mutex
	stopped        bool
	captureStarted bool
}

// acquire opens the devices, starts playback and connects the transport.
// On failure everything acquired so far is released.
func (c *Controller) acquire(ctx context.Context, sessCfg s2s.SessionConfig) (_ *run, err error) {
	var stack closerStack
	defer func() {
		if err != nil {
			if cerr := stack.closeAll(); cerr != nil {
				c.logger.Warn("session: release after failed start", "err", cerr)
			}
		}
	}()

	playDev, err := c.devices.OpenPlayback(c.outFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: open playback %s: %w", ErrDeviceUnavailable, c.outFormat, err)
	}
	stack.push("playback device", playDev.Close)

	inFormat := audio.Format{SampleRate: c.inputRate, Channels: 1}
	capDev, err := c.devices.OpenCapture(inFormat, c.blockFrames)
	if err != nil {
		return nil, fmt.Errorf("%w: open capture %s: %w", ErrDeviceUnavailable, inFormat, err)
	}
	stack.push("capture device", capDev.Close)

	sched, err := playback.New(c.outFormat,
		playback.WithMetrics(c.metrics),
		playback.WithChunkFormat(c.provider.OutputFormat()),
	)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	stack.push("scheduler", sched.Close)

	if err := playDev.Start(sched.Render); err != nil {
		return nil, fmt.Errorf("%w: start playback: %w", ErrDeviceUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := c.provider.Connect(runCtx, sessCfg)
	stack.push("transport", sess.Close)
	runCtx, span := observe.StartSessionSpan(runCtx, c.provider.Name(), sess.ID())
	c.metrics.ActiveSessions.Add(runCtx, 1)

	logger := c.logger.With("session_id", sess.ID(), "provider", c.provider.Name())
	opts := []capture.Option{
		capture.WithRate(c.inputRate),
		capture.WithMetrics(c.metrics),
		capture.WithLogger(logger),
	}
	if c.queueSize > 0 {
		opts = append(opts, capture.WithQueueSize(c.queueSize))
	}

	acc := transcript.NewAccumulator()
	acc.Reset(c.nextTurn())

	r := &run{
		sess:     sess,
		sched:    sched,
		pipeline: capture.New(sess, opts...),
		capDev:   capDev,
		acc:      acc,
		logger:   logger,
		ctx:      runCtx,
		cancel:   cancel,
		span:     span,
		closer:   stack,
		done:     make(chan struct{}),
	}
	logger.Info("session: connecting",
		"input", inFormat.String(), "output", c.outFormat.String(), "voice", sessCfg.Voice)
	return r, nil
}

// supervise runs the event loop and the capture forwarder until the session
// ends or the run is cancelled, then tears everything down.
func (c *Controller) supervise(r *run) {
	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		defer r.cancel()
		return c.eventLoop(gctx, r)
	})
	g.Go(func() error {
		return r.pipeline.Run(gctx)
	})
	runErr := g.Wait()

	r.pipeline.Close()
	r.teardownErr = r.closer.closeAll()
	// Unblock the transport writer until it closes the channel.
	go audio.Drain(r.sess.Events())

	c.metrics.ActiveSessions.Add(context.WithoutCancel(r.ctx), -1)
	if runErr != nil {
		r.span.RecordError(runErr)
		r.span.SetStatus(codes.Error, runErr.Error())
	}
	r.span.End()

	stats := r.sched.Stats()
	r.logger.Info("session: ended",
		"scheduled", stats.Scheduled,
		"dropped", stats.Dropped,
		"interrupts", stats.Interrupts,
		"sent", r.pipeline.Stats().Sent,
	)
	if r.teardownErr != nil {
		r.logger.Warn("session: teardown", "err", r.teardownErr)
	}

	c.mu.Lock()
	if c.current == r {
		c.current = nil
	}
	c.mu.Unlock()
	close(r.done)
}

// eventLoop applies server events in arrival order until a terminal event,
// channel close or cancellation.
func (c *Controller) eventLoop(ctx context.Context, r *run) error {
	events := r.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				c.handleClosedChannel(r)
				return nil
			}
			end, err := c.handle(r, ev)
			if end {
				return err
			}
		}
	}
}

// handle applies one event and reports whether the run is over.
func (c *Controller) handle(r *run, ev s2s.ServerEvent) (end bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return true, nil
	}

	c.metrics.RecordTransportEvent(r.ctx, c.provider.Name(), ev.Kind())

	switch ev := ev.(type) {
	case s2s.Opened:
		if err := c.startCapture(r); err != nil {
			r.logger.Error("session: start capture", "err", err)
			c.setStatus(s2s.StateErrored)
			return true, err
		}
		r.logger.Info("session: open")
		c.setStatus(s2s.StateOpen)

	case s2s.TranscriptDelta, s2s.TurnComplete:
		records, ok := r.acc.Apply(ev)
		if ok {
			c.log.Append(records...)
			c.metrics.RecordTurnCompleted(r.ctx)
			r.logger.Debug("session: turn complete", "turn", records[0].Turn)
		}

	case s2s.AudioChunk:
		if _, err := r.sched.Enqueue(ev.Chunk); err != nil {
			r.logger.Warn("session: dropped response chunk",
				"turn", r.acc.Turn(),
				"bytes", len(ev.Chunk.Data),
				"mime", ev.Chunk.MIMEType,
				"err", err,
			)
		}

	case s2s.Interrupted:
		n := r.sched.Interrupt()
		r.logger.Debug("session: interrupted", "turn", r.acc.Turn(), "cancelled_units", n)

	case s2s.ConnectionError:
		r.logger.Error("session: connection error", "reason", ev.Reason, "err", ev.Err)
		c.setStatus(s2s.StateErrored)
		return true, ev

	case s2s.Closed:
		r.logger.Info("session: closed by transport")
		c.setStatus(s2s.StateIdle)
		return true, nil
	}
	return false, nil
}

// handleClosedChannel settles the status when the event channel closed
// without a terminal event being delivered.
func (c *Controller) handleClosedChannel(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.sess.State() == s2s.StateErrored {
		c.setStatus(s2s.StateErrored)
		return
	}
	c.setStatus(s2s.StateIdle)
}

// startCapture begins the microphone stream and opens the pipeline gate.
// Called with r.mu held.
func (c *Controller) startCapture(r *run) error {
	if r.captureStarted {
		return nil
	}
	if err := r.capDev.Start(r.pipeline.Process); err != nil {
		return fmt.Errorf("%w: %w", errCaptureStart, err)
	}
	r.captureStarted = true
	r.pipeline.Open()
	return nil
}

// ── Closer stack ─────────────────────────────────────────────────────────────

type namedCloser struct {
	name string
	fn   func() error
}

// closerStack releases resources in reverse acquisition order.
type closerStack struct {
	closers []namedCloser
}

func (s *closerStack) push(name string, fn func() error) {
	s.closers = append(s.closers, namedCloser{name: name, fn: fn})
}

// closeAll runs every closer, newest first, and joins their errors. The
// stack is empty afterwards.
func (s *closerStack) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		nc := s.closers[i]
		if err := nc.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", nc.name, err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
