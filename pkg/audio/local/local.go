// Package local binds the audio device interfaces to the host's sound
// hardware: microphone capture through miniaudio (malgo) and speaker
// playback through oto.
//
// Both libraries need cgo on most platforms. Code that only needs the
// interfaces should depend on [audio.Devices] and leave this package to the
// program's main.
package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Devices = (*Devices)(nil)

const defaultPlaybackBuffer = 100 * time.Millisecond

// Option is a functional option for configuring Devices.
type Option func(*Devices)

// WithPlaybackBuffer sets oto's device buffer length. Smaller values lower
// the latency of barge-in at the cost of underrun risk.
func WithPlaybackBuffer(d time.Duration) Option {
	return func(ds *Devices) {
		if d > 0 {
			ds.playbackBuffer = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(ds *Devices) {
		if l != nil {
			ds.logger = l
		}
	}
}

// Devices opens the default system input and output devices.
type Devices struct {
	playbackBuffer time.Duration
	logger         *slog.Logger
}

// New returns a Devices for the host's default hardware.
func New(opts ...Option) *Devices {
	d := &Devices{
		playbackBuffer: defaultPlaybackBuffer,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ── Capture ────────────────────────────────────────────────────────────────────

// OpenCapture initialises the default microphone in f with a period of
// blockFrames frames. The device does not run until Start.
func (d *Devices) OpenCapture(f audio.Format, blockFrames int) (audio.CaptureDevice, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("local: capture: %w", err)
	}
	logger := d.logger
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug("local: miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("local: init audio context: %w", err)
	}
	return &captureDevice{
		format:      f,
		blockFrames: blockFrames,
		mctx:        mctx,
	}, nil
}

type captureDevice struct {
	format      audio.Format
	blockFrames int

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	closed bool
}

// Start begins capturing and calls onBlock from the device thread with each
// block of interleaved float samples.
func (c *captureDevice) Start(onBlock func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("local: capture device closed")
	}
	if c.device != nil {
		return errors.New("local: capture device already started")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(c.format.Channels)
	cfg.SampleRate = uint32(c.format.SampleRate)
	if c.blockFrames > 0 {
		cfg.PeriodSizeInFrames = uint32(c.blockFrames)
	}

	var buf []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			n := len(input) / 4
			if cap(buf) < n {
				buf = make([]float32, n)
			}
			buf = buf[:n]
			for i := range buf {
				buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
			}
			onBlock(buf)
		},
	}
	dev, err := malgo.InitDevice(c.mctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("local: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("local: start capture device: %w", err)
	}
	c.device = dev
	return nil
}

// Close stops the device and releases the miniaudio context. Idempotent.
func (c *captureDevice) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	err := c.mctx.Uninit()
	c.mctx.Free()
	if err != nil {
		return fmt.Errorf("local: release audio context: %w", err)
	}
	return nil
}

// ── Playback ───────────────────────────────────────────────────────────────────

// oto allows a single context per process, so it is created on first use and
// shared by every playback device afterwards.
var (
	otoOnce   sync.Once
	otoCtx    *oto.Context
	otoFormat audio.Format
	otoErr    error
)

func sharedContext(f audio.Format, buffer time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   buffer,
		})
		if err != nil {
			otoErr = fmt.Errorf("local: init playback context: %w", err)
			return
		}
		<-ready
		otoCtx, otoFormat = ctx, f
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoFormat != f {
		return nil, fmt.Errorf("local: playback already initialised as %s, cannot reopen as %s", otoFormat, f)
	}
	return otoCtx, nil
}

// OpenPlayback acquires the default speaker in f. The device stays silent
// until Start.
func (d *Devices) OpenPlayback(f audio.Format) (audio.PlaybackDevice, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("local: playback: %w", err)
	}
	ctx, err := sharedContext(f, d.playbackBuffer)
	if err != nil {
		return nil, err
	}
	return &playbackDevice{ctx: ctx, format: f}, nil
}

type playbackDevice struct {
	ctx    *oto.Context
	format audio.Format

	mu     sync.Mutex
	player *oto.Player
	closed bool
}

// Start begins pulling samples from render.
func (p *playbackDevice) Start(render func(out []float32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("local: playback device closed")
	}
	if p.player != nil {
		return errors.New("local: playback device already started")
	}
	p.player = p.ctx.NewPlayer(&renderReader{render: render, channels: p.format.Channels})
	p.player.Play()
	return nil
}

// Close stops the player. The shared oto context stays alive. Idempotent.
func (p *playbackDevice) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.player == nil {
		return nil
	}
	p.player.Pause()
	err := p.player.Close()
	p.player = nil
	if err != nil {
		return fmt.Errorf("local: close player: %w", err)
	}
	return nil
}

// renderReader adapts a float render callback to the io.Reader oto pulls
// from, emitting little-endian float32 samples.
type renderReader struct {
	render   func(out []float32)
	channels int
	buf      []float32
}

func (r *renderReader) Read(p []byte) (int, error) {
	frameBytes := 4 * r.channels
	n := (len(p) / frameBytes) * r.channels
	if n == 0 {
		return 0, nil
	}
	if cap(r.buf) < n {
		r.buf = make([]float32, n)
	}
	r.buf = r.buf[:n]
	r.render(r.buf)
	for i, v := range r.buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	return n * 4, nil
}
