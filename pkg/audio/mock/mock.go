// Package mock provides in-memory implementations of [audio.Devices],
// [audio.CaptureDevice] and [audio.PlaybackDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. Tests push microphone blocks with
// [Capture.Feed] and drive the output clock with [Playback.Pull].
//
// Typical usage:
//
//	devs := &mock.Devices{}
//	ctrl := session.New(session.Config{Devices: devs, ...})
//	_ = ctrl.Start(ctx)
//	devs.LastCapture().Feed(make([]float32, 4096))
//	out := devs.LastPlayback().Pull(2400)
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

var errStarted = errors.New("mock: device already started")

// ─── Devices ─────────────────────────────────────────────────────────────────

// Devices is a mock implementation of [audio.Devices].
type Devices struct {
	mu sync.Mutex

	// CaptureErr, if non-nil, is returned by OpenCapture.
	CaptureErr error

	// PlaybackErr, if non-nil, is returned by OpenPlayback.
	PlaybackErr error

	// CaptureStartErr, if non-nil, is returned by Capture.Start.
	CaptureStartErr error

	captures  []*Capture
	playbacks []*Playback
}

// OpenCapture records the call and returns a new [Capture] or CaptureErr.
func (d *Devices) OpenCapture(f audio.Format, blockFrames int) (audio.CaptureDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CaptureErr != nil {
		return nil, d.CaptureErr
	}
	c := &Capture{Format: f, BlockFrames: blockFrames, startErr: d.CaptureStartErr}
	d.captures = append(d.captures, c)
	return c, nil
}

// OpenPlayback records the call and returns a new [Playback] or PlaybackErr.
func (d *Devices) OpenPlayback(f audio.Format) (audio.PlaybackDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PlaybackErr != nil {
		return nil, d.PlaybackErr
	}
	p := &Playback{Format: f}
	d.playbacks = append(d.playbacks, p)
	return p, nil
}

// Captures returns every capture device opened so far, in order.
func (d *Devices) Captures() []*Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Capture(nil), d.captures...)
}

// Playbacks returns every playback device opened so far, in order.
func (d *Devices) Playbacks() []*Playback {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Playback(nil), d.playbacks...)
}

// LastCapture returns the most recently opened capture device, or nil.
func (d *Devices) LastCapture() *Capture {
	c := d.Captures()
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// LastPlayback returns the most recently opened playback device, or nil.
func (d *Devices) LastPlayback() *Playback {
	p := d.Playbacks()
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

var _ audio.Devices = (*Devices)(nil)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock [audio.CaptureDevice].
type Capture struct {
	mu sync.Mutex

	// Format and BlockFrames are the values passed to OpenCapture.
	Format      audio.Format
	BlockFrames int

	startErr error
	onBlock  func([]float32)
	started  bool
	closed   bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start registers onBlock. It returns the configured start error, if any.
func (c *Capture) Start(onBlock func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	if c.started {
		return errStarted
	}
	c.started = true
	c.onBlock = onBlock
	return nil
}

// Feed delivers one block to the registered callback as the device thread
// would. It reports false when the device is not started or already closed.
func (c *Capture) Feed(samples []float32) bool {
	c.mu.Lock()
	cb := c.onBlock
	live := c.started && !c.closed
	c.mu.Unlock()
	if !live || cb == nil {
		return false
	}
	cb(samples)
	return true
}

// Started reports whether Start succeeded.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Closed reports whether Close was called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close marks the device closed.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.CallCountClose++
	return nil
}

var _ audio.CaptureDevice = (*Capture)(nil)

// ─── Playback ────────────────────────────────────────────────────────────────

// Playback is a mock [audio.PlaybackDevice].
type Playback struct {
	mu sync.Mutex

	// Format is the value passed to OpenPlayback.
	Format audio.Format

	render  func([]float32)
	started bool
	closed  bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start registers render.
func (p *Playback) Start(render func([]float32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errStarted
	}
	p.started = true
	p.render = render
	return nil
}

// Pull renders frames sample frames through the registered callback and
// returns the interleaved output. It returns nil when not started or closed.
func (p *Playback) Pull(frames int) []float32 {
	p.mu.Lock()
	render := p.render
	live := p.started && !p.closed
	channels := p.Format.Channels
	p.mu.Unlock()
	if !live || render == nil {
		return nil
	}
	if channels <= 0 {
		channels = 1
	}
	out := make([]float32, frames*channels)
	render(out)
	return out
}

// Started reports whether Start succeeded.
func (p *Playback) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Closed reports whether Close was called.
func (p *Playback) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close marks the device closed.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.CallCountClose++
	return nil
}

var _ audio.PlaybackDevice = (*Playback)(nil)
