// Package playback schedules decoded model speech on a single output
// timeline.
//
// A [Scheduler] owns the timeline cursor and the set of live [Unit]s behind
// one mutex. Three parties touch it concurrently: the receive path calls
// [Scheduler.Enqueue] and [Scheduler.Interrupt], the output device pulls
// samples through [Scheduler.Render], and the controller calls
// [Scheduler.Close] on stop.
//
// Time is measured in output sample frames. The output clock is the number
// of frames the device has pulled so far, so it can never run backwards.
// Each unit starts at max(next, now): back-to-back when chunks arrive faster
// than real time, immediately when they arrive late. Units never overlap.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrDecode wraps every reason a chunk could not be turned into a unit.
	ErrDecode = errors.New("playback: decode chunk")
)

// Drop reasons reported to [Metrics].
const (
	ReasonDecode = "decode"
	ReasonClosed = "closed"
)

// Metrics receives scheduling counters.
type Metrics interface {
	// RecordPlaybackScheduled is called for every scheduled unit with the
	// amount of audio that was already queued ahead of it.
	RecordPlaybackScheduled(ctx context.Context, lead time.Duration)
	RecordPlaybackDropped(ctx context.Context, reason string)
	RecordInterruption(ctx context.Context, cancelled int)
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithMetrics reports scheduling counters to m.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithChunkFormat sets the format assumed for incoming chunks whose MIME tag
// carries no rate. Defaults to mono at the output rate.
func WithChunkFormat(f audio.Format) Option {
	return func(s *Scheduler) {
		if f.SampleRate > 0 {
			s.chunkRate = f.SampleRate
		}
		if f.Channels > 0 {
			s.chunkChannels = f.Channels
		}
	}
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Scheduled   int64
	Completed   int64
	Cancelled   int64
	Dropped     int64
	Interrupts  int64
	FramesMixed int64
}

// UnitInfo describes a live unit.
type UnitInfo struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// Scheduler is the playback timeline. All methods are safe for concurrent
// use.
type Scheduler struct {
	format        audio.Format
	chunkRate     int
	chunkChannels int
	metrics       Metrics

	mu     sync.Mutex
	now    int64 // frames rendered so far
	next   int64 // where the next unit may start
	live   []*Unit
	seq    uint64
	closed bool
	stats  Stats
}

// New creates a Scheduler that renders into the given output format.
func New(format audio.Format, opts ...Option) (*Scheduler, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	s := &Scheduler{
		format:        format,
		chunkRate:     format.SampleRate,
		chunkChannels: 1,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format returns the output format.
func (s *Scheduler) Format() audio.Format { return s.format }

// Enqueue decodes chunk and schedules it at max(next, now). A chunk that
// cannot be decoded is dropped with an error wrapping [ErrDecode]; the
// timeline is left untouched.
func (s *Scheduler) Enqueue(chunk audio.MediaChunk) (*Unit, error) {
	samples, err := s.decode(chunk)
	if err != nil {
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
		s.recordDropped(ReasonDecode)
		return nil, err
	}
	frames := int64(len(samples) / s.format.Channels)

	s.mu.Lock()
	if s.closed {
		s.stats.Dropped++
		s.mu.Unlock()
		s.recordDropped(ReasonClosed)
		return nil, ErrClosed
	}
	start := max(s.next, s.now)
	lead := start - s.now
	s.seq++
	u := &Unit{
		id:      s.seq,
		start:   start,
		frames:  frames,
		format:  s.format,
		samples: samples,
		done:    make(chan struct{}),
		owner:   s,
	}
	s.next = start + frames
	s.live = append(s.live, u)
	s.stats.Scheduled++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPlaybackScheduled(context.Background(), s.format.DurationOf(lead))
	}
	return u, nil
}

// decode turns a chunk into interleaved output samples.
func (s *Scheduler) decode(chunk audio.MediaChunk) ([]float32, error) {
	if len(chunk.Data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	rate, err := audio.ParsePCMRate(chunk.MIMEType, s.chunkRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	pcm := chunk.Data
	if len(pcm)%(2*s.chunkChannels) != 0 {
		return nil, fmt.Errorf("%w: %w: %d bytes for %d channels",
			ErrDecode, audio.ErrMisalignedBuffer, len(pcm), s.chunkChannels)
	}
	if s.chunkChannels == 1 && rate != s.format.SampleRate {
		pcm = audio.ResampleMono16(pcm, rate, s.format.SampleRate)
	} else if rate != s.format.SampleRate {
		return nil, fmt.Errorf("%w: %w: cannot resample %d-channel audio from %d Hz",
			ErrDecode, audio.ErrUnsupportedFormat, s.chunkChannels, rate)
	}

	planes, err := audio.Int16ToSamples(pcm, s.chunkChannels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(planes) == 0 || len(planes[0]) == 0 {
		return nil, fmt.Errorf("%w: no samples after resampling", ErrDecode)
	}
	return interleave(planes, s.format.Channels), nil
}

// interleave maps decoded planes onto outCh output channels. Output
// channels beyond the input repeat the last input plane.
func interleave(planes [][]float32, outCh int) []float32 {
	n := len(planes[0])
	out := make([]float32, n*outCh)
	for c := range outCh {
		plane := planes[min(c, len(planes)-1)]
		for i, v := range plane {
			out[i*outCh+c] = v
		}
	}
	return out
}

// Render fills out with the next len(out)/channels frames of the timeline
// and advances the output clock by that amount. It is the pull callback of
// the playback device. Units that finish inside this block are retired and
// their Done channels closed.
func (s *Scheduler) Render(out []float32) {
	clear(out)
	ch := s.format.Channels
	frames := int64(len(out) / ch)
	if frames == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from, to := s.now, s.now+frames
	kept := s.live[:0]
	for _, u := range s.live {
		lo := max(u.start, from)
		hi := min(u.start+u.frames, to)
		if lo < hi {
			src := u.samples[(lo-u.start)*int64(ch) : (hi-u.start)*int64(ch)]
			dst := out[(lo-from)*int64(ch):]
			for i, v := range src {
				dst[i] += v
			}
			s.stats.FramesMixed += hi - lo
		}
		if u.start+u.frames <= to {
			close(u.done)
			s.stats.Completed++
			continue
		}
		kept = append(kept, u)
	}
	clear(s.live[len(kept):])
	s.live = kept
	s.now = to
}

// Interrupt cancels every live unit and resets the timeline to now. It
// returns the number of units cancelled.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	n := s.cancelAllLocked()
	s.stats.Interrupts++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordInterruption(context.Background(), n)
	}
	return n
}

// Close cancels every live unit. Further Enqueue calls fail with [ErrClosed];
// Render keeps producing silence. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancelAllLocked()
	return nil
}

func (s *Scheduler) cancelAllLocked() int {
	n := len(s.live)
	for _, u := range s.live {
		u.cancelled = true
		close(u.done)
	}
	clear(s.live)
	s.live = s.live[:0]
	s.stats.Cancelled += int64(n)
	s.next = s.now
	return n
}

// stop cancels a single unit. The timeline cursor is left alone.
func (s *Scheduler) stop(u *Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, lu := range s.live {
		if lu != u {
			continue
		}
		u.cancelled = true
		close(u.done)
		s.live = append(s.live[:i], s.live[i+1:]...)
		s.stats.Cancelled++
		return
	}
}

func (s *Scheduler) recordDropped(reason string) {
	if s.metrics != nil {
		s.metrics.RecordPlaybackDropped(context.Background(), reason)
	}
}

// Now returns the output clock: how much audio the device has pulled.
func (s *Scheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.DurationOf(s.now)
}

// NextStart returns the earliest start of the next unit.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.DurationOf(max(s.next, s.now))
}

// Queued returns how much scheduled audio has not been rendered yet.
func (s *Scheduler) Queued() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.DurationOf(max(s.next-s.now, 0))
}

// Live describes the units that are playing or waiting to play, in start
// order.
func (s *Scheduler) Live() []UnitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]UnitInfo, len(s.live))
	for i, u := range s.live {
		infos[i] = u.info()
	}
	return infos
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
