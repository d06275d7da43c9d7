package playback

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Unit is one scheduled piece of model speech.
//
// A unit leaves the live set either when the device finishes rendering it or
// when it is cancelled by [Unit.Stop], [Scheduler.Interrupt] or
// [Scheduler.Close]. Done is closed in both cases.
type Unit struct {
	id      uint64
	start   int64
	frames  int64
	format  audio.Format
	samples []float32
	done    chan struct{}
	owner   *Scheduler

	// cancelled is guarded by owner.mu and final once done is closed.
	cancelled bool
}

// ID returns the unit's sequence number, unique per scheduler.
func (u *Unit) ID() uint64 { return u.id }

// StartFrame returns the unit's start on the timeline in output frames.
func (u *Unit) StartFrame() int64 { return u.start }

// Frames returns the unit's length in output frames.
func (u *Unit) Frames() int64 { return u.frames }

// Start returns the unit's start on the timeline.
func (u *Unit) Start() time.Duration { return u.format.DurationOf(u.start) }

// Duration returns the unit's length.
func (u *Unit) Duration() time.Duration { return u.format.DurationOf(u.frames) }

// Done is closed when the unit finished playing or was cancelled.
func (u *Unit) Done() <-chan struct{} { return u.done }

// Stop cancels the unit. Stopping a finished unit is a no-op.
func (u *Unit) Stop() { u.owner.stop(u) }

// Cancelled reports whether the unit was cut short. It is only meaningful
// after Done is closed.
func (u *Unit) Cancelled() bool {
	u.owner.mu.Lock()
	defer u.owner.mu.Unlock()
	return u.cancelled
}

func (u *Unit) info() UnitInfo {
	return UnitInfo{ID: u.id, Start: u.Start(), Duration: u.Duration()}
}
