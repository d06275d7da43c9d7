package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Accumulator buffers the transcript of the turn in progress.
//
// All methods are safe for concurrent use.
type Accumulator struct {
	mu    sync.Mutex
	user  strings.Builder
	model strings.Builder
	turn  int
	now   func() time.Time
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{now: time.Now}
}

// Apply feeds one server event. Transcript deltas are buffered; a turn
// completion returns the finalised records with ok set when there were any.
// Every other event is ignored.
func (a *Accumulator) Apply(ev s2s.ServerEvent) (records []TurnRecord, ok bool) {
	switch ev := ev.(type) {
	case s2s.TranscriptDelta:
		if ev.Side == s2s.Model {
			a.AppendModel(ev.Text)
		} else {
			a.AppendUser(ev.Text)
		}
	case s2s.TurnComplete:
		records = a.Complete()
		return records, len(records) > 0
	}
	return nil, false
}

// AppendUser appends a fragment of the user's speech.
func (a *Accumulator) AppendUser(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.WriteString(text)
}

// AppendModel appends a fragment of the model's speech.
func (a *Accumulator) AppendModel(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.WriteString(text)
}

// Complete finalises the current turn. If either buffer holds text it
// returns the user record followed by the model record, even when one of
// them is empty; otherwise it returns nil. Both buffers are cleared in
// either case.
func (a *Accumulator) Complete() []TurnRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, model := a.user.String(), a.model.String()
	a.user.Reset()
	a.model.Reset()
	if user == "" && model == "" {
		return nil
	}

	at := a.now()
	records := []TurnRecord{
		{Role: RoleUser, Text: user, Turn: a.turn, At: at},
		{Role: RoleModel, Text: model, Turn: a.turn, At: at},
	}
	a.turn++
	return records
}

// Pending returns the buffered text of the turn in progress.
func (a *Accumulator) Pending() (user, model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user.String(), a.model.String()
}

// Turn returns the index the next completed turn will get.
func (a *Accumulator) Turn() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turn
}

// Reset drops buffered text and restarts turn numbering at start.
func (a *Accumulator) Reset(start int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
	a.turn = start
}
