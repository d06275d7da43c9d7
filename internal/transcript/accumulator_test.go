package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

func fixedAccumulator(at time.Time) *Accumulator {
	a := NewAccumulator()
	a.now = func() time.Time { return at }
	return a
}

func TestAccumulator_EmitsPairOnTurnComplete(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := fixedAccumulator(at)

	for _, ev := range []s2s.ServerEvent{
		s2s.TranscriptDelta{Side: s2s.User, Text: "Hello"},
		s2s.TranscriptDelta{Side: s2s.Model, Text: "Hi"},
		s2s.TranscriptDelta{Side: s2s.User, Text: " there"},
		s2s.AudioChunk{Chunk: audio.MediaChunk{Data: []byte{0, 0}}},
		s2s.TranscriptDelta{Side: s2s.Model, Text: ", how can I help?"},
	} {
		recs, ok := a.Apply(ev)
		require.False(t, ok)
		require.Nil(t, recs)
	}

	user, model := a.Pending()
	assert.Equal(t, "Hello there", user)
	assert.Equal(t, "Hi, how can I help?", model)

	recs, ok := a.Apply(s2s.TurnComplete{})
	require.True(t, ok)
	assert.Equal(t, []TurnRecord{
		{Role: RoleUser, Text: "Hello there", Turn: 0, At: at},
		{Role: RoleModel, Text: "Hi, how can I help?", Turn: 0, At: at},
	}, recs)

	user, model = a.Pending()
	assert.Empty(t, user)
	assert.Empty(t, model)
	assert.Equal(t, 1, a.Turn())
}

func TestAccumulator_OneSidedTurnStillEmitsPair(t *testing.T) {
	t.Parallel()

	a := NewAccumulator()
	a.AppendModel("Welcome back.")

	recs := a.Complete()
	require.Len(t, recs, 2)
	assert.Equal(t, RoleUser, recs[0].Role)
	assert.Empty(t, recs[0].Text)
	assert.Equal(t, RoleModel, recs[1].Role)
	assert.Equal(t, "Welcome back.", recs[1].Text)
}

func TestAccumulator_EmptyTurnEmitsNothing(t *testing.T) {
	t.Parallel()

	a := NewAccumulator()
	recs, ok := a.Apply(s2s.TurnComplete{})
	assert.False(t, ok)
	assert.Nil(t, recs)
	assert.Zero(t, a.Turn(), "empty turns do not consume an index")
}

func TestAccumulator_IgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	a := NewAccumulator()
	a.AppendUser("keep")
	for _, ev := range []s2s.ServerEvent{
		s2s.Opened{}, s2s.Interrupted{}, s2s.Closed{}, s2s.ConnectionError{Reason: "x"},
	} {
		_, ok := a.Apply(ev)
		assert.False(t, ok)
	}
	user, _ := a.Pending()
	assert.Equal(t, "keep", user)
}

func TestAccumulator_Reset(t *testing.T) {
	t.Parallel()

	a := NewAccumulator()
	a.AppendUser("abandoned")
	a.AppendModel("also abandoned")
	a.Reset(5)

	user, model := a.Pending()
	assert.Empty(t, user)
	assert.Empty(t, model)

	a.AppendUser("next")
	recs := a.Complete()
	assert.Equal(t, 5, recs[0].Turn)
}
