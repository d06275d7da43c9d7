// Package transcript turns streamed transcript fragments into an ordered log
// of conversation turns.
//
// The [Accumulator] buffers partial text for the user and the model
// separately while a turn is in progress. When the server signals turn
// completion it yields a pair of [TurnRecord]s, user first, which callers
// append to a [Log]. The log is the session's record of the conversation
// and the input for anything that post-processes the whole exchange.
package transcript

import (
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// RoleOf maps a transcript side to its role.
func RoleOf(side s2s.Side) Role {
	if side == s2s.Model {
		return RoleModel
	}
	return RoleUser
}

// TurnRecord is one finalised utterance.
type TurnRecord struct {
	// Role is the speaker.
	Role Role `json:"role"`

	// Text is the concatenated transcript fragments of the turn. It may be
	// empty when only the other side spoke.
	Text string `json:"text"`

	// Turn is the zero-based index of the exchange this record belongs to.
	// The user and model records of one exchange share it.
	Turn int `json:"turn"`

	// At is when the turn was finalised.
	At time.Time `json:"at"`
}

// String renders the record as "role: text".
func (r TurnRecord) String() string {
	return fmt.Sprintf("%s: %s", r.Role, r.Text)
}
