// Package history implements the conversation windowing policy.
//
// DESIGN: Fixed sliding window, not summarization. A round is one user turn
// plus one assistant turn; the window keeps the trailing maxRounds*2 turns and
// silently drops everything older. The model is never told that history was
// truncated - callers record a metric instead.
package history

import (
	"time"

	"github.com/mygpt/chat-relay/internal/store"
)

// Window selects the trailing subset of turns to replay to the model.
// turns must be ordered by creation time ascending. The result is always a
// suffix of turns; maxRounds <= 0 yields an empty window (stateless mode).
// The second return reports how many older turns were dropped.
func Window(turns []store.Turn, maxRounds int) ([]store.Turn, int) {
	if maxRounds <= 0 || len(turns) == 0 {
		return nil, len(turns)
	}

	maxTurns := maxRounds * 2
	if len(turns) <= maxTurns {
		return turns, 0
	}
	return turns[len(turns)-maxTurns:], len(turns) - maxTurns
}

// Append adds the new user turn after the windowed history.
// The input slice is not modified.
func Append(windowed []store.Turn, newUserText string) []store.Turn {
	out := make([]store.Turn, 0, len(windowed)+1)
	out = append(out, windowed...)
	out = append(out, store.Turn{
		Role:      store.RoleUser,
		Content:   newUserText,
		CreatedAt: time.Now(),
	})
	return out
}
