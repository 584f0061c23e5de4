package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mygpt/chat-relay/internal/security"
	"github.com/mygpt/chat-relay/internal/store"
	"github.com/mygpt/chat-relay/internal/stream"
)

// Session is one in-flight relay exchange. Single-consumer, forward-only.
//
// Next mirrors the normalized stream; when the terminal Done event arrives
// the session persists the user turn and the buffered assistant turn
// (encrypted) and bumps the conversation's updated_at. Abandoning the
// session early (Close before Done) persists nothing.
type Session struct {
	ctx       context.Context
	relay     *Relay
	stream    *stream.Stream
	conv      *store.Conversation
	key       security.Key
	userText  string
	persisted bool
}

// Next returns the next normalized event. A transport failure mid-stream
// surfaces as a StreamInterrupted error; after Done it returns io.EOF.
func (s *Session) Next() (stream.Event, error) {
	ev, err := s.stream.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ev, io.EOF
		}
		s.relay.metrics.RecordUpstreamFailure()
		return ev, errStreamInterrupted(err)
	}

	if ev.Done && !s.persisted {
		s.persisted = true
		s.persist(ev.Accumulated)
	}
	return ev, nil
}

// Close releases the upstream connection. Safe after Done.
func (s *Session) Close() error {
	return s.stream.Close()
}

// persist stores both turns of the completed round. Runs detached from the
// request context: the client may hang up right after [DONE] and a finished
// generation must still land in storage.
func (s *Session) persist(assistantText string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	defer cancel()

	now := time.Now()

	encUser, err := security.EncryptIfKey(s.userText, s.key)
	if err != nil {
		log.Error().Err(err).Str("conversation", s.conv.ID).Msg("encrypt user turn")
		return
	}
	encAssistant, err := security.EncryptIfKey(assistantText, s.key)
	if err != nil {
		log.Error().Err(err).Str("conversation", s.conv.ID).Msg("encrypt assistant turn")
		return
	}

	if err := s.relay.store.AppendTurn(ctx, &store.Turn{
		ID:             store.NewID("msg"),
		ConversationID: s.conv.ID,
		Role:           store.RoleUser,
		Content:        encUser,
		CreatedAt:      now,
	}); err != nil {
		log.Error().Err(err).Str("conversation", s.conv.ID).Msg("persist user turn")
		return
	}

	// Assistant turn sorts strictly after the user turn.
	assistantAt := now.Add(time.Millisecond)
	if err := s.relay.store.AppendTurn(ctx, &store.Turn{
		ID:             store.NewID("msg"),
		ConversationID: s.conv.ID,
		Role:           store.RoleAssistant,
		Content:        encAssistant,
		CreatedAt:      assistantAt,
	}); err != nil {
		log.Error().Err(err).Str("conversation", s.conv.ID).Msg("persist assistant turn")
		return
	}

	if err := s.relay.store.TouchConversation(ctx, s.conv.ID, assistantAt); err != nil {
		log.Error().Err(err).Str("conversation", s.conv.ID).Msg("touch conversation")
	}
}
