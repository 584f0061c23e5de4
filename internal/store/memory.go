package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for local runs and tests.
// Mirrors the durable implementation's ordering guarantees.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	turns         map[string][]Turn // conversation id -> turns, append order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
		turns:         make(map[string][]Turn),
	}
}

// PutConversation inserts a new conversation.
func (s *MemoryStore) PutConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = *conv
	return nil
}

// GetConversation returns a conversation by id.
func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &conv, nil
}

// ListConversations returns an owner's conversations, newest update first.
func (s *MemoryStore) ListConversations(_ context.Context, ownerID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Conversation
	for _, conv := range s.conversations {
		if conv.OwnerID == ownerID {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// UpdateConversation rewrites an existing conversation.
func (s *MemoryStore) UpdateConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conv.ID]; !ok {
		return ErrNotFound
	}
	s.conversations[conv.ID] = *conv
	return nil
}

// DeleteConversation removes a conversation and its turns.
func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.turns, id)
	return nil
}

// TouchConversation bumps updated_at.
func (s *MemoryStore) TouchConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.UpdatedAt = at
	s.conversations[id] = conv
	return nil
}

// AppendTurn inserts one turn.
func (s *MemoryStore) AppendTurn(_ context.Context, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], *turn)
	return nil
}

// ListTurns returns turns ordered by created_at ascending.
func (s *MemoryStore) ListTurns(_ context.Context, conversationID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.turns[conversationID]
	out := make([]Turn, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
