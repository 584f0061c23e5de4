// Package store persists conversations and their turns.
//
// DESIGN: The relay only needs row semantics - get/put/list/delete - so the
// storage engine stays behind a small interface. String fields cross this
// boundary already encrypted (or plaintext when no key is configured); the
// store never sees the encryption gate.
//
// Two implementations: MemoryStore for local/dev runs and SQLiteStore for
// durable deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Turn roles. Turns are immutable once persisted and ordered by CreatedAt
// ascending within a conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNotFound reports a missing conversation.
var ErrNotFound = errors.New("not found")

// Conversation is one chat thread owned by exactly one user.
// SystemPrompt and Title may carry the "ENC:" ciphertext marker.
type Conversation struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Title         string    `json:"title"`
	Model         string    `json:"model"`
	SystemPrompt  string    `json:"system_prompt,omitempty"`
	VectorStoreID string    `json:"vector_store_id,omitempty"`
	UseContext    bool      `json:"use_context"`
	PresetName    string    `json:"preset_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Turn is one message in a conversation. Content may carry the "ENC:" marker.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store defines the persistence interface consumed by the relay and the
// HTTP layer. Implementations must be safe for concurrent use.
type Store interface {
	// PutConversation inserts a new conversation.
	PutConversation(ctx context.Context, conv *Conversation) error

	// GetConversation returns a conversation by id, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns an owner's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, ownerID string) ([]Conversation, error)

	// UpdateConversation rewrites the mutable fields of a conversation.
	UpdateConversation(ctx context.Context, conv *Conversation) error

	// DeleteConversation removes a conversation and cascades to its turns.
	DeleteConversation(ctx context.Context, id string) error

	// TouchConversation bumps updated_at.
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// AppendTurn inserts one turn.
	AppendTurn(ctx context.Context, turn *Turn) error

	// ListTurns returns a conversation's turns ordered by created_at ascending.
	ListTurns(ctx context.Context, conversationID string) ([]Turn, error)

	// Close releases resources.
	Close() error
}

// NewID generates a prefixed row id, e.g. "chat_9f1c..." or "msg_02ab...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
