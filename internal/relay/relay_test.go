package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mygpt/chat-relay/internal/monitoring"
	"github.com/mygpt/chat-relay/internal/security"
	"github.com/mygpt/chat-relay/internal/store"
	"github.com/mygpt/chat-relay/internal/stream"
)

// fakeUpstream is a scripted SSE provider endpoint. It records every request
// body it receives.
type fakeUpstream struct {
	mu     sync.Mutex
	bodies [][]byte
	hits   atomic.Int64

	status int
	lines  []string
}

func newFakeUpstream(status int, lines ...string) *fakeUpstream {
	return &fakeUpstream{status: status, lines: lines}
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, body)
		f.mu.Unlock()

		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			fmt.Fprint(w, `{"error":{"message":"scripted failure"}}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, line := range f.lines {
			fmt.Fprintf(w, "%s\n", line)
		}
	}
}

func (f *fakeUpstream) lastBody(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.bodies)
	return f.bodies[len(f.bodies)-1]
}

// openAILines scripts an OpenAI-shaped SSE answer ending in [DONE].
func openAILines(chunks ...string) []string {
	var lines []string
	for _, c := range chunks {
		lines = append(lines, fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, c))
	}
	return append(lines, `data: [DONE]`)
}

// newTestRelay wires a relay against the fake upstream for both providers.
func newTestRelay(t *testing.T, upstream *httptest.Server, gate *security.Gate) (*Relay, *store.MemoryStore, *monitoring.MetricsCollector) {
	t.Helper()
	st := store.NewMemoryStore()
	metrics := monitoring.NewMetricsCollector()
	r := New(Config{
		OpenAIKey:    "sk-test",
		AnthropicKey: "sk-ant-test",
		OpenAIURL:    upstream.URL,
		AnthropicURL: upstream.URL,
		MaxRounds:    20,
	}, st, gate, metrics)
	return r, st, metrics
}

func seedConversation(t *testing.T, st store.Store, c *store.Conversation) {
	t.Helper()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
		c.UpdatedAt = c.CreatedAt
	}
	require.NoError(t, st.PutConversation(context.Background(), c))
}

// drain consumes a session to its terminal event.
func drain(t *testing.T, sess *Session) []stream.Event {
	t.Helper()
	defer sess.Close()

	var events []stream.Event
	for {
		ev, err := sess.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
		if ev.Done {
			return events
		}
	}
}

func TestRelay_FullExchange_PersistsRound(t *testing.T) {
	fake := newFakeUpstream(http.StatusOK, openAILines("Hel", "lo!")...)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r, st, metrics := newTestRelay(t, srv, nil)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o", UseContext: true,
	})

	sess, err := r.Relay(context.Background(), "alice", "chat_1", "say hello", Overrides{})
	require.NoError(t, err)

	events := drain(t, sess)
	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Delta)
	assert.True(t, events[2].Done)
	assert.Equal(t, "Hello!", events[2].Accumulated)

	// Both turns of the round are persisted, user first.
	turns, err := st.ListTurns(context.Background(), "chat_1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	assert.Equal(t, "say hello", turns[0].Content)
	assert.Equal(t, store.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello!", turns[1].Content)
	assert.True(t, turns[1].CreatedAt.After(turns[0].CreatedAt))

	// updated_at advanced to the assistant turn's timestamp.
	conv, err := st.GetConversation(context.Background(), "chat_1")
	require.NoError(t, err)
	assert.Equal(t, turns[1].CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli())

	stats := metrics.Stats()
	assert.EqualValues(t, 1, stats["relays"])
	assert.EqualValues(t, 0, stats["upstream_failures"])
}

func TestRelay_Unauthorized_NeverCallsUpstream(t *testing.T) {
	fake := newFakeUpstream(http.StatusOK, openAILines("x")...)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r, st, _ := newTestRelay(t, srv, nil)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o", UseContext: true,
	})

	_, err := r.Relay(context.Background(), "mallory", "chat_1", "hi", Overrides{})
	require.Error(t, err)
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.EqualValues(t, 0, fake.hits.Load())

	// And nothing was persisted.
	turns, _ := st.ListTurns(context.Background(), "chat_1")
	assert.Empty(t, turns)
}

func TestRelay_ConversationNotFound(t *testing.T) {
	srv := httptest.NewServer(newFakeUpstream(http.StatusOK).handler())
	defer srv.Close()

	r, _, _ := newTestRelay(t, srv, nil)

	_, err := r.Relay(context.Background(), "alice", "chat_missing", "hi", Overrides{})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestRelay_UpstreamRejection_SynchronousError(t *testing.T) {
	fake := newFakeUpstream(http.StatusTooManyRequests)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r, st, metrics := newTestRelay(t, srv, nil)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o", UseContext: true,
	})

	_, err := r.Relay(context.Background(), "alice", "chat_1", "hi", Overrides{})
	require.Error(t, err)
	assert.Equal(t, KindUpstreamRejected, KindOf(err))

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusTooManyRequests, re.Status)
	assert.Contains(t, re.Body, "scripted failure")

	// A rejected call persists nothing and counts as an upstream failure.
	turns, _ := st.ListTurns(context.Background(), "chat_1")
	assert.Empty(t, turns)
	assert.EqualValues(t, 1, metrics.Stats()["upstream_failures"])
}

func TestRelay_StreamInterrupted_NothingPersisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n")
		w.(http.Flusher).Flush()
		// Abort the connection without a terminal sentinel.
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	r, st, metrics := newTestRelay(t, srv, nil)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o", UseContext: true,
	})

	sess, err := r.Relay(context.Background(), "alice", "chat_1", "hi", Overrides{})
	require.NoError(t, err)
	defer sess.Close()

	ev, err := sess.Next()
	require.NoError(t, err)
	assert.Equal(t, "par", ev.Delta)

	_, err = sess.Next()
	require.Error(t, err)
	assert.Equal(t, KindStreamInterrupted, KindOf(err))

	turns, _ := st.ListTurns(context.Background(), "chat_1")
	assert.Empty(t, turns)
	assert.EqualValues(t, 1, metrics.Stats()["upstream_failures"])
}

func TestRelay_ModelSwitch_DropsVectorStoreForAnthropic(t *testing.T) {
	anthropicLines := []string{
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"}}`,
	}
	fake := newFakeUpstream(http.StatusOK, anthropicLines...)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r, st, _ := newTestRelay(t, srv, nil)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o",
		VectorStoreID: "vs_123", UseContext: true,
	})

	// Per-request override switches to a Claude model; the stored vector
	// store must be dropped, not rejected.
	sess, err := r.Relay(context.Background(), "alice", "chat_1", "hi", Overrides{
		Model: "claude-3-5-sonnet-latest",
	})
	require.NoError(t, err)
	drain(t, sess)

	body := fake.lastBody(t)
	assert.Equal(t, "claude-3-5-sonnet-latest", gjson.GetBytes(body, "model").Str)
	assert.False(t, gjson.GetBytes(body, "tools").Exists())
	assert.NotContains(t, string(body), "vs_123")
	// Anthropic shape: top-level system, no system role in messages.
	assert.True(t, gjson.GetBytes(body, "system").Exists())
	assert.Equal(t, "user", gjson.GetBytes(body, "messages.0.role").Str)
}

func TestRelay_OpenAI_AttachesVectorStore(t *testing.T) {
	fake := newFakeUpstream(http.StatusOK, openAILines("ok")...)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r, st, _ := newTestRelay(t, srv, nil)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o",
		VectorStoreID: "vs_123", UseContext: true,
	})

	sess, err := r.Relay(context.Background(), "alice", "chat_1", "hi", Overrides{})
	require.NoError(t, err)
	drain(t, sess)

	body := fake.lastBody(t)
	assert.Equal(t, "file_search", gjson.GetBytes(body, "tools.0.type").Str)
	assert.Equal(t, "vs_123", gjson.GetBytes(body, "tools.0.vector_store_ids.0").Str)
}

func TestRelay_HistoryWindowing(t *testing.T) {
	fake := newFakeUpstream(http.StatusOK, openAILines("ok")...)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r, st, metrics := newTestRelay(t, srv, nil)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o", UseContext: true,
	})

	// Seed 6 prior rounds.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		require.NoError(t, st.AppendTurn(context.Background(), &store.Turn{
			ID: fmt.Sprintf("msg_u%d", i), ConversationID: "chat_1",
			Role: store.RoleUser, Content: fmt.Sprintf("q%d", i),
			CreatedAt: base.Add(time.Duration(2*i) * time.Second),
		}))
		require.NoError(t, st.AppendTurn(context.Background(), &store.Turn{
			ID: fmt.Sprintf("msg_a%d", i), ConversationID: "chat_1",
			Role: store.RoleAssistant, Content: fmt.Sprintf("a%d", i),
			CreatedAt: base.Add(time.Duration(2*i+1) * time.Second),
		}))
	}

	maxRounds := 2
	sess, err := r.Relay(context.Background(), "alice", "chat_1", "latest", Overrides{MaxRounds: &maxRounds})
	require.NoError(t, err)
	drain(t, sess)

	body := fake.lastBody(t)
	msgs := gjson.GetBytes(body, "messages").Array()
	// system + 2 rounds of history + the new user turn
	require.Len(t, msgs, 6)
	assert.Equal(t, "system", msgs[0].Get("role").Str)
	assert.Equal(t, "q4", msgs[1].Get("content").Str)
	assert.Equal(t, "a5", msgs[4].Get("content").Str)
	assert.Equal(t, "latest", msgs[5].Get("content").Str)

	assert.EqualValues(t, 8, metrics.Stats()["truncated_turns"])
}

func TestRelay_UseContextFalse_StatelessExchange(t *testing.T) {
	fake := newFakeUpstream(http.StatusOK, openAILines("ok")...)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	r, st, _ := newTestRelay(t, srv, nil)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o", UseContext: false,
	})
	require.NoError(t, st.AppendTurn(context.Background(), &store.Turn{
		ID: "msg_1", ConversationID: "chat_1", Role: store.RoleUser,
		Content: "old question", CreatedAt: time.Now().Add(-time.Minute),
	}))

	sess, err := r.Relay(context.Background(), "alice", "chat_1", "fresh", Overrides{})
	require.NoError(t, err)
	drain(t, sess)

	msgs := gjson.GetBytes(fake.lastBody(t), "messages").Array()
	require.Len(t, msgs, 2) // system + new user turn only
	assert.Equal(t, "fresh", msgs[1].Get("content").Str)
}

func TestRelay_Encryption_RoundTrip(t *testing.T) {
	fake := newFakeUpstream(http.StatusOK, openAILines("stored answer")...)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	gate := security.NewGate("deployment-salt")
	r, st, _ := newTestRelay(t, srv, gate)

	key := gate.DeriveKey("alice")
	encPrompt, err := security.Encrypt("You are terse.", key)
	require.NoError(t, err)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o",
		SystemPrompt: encPrompt, UseContext: true,
	})

	// A prior encrypted round must be decrypted before replay.
	encOld, err := security.Encrypt("old question", key)
	require.NoError(t, err)
	require.NoError(t, st.AppendTurn(context.Background(), &store.Turn{
		ID: "msg_1", ConversationID: "chat_1", Role: store.RoleUser,
		Content: encOld, CreatedAt: time.Now().Add(-time.Minute),
	}))

	sess, err := r.Relay(context.Background(), "alice", "chat_1", "new question", Overrides{})
	require.NoError(t, err)
	drain(t, sess)

	// Upstream saw plaintext everywhere.
	body := string(fake.lastBody(t))
	assert.Contains(t, body, "You are terse.")
	assert.Contains(t, body, "old question")
	assert.NotContains(t, body, security.Marker)

	// Storage saw ciphertext only.
	turns, err := st.ListTurns(context.Background(), "chat_1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	newRound := turns[1:]
	for _, turn := range newRound {
		assert.True(t, strings.HasPrefix(turn.Content, security.Marker), "turn %s not encrypted", turn.ID)
	}

	// And the round decrypts back to what flowed through the exchange.
	user, err := security.Decrypt(newRound[0].Content, key)
	require.NoError(t, err)
	assert.Equal(t, "new question", user)
	answer, err := security.Decrypt(newRound[1].Content, key)
	require.NoError(t, err)
	assert.Equal(t, "stored answer", answer)
}

func TestRelay_DecryptFailure_BlocksExchange(t *testing.T) {
	fake := newFakeUpstream(http.StatusOK, openAILines("ok")...)
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	gate := security.NewGate("deployment-salt")
	r, st, _ := newTestRelay(t, srv, gate)

	// Ciphertext written under a different deployment salt.
	foreign, err := security.Encrypt("secret", security.NewGate("other-salt").DeriveKey("alice"))
	require.NoError(t, err)
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "gpt-4o",
		SystemPrompt: foreign, UseContext: true,
	})

	_, err = r.Relay(context.Background(), "alice", "chat_1", "hi", Overrides{})
	require.Error(t, err)
	assert.Equal(t, KindDecryptFailed, KindOf(err))
	assert.EqualValues(t, 0, fake.hits.Load())
}

func TestRelay_MissingProviderKey(t *testing.T) {
	st := store.NewMemoryStore()
	r := New(Config{OpenAIKey: "sk-test"}, st, nil, monitoring.NewMetricsCollector())
	seedConversation(t, st, &store.Conversation{
		ID: "chat_1", OwnerID: "alice", Model: "claude-3-5-sonnet-latest", UseContext: true,
	})

	_, err := r.Relay(context.Background(), "alice", "chat_1", "hi", Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic")
}
