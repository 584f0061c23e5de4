// Package relay orchestrates one streaming chat exchange.
//
// DESIGN: A relay call is an independent unit of work:
//
//	authorize → classify model → decrypt stored config/history →
//	window history → shape provider request → call upstream →
//	normalize stream → persist both turns on a clean Done.
//
// The ownership check runs before anything touches a provider, so a
// non-owner never incurs upstream spend. Persistence happens only when the
// stream reaches Done; a cancelled or interrupted stream persists nothing,
// and there are no retries at this layer - a partially delivered generation
// cannot be resumed from the middle.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mygpt/chat-relay/internal/adapters"
	"github.com/mygpt/chat-relay/internal/history"
	"github.com/mygpt/chat-relay/internal/monitoring"
	"github.com/mygpt/chat-relay/internal/security"
	"github.com/mygpt/chat-relay/internal/store"
	"github.com/mygpt/chat-relay/internal/stream"
	"github.com/mygpt/chat-relay/internal/tokens"
)

// maxErrorBodyBytes bounds how much of an upstream rejection body is kept.
const maxErrorBodyBytes = 64 * 1024

// DefaultMaxRounds is the history window applied when the operator hasn't
// configured one.
const DefaultMaxRounds = 20

// Config holds the relay's operator-level settings.
type Config struct {
	OpenAIKey    string
	AnthropicKey string

	// Endpoint overrides; empty means the adapter's default. Used by tests
	// and by proxy deployments.
	OpenAIURL    string
	AnthropicURL string

	// MaxRounds is the history window size in rounds (user+assistant pairs).
	MaxRounds int

	// MaxTokens caps generation for providers that require an explicit cap.
	MaxTokens int
}

// Overrides are per-request knobs. Each takes precedence over the
// conversation config for exactly that call.
type Overrides struct {
	Model      string
	UseContext *bool
	MaxRounds  *int
}

// Relay composes the classifier, shaper, windower, encryption gate and
// stream normalizer into the send-message operation.
type Relay struct {
	cfg      Config
	registry *adapters.Registry
	store    store.Store
	gate     *security.Gate // nil disables encryption (plaintext mode)
	metrics  *monitoring.MetricsCollector
	client   *http.Client
}

// New creates a relay. gate may be nil for deployments without a per-user
// secret; metrics may not be nil.
func New(cfg Config, st store.Store, gate *security.Gate, metrics *monitoring.MetricsCollector) *Relay {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Relay{
		cfg:      cfg,
		registry: adapters.NewRegistry(),
		store:    st,
		gate:     gate,
		metrics:  metrics,
		client:   &http.Client{}, // no overall timeout: streams run long
	}
}

// Key returns the caller's encryption key, or nil in plaintext mode.
func (r *Relay) Key(ownerID string) security.Key {
	if r.gate == nil {
		return nil
	}
	return r.gate.DeriveKey(ownerID)
}

// Store exposes the underlying store to the HTTP layer.
func (r *Relay) Store() store.Store { return r.store }

// Authorize loads a conversation and verifies ownership. Every access path
// to a conversation or its turns goes through this gate.
func (r *Relay) Authorize(ctx context.Context, ownerID, conversationID string) (*store.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Kind: KindNotFound, Err: err}
		}
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, errUnauthorized(ownerID, conversationID)
	}
	return conv, nil
}

// Relay runs one streaming exchange. The returned Session must be consumed
// by a single caller and closed; it persists the user and assistant turns
// (encrypted) once the stream reaches a clean Done.
func (r *Relay) Relay(ctx context.Context, ownerID, conversationID, text string, ov Overrides) (*Session, error) {
	conv, err := r.Authorize(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}

	key := r.Key(ownerID)

	model := conv.Model
	if ov.Model != "" {
		model = ov.Model
	}
	adapter, capability := r.registry.ForModel(model)

	systemPrompt, err := security.DecryptIfKey(conv.SystemPrompt, key)
	if err != nil {
		return nil, errDecryptFailed(err)
	}

	// Retrieval is provider-gated; a configured collection is silently
	// dropped when the model's provider can't use it.
	vectorStoreID := conv.VectorStoreID
	if !capability.SupportsRetrieval {
		vectorStoreID = ""
	}

	windowed, err := r.windowHistory(ctx, conv, key, ov)
	if err != nil {
		return nil, err
	}
	turns := history.Append(windowed, text)

	messages := make([]adapters.Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, adapters.Message{Role: t.Role, Content: t.Content})
	}

	body, err := adapter.ShapeRequest(&adapters.ChatRequest{
		Model:         model,
		System:        systemPrompt,
		Messages:      messages,
		VectorStoreID: vectorStoreID,
		MaxTokens:     r.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	resp, err := r.callUpstream(ctx, adapter, capability.Provider, body)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("conversation", conv.ID).
		Str("provider", string(capability.Provider)).
		Str("model", model).
		Int("messages", len(messages)).
		Int("prompt_tokens_est", promptTokens(systemPrompt, messages)).
		Msg("relay started")
	r.metrics.RecordRelay()

	return &Session{
		ctx:      ctx,
		relay:    r,
		stream:   stream.New(resp.Body, adapter),
		conv:     conv,
		key:      key,
		userText: text,
	}, nil
}

// windowHistory loads, decrypts and windows the prior turns.
func (r *Relay) windowHistory(ctx context.Context, conv *store.Conversation, key security.Key, ov Overrides) ([]store.Turn, error) {
	useContext := conv.UseContext
	if ov.UseContext != nil {
		useContext = *ov.UseContext
	}
	if !useContext {
		// Stateless mode: single-turn exchange regardless of maxRounds.
		return nil, nil
	}

	maxRounds := r.cfg.MaxRounds
	if ov.MaxRounds != nil {
		maxRounds = *ov.MaxRounds
	}

	all, err := r.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}

	windowed, dropped := history.Window(all, maxRounds)
	if dropped > 0 {
		r.metrics.RecordTruncation(dropped)
		log.Debug().Str("conversation", conv.ID).Int("dropped_turns", dropped).Msg("history window truncated")
	}

	for i := range windowed {
		content, err := security.DecryptIfKey(windowed[i].Content, key)
		if err != nil {
			return nil, errDecryptFailed(err)
		}
		windowed[i].Content = content
	}
	return windowed, nil
}

// callUpstream posts the shaped request and validates the response status.
// A non-2xx answer is a hard, synchronous UpstreamRejected failure.
func (r *Relay) callUpstream(ctx context.Context, adapter adapters.Adapter, provider adapters.Provider, body []byte) (*http.Response, error) {
	apiKey, endpoint, err := r.providerTarget(adapter, provider)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	adapter.ApplyHeaders(req.Header.Set, apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.RecordUpstreamFailure()
		return nil, fmt.Errorf("call %s: %w", provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		r.metrics.RecordUpstreamFailure()
		return nil, errUpstreamRejected(resp.StatusCode, errBody)
	}
	return resp, nil
}

// providerTarget resolves the API key and endpoint for a provider.
func (r *Relay) providerTarget(adapter adapters.Adapter, provider adapters.Provider) (apiKey, endpoint string, err error) {
	switch provider {
	case adapters.ProviderAnthropic:
		apiKey, endpoint = r.cfg.AnthropicKey, r.cfg.AnthropicURL
	default:
		apiKey, endpoint = r.cfg.OpenAIKey, r.cfg.OpenAIURL
	}
	if apiKey == "" {
		return "", "", fmt.Errorf("%s api key not configured", provider)
	}
	if endpoint == "" {
		endpoint = adapter.Endpoint()
	}
	return apiKey, endpoint, nil
}

func promptTokens(system string, messages []adapters.Message) int {
	total := tokens.Estimate(system)
	for _, m := range messages {
		total += tokens.Estimate(m.Content)
	}
	return total
}
