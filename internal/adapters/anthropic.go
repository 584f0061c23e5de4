package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"

	// defaultMaxTokens caps generation when the caller doesn't set one.
	// The Messages API requires an explicit max_tokens.
	defaultMaxTokens = 8192
)

// AnthropicAdapter handles the Anthropic Messages wire format.
// Unlike OpenAI, system instructions stay a top-level field and retrieval
// collections are not supported - a configured vector store id is dropped.
type AnthropicAdapter struct {
	BaseAdapter
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{
		BaseAdapter: BaseAdapter{
			name:     "anthropic",
			provider: ProviderAnthropic,
		},
	}
}

// Endpoint returns the Messages API endpoint.
func (a *AnthropicAdapter) Endpoint() string {
	return anthropicEndpoint
}

// ApplyHeaders sets the x-api-key auth scheme and API version.
func (a *AnthropicAdapter) ApplyHeaders(set func(key, value string), apiKey string) {
	set("x-api-key", apiKey)
	set("anthropic-version", anthropicVersion)
	set("Content-Type", "application/json")
}

// anthropicRequest is the Messages API request shape.
type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
}

// ShapeRequest builds the Anthropic streaming request body.
// A vector store id on the request is ignored: retrieval is an OpenAI-only
// capability and the conversation config must stay valid after a model switch.
func (a *AnthropicAdapter) ShapeRequest(req *ChatRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    instructions(req, false),
		Messages:  req.Messages,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	return body, nil
}

// DecodeDelta extracts the text delta from an Anthropic SSE payload.
// Only content_block_delta events whose delta.type is text_delta carry text;
// message_start, ping, content_block_start and the rest are skipped.
func (a *AnthropicAdapter) DecodeDelta(payload []byte) (string, bool) {
	if gjson.GetBytes(payload, "type").Str != "content_block_delta" {
		return "", false
	}
	delta := gjson.GetBytes(payload, "delta")
	if delta.Get("type").Str != "text_delta" {
		return "", false
	}
	text := delta.Get("text")
	if text.Type != gjson.String || text.Str == "" {
		return "", false
	}
	return text.Str, true
}

// Ensure AnthropicAdapter implements Adapter
var _ Adapter = (*AnthropicAdapter)(nil)
