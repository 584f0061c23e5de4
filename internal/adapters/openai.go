package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIAdapter handles the OpenAI Chat Completions wire format.
// System instructions are nested into messages[] as a {role:"system"} entry;
// retrieval is attached as a file_search tool declaration.
type OpenAIAdapter struct {
	BaseAdapter
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{
		BaseAdapter: BaseAdapter{
			name:     "openai",
			provider: ProviderOpenAI,
		},
	}
}

// Endpoint returns the Chat Completions streaming endpoint.
func (a *OpenAIAdapter) Endpoint() string {
	return openAIEndpoint
}

// ApplyHeaders sets bearer auth and content type.
func (a *OpenAIAdapter) ApplyHeaders(set func(key, value string), apiKey string) {
	set("Authorization", "Bearer "+apiKey)
	set("Content-Type", "application/json")
}

// openAIRequest is the Chat Completions request shape.
type openAIRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// fileSearchTool declares a provider-side retrieval collection.
type fileSearchTool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids"`
}

// ShapeRequest builds the OpenAI streaming request body.
// The system message always comes first; when a vector store is attached the
// tools declaration is patched in and the instructions gain the mandatory
// search suffix.
func (a *OpenAIAdapter) ShapeRequest(req *ChatRequest) ([]byte, error) {
	withRetrieval := req.VectorStoreID != ""

	messages := make([]Message, 0, len(req.Messages)+1)
	messages = append(messages, Message{Role: "system", Content: instructions(req, withRetrieval)})
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(openAIRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	if withRetrieval {
		body, err = sjson.SetBytes(body, "tools", []fileSearchTool{{
			Type:           "file_search",
			VectorStoreIDs: []string{req.VectorStoreID},
		}})
		if err != nil {
			return nil, fmt.Errorf("attach file_search tool: %w", err)
		}
	}

	return body, nil
}

// DecodeDelta extracts the text delta from an OpenAI SSE payload.
// Deltas live at choices[0].delta.content; lines without one carry no text
// (role preludes, finish chunks) and are skipped.
func (a *OpenAIAdapter) DecodeDelta(payload []byte) (string, bool) {
	delta := gjson.GetBytes(payload, "choices.0.delta.content")
	if delta.Type != gjson.String || delta.Str == "" {
		return "", false
	}
	return delta.Str, true
}

// Ensure OpenAIAdapter implements Adapter
var _ Adapter = (*OpenAIAdapter)(nil)
