// Package adapters provides provider-specific request handling.
//
// DESIGN: The relay supports multiple LLM providers (OpenAI, Anthropic).
// Each has an incompatible request schema and SSE payload shape. Adapters own
// both directions of the wire format:
//
//   - ShapeRequest: normalized ChatRequest → provider-shaped JSON body
//   - DecodeDelta:  provider SSE payload → plain text delta
//
// FLOW:
//  1. Relay classifies the model and gets the adapter from the registry
//  2. Adapter shapes the outbound request (system placement, tools)
//  3. Stream normalizer feeds each SSE payload to DecodeDelta
//
// To add a new provider: implement Adapter and register it in Registry.
package adapters

// Message is one chat message as sent to a provider.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is the provider-agnostic input to ShapeRequest.
// Built fresh per relay call and never reused.
type ChatRequest struct {
	Model         string
	System        string    // optional; empty means use the built-in default
	Messages      []Message // windowed history plus the new user turn
	VectorStoreID string    // optional retrieval collection; dropped if unsupported
	MaxTokens     int       // for providers that require an explicit cap (Anthropic)
}

// DefaultSystemPrompt is used when a conversation has no system prompt
// configured. It instructs the model to structure answers as Markdown.
const DefaultSystemPrompt = `You are a helpful assistant. Write your answers in Markdown.

## Output structure rules
- When an answer runs long, split it into sections
- Give each section a heading (##); use subheadings (###) to subdivide where needed
- Do not number headings ("## Overview" is good, "## 1. Overview" is not)
- Keep headings short and descriptive
- Use code blocks, lists and tables where they aid readability
- Keep short answers short; do not force sections onto them`

// retrievalInstruction is appended to the system instructions when a retrieval
// collection is attached: the model must ground its answer in search results
// and say so when there are none.
const retrievalInstruction = "\n\nImportant: when answering, you must first use the provided file search tool (file_search) to look up relevant information, and base your answer on the results. If the search returns nothing relevant, state that explicitly."

// instructions resolves the effective system instructions for a request.
// The retrieval suffix is added only when the request actually carries tools.
func instructions(req *ChatRequest, withRetrieval bool) string {
	sys := req.System
	if sys == "" {
		sys = DefaultSystemPrompt
	}
	if withRetrieval {
		sys += retrievalInstruction
	}
	return sys
}

// Adapter defines the unified interface for provider-specific wire handling.
// Adapters are stateless and thread-safe.
type Adapter interface {
	// Name returns the adapter identifier (e.g., "openai", "anthropic")
	Name() string

	// Provider returns the provider type for this adapter
	Provider() Provider

	// Endpoint returns the default upstream URL for streaming chat calls.
	Endpoint() string

	// ApplyHeaders sets the provider's auth and content headers.
	ApplyHeaders(set func(key, value string), apiKey string)

	// ShapeRequest builds the provider-shaped streaming request body.
	// OpenAI nests system as a {role:"system"} message; Anthropic keeps it
	// as a top-level field. Resolving that divergence is the whole point
	// of the method.
	ShapeRequest(req *ChatRequest) ([]byte, error)

	// DecodeDelta extracts the text delta from one SSE data payload.
	// Returns ok=false for payloads that carry no text (other event types,
	// tool events, heartbeats).
	DecodeDelta(payload []byte) (delta string, ok bool)
}

// BaseAdapter provides common functionality for all adapters.
type BaseAdapter struct {
	name     string
	provider Provider
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string {
	return a.name
}

// Provider returns the provider type.
func (a *BaseAdapter) Provider() Provider {
	return a.provider
}
