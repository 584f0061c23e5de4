// Provider classification from model identifiers.
//
// DESIGN: Classification is a pure, total function over model names. Unknown
// prefixes never error - they default to OpenAI so that a persisted
// conversation config stays usable when new models appear. Retrieval
// (file_search) support is a per-provider policy: only OpenAI today.
package adapters

import "strings"

// Provider identifies an upstream LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Capability describes what the classified provider supports.
type Capability struct {
	Provider          Provider
	SupportsRetrieval bool
}

// Classify maps a model identifier to its provider and capability flags.
// "claude-*" models belong to Anthropic; everything else defaults to OpenAI.
// Callers must drop (not reject) a retrieval collection reference when
// SupportsRetrieval is false, so a conversation config stays valid across
// model switches.
func Classify(model string) Capability {
	if strings.HasPrefix(model, "claude-") {
		return Capability{Provider: ProviderAnthropic}
	}
	return Capability{Provider: ProviderOpenAI, SupportsRetrieval: true}
}
