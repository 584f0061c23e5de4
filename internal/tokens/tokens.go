// Package tokens estimates prompt sizes for logging and metrics.
//
// DESIGN: Estimates only - the relay never blocks on token math. The encoder
// is loaded lazily because tiktoken fetches its BPE ranks on first use; if
// that fails (offline deployments) we fall back to a bytes/4 heuristic, which
// is close enough for operational logging.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encodingName is cl100k_base, shared by the chat models we relay.
const encodingName = "cl100k_base"

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

// Estimate returns an approximate token count for text.
func Estimate(text string) int {
	once.Do(func() {
		enc, _ = tiktoken.GetEncoding(encodingName)
	})
	if enc == nil {
		// heuristic: ~4 bytes per token for English-ish text
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateAll sums estimates over multiple strings.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
