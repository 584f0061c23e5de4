// Error taxonomy for relay calls.
//
// DESIGN: Fatal errors carry a structured kind so the HTTP layer can render
// kind-specific responses instead of generic strings. SSE line parse errors
// are the only error class that is swallowed (in the stream normalizer);
// everything here propagates.
package relay

import (
	"errors"
	"fmt"

	"github.com/mygpt/chat-relay/internal/security"
	"github.com/mygpt/chat-relay/internal/store"
)

// Kind classifies a fatal relay error.
type Kind string

const (
	// KindUpstreamRejected: the provider returned non-2xx before any
	// streaming began. Reported synchronously, never as a stream event.
	KindUpstreamRejected Kind = "upstream_rejected"

	// KindStreamInterrupted: the upstream connection dropped mid-stream.
	// Nothing is persisted for the call.
	KindStreamInterrupted Kind = "stream_interrupted"

	// KindUnauthorized: caller does not own the conversation. Raised before
	// any upstream cost is incurred.
	KindUnauthorized Kind = "unauthorized"

	// KindDecryptFailed: stored ciphertext could not be decrypted
	// (corruption or wrong key); distinct from empty content.
	KindDecryptFailed Kind = "decrypt_failed"

	// KindNotFound: the conversation does not exist.
	KindNotFound Kind = "not_found"

	// KindInternal: anything else.
	KindInternal Kind = "internal"
)

// Error is a fatal relay error with its taxonomy kind.
type Error struct {
	Kind   Kind
	Status int    // upstream HTTP status, KindUpstreamRejected only
	Body   string // upstream response body, KindUpstreamRejected only
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUpstreamRejected:
		return fmt.Sprintf("upstream rejected request: status %d: %s", e.Status, e.Body)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy kind from any error returned by this package.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, security.ErrDecryptFailed) {
		return KindDecryptFailed
	}
	if errors.Is(err, store.ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

func errUnauthorized(ownerID, conversationID string) error {
	return &Error{Kind: KindUnauthorized, Err: fmt.Errorf("owner %q does not own conversation %q", ownerID, conversationID)}
}

func errUpstreamRejected(status int, body []byte) error {
	return &Error{Kind: KindUpstreamRejected, Status: status, Body: string(body)}
}

func errStreamInterrupted(err error) error {
	return &Error{Kind: KindStreamInterrupted, Err: err}
}

func errDecryptFailed(err error) error {
	return &Error{Kind: KindDecryptFailed, Err: err}
}
