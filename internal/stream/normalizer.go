// Package stream normalizes upstream SSE byte streams.
//
// DESIGN: OpenAI and Anthropic frame their streaming responses differently.
// The normalizer reads the upstream body line by line, hands each `data:`
// payload to the provider adapter for delta extraction, and emits one
// provider-agnostic event sequence: zero or more text deltas followed by
// exactly one Done. Downstream consumers never branch on provider.
//
// A Stream is single-pass and single-consumer. It owns the upstream body
// exclusively and closes it when the stream ends or Close is called.
package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// maxLineBytes bounds a single SSE line. Provider deltas are tiny but error
// payloads and retrieval annotations can run long.
const maxLineBytes = 1 << 20

// dataPrefix is the SSE field every payload line starts with.
const dataPrefix = "data:"

// doneMarker is the literal terminal sentinel used by both providers and by
// the normalized output stream.
const doneMarker = "[DONE]"

// DeltaDecoder extracts a text delta from one SSE data payload.
// Implemented by the provider adapters.
type DeltaDecoder interface {
	DecodeDelta(payload []byte) (delta string, ok bool)
}

// Event is one normalized stream event.
// Done=false events carry the new delta plus the text accumulated so far;
// the terminal event has Done=true and the complete assistant text.
type Event struct {
	Delta       string
	Accumulated string
	Done        bool
}

// Stream converts an upstream SSE body into normalized events.
// Forward-only and not restartable; must not be read concurrently.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	decoder DeltaDecoder
	acc     strings.Builder
	done    bool
	closed  bool
}

// New wraps an upstream response body. The Stream takes ownership of body.
func New(body io.ReadCloser, decoder DeltaDecoder) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Stream{
		body:    body,
		scanner: scanner,
		decoder: decoder,
	}
}

// Next returns the next normalized event.
//
// Lines that are not data payloads, carry no text delta, or fail to parse are
// skipped - providers emit heartbeats and event types we don't care about, and
// a single garbled line must not kill the stream. The upstream [DONE] marker
// or EOF yields exactly one terminal Done event; afterwards Next returns
// io.EOF. A transport error mid-stream is returned as-is (wrapped), with
// nothing persisted by callers.
func (s *Stream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])

		if string(payload) == doneMarker {
			return s.finish(), nil
		}

		delta, ok := s.decoder.DecodeDelta(payload)
		if !ok {
			continue
		}

		s.acc.WriteString(delta)
		return Event{Delta: delta, Accumulated: s.acc.String()}, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.close()
		return Event{}, fmt.Errorf("read upstream stream: %w", err)
	}

	// Clean EOF without an explicit [DONE] still terminates normally.
	return s.finish(), nil
}

// finish marks the stream done, releases the upstream connection and builds
// the terminal event.
func (s *Stream) finish() Event {
	s.done = true
	s.close()
	return Event{Accumulated: s.acc.String(), Done: true}
}

// Text returns the assistant text accumulated so far.
func (s *Stream) Text() string {
	return s.acc.String()
}

// Close releases the upstream connection. Safe to call more than once;
// callers must Close on early abandonment to avoid leaking the connection.
func (s *Stream) Close() error {
	s.close()
	return nil
}

func (s *Stream) close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.body.Close()
}
