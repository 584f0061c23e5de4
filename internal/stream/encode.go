package stream

import (
	"encoding/json"
	"fmt"
	"io"
)

// wireEvent is the normalized SSE payload sent to clients.
type wireEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// WriteEvent encodes one normalized event as a client SSE frame:
//
//	data: {"type":"text.delta","delta":"<text>"}\n\n
//
// or the literal [DONE] sentinel for the terminal event.
func WriteEvent(w io.Writer, ev Event) error {
	if ev.Done {
		_, err := fmt.Fprintf(w, "data: %s\n\n", doneMarker)
		return err
	}

	payload, err := json.Marshal(wireEvent{Type: "text.delta", Delta: ev.Delta})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
