package plan

import (
	"encoding/json"
	"fmt"
	"io"
)

// Encoder writes one Message per line to the backend's standard input
// as a line-oriented directive stream. Each line is a JSON object
// carrying the message's own fields plus a "kind" discriminator, so a
// backend (or the --format json pseudo-backend file) can dispatch on
// it without a side channel.
type Encoder struct {
	w   io.Writer
	enc *json.Encoder
}

// NewEncoder wraps w. w is typically the backend child process's stdin
// pipe, or (when --format json and no backend is spawned) an output
// file.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, enc: json.NewEncoder(w)}
}

// Encode writes one message as a single JSON line: the message's own
// fields plus a "kind" discriminator. Re-marshaling through a generic
// field map (rather than struct embedding) sidesteps encoding/json's
// refusal to flatten an interface-typed anonymous field.
func (e *Encoder) Encode(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("plan: marshal %s message: %w", msg.messageKind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("plan: re-marshal %s message: %w", msg.messageKind(), err)
	}
	kindJSON, err := json.Marshal(msg.messageKind())
	if err != nil {
		return fmt.Errorf("plan: marshal kind: %w", err)
	}
	fields["kind"] = kindJSON
	if err := e.enc.Encode(fields); err != nil {
		return fmt.Errorf("plan: encode %s message: %w", msg.messageKind(), err)
	}
	return nil
}
