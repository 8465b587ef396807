// Package protocol defines the wire units shared by the sidecar link and the
// UI WebSocket, and the newline-delimited JSON framing used on sidecar stdio.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType is returned when a decoded message has no dispatch key.
var ErrMissingType = errors.New("message has no type")

// Envelope is one message on the sidecar link: {"type": ..., "payload": {...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope. A nil payload is sent as an empty object.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Text returns payload.text, the field every sidecar status/error carries.
func (e Envelope) Text() string {
	var p struct {
		Text string `json:"text"`
	}
	_ = e.Decode(&p)
	return p.Text
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	}
	return json.Marshal(payload)
}
