package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types exchanged with UI clients.
const (
	TypeConfigUpdate    = "config-update"
	TypeUpdateConfig    = "update-config"
	TypeDebugCommand    = "debug-command"
	TypeAppCommand      = "app-command"
	TypeAIEvent         = "ai-event"
	TypeTTSAudio        = "tts:audio"
	TypeTTSModels       = "tts:models"
	TypeTTSStatus       = "tts:status"
	TypePTTStatus       = "ptt-status"
	TypeVoiceDevices    = "voice:devices"
	TypeTranscription   = "transcription"
	TypeError           = "error"
	TypePickFile        = "ui:pick-file"
	TypePickFileResult  = "ui:pick-file-result"
	TypeToggleClickThru = "window:toggle-click-through"
	TypeWindowBounds    = "window:bounds"
	TypeWindowState     = "window:state"
	TypeMemoryCleared   = "ai:memory-cleared"
	CommandQuit         = "quit"
	CommandSetEmotion   = "set-emotion"
)

// Message is the UI-facing envelope. Subtype carries a sidecar's original
// type when the routing Type is "ai-event". Command, Value, RequestID and
// Path are top-level fields some client messages use instead of a payload.
type Message struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Command   string          `json:"command,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Path      string          `json:"path,omitempty"`

	raw []byte
}

// NewMessage builds a message. payload must be JSON-encodable; a value that
// is not is sent as an empty object.
func NewMessage(typ string, payload any) Message {
	raw, err := marshalPayload(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return Message{Type: typ, Payload: raw}
}

// ParseMessage decodes a client frame, keeping the original bytes so relays
// can forward it verbatim.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	m.raw = append([]byte(nil), data...)
	return m, nil
}

// Bytes returns the wire form: the original bytes for a parsed message,
// otherwise the JSON encoding.
func (m Message) Bytes() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	return json.Marshal(m)
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// StringValue returns Value as a string, unquoting JSON strings.
func (m Message) StringValue() string {
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		return s
	}
	return string(m.Value)
}
