// Package window applies the OS-window side effects of the configuration
// document. The avatar window is an external client, so effects are published
// as a window:state message it acts on.
package window

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/protocol"
)

// State is the window-visible subset of the configuration.
type State struct {
	AlwaysOnTop  bool `json:"alwaysOnTop"`
	ClickThrough bool `json:"clickThrough"`
}

// StateOf reads the window fields from a configuration document.
func StateOf(doc map[string]any) State {
	var s State
	s.AlwaysOnTop, _ = doc["alwaysOnTop"].(bool)
	s.ClickThrough, _ = doc["clickThrough"].(bool)
	return s
}

// Applier makes the window reflect a state.
type Applier interface {
	Apply(s State)
}

// Publisher sends window:state to clients when the state changes.
type Publisher struct {
	send func(protocol.Message)
	log  zerolog.Logger

	mu      sync.Mutex
	last    State
	applied bool
}

// NewPublisher returns a Publisher that emits through send.
func NewPublisher(send func(protocol.Message), log zerolog.Logger) *Publisher {
	return &Publisher{send: send, log: log}
}

// Apply publishes s unless it equals the last published state.
func (p *Publisher) Apply(s State) {
	p.mu.Lock()
	if p.applied && p.last == s {
		p.mu.Unlock()
		return
	}
	p.last, p.applied = s, true
	p.mu.Unlock()

	p.log.Debug().
		Bool("alwaysOnTop", s.AlwaysOnTop).
		Bool("clickThrough", s.ClickThrough).
		Msg("Applying window state")
	p.send(protocol.NewMessage(protocol.TypeWindowState, s))
}

// Current returns the last published state and whether one was published.
func (p *Publisher) Current() (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.applied
}
