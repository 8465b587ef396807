package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/Matthew-IE/Hana-Project/internal/memory"
	"github.com/Matthew-IE/Hana-Project/internal/protocol"
)

// Speech sidecar message types.
const (
	speechStatus     = "status"
	speechResponse   = "ai:response"
	speechVoiceStart = "voice:start"
	speechVoiceStop  = "voice:stop"
	statusReady      = "Ready"
)

// HandleSidecar reacts to one message from the speech sidecar. Messages
// arrive in the order the sidecar wrote them.
func (d *Dispatcher) HandleSidecar(env protocol.Envelope) {
	defer d.recover(env.Type)

	switch env.Type {
	case protocol.TypeTranscription:
		d.broadcastRaw(env)
		d.onTranscription(env)
		return
	case protocol.TypeVoiceDevices:
		d.broadcastRaw(env)
		return
	case protocol.TypeError:
		d.onSidecarError(env)
		return
	case speechVoiceStart, speechVoiceStop:
		d.broadcast(protocol.TypePTTStatus, map[string]bool{"active": env.Type == speechVoiceStart})
	}

	d.opts.Hub.Broadcast(protocol.Message{
		Type:    protocol.TypeAIEvent,
		Subtype: env.Type,
		Payload: env.Payload,
	})

	switch env.Type {
	case speechStatus:
		d.onStatus(env)
	case speechResponse:
		d.onResponse(env)
	}
}

func (d *Dispatcher) broadcastRaw(env protocol.Envelope) {
	d.opts.Hub.Broadcast(protocol.Message{Type: env.Type, Payload: env.Payload})
}

// onStatus pushes the configuration to the sidecar the first time it
// reports Ready. A restarted sidecar gets it through Resync.
func (d *Dispatcher) onStatus(env protocol.Envelope) {
	if env.Text() != statusReady {
		return
	}
	if d.synced.CompareAndSwap(false, true) {
		d.log.Info().Msg("Speech sidecar ready, syncing config")
		d.send("config:update", d.opts.Config.Snapshot())
	}
}

// Resync allows the next Ready to push the configuration again.
func (d *Dispatcher) Resync() {
	d.synced.Store(false)
}

func (d *Dispatcher) onTranscription(env protocol.Envelope) {
	text := strings.TrimSpace(env.Text())
	if text == "" || !d.opts.Config.Bool("aiEnabled") {
		return
	}
	d.Prompt(text)
}

// Prompt sends text to the language model with the configured model, system
// prompt and recent conversation.
func (d *Dispatcher) Prompt(text string) {
	doc := d.opts.Config.Snapshot()

	model, _ := doc["ollamaModel"].(string)
	if model == "" {
		model = "llama3"
	}
	system, _ := doc["systemPrompt"].(string)
	if expressive, _ := doc["expressive"].(bool); expressive {
		system = strings.TrimSpace(system + "\n\n" + MoodInstruction)
	}

	payload := map[string]any{
		"prompt":       text,
		"model":        model,
		"systemPrompt": system,
	}
	if d.opts.Memory != nil {
		history, err := d.opts.Memory.Context(d.ctx)
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to load conversation memory")
		} else {
			payload["context"] = history
		}
		d.remember(memory.RoleUser, text)
	}
	d.send("ai:send", payload)
}

func (d *Dispatcher) onResponse(env protocol.Envelope) {
	clean, mood := ExtractMood(env.Text())
	if clean != "" {
		d.remember(memory.RoleAssistant, clean)
	}

	if mood != "" {
		d.opts.Hub.Broadcast(protocol.Message{
			Type:    protocol.TypeDebugCommand,
			Command: protocol.CommandSetEmotion,
			Value:   json.RawMessage(`"` + mood + `"`),
		})
	}

	if clean == "" || d.opts.TTS == nil || !d.opts.Config.Bool("tts", "enabled") {
		return
	}
	if _, err := d.Speak(clean); err != nil {
		d.reportError(env.Type, err)
	}
}

func (d *Dispatcher) remember(role, content string) {
	if d.opts.Memory == nil {
		return
	}
	if err := d.opts.Memory.Add(d.ctx, role, content); err != nil {
		d.log.Warn().Err(err).Str("role", role).Msg("Failed to record conversation turn")
	}
}

func (d *Dispatcher) onSidecarError(env protocol.Envelope) {
	text := env.Text()
	d.log.Warn().Str("text", text).Msg("Speech sidecar reported an error")
	d.broadcastError("speech", text)
}

// handlePrompt lets a client type a prompt instead of speaking one.
func (d *Dispatcher) handlePrompt(msg protocol.Message) error {
	var p struct {
		Prompt string `json:"prompt"`
		Text   string `json:"text"`
	}
	if err := msg.Decode(&p); err != nil {
		return err
	}
	text := strings.TrimSpace(p.Prompt)
	if text == "" {
		text = strings.TrimSpace(p.Text)
	}
	if text == "" {
		return nil
	}
	d.Prompt(text)
	return nil
}
