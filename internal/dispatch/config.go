package dispatch

import (
	"encoding/json"
	"reflect"

	"github.com/Matthew-IE/Hana-Project/internal/avatar"
	"github.com/Matthew-IE/Hana-Project/internal/config"
	"github.com/Matthew-IE/Hana-Project/internal/protocol"
	"github.com/Matthew-IE/Hana-Project/internal/tts"
	"github.com/Matthew-IE/Hana-Project/internal/window"
)

// pttFields are the keys the speech sidecar's input hook is armed from.
var pttFields = []string{"voiceEnabled", "pushToTalk", "pushToTalkKey"}

// ApplyConfig merges patch into the document and carries out every effect
// of the change. WebSocket, REST, watcher and internal updates all come
// through here, one at a time, so broadcasts reach the hub in mutation order.
func (d *Dispatcher) ApplyConfig(patch map[string]any) map[string]any {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	prev, doc := d.opts.Config.Change(patch)
	d.broadcast(protocol.TypeConfigUpdate, doc)
	d.afterChange(prev, doc)
	return doc
}

// ToggleClickThrough flips clickThrough and broadcasts only that key.
func (d *Dispatcher) ToggleClickThrough() bool {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	prev, doc, next := d.opts.Config.Toggle("clickThrough")
	d.broadcast(protocol.TypeConfigUpdate, map[string]any{"clickThrough": next})
	d.afterChange(prev, doc)
	d.log.Info().Bool("clickThrough", next).Msg("Click-through toggled")
	return next
}

// ConfigChanged merges an edit made to config.json outside the host.
func (d *Dispatcher) ConfigChanged(patch map[string]any) {
	d.ApplyConfig(patch)
}

// updateQuiet persists patch without broadcasting or side effects.
func (d *Dispatcher) updateQuiet(patch map[string]any) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.opts.Config.Update(patch)
}

// afterChange runs with cfgMu held. Nothing it calls may mutate the config
// synchronously.
func (d *Dispatcher) afterChange(prev, doc map[string]any) {
	if d.opts.Window != nil {
		d.opts.Window.Apply(window.StateOf(doc))
	}

	for _, k := range pttFields {
		if !reflect.DeepEqual(prev[k], doc[k]) {
			d.send("config:update", doc)
			break
		}
	}

	if p, _ := doc["vrmPath"].(string); p != "" && p != prev["vrmPath"] {
		d.checkAvatar(p)
	}

	if d.opts.TTS != nil {
		was, _ := lookupBool(prev, "tts", "enabled")
		now, _ := lookupBool(doc, "tts", "enabled")
		if now && !was {
			d.opts.TTS.Launch(d.ctx, voiceOf(doc))
		}
	}
}

func (d *Dispatcher) checkAvatar(path string) {
	if d.opts.Inspect == nil {
		return
	}
	info, err := d.opts.Inspect(path)
	if err != nil {
		d.log.Warn().Err(err).Str("vrmPath", path).Msg("Avatar model not loadable")
		d.broadcastError("avatar", "Avatar model not loadable: "+err.Error())
		return
	}
	d.log.Info().
		Str("vrmPath", info.Path).
		Bool("vrm", info.VRM).
		Int("meshes", info.Meshes).
		Msg("Avatar model inspected")
}

// voice reads the tts sub-document.
func (d *Dispatcher) voice() tts.Voice {
	return voiceOf(d.opts.Config.Snapshot())
}

func voiceOf(doc map[string]any) tts.Voice {
	var v tts.Voice
	if raw, err := json.Marshal(doc["tts"]); err == nil {
		_ = json.Unmarshal(raw, &v)
	}
	if v.BaseURL == "" {
		v.BaseURL = tts.DefaultBaseURL
	}
	return v
}

func lookupBool(doc map[string]any, path ...string) (bool, bool) {
	var cur any = doc
	for _, k := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return false, false
		}
		cur = m[k]
	}
	b, ok := cur.(bool)
	return b, ok
}

// CombineConfigUpdates folds queued config-update broadcasts so a partial
// update never hides keys of a fuller one sent in the same tick.
func CombineConfigUpdates(prev, next protocol.Message) protocol.Message {
	a, err := config.ParsePatch(prev.Payload)
	if err != nil {
		return next
	}
	b, err := config.ParsePatch(next.Payload)
	if err != nil {
		return next
	}
	return protocol.NewMessage(next.Type, config.DeepMerge(a, b))
}

// Avatar resolves and inspects a model path against the given base dirs.
func Avatar(bases ...string) func(string) (*avatar.Info, error) {
	return func(vrmPath string) (*avatar.Info, error) {
		p, err := avatar.Resolve(vrmPath, bases...)
		if err != nil {
			return nil, err
		}
		return avatar.Inspect(p)
	}
}
