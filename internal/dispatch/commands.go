package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Matthew-IE/Hana-Project/internal/config"
	"github.com/Matthew-IE/Hana-Project/internal/picker"
	"github.com/Matthew-IE/Hana-Project/internal/protocol"
	"github.com/Matthew-IE/Hana-Project/internal/tts"
)

func (d *Dispatcher) handleUpdateConfig(msg protocol.Message) error {
	patch, err := config.ParsePatch(msg.Payload)
	if err != nil {
		return err
	}
	d.ApplyConfig(patch)
	return nil
}

// handleDebugCommand relays the frame untouched to the renderer.
func (d *Dispatcher) handleDebugCommand(msg protocol.Message) error {
	d.opts.Hub.Broadcast(msg)
	return nil
}

func (d *Dispatcher) handleAppCommand(msg protocol.Message) error {
	switch msg.Command {
	case protocol.CommandQuit:
		d.quit()
		return nil
	default:
		return fmt.Errorf("%w: app-command %q", ErrUnknownCommand, msg.Command)
	}
}

func (d *Dispatcher) quit() {
	if !d.quitting.CompareAndSwap(false, true) {
		return
	}
	d.log.Info().Msg("Quit requested")
	if d.opts.StopSidecars != nil {
		d.opts.StopSidecars()
	}
	if d.opts.Quit == nil {
		return
	}
	time.AfterFunc(d.opts.QuitGrace, d.opts.Quit)
}

type pickFilePayload struct {
	RequestID string          `json:"requestId"`
	Title     string          `json:"title"`
	Filters   []picker.Filter `json:"filters"`
}

type pickFileResult struct {
	RequestID string `json:"requestId"`
	Path      string `json:"path,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handlePickFile opens the native dialog. The result carries requestId and
// path at the top level, where the dashboard reads them, and in the payload.
func (d *Dispatcher) handlePickFile(msg protocol.Message) error {
	var p pickFilePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if msg.RequestID != "" {
		p.RequestID = msg.RequestID
	}

	d.async(msg.Type, func(ctx context.Context) error {
		res := pickFileResult{RequestID: p.RequestID}
		var err error
		if d.opts.Picker == nil {
			err = picker.ErrUnavailable
		} else {
			res.Path, err = d.opts.Picker.Pick(ctx, picker.Request{Title: p.Title, Filters: p.Filters})
		}
		switch {
		case errors.Is(err, picker.ErrCancelled):
			res.Cancelled = true
			err = nil
		case err != nil:
			res.Error = err.Error()
		}

		out := protocol.NewMessage(protocol.TypePickFileResult, res)
		out.RequestID = res.RequestID
		out.Path = res.Path
		d.opts.Hub.Broadcast(out)
		return err
	})
	return nil
}

func (d *Dispatcher) handleToggleClickThrough(protocol.Message) error {
	d.ToggleClickThrough()
	return nil
}

// handleWindowBounds persists the window geometry without echoing it.
func (d *Dispatcher) handleWindowBounds(msg protocol.Message) error {
	bounds, err := config.ParsePatch(msg.Payload)
	if err != nil {
		return err
	}
	d.updateQuiet(map[string]any{"windowBounds": bounds})
	return nil
}

func (d *Dispatcher) forwardToSpeech(msg protocol.Message) error {
	if d.opts.Speech == nil {
		return fmt.Errorf("speech sidecar disabled: %s", msg.Type)
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	return d.opts.Speech.Send(msg.Type, payload)
}

// handleVoiceToggle starts or stops a manual recording. The sidecar does not
// report manual toggles, so the push-to-talk state is published here.
func (d *Dispatcher) handleVoiceToggle(msg protocol.Message) error {
	if err := d.forwardToSpeech(msg); err != nil {
		return err
	}
	d.broadcast(protocol.TypePTTStatus, map[string]bool{"active": msg.Type == speechVoiceStart})
	return nil
}

func (d *Dispatcher) handleClearMemory(protocol.Message) error {
	if d.opts.Memory != nil {
		if err := d.opts.Memory.Clear(d.ctx); err != nil {
			return err
		}
	}
	d.broadcast(protocol.TypeMemoryCleared, map[string]any{})
	return nil
}

func (d *Dispatcher) requireTTS() error {
	if d.opts.TTS == nil {
		return errors.New("tts disabled")
	}
	return nil
}

func (d *Dispatcher) handleScanModels(msg protocol.Message) error {
	if err := d.requireTTS(); err != nil {
		return err
	}
	var p struct {
		BasePath string `json:"base_path"`
	}
	if err := msg.Decode(&p); err != nil {
		return err
	}
	v := d.voice()
	if p.BasePath != "" {
		v.InstallPath = p.BasePath
	}
	d.broadcast(protocol.TypeTTSModels, d.opts.TTS.Models(v, true))
	return nil
}

// handleSetWeights hot-swaps models on the running server and records the
// selection so the next launch reapplies it.
func (d *Dispatcher) handleSetWeights(msg protocol.Message) error {
	if err := d.requireTTS(); err != nil {
		return err
	}
	var p struct {
		GPTPath    string `json:"gpt_path"`
		SoVITSPath string `json:"sovits_path"`
	}
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.GPTPath == "" && p.SoVITSPath == "" {
		return tts.ErrNoModelPath
	}

	baseURL := d.voice().BaseURL
	d.async(msg.Type, func(ctx context.Context) error {
		selected := map[string]any{}
		for _, w := range []struct{ kind, path, key string }{
			{tts.KindSoVITS, p.SoVITSPath, "selectedSovitsPath"},
			{tts.KindGPT, p.GPTPath, "selectedGptPath"},
		} {
			if w.path == "" {
				continue
			}
			if err := d.opts.TTS.SetWeights(ctx, baseURL, w.kind, w.path); err != nil {
				d.broadcastError("tts", fmt.Sprintf("Failed to set %s weights: %v", w.kind, err))
				continue
			}
			selected[w.key] = w.path
		}
		if len(selected) > 0 {
			d.ApplyConfig(map[string]any{"tts": selected})
		}
		return nil
	})
	return nil
}

type launchPayload struct {
	Port       any    `json:"port"`
	Executable string `json:"executable"`
}

// handleLaunch records an optional port and install path, then launches.
func (d *Dispatcher) handleLaunch(msg protocol.Message) error {
	if err := d.requireTTS(); err != nil {
		return err
	}
	var p launchPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	patch := map[string]any{}
	if port := portOf(p.Port); port > 0 {
		patch["baseUrl"] = "http://127.0.0.1:" + strconv.Itoa(port)
	}
	if p.Executable != "" {
		patch["installPath"] = p.Executable
	}
	if len(patch) > 0 {
		d.ApplyConfig(map[string]any{"tts": patch})
	}

	d.opts.TTS.Launch(d.ctx, d.voice())
	return nil
}

func portOf(v any) int {
	switch p := v.(type) {
	case float64:
		return int(p)
	case string:
		n, _ := strconv.Atoi(p)
		return n
	}
	return 0
}

func (d *Dispatcher) handleRestart(protocol.Message) error {
	if err := d.requireTTS(); err != nil {
		return err
	}
	d.async("tts:restart", func(ctx context.Context) error {
		if err := d.opts.TTS.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("TTS server stop before restart failed")
		}
		d.opts.TTS.Launch(ctx, d.voice())
		return nil
	})
	return nil
}

func (d *Dispatcher) handleTTSStop(protocol.Message) error {
	if err := d.requireTTS(); err != nil {
		return err
	}
	d.async("tts:stop", func(context.Context) error {
		if err := d.opts.TTS.Stop(); err != nil {
			return err
		}
		d.broadcast(protocol.TypeTTSStatus, d.opts.TTS.Status(d.voice().BaseURL))
		return nil
	})
	return nil
}

func (d *Dispatcher) handleTTSStatus(protocol.Message) error {
	if err := d.requireTTS(); err != nil {
		return err
	}
	d.broadcast(protocol.TypeTTSStatus, d.opts.TTS.Status(d.voice().BaseURL))
	return nil
}

func (d *Dispatcher) handleSpeak(msg protocol.Message) error {
	var p struct {
		Text string `json:"text"`
	}
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.Text == "" {
		p.Text = msg.StringValue()
	}
	_, err := d.Speak(p.Text)
	return err
}

// Speak queues synthesis of text and tells clients where to pull it. The
// audio is generated when a client fetches the URL.
func (d *Dispatcher) Speak(text string) (string, error) {
	if err := d.requireTTS(); err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("nothing to speak")
	}
	id := d.opts.TTS.Enqueue(text, d.voice())
	d.broadcast(protocol.TypeTTSAudio, map[string]string{
		"result": d.opts.PullBaseURL + "/tts-stream/" + id,
		"text":   text,
	})
	return id, nil
}
