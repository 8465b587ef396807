package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Matthew-IE/Hana-Project/internal/avatar"
	"github.com/Matthew-IE/Hana-Project/internal/config"
	"github.com/Matthew-IE/Hana-Project/internal/memory"
	"github.com/Matthew-IE/Hana-Project/internal/picker"
	"github.com/Matthew-IE/Hana-Project/internal/protocol"
	"github.com/Matthew-IE/Hana-Project/internal/tts"
	"github.com/Matthew-IE/Hana-Project/internal/window"
)

type fakeHub struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (h *fakeHub) Broadcast(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *fakeHub) ofType(typ string) []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Message
	for _, m := range h.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type sent struct {
	typ     string
	payload any
}

type fakeSender struct {
	mu    sync.Mutex
	sends []sent
	panic bool
}

func (s *fakeSender) Send(typ string, payload any) error {
	if s.panic {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sent{typ, payload})
	return nil
}

func (s *fakeSender) ofType(typ string) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sent
	for _, x := range s.sends {
		if x.typ == typ {
			out = append(out, x)
		}
	}
	return out
}

type fakeTTS struct {
	mu       sync.Mutex
	launches []tts.Voice
	stops    int
	enqueued []string
	scanned  []tts.Voice
	weights  map[string]string
	fail     error
}

func (f *fakeTTS) Launch(_ context.Context, v tts.Voice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, v)
}

func (f *fakeTTS) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTTS) Status(baseURL string) tts.Status {
	return tts.Status{BaseURL: baseURL}
}

func (f *fakeTTS) Enqueue(text string, _ tts.Voice) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, text)
	return "job-1"
}

func (f *fakeTTS) Models(v tts.Voice, _ bool) tts.Models {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanned = append(f.scanned, v)
	return tts.Models{GPT: []tts.Model{{Name: "a.ckpt", Path: "/m/a.ckpt"}}}
}

func (f *fakeTTS) SetWeights(_ context.Context, _, kind, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.weights == nil {
		f.weights = map[string]string{}
	}
	f.weights[kind] = path
	return nil
}

type fakePicker struct {
	path string
	err  error
	req  picker.Request
}

func (p *fakePicker) Pick(_ context.Context, req picker.Request) (string, error) {
	p.req = req
	return p.path, p.err
}

type fakeWindow struct {
	mu     sync.Mutex
	states []window.State
}

func (w *fakeWindow) Apply(s window.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, s)
}

type harness struct {
	d      *Dispatcher
	store  *config.Store
	hub    *fakeHub
	speech *fakeSender
	tts    *fakeTTS
	mem    *memory.Store
	win    *fakeWindow
	pick   *fakePicker
	errs   []string
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	store := config.NewStore(dir, time.Hour, zerolog.Nop())
	mem, err := memory.Open(filepath.Join(dir, "memory.db"))
	require.NoError(t, err)

	h := &harness{
		store:  store,
		hub:    &fakeHub{},
		speech: &fakeSender{},
		tts:    &fakeTTS{},
		mem:    mem,
		win:    &fakeWindow{},
		pick:   &fakePicker{},
	}
	opts := Options{
		Config:      store,
		Hub:         h.hub,
		Speech:      h.speech,
		TTS:         h.tts,
		Memory:      mem,
		Window:      h.win,
		Picker:      h.pick,
		PullBaseURL: "http://127.0.0.1:3000",
		OnError:     func(typ string, _ error) { h.errs = append(h.errs, typ) },
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	h.d = New(opts, zerolog.Nop())
	t.Cleanup(func() {
		h.d.Close()
		_ = mem.Close()
		_ = store.Close()
	})
	return h
}

func clientMsg(t *testing.T, raw string) protocol.Message {
	t.Helper()
	m, err := protocol.ParseMessage([]byte(raw))
	require.NoError(t, err)
	return m
}

func envelope(typ string, payload any) protocol.Envelope {
	env, _ := protocol.NewEnvelope(typ, payload)
	return env
}

func decode(t *testing.T, m protocol.Message) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, m.Decode(&out))
	return out
}

func TestUpdateConfigMergesAndBroadcastsFullDocument(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"update-config","payload":{"tts":{"speed":1.5},"alwaysOnTop":false}}`))

	voice := h.store.Get("tts").(map[string]any)
	assert.Equal(t, 1.5, voice["speed"])
	assert.Equal(t, 0.8, voice["temperature"])

	updates := h.hub.ofType(protocol.TypeConfigUpdate)
	require.Len(t, updates, 1)
	doc := decode(t, updates[0])
	assert.Contains(t, doc, "subtitle")
	assert.Equal(t, false, doc["alwaysOnTop"])

	require.Len(t, h.win.states, 1)
	assert.False(t, h.win.states[0].AlwaysOnTop)
	assert.Empty(t, h.speech.ofType("config:update"), "no push-to-talk field changed")
}

func TestUpdateConfigResyncsPushToTalk(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"update-config","payload":{"pushToTalkKey":"F9"}}`))

	sends := h.speech.ofType("config:update")
	require.Len(t, sends, 1)
	assert.Equal(t, "F9", sends[0].payload.(map[string]any)["pushToTalkKey"])
}

func TestRESTAndWebSocketUpdatesMatch(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)
	patch := `{"subtitle":{"fontSize":30},"position":{"x":2}}`

	a.d.HandleClient(clientMsg(t, `{"type":"update-config","payload":`+patch+`}`))
	p, err := config.ParsePatch([]byte(patch))
	require.NoError(t, err)
	b.d.ApplyConfig(p)

	assert.Equal(t, a.store.Snapshot(), b.store.Snapshot())
}

func TestUpdateConfigRejectsNonObject(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"update-config","payload":[1,2]}`))
	assert.Equal(t, []string{protocol.TypeUpdateConfig}, h.errs)
	assert.Empty(t, h.hub.ofType(protocol.TypeConfigUpdate))
}

func TestTTSEnableLaunchesServer(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"update-config","payload":{"tts":{"enabled":true}}}`))
	h.d.HandleClient(clientMsg(t, `{"type":"update-config","payload":{"tts":{"speed":1.2}}}`))

	require.Len(t, h.tts.launches, 1)
	assert.Equal(t, tts.DefaultBaseURL, h.tts.launches[0].BaseURL)
}

func TestVRMPathInspection(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Inspect = func(string) (*avatar.Info, error) { return nil, avatar.ErrNotFound }
	})
	h.d.HandleClient(clientMsg(t, `{"type":"update-config","payload":{"vrmPath":"missing.vrm"}}`))

	assert.Equal(t, "missing.vrm", h.store.String("vrmPath"))
	errs := h.hub.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "avatar", decode(t, errs[0])["source"])
}

func TestDebugCommandRelayedVerbatim(t *testing.T) {
	h := newHarness(t)
	raw := `{"type":"debug-command","command":"set-emotion","value":"happy"}`
	h.d.HandleClient(clientMsg(t, raw))

	relayed := h.hub.ofType(protocol.TypeDebugCommand)
	require.Len(t, relayed, 1)
	out, err := relayed[0].Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestQuit(t *testing.T) {
	stopped := make(chan struct{})
	quit := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.StopSidecars = func() { close(stopped) }
		o.Quit = func() { close(quit) }
		o.QuitGrace = 10 * time.Millisecond
	})

	h.d.HandleClient(clientMsg(t, `{"type":"app-command","command":"quit"}`))
	h.d.HandleClient(clientMsg(t, `{"type":"app-command","command":"quit"}`))

	select {
	case <-stopped:
	default:
		t.Fatal("sidecars not stopped before returning")
	}
	select {
	case <-quit:
	case <-time.After(time.Second):
		t.Fatal("quit not called")
	}
}

func TestUnknownCommandIsReported(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"nope"}`))
	h.d.HandleClient(clientMsg(t, `{"type":"app-command","command":"dance"}`))
	assert.Equal(t, []string{"nope", protocol.TypeAppCommand}, h.errs)
}

func TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.speech.panic = true
	assert.NotPanics(t, func() {
		h.d.HandleClient(clientMsg(t, `{"type":"voice:get-devices"}`))
	})
	assert.Equal(t, []string{"voice:get-devices"}, h.errs)
}

func TestPickFile(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		err       error
		cancelled bool
	}{
		{name: "chosen", path: "/audio/ref.wav"},
		{name: "cancelled", err: picker.ErrCancelled, cancelled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.pick.path, h.pick.err = tt.path, tt.err

			h.d.HandleClient(clientMsg(t, `{"type":"ui:pick-file","payload":{"requestId":"ref-audio","filters":[{"name":"Audio","extensions":["wav","mp3","ogg"]}]}}`))
			h.d.Wait()

			results := h.hub.ofType(protocol.TypePickFileResult)
			require.Len(t, results, 1)
			assert.Equal(t, "ref-audio", results[0].RequestID)
			assert.Equal(t, tt.path, results[0].Path)
			assert.Equal(t, tt.cancelled, decode(t, results[0])["cancelled"] == true)
			assert.Equal(t, []string{"wav", "mp3", "ogg"}, h.pick.req.Filters[0].Extensions)
			assert.Empty(t, h.errs)
		})
	}
}

func TestToggleClickThrough(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"window:toggle-click-through"}`))

	assert.True(t, h.store.Bool("clickThrough"))
	updates := h.hub.ofType(protocol.TypeConfigUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, map[string]any{"clickThrough": true}, decode(t, updates[0]))
	assert.True(t, h.win.states[0].ClickThrough)

	assert.False(t, h.d.ToggleClickThrough())
}

func TestConcurrentTogglesAreSerialized(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.d.ToggleClickThrough()
		}()
	}
	wg.Wait()

	assert.False(t, h.store.Bool("clickThrough"))
	updates := h.hub.ofType(protocol.TypeConfigUpdate)
	require.Len(t, updates, 64)
	for i, u := range updates {
		assert.Equal(t, i%2 == 0, decode(t, u)["clickThrough"], "broadcast %d", i)
	}
}

func TestConcurrentUpdatesBroadcastInMutationOrder(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(scale float64) {
			defer wg.Done()
			h.d.ApplyConfig(map[string]any{"scale": scale, "tts": map[string]any{"enabled": true}})
		}(float64(i))
	}
	wg.Wait()

	updates := h.hub.ofType(protocol.TypeConfigUpdate)
	require.Len(t, updates, 8)
	assert.Equal(t, h.store.Get("scale"), decode(t, updates[len(updates)-1])["scale"])

	h.tts.mu.Lock()
	defer h.tts.mu.Unlock()
	assert.Len(t, h.tts.launches, 1)
}

func TestWindowBoundsPersistedWithoutEcho(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"window:bounds","payload":{"x":10,"y":20,"width":500,"height":700}}`))

	b := h.store.Get("windowBounds").(map[string]any)
	assert.Equal(t, 500.0, b["width"])
	assert.Equal(t, 10.0, b["x"])
	assert.Empty(t, h.hub.ofType(protocol.TypeConfigUpdate))
}

func TestVoiceCommandsForwarded(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"voice:set-device","payload":{"index":3}}`))
	h.d.HandleClient(clientMsg(t, `{"type":"voice:start"}`))

	sends := h.speech.ofType("voice:set-device")
	require.Len(t, sends, 1)
	assert.JSONEq(t, `{"index":3}`, string(sends[0].payload.(json.RawMessage)))

	require.Len(t, h.speech.ofType("voice:start"), 1)
	ptt := h.hub.ofType(protocol.TypePTTStatus)
	require.Len(t, ptt, 1)
	assert.Equal(t, true, decode(t, ptt[0])["active"])
}

func TestTTSCommands(t *testing.T) {
	h := newHarness(t)

	h.d.HandleClient(clientMsg(t, `{"type":"tts:scan-models","payload":{"base_path":"/opt/sovits"}}`))
	require.Len(t, h.tts.scanned, 1)
	assert.Equal(t, "/opt/sovits", h.tts.scanned[0].InstallPath)
	require.Len(t, h.hub.ofType(protocol.TypeTTSModels), 1)

	h.d.HandleClient(clientMsg(t, `{"type":"tts:launch","payload":{"port":9881,"executable":"/opt/sovits"}}`))
	require.Len(t, h.tts.launches, 1)
	assert.Equal(t, "http://127.0.0.1:9881", h.tts.launches[0].BaseURL)
	assert.Equal(t, "/opt/sovits", h.store.String("tts", "installPath"))

	h.d.HandleClient(clientMsg(t, `{"type":"tts:set-weights","payload":{"gpt_path":"/m/a.ckpt"}}`))
	h.d.HandleClient(clientMsg(t, `{"type":"tts:restart"}`))
	h.d.Wait()

	assert.Equal(t, map[string]string{tts.KindGPT: "/m/a.ckpt"}, h.tts.weights)
	assert.Equal(t, "/m/a.ckpt", h.store.String("tts", "selectedGptPath"))
	assert.Equal(t, 1, h.tts.stops)
	assert.Len(t, h.tts.launches, 2)
}

func TestSetWeightsFailureBroadcastsError(t *testing.T) {
	h := newHarness(t)
	h.tts.fail = errors.New("connection refused")

	h.d.HandleClient(clientMsg(t, `{"type":"tts:set-weights","payload":{"sovits_path":"/m/b.pth"}}`))
	h.d.Wait()

	errs := h.hub.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "tts", decode(t, errs[0])["source"])
	assert.Empty(t, h.store.String("tts", "selectedSovitsPath"))
}

func TestSetWeightsRequiresPath(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"tts:set-weights","payload":{}}`))
	assert.Equal(t, []string{"tts:set-weights"}, h.errs)
}

func TestSpeak(t *testing.T) {
	h := newHarness(t)
	h.d.HandleClient(clientMsg(t, `{"type":"tts:speak","payload":{"text":"hello"}}`))

	audio := h.hub.ofType(protocol.TypeTTSAudio)
	require.Len(t, audio, 1)
	p := decode(t, audio[0])
	assert.Equal(t, "http://127.0.0.1:3000/tts-stream/job-1", p["result"])
	assert.Equal(t, "hello", p["text"])
}

func TestReadySyncsOnce(t *testing.T) {
	h := newHarness(t)
	h.d.HandleSidecar(envelope("status", map[string]string{"text": "Initializing Python Services..."}))
	h.d.HandleSidecar(envelope("status", map[string]string{"text": "Ready"}))
	h.d.HandleSidecar(envelope("status", map[string]string{"text": "Ready"}))

	assert.Len(t, h.speech.ofType("config:update"), 1)
	events := h.hub.ofType(protocol.TypeAIEvent)
	require.Len(t, events, 3)
	assert.Equal(t, "status", events[0].Subtype)

	h.d.Resync()
	h.d.HandleSidecar(envelope("status", map[string]string{"text": "Ready"}))
	assert.Len(t, h.speech.ofType("config:update"), 2)
}

func TestTranscriptionPromptsModel(t *testing.T) {
	h := newHarness(t)
	h.store.Update(map[string]any{"aiEnabled": true, "expressive": true, "systemPrompt": "You are Hana."})
	require.NoError(t, h.mem.Add(context.Background(), memory.RoleUser, "earlier"))

	h.d.HandleSidecar(envelope(protocol.TypeTranscription, map[string]string{"text": " hi there "}))

	require.Len(t, h.hub.ofType(protocol.TypeTranscription), 1)
	prompts := h.speech.ofType("ai:send")
	require.Len(t, prompts, 1)
	p := prompts[0].payload.(map[string]any)
	assert.Equal(t, "hi there", p["prompt"])
	assert.Equal(t, "llama3", p["model"])
	assert.Contains(t, p["systemPrompt"], "You are Hana.")
	assert.Contains(t, p["systemPrompt"], MoodInstruction)
	assert.Equal(t, []memory.Turn{{Role: memory.RoleUser, Content: "earlier"}}, p["context"])

	n, err := h.mem.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTranscriptionWithoutAI(t *testing.T) {
	h := newHarness(t)
	h.d.HandleSidecar(envelope(protocol.TypeTranscription, map[string]string{"text": "hi"}))
	h.d.HandleSidecar(envelope(protocol.TypeTranscription, map[string]string{"text": "   "}))
	assert.Empty(t, h.speech.ofType("ai:send"))
}

func TestResponseSpeaksAndSetsEmotion(t *testing.T) {
	h := newHarness(t)
	h.store.Update(map[string]any{"tts": map[string]any{"enabled": true}})

	h.d.HandleSidecar(envelope("ai:response", map[string]string{"text": "[happy] Nice to see you! [sad]"}))

	emotions := h.hub.ofType(protocol.TypeDebugCommand)
	require.Len(t, emotions, 1)
	assert.Equal(t, protocol.CommandSetEmotion, emotions[0].Command)
	assert.Equal(t, "happy", emotions[0].StringValue())

	assert.Equal(t, []string{"Nice to see you!"}, h.tts.enqueued)
	require.Len(t, h.hub.ofType(protocol.TypeTTSAudio), 1)

	turns, err := h.mem.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Nice to see you!", turns[0].Content)
}

func TestResponseWithoutTTS(t *testing.T) {
	h := newHarness(t)
	h.d.HandleSidecar(envelope("ai:response", map[string]string{"text": "plain"}))
	assert.Empty(t, h.tts.enqueued)
	assert.Len(t, h.hub.ofType(protocol.TypeAIEvent), 1)
}

func TestPushToTalkStatus(t *testing.T) {
	h := newHarness(t)
	h.d.HandleSidecar(envelope("voice:start", nil))
	h.d.HandleSidecar(envelope("voice:stop", nil))

	ptt := h.hub.ofType(protocol.TypePTTStatus)
	require.Len(t, ptt, 2)
	assert.Equal(t, true, decode(t, ptt[0])["active"])
	assert.Equal(t, false, decode(t, ptt[1])["active"])
}

func TestSidecarErrorBroadcast(t *testing.T) {
	h := newHarness(t)
	h.d.HandleSidecar(envelope("error", map[string]string{"text": "Ollama failed to respond"}))

	errs := h.hub.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, map[string]any{"text": "Ollama failed to respond", "source": "speech"}, decode(t, errs[0]))
	assert.Empty(t, h.hub.ofType(protocol.TypeAIEvent))
}

func TestDevicesBroadcastImmediately(t *testing.T) {
	h := newHarness(t)
	h.d.HandleSidecar(envelope("voice:devices", map[string]any{"devices": []string{"mic"}}))
	require.Len(t, h.hub.ofType(protocol.TypeVoiceDevices), 1)
}

func TestClearMemory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mem.Add(context.Background(), memory.RoleUser, "x"))
	h.d.HandleClient(clientMsg(t, `{"type":"ai:clear-memory"}`))

	n, err := h.mem.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.hub.ofType(protocol.TypeMemoryCleared), 1)
}

func TestCombineConfigUpdates(t *testing.T) {
	full := protocol.NewMessage(protocol.TypeConfigUpdate, map[string]any{"clickThrough": false, "scale": 1.0})
	partial := protocol.NewMessage(protocol.TypeConfigUpdate, map[string]any{"clickThrough": true})

	got := CombineConfigUpdates(full, partial)
	var doc map[string]any
	require.NoError(t, got.Decode(&doc))
	assert.Equal(t, map[string]any{"clickThrough": true, "scale": 1.0}, doc)
}
