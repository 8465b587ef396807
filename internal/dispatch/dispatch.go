// Package dispatch interprets inbound client messages and reacts to sidecar
// output. It is the only place that turns intents into config mutations,
// sidecar commands and broadcasts.
//
// Sidecar replies are matched to requests by type alone. At most one
// operation of a kind is expected in flight: a second transcription started
// before the first reply arrives will have its reply attributed to the first.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/avatar"
	"github.com/Matthew-IE/Hana-Project/internal/config"
	"github.com/Matthew-IE/Hana-Project/internal/memory"
	"github.com/Matthew-IE/Hana-Project/internal/picker"
	"github.com/Matthew-IE/Hana-Project/internal/protocol"
	"github.com/Matthew-IE/Hana-Project/internal/tts"
	"github.com/Matthew-IE/Hana-Project/internal/window"
)

// ErrUnknownCommand is returned for a message type with no handler.
var ErrUnknownCommand = errors.New("unknown command")

// Broadcaster publishes to every connected client.
type Broadcaster interface {
	Broadcast(msg protocol.Message)
}

// Sender delivers a command to a sidecar.
type Sender interface {
	Send(typ string, payload any) error
}

// TTS is the subset of the TTS manager the dispatcher drives.
type TTS interface {
	Launch(ctx context.Context, v tts.Voice)
	Stop() error
	Status(baseURL string) tts.Status
	Enqueue(text string, v tts.Voice) string
	Models(v tts.Voice, force bool) tts.Models
	SetWeights(ctx context.Context, baseURL, kind, path string) error
}

// Memory is the conversation transcript.
type Memory interface {
	Add(ctx context.Context, role, content string) error
	Context(ctx context.Context) ([]memory.Turn, error)
	Clear(ctx context.Context) error
}

// Options wire a Dispatcher. Config, Hub and Speech are required; the rest
// disable their feature when nil.
type Options struct {
	Config *config.Store
	Hub    Broadcaster
	Speech Sender
	TTS    TTS
	Memory Memory
	Window window.Applier
	Picker picker.Picker

	// Inspect validates a new avatar model path.
	Inspect func(vrmPath string) (*avatar.Info, error)

	// PullBaseURL prefixes /tts-stream/{id} in tts:audio payloads.
	PullBaseURL string

	// StopSidecars runs first on quit, Quit after QuitGrace.
	StopSidecars func()
	Quit         func()
	QuitGrace    time.Duration

	// OnError observes handler failures, for metrics.
	OnError func(typ string, err error)
}

type handler func(msg protocol.Message) error

// Dispatcher routes messages. Handlers that block on the network or a
// dialog run on their own goroutine so the caller's read loop keeps moving.
type Dispatcher struct {
	opts     Options
	log      zerolog.Logger
	commands map[string]handler
	prefixes map[string]handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// cfgMu serializes config mutations with their broadcast and effects.
	cfgMu sync.Mutex

	synced   atomic.Bool
	quitting atomic.Bool
}

// New creates a dispatcher.
func New(opts Options, log zerolog.Logger) *Dispatcher {
	if opts.OnError == nil {
		opts.OnError = func(string, error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{opts: opts, log: log, ctx: ctx, cancel: cancel}

	d.commands = map[string]handler{
		protocol.TypeUpdateConfig:    d.handleUpdateConfig,
		protocol.TypeDebugCommand:    d.handleDebugCommand,
		protocol.TypeAppCommand:      d.handleAppCommand,
		protocol.TypePickFile:        d.handlePickFile,
		protocol.TypeToggleClickThru: d.handleToggleClickThrough,
		protocol.TypeWindowBounds:    d.handleWindowBounds,
		"ai:clear-memory":            d.handleClearMemory,
		"ai:send":                    d.handlePrompt,
		"voice:start":                d.handleVoiceToggle,
		"voice:stop":                 d.handleVoiceToggle,
		"tts:scan-models":            d.handleScanModels,
		"tts:set-weights":            d.handleSetWeights,
		"tts:launch":                 d.handleLaunch,
		"tts:restart":                d.handleRestart,
		"tts:stop":                   d.handleTTSStop,
		"tts:status":                 d.handleTTSStatus,
		"tts:speak":                  d.handleSpeak,
	}
	d.prefixes = map[string]handler{
		"voice": d.forwardToSpeech,
		"ai":    d.forwardToSpeech,
	}
	return d
}

// HandleClient processes one inbound client message. Failures are logged
// and never propagate.
func (d *Dispatcher) HandleClient(msg protocol.Message) {
	defer d.recover(msg.Type)

	h := d.route(msg.Type)
	if h == nil {
		d.reportError(msg.Type, ErrUnknownCommand)
		return
	}
	if err := h(msg); err != nil {
		d.reportError(msg.Type, err)
	}
}

func (d *Dispatcher) route(typ string) handler {
	if h, ok := d.commands[typ]; ok {
		return h
	}
	if ns, _, ok := strings.Cut(typ, ":"); ok {
		return d.prefixes[ns]
	}
	return nil
}

func (d *Dispatcher) recover(typ string) {
	if r := recover(); r != nil {
		d.reportError(typ, fmt.Errorf("panic: %v", r))
	}
}

func (d *Dispatcher) reportError(typ string, err error) {
	d.log.Error().Err(err).Str("type", typ).Msg("Message handler failed")
	d.opts.OnError(typ, err)
}

// async runs fn in the background under the dispatcher's lifetime.
func (d *Dispatcher) async(typ string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.recover(typ)
		if err := fn(d.ctx); err != nil && d.ctx.Err() == nil {
			d.reportError(typ, err)
		}
	}()
}

// Wait blocks until background handlers finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels background handlers and waits for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) broadcast(typ string, payload any) {
	d.opts.Hub.Broadcast(protocol.NewMessage(typ, payload))
}

func (d *Dispatcher) broadcastError(source, text string) {
	d.broadcast(protocol.TypeError, map[string]string{"text": text, "source": source})
}

func (d *Dispatcher) send(typ string, payload any) {
	if d.opts.Speech == nil {
		return
	}
	if err := d.opts.Speech.Send(typ, payload); err != nil {
		d.log.Debug().Err(err).Str("type", typ).Msg("Speech sidecar did not take command")
	}
}
