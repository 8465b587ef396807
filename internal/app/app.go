// Package app is the orchestration root. It owns every long-lived component
// and passes each its collaborators explicitly.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Matthew-IE/Hana-Project/internal/config"
	"github.com/Matthew-IE/Hana-Project/internal/dispatch"
	"github.com/Matthew-IE/Hana-Project/internal/hub"
	"github.com/Matthew-IE/Hana-Project/internal/janitor"
	"github.com/Matthew-IE/Hana-Project/internal/logging"
	"github.com/Matthew-IE/Hana-Project/internal/memory"
	"github.com/Matthew-IE/Hana-Project/internal/metrics"
	"github.com/Matthew-IE/Hana-Project/internal/picker"
	"github.com/Matthew-IE/Hana-Project/internal/protocol"
	"github.com/Matthew-IE/Hana-Project/internal/server"
	"github.com/Matthew-IE/Hana-Project/internal/settings"
	"github.com/Matthew-IE/Hana-Project/internal/sidecar"
	"github.com/Matthew-IE/Hana-Project/internal/tts"
	"github.com/Matthew-IE/Hana-Project/internal/ttscache"
	"github.com/Matthew-IE/Hana-Project/internal/window"
)

// App is one running host.
type App struct {
	settings *settings.Settings
	logger   *logging.Logger
	log      zerolog.Logger

	config     *config.Store
	hub        *hub.Hub
	speech     *sidecar.Supervisor
	tts        *tts.Manager
	memory     *memory.Store
	dispatcher *dispatch.Dispatcher
	janitor    *janitor.Janitor
	server     *server.Server

	quit chan struct{}
}

// New builds the component graph. Nothing runs until Run.
func New(cfg *settings.Settings, logger *logging.Logger) (*App, error) {
	a := &App{
		settings: cfg,
		logger:   logger,
		log:      logger.Component("app"),
		quit:     make(chan struct{}),
	}

	a.config = config.NewStore(cfg.ConfigDir(), cfg.Timing.SaveDebounce, logger.Component("config"))
	a.config.OnWrite = metrics.ConfigWrites.Inc
	if err := a.config.Load(); err != nil {
		a.log.Error().Err(err).Msg("Failed to load config, using defaults")
	}

	a.hub = hub.New(hub.Options{
		CoalesceInterval: cfg.Timing.CoalesceInterval,
		Combiners: map[string]hub.Combiner{
			protocol.TypeConfigUpdate: dispatch.CombineConfigUpdates,
		},
		Snapshot: func() protocol.Message {
			return protocol.NewMessage(protocol.TypeConfigUpdate, a.config.Snapshot())
		},
		OnMessage: func(msg protocol.Message) { a.dispatcher.HandleClient(msg) },
		Hooks:     metrics.HubHooks(),
	}, logger.Component("hub"))

	hooks := a.sidecarHooks()
	if !cfg.Speech.Disabled {
		a.speech = sidecar.NewSpeech(cfg.Speech.Script, cfg.Speech.Interpreters, cfg.Timing.RestartDelay, hooks, logger.Component("sidecar"))
		a.speech.OnMessage(func(env protocol.Envelope) { a.dispatcher.HandleSidecar(env) })
	}

	jobs := ttscache.New[tts.Job](metrics.JobHooks())
	ttsServer := tts.NewServer(tts.ServerOptions{
		Root:         cfg.TTS.Root,
		Script:       cfg.TTS.Script,
		Interpreters: cfg.TTS.Interpreters,
		Port:         cfg.TTS.Port,
		RestartDelay: cfg.Timing.RestartDelay,
		Hooks:        hooks,
	}, logger.Component("tts"))
	a.tts = tts.NewManager(tts.ManagerOptions{
		Root:         cfg.TTS.Root,
		ReadyTimeout: cfg.TTS.ReadyTimeout,
		ApplyDelay:   2 * time.Second,
	}, ttsServer, jobs, a.hub.Broadcast, logger.Component("tts"))

	mem, err := memory.Open(filepath.Join(cfg.Data.Dir, "memory.db"))
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}
	a.memory = mem

	wd, _ := os.Getwd()
	inspect := dispatch.Avatar(cfg.Data.Dir, wd)

	opts := dispatch.Options{
		Config:       a.config,
		Hub:          a.hub,
		TTS:          a.tts,
		Memory:       a.memory,
		Window:       window.NewPublisher(a.hub.Broadcast, logger.Component("window")),
		Picker:       picker.NewNative(),
		Inspect:      inspect,
		PullBaseURL:  cfg.PullBaseURL(),
		StopSidecars: a.stopSidecars,
		Quit:         a.requestQuit,
		QuitGrace:    cfg.Timing.QuitGrace,
		OnError: func(typ string, _ error) {
			metrics.DispatchErrors.WithLabelValues(typ).Inc()
		},
	}
	if a.speech != nil {
		opts.Speech = a.speech
	}
	a.dispatcher = dispatch.New(opts, logger.Component("dispatch"))

	a.janitor, err = janitor.New(janitor.Options{
		Jobs:      jobs,
		JobTTL:    cfg.Timing.JobTTL,
		UploadDir: cfg.TempDir(),
		UploadTTL: cfg.Timing.UploadTTL,
	}, logger.Component("janitor"))
	if err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("schedule janitor: %w", err)
	}

	srvOpts := server.Options{
		Addr:       cfg.Server.Addr,
		Config:     a.config,
		Dispatcher: a.dispatcher,
		Hub:        a.hub,
		Streams:    a.tts,
		UploadDir:  cfg.TempDir(),
		Logs:       logger.History,
		Avatar:     inspect,
		Health:     a.health,
		Metrics:    metrics.Handler(),
	}
	if a.speech != nil {
		srvOpts.Speech = a.speech
	}
	a.server = server.New(srvOpts, logger.Component("server"))
	return a, nil
}

// sidecarHooks adds config resync on speech restarts to the metrics hooks.
func (a *App) sidecarHooks() sidecar.Hooks {
	h := metrics.SidecarHooks()
	started := h.Started
	h.Started = func(name string, restart bool) {
		started(name, restart)
		if restart && name == sidecar.SpeechName {
			a.dispatcher.Resync()
		}
	}
	return h
}

// Run starts everything and blocks until ctx is cancelled or a quit is
// requested, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.log.Info().
		Str("addr", a.settings.Server.Addr).
		Str("config", a.config.Path()).
		Str("logFile", a.logger.Path()).
		Msg("Hana host starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error {
		if err := a.config.Watch(gctx, a.dispatcher.ConfigChanged); err != nil {
			a.log.Warn().Err(err).Msg("Config file watch unavailable")
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-a.quit:
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	a.janitor.Start()
	a.startSidecars()

	err := g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startSidecars() {
	if a.speech != nil {
		if err := a.speech.Start(); err != nil {
			a.log.Error().Err(err).Msg("Failed to start speech sidecar")
		}
	}
	if a.config.Bool("tts", "enabled") {
		var v tts.Voice
		if err := a.config.Decode("tts", &v); err != nil {
			a.log.Warn().Err(err).Msg("Failed to decode tts settings")
		}
		a.tts.Launch(context.Background(), v)
	}
}

func (a *App) stopSidecars() {
	if a.speech != nil {
		if err := a.speech.Stop(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to stop speech sidecar")
		}
	}
	if err := a.tts.Stop(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to stop TTS server")
	}
}

func (a *App) requestQuit() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

func (a *App) shutdown() {
	a.log.Info().Msg("Hana host shutting down")
	a.stopSidecars()
	a.dispatcher.Close()
	a.janitor.Stop()
	if err := a.config.Close(); err != nil {
		a.log.Error().Err(err).Msg("Failed to save config")
	}
	if err := a.memory.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close memory")
	}
}

func (a *App) health() server.Health {
	h := server.Health{
		Status:   "healthy",
		Clients:  a.hub.ClientCount(),
		Sidecars: map[string]bool{},
	}
	if a.speech != nil {
		h.Sidecars[sidecar.SpeechName] = a.speech.Running()
	}
	st := a.tts.Status(a.config.String("tts", "baseUrl"))
	h.Sidecars[tts.ServerName] = st.Running
	h.TTS = &st
	return h
}
