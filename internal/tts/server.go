package tts

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/sidecar"
)

// ServerName names the TTS inference sidecar.
const ServerName = "tts"

// Server supervises api_v2.py. When something already answers on the port
// (a server the user started by hand, or a survivor of a previous run) the
// spawn is skipped and that server is used as is.
type Server struct {
	*sidecar.Supervisor

	root   string
	script string
	logger zerolog.Logger
	probe  func(ctx context.Context, port int) bool

	mu       sync.Mutex
	port     int
	external bool
}

// ServerOptions locate the GPT-SoVITS install.
type ServerOptions struct {
	Root         string
	Script       string
	Interpreters []string
	Port         int
	RestartDelay time.Duration
	Hooks        sidecar.Hooks
}

// NewServer creates the TTS sidecar.
func NewServer(opts ServerOptions, logger zerolog.Logger) *Server {
	script := opts.Script
	if script != "" && !filepath.IsAbs(script) {
		script = filepath.Join(opts.Root, script)
	}
	if opts.Port == 0 {
		opts.Port = 9880
	}
	return &Server{
		Supervisor: sidecar.NewSupervisor(sidecar.Options{
			Name:         ServerName,
			Interpreters: opts.Interpreters,
			Root:         opts.Root,
			Script:       script,
			Dir:          opts.Root,
			Env:          []string{"PYTHONIOENCODING=utf-8", "PYTHONUTF8=1"},
			RestartDelay: opts.RestartDelay,
			Classify:     sidecar.ClassifyServerLine,
			DedupWindow:  5 * time.Second,
			Hooks:        opts.Hooks,
		}, logger),
		root:   opts.Root,
		script: script,
		logger: logger.With().Str("sidecar", ServerName).Logger(),
		probe:  portAnswers,
		port:   opts.Port,
	}
}

// Start launches on the configured port.
func (s *Server) Start() error {
	return s.StartOn(context.Background(), s.Port())
}

// StartOn launches the server on port unless it is already managed or
// something else already answers there.
func (s *Server) StartOn(ctx context.Context, port int) error {
	if s.Running() {
		return nil
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	if s.probe(ctx, port) {
		s.mu.Lock()
		s.external = true
		s.mu.Unlock()
		s.logger.Info().Int("port", port).Msg("TTS server already listening, skipping spawn")
		return nil
	}

	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("GPT-SoVITS root: %w", err)
	}
	if _, err := os.Stat(s.script); err != nil {
		return fmt.Errorf("GPT-SoVITS API script: %w", err)
	}

	s.mu.Lock()
	s.external = false
	s.mu.Unlock()

	s.SetArgs("-a", "127.0.0.1", "-p", strconv.Itoa(port))
	return s.Supervisor.Start()
}

// Port returns the port of the last launch.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// External reports whether the last launch found a foreign server.
func (s *Server) External() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.external
}

func portAnswers(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
