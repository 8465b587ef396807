package tts

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/protocol"
	"github.com/Matthew-IE/Hana-Project/internal/ttscache"
)

// ManagerOptions tune the launch sequence.
type ManagerOptions struct {
	// Root is the install scanned for models when the voice names none.
	Root string
	// ReadyTimeout caps the readiness poll. The server is assumed ready
	// when it expires: slow first loads still answer eventually.
	ReadyTimeout time.Duration
	PollInterval time.Duration
	// ApplyDelay lets the server settle before weights are switched.
	ApplyDelay time.Duration
	ScanTTL    time.Duration
	HTTPClient *http.Client
}

func (o *ManagerOptions) setDefaults() {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ApplyDelay < 0 {
		o.ApplyDelay = 0
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
}

// Status is the payload of tts:status.
type Status struct {
	Running  bool   `json:"running"`
	External bool   `json:"external"`
	Ready    bool   `json:"ready"`
	Port     int    `json:"port"`
	BaseURL  string `json:"baseUrl"`
}

// Manager owns the TTS server lifecycle, the job cache and model scanning.
type Manager struct {
	opts    ManagerOptions
	server  *Server
	scanner *Scanner
	jobs    *ttscache.Cache[Job]
	notify  func(protocol.Message)
	logger  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ready  bool
	wg     sync.WaitGroup
}

// NewManager wires a manager. notify receives status and error broadcasts.
func NewManager(opts ManagerOptions, server *Server, jobs *ttscache.Cache[Job], notify func(protocol.Message), logger zerolog.Logger) *Manager {
	opts.setDefaults()
	if notify == nil {
		notify = func(protocol.Message) {}
	}
	return &Manager{
		opts:    opts,
		server:  server,
		scanner: NewScanner(opts.ScanTTL),
		jobs:    jobs,
		notify:  notify,
		logger:  logger,
	}
}

// Server returns the supervised TTS server.
func (m *Manager) Server() *Server {
	return m.server
}

// Launch starts the server for v in the background: spawn (or adopt an
// external server), wait until it answers, then apply the selected weights.
// A second Launch cancels an unfinished first one.
func (m *Manager) Launch(ctx context.Context, v Voice) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	lctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.ready = false
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.launch(lctx, v)
	}()
}

func (m *Manager) launch(ctx context.Context, v Voice) {
	port := PortOf(v.BaseURL)
	if err := m.server.StartOn(ctx, port); err != nil {
		m.fail("Failed to start TTS server", err)
		return
	}

	client := m.client(v.BaseURL)
	if !m.waitReady(ctx, client) {
		m.logger.Info().Dur("timeout", m.opts.ReadyTimeout).Msg("TTS readiness check timed out, assuming ready")
	}
	if !sleepCtx(ctx, m.opts.ApplyDelay) {
		return
	}

	if v.SelectedSoVITSPath != "" {
		if err := client.SetSoVITSWeights(ctx, v.SelectedSoVITSPath); err != nil {
			m.fail("Failed to apply SoVITS weights", err)
		}
	}
	if v.SelectedGPTPath != "" {
		if err := client.SetGPTWeights(ctx, v.SelectedGPTPath); err != nil {
			m.fail("Failed to apply GPT weights", err)
		}
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.notify(protocol.NewMessage(protocol.TypeTTSStatus, m.Status(v.BaseURL)))
}

// waitReady polls until the server answers. It returns false on timeout or
// cancellation.
func (m *Manager) waitReady(ctx context.Context, client *Client) bool {
	deadline := time.Now().Add(m.opts.ReadyTimeout)
	for {
		pctx, cancel := context.WithTimeout(ctx, m.opts.PollInterval)
		err := client.Ping(pctx)
		cancel()
		if err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if !sleepCtx(ctx, m.opts.PollInterval) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop cancels a pending launch and stops a managed server. An external
// server is left alone.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.ready = false
	m.mu.Unlock()

	m.wg.Wait()
	return m.server.Stop()
}

// Status reports the server state.
func (m *Manager) Status(baseURL string) Status {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	return Status{
		Running:  m.server.Running() || m.server.External(),
		External: m.server.External(),
		Ready:    ready,
		Port:     m.server.Port(),
		BaseURL:  baseURL,
	}
}

// Enqueue stores a synthesis job for text and returns its pull id.
func (m *Manager) Enqueue(text string, v Voice) string {
	return m.jobs.Enqueue(Job{BaseURL: v.BaseURL, Request: NewRequest(text, v)})
}

// Open consumes the job and starts generation. The job is gone even when
// generation fails.
func (m *Manager) Open(ctx context.Context, id string) (*Audio, error) {
	job, err := m.jobs.Consume(id)
	if err != nil {
		return nil, err
	}
	return m.client(job.BaseURL).Synthesize(ctx, job.Request)
}

// Models lists available weights for v's install.
func (m *Manager) Models(v Voice, force bool) Models {
	root := v.InstallPath
	if root == "" {
		root = m.opts.Root
	}
	return m.scanner.Scan(root, force)
}

// SetWeights hot-swaps a model on the running server.
func (m *Manager) SetWeights(ctx context.Context, baseURL, kind, path string) error {
	return m.client(baseURL).SetWeights(ctx, kind, path)
}

func (m *Manager) client(baseURL string) *Client {
	return NewClient(baseURL, m.opts.HTTPClient, m.logger)
}

func (m *Manager) fail(text string, err error) {
	m.logger.Error().Err(err).Msg(text)
	m.notify(protocol.NewMessage(protocol.TypeError, map[string]string{
		"text":   text + ": " + err.Error(),
		"source": "tts",
	}))
}

// PortOf extracts the port of a base URL, defaulting to 9880.
func PortOf(baseURL string) int {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return 9880
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil || p <= 0 {
		return 9880
	}
	return p
}
