// Package server exposes the host over HTTP: the REST API, the WebSocket
// hub, single-use TTS streams, logs, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/avatar"
	"github.com/Matthew-IE/Hana-Project/internal/config"
	"github.com/Matthew-IE/Hana-Project/internal/logging"
	"github.com/Matthew-IE/Hana-Project/internal/tts"
	"github.com/Matthew-IE/Hana-Project/internal/ttscache"
)

const (
	// MaxConfigBody bounds POST /api/config.
	MaxConfigBody = 1 << 20
	// MaxUploadBody bounds POST /api/voice/upload.
	MaxUploadBody = 64 << 20

	shutdownTimeout = 5 * time.Second
)

// ConfigApplier is the shared config mutation path.
type ConfigApplier interface {
	ApplyConfig(patch map[string]any) map[string]any
	ToggleClickThrough() bool
}

// StreamOpener consumes a TTS job and starts generating its audio.
type StreamOpener interface {
	Open(ctx context.Context, id string) (*tts.Audio, error)
}

// Sender delivers a command to the speech sidecar.
type Sender interface {
	Send(typ string, payload any) error
}

// Health is the GET /healthz body.
type Health struct {
	Status   string          `json:"status"`
	Clients  int             `json:"clients"`
	Sidecars map[string]bool `json:"sidecars"`
	TTS      *tts.Status     `json:"tts,omitempty"`
}

// Options wire the handlers. Optional collaborators disable their routes'
// behavior when nil.
type Options struct {
	Addr       string
	Config     *config.Store
	Dispatcher ConfigApplier
	Hub        http.Handler
	Streams    StreamOpener
	Speech     Sender
	UploadDir  string
	Logs       func(limit int) []logging.Entry
	Avatar     func(vrmPath string) (*avatar.Info, error)
	Health     func() Health
	Metrics    http.Handler
}

// Server is the host's HTTP listener.
type Server struct {
	opts Options
	log  zerolog.Logger
	srv  *http.Server
}

// New builds the server and its routes.
func New(opts Options, log zerolog.Logger) *Server {
	s := &Server{opts: opts, log: log}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped for cross-origin dashboards.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handlePostConfig)
	mux.HandleFunc("POST /api/window/click-through/toggle", s.handleToggleClickThrough)
	mux.HandleFunc("POST /api/voice/upload", s.handleUpload)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/avatar", s.handleAvatar)
	mux.HandleFunc("GET /tts-stream/{id}", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Hub != nil {
		mux.Handle("GET /ws", s.opts.Hub)
	}
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	mux.HandleFunc("/", s.handleRoot)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info().Msg("HTTP server stopped")
	return nil
}

// handleRoot accepts WebSocket upgrades on "/" as well, where the renderer
// connects.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub != nil && websocket.IsWebSocketUpgrade(r) {
		s.opts.Hub.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Config.Snapshot())
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxConfigBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	patch, err := config.ParsePatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Dispatcher.ApplyConfig(patch))
}

func (s *Server) handleToggleClickThrough(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"clickThrough": s.opts.Dispatcher.ToggleClickThrough()})
}

var audioExtensions = map[string]string{
	"audio/wav":    "wav",
	"audio/x-wav":  "wav",
	"audio/wave":   "wav",
	"audio/webm":   "webm",
	"audio/ogg":    "ogg",
	"audio/mpeg":   "mp3",
	"audio/mp4":    "m4a",
	"audio/x-flac": "flac",
	"audio/flac":   "flac",
}

// uploadExtension picks the file extension from ?ext= or the content type.
func uploadExtension(r *http.Request) string {
	if ext := strings.Trim(r.URL.Query().Get("ext"), ". /\\"); ext != "" && !strings.ContainsAny(ext, "/\\") {
		return ext
	}
	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	if ext, ok := audioExtensions[strings.TrimSpace(strings.ToLower(ct))]; ok {
		return ext
	}
	return "wav"
}

// handleUpload stores raw audio and asks the speech sidecar to transcribe
// it. The sidecar deletes the file once done; the janitor catches the rest.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Speech == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("speech sidecar disabled"))
		return
	}
	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	path := filepath.Join(s.opts.UploadDir, uuid.NewString()+"."+uploadExtension(r))
	n, err := writeUpload(path, http.MaxBytesReader(w, r.Body, MaxUploadBody))
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("Failed to store voice upload")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if n == 0 {
		_ = os.Remove(path)
		writeError(w, http.StatusBadRequest, errors.New("empty upload"))
		return
	}

	if err := s.opts.Speech.Send("transcribe:file", map[string]string{"filepath": path}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.log.Info().Str("path", path).Int64("bytes", n).Msg("Voice upload queued for transcription")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": path})
}

func writeUpload(path string, body io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return n, err
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		writeJSON(w, http.StatusOK, []logging.Entry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.opts.Logs(limit))
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	if s.opts.Avatar == nil {
		writeError(w, http.StatusNotFound, avatar.ErrNotFound)
		return
	}
	info, err := s.opts.Avatar(s.opts.Config.String("vrmPath"))
	switch {
	case errors.Is(err, avatar.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeJSON(w, http.StatusOK, info)
	}
}

// handleStream consumes the job and streams audio as it is generated.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.opts.Streams == nil {
		http.NotFound(w, r)
		return
	}

	audio, err := s.opts.Streams.Open(r.Context(), id)
	if errors.Is(err, ttscache.ErrNotFound) {
		http.Error(w, "Stream not found or expired", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("TTS generation failed")
		http.Error(w, "TTS generation failed", http.StatusBadGateway)
		return
	}
	defer audio.Body.Close()

	ct := audio.ContentType
	if ct == "" {
		ct = "audio/wav"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, rerr := audio.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.log.Debug().Err(werr).Str("id", id).Msg("TTS stream client went away")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return
		}
		if rerr != nil {
			s.log.Warn().Err(rerr).Str("id", id).Msg("TTS stream interrupted")
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "healthy", Sidecars: map[string]bool{}}
	if s.opts.Health != nil {
		h = s.opts.Health()
	}
	writeJSON(w, http.StatusOK, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
