// Package logging provides structured logging with file and console output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is a minimum log level name.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is a single log line kept in memory for the dashboard debug panel.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// Config holds logger configuration.
type Config struct {
	Dir        string    // directory for date-stamped log files; empty disables the file
	Level      Level     // minimum level (default: debug)
	MaxHistory int       // entries kept in memory (default: 500)
	Console    io.Writer // console sink; nil disables console output
}

// DefaultConfig logs to <dataDir>/logs and stdout.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Dir:        filepath.Join(dataDir, "logs"),
		Level:      LevelDebug,
		MaxHistory: 500,
		Console:    os.Stdout,
	}
}

// Logger wraps zerolog with a log file and an in-memory history.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	path    string
	mu      sync.RWMutex
	history []Entry
	maxHist int
}

// New creates a Logger. A nil cfg yields a logger that only keeps history.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: LevelDebug}
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}

	l := &Logger{
		history: make([]Entry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}

	var writers []io.Writer
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		l.path = filepath.Join(cfg.Dir, fmt.Sprintf("hana_%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = file
		writers = append(writers, file)
	}
	if cfg.Console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: cfg.Console, TimeFormat: "15:04:05"})
	}
	writers = append(writers, historyWriter{l})

	l.zlog = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("app", "hana").
		Logger()

	l.zlog.Info().Str("component", "logging").Str("logFile", l.path).Msg("Logger initialized")
	return l, nil
}

func parseLevel(level Level) zerolog.Level {
	switch level {
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.DebugLevel
	}
}

// Component returns a zerolog.Logger with the component field set.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Path returns the current log file path, empty when file logging is off.
func (l *Logger) Path() string {
	return l.path
}

// History returns up to limit of the most recent entries, oldest first.
func (l *Logger) History(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	out := make([]Entry, limit)
	copy(out, l.history[len(l.history)-limit:])
	return out
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.zlog.Info().Str("component", "logging").Msg("Logger shutting down")
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, e)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
}

// historyWriter decodes each zerolog JSON event into an Entry.
type historyWriter struct{ l *Logger }

func (w historyWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w historyWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	fields, err := decodeEvent(p)
	if err != nil {
		return len(p), nil
	}

	e := Entry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     level.String(),
		Component: popString(fields, "component"),
		Message:   popString(fields, zerolog.MessageFieldName),
	}
	delete(fields, zerolog.TimestampFieldName)
	delete(fields, zerolog.LevelFieldName)
	delete(fields, "app")
	e.Data = formatData(fields)

	w.l.record(e)
	return len(p), nil
}

func popString(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	delete(fields, key)
	s, _ := v.(string)
	return s
}

// formatData renders leftover fields as sorted key=value pairs.
func formatData(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, ", ")
}

func decodeEvent(p []byte) (map[string]any, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(p, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
