// Package sidecar supervises long-running helper processes that speak
// newline-delimited JSON over stdio.
package sidecar

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/protocol"
)

var (
	// ErrNotRunning is returned by Send when no process is attached.
	ErrNotRunning = errors.New("sidecar not running")
	// ErrBackpressure is returned by Send when the outbound queue is full.
	ErrBackpressure = errors.New("sidecar input queue full")
	// ErrNoInterpreter is returned when no interpreter candidate resolves.
	ErrNoInterpreter = errors.New("no interpreter found")
)

// Sidecar is the capability set the host needs from a supervised worker.
type Sidecar interface {
	Name() string
	Start() error
	Stop() error
	Send(typ string, payload any) error
	OnMessage(fn func(protocol.Envelope))
	Running() bool
}

// Hooks observe the supervisor lifecycle. Any of them may be nil.
type Hooks struct {
	Started func(name string, restart bool)
	Exited  func(name string, err error)
	Noise   func(name string, level zerolog.Level)
}

// Options describe one supervised process.
type Options struct {
	Name string

	// Interpreters are tried in order: "embedded", "venv", "system", or an
	// explicit executable path. Root anchors the embedded and venv lookups.
	Interpreters []string
	Root         string
	Script       string
	Args         []string
	Dir          string
	Env          []string

	// Stdin enables Send. Without it the child reads from the null device.
	Stdin bool

	RestartDelay time.Duration
	StopTimeout  time.Duration
	QueueSize    int

	// Classify picks the log level for a non-protocol output line.
	Classify func(line string) zerolog.Level
	// DedupWindow suppresses repeats of an identical noise line.
	DedupWindow time.Duration

	Hooks Hooks
}

func (o *Options) setDefaults() {
	if o.RestartDelay <= 0 {
		o.RestartDelay = 2 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Classify == nil {
		o.Classify = ClassifyLine
	}
	if len(o.Interpreters) == 0 {
		o.Interpreters = []string{InterpreterEmbedded, InterpreterVenv, InterpreterSystem}
	}
}

// ClassifyLine marks lines mentioning an error or a Python traceback as
// error level and everything else as info.
func ClassifyLine(line string) zerolog.Level {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "error") || strings.Contains(lower, "traceback") {
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// ClassifyServerLine treats uvicorn access and INFO lines as info and any
// other output as a warning-worthy error line.
func ClassifyServerLine(line string) zerolog.Level {
	if strings.Contains(line, "INFO:") || strings.Contains(line, "HTTP Request:") {
		return zerolog.InfoLevel
	}
	return zerolog.ErrorLevel
}
