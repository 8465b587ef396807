package sidecar

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// SpeechName names the speech/LLM sidecar.
const SpeechName = "speech"

// NewSpeech builds the supervisor for the speech/LLM worker: microphone
// capture, transcription and the local language model. Its stdout carries
// protocol envelopes and its stderr is diagnostics.
func NewSpeech(script string, interpreters []string, restartDelay time.Duration, hooks Hooks, log zerolog.Logger) *Supervisor {
	return NewSupervisor(Options{
		Name:         SpeechName,
		Interpreters: interpreters,
		Root:         filepath.Dir(script),
		Script:       script,
		Dir:          filepath.Dir(script),
		Env:          []string{"PYTHONIOENCODING=utf-8", "PYTHONUNBUFFERED=1"},
		Stdin:        true,
		RestartDelay: restartDelay,
		Hooks:        hooks,
	}, log)
}
