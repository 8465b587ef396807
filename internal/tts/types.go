// Package tts drives a local GPT-SoVITS inference server: launching it,
// selecting voice weights, scanning available models and streaming
// synthesized audio to the renderer.
package tts

import (
	"errors"
	"strings"
)

var (
	// ErrNoModelPath is returned when a weights switch names no file.
	ErrNoModelPath = errors.New("no model path provided")
	// ErrUnknownModelKind is returned for a kind other than gpt or sovits.
	ErrUnknownModelKind = errors.New("unknown model kind")
)

// Model kinds.
const (
	KindGPT    = "gpt"
	KindSoVITS = "sovits"
)

// Voice is the "tts" sub-document of the configuration.
type Voice struct {
	Enabled            bool    `json:"enabled"`
	BaseURL            string  `json:"baseUrl"`
	SelectedGPTPath    string  `json:"selectedGptPath"`
	SelectedSoVITSPath string  `json:"selectedSovitsPath"`
	RefAudioPath       string  `json:"refAudioPath"`
	PromptText         string  `json:"promptText"`
	PromptLang         string  `json:"promptLang"`
	TextLang           string  `json:"textLang"`
	HowToCut           string  `json:"howToCut"`
	Speed              float64 `json:"speed"`
	Temperature        float64 `json:"temperature"`
	TopK               float64 `json:"topK"`
	TopP               float64 `json:"topP"`
	InstallPath        string  `json:"installPath"`
}

// DefaultBaseURL is where api_v2.py listens by default.
const DefaultBaseURL = "http://127.0.0.1:9880"

// Request is the POST /tts body understood by GPT-SoVITS api_v2.
type Request struct {
	Text              string  `json:"text"`
	TextLang          string  `json:"text_lang"`
	RefAudioPath      string  `json:"ref_audio_path"`
	PromptText        string  `json:"prompt_text"`
	PromptLang        string  `json:"prompt_lang"`
	TopK              int     `json:"top_k"`
	TopP              float64 `json:"top_p"`
	Temperature       float64 `json:"temperature"`
	TextSplitMethod   string  `json:"text_split_method"`
	BatchSize         int     `json:"batch_size"`
	BatchThreshold    float64 `json:"batch_threshold"`
	SpeedFactor       float64 `json:"speed_factor"`
	StreamingMode     bool    `json:"streaming_mode"`
	MediaType         string  `json:"media_type"`
	ParallelInfer     bool    `json:"parallel_infer"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	SplitBucket       bool    `json:"split_bucket"`
	FragmentInterval  float64 `json:"fragment_interval"`
	Seed              int     `json:"seed"`
}

var langCodes = map[string]string{
	"english":  "en",
	"japanese": "ja",
	"chinese":  "zh",
	"korean":   "ko",
	"en":       "en",
	"ja":       "ja",
	"zh":       "zh",
	"ko":       "ko",
}

// LangCode maps a language name or code to the server's code. Unknown
// values pass through lowercased; empty means English.
func LangCode(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if l == "" {
		return "en"
	}
	if code, ok := langCodes[l]; ok {
		return code
	}
	return l
}

// NewRequest builds a low-latency streaming request for text. Unset voice
// parameters fall back to the fast defaults.
func NewRequest(text string, v Voice) Request {
	return Request{
		Text:              text,
		TextLang:          LangCode(v.TextLang),
		RefAudioPath:      v.RefAudioPath,
		PromptText:        v.PromptText,
		PromptLang:        LangCode(v.PromptLang),
		TopK:              int(orDefault(v.TopK, 3)),
		TopP:              orDefault(v.TopP, 0.8),
		Temperature:       orDefault(v.Temperature, 0.8),
		TextSplitMethod:   orDefaultString(v.HowToCut, "cut0"),
		BatchSize:         1,
		BatchThreshold:    0.5,
		SpeedFactor:       orDefault(v.Speed, 1.0),
		StreamingMode:     true,
		MediaType:         "raw",
		ParallelInfer:     true,
		RepetitionPenalty: 1.25,
		SplitBucket:       false,
		FragmentInterval:  0.2,
		Seed:              -1,
	}
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Job is what the stream cache holds between enqueue and pull.
type Job struct {
	BaseURL string
	Request Request
}
