package tts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLangCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"English", "en"},
		{"japanese", "ja"},
		{"Chinese", "zh"},
		{"korean", "ko"},
		{"JA", "ja"},
		{"", "en"},
		{"yue", "yue"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LangCode(tt.in))
		})
	}
}

func TestNewRequestDefaults(t *testing.T) {
	r := NewRequest("hello", Voice{RefAudioPath: "/ref.wav", TextLang: "English"})

	assert.Equal(t, "hello", r.Text)
	assert.Equal(t, "en", r.TextLang)
	assert.Equal(t, "en", r.PromptLang)
	assert.Equal(t, "/ref.wav", r.RefAudioPath)
	assert.Equal(t, 3, r.TopK)
	assert.Equal(t, 0.8, r.TopP)
	assert.Equal(t, 0.8, r.Temperature)
	assert.Equal(t, 1.0, r.SpeedFactor)
	assert.Equal(t, "cut0", r.TextSplitMethod)
	assert.Equal(t, 1, r.BatchSize)
	assert.True(t, r.StreamingMode)
	assert.Equal(t, "raw", r.MediaType)
	assert.Equal(t, -1, r.Seed)
}

func TestNewRequestUsesVoice(t *testing.T) {
	r := NewRequest("hi", Voice{TopK: 5, TopP: 1, Temperature: 1.1, Speed: 1.3, HowToCut: "cut5", PromptLang: "ja"})

	assert.Equal(t, 5, r.TopK)
	assert.Equal(t, 1.0, r.TopP)
	assert.Equal(t, 1.1, r.Temperature)
	assert.Equal(t, 1.3, r.SpeedFactor)
	assert.Equal(t, "cut5", r.TextSplitMethod)
	assert.Equal(t, "ja", r.PromptLang)
}

func TestPortOf(t *testing.T) {
	assert.Equal(t, 9880, PortOf(""))
	assert.Equal(t, 9872, PortOf("http://127.0.0.1:9872"))
	assert.Equal(t, 9880, PortOf("http://localhost"))
	assert.Equal(t, 9880, PortOf("::bad::"))
}
