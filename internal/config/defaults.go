// Package config owns the Configuration Document: the single nested settings
// record shared by the avatar window, the dashboard and the sidecars.
package config

// Sub-documents that are always merged key-wise, even when loading a file
// written by an older version that lacks some of their keys.
var nestedDocuments = []string{"tts", "subtitle", "shading"}

// Defaults returns a fresh copy of the built-in document.
func Defaults() map[string]any {
	return map[string]any{
		"vrmPath":                "model/Hana.vrm",
		"alwaysOnTop":            true,
		"clickThrough":           false,
		"scale":                  1.0,
		"position":               map[string]any{"x": 0.0, "y": 0.0},
		"rotation":               map[string]any{"x": 0.0, "y": 0.0, "z": 0.0},
		"idleIntensity":          1.0,
		"windowBounds":           defaultWindowBounds(),
		"showBorder":             false,
		"lookAtCursor":           false,
		"eyeTrackingSensitivity": 0.1,
		"randomLookInterval":     map[string]any{"min": 1.0, "max": 4.0},
		"randomLookRadius":       5.0,
		"lipSyncSensitivity":     3.0,
		"targetFps":              60.0,

		"voiceEnabled":  false,
		"pushToTalk":    false,
		"pushToTalkKey": "",
		"aiEnabled":     false,
		"ollamaModel":   "llama3",
		"systemPrompt":  "",
		"dialogueSpeed": 50.0,
		"expressive":    false,

		"subtitle": map[string]any{
			"fontSize":        24.0,
			"color":           "#ffffff",
			"backgroundColor": "rgba(0, 0, 0, 0.7)",
			"bottomOffset":    80.0,
			"maxWidth":        80.0,
			"padding":         20.0,
			"borderRadius":    10.0,
			"animate":         true,
			"typewriterDelay": 30.0,
		},
		"tts": map[string]any{
			"enabled":            false,
			"baseUrl":            "http://127.0.0.1:9880",
			"selectedGptPath":    "",
			"selectedSovitsPath": "",
			"refAudioPath":       "",
			"promptText":         "",
			"promptLang":         "en",
			"textLang":           "English",
			"howToCut":           "cut0",
			"speed":              1.0,
			"temperature":        0.8,
			"topK":               3.0,
			"topP":               0.8,
			"installPath":        "",
		},
		"shading": map[string]any{
			"mode":             "default",
			"lightIntensity":   1.0,
			"ambientIntensity": 0.4,
			"shadowDarkness":   120.0,
			"saturationBoost":  1.0,
			"lightX":           1.0,
			"lightY":           1.0,
			"lightZ":           1.0,
		},
	}
}

func defaultWindowBounds() map[string]any {
	return map[string]any{"width": 400.0, "height": 600.0}
}
