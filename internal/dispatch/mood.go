package dispatch

import (
	"regexp"
	"strings"
)

// Moods are the expressions the renderer maps tags onto.
var Moods = []string{"neutral", "happy", "angry", "sad", "relaxed", "surprised"}

// MoodInstruction is appended to the system prompt in expressive mode.
const MoodInstruction = "Begin every reply with exactly one mood tag in square brackets, " +
	"chosen from [neutral], [happy], [angry], [sad], [relaxed] or [surprised]. " +
	"Do not use any other bracketed tags."

var moodTag = regexp.MustCompile(`\[(?i:(neutral|happy|angry|sad|relaxed|surprised))\]`)

// ExtractMood strips every mood tag from text and returns the cleaned text
// with the first tag found, lower-cased. mood is empty when there is none.
func ExtractMood(text string) (clean, mood string) {
	if m := moodTag.FindStringSubmatch(text); m != nil {
		mood = strings.ToLower(m[1])
	}
	clean = moodTag.ReplaceAllString(text, "")
	clean = strings.Join(strings.Fields(clean), " ")
	return clean, mood
}
