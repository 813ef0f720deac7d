package tts

import (
	"sort"
	"strings"
)

// DefaultVoice is used when a request names no voice.
const DefaultVoice = "expr-voice-5-m"

const (
	MinSpeed = 0.25
	MaxSpeed = 3.0
)

var voices = []string{
	"expr-voice-2-f", "expr-voice-2-m",
	"expr-voice-3-f", "expr-voice-3-m",
	"expr-voice-4-f", "expr-voice-4-m",
	"expr-voice-5-f", "expr-voice-5-m",
}

var aliases = map[string]string{
	"bella":  "expr-voice-2-f",
	"jasper": "expr-voice-2-m",
	"luna":   "expr-voice-3-f",
	"bruno":  "expr-voice-3-m",
	"rosie":  "expr-voice-4-f",
	"hugo":   "expr-voice-4-m",
	"kiki":   "expr-voice-5-f",
	"leo":    "expr-voice-5-m",
}

// Voices lists the canonical voice ids.
func Voices() []string { return append([]string(nil), voices...) }

// Aliases lists the friendly names, sorted.
func Aliases() []string {
	out := make([]string, 0, len(aliases))
	for name := range aliases {
		out = append(out, strings.ToUpper(name[:1])+name[1:])
	}
	sort.Strings(out)
	return out
}

// ResolveVoice maps an alias or id to a canonical id. Empty selects
// DefaultVoice; alias matching ignores case.
func ResolveVoice(voice string) (string, bool) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return DefaultVoice, true
	}
	if id, ok := aliases[strings.ToLower(voice)]; ok {
		return id, true
	}
	for _, v := range voices {
		if v == voice {
			return v, true
		}
	}
	return "", false
}

// voiceIndex is the position of a canonical id, or -1.
func voiceIndex(id string) int {
	for i, v := range voices {
		if v == id {
			return i
		}
	}
	return -1
}
