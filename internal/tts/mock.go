package tts

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// MockRenderer produces a deterministic tone per voice whose length
// follows the text and speed. Delay simulates render cost per call.
type MockRenderer struct {
	Delay time.Duration
}

func NewMockRenderer() *MockRenderer { return &MockRenderer{} }

const mockSecondsPerRune = 0.06

// Render implements engine.Renderer.
func (m *MockRenderer) Render(ctx context.Context, text, voice string, speed float64) (audio.Samples, error) {
	id, ok := ResolveVoice(voice)
	if !ok {
		return nil, fmt.Errorf("unknown voice %q", voice)
	}
	if speed <= 0 {
		return nil, fmt.Errorf("invalid speed %v", speed)
	}
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}

	n := int(float64(utf8.RuneCountInString(text)) * mockSecondsPerRune * audio.SampleRate / speed)
	freq := 180 + 20*float64(voiceIndex(id))
	fade := min(n/2, audio.SampleRate/100)
	out := make(audio.Samples, n)
	for i := range out {
		gain := 0.3
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-i <= fade {
			gain *= float64(n-i-1) / float64(fade)
		}
		out[i] = float32(gain * math.Sin(2*math.Pi*freq*float64(i)/audio.SampleRate))
	}
	return out, nil
}

// ResolveVoice implements engine.VoiceResolver.
func (m *MockRenderer) ResolveVoice(voice string) (string, bool) { return ResolveVoice(voice) }
