package tts

import (
	"context"

	"github.com/lexiqai/voice-pipeline/internal/audio"
)

// Audio is synthesized speech in the format the caller asked for
type Audio struct {
	Data   []byte
	Format audio.Format
	Text   string
}

// Synthesizer converts text to audio
type Synthesizer interface {
	// Synthesize renders text into out; the zero Format means the provider's native PCM
	Synthesize(ctx context.Context, text string, out audio.Format) (*Audio, error)

	// Name identifies the provider in logs and metrics
	Name() string
}
