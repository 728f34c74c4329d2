// Package tts provides speech synthesis providers behind one interface
// so the synthesis queue can fall back between them.
package tts

import (
	"context"
	"errors"

	"github.com/outdialhq/voice-agent/internal/audio"
)

// ErrEmptyAudio is returned when a provider responds successfully but
// with no audio payload.
var ErrEmptyAudio = errors.New("tts: provider returned empty audio")

// Provider synthesizes one utterance per call. Implementations must be
// safe for concurrent use; the synthesis queue runs several workers.
type Provider interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// Synthesize converts text to audio in the provider's native
	// format and returns the complete payload.
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)

	// InputSpec describes the native format for transcoding
	InputSpec() audio.TranscoderSpec
}
