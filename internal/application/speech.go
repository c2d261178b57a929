package application

import (
	"context"

	"voice-home/internal/domain"
)

// Transcriber sends a normalized clip to the remote recognizer. The clip is
// single-use and is removed once the exchange resolves.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) domain.TranscriptionOutcome
}
