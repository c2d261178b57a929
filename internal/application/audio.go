package application

import "context"

// AudioSource yields paths of recorded or uploaded audio clips, one per
// spoken command. Ownership of the file passes to the caller.
type AudioSource interface {
	Start(ctx context.Context) error
	Stop() error
	NextCommand(ctx context.Context) (string, error)
	Name() string
}

// AudioNormalizer converts an audio file into the canonical format and
// returns the path of the converted file. The input is left in place.
type AudioNormalizer interface {
	Normalize(ctx context.Context, inputPath string) (string, error)
}

type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate: 16000,
		Channels:   1,
		BitDepth:   16,
	}
}
