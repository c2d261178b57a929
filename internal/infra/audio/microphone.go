//go:build portaudio
// +build portaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gordonklaus/portaudio"
	"github.com/google/uuid"
)

const (
	framesPerBuffer  = 1024
	silenceThreshold = int16(500)
)

// MicrophoneSource records one clip per command from the default input
// device. A clip ends after a second of silence or ten seconds of audio.
type MicrophoneSource struct {
	sampleRate int
	outDir     string
	logger     *slog.Logger

	stream *portaudio.Stream
	buffer []int16
}

func NewMicrophoneSource(sampleRate int, outDir string, logger *slog.Logger) *MicrophoneSource {
	return &MicrophoneSource{
		sampleRate: sampleRate,
		outDir:     outDir,
		logger:     logger.With("component", "microphone"),
	}
}

func (m *MicrophoneSource) Name() string {
	return "microphone"
}

func (m *MicrophoneSource) Start(_ context.Context) error {
	if err := os.MkdirAll(m.outDir, 0o755); err != nil {
		return fmt.Errorf("creating clip dir: %w", err)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initializing portaudio: %w", err)
	}

	m.buffer = make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), framesPerBuffer, m.buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("opening stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("starting stream: %w", err)
	}
	m.stream = stream

	m.logger.Info("microphone started", "sample_rate", m.sampleRate)
	return nil
}

func (m *MicrophoneSource) Stop() error {
	if m.stream != nil {
		m.stream.Stop()
		m.stream.Close()
		m.stream = nil
	}
	return portaudio.Terminate()
}

func (m *MicrophoneSource) NextCommand(ctx context.Context) (string, error) {
	m.logger.Info("listening for a command")

	samples := make([]int16, 0, m.sampleRate*5)
	silent := 0
	heard := false

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		if err := m.stream.Read(); err != nil {
			return "", fmt.Errorf("reading from stream: %w", err)
		}

		loud := false
		for _, s := range m.buffer {
			if s > silenceThreshold || s < -silenceThreshold {
				loud = true
				break
			}
		}

		switch {
		case loud:
			heard = true
			silent = 0
		case !heard:
			// Leading silence is not part of the clip.
			continue
		default:
			silent += len(m.buffer)
		}

		samples = append(samples, m.buffer...)

		if silent > m.sampleRate || len(samples) > m.sampleRate*10 {
			break
		}
	}

	clip := &PCM{SampleRate: m.sampleRate, Channels: 1, Samples: samples}
	path := filepath.Join(m.outDir, uuid.NewString()+".wav")
	if err := WriteWAVFile(path, clip); err != nil {
		return "", err
	}
	m.logger.Info("clip recorded", "path", path, "seconds", clip.Duration())
	return path, nil
}
