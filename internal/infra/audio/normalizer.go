package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	resampling "github.com/tphakala/go-audio-resampling"

	"voice-home/internal/application"
	"voice-home/internal/domain"
)

func outputPath(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	return filepath.Join(dir, uuid.NewString()+".wav"), nil
}

// FFmpegNormalizer converts any container/codec ffmpeg understands.
type FFmpegNormalizer struct {
	bin    string
	outDir string
	format application.AudioFormat
}

func NewFFmpegNormalizer(bin, outDir string) *FFmpegNormalizer {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegNormalizer{bin: bin, outDir: outDir, format: application.DefaultAudioFormat()}
}

func (n *FFmpegNormalizer) Normalize(ctx context.Context, inputPath string) (string, error) {
	out, err := outputPath(n.outDir)
	if err != nil {
		return "", &domain.ConversionError{Input: inputPath, Err: err}
	}

	cmd := exec.CommandContext(ctx, n.bin,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", inputPath,
		"-ac", strconv.Itoa(n.format.Channels),
		"-ar", strconv.Itoa(n.format.SampleRate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(out)
		msg := strings.TrimSpace(string(output))
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return "", &domain.ConversionError{Input: inputPath, Err: fmt.Errorf("ffmpeg: %w: %s", err, msg)}
	}
	return out, nil
}

// NativeNormalizer handles 16-bit PCM WAV input without external tools.
type NativeNormalizer struct {
	outDir string
	format application.AudioFormat
}

func NewNativeNormalizer(outDir string) *NativeNormalizer {
	return &NativeNormalizer{outDir: outDir, format: application.DefaultAudioFormat()}
}

func (n *NativeNormalizer) Normalize(ctx context.Context, inputPath string) (string, error) {
	pcm, err := ReadWAVFile(inputPath)
	if err != nil {
		return "", &domain.ConversionError{Input: inputPath, Err: err}
	}
	if pcm.Duration() == 0 {
		return "", &domain.ConversionError{Input: inputPath, Err: ErrEmptyAudio}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	pcm, err = Resample(pcm.Mono(), n.format.SampleRate)
	if err != nil {
		return "", &domain.ConversionError{Input: inputPath, Err: err}
	}

	out, err := outputPath(n.outDir)
	if err != nil {
		return "", &domain.ConversionError{Input: inputPath, Err: err}
	}
	if err := WriteWAVFile(out, pcm); err != nil {
		return "", &domain.ConversionError{Input: inputPath, Err: err}
	}
	return out, nil
}

// Resample converts mono PCM to rate.
func Resample(p *PCM, rate int) (*PCM, error) {
	if p.Channels != 1 {
		return nil, fmt.Errorf("resample expects mono input, got %d channels", p.Channels)
	}
	if p.SampleRate == rate || len(p.Samples) == 0 {
		return &PCM{SampleRate: rate, Channels: 1, Samples: p.Samples}, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(p.SampleRate),
		OutputRate: float64(rate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("creating resampler: %w", err)
	}

	input := make([]float64, len(p.Samples))
	for i, s := range p.Samples {
		input[i] = float64(s) / 32768.0
	}

	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resampling: %w", err)
	}

	samples := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s >= 1.0:
			samples[i] = 32767
		case s < -1.0:
			samples[i] = -32768
		default:
			samples[i] = int16(s * 32767.0)
		}
	}
	return &PCM{SampleRate: rate, Channels: 1, Samples: samples}, nil
}

// AutoNormalizer converts WAV uploads natively and hands everything else,
// or WAV it cannot decode, to ffmpeg.
type AutoNormalizer struct {
	native *NativeNormalizer
	ffmpeg *FFmpegNormalizer
	logger *slog.Logger
}

func NewAutoNormalizer(native *NativeNormalizer, ffmpeg *FFmpegNormalizer, logger *slog.Logger) *AutoNormalizer {
	return &AutoNormalizer{native: native, ffmpeg: ffmpeg, logger: logger.With("component", "normalizer")}
}

func (a *AutoNormalizer) Normalize(ctx context.Context, inputPath string) (string, error) {
	if strings.EqualFold(filepath.Ext(inputPath), ".wav") {
		out, err := a.native.Normalize(ctx, inputPath)
		if err == nil || !errors.Is(err, ErrUnsupportedWAV) {
			return out, err
		}
		a.logger.Debug("falling back to ffmpeg", "path", inputPath, "error", err)
	}
	return a.ffmpeg.Normalize(ctx, inputPath)
}
