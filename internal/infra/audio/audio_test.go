package audio_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"voice-home/internal/domain"
	"voice-home/internal/infra/audio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tone(rate, channels int, seconds float64) *audio.PCM {
	frames := int(float64(rate) * seconds)
	samples := make([]int16, 0, frames*channels)
	for i := 0; i < frames; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			samples = append(samples, v)
		}
	}
	return &audio.PCM{SampleRate: rate, Channels: channels, Samples: samples}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	var buf bytes.Buffer
	if err := audio.EncodeWAV(&buf, tone(16000, 1, 0.01)); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()

	// Splice a LIST chunk between fmt and data.
	var spliced bytes.Buffer
	spliced.Write(raw[:36])
	spliced.WriteString("LIST")
	binary.Write(&spliced, binary.LittleEndian, uint32(3))
	spliced.Write([]byte{'a', 'b', 'c', 0})
	spliced.Write(raw[36:])

	pcm, err := audio.DecodeWAV(&spliced)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if pcm.SampleRate != 16000 || pcm.Channels != 1 || len(pcm.Samples) != 160 {
		t.Errorf("got rate=%d channels=%d samples=%d", pcm.SampleRate, pcm.Channels, len(pcm.Samples))
	}
}

func TestDecodeWAV_RejectsNonPCM16(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, []uint16{1, 1})
	binary.Write(&buf, binary.LittleEndian, []uint32{8000, 8000})
	binary.Write(&buf, binary.LittleEndian, []uint16{1, 8})
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	_, err := audio.DecodeWAV(&buf)
	if !errors.Is(err, audio.ErrUnsupportedWAV) {
		t.Errorf("got %v", err)
	}
}

func TestNativeNormalizer_ProducesCanonicalFormat(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "upload.wav")
	if err := audio.WriteWAVFile(in, tone(44100, 2, 0.5)); err != nil {
		t.Fatal(err)
	}

	n := audio.NewNativeNormalizer(filepath.Join(dir, "wav"))
	out, err := n.Normalize(context.Background(), in)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	pcm, err := audio.ReadWAVFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if pcm.SampleRate != 16000 || pcm.Channels != 1 {
		t.Errorf("format: rate=%d channels=%d", pcm.SampleRate, pcm.Channels)
	}
	if d := pcm.Duration(); d < 0.4 || d > 0.6 {
		t.Errorf("duration: %v", d)
	}
	if _, err := os.Stat(in); err != nil {
		t.Error("input should be left in place")
	}
}

func TestNativeNormalizer_EmptyClipIsConversionError(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "silence.wav")
	if err := audio.WriteWAVFile(in, &audio.PCM{SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "wav")
	_, err := audio.NewNativeNormalizer(out).Normalize(context.Background(), in)

	var convErr *domain.ConversionError
	if !errors.As(err, &convErr) || !errors.Is(err, audio.ErrEmptyAudio) {
		t.Fatalf("got %v", err)
	}
	if entries, _ := os.ReadDir(out); len(entries) != 0 {
		t.Errorf("no output should be written, found %d files", len(entries))
	}
}

func TestMono_AveragesChannels(t *testing.T) {
	p := &audio.PCM{SampleRate: 8000, Channels: 2, Samples: []int16{100, 300, -50, 50}}
	m := p.Mono()
	if m.Channels != 1 || len(m.Samples) != 2 || m.Samples[0] != 200 || m.Samples[1] != 0 {
		t.Errorf("got %+v", m)
	}
}

func TestFFmpegNormalizer_FailureIsConversionError(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.m4a")
	os.WriteFile(in, []byte("not audio"), 0o644)

	n := audio.NewFFmpegNormalizer(filepath.Join(dir, "missing-ffmpeg"), filepath.Join(dir, "wav"))
	_, err := n.Normalize(context.Background(), in)

	var convErr *domain.ConversionError
	if !errors.As(err, &convErr) || convErr.Input != in {
		t.Fatalf("got %v", err)
	}
	if _, err := os.Stat(in); err != nil {
		t.Error("input must survive a failed conversion")
	}
}

func TestAutoNormalizer_GarbledWAVFallsBackToFFmpeg(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.wav")
	os.WriteFile(in, []byte("definitely not riff"), 0o644)

	ffmpeg := audio.NewFFmpegNormalizer(filepath.Join(dir, "missing-ffmpeg"), dir)
	auto := audio.NewAutoNormalizer(audio.NewNativeNormalizer(dir), ffmpeg, discardLogger())

	_, err := auto.Normalize(context.Background(), in)

	var convErr *domain.ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("got %v", err)
	}
	if errors.Is(err, audio.ErrUnsupportedWAV) {
		t.Error("error should come from the ffmpeg fallback")
	}
}

func TestFileSource_ClaimsClips(t *testing.T) {
	dir := t.TempDir()
	src := audio.NewFileSource(dir, discardLogger())
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644)
	os.WriteFile(filepath.Join(dir, "turn-on.webm"), []byte("clip"), 0o644)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	path, err := src.NextCommand(ctx)
	if err != nil {
		t.Fatalf("NextCommand: %v", err)
	}
	if filepath.Base(path) != "turn-on.webm" {
		t.Errorf("path: %s", path)
	}
	if _, err := os.Stat(filepath.Join(dir, "turn-on.webm")); !os.IsNotExist(err) {
		t.Error("clip should be moved out of the drop folder")
	}

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	if _, err := src.NextCommand(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second call: %v", err)
	}
}
