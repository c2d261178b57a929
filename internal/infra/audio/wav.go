package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav encoding")
	ErrEmptyAudio     = errors.New("audio clip holds no samples")
)

// PCM is 16-bit little-endian audio with interleaved channels.
type PCM struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV reads a RIFF/WAVE stream holding 16-bit integer PCM. Chunks
// other than fmt and data are skipped.
func DecodeWAV(r io.Reader) (*PCM, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedWAV)
	}

	var format *wavFormat
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedWAV)
			}
			format = &wavFormat{}
			if err := binary.Read(r, binary.LittleEndian, format); err != nil {
				return nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if err := skip(r, size-16+size%2); err != nil {
				return nil, err
			}

		case "data":
			if format == nil {
				return nil, fmt.Errorf("%w: data before fmt", ErrUnsupportedWAV)
			}
			if format.AudioFormat != 1 || format.BitsPerSample != 16 || format.Channels == 0 {
				return nil, fmt.Errorf("%w: format=%d bits=%d channels=%d",
					ErrUnsupportedWAV, format.AudioFormat, format.BitsPerSample, format.Channels)
			}
			// Streamed recordings may declare a larger size than they hold.
			raw, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return nil, fmt.Errorf("reading samples: %w", err)
			}
			samples := make([]int16, len(raw)/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
			}
			return &PCM{
				SampleRate: int(format.SampleRate),
				Channels:   int(format.Channels),
				Samples:    samples,
			}, nil

		default:
			if err := skip(r, size+size%2); err != nil {
				return nil, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skipping chunk: %w", err)
	}
	return nil
}

// EncodeWAV writes p as a canonical 44-byte-header WAV stream.
func EncodeWAV(w io.Writer, p *PCM) error {
	dataSize := uint32(len(p.Samples) * 2)
	blockAlign := uint16(p.Channels * 2)

	bw := bufio.NewWriter(w)
	hdr := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		36 + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		wavFormat{
			AudioFormat:   1,
			Channels:      uint16(p.Channels),
			SampleRate:    uint32(p.SampleRate),
			ByteRate:      uint32(p.SampleRate) * uint32(blockAlign),
			BlockAlign:    blockAlign,
			BitsPerSample: 16,
		},
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
		p.Samples,
	}
	for _, v := range hdr {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("writing wav: %w", err)
		}
	}
	return bw.Flush()
}

func ReadWAVFile(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeWAV(bufio.NewReader(f))
}

func WriteWAVFile(path string, p *PCM) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := EncodeWAV(f, p); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Mono averages interleaved channels into one.
func (p *PCM) Mono() *PCM {
	if p.Channels <= 1 {
		return p
	}
	frames := len(p.Samples) / p.Channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < p.Channels; c++ {
			sum += int(p.Samples[i*p.Channels+c])
		}
		out[i] = int16(sum / p.Channels)
	}
	return &PCM{SampleRate: p.SampleRate, Channels: 1, Samples: out}
}

// Duration in seconds.
func (p *PCM) Duration() float64 {
	if p.SampleRate == 0 || p.Channels == 0 {
		return 0
	}
	return float64(len(p.Samples)/p.Channels) / float64(p.SampleRate)
}
