package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var clipExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".webm": true,
	".ogg":  true,
}

// FileSource watches a drop folder. Each new clip is moved into a claim
// directory and its path handed to the caller, who then owns the file.
type FileSource struct {
	dir      string
	claimDir string
	interval time.Duration
	logger   *slog.Logger
}

func NewFileSource(dir string, logger *slog.Logger) *FileSource {
	return &FileSource{
		dir:      dir,
		claimDir: filepath.Join(dir, ".claimed"),
		interval: 500 * time.Millisecond,
		logger:   logger.With("component", "file_source"),
	}
}

func (f *FileSource) Name() string {
	return "file"
}

func (f *FileSource) Start(_ context.Context) error {
	if err := os.MkdirAll(f.claimDir, 0o755); err != nil {
		return fmt.Errorf("creating audio dir: %w", err)
	}
	f.logger.Info("watching for audio clips", "dir", f.dir)
	return nil
}

func (f *FileSource) Stop() error {
	return nil
}

func (f *FileSource) NextCommand(ctx context.Context) (string, error) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		path, err := f.claimNext()
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// claimNext moves the oldest waiting clip into the claim directory.
func (f *FileSource) claimNext() (string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return "", fmt.Errorf("reading dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !clipExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}

		src := filepath.Join(f.dir, entry.Name())
		dst := filepath.Join(f.claimDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			f.logger.Warn("claiming clip", "path", src, "error", err)
			continue
		}

		f.logger.Info("clip claimed", "path", dst)
		return dst, nil
	}

	return "", nil
}
