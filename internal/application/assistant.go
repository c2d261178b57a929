package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"voice-home/internal/domain"
)

// LocalOrigin marks commands captured on this host rather than uploaded.
const LocalOrigin = "local"

type ResultStatus string

const (
	StatusApplied       ResultStatus = "applied"
	StatusNoOp          ResultStatus = "no_op"
	StatusNotUnderstood ResultStatus = "not_understood"
)

type CommandResult struct {
	CommandCode int             `json:"command_code"`
	Status      ResultStatus    `json:"status"`
	Message     string          `json:"message"`
	Devices     []domain.Device `json:"devices,omitempty"`
}

type Assistant struct {
	audio       AudioSource
	normalizer  AudioNormalizer
	stt         Transcriber
	coordinator *Coordinator
	logger      *slog.Logger
}

func NewAssistant(
	audio AudioSource,
	normalizer AudioNormalizer,
	stt Transcriber,
	coordinator *Coordinator,
	logger *slog.Logger,
) *Assistant {
	return &Assistant{
		audio:       audio,
		normalizer:  normalizer,
		stt:         stt,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Run consumes clips from the configured audio source until ctx is done.
func (a *Assistant) Run(ctx context.Context) error {
	if a.audio == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	a.logger.Info("starting audio source", "source", a.audio.Name())
	if err := a.audio.Start(ctx); err != nil {
		return fmt.Errorf("starting audio: %w", err)
	}
	defer a.audio.Stop()

	a.logger.Info("assistant ready, listening for commands")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := a.processOneCommand(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("processing command", "error", err)
			}
		}
	}
}

func (a *Assistant) processOneCommand(ctx context.Context) error {
	path, err := a.audio.NextCommand(ctx)
	if err != nil {
		return fmt.Errorf("getting audio: %w", err)
	}
	if path == "" {
		return nil
	}

	result, err := a.HandleAudio(ctx, path, LocalOrigin)
	if err != nil {
		return fmt.Errorf("handling audio: %w", err)
	}

	a.logger.Info("command handled",
		"command_code", result.CommandCode,
		"status", result.Status,
		"message", result.Message,
	)
	return nil
}

// HandleAudio runs one uploaded clip through normalization, transcription,
// resolution and state application. The upload is removed afterwards.
// Input problems come back as a not-understood result, not as an error.
func (a *Assistant) HandleAudio(ctx context.Context, uploadPath, origin string) (*CommandResult, error) {
	defer a.removeFile(uploadPath)

	wavPath, err := a.normalizer.Normalize(ctx, uploadPath)
	if err != nil {
		var convErr *domain.ConversionError
		if errors.As(err, &convErr) {
			a.logger.Warn("audio conversion failed", "path", uploadPath, "error", err)
			return notUnderstood(domain.CodeUnrecognized, "Audio could not be converted"), nil
		}
		return nil, fmt.Errorf("normalizing audio: %w", err)
	}

	var code int
	switch outcome := a.stt.Transcribe(ctx, wavPath).(type) {
	case domain.Transcribed:
		code = outcome.CommandCode
		a.logger.Info("transcribed",
			"command_code", code,
			"command", domain.DescribeCommand(code),
			"text", outcome.Text,
		)
	case domain.TranscriptionFailed:
		a.logger.Warn("transcription failed", "kind", outcome.Kind, "error", outcome.Err)
		return notUnderstood(domain.CodeUnrecognized, failureMessage(outcome)), nil
	default:
		return nil, fmt.Errorf("unexpected transcription outcome %T", outcome)
	}

	return a.Execute(ctx, code, origin)
}

// Execute applies a command code on behalf of origin.
func (a *Assistant) Execute(ctx context.Context, code int, origin string) (*CommandResult, error) {
	switch cmd := domain.Resolve(code).(type) {
	case domain.SingleDevice:
		id, ok := cmd.Target.DeviceID()
		if !ok {
			return nil, fmt.Errorf("no device mapped to target %s", cmd.Target)
		}
		change, err := a.coordinator.ApplySingle(ctx, id, cmd.State, origin)
		if err != nil {
			return nil, err
		}
		if !change.Changed {
			return &CommandResult{
				CommandCode: code,
				Status:      StatusNoOp,
				Message:     change.Notice(),
				Devices:     []domain.Device{change.Device},
			}, nil
		}
		return &CommandResult{
			CommandCode: code,
			Status:      StatusApplied,
			Message:     domain.DescribeCommand(code),
			Devices:     []domain.Device{change.Device},
		}, nil

	case domain.BulkAll:
		bulk, err := a.coordinator.ApplyBulk(ctx, cmd.State, origin)
		if err != nil {
			return nil, err
		}
		if bulk.AlreadyInState {
			return &CommandResult{
				CommandCode: code,
				Status:      StatusNoOp,
				Message:     bulk.Notice(),
			}, nil
		}
		return &CommandResult{
			CommandCode: code,
			Status:      StatusApplied,
			Message:     domain.DescribeCommand(code),
			Devices:     bulk.Devices(),
		}, nil

	default:
		a.logger.Warn("command not recognized", "command_code", code)
		return notUnderstood(code, domain.DescribeCommand(code)), nil
	}
}

func (a *Assistant) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("removing upload", "path", path, "error", err)
	}
}

func notUnderstood(code int, message string) *CommandResult {
	return &CommandResult{
		CommandCode: code,
		Status:      StatusNotUnderstood,
		Message:     message,
	}
}

func failureMessage(f domain.TranscriptionFailed) string {
	switch f.Kind {
	case domain.FailureTimeout:
		return "Command not understood: transcription timed out"
	case domain.FailureNotFound:
		return "Command not understood: audio file missing"
	default:
		return "Command not understood"
	}
}
