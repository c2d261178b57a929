package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrInvalidState         = errors.New("invalid device state")
	ErrStaleState           = errors.New("device state changed concurrently")
	ErrInconsistentState    = errors.New("device set changed during bulk update")
	ErrAudioNotFound        = errors.New("audio file not found")
	ErrTranscriptionTimeout = errors.New("transcription request timed out")
)

type ConversionError struct {
	Input string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("converting %s to wav: %v", e.Input, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// TranscriptionError carries the message reported by the transcription
// service, or the reason the exchange could not complete.
type TranscriptionError struct {
	Message string
}

func (e *TranscriptionError) Error() string {
	return "transcription failed: " + e.Message
}
