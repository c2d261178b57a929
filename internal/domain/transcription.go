package domain

import "errors"

// TranscriptionOutcome is either Transcribed or TranscriptionFailed.
type TranscriptionOutcome interface {
	isTranscriptionOutcome()
}

type Transcribed struct {
	CommandCode int
	Text        string
}

type FailureKind string

const (
	FailureError    FailureKind = "error"
	FailureTimeout  FailureKind = "timeout"
	FailureNotFound FailureKind = "not_found"
)

type TranscriptionFailed struct {
	Kind FailureKind
	Err  error
}

func (Transcribed) isTranscriptionOutcome()         {}
func (TranscriptionFailed) isTranscriptionOutcome() {}

// FailedWith classifies err into a TranscriptionFailed outcome.
func FailedWith(err error) TranscriptionFailed {
	kind := FailureError
	switch {
	case errors.Is(err, ErrTranscriptionTimeout):
		kind = FailureTimeout
	case errors.Is(err, ErrAudioNotFound):
		kind = FailureNotFound
	}
	return TranscriptionFailed{Kind: kind, Err: err}
}
