package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure so callers can branch without
// parsing messages.
type ErrorKind string

const (
	KindAcquisition ErrorKind = "acquisition"
	KindTranscode   ErrorKind = "transcode"
	KindChunking    ErrorKind = "chunking"
	KindDocument    ErrorKind = "document"
	KindProvider    ErrorKind = "provider"
	KindIndex       ErrorKind = "index"
	KindCallback    ErrorKind = "callback"
	KindStorage     ErrorKind = "storage"
	KindCancelled   ErrorKind = "cancelled"
)

// ErrCancelled is returned by stages that observe a cancelled task.
var ErrCancelled = errors.New("task cancelled")

// StageError is a stage-aware failure.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStageError wraps err unless it already carries a stage.
func NewStageError(stage Stage, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrCancelled) {
		kind = KindCancelled
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf extracts the error kind, or "" when err is not a StageError.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
