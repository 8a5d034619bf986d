package task

import (
	"errors"
	"fmt"
)

var (
	ErrNoSource       = errors.New("no file or url provided")
	ErrTaskNotFound   = errors.New("task not found")
	ErrResultNotFound = errors.New("result not found")
	ErrTaskInFlight   = errors.New("task id is already queued or running")
	ErrInvalidURL     = errors.New("url must be http or https")
	ErrInvalidTaskID  = errors.New("invalid task id")
	ErrExtNotAllowed  = errors.New("extension not allowed")
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
	ErrSearchDisabled = errors.New("search is not configured")
	ErrEmptyQuestion  = errors.New("question is empty")
	ErrManagerStopped = errors.New("manager is stopped")
)

func NewErrExtNotAllowed(ext string) error {
	if ext == "" {
		ext = "(none)"
	}
	return fmt.Errorf("%w: %s", ErrExtNotAllowed, ext)
}
