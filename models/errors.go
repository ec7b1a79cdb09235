package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrJobExists      = errors.New("job already exists")
	ErrInvalidVideoID = errors.New("invalid video id")
	ErrMissingMaster  = errors.New("master playlist missing")
	ErrNoFile         = errors.New("no file uploaded")
	ErrNotVideo       = errors.New("uploaded file is not a video")
	ErrNoOutcome      = errors.New("no job outcome before timeout")
)

// IntakeError rejects an upload before any job exists.
type IntakeError struct {
	Reason string
	Err    error
}

func (e *IntakeError) Error() string {
	if e.Err == nil {
		return "intake: " + e.Reason
	}
	return fmt.Sprintf("intake: %s: %v", e.Reason, e.Err)
}

func (e *IntakeError) Unwrap() error { return e.Err }

// EncodeError is a codec engine failure for a single rendition.
type EncodeError struct {
	Rendition string
	Err       error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode rendition %s: %v", e.Rendition, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

type PipelineError struct {
	VideoID string
	Err     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.VideoID, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// PublishError reports the first artifact that failed to upload. Objects
// uploaded before it are left in storage.
type PublishError struct {
	Key string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
