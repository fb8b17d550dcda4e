package media

import (
	"errors"
	"fmt"
)

var (
	// ErrInputMissing means the source file is gone from disk
	ErrInputMissing = errors.New("input file not found")
	// ErrUnsupportedKind means the file kind has no thumbnail pipeline
	ErrUnsupportedKind = errors.New("unsupported media kind")
	// ErrProbeFailed means the source (or extracted frame) could not be decoded
	ErrProbeFailed = errors.New("failed to decode media")
	// ErrEncodeFailed means thumbnail encoding failed
	ErrEncodeFailed = errors.New("failed to encode thumbnail")
	// ErrEmptyOutput means the encoder produced a zero-byte file
	ErrEmptyOutput = errors.New("thumbnail output is empty")
	// ErrVideoExtractionTimeout means ffmpeg exceeded its deadline
	ErrVideoExtractionTimeout = errors.New("video frame extraction timed out")
)

// VideoExtractionError wraps an ffmpeg failure with its captured stderr so
// the job record keeps enough context to diagnose bad source files.
type VideoExtractionError struct {
	Stderr string
	Err    error
}

func (e *VideoExtractionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("video frame extraction failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("video frame extraction failed: %v", e.Err)
}

func (e *VideoExtractionError) Unwrap() error {
	return e.Err
}
