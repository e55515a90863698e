package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for batch and control decoding. Callers distinguish
// them with errors.Is.
var (
	// ErrEmptyBatch signals a well-formed batch with no frames. It is a
	// no-op signal, not a failure.
	ErrEmptyBatch      = errors.New("wire: empty batch")
	ErrUnknownKind     = errors.New("wire: unknown message kind")
	ErrUnknownFormat   = errors.New("wire: unknown pixel format")
	ErrPixelSize       = errors.New("wire: pixel payload size mismatch")
	ErrFrameTooLarge   = errors.New("wire: frame dimensions too large")
	ErrTrailingData    = errors.New("wire: trailing data after batch")
	ErrUnknownMessage  = errors.New("wire: unknown control message type")
	ErrMissingCameraID = errors.New("wire: overlay missing camera id")
)

// ParseError records which field of a batch or control message could not
// be parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
