package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind marks a frame whose kind is outside the closed set for its
	// direction. It means both ends disagree on the protocol.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrInvalidMessage marks a frame that parsed but broke the id conventions
	// or was missing required fields.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize. The
	// channel cannot be resynchronised after it.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// UnknownKindError carries the offending id and kind of a protocol violation.
type UnknownKindError struct {
	ID   int64
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown message kind %q (id=%d)", e.Kind, e.ID)
}

func (e *UnknownKindError) Unwrap() error { return ErrUnknownKind }

// InvalidMessageError describes why a frame was rejected. ID is NoCorrelation
// when the frame carried no usable id.
type InvalidMessageError struct {
	ID     int64
	Kind   Kind
	Reason string
}

func (e *InvalidMessageError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invalid message: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s message (id=%d): %s", e.Kind, e.ID, e.Reason)
}

func (e *InvalidMessageError) Unwrap() error { return ErrInvalidMessage }
