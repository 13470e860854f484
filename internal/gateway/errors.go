package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means the caller presented no usable credential for gated content.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrNotFound means the catalog has no such video.
	ErrNotFound = errors.New("video not found")
	// ErrUnavailable means an upstream dependency failed. It is never a verdict about the caller.
	ErrUnavailable = errors.New("playback temporarily unavailable")
)

// ForbiddenError is returned when the caller is known but does not own the video.
type ForbiddenError struct {
	NeedsPurchase bool
	Price         int64
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("purchase required (price %d)", e.Price)
}

func unavailable(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, step, err)
}
