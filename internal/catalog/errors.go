package catalog

import "errors"

var (
	// ErrNotFound indicates the catalog has no video with the requested identifier.
	ErrNotFound = errors.New("video not found")
	// ErrSourceUnavailable indicates no catalog source is configured.
	ErrSourceUnavailable = errors.New("catalog source unavailable")
)
