package assetcache

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrSourceUnavailable is returned when the original asset cannot be located or read.
	// Callers fall back to serving the original reference.
	ErrSourceUnavailable = stderrors.New("source unavailable")

	// ErrUnsupportedFormat is returned when a transform cannot handle the input.
	// The original bytes are returned alongside it.
	ErrUnsupportedFormat = stderrors.New("unsupported format")

	// ErrPersistFailed is returned when a derived artifact was computed but could not be stored.
	// The computed bytes are returned alongside it.
	ErrPersistFailed = stderrors.New("persist failed")

	// ErrTransformPanic is returned when a transform panicked. It also matches ErrUnsupportedFormat.
	ErrTransformPanic = fmt.Errorf("transform panic: %w", ErrUnsupportedFormat)
)

// sourceUnavailable wraps err as ErrSourceUnavailable.
func sourceUnavailable(key string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, key)
	}
	return fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, key, err)
}

// unsupportedFormat wraps reason as ErrUnsupportedFormat.
func unsupportedFormat(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, reason)
}

// persistFailed wraps err as ErrPersistFailed.
func persistFailed(p string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistFailed, p, err)
}
