package geoexport

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownJob is returned when a job id has no record.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobExists is returned when a store already holds the id.
	ErrJobExists = errors.New("job already exists")
	// ErrInvalidTransition is returned for any edge outside the lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrJobNotReady is returned when outputs are requested before success.
	ErrJobNotReady = errors.New("job not ready")
	// ErrNoOutputs flags a succeeded job whose namespace is empty.
	ErrNoOutputs = errors.New("job has no outputs")
	// ErrDispatchFailure wraps failures to record a new job.
	ErrDispatchFailure = errors.New("dispatch failure")
	// ErrPipelineFailure wraps failures reported by the remote pipeline.
	ErrPipelineFailure = errors.New("pipeline failure")
	// ErrIteratorDone marks the end of an object listing.
	ErrIteratorDone = errors.New("no more objects")

	// ErrUnsupportedFormat is returned for unrecognized boundary files.
	ErrUnsupportedFormat = errors.New("unsupported boundary format")
	// ErrMalformedGeometry is returned when a boundary is not a simple polygon set.
	ErrMalformedGeometry = errors.New("malformed boundary geometry")
	// ErrEmptyGeometry is returned when a boundary carries no coordinates.
	ErrEmptyGeometry = errors.New("empty boundary geometry")
)

// ValidationError reports a rejected request parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsBoundaryError reports whether err came from boundary normalization.
func IsBoundaryError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrMalformedGeometry) ||
		errors.Is(err, ErrEmptyGeometry)
}
