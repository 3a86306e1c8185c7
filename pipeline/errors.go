package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned by New when Params cannot build a pipeline
	ErrInvalidConfiguration = errors.New("invalid pipeline configuration")
	// ErrAlreadyRunning is returned by Start while a run is active or still draining
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrStopTimeout is returned by Stop when the drain did not finish in time
	ErrStopTimeout = errors.New("pipeline stop timed out")
	// ErrDeviceUnavailable wraps any error returned while opening the digitizer
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrClosed is returned when using a pipeline after Close
	ErrClosed = errors.New("pipeline closed")
	// ErrEndOfStream is returned by a Digitizer when no more frames will be produced
	ErrEndOfStream = errors.New("end of stream")
)

// ProcessingError is a failure reported by the process callback
type ProcessingError struct {
	// Frame is the 1-based acquisition number of the failing frame
	Frame uint64
	// Slot the frame was held in
	Slot int

	Err error
}

func (p *ProcessingError) Error() string {
	return fmt.Sprintf("Error occurred processing frame %d (slot %d): %s", p.Frame, p.Slot, p.Err)
}

func (p *ProcessingError) Unwrap() error {
	return p.Err
}

func invalidConfiguration(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

func deviceUnavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}
