package vad

import (
	"errors"
	"fmt"
)

var (
	// ErrMicrophoneAccess matches every [MicrophoneAccessError].
	ErrMicrophoneAccess = errors.New("vad: microphone access failed")

	// ErrNotInitialized is returned by operations that need Initialize first.
	ErrNotInitialized = errors.New("vad: detector not initialized")

	// ErrDisposed is returned by operations on a disposed detector.
	ErrDisposed = errors.New("vad: detector disposed")

	// ErrCalibrating is returned by StartDetection while calibration runs.
	ErrCalibrating = errors.New("vad: calibration in progress")
)

// MicrophoneAccessError reports that the input device could not be opened
// because access was denied or no device exists. It is fatal to Initialize and
// never retried automatically.
type MicrophoneAccessError struct {
	Err error
}

func (e *MicrophoneAccessError) Error() string {
	return fmt.Sprintf("vad: microphone access failed: %v", e.Err)
}

// Unwrap returns the device error.
func (e *MicrophoneAccessError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrMicrophoneAccess].
func (e *MicrophoneAccessError) Is(target error) bool {
	return target == ErrMicrophoneAccess
}
