package audio

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is reported when an input stream was closed or revoked
// (for example, microphone permission withdrawn) while it was in use.
var ErrStreamClosed = errors.New("audio: stream closed")

// DeviceError reports that an audio device could not be opened, was revoked,
// or failed while in use. It is fatal to the voice session that owns the
// device.
type DeviceError struct {
	// Op names the failed operation, e.g. "open capture" or "schedule".
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return "audio: device error: " + e.Op
	}
	return fmt.Sprintf("audio: device error: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// FormatError reports that a chunk of transport text could not be decoded into
// PCM samples. It is local to the chunk: callers drop the chunk and continue.
type FormatError struct {
	// Reason describes what was malformed.
	Reason string

	// Err is the underlying decoding error, if any.
	Err error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return "audio: format error: " + e.Reason
	}
	return fmt.Sprintf("audio: format error: %s: %v", e.Reason, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err is or wraps a [DeviceError].
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// IsFormatError reports whether err is or wraps a [FormatError].
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
