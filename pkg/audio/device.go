// Package audio defines the audio types, sample conversions, transport
// transcoding, and device interfaces used by the Luna voice session.
//
// The two device abstractions are:
//
//   - [CaptureDevice] opens a live microphone [InputStream] of float samples.
//   - [OutputDevice] exposes a device clock and schedules playable
//     [Buffer] values to start at a given device time, with completion
//     callbacks and early cancellation via [Voice].
//
// Concrete devices live in sub-packages (audio/malgo for real hardware,
// audio/mock for tests). The interfaces are intentionally narrow so that the
// capture pipeline and playback scheduler stay independent of any driver.
package audio

import (
	"context"
	"time"
)

// InputStream is a live capture stream. Chunks of float32 samples in [-1, 1]
// arrive on the Samples channel in capture order; chunk sizes are chosen by
// the device and need not match the pipeline's frame size.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Format reports the sample rate and channel count of the chunks.
	Format() Format

	// Samples returns the channel of captured chunks. The channel is closed
	// when the stream ends, either because Close was called or because the
	// device went away. After the channel closes, call [InputStream.Err].
	Samples() <-chan []float32

	// Err returns the reason the Samples channel closed prematurely, or nil
	// if the stream was closed by its owner or is still open.
	Err() error

	// Close releases the device stream. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// CaptureDevice acquires microphone streams.
type CaptureDevice interface {
	// Open acquires a capture stream in the requested format. It fails with a
	// [DeviceError] when the device is unavailable or permission is denied.
	// ctx governs the acquisition only, not the stream's lifetime.
	Open(ctx context.Context, format Format) (InputStream, error)
}

// Voice is a handle to one buffer scheduled on an [OutputDevice].
type Voice interface {
	// Stop cancels the buffer. If it has started it is silenced within one
	// device quantum. The completion callback passed to Schedule may or may
	// not fire after Stop; callers must tolerate both. Stop is idempotent.
	Stop()
}

// OutputDevice is a clocked playback device.
//
// Implementations must be safe for concurrent use. Completion callbacks are
// invoked from a device goroutine and must not block.
type OutputDevice interface {
	// Format reports the device's native playback format.
	Format() Format

	// Now returns the device clock: the amount of audio the device has
	// rendered since it was opened. It is monotonic.
	Now() time.Duration

	// Schedule queues buf to begin playing at device time at. If at is in the
	// past the buffer starts as soon as possible. done is called once the
	// buffer has finished playing; it is never invoked synchronously from
	// within Schedule. It fails with a [DeviceError] when the device is
	// unavailable.
	Schedule(buf Buffer, at time.Duration, done func()) (Voice, error)

	// Close stops all playback and releases the device.
	Close() error
}
