// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice], [audio.InputStream], and [audio.OutputDevice]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The [OutputDevice] has a manual clock: time only moves when the test calls
// [OutputDevice.Advance], which also fires completion callbacks of buffers that
// finished within the advanced window.
//
// Typical usage:
//
//	stream := mock.NewInputStream(audio.Format{SampleRate: 16000, Channels: 1})
//	mic := &mock.CaptureDevice{Stream: stream}
//	out := mock.NewOutputDevice(audio.Format{SampleRate: 24000, Channels: 1})
//	stream.Push(make([]float32, 4096))
//	out.Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nullxes/luna/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.InputStream   = (*InputStream)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.Voice         = (*Voice)(nil)
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream]. Feed it with [InputStream.Push]
// and end it with [InputStream.Close] or [InputStream.Revoke].
type InputStream struct {
	format  audio.Format
	samples chan []float32
	done    chan struct{}

	mu        sync.Mutex
	closed    bool
	err       error
	closeOnce sync.Once

	// CloseError is returned by [InputStream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream returns an open stream in the given format.
func NewInputStream(format audio.Format) *InputStream {
	return &InputStream{
		format:  format,
		samples: make(chan []float32, 64),
		done:    make(chan struct{}),
	}
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Samples implements [audio.InputStream].
func (s *InputStream) Samples() <-chan []float32 { return s.samples }

// Err implements [audio.InputStream].
func (s *InputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers one chunk of samples as if the device had captured it. It
// blocks while the channel buffer is full and reports false if the stream was
// closed before the chunk could be delivered.
func (s *InputStream) Push(chunk []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.samples <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// Revoke simulates the device going away (e.g. permission withdrawn): the
// Samples channel closes and Err reports err.
func (s *InputStream) Revoke(err error) {
	s.shutdown(err)
}

// Close implements [audio.InputStream]. Idempotent.
func (s *InputStream) Close() error {
	s.shutdown(nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Closed reports whether the stream has been closed or revoked.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *InputStream) shutdown(err error) {
	s.closeOnce.Do(func() {
		close(s.done) // unblocks a pending Push before we take the lock
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.samples)
		s.mu.Unlock()
	})
}

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [CaptureDevice.Open] invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format
}

// CaptureDevice is a mock [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// Stream is returned by Open. When nil a fresh [InputStream] in the
	// requested format is created and stored here.
	Stream *InputStream

	// OpenError, when set, is returned by Open instead of a stream.
	OpenError error

	// Gate, if non-nil, holds Open until it is closed or ctx is done.
	Gate chan struct{}

	// Entered, if non-nil, receives one value each time Open is entered.
	Entered chan struct{}

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(ctx context.Context, format audio.Format) (audio.InputStream, error) {
	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: format})
	gate, entered := d.Gate, d.Entered
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.Stream == nil {
		d.Stream = NewInputStream(format)
	}
	return d.Stream, nil
}

// CurrentStream returns the stream handed out by the last successful Open.
func (d *CaptureDevice) CurrentStream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Stream
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// Voice is the handle returned by [OutputDevice.Schedule]. Its exported
// fields describe the scheduling request.
type Voice struct {
	dev *OutputDevice

	// Buffer is the buffer passed to Schedule.
	Buffer audio.Buffer

	// Requested is the start time passed to Schedule.
	Requested time.Duration

	// Start is the effective start: the later of Requested and the clock at
	// the time of scheduling.
	Start time.Duration

	done     func()
	stopped  bool
	finished bool
}

// End returns the device time at which the voice finishes playing.
func (v *Voice) End() time.Duration { return v.Start + v.Buffer.Duration() }

// Stop implements [audio.Voice]. Stopped voices never fire their completion.
func (v *Voice) Stop() {
	v.dev.mu.Lock()
	defer v.dev.mu.Unlock()
	if !v.stopped {
		v.stopped = true
		v.dev.CallCountStop++
	}
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.dev.mu.Lock()
	defer v.dev.mu.Unlock()
	return v.stopped
}

// OutputDevice is a mock [audio.OutputDevice] with a manual clock.
type OutputDevice struct {
	format audio.Format

	mu     sync.Mutex
	now    time.Duration
	voices []*Voice
	closed bool

	// ScheduleError, when set, is returned by Schedule.
	ScheduleError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountStop counts voices stopped via [Voice.Stop].
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutputDevice returns a device at clock zero in the given format.
func NewOutputDevice(format audio.Format) *OutputDevice {
	return &OutputDevice{format: format}
}

// Format implements [audio.OutputDevice].
func (d *OutputDevice) Format() audio.Format { return d.format }

// Now implements [audio.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(buf audio.Buffer, at time.Duration, done func()) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleError != nil {
		return nil, d.ScheduleError
	}
	v := &Voice{
		dev:       d,
		Buffer:    buf,
		Requested: at,
		Start:     max(at, d.now),
		done:      done,
	}
	d.voices = append(d.voices, v)
	return v, nil
}

// Advance moves the clock forward by delta and fires, in end-time order, the
// completion callbacks of every voice that finished by the new time and was
// not stopped. Callbacks run on the caller's goroutine.
func (d *OutputDevice) Advance(delta time.Duration) {
	d.mu.Lock()
	d.now += delta
	var finished []*Voice
	for _, v := range d.voices {
		if !v.stopped && !v.finished && v.End() <= d.now {
			v.finished = true
			finished = append(finished, v)
		}
	}
	d.mu.Unlock()

	slices.SortStableFunc(finished, func(a, b *Voice) int {
		return int(a.End() - b.End())
	})
	for _, v := range finished {
		if v.done != nil {
			v.done()
		}
	}
}

// Voices returns a snapshot of every voice scheduled so far, in order.
func (d *OutputDevice) Voices() []*Voice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.voices)
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	for _, v := range d.voices {
		v.stopped = true
	}
	return d.CloseError
}
