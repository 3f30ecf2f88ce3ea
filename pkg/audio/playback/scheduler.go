// Package playback schedules decoded speech frames on an [audio.OutputDevice]
// so that streamed chunks play back-to-back as one continuous utterance.
//
// Each buffer starts at the later of the device clock and the end of the
// previously scheduled buffer. Every scheduled buffer stays in an active set
// until it finishes or is cancelled; the set's emptiness is the "is speaking"
// signal, and transitions of the set fire the playback start/end callbacks.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nullxes/luna/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithOnPlaybackStart registers fn to be called on every transition of the
// active set from empty to non-empty.
func WithOnPlaybackStart(fn func()) Option {
	return func(s *Scheduler) { s.onStart = fn }
}

// WithOnPlaybackEnd registers fn to be called on every transition of the
// active set from non-empty to empty, whether by completion or by
// [Scheduler.FlushAll].
func WithOnPlaybackEnd(fn func()) Option {
	return func(s *Scheduler) { s.onEnd = fn }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// scheduled is one buffer owned by the scheduler from Schedule until it
// completes or is stopped.
type scheduled struct {
	voice audio.Voice
	start time.Duration
	end   time.Duration
}

// Scheduler is a gapless playback scheduler over an [audio.OutputDevice].
//
// Enqueue, FlushAll, and device completion callbacks may arrive concurrently;
// all of them are serialised by one mutex. The start/end callbacks are
// invoked while that mutex is held, so they must not block and must not call
// back into the Scheduler.
//
// The Scheduler does not own the device and never closes it.
type Scheduler struct {
	out     audio.OutputDevice
	onStart func()
	onEnd   func()
	log     *slog.Logger

	mu     sync.Mutex
	conv   audio.FormatConverter
	active map[*scheduled]struct{}
	next   time.Duration // device time at which the next buffer must begin
	closed bool
}

// New creates a Scheduler that plays through out.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		log:    slog.Default(),
		conv:   audio.FormatConverter{Target: out.Format()},
		active: make(map[*scheduled]struct{}),
		next:   out.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes frame into a playable buffer and schedules it to start at
// max(NextPlaybackTime, device clock). It returns the scheduled start time.
// Empty frames are ignored. Device failures are returned as
// [*audio.DeviceError].
func (s *Scheduler) Enqueue(frame audio.Frame) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if frame.Len() == 0 {
		return s.next, nil
	}

	converted := s.conv.Convert(frame)
	buf := audio.Buffer{
		Samples:    audio.PCM16ToFloat32(converted.Samples),
		SampleRate: converted.SampleRate,
		Channels:   converted.Channels,
	}

	start := max(s.next, s.out.Now())
	entry := &scheduled{start: start, end: start + buf.Duration()}
	voice, err := s.out.Schedule(buf, start, func() { s.complete(entry) })
	if err != nil {
		var de *audio.DeviceError
		if !errors.As(err, &de) {
			err = &audio.DeviceError{Op: "schedule", Err: err}
		}
		return 0, err
	}
	entry.voice = voice

	wasEmpty := len(s.active) == 0
	s.active[entry] = struct{}{}
	s.next = entry.end

	if wasEmpty && s.onStart != nil {
		s.onStart()
	}
	return start, nil
}

// FlushAll stops every active buffer, empties the active set, and resets the
// playback cursor to the device clock's current instant. It fires the end
// callback only if something was playing, and returns how many buffers were
// stopped. FlushAll is idempotent.
func (s *Scheduler) FlushAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes all playback and rejects further Enqueue calls.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	s.closed = true
}

// Active returns the number of buffers currently scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextPlaybackTime returns the device time at which the next enqueued buffer
// would begin if the device clock has not passed it.
func (s *Scheduler) NextPlaybackTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) flushLocked() int {
	n := len(s.active)
	for e := range s.active {
		e.voice.Stop()
	}
	clear(s.active)
	s.next = s.out.Now()

	if n > 0 {
		s.log.Debug("playback flushed", "buffers", n, "clock", s.next)
		if s.onEnd != nil {
			s.onEnd()
		}
	}
	return n
}

// complete is the device completion callback for entry. Completions of
// buffers that were already flushed are ignored.
func (s *Scheduler) complete(entry *scheduled) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[entry]; !ok {
		return
	}
	delete(s.active, entry)
	if len(s.active) == 0 && s.onEnd != nil {
		s.onEnd()
	}
}
