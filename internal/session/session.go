// Package session implements the voice call state machine.
//
// A [Session] owns at most one call at a time. [Session.Connect] acquires the
// microphone and dials the remote model; once the remote acknowledges the
// setup the call is open: captured frames are streamed out, synthesized
// speech is scheduled for gapless playback, and remote interruptions flush
// whatever is still queued. A call ends when the caller disconnects, the
// remote closes, or a device or transport fails.
//
// States:
//
//	Idle ──Connect──▶ Connecting ──opened──▶ Open
//	                      │                    │
//	                      ├────Disconnect / remote close────▶ Closing ──▶ Closed
//	                      └────device / transport error─────────────────▶ Errored
//
// Events from the transport, the capture pipeline and the output device are
// funnelled into one ordered queue per call and handled by a single goroutine.
// [Callbacks] run on a second goroutine per call, in the order the events
// were handled.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nullxes/luna/internal/observe"
	"github.com/nullxes/luna/pkg/audio"
	"github.com/nullxes/luna/pkg/transport"
)

// State is the lifecycle state of a [Session].
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

// Terminal reports whether s ends a call. Connect may be issued from Idle and
// from terminal states only.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// State machine events.
const (
	evConnect = "connect"
	evOpen    = "open"
	evClose   = "close"
	evFinish  = "finish"
	evFail    = "fail"
)

// ErrBusy is returned by [Session.Connect] while a call is connecting, open
// or closing.
var ErrBusy = errors.New("session: a call is already in progress")

// Message is one piece of remote content delivered to [Callbacks.OnMessage].
// Text and Audio may interleave within a turn; each message carries at most
// one of them.
type Message struct {
	// Text is a text part of the response. Empty when the message carries
	// none.
	Text string

	// Audio is the decoded speech chunk that was scheduled for playback. Nil
	// when the message carries none.
	Audio *audio.Frame

	// Final reports that Audio is the last chunk of the model turn.
	Final bool

	// Interrupted reports that the remote discarded its in-flight turn and
	// queued playback was flushed.
	Interrupted bool
}

// Callbacks receive call notifications. Every field is optional. All
// callbacks of one call run sequentially on a goroutine owned by that call,
// and none of them starts before the previous call's OnClose has returned.
// A slow callback delays later notifications but never event handling, so
// [Session.State] may already be ahead of the notification being delivered.
// Callbacks may call any Session method, including Connect and Disconnect.
//
// For every fatal condition OnError is invoked exactly once, before OnClose.
// OnClose is invoked exactly once per call.
type Callbacks struct {
	OnOpen               func()
	OnMessage            func(Message)
	OnAudioPlaybackStart func()
	OnAudioPlaybackEnd   func()
	OnTurnComplete       func()
	OnClose              func()
	OnError              func(error)
}

// Config holds the dependencies and settings of a [Session].
type Config struct {
	// Mic acquires the microphone on every Connect.
	Mic audio.CaptureDevice

	// Output plays synthesized speech. It is shared across calls and never
	// closed by the Session.
	Output audio.OutputDevice

	// Dialer opens the remote connection.
	Dialer transport.Dialer

	// Live is the remote session setup. It may be replaced with
	// [Session.SetLive]; changes take effect on the next Connect.
	Live transport.Config

	// InputFormat is the microphone format requested on Connect and sent on
	// the wire. Default: 16 kHz mono.
	InputFormat audio.Format

	// FrameSize is the number of samples per outbound frame. Default: 4096.
	FrameSize int

	// Callbacks receive call notifications.
	Callbacks Callbacks

	// Logger is the base logger. Default: [slog.Default].
	Logger *slog.Logger

	// Metrics records call instruments. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is a voice call manager. All exported methods are safe for
// concurrent use.
type Session struct {
	mic       audio.CaptureDevice
	out       audio.OutputDevice
	dialer    transport.Dialer
	cb        Callbacks
	log       *slog.Logger
	metrics   *observe.Metrics
	fsm       *fsm.FSM
	inFormat  audio.Format
	frameSize int

	mu   sync.Mutex
	live transport.Config
	call *call
}

// New creates an idle Session.
func New(cfg Config) *Session {
	s := &Session{
		mic:       cfg.Mic,
		out:       cfg.Output,
		dialer:    cfg.Dialer,
		cb:        cfg.Callbacks,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		live:      cfg.Live,
		inFormat:  cfg.InputFormat,
		frameSize: cfg.FrameSize,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.inFormat.SampleRate <= 0 {
		s.inFormat.SampleRate = audio.InputSampleRate
	}
	if s.inFormat.Channels <= 0 {
		s.inFormat.Channels = 1
	}
	if s.frameSize <= 0 {
		s.frameSize = audio.DefaultFrameSize
	}

	terminalOrIdle := []string{string(StateIdle), string(StateClosed), string(StateErrored)}
	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evConnect, Src: terminalOrIdle, Dst: string(StateConnecting)},
			{Name: evOpen, Src: []string{string(StateConnecting)}, Dst: string(StateOpen)},
			{Name: evClose, Src: []string{string(StateConnecting), string(StateOpen)}, Dst: string(StateClosing)},
			{Name: evFinish, Src: []string{string(StateClosing)}, Dst: string(StateClosed)},
			{Name: evFail, Src: []string{string(StateConnecting), string(StateOpen), string(StateClosing)}, Dst: string(StateErrored)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug("session: state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// CallID returns the identifier of the current or most recent call, or the
// empty string before the first Connect.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return ""
	}
	return s.call.id
}

// SetLive replaces the remote session setup used by subsequent calls.
func (s *Session) SetLive(cfg transport.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = cfg
}

// Connect starts a new call. It acquires the microphone synchronously and
// returns once dialling has begun; the call reaches Open asynchronously and
// reports it through [Callbacks.OnOpen]. The Session lock is not held while
// the microphone is acquired.
//
// Connect fails with [ErrBusy] unless the Session is idle or the previous call
// has ended. If the microphone cannot be acquired the call goes straight to
// Errored without dialling: [Callbacks.OnError] receives the
// [*audio.DeviceError], [Callbacks.OnClose] follows, and the same error is
// returned. Both callbacks are delivered asynchronously.
//
// ctx bounds microphone acquisition and dialling. The call itself lives until
// it is disconnected or fails.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if err := s.fsm.Event(context.Background(), evConnect); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, s.State())
	}

	c := s.newCall(ctx)
	s.call = c
	live := s.live
	s.mu.Unlock()

	go c.deliver()

	stream, err := s.mic.Open(ctx, s.inFormat)
	if err != nil {
		if !audio.IsDeviceError(err) {
			err = &audio.DeviceError{Op: "open microphone", Err: err}
		}
		c.log.Error("session: microphone unavailable", "err", err)
		s.mu.Lock()
		_ = s.fsm.Event(context.Background(), evFail)
		s.mu.Unlock()
		c.end(err)
		return err
	}

	// A Disconnect issued while the microphone was opening is already queued
	// and is handled first.
	c.stream = stream
	c.log.Info("session: connecting", "model", live.Model, "voice", live.Voice)
	go c.dial(live)
	go c.run()
	return nil
}

// Disconnect ends the current call from any non-terminal state. It waits
// until the call has been torn down and reached a terminal state, or until
// ctx is done. The final callbacks may still be running when it returns; use
// [Session.Wait] to wait for them. Disconnect on an idle or ended Session is a
// no-op. It is safe to call from within any callback.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	c := s.call
	s.mu.Unlock()

	if c == nil || !c.q.push(disconnectRequest{}) {
		return nil
	}
	select {
	case <-c.ended:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current or most recent call has ended and all of its
// callbacks have returned, or until ctx is done. It returns at once before the
// first Connect.
//
// Wait must not be called from within a callback of the call it waits for.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	c := s.call
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newCall prepares the per-call state. Dialling is bounded by ctx. The
// caller holds s.mu.
func (s *Session) newCall(ctx context.Context) *call {
	id := uuid.NewString()
	spanCtx, span := observe.StartSpan(context.Background(), "session.call",
		trace.WithAttributes(attribute.String("call.id", id)),
	)

	c := &call{
		s:       s,
		id:      id,
		q:       newQueue(),
		notes:   newQueue(),
		ended:   make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
		span:    span,
		log:     observe.WithTrace(spanCtx, s.log.With("call_id", id)),
	}
	if s.call != nil {
		c.prev = s.call.done
	}
	c.dialCtx, c.cancelDial = context.WithCancel(ctx)
	c.ctx, c.cancel = context.WithCancel(spanCtx)
	s.metrics.ActiveSessions.Add(spanCtx, 1)
	return c
}
