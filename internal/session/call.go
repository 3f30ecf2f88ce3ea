package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nullxes/luna/internal/observe"
	"github.com/nullxes/luna/pkg/audio"
	"github.com/nullxes/luna/pkg/audio/capture"
	"github.com/nullxes/luna/pkg/audio/playback"
	"github.com/nullxes/luna/pkg/transport"
)

// Queue messages. Each source posts its own type; only the event goroutine
// reads them.
type (
	dialed            struct{ conn transport.Conn }
	dialFailed        struct{ err error }
	inbound           struct{ ev transport.Event }
	inboundEnded      struct{}
	captured          struct{ frame audio.Frame }
	captureFailed     struct{ err error }
	disconnectRequest struct{}
	playbackSignal    struct{ started bool }
)

// notesEnd is the last message on a call's notification queue.
type notesEnd struct{}

// call is the state of one Connect..terminal lifetime. Apart from the fields
// set before its goroutines start, it is owned by the event goroutine.
type call struct {
	s       *Session
	id      string
	q       *queue
	notes   *queue // callbacks awaiting delivery
	log     *slog.Logger
	span    trace.Span
	started time.Time
	prev    <-chan struct{} // done of the previous call, nil for the first
	ended   chan struct{}   // closed once torn down and terminal
	done    chan struct{}   // closed after the last callback returned

	ctx        context.Context // traced, cancelled on teardown
	cancel     context.CancelFunc
	dialCtx    context.Context
	cancelDial context.CancelFunc

	stream   audio.InputStream
	conn     transport.Conn
	pipeline *capture.Pipeline
	sched    *playback.Scheduler
}

// dial runs on its own goroutine and hands the connection to the event loop.
func (c *call) dial(live transport.Config) {
	conn, err := c.s.dialer.Dial(c.dialCtx, live)
	if err != nil {
		if !transport.IsError(err) {
			err = &transport.Error{Op: "dial", Err: err}
		}
		c.q.push(dialFailed{err: err})
		return
	}
	if !c.q.push(dialed{conn: conn}) {
		// The call ended while dialling.
		_ = conn.Close()
	}
}

// forward copies the connection's events into the queue.
func (c *call) forward(conn transport.Conn) {
	for ev := range conn.Events() {
		if !c.q.push(inbound{ev: ev}) {
			return
		}
	}
	c.q.push(inboundEnded{})
}

// run is the event goroutine.
func (c *call) run() {
	c.sched = playback.New(c.s.out,
		playback.WithOnPlaybackStart(func() { c.q.pushPlayback(true) }),
		playback.WithOnPlaybackEnd(func() { c.q.pushPlayback(false) }),
		playback.WithLogger(c.log),
	)
	for {
		if ended := c.handle(c.q.next()); ended {
			return
		}
	}
}

// deliver is the callback goroutine. It runs queued notifications in order,
// starting only after the previous call's callbacks have all returned.
func (c *call) deliver() {
	defer close(c.done)
	if c.prev != nil {
		<-c.prev
	}
	for {
		switch m := c.notes.next().(type) {
		case func():
			m()
		case notesEnd:
			c.notes.close()
			return
		}
	}
}

// notify queues fn for the callback goroutine.
func (c *call) notify(fn func()) {
	c.notes.push(fn)
}

// handle processes one message and reports whether the call has ended.
func (c *call) handle(m any) bool {
	switch m := m.(type) {
	case playbackSignal:
		c.deliverPlayback(m.started)
	case dialed:
		c.conn = m.conn
		go c.forward(m.conn)
	case dialFailed:
		return c.fail(m.err)
	case inbound:
		return c.handleEvent(m.ev)
	case inboundEnded:
		return c.close("transport closed")
	case captured:
		return c.send(m.frame)
	case captureFailed:
		return c.fail(m.err)
	case disconnectRequest:
		return c.close("disconnect")
	}
	return false
}

func (c *call) handleEvent(ev transport.Event) bool {
	state := c.s.State()
	switch ev.Kind {
	case transport.EventOpened:
		if state == StateConnecting {
			return c.open()
		}
	case transport.EventAudio:
		if state == StateOpen {
			return c.playAudio(ev)
		}
	case transport.EventText:
		if state == StateOpen && c.s.cb.OnMessage != nil {
			msg := Message{Text: ev.Text}
			c.notify(func() { c.s.cb.OnMessage(msg) })
		}
	case transport.EventInterrupted:
		if state == StateOpen {
			c.interrupt()
		}
	case transport.EventTurnComplete:
		if state == StateOpen && c.s.cb.OnTurnComplete != nil {
			c.notify(c.s.cb.OnTurnComplete)
		}
	case transport.EventClosed:
		return c.close("remote closed: " + ev.Reason)
	case transport.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unknown failure")
		}
		if !transport.IsError(err) {
			err = &transport.Error{Op: "receive", Err: err}
		}
		return c.fail(err)
	}
	return false
}

// open moves the call to Open and starts streaming the microphone.
func (c *call) open() bool {
	if err := c.s.fsm.Event(context.Background(), evOpen); err != nil {
		c.log.Warn("session: open transition rejected", "err", err)
		return false
	}
	latency := time.Since(c.started)
	c.s.metrics.ConnectDuration.Record(c.ctx, latency.Seconds())

	p, err := capture.Start(c.stream,
		func(f audio.Frame) { c.q.push(captured{frame: f}) },
		capture.WithFrameSize(c.s.frameSize),
		capture.WithErrorHandler(func(err error) { c.q.push(captureFailed{err: err}) }),
		capture.WithLogger(c.log),
	)
	if err != nil {
		return c.fail(err)
	}
	c.pipeline = p

	c.log.Info("session: open", "connect_latency", latency)
	if c.s.cb.OnOpen != nil {
		c.notify(c.s.cb.OnOpen)
	}
	return false
}

func (c *call) playAudio(ev transport.Event) bool {
	samples, err := audio.DecodePCM16(ev.Audio)
	if err != nil {
		c.s.metrics.ChunksMalformed.Add(c.ctx, 1)
		c.log.Warn("session: dropped malformed audio chunk", "err", err, "size", len(ev.Audio))
		return false
	}
	c.s.metrics.ChunksReceived.Add(c.ctx, 1)

	frame := audio.Frame{
		Samples:    samples,
		SampleRate: sampleRate(ev.MIMEType),
		Channels:   1,
	}
	if _, err := c.sched.Enqueue(frame); err != nil {
		return c.fail(err)
	}
	c.s.metrics.PlaybackScheduled.Add(c.ctx, frame.Duration().Seconds())
	c.deliverPendingPlayback()

	if c.s.cb.OnMessage != nil {
		msg := Message{Audio: &frame, Final: ev.Final}
		c.notify(func() { c.s.cb.OnMessage(msg) })
	}
	return false
}

func (c *call) interrupt() {
	n := c.sched.FlushAll()
	c.s.metrics.Interruptions.Add(c.ctx, 1)
	c.log.Debug("session: interrupted", "flushed", n)
	c.deliverPendingPlayback()

	if c.s.cb.OnMessage != nil {
		c.notify(func() { c.s.cb.OnMessage(Message{Interrupted: true}) })
	}
}

// send forwards one captured frame. Capture starts in open and the loop stops
// at the first terminal transition, so the call is always open here; frames
// still queued when it ends are counted as dropped by finish.
func (c *call) send(frame audio.Frame) bool {
	if err := c.conn.SendRealtimeInput(c.ctx, transport.AudioInput(frame)); err != nil {
		if !transport.IsError(err) {
			err = &transport.Error{Op: "send", Err: err}
		}
		return c.fail(err)
	}
	c.s.metrics.FramesSent.Add(c.ctx, 1)
	return false
}

func (c *call) deliverPlayback(started bool) {
	if started {
		c.log.Debug("session: playback started")
		if c.s.cb.OnAudioPlaybackStart != nil {
			c.notify(c.s.cb.OnAudioPlaybackStart)
		}
		return
	}
	c.log.Debug("session: playback ended")
	if c.s.cb.OnAudioPlaybackEnd != nil {
		c.notify(c.s.cb.OnAudioPlaybackEnd)
	}
}

func (c *call) deliverPendingPlayback() {
	for _, started := range c.q.takePlayback() {
		c.deliverPlayback(started)
	}
}

// ── Termination ───────────────────────────────────────────────────────────────

// close ends the call in an orderly way: Closing, teardown, Closed, OnClose.
func (c *call) close(reason string) bool {
	if err := c.s.fsm.Event(context.Background(), evClose); err != nil {
		return false
	}
	c.log.Info("session: closing", "reason", reason)
	c.teardown()
	_ = c.s.fsm.Event(context.Background(), evFinish)
	c.end(nil)
	return true
}

// fail ends the call after a fatal error: teardown, Errored, OnError, OnClose.
func (c *call) fail(err error) bool {
	if state := c.s.State(); state == StateIdle || state.Terminal() {
		return false
	}
	c.log.Error("session: call failed", "err", err)
	c.teardown()
	_ = c.s.fsm.Event(context.Background(), evFail)
	c.end(err)
	return true
}

// teardown releases every call resource. Each step runs even if an earlier
// one failed; failures are logged and swallowed.
func (c *call) teardown() {
	c.cancelDial()

	var errs []error
	if c.pipeline != nil {
		// Stopping the pipeline also releases the microphone stream.
		if err := c.pipeline.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
	}
	if c.sched != nil {
		c.sched.Close()
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	c.cancel()
	if c.pipeline == nil && c.stream != nil {
		if err := c.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release microphone: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.log.Warn("session: teardown incomplete", "err", err)
	}
}

// end runs after the call reached a terminal state.
func (c *call) end(cause error) {
	c.deliverPendingPlayback()
	c.finish(cause)
	close(c.ended)
	c.notifyEnd(cause)
}

// finish records the call outcome and closes the queue. Connections that
// arrive afterwards are closed.
func (c *call) finish(cause error) {
	outcome := "closed"
	if cause != nil {
		outcome = "errored"
		c.s.metrics.RecordSessionError(c.ctx, errorKind(cause))
	}
	c.s.metrics.ActiveSessions.Add(c.ctx, -1)
	c.s.metrics.RecordCallEnd(c.ctx, time.Since(c.started).Seconds(), outcome)
	observe.EndSpan(c.span, cause)

	for _, m := range c.q.close() {
		switch m := m.(type) {
		case dialed:
			_ = m.conn.Close()
		case captured:
			c.s.metrics.RecordFrameDropped(c.ctx, outcome)
		}
	}
	c.cancelDial()
	c.cancel()
	c.log.Info("session: ended", "outcome", outcome, "duration", time.Since(c.started))
}

// notifyEnd queues the terminal callbacks and ends the notification queue.
func (c *call) notifyEnd(cause error) {
	if cause != nil && c.s.cb.OnError != nil {
		c.notify(func() { c.s.cb.OnError(cause) })
	}
	if c.s.cb.OnClose != nil {
		c.notify(c.s.cb.OnClose)
	}
	c.notes.push(notesEnd{})
}

func errorKind(err error) string {
	switch {
	case audio.IsDeviceError(err):
		return "device"
	case transport.IsError(err):
		return "transport"
	default:
		return "other"
	}
}

// sampleRate extracts the rate parameter of an "audio/pcm;rate=N" MIME type.
func sampleRate(mime string) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "rate" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return audio.OutputSampleRate
}
