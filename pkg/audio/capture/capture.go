// Package capture turns a live microphone [audio.InputStream] into a sequence
// of fixed-size outbound [audio.Frame] values.
//
// The device hands over float32 chunks of whatever size it likes; the
// pipeline clamps and converts them to 16-bit PCM, converts them to the
// target format if the device could not deliver it, and re-frames the result
// into frames of exactly the configured size. Frames are delivered in capture
// order to a sink callback from the pipeline's own goroutine.
package capture

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nullxes/luna/pkg/audio"
)

// Option configures a [Pipeline] during [Start].
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per channel in each frame.
// Values <= 0 are ignored. The default is [audio.DefaultFrameSize].
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithFormat sets the format of produced frames. The default is 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.SampleRate > 0 && f.Channels > 0 {
			p.target = f
		}
	}
}

// WithErrorHandler registers a callback invoked once, from the pipeline
// goroutine, when the stream ends without Stop having been called (device
// revoked or unplugged). The error is an [*audio.DeviceError].
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline pulls frames from a capture stream until [Pipeline.Stop] is called
// or the stream ends. A nil *Pipeline is valid and Stop on it is a no-op.
type Pipeline struct {
	stream    audio.InputStream
	sink      func(audio.Frame)
	frameSize int
	target    audio.Format
	onError   func(error)
	log       *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	closeErr error

	frames atomic.Uint64
}

// Start begins pulling frames from stream and delivering them to sink. It
// fails with an [*audio.DeviceError] if stream is nil or has already been
// revoked. On failure the stream is left untouched; the caller still owns it.
func Start(stream audio.InputStream, sink func(audio.Frame), opts ...Option) (*Pipeline, error) {
	if stream == nil {
		return nil, &audio.DeviceError{Op: "start capture", Err: errors.New("no input stream")}
	}
	if sink == nil {
		return nil, errors.New("capture: nil sink")
	}
	if err := stream.Err(); err != nil {
		return nil, &audio.DeviceError{Op: "start capture", Err: err}
	}

	p := &Pipeline{
		stream:    stream,
		sink:      sink,
		frameSize: audio.DefaultFrameSize,
		target:    audio.Format{SampleRate: audio.InputSampleRate, Channels: 1},
		log:       slog.Default(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	go p.run()
	return p, nil
}

// Frames returns how many complete frames have been delivered to the sink.
func (p *Pipeline) Frames() uint64 {
	if p == nil {
		return 0
	}
	return p.frames.Load()
}

// Stop halts frame production immediately, waits for the pipeline goroutine
// to exit, and closes the stream. A partially filled frame is discarded. Stop
// is idempotent; every call returns the stream's close error, if any.
//
// Stop must not be called from within the sink.
func (p *Pipeline) Stop() error {
	if p == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		if err := p.stream.Close(); err != nil {
			p.closeErr = &audio.DeviceError{Op: "close capture", Err: err}
		}
		// Release any producer still blocked on the channel.
		go audio.Drain(p.stream.Samples())
	})
	return p.closeErr
}

func (p *Pipeline) run() {
	defer close(p.done)

	src := p.stream.Format()
	if src.Channels <= 0 {
		src.Channels = 1
	}
	conv := audio.FormatConverter{Target: p.target}
	frameLen := p.frameSize * p.target.Channels
	pending := make([]int16, 0, frameLen*2)
	samples := p.stream.Samples()

	for {
		select {
		case <-p.stop:
			return
		case chunk, ok := <-samples:
			if !ok {
				p.streamEnded()
				return
			}
			pcm := make([]int16, len(chunk))
			audio.Float32ToPCM16(pcm, chunk)
			converted := conv.Convert(audio.Frame{
				Samples:    pcm,
				SampleRate: src.SampleRate,
				Channels:   src.Channels,
			})
			pending = append(pending, converted.Samples...)

			for len(pending) >= frameLen {
				if p.stopped() {
					return
				}
				frame := audio.Frame{
					Samples:    append([]int16(nil), pending[:frameLen]...),
					SampleRate: p.target.SampleRate,
					Channels:   p.target.Channels,
				}
				pending = append(pending[:0], pending[frameLen:]...)
				p.frames.Add(1)
				p.sink(frame)
			}
		}
	}
}

// streamEnded handles the Samples channel closing underneath us.
func (p *Pipeline) streamEnded() {
	if p.stopped() {
		return
	}
	cause := p.stream.Err()
	if cause == nil {
		cause = audio.ErrStreamClosed
	}
	err := &audio.DeviceError{Op: "capture", Err: cause}
	p.log.Warn("capture stream ended unexpectedly", "err", err, "frames", p.frames.Load())
	if p.onError != nil {
		p.onError(err)
	}
}

func (p *Pipeline) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}
