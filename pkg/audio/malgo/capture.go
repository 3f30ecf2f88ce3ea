package malgo

import (
	"context"
	"errors"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/nullxes/luna/pkg/audio"
)

// captureBuffer is the number of device periods buffered before chunks are
// dropped (about 1.3s at 20ms periods).
const captureBuffer = 64

var errDeviceStopped = errors.New("malgo: capture device stopped")

var (
	_ audio.CaptureDevice = (*Capture)(nil)
	_ audio.InputStream   = (*inputStream)(nil)
)

// Capture opens microphone streams on the default input device.
type Capture struct {
	ctx *Context
}

// Capture returns the default microphone.
func (c *Context) Capture() *Capture { return &Capture{ctx: c} }

// Open starts a capture stream in format. Samples are delivered as f32 in
// [-1, 1]; miniaudio converts from the device's native format.
func (c *Capture) Open(ctx context.Context, format audio.Format) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &audio.DeviceError{Op: "open capture", Err: err}
	}
	if c.ctx == nil || c.ctx.ctx == nil {
		return nil, &audio.DeviceError{Op: "open capture", Err: errors.New("audio context closed")}
	}

	s := &inputStream{
		format:  format,
		samples: make(chan []float32, captureBuffer),
		ctx:     c.ctx,
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatF32
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMillis

	dev, err := ma.InitDevice(c.ctx.ctx.Context, cfg, ma.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, &audio.DeviceError{Op: "open capture", Err: err}
	}
	s.device = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, &audio.DeviceError{Op: "start capture", Err: err}
	}
	c.ctx.log.Debug("malgo: capture started", "format", format)
	return s, nil
}

type inputStream struct {
	format  audio.Format
	samples chan []float32
	ctx     *Context
	device  *ma.Device

	mu       sync.Mutex
	closing  bool // owner called Close
	closed   bool // samples channel closed
	err      error
	dropped  int
	dropOnce sync.Once
}

func (s *inputStream) Format() audio.Format       { return s.format }
func (s *inputStream) Samples() <-chan []float32 { return s.samples }

func (s *inputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// onData runs on the device thread and must not block.
func (s *inputStream) onData(_, in []byte, _ uint32) {
	chunk := float32sFromBytes(in)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.samples <- chunk:
	default:
		s.dropped++
		s.dropOnce.Do(func() {
			s.ctx.log.Warn("malgo: capture consumer too slow, dropping audio")
		})
	}
}

// onStop fires whenever the device stops. Unless the owner is closing the
// stream, the device went away.
func (s *inputStream) onStop() {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if !closing {
		s.end(&audio.DeviceError{Op: "capture", Err: errDeviceStopped})
	}
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	// Uninit waits for in-flight callbacks, so it runs without s.mu.
	s.device.Uninit()
	s.end(nil)
	if s.dropped > 0 {
		s.ctx.log.Debug("malgo: capture closed", "dropped_chunks", s.dropped)
	}
	return nil
}

func (s *inputStream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.samples)
}
