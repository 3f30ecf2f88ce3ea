package malgo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/nullxes/luna/pkg/audio"
)

var errOutputClosed = errors.New("malgo: output closed")

var (
	_ audio.OutputDevice = (*Output)(nil)
	_ audio.Voice        = (*voice)(nil)
)

// Output is the default playback device. Buffers are mixed in software on
// the device thread; the clock counts rendered frames.
type Output struct {
	ctx    *Context
	format audio.Format
	log    *slog.Logger

	startMu sync.Mutex // serialises device start and Close
	device  *ma.Device

	mu      sync.Mutex
	mix     mixer
	closed  bool
	scratch []float32
}

// Output returns the default speaker in format. Nothing is opened until the
// first buffer is scheduled.
func (c *Context) Output(format audio.Format) *Output {
	log := slog.Default()
	if c.log != nil {
		log = c.log
	}
	return &Output{
		ctx:    c,
		format: format,
		log:    log,
		mix:    mixer{channels: format.Channels},
	}
}

func (o *Output) Format() audio.Format { return o.format }

func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.framesToDuration(o.mix.rendered)
}

// Schedule places buf on the timeline at device time at, or at the clock if
// at has passed. The buffer must already be in the device format.
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, done func()) (audio.Voice, error) {
	if buf.SampleRate != o.format.SampleRate || buf.Channels != o.format.Channels {
		return nil, &audio.DeviceError{
			Op:  "schedule",
			Err: fmt.Errorf("buffer format %s does not match device format %s", audio.Format{SampleRate: buf.SampleRate, Channels: buf.Channels}, o.format),
		}
	}
	if err := o.ensureStarted(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, &audio.DeviceError{Op: "schedule", Err: errOutputClosed}
	}
	v := &voice{
		out:     o,
		samples: buf.Samples,
		start:   max(o.durationToFrames(at), o.mix.rendered),
		frames:  int64(buf.Len()),
		done:    done,
	}
	o.mix.voices = append(o.mix.voices, v)
	return v, nil
}

// ensureStarted opens and starts the playback device on first use.
func (o *Output) ensureStarted() error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return &audio.DeviceError{Op: "schedule", Err: errOutputClosed}
	}
	if o.device != nil {
		return nil
	}
	if o.ctx == nil || o.ctx.ctx == nil {
		return &audio.DeviceError{Op: "start playback", Err: errors.New("audio context closed")}
	}

	cfg := ma.DefaultDeviceConfig(ma.Playback)
	cfg.Playback.Format = ma.FormatF32
	cfg.Playback.Channels = uint32(o.format.Channels)
	cfg.SampleRate = uint32(o.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMillis

	dev, err := ma.InitDevice(o.ctx.ctx.Context, cfg, ma.DeviceCallbacks{Data: o.onData})
	if err != nil {
		return &audio.DeviceError{Op: "open playback", Err: err}
	}
	// Start may render the first period synchronously; onData only takes mu.
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return &audio.DeviceError{Op: "start playback", Err: err}
	}
	o.device = dev
	o.log.Debug("malgo: playback started", "format", o.format)
	return nil
}

// onData runs on the device thread.
func (o *Output) onData(out, _ []byte, frames uint32) {
	n := int(frames)
	o.mu.Lock()
	if need := n * o.format.Channels; cap(o.scratch) < need {
		o.scratch = make([]float32, need)
	}
	buf := o.scratch[:n*o.format.Channels]
	finished := o.mix.render(buf, n)
	putFloat32s(out, buf)
	o.mu.Unlock()

	for _, v := range finished {
		if v.done != nil {
			v.done()
		}
	}
}

// Close stops all voices and releases the device. Completion callbacks of
// stopped voices never fire.
func (o *Output) Close() error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.mu.Lock()
	o.closed = true
	for _, v := range o.mix.voices {
		v.stopped = true
	}
	o.mix.voices = nil
	o.mu.Unlock()

	if o.device != nil {
		o.device.Uninit()
		o.device = nil
	}
	return nil
}

func (o *Output) framesToDuration(frames int64) time.Duration {
	if o.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(o.format.SampleRate))
}

func (o *Output) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	// Round to the nearest frame so that back-to-back buffers whose
	// durations were truncated to nanoseconds stay adjacent.
	return (int64(d)*int64(o.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}
