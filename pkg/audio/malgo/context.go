// Package malgo implements the audio device interfaces on top of miniaudio
// through github.com/gen2brain/malgo.
//
// A single [Context] is created per process. [Context.Capture] opens
// microphone streams on demand; [Context.Output] returns a software-mixed
// playback device with a sample-accurate clock. The playback device is
// started lazily on the first scheduled buffer, so the clock stays at zero
// until something is played.
package malgo

import (
	"log/slog"

	ma "github.com/gen2brain/malgo"

	"github.com/nullxes/luna/pkg/audio"
)

// periodMillis is the device callback period for both directions.
const periodMillis = 20

// Context owns the miniaudio context shared by all devices.
type Context struct {
	ctx *ma.AllocatedContext
	log *slog.Logger
}

// Option configures a [Context].
type Option func(*Context)

// WithLogger sets the logger used by the context and its devices.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// NewContext initialises miniaudio with realtime callback priority.
func NewContext(opts ...Option) (*Context, error) {
	c := &Context{log: slog.Default()}
	for _, o := range opts {
		o(c)
	}

	cfg := ma.ContextConfig{}
	cfg.ThreadPriority = ma.ThreadPriorityRealtime
	mctx, err := ma.InitContext(nil, cfg, func(msg string) {
		c.log.Debug("malgo: " + msg)
	})
	if err != nil {
		return nil, &audio.DeviceError{Op: "init audio context", Err: err}
	}
	c.ctx = mctx
	return c, nil
}

// Close releases the miniaudio context. Devices must be closed first.
func (c *Context) Close() error {
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	if err != nil {
		return &audio.DeviceError{Op: "close audio context", Err: err}
	}
	return nil
}
