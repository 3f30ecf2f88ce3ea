// Package app wires the Luna subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the voice session and
// the operational HTTP server, Run serves until the context is cancelled,
// and Shutdown ends any active call and releases the devices in order.
//
// For testing, inject doubles via functional options (WithDevices,
// WithDialer, WithListener, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nullxes/luna/internal/config"
	"github.com/nullxes/luna/internal/health"
	"github.com/nullxes/luna/internal/observe"
	"github.com/nullxes/luna/internal/session"
	"github.com/nullxes/luna/pkg/audio"
	"github.com/nullxes/luna/pkg/transport"
	"github.com/nullxes/luna/pkg/transport/gemini"
)

// serverShutdownTimeout bounds the graceful stop of the HTTP server.
const serverShutdownTimeout = 5 * time.Second

// Devices holds the process-scoped audio endpoints.
type Devices struct {
	Mic    audio.CaptureDevice
	Output audio.OutputDevice
}

// App owns all subsystem lifetimes.
type App struct {
	cfg         *config.Config
	log         *slog.Logger
	level       *slog.LevelVar
	devices     Devices
	dialer      transport.Dialer
	metrics     *observe.Metrics
	gatherer    prometheus.Gatherer
	listener    net.Listener
	callbacks   session.Callbacks
	autoConnect bool

	session *session.Session
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices sets the microphone and speaker. Required.
func WithDevices(d Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithDialer injects a transport dialer instead of the Gemini Live client.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served on /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the App the level variable behind its logger so that
// reloaded log levels take effect immediately.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithCallbacks registers caller callbacks that run after the App's own
// logging for each session notification.
func WithCallbacks(cb session.Callbacks) Option {
	return func(a *App) { a.callbacks = cb }
}

// WithAutoConnect makes Run start a call as soon as it begins serving.
func WithAutoConnect(on bool) Option {
	return func(a *App) { a.autoConnect = on }
}

// WithCloser appends fn to the closers run by Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It does not touch the network or the
// microphone; that happens in Run and on Connect.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.devices.Mic == nil || a.devices.Output == nil {
		return nil, errors.New("app: microphone and output devices are required")
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.dialer == nil {
		a.dialer = a.newGeminiDialer()
	}

	a.session = session.New(session.Config{
		Mic:         a.devices.Mic,
		Output:      a.devices.Output,
		Dialer:      a.dialer,
		Live:        cfg.Live.Transport(),
		InputFormat: audio.Format{SampleRate: cfg.Audio.InputSampleRate, Channels: 1},
		FrameSize:   cfg.Audio.FrameSize,
		Callbacks:   a.sessionCallbacks(),
		Logger:      a.log,
		Metrics:     a.metrics,
	})

	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics, a.log)(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func (a *App) newGeminiDialer() *gemini.Dialer {
	opts := []gemini.Option{gemini.WithLogger(a.log)}
	if a.cfg.Live.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(a.cfg.Live.BaseURL))
	}
	return gemini.New(a.cfg.Live.APIKey, opts...)
}

// routes builds the operational endpoints: health checks and metrics.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "session", Check: func(context.Context) error {
			if a.session.State() == session.StateErrored {
				return errors.New("last call failed")
			}
			return nil
		}},
	).WithDetails(
		health.Detail{Name: "session_state", Value: func() string { return string(a.session.State()) }},
		health.Detail{Name: "call_id", Value: a.session.CallID},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// sessionCallbacks logs every session notification, then forwards it to the
// caller callbacks.
func (a *App) sessionCallbacks() session.Callbacks {
	user := a.callbacks
	return session.Callbacks{
		OnOpen: func() {
			a.log.Info("app: call open", "call_id", a.session.CallID())
			if user.OnOpen != nil {
				user.OnOpen()
			}
		},
		OnMessage: func(m session.Message) {
			switch {
			case m.Interrupted:
				a.log.Debug("app: model interrupted")
			case m.Text != "":
				a.log.Info("app: model text", "text", m.Text)
			}
			if user.OnMessage != nil {
				user.OnMessage(m)
			}
		},
		OnAudioPlaybackStart: func() {
			a.log.Debug("app: speaking")
			if user.OnAudioPlaybackStart != nil {
				user.OnAudioPlaybackStart()
			}
		},
		OnAudioPlaybackEnd: func() {
			a.log.Debug("app: listening")
			if user.OnAudioPlaybackEnd != nil {
				user.OnAudioPlaybackEnd()
			}
		},
		OnTurnComplete: func() {
			if user.OnTurnComplete != nil {
				user.OnTurnComplete()
			}
		},
		OnClose: func() {
			a.log.Info("app: call ended", "state", a.session.State())
			if user.OnClose != nil {
				user.OnClose()
			}
		},
		OnError: func(err error) {
			a.log.Error("app: call failed", "err", err)
			if user.OnError != nil {
				user.OnError(err)
			}
		},
	}
}

// Session returns the voice session.
func (a *App) Session() *session.Session { return a.session }

// Handler returns the operational HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the operational endpoints until ctx is cancelled and, with
// [WithAutoConnect], starts a call. A failed call does not stop Run; it is
// reported through the session callbacks and /readyz.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("app: serving", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	if a.autoConnect {
		g.Go(func() error {
			if err := a.session.Connect(gctx); err != nil {
				a.log.Warn("app: connect failed", "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies a reloaded config. It is shaped to be passed to
// [config.NewWatcher]. Live settings reach the next call; settings read only
// at startup are logged.
func (a *App) ApplyConfig(_, new *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Slog())
		a.log.Info("app: log level changed", "level", diff.NewLogLevel)
	}
	if diff.LiveChanged {
		a.session.SetLive(new.Live.Transport())
		a.log.Info("app: live settings apply on the next call", "changed", diff.Fields)
	}
	if diff.RestartRequired {
		a.log.Warn("app: some changes take effect only after a restart", "changed", diff.Fields)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any active call and runs the closers in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))

		if err := a.session.Disconnect(ctx); err != nil {
			a.log.Warn("app: disconnect error", "err", err)
		}
		if err := a.session.Wait(ctx); err != nil {
			a.log.Warn("app: call callbacks still running", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}

		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}
