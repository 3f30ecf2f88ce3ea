// Package gemini implements the transport.Dialer interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64-encoded PCM media chunks; model
// audio, text, interruptions and turn boundaries are surfaced as
// transport.Event values in the order the server sent them.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nullxes/luna/pkg/transport"
)

// Compile-time assertions that Dialer and conn satisfy the transport interfaces.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Conn = (*conn)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Kore"

	servicePath = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds one inbound message; audio turns can be large.
	readLimit = 16 << 20

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(baseURL string) Option {
	return func(d *Dialer) { d.baseURL = baseURL }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.log = l
		}
	}
}

// WithKeepalive overrides the WebSocket ping interval. Zero disables pings.
func WithKeepalive(interval time.Duration) Option {
	return func(d *Dialer) { d.keepalive = interval }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements transport.Dialer for the Gemini Live API.
type Dialer struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	keepalive  time.Duration
	log        *slog.Logger
}

// New creates a new Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		baseURL:   DefaultBaseURL,
		keepalive: keepaliveInterval,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens a Live session and sends the setup message. The returned Conn
// emits transport.EventOpened once the server acknowledges the setup.
func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	endpoint := fmt.Sprintf("%s/%s?key=%s", d.baseURL, servicePath, url.QueryEscape(d.apiKey))

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &transport.Error{Op: "dial", Err: err}
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		log:    d.log,
	}

	if err := c.writeJSON(ctx, newSetup(cfg)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, &transport.Error{Op: "setup", Err: err}
	}

	go c.receiveLoop()
	if d.keepalive > 0 {
		go c.keepaliveLoop(d.keepalive)
	}
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// newSetup builds the BidiGenerateContent setup for cfg, filling defaults.
func newSetup(cfg transport.Config) setupMessage {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%s, code %d)", msg, e.Status, e.Code)
	}
	return fmt.Sprintf("gemini: %s (code %d)", msg, e.Code)
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan transport.Event
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
	opened bool
	done   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and converts them to events.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// A locally closed connection ends silently.
			if c.ctx.Err() != nil {
				return
			}
			c.emit(closeEvent(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.emit(transport.Event{
				Kind: transport.EventError,
				Err:  &transport.Error{Op: "decode", Err: fmt.Errorf("gemini: malformed server message: %w", err)},
			})
			c.abort("malformed server message")
			return
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// closeEvent maps a read error to the terminal event. Normal closures and
// "going away" are orderly; anything else is a transport error.
func closeEvent(err error) transport.Event {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return transport.Event{Kind: transport.EventClosed, Reason: ce.Reason}
		}
	}
	return transport.Event{
		Kind: transport.EventError,
		Err:  &transport.Error{Op: "receive", Err: err},
	}
}

// handleServerMessage emits the events for msg and reports whether the
// receive loop should continue.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		c.emit(transport.Event{
			Kind: transport.EventError,
			Err:  &transport.Error{Op: "remote", Err: msg.Error},
		})
		c.abort("server error")
		return false
	}

	if msg.SetupComplete != nil {
		c.mu.Lock()
		first := !c.opened
		c.opened = true
		c.mu.Unlock()
		if first && !c.emit(transport.Event{Kind: transport.EventOpened}) {
			return false
		}
	}

	if msg.ServerContent != nil && !c.handleServerContent(msg.ServerContent) {
		return false
	}

	if msg.GoAway != nil {
		c.log.Info("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
	}
	return true
}

func (c *conn) handleServerContent(sc *serverContent) bool {
	// The remote has already discarded its generation: flush before any audio
	// that accompanies the notice.
	if sc.Interrupted && !c.emit(transport.Event{Kind: transport.EventInterrupted}) {
		return false
	}

	audioParts := 0
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				audioParts++
			}
		}
	}

	// Emit audio chunks and text parts in a single pass, preserving order.
	if sc.ModelTurn != nil {
		seen := 0
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				seen++
				if !c.emit(transport.Event{
					Kind:     transport.EventAudio,
					Audio:    p.InlineData.Data,
					MIMEType: p.InlineData.MIMEType,
					Final:    sc.TurnComplete && seen == audioParts,
				}) {
					return false
				}
			}
			if p.Text != "" {
				if !c.emit(transport.Event{Kind: transport.EventText, Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.TurnComplete {
		if !c.emit(transport.Event{Kind: transport.EventTurnComplete}) {
			return false
		}
	}
	return true
}

// emit delivers ev unless the connection was closed locally. It reports
// whether the event was delivered.
func (c *conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// abort closes the socket after a fatal inbound condition.
func (c *conn) abort(reason string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.ws.Close(websocket.StatusProtocolError, reason)
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				c.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── transport.Conn methods ─────────────────────────────────────────────────────

// SendRealtimeInput sends one media chunk as a realtimeInput message.
func (c *conn) SendRealtimeInput(ctx context.Context, in transport.RealtimeInput) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &transport.Error{Op: "send", Err: errors.New("gemini: connection closed")}
	}
	c.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: in.MediaChunk.MIMEType, Data: in.MediaChunk.Data},
			},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return &transport.Error{Op: "send", Err: err}
	}
	return nil
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan transport.Event { return c.events }

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel() // unblocks receiveLoop and keepaliveLoop
		close(c.done)
		c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
