// Package transport defines the duplex channel between a voice session and a
// remote conversational model.
//
// A [Dialer] opens a [Conn]. Outbound audio travels as [RealtimeInput]
// messages; everything the remote says, plus the connection's own lifecycle,
// arrives as an ordered stream of [Event] values on [Conn.Events].
//
// The event stream contract every implementation honours:
//
//   - [EventOpened] is delivered once, before any content event.
//   - Content events ([EventAudio], [EventText], [EventInterrupted],
//     [EventTurnComplete]) preserve the order the remote sent them in.
//   - The stream ends with at most one terminal event ([EventClosed] or
//     [EventError]), after which the channel is closed. A locally initiated
//     [Conn.Close] closes the channel without a terminal event.
//
// All implementations must be safe for concurrent use.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nullxes/luna/pkg/audio"
)

// EventKind tags the variant carried by an [Event].
type EventKind int

const (
	// EventOpened reports that the remote accepted the session setup.
	EventOpened EventKind = iota + 1

	// EventAudio carries one transport-encoded chunk of synthesized speech.
	EventAudio

	// EventText carries a text part of the model's response.
	EventText

	// EventInterrupted reports that the remote discarded its in-flight turn.
	EventInterrupted

	// EventTurnComplete reports the end of a model turn.
	EventTurnComplete

	// EventClosed reports an orderly close initiated by the remote.
	EventClosed

	// EventError reports a fatal transport failure. The connection is unusable.
	EventError
)

// String implements [fmt.Stringer].
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventText:
		return "text"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Terminal reports whether k ends the event stream.
func (k EventKind) Terminal() bool {
	return k == EventClosed || k == EventError
}

// Event is one inbound message or lifecycle signal. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	// Audio is the base64 PCM16 chunk of an [EventAudio]. It is left encoded so
	// that a malformed chunk can be dropped by the consumer without failing the
	// connection.
	Audio string

	// MIMEType describes Audio, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Final marks the last audio chunk of a turn.
	Final bool

	// Text is the payload of an [EventText].
	Text string

	// Reason is the close reason of an [EventClosed].
	Reason string

	// Err is the cause of an [EventError]. It is always a [*Error].
	Err error
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// MIMEType16k is the media type of outbound microphone audio.
const MIMEType16k = "audio/pcm;rate=16000"

// MediaChunk is one transport-encoded unit of realtime media.
type MediaChunk struct {
	Data     string
	MIMEType string
}

// RealtimeInput is the abstract outbound message
// { realtimeInput: { mediaChunk: { data, mimeType } } }.
type RealtimeInput struct {
	MediaChunk MediaChunk
}

// AudioInput encodes frame as a realtime input message. The MIME type names
// the frame's sample rate.
func AudioInput(frame audio.Frame) RealtimeInput {
	mime := MIMEType16k
	if frame.SampleRate != audio.InputSampleRate && frame.SampleRate > 0 {
		mime = fmt.Sprintf("audio/pcm;rate=%d", frame.SampleRate)
	}
	return RealtimeInput{MediaChunk: MediaChunk{
		Data:     audio.EncodePCM16(frame.Samples),
		MIMEType: mime,
	}}
}

// ── Errors ────────────────────────────────────────────────────────────────────

// Error is a fatal transport failure: dial failure, abnormal mid-stream close,
// malformed inbound payload, or a failed send.
type Error struct {
	// Op names the failing operation: "dial", "setup", "send", "receive",
	// "decode" or "remote".
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is or wraps a [*Error].
func IsError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// ── Interfaces ────────────────────────────────────────────────────────────────

// Config is the per-session setup sent to the remote when a connection opens.
type Config struct {
	// Model is the remote model name without the "models/" prefix.
	Model string

	// Voice is the prebuilt voice name, e.g. "Kore". Empty keeps the remote
	// default.
	Voice string

	// SystemInstruction defines the assistant's persona. Empty sends none.
	SystemInstruction string

	// ResponseModalities lists the requested output modalities, e.g. "AUDIO".
	ResponseModalities []string
}

// Dialer opens connections to a remote model endpoint.
type Dialer interface {
	// Dial establishes a connection and sends the setup derived from cfg. The
	// connection is not usable for content until [EventOpened] arrives.
	// Failures are returned as [*Error]. The caller owns the Conn and must
	// call Close.
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// Conn is an open duplex connection.
type Conn interface {
	// SendRealtimeInput sends one realtime input message. Messages are
	// delivered in call order. A failure is returned as [*Error] and leaves
	// the connection unusable.
	SendRealtimeInput(ctx context.Context, in RealtimeInput) error

	// Events returns the inbound event stream. See the package documentation
	// for its ordering contract.
	Events() <-chan Event

	// Close terminates the connection. Idempotent.
	Close() error
}
