package audio

import (
	"fmt"
	"time"
)

// Conventional sample rates. Outbound microphone audio and inbound synthesised
// speech are independent streams and never share a rate by accident.
const (
	// InputSampleRate is the rate of frames captured from the microphone.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of speech frames received from the remote.
	OutputSampleRate = 24000

	// DefaultFrameSize is the number of samples per outbound capture frame.
	DefaultFrameSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is a fixed-length run of 16-bit signed PCM samples. Samples are
// interleaved when Channels > 1. A Frame is immutable once produced: holders
// must not modify Samples.
type Frame struct {
	// Samples holds the interleaved PCM values.
	Samples []int16

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is 1 for mono.
	Channels int
}

// Format returns the frame's stream format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Len returns the number of sample frames (samples per channel).
func (f Frame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns how long the frame plays at its sample rate.
func (f Frame) Duration() time.Duration {
	return samplesDuration(f.Len(), f.SampleRate)
}

// Buffer is a decoded, playable audio buffer: float32 samples in [-1, 1],
// interleaved per channel. It is what an [OutputDevice] schedules.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Len returns the number of sample frames (samples per channel).
func (b Buffer) Len() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns how long the buffer plays at its sample rate.
func (b Buffer) Duration() time.Duration {
	return samplesDuration(b.Len(), b.SampleRate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
