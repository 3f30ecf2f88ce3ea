package malgo

import (
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/nullxes/luna/pkg/audio"
)

func constant(v float32, frames, channels int) []float32 {
	s := make([]float32, frames*channels)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestMixer_PlacesVoiceAtStart(t *testing.T) {
	t.Parallel()
	m := &mixer{channels: 1}
	m.voices = append(m.voices, &voice{samples: constant(0.5, 4, 1), start: 2, frames: 4})

	dst := make([]float32, 4)
	if done := m.render(dst, 4); len(done) != 0 {
		t.Fatalf("finished early: %d voices", len(done))
	}
	if want := []float32{0, 0, 0.5, 0.5}; !slices.Equal(dst, want) {
		t.Errorf("period 1 = %v, want %v", dst, want)
	}

	done := m.render(dst, 4)
	if want := []float32{0.5, 0.5, 0, 0}; !slices.Equal(dst, want) {
		t.Errorf("period 2 = %v, want %v", dst, want)
	}
	if len(done) != 1 {
		t.Errorf("finished = %d, want 1", len(done))
	}
	if m.rendered != 8 || len(m.voices) != 0 {
		t.Errorf("rendered = %d voices = %d", m.rendered, len(m.voices))
	}
}

func TestMixer_AdjacentVoicesAreGapless(t *testing.T) {
	t.Parallel()
	m := &mixer{channels: 1}
	m.voices = append(m.voices,
		&voice{samples: constant(0.25, 3, 1), start: 0, frames: 3},
		&voice{samples: constant(0.75, 3, 1), start: 3, frames: 3},
	)
	dst := make([]float32, 6)
	done := m.render(dst, 6)
	if want := []float32{0.25, 0.25, 0.25, 0.75, 0.75, 0.75}; !slices.Equal(dst, want) {
		t.Errorf("output = %v, want %v", dst, want)
	}
	if len(done) != 2 {
		t.Errorf("finished = %d, want 2", len(done))
	}
}

func TestMixer_SumsAndClamps(t *testing.T) {
	t.Parallel()
	m := &mixer{channels: 2}
	m.voices = append(m.voices,
		&voice{samples: constant(0.75, 2, 2), start: 0, frames: 2},
		&voice{samples: constant(0.75, 2, 2), start: 0, frames: 2},
		&voice{samples: constant(-0.25, 1, 2), start: 1, frames: 1},
	)
	dst := make([]float32, 4)
	m.render(dst, 2)
	if want := []float32{1, 1, 1, 1}; !slices.Equal(dst, want) {
		t.Errorf("output = %v, want %v", dst, want)
	}
}

func TestMixer_StoppedVoiceSilentAndUnreported(t *testing.T) {
	t.Parallel()
	m := &mixer{channels: 1}
	v := &voice{samples: constant(0.5, 2, 1), start: 0, frames: 2}
	m.voices = append(m.voices, v)
	v.stopped = true

	dst := make([]float32, 4)
	if done := m.render(dst, 4); len(done) != 0 {
		t.Errorf("stopped voice reported as finished")
	}
	if !slices.Equal(dst, make([]float32, 4)) {
		t.Errorf("output = %v, want silence", dst)
	}
	if len(m.voices) != 0 {
		t.Error("stopped voice should be discarded")
	}
}

func TestSamples_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []float32{0, 1, -1, 0.5, float32(math.SmallestNonzeroFloat32)}
	b := make([]byte, len(in)*4+4)
	for i := range b {
		b[i] = 0xff
	}
	putFloat32s(b, in)
	if tail := b[len(in)*4:]; !slices.Equal(tail, []byte{0, 0, 0, 0}) {
		t.Errorf("remainder not zeroed: %v", tail)
	}
	if got := float32sFromBytes(b[:len(in)*4]); !slices.Equal(got, in) {
		t.Errorf("round trip = %v, want %v", got, in)
	}
}

func TestOutput_ClockBeforeStart(t *testing.T) {
	t.Parallel()
	o := (&Context{}).Output(audio.Format{SampleRate: 24000, Channels: 1})
	if got := o.Now(); got != 0 {
		t.Errorf("Now = %v, want 0", got)
	}
	if got := o.durationToFrames(170666666 * time.Nanosecond); got != 4096 {
		t.Errorf("durationToFrames rounds to %d, want 4096", got)
	}
	if got := o.framesToDuration(24000); got != time.Second {
		t.Errorf("framesToDuration = %v, want 1s", got)
	}
}

func TestOutput_ScheduleRejectsWrongFormat(t *testing.T) {
	t.Parallel()
	o := (&Context{}).Output(audio.Format{SampleRate: 24000, Channels: 1})
	_, err := o.Schedule(audio.Buffer{Samples: make([]float32, 4), SampleRate: 16000, Channels: 1}, 0, nil)
	if !audio.IsDeviceError(err) {
		t.Errorf("Schedule = %v, want *audio.DeviceError", err)
	}
}

func TestOutput_ScheduleAfterClose(t *testing.T) {
	t.Parallel()
	o := (&Context{}).Output(audio.Format{SampleRate: 24000, Channels: 1})
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := o.Schedule(audio.Buffer{Samples: make([]float32, 4), SampleRate: 24000, Channels: 1}, 0, nil)
	if !errors.Is(err, errOutputClosed) {
		t.Errorf("Schedule = %v, want errOutputClosed", err)
	}
}

func TestCapture_OpenWithoutContext(t *testing.T) {
	t.Parallel()
	_, err := (&Context{}).Capture().Open(t.Context(), audio.Format{SampleRate: 16000, Channels: 1})
	if !audio.IsDeviceError(err) {
		t.Errorf("Open = %v, want *audio.DeviceError", err)
	}
}
