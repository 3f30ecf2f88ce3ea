package audio_test

import (
	"slices"
	"testing"

	"github.com/nullxes/luna/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	got := audio.MonoToStereo([]int16{100, 200, 300})
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("MonoToStereo = %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	got := audio.StereoToMono([]int16{100, 200, -100, -200})
	want := []int16{150, -150}
	if !slices.Equal(got, want) {
		t.Errorf("StereoToMono = %v, want %v", got, want)
	}
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	got := audio.StereoToMono([]int16{32767, 32767, -32768, -32768})
	want := []int16{32767, -32768}
	if !slices.Equal(got, want) {
		t.Errorf("StereoToMono = %v, want %v", got, want)
	}
}

func TestFloat32ToPCM16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"full scale positive clamps", 1.0, 32767},
		{"full scale negative", -1.0, -32768},
		{"over range clamps", 1.7, 32767},
		{"under range clamps", -3, -32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]int16, 1)
			audio.Float32ToPCM16(dst, []float32{tt.in})
			if dst[0] != tt.want {
				t.Errorf("Float32ToPCM16(%v) = %d, want %d", tt.in, dst[0], tt.want)
			}
		})
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	got := audio.PCM16ToFloat32([]int16{0, 16384, -32768})
	want := []float32{0, 0.5, -1}
	if !slices.Equal(got, want) {
		t.Errorf("PCM16ToFloat32 = %v, want %v", got, want)
	}
}

func TestResample16_SameRateIsIdentity(t *testing.T) {
	in := []int16{1, 2, 3, 4}
	got := audio.Resample16(in, 1, 16000, 16000)
	if !slices.Equal(got, in) {
		t.Errorf("Resample16 same rate = %v, want %v", got, in)
	}
}

func TestResample16_Upsample(t *testing.T) {
	// 16 kHz → 24 kHz: 4 frames become 6.
	in := []int16{0, 300, 600, 900}
	got := audio.Resample16(in, 1, 16000, 24000)
	if len(got) != 6 {
		t.Fatalf("len = %d, want 6", len(got))
	}
	if got[0] != 0 {
		t.Errorf("first sample = %d, want 0", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Errorf("sample %d = %d decreased from %d; ramp should stay monotonic", i, got[i], got[i-1])
		}
	}
}

func TestResample16_Downsample(t *testing.T) {
	in := make([]int16, 2400) // 100 ms at 24 kHz
	got := audio.Resample16(in, 1, 24000, 16000)
	if len(got) != 1600 {
		t.Errorf("len = %d, want 1600", len(got))
	}
}

func TestResample16_StereoKeepsChannelsApart(t *testing.T) {
	// L is constant 1000, R is constant -1000.
	in := []int16{1000, -1000, 1000, -1000, 1000, -1000, 1000, -1000}
	got := audio.Resample16(in, 2, 16000, 8000)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i := 0; i < len(got); i += 2 {
		if got[i] != 1000 || got[i+1] != -1000 {
			t.Errorf("frame %d = (%d, %d), want (1000, -1000)", i/2, got[i], got[i+1])
		}
	}
}

func TestFormatConverter_FastPath(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	in := audio.Frame{Samples: []int16{1, 2, 3}, SampleRate: 24000, Channels: 1}
	out := conv.Convert(in)
	if &out.Samples[0] != &in.Samples[0] {
		t.Error("matching format should return the frame unchanged")
	}
}

func TestFormatConverter_RateAndChannels(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.Frame{
		Samples:    make([]int16, 48000*2/10), // 100 ms stereo at 48 kHz
		SampleRate: 48000,
		Channels:   2,
	}
	out := conv.Convert(in)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %v, want 16000Hz mono", out.Format())
	}
	if out.Len() != 1600 {
		t.Errorf("Len = %d, want 1600", out.Len())
	}
}

func TestFrameDuration(t *testing.T) {
	f := audio.Frame{Samples: make([]int16, 12000), SampleRate: 24000, Channels: 1}
	if got, want := f.Duration().Seconds(), 0.5; got != want {
		t.Errorf("Duration = %vs, want %vs", got, want)
	}
	if got := (audio.Frame{}).Duration(); got != 0 {
		t.Errorf("zero frame Duration = %v, want 0", got)
	}
}
