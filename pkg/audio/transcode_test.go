package audio_test

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/nullxes/luna/pkg/audio"
)

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		samples []int16
	}{
		{"empty", []int16{}},
		{"nil", nil},
		{"single", []int16{42}},
		{"extremes", []int16{math.MinInt16, -1, 0, 1, math.MaxInt16}},
		{"frame", make([]int16, audio.DefaultFrameSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := audio.DecodePCM16(audio.EncodePCM16(tt.samples))
			if err != nil {
				t.Fatalf("DecodePCM16: %v", err)
			}
			if !slices.Equal(got, tt.samples) {
				t.Errorf("round-trip = %v, want %v", got, tt.samples)
			}
		})
	}
}

func TestBytesRoundTrip_Random(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(1, 2))
	for n := range 64 {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(r.UintN(256))
		}
		got, err := audio.DecodeBytes(audio.EncodeBytes(b))
		if err != nil {
			t.Fatalf("len %d: DecodeBytes: %v", n, err)
		}
		if !bytes.Equal(got, b) {
			t.Fatalf("len %d: round-trip = %v, want %v", n, got, b)
		}
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	t.Parallel()
	// 0x0102 little-endian is [0x02, 0x01]; base64 of that is "AgE=".
	if got, want := audio.EncodePCM16([]int16{0x0102}), "AgE="; got != want {
		t.Errorf("EncodePCM16 = %q, want %q", got, want)
	}
}

func TestDecodePCM16_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
	}{
		{"not base64", "!!!not base64!!!"},
		{"odd byte count", audio.EncodeBytes([]byte{1, 2, 3})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodePCM16(tt.in)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var fe *audio.FormatError
			if !errors.As(err, &fe) {
				t.Errorf("error %v is not a *FormatError", err)
			}
			if !audio.IsFormatError(err) {
				t.Error("IsFormatError = false, want true")
			}
		})
	}
}
