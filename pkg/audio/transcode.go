package audio

import (
	"encoding/base64"
	"encoding/binary"
)

// EncodeBytes renders raw bytes as transport-safe text (standard base64).
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBytes reverses [EncodeBytes]. Malformed input yields a [FormatError].
// The empty string decodes to an empty, non-nil slice.
func DecodeBytes(text string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &FormatError{Reason: "invalid base64", Err: err}
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// EncodePCM16 serialises samples as 16-bit little-endian PCM and encodes the
// bytes with [EncodeBytes].
func EncodePCM16(samples []int16) string {
	return EncodeBytes(SamplesToBytes(samples))
}

// DecodePCM16 decodes transport text produced by [EncodePCM16]. It fails with
// a [FormatError] on malformed base64 or when the payload is not a whole
// number of samples.
func DecodePCM16(text string) ([]int16, error) {
	b, err := DecodeBytes(text)
	if err != nil {
		return nil, err
	}
	if len(b)%2 != 0 {
		return nil, &FormatError{Reason: "odd byte count in PCM16 payload"}
	}
	return BytesToSamples(b), nil
}

// SamplesToBytes serialises samples as little-endian int16 PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples parses little-endian int16 PCM. A trailing odd byte is
// ignored; use [DecodePCM16] when that must be an error.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
