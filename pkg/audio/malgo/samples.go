package malgo

import (
	"encoding/binary"
	"math"
)

// float32sFromBytes decodes native f32 little-endian device samples.
func float32sFromBytes(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// putFloat32s encodes src into dst as f32 little-endian. dst must hold
// len(src)*4 bytes; any remainder is zeroed.
func putFloat32s(dst []byte, src []float32) {
	n := min(len(src), len(dst)/4)
	for i := range n {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(src[i]))
	}
	clear(dst[n*4:])
}
