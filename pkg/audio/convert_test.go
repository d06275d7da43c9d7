package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/parley/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	assert.Equal(t, pcm, out)
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16 kHz -> 4 samples at 32 kHz.
	pcm := samplesToBytes([]int16{0, 300})
	out := bytesToSamples(audio.ResampleMono16(pcm, 16000, 32000))
	// The last source sample has no right neighbour, so its value is held.
	assert.Equal(t, []int16{0, 150, 300, 300}, out)
}

func TestResampleMono16_Downsample(t *testing.T) {
	pcm := samplesToBytes([]int16{10, 20, 30, 40, 50, 60})
	out := bytesToSamples(audio.ResampleMono16(pcm, 24000, 16000))
	require.Len(t, out, 4)
	assert.Equal(t, int16(10), out[0])
}

func TestResampleMono16_InvalidRates(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2})
	assert.Equal(t, pcm, audio.ResampleMono16(pcm, 0, 16000))
	assert.Equal(t, pcm, audio.ResampleMono16(pcm, 16000, -1))
}

func TestResampleMono16_IgnoresTrailingByte(t *testing.T) {
	pcm := append(samplesToBytes([]int16{-200}), 0x7f)
	out := bytesToSamples(audio.ResampleMono16(pcm, 16000, 32000))
	assert.Equal(t, []int16{-200, -200}, out)
}

func TestResampleChunk_Retags(t *testing.T) {
	in := audio.MediaChunk{Data: samplesToBytes([]int16{0, 300}), MIMEType: audio.PCMMIMEType(16000)}

	same := audio.ResampleChunk(in, 16000, 16000)
	assert.Equal(t, in, same)

	up := audio.ResampleChunk(in, 16000, 24000)
	assert.Equal(t, "audio/pcm;rate=24000", up.MIMEType)
	assert.Len(t, up.Data, 6)
}
