package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultScale maps normalised float samples onto the int16 range.
const DefaultScale = 32768

var (
	// ErrMisalignedBuffer is returned when a 16-bit PCM buffer has a byte
	// count that is not a whole number of sample frames.
	ErrMisalignedBuffer = errors.New("audio: misaligned pcm buffer")

	// ErrUnsupportedFormat is returned for sample rates, channel counts or
	// MIME tags that cannot be decoded.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
)

// SamplesToInt16 converts normalised float samples to little-endian int16
// bytes by multiplying each sample by scale. Values are not clamped: a
// sample of exactly 1.0 at scale 32768 wraps to -32768, matching plain
// fixed-point truncation.
func SamplesToInt16(samples []float32, scale float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(s * scale))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Int16ToSamples decodes interleaved little-endian int16 PCM into one float
// slice per channel, dividing every sample by 32768.
func Int16ToSamples(pcm []byte, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
	}
	if len(pcm)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d channels", ErrMisalignedBuffer, len(pcm), channels)
	}
	frames := len(pcm) / (2 * channels)
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			out[c][i] = float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768.0
		}
	}
	return out, nil
}

// DecodeFrame wraps little-endian int16 PCM into an [AudioFrame].
func DecodeFrame(pcm []byte, rate, channels int) (AudioFrame, error) {
	if err := (Format{SampleRate: rate, Channels: channels}).Validate(); err != nil {
		return AudioFrame{}, err
	}
	if len(pcm)%(2*channels) != 0 {
		return AudioFrame{}, fmt.Errorf("%w: %d bytes for %d channels", ErrMisalignedBuffer, len(pcm), channels)
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return AudioFrame{Samples: samples, SampleRate: rate, Channels: channels}, nil
}

// EncodeTransportSafe encodes raw bytes as standard padded base64.
func EncodeTransportSafe(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTransportSafe reverses [EncodeTransportSafe].
func DecodeTransportSafe(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport payload: %w", err)
	}
	return b, nil
}
