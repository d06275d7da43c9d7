package audio

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"
)

// Default stream parameters. Capture runs at 16 kHz mono, model speech comes
// back at 24 kHz mono.
const (
	DefaultInputRate   = 16000
	DefaultOutputRate  = 24000
	DefaultBlockFrames = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate reports an error if f cannot describe a PCM stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	return nil
}

// FramesIn returns the number of sample frames that fit in d at f's rate.
func (f Format) FramesIn(d time.Duration) int64 {
	return int64(d) * int64(f.SampleRate) / int64(time.Second)
}

// DurationOf returns the wall-clock length of n sample frames at f's rate.
func (f Format) DurationOf(frames int64) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// AudioFrame is an immutable block of interleaved signed 16-bit samples.
// Ownership passes from the producer to the single consumer that schedules
// or transmits it; neither side mutates Samples afterwards.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Format returns the frame's stream format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Frames returns the number of sample frames (samples per channel).
func (f AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().DurationOf(int64(f.Frames()))
}

// MediaChunk is the unit exchanged with a transport: raw little-endian PCM
// bytes plus a MIME tag such as "audio/pcm;rate=16000".
type MediaChunk struct {
	Data     []byte
	MIMEType string
}

// PCMMIMEType returns the MIME tag for 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMRate extracts the sample rate from a PCM MIME tag. When the tag is
// empty or carries no rate parameter, fallback is returned.
func ParsePCMRate(mimeType string, fallback int) (int, error) {
	if strings.TrimSpace(mimeType) == "" {
		return fallback, nil
	}
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, fmt.Errorf("%w: mime %q: %v", ErrUnsupportedFormat, mimeType, err)
	}
	if mediaType != "audio/pcm" && mediaType != "audio/l16" {
		return 0, fmt.Errorf("%w: media type %q", ErrUnsupportedFormat, mediaType)
	}
	raw, ok := params["rate"]
	if !ok {
		return fallback, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: rate %q", ErrUnsupportedFormat, raw)
	}
	return rate, nil
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
