// Package audio defines the audio data model, the PCM codec, and the device
// interfaces that connect a live session to a sound card.
//
// The two device abstractions are:
//
//   - [CaptureDevice] delivers fixed-size blocks of mono float samples from
//     a microphone on a real-time callback.
//   - [PlaybackDevice] pulls interleaved float samples from a render
//     callback at a fixed output rate.
//
// Both are opened through a [Devices] implementation. Opening acquires the
// hardware; Start begins the callbacks. Implementations live in
// platform-specific packages (e.g., audio/local) and tests use audio/mock.
//
// This package lives under pkg/ because external code is expected to
// implement [Devices] for other audio stacks.
package audio

// CaptureDevice is an opened microphone stream.
//
// The onBlock callback runs on the device's real-time thread. The samples
// slice is only valid for the duration of the call; implementations may
// reuse it. Callers must return quickly and never block inside onBlock.
type CaptureDevice interface {
	// Start begins delivering blocks to onBlock. Start may be called once.
	Start(onBlock func(samples []float32)) error

	// Close stops the stream and releases the device. Safe to call more than
	// once and before Start.
	Close() error
}

// PlaybackDevice is an opened output stream.
//
// The render callback runs on the device's real-time thread and must fill
// out completely with interleaved samples in the device format. Whatever the
// callback does not write is expected to be silence (zero).
type PlaybackDevice interface {
	// Start begins pulling audio from render. Start may be called once.
	Start(render func(out []float32)) error

	// Close stops playback and releases the device. Safe to call more than
	// once and before Start.
	Close() error
}

// Devices acquires capture and playback streams.
//
// Implementations must be safe for concurrent use.
type Devices interface {
	// OpenCapture acquires an input device producing blocks of blockFrames
	// frames in format f. It fails synchronously when the device cannot be
	// acquired (missing hardware, permission denied, unsupported format).
	OpenCapture(f Format, blockFrames int) (CaptureDevice, error)

	// OpenPlayback acquires an output device consuming format f.
	OpenPlayback(f Format) (PlaybackDevice, error)
}
