// Package audio provides the PCM utilities shared by the live recitation
// pipeline: frame and format types, sample-rate and channel conversion,
// WAV encoding for batch transcription uploads, RMS energy measurement for
// silence gating, and an Opus decoder for compressed client audio.
//
// All PCM data is 16-bit signed little-endian. Recitation clients usually
// capture at 44.1 or 48 kHz; speech-to-text providers want 16 kHz mono, so
// most frames pass through a FormatConverter on their way to the provider.
package audio

import (
	"fmt"
	"time"
)

// BitsPerSample is the bit depth of all PCM handled by this package.
const BitsPerSample = 16

// Frame is a single chunk of PCM audio flowing from a recitation client
// toward a speech-to-text provider.
type Frame struct {
	// Data holds raw 16-bit signed little-endian PCM samples, interleaved
	// when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Opus decode output, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono microphone capture, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format as it appears in log lines, e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}
