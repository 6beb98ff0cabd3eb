package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs is the largest frame duration the Opus codec can produce.
// Decode buffers are sized for it so any legal packet fits.
const maxOpusFrameMs = 60

// OpusDecoder decodes a stream of Opus packets into 16-bit PCM. Each client
// stream gets its own decoder so the codec state carries correctly across
// consecutive packets. Not safe for concurrent use.
type OpusDecoder struct {
	dec        *gopus.Decoder
	channels   int
	frameSize  int
	sampleRate int
}

// NewOpusDecoder creates a decoder for the given output format. Opus supports
// sample rates of 8, 12, 16, 24, and 48 kHz and 1 or 2 channels; recitation
// clients typically send 48 kHz mono.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		channels:   channels,
		frameSize:  sampleRate * maxOpusFrameMs / 1000,
		sampleRate: sampleRate,
	}, nil
}

// Decode decodes one Opus packet into interleaved PCM int16 samples and
// returns the result as little-endian bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Format returns the PCM format the decoder produces.
func (d *OpusDecoder) Format() Format {
	return Format{SampleRate: d.sampleRate, Channels: d.channels}
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
