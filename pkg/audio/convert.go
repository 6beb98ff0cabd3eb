package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter reshapes Frames into a target format. Build one per
// stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnBadPCM   sync.Once
}

// Convert returns frame in the target format. A frame already in the
// target format passes through untouched. Frames whose byte count is not a
// whole number of 16-bit samples are replaced by an empty frame; the first
// such frame and the first format mismatch are each logged once.
//
// Channel layouts beyond mono and stereo are resampled but keep their
// channel count.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if len(frame.Data)%2 != 0 {
		c.warnBadPCM.Do(func() {
			slog.Warn("audio convert: pcm not sample aligned, dropping frame",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels},
			)
		})
		return Frame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnMismatch.Do(func() {
		slog.Warn("audio convert: format mismatch, converting",
			"from", Format{frame.SampleRate, frame.Channels},
			"to", c.Target,
		)
	})

	pcm := frame.Data
	channels := frame.Channels

	// Order the steps so the resampler sees the fewest samples: downmix
	// before resampling, upmix after.
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	pcm = Resample16(pcm, channels, frame.SampleRate, c.Target.SampleRate)
	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}

	return Frame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// Resample16 converts 16-bit interleaved PCM between sample rates by
// linear interpolation, preserving the channel count. The input is
// returned unchanged when the rates already match or either rate is
// non-positive.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels < 1 {
		channels = 1
	}
	stride := 2 * channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < stride {
		return pcm
	}
	srcFrames := len(pcm) / stride
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		// Hold the last source frame at the tail.
		next := j + 1
		if next >= srcFrames {
			next = j
		}
		for ch := range channels {
			s0 := float64(sample16(pcm, j*channels+ch))
			s1 := float64(sample16(pcm, next*channels+ch))
			putSample16(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// MonoToStereo duplicates every mono sample into a left and right pair.
func MonoToStereo(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples*4)
	for i := range samples {
		s := sample16(pcm, i)
		putSample16(out, 2*i, s)
		putSample16(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each left and right pair into one mono sample. The
// mean of two int16 samples cannot overflow int16.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sample16(pcm, 2*i))
		r := int32(sample16(pcm, 2*i+1))
		putSample16(out, i, int16((l+r)/2))
	}
	return out
}

// PCMToFloat32Mono converts 16-bit little-endian PCM to the normalized
// mono float32 layout whisper.cpp consumes, averaging interleaved channels
// down to one. A trailing partial frame is dropped.
func PCMToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += float32(sample16(pcm, i*channels+ch)) / 32768
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// sample16 reads the i-th little-endian sample of pcm.
func sample16(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[2*i:]))
}

// putSample16 writes v as the i-th little-endian sample of pcm.
func putSample16(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
}
