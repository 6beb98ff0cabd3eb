package audio

import (
	"encoding/binary"
	"fmt"
)

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct
// inclusion in a multipart form upload to a batch transcription endpoint.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := BitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a RIFF/WAV container holding 16-bit signed little-endian
// PCM and returns the raw sample data with its format. Unknown sub-chunks
// (LIST, fact, ...) are skipped. Compressed or non-16-bit files are rejected.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("audio: not a RIFF/WAVE file")
	}

	var (
		format    Format
		haveFmt   bool
		audioForm uint16
		bps       uint16
	)

	// Walk the sub-chunks. Each is an 8-byte header (ID + size) followed by
	// the payload, padded to an even length.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return nil, Format{}, fmt.Errorf("audio: wav chunk %q overruns file", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			audioForm = binary.LittleEndian.Uint16(data[body : body+2])
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bps = binary.LittleEndian.Uint16(data[body+14 : body+16])
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("audio: wav data chunk before fmt chunk")
			}
			if audioForm != 1 {
				return nil, Format{}, fmt.Errorf("audio: wav format %d not supported, want PCM", audioForm)
			}
			if bps != BitsPerSample {
				return nil, Format{}, fmt.Errorf("audio: %d-bit wav not supported, want %d-bit", bps, BitsPerSample)
			}
			if format.SampleRate <= 0 || format.Channels <= 0 {
				return nil, Format{}, fmt.Errorf("audio: wav fmt chunk has invalid rate/channels")
			}
			return data[body : body+size], format, nil
		}

		off = body + size
		if size%2 == 1 {
			off++ // chunk bodies are word-aligned
		}
	}

	return nil, Format{}, fmt.Errorf("audio: wav file has no data chunk")
}
