package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"
	"time"

	"github.com/rattil/rattil/pkg/audio"
)

// samplesToBytes lays out int16 samples as little-endian PCM.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples reads little-endian PCM back into int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []int16
	}{
		{"duplicates each sample", samplesToBytes([]int16{100, 200, 300}), []int16{100, 100, 200, 200, 300, 300}},
		{"drops trailing half sample", append(samplesToBytes([]int16{100, 200}), 0xFF), []int16{100, 100, 200, 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(audio.MonoToStereo(tt.in))
			if !slices.Equal(got, tt.want) {
				t.Errorf("MonoToStereo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{"averages pairs", []int16{100, 200, -100, -200}, []int16{150, -150}},
		{"full-scale peaks", []int16{32767, 32767, -32768, -32768}, []int16{32767, -32768}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(audio.StereoToMono(samplesToBytes(tt.in)))
			if !slices.Equal(got, tt.want) {
				t.Errorf("StereoToMono = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample16_SampleCounts(t *testing.T) {
	tests := []struct {
		name        string
		in          []int16
		channels    int
		src, dst    int
		wantSamples int
	}{
		{"same rate", []int16{100, 200, 300}, 1, 48000, 48000, 3},
		{"mono upsample 3x", []int16{1000, 2000}, 1, 16000, 48000, 6},
		{"mono downsample 3x", []int16{100, 200, 300, 400, 500, 600}, 1, 48000, 16000, 2},
		{"stereo upsample 3x", []int16{100, 200, 300, 400}, 2, 16000, 48000, 12},
		{"zero source rate", []int16{100, 200}, 1, 0, 48000, 2},
		{"zero target rate", []int16{100, 200}, 1, 48000, 0, 2},
		{"negative rate", []int16{100, 200}, 1, -1, 48000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := audio.Resample16(samplesToBytes(tt.in), tt.channels, tt.src, tt.dst)
			if got := len(out) / 2; got != tt.wantSamples {
				t.Errorf("got %d samples, want %d", got, tt.wantSamples)
			}
		})
	}
}

func TestResample16_Interpolates(t *testing.T) {
	got := bytesToSamples(audio.Resample16(samplesToBytes([]int16{1000, 2000}), 1, 16000, 48000))
	if len(got) != 6 {
		t.Fatalf("got %d samples, want 6", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample = %d, want the first input sample 1000", got[0])
	}
	// Interior samples ramp between the inputs and the tail holds the last
	// input; allow for float truncation at frame boundaries.
	if !slices.IsSorted(got) {
		t.Errorf("upsampled ramp is not monotonic: %v", got)
	}
	if last := got[len(got)-1]; last < 1999 || last > 2000 {
		t.Errorf("last sample = %d, want 1999..2000", last)
	}
}

func TestFormatConverter_PassthroughSharesBuffer(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.Frame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: 16000,
		Channels:   1,
	}

	got := conv.Convert(frame)
	if &got.Data[0] != &frame.Data[0] {
		t.Error("matching format must return the frame's own buffer")
	}
}

func TestFormatConverter_DownmixesStereo(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	frame := audio.Frame{
		Data:       samplesToBytes([]int16{100, 200, 300, 400}),
		SampleRate: 48000,
		Channels:   2,
	}

	got := conv.Convert(frame)
	if want := []int16{150, 350}; !slices.Equal(bytesToSamples(got.Data), want) {
		t.Errorf("Convert data = %v, want %v", bytesToSamples(got.Data), want)
	}
	if got.SampleRate != 48000 || got.Channels != 1 {
		t.Errorf("Convert format = %dHz %dch, want 48000Hz 1ch", got.SampleRate, got.Channels)
	}
}

func TestFormatConverter_UpmixesMono(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 2}}
	frame := audio.Frame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: 16000,
		Channels:   1,
	}

	got := conv.Convert(frame)
	if want := []int16{100, 100, 200, 200}; !slices.Equal(bytesToSamples(got.Data), want) {
		t.Errorf("Convert data = %v, want %v", bytesToSamples(got.Data), want)
	}
	if got.Channels != 2 {
		t.Errorf("Channels = %d, want 2", got.Channels)
	}
}

func TestFormatConverter_DownmixAndResample(t *testing.T) {
	// The capture side of a live session: 48 kHz stereo in, 16 kHz mono
	// out. Six stereo frames become two mono samples.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.Frame{
		Data: samplesToBytes([]int16{
			1000, 1000, 2000, 2000, 3000, 3000,
			4000, 4000, 5000, 5000, 6000, 6000,
		}),
		SampleRate: 48000,
		Channels:   2,
	}

	got := conv.Convert(frame)
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("Convert format = %dHz %dch, want 16000Hz 1ch", got.SampleRate, got.Channels)
	}
	if want := []int16{1000, 4000}; !slices.Equal(bytesToSamples(got.Data), want) {
		t.Errorf("Convert data = %v, want %v", bytesToSamples(got.Data), want)
	}
}

func TestFormatConverter_DropsMisalignedFrames(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate int
		channels   int
	}{
		{"mismatched format", 48000, 2},
		{"matching format", 16000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
			frame := audio.Frame{
				Data:       []byte{1, 2, 3},
				SampleRate: tt.sampleRate,
				Channels:   tt.channels,
				Timestamp:  42 * time.Millisecond,
			}

			got := conv.Convert(frame)
			if len(got.Data) != 0 {
				t.Errorf("Convert kept %d bytes of a misaligned frame, want 0", len(got.Data))
			}
			if got.SampleRate != 16000 || got.Channels != 1 {
				t.Errorf("dropped frame format = %dHz %dch, want the target 16000Hz 1ch", got.SampleRate, got.Channels)
			}
			if got.Timestamp != frame.Timestamp {
				t.Errorf("Timestamp = %v, want %v preserved", got.Timestamp, frame.Timestamp)
			}
		})
	}
}

func TestPCMToFloat32Mono(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []float32
	}{
		{"mono scaling", []int16{0, 16384, -16384, 32767, -32768}, 1, []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1}},
		{"stereo downmix", []int16{16384, 0, -16384, -16384}, 2, []float32{0.25, -0.5}},
		{"trailing partial frame dropped", []int16{100, 100, 100}, 2, []float32{200.0 / 32768.0 / 2}},
		{"zero channels treated as mono", []int16{16384}, 0, []float32{0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.PCMToFloat32Mono(samplesToBytes(tt.in), tt.channels)
			if !slices.Equal(got, tt.want) {
				t.Errorf("PCMToFloat32Mono = %v, want %v", got, tt.want)
			}
		})
	}
}
