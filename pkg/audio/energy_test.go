package audio_test

import (
	"math"
	"testing"

	"github.com/rattil/rattil/pkg/audio"
)

func TestRMS_Silence(t *testing.T) {
	if got := audio.RMS(make([]byte, 3200)); got != 0 {
		t.Errorf("RMS of silence: got %f, want 0", got)
	}
}

func TestRMS_Empty(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS of empty buffer: got %f, want 0", got)
	}
	// A single stray byte holds no complete sample.
	if got := audio.RMS([]byte{0x7F}); got != 0 {
		t.Errorf("RMS of one-byte buffer: got %f, want 0", got)
	}
}

func TestRMS_ConstantAmplitude(t *testing.T) {
	// A constant-value signal has RMS equal to its amplitude.
	pcm := samplesToBytes([]int16{1000, 1000, 1000, 1000})
	got := audio.RMS(pcm)
	if math.Abs(got-1000) > 0.001 {
		t.Errorf("RMS of constant 1000 signal: got %f, want 1000", got)
	}
}

func TestRMS_SineWave(t *testing.T) {
	// RMS of a sine wave is amplitude / sqrt(2).
	const amplitude = 10000.0
	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	got := audio.RMS(samplesToBytes(samples))
	want := amplitude / math.Sqrt2
	if math.Abs(got-want) > want*0.01 {
		t.Errorf("RMS of sine wave: got %f, want ~%f", got, want)
	}
}

func TestDurationMs(t *testing.T) {
	tests := []struct {
		name       string
		bytes      int
		sampleRate int
		channels   int
		want       int
	}{
		{"one second mono 16k", 32000, 16000, 1, 1000},
		{"100ms mono 16k", 3200, 16000, 1, 100},
		{"20ms stereo 48k", 3840, 48000, 2, 20},
		{"zero sample rate", 3200, 0, 1, 0},
		{"zero channels", 3200, 16000, 0, 0},
		{"empty chunk", 0, 16000, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.DurationMs(make([]byte, tt.bytes), tt.sampleRate, tt.channels)
			if got != tt.want {
				t.Errorf("DurationMs(%d bytes, %dHz, %dch) = %d, want %d",
					tt.bytes, tt.sampleRate, tt.channels, got, tt.want)
			}
		})
	}
}
