package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/rattil/rattil/pkg/provider/stt"
	sttmock "github.com/rattil/rattil/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream_PrimarySuccess(t *testing.T) {
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	primary := &sttmock.Provider{ProviderName: "primary", Session: sess}
	secondary := &sttmock.Provider{ProviderName: "secondary"}

	fb := NewSTTFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == nil {
		t.Fatal("handle is nil")
	}
	if len(primary.StartStreamCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.StartStreamCalls))
	}
	if len(secondary.StartStreamCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.StartStreamCalls))
	}
	_ = handle.Close()
}

func TestSTTFallback_Name_IsPrimaryName(t *testing.T) {
	primary := &sttmock.Provider{ProviderName: "deepgram"}
	fb := NewSTTFallback(primary, FallbackConfig{})
	if got := fb.Name(); got != "deepgram" {
		t.Fatalf("Name() = %q, want %q", got, "deepgram")
	}
}

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	primary := &sttmock.Provider{
		ProviderName:   "primary",
		StartStreamErr: errors.New("primary down"),
	}
	secondarySess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	secondary := &sttmock.Provider{ProviderName: "secondary", Session: secondarySess}

	fb := NewSTTFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == nil {
		t.Fatal("handle is nil")
	}
	if len(secondary.StartStreamCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.StartStreamCalls))
	}
	_ = handle.Close()
}

func TestSTTFallback_StartStream_AllFail(t *testing.T) {
	primary := &sttmock.Provider{ProviderName: "primary", StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{ProviderName: "secondary", StartStreamErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTranscriberFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Transcriber{
		TranscriberName: "primary",
		Result:          stt.Transcript{Text: "بسم الله", IsFinal: true},
	}
	secondary := &sttmock.Transcriber{TranscriberName: "secondary"}

	fb := NewTranscriberFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	tr, err := fb.Transcribe(context.Background(), []byte{0, 0}, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "بسم الله" {
		t.Fatalf("Text = %q, want %q", tr.Text, "بسم الله")
	}
	if len(primary.TranscribeCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.TranscribeCalls))
	}
	if len(secondary.TranscribeCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.TranscribeCalls))
	}
}

func TestTranscriberFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Transcriber{
		TranscriberName: "primary",
		TranscribeErr:   errors.New("primary down"),
	}
	secondary := &sttmock.Transcriber{
		TranscriberName: "secondary",
		Result:          stt.Transcript{Text: "الحمد لله", IsFinal: true},
	}

	fb := NewTranscriberFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	tr, err := fb.Transcribe(context.Background(), []byte{0, 0}, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "الحمد لله" {
		t.Fatalf("Text = %q, want %q", tr.Text, "الحمد لله")
	}
	if len(secondary.TranscribeCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.TranscribeCalls))
	}
}

func TestTranscriberFallback_Transcribe_AllFail(t *testing.T) {
	primary := &sttmock.Transcriber{TranscriberName: "primary", TranscribeErr: errors.New("down")}

	fb := NewTranscriberFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := fb.Transcribe(context.Background(), nil, stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
