package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rattil/rattil/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// STTFactory builds a streaming provider from its config entry.
type STTFactory func(ProviderEntry) (stt.Provider, error)

// TranscriberFactory builds a batch transcriber from its config entry.
type TranscriberFactory func(ProviderEntry) (stt.Transcriber, error)

// Registry maps provider names to constructors. Streaming providers and
// batch transcribers register separately because not every backend
// supports both (Deepgram only streams, OpenAI only does batch). A
// Registry is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	streaming    map[string]STTFactory
	transcribing map[string]TranscriberFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streaming:    make(map[string]STTFactory),
		transcribing: make(map[string]TranscriberFactory),
	}
}

// RegisterSTT installs a streaming factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	r.streaming[name] = factory
	r.mu.Unlock()
}

// RegisterTranscriber installs a batch factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.mu.Lock()
	r.transcribing[name] = factory
	r.mu.Unlock()
}

// CreateSTT builds the streaming provider named by entry.Name. The error
// wraps [ErrProviderNotRegistered] when the name has no streaming
// factory.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory := r.streaming[entry.Name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranscriber builds the batch transcriber named by entry.Name. The
// error wraps [ErrProviderNotRegistered] when the name has no batch
// factory.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory := r.transcribing[entry.Name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: transcriber/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
