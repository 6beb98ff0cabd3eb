package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rattil/rattil/internal/arabic"
	"github.com/rattil/rattil/internal/locate"
	"github.com/rattil/rattil/internal/quran"
	"github.com/rattil/rattil/internal/track"
)

// DefaultMaxSessions bounds the number of concurrently live sessions.
const DefaultMaxSessions = 64

// ErrNotFound is returned by [Manager.Get] for unknown session IDs.
var ErrNotFound = errors.New("session: not found")

// ErrLimit is returned by [Manager.Create] when the registry is full.
var ErrLimit = errors.New("session: live session limit reached")

// StartOptions selects the passage a session tracks.
type StartOptions struct {
	// Surah is the chapter to track. With Auto set it restricts
	// auto-detection to that surah instead; zero means the whole corpus.
	Surah int `json:"surah,omitempty"`

	// Ayah is the first verse to track. Defaults to 1. Ignored with Auto.
	Ayah int `json:"ayah,omitempty"`

	// Auto starts the session without a passage; the first confidently
	// located verse selects one.
	Auto bool `json:"auto,omitempty"`
}

// ManagerConfig holds the dependencies and tuning for a [Manager].
// Only Store is required.
type ManagerConfig struct {
	// Store serves passages and location candidates.
	Store quran.Store

	// Normalizer prepares transcripts and reference text. Defaults to
	// [arabic.Default].
	Normalizer *arabic.Normalizer

	// Locator identifies unnamed passages. Defaults to a locator sharing
	// Normalizer.
	Locator *locate.Locator

	// Tracker tunes the per-session trackers. Zero window and threshold
	// fall back to the tracker defaults; FuzzyMatching is off unless set.
	Tracker track.Config

	// AlertInterval rate-limits flash events per session. Defaults to
	// [DefaultAlertInterval].
	AlertInterval time.Duration

	// MaxSessions bounds the registry. Defaults to [DefaultMaxSessions].
	MaxSessions int
}

// Manager owns the registry of live sessions.
// All exported methods are safe for concurrent use.
type Manager struct {
	store         quran.Store
	norm          *arabic.Normalizer
	loc           *locate.Locator
	cfg           track.Config
	alertInterval time.Duration
	maxSessions   int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a [Manager] with the given configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: manager requires a store")
	}

	norm := cfg.Normalizer
	if norm == nil {
		norm = arabic.Default()
	}
	loc := cfg.Locator
	if loc == nil {
		loc = locate.New(locate.WithNormalizer(norm))
	}
	alertInterval := cfg.AlertInterval
	if alertInterval <= 0 {
		alertInterval = DefaultAlertInterval
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	return &Manager{
		store:         cfg.Store,
		norm:          norm,
		loc:           loc,
		cfg:           cfg.Tracker,
		alertInterval: alertInterval,
		maxSessions:   maxSessions,
		sessions:      make(map[string]*Session),
	}, nil
}

// Create registers a new session and starts it with opts. It returns the
// session and the generation token posts must carry.
//
// Returns [ErrLimit] when the registry is full.
func (m *Manager) Create(ctx context.Context, opts StartOptions) (*Session, uint64, error) {
	id, err := generateID()
	if err != nil {
		return nil, 0, fmt.Errorf("session: generate id: %w", err)
	}

	// The lock also pins the locator and tracker tuning the session is
	// born with; SetTracker and SetLocator only affect sessions created
	// afterwards.
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, 0, ErrLimit
	}
	s := &Session{
		id:        id,
		store:     m.store,
		norm:      m.norm,
		loc:       m.loc,
		cfg:       m.cfg,
		alert:     NewAlerter(m.alertInterval),
		startedAt: time.Now().UTC(),
	}
	m.sessions[id] = s
	m.mu.Unlock()

	// Passage loading does store I/O, so it runs outside the registry lock.
	gen, err := s.Restart(ctx, opts)
	if err != nil {
		m.Remove(id)
		return nil, 0, err
	}

	slog.Info("session created",
		"session_id", id, "surah", opts.Surah, "ayah", opts.Ayah, "auto", opts.Auto)
	return s, gen, nil
}

// Get returns the live session with the given ID.
// Returns [ErrNotFound] for unknown IDs.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove drops a session from the registry. Removing an unknown ID is a
// no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PruneIdle removes sessions whose last activity is older than maxIdle
// and returns how many were dropped. The server runs this periodically so
// sessions abandoned without a clean finish do not pile up.
func (m *Manager) PruneIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if len(stale) > 0 {
		slog.Info("pruned idle sessions", "count", len(stale), "max_idle", maxIdle)
	}
	return len(stale)
}

// SetTracker replaces the tracker tuning applied to sessions created after
// the call. Running sessions keep the tracker they started with.
func (m *Manager) SetTracker(cfg track.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// SetLocator swaps the locator used by sessions created after the call.
// A nil locator is ignored.
func (m *Manager) SetLocator(loc *locate.Locator) {
	if loc == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loc = loc
}

// Views returns a snapshot of every live session, for inspection
// endpoints.
func (m *Manager) Views() []View {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	views := make([]View, len(sessions))
	for i, s := range sessions {
		views[i] = s.Snapshot()
	}
	return views
}

// generateID returns a random 16-character hex session ID.
func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
