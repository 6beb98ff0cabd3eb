package quran

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// Compile-time assertions that MemStore satisfies both store interfaces.
var (
	_ Store    = (*MemStore)(nil)
	_ Importer = (*MemStore)(nil)
)

type ref struct {
	surah, ayah int
}

// MemStore is a thread-safe, in-memory implementation of [Store] and
// [Importer]. It backs the "memory" database driver and the test suites.
// The zero value is ready to use.
type MemStore struct {
	mu     sync.RWMutex
	verses map[ref]Verse
}

// NewMemStore returns an initialised, empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		verses: make(map[ref]Verse),
	}
}

// Import implements [Importer.Import].
func (s *MemStore) Import(ctx context.Context, verses []Verse) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.verses == nil {
		s.verses = make(map[ref]Verse)
	}

	count := 0
	for i, v := range verses {
		if err := v.Validate(); err != nil {
			return count, fmt.Errorf("quran: import at index %d: %w", i, err)
		}
		s.verses[ref{v.Surah, v.Ayah}] = v
		count++
	}
	return count, nil
}

// Passage implements [Store.Passage].
func (s *MemStore) Passage(ctx context.Context, surah int) ([]Verse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Verse
	for _, v := range s.verses {
		if v.Surah == surah {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	slices.SortFunc(result, compareVerses)
	return result, nil
}

// Lookup implements [Store.Lookup].
func (s *MemStore) Lookup(ctx context.Context, surah, ayah int) (Verse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.verses[ref{surah, ayah}]
	if !ok {
		return Verse{}, ErrNotFound
	}
	return v, nil
}

// Corpus implements [Store.Corpus].
func (s *MemStore) Corpus(ctx context.Context) ([]Verse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Verse, 0, len(s.verses))
	for _, v := range s.verses {
		result = append(result, v)
	}
	slices.SortFunc(result, compareVerses)
	return result, nil
}

// Close implements [Store.Close]. It is a no-op for the in-memory store.
func (s *MemStore) Close() error {
	return nil
}

func compareVerses(a, b Verse) int {
	if c := cmp.Compare(a.Surah, b.Surah); c != 0 {
		return c
	}
	return cmp.Compare(a.Ayah, b.Ayah)
}
