package quran

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	_ "embed"
)

//go:embed seed/uthmani.yaml
var seedCorpus []byte

var loadSeed = sync.OnceValues(func() ([]Verse, error) {
	cf, err := LoadCorpusFromReader(bytes.NewReader(seedCorpus))
	if err != nil {
		return nil, fmt.Errorf("quran: embedded seed corpus: %w", err)
	}
	return cf.Verses, nil
})

// Seed returns the embedded starter corpus: Al-Fatiha plus a handful of
// short surahs, enough to exercise tracking and verse location without an
// external database. The returned slice is shared; callers must not
// modify it.
func Seed() ([]Verse, error) {
	return loadSeed()
}

// NewSeededStore returns a [MemStore] pre-populated with the embedded
// starter corpus. It backs the "memory" database driver.
func NewSeededStore(ctx context.Context) (*MemStore, error) {
	verses, err := Seed()
	if err != nil {
		return nil, err
	}
	s := NewMemStore()
	if _, err := s.Import(ctx, verses); err != nil {
		return nil, err
	}
	return s, nil
}
