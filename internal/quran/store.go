package quran

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Lookup and Passage when the requested verse
// or surah is not present in the corpus.
var ErrNotFound = errors.New("quran: verse not found")

// Store provides read access to a recitation corpus.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Passage returns every verse of a surah in ayah order.
	// Returns [ErrNotFound] when the corpus holds no verses for that surah.
	Passage(ctx context.Context, surah int) ([]Verse, error)

	// Lookup retrieves a single verse by reference.
	// Returns [ErrNotFound] when the verse is not in the corpus.
	Lookup(ctx context.Context, surah, ayah int) (Verse, error)

	// Corpus returns every verse in canonical order: by surah, then ayah.
	// An empty corpus yields an empty slice, not an error.
	Corpus(ctx context.Context) ([]Verse, error)

	// Close releases the store's underlying resources. The store must not
	// be used afterwards.
	Close() error
}

// PassageText joins the verse texts of a surah between fromAyah and
// toAyah, inclusive, with single spaces. A zero bound leaves that side
// open. Returns [ErrNotFound] when the surah is absent or the window
// selects no verses.
func PassageText(ctx context.Context, s Store, surah, fromAyah, toAyah int) (string, error) {
	verses, err := s.Passage(ctx, surah)
	if err != nil {
		return "", err
	}
	var texts []string
	for _, v := range verses {
		if fromAyah > 0 && v.Ayah < fromAyah {
			continue
		}
		if toAyah > 0 && v.Ayah > toAyah {
			continue
		}
		texts = append(texts, v.Text)
	}
	if len(texts) == 0 {
		return "", ErrNotFound
	}
	return strings.Join(texts, " "), nil
}

// Importer is implemented by stores that can ingest verses in bulk.
// Corpus file imports (see [ImportCorpus]) go through this interface.
type Importer interface {
	// Import writes verses into the corpus, replacing any existing entry
	// with the same surah and ayah. Every verse is validated first.
	// Returns the number of verses written and the error that aborted
	// the import, if any.
	Import(ctx context.Context, verses []Verse) (int, error)
}
