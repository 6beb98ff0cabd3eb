package quran

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// CorpusFile is the top-level structure of a rattil corpus YAML file.
//
// Example:
//
//	corpus:
//	  name: "Uthmani starter"
//	  edition: "quran-uthmani"
//	verses:
//	  - surah: 1
//	    ayah: 1
//	    text: "بِسْمِ ٱللَّهِ ٱلرَّحْمَٰنِ ٱلرَّحِيمِ"
type CorpusFile struct {
	Corpus CorpusMeta `yaml:"corpus"`
	Verses []Verse    `yaml:"verses"`
}

// CorpusMeta holds top-level metadata for a corpus file.
type CorpusMeta struct {
	// Name is the corpus' display name.
	Name string `yaml:"name"`

	// Edition identifies the source text edition (e.g., "quran-uthmani").
	Edition string `yaml:"edition"`
}

// LoadCorpusFile reads and parses a corpus YAML file from disk.
// Returns a descriptive error if the file cannot be opened or parsed.
func LoadCorpusFile(path string) (*CorpusFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("quran: open corpus file %q: %w", path, err)
	}
	defer f.Close()

	cf, err := LoadCorpusFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("quran: parse corpus file %q: %w", path, err)
	}
	return cf, nil
}

// LoadCorpusFromReader parses corpus YAML from an [io.Reader].
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadCorpusFromReader(r io.Reader) (*CorpusFile, error) {
	var cf CorpusFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("quran: decode corpus yaml: %w", err)
	}
	return &cf, nil
}

// ImportCorpus imports all verses from a parsed [CorpusFile] into imp.
// Returns the number of verses successfully imported.
// An error from the store aborts the import and returns the count so far.
func ImportCorpus(ctx context.Context, imp Importer, corpus *CorpusFile) (int, error) {
	if corpus == nil {
		return 0, fmt.Errorf("quran: corpus must not be nil")
	}
	n, err := imp.Import(ctx, corpus.Verses)
	if err != nil {
		return n, fmt.Errorf("quran: import corpus %q: %w", corpus.Corpus.Name, err)
	}
	return n, nil
}
