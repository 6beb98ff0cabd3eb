// Package quran holds the recitation corpus: verse records in Uthmani
// script and the stores that serve them.
//
// A [Store] provides read access for alignment and verse location; stores
// that can ingest corpus files additionally implement [Importer]. The
// package ships a small embedded corpus (see [Seed]) so the engine works
// out of the box without a database.
package quran

import "fmt"

// MaxSurah is the number of surahs in the Quran.
const MaxSurah = 114

// Verse is a single ayah in fully vocalized Uthmani script.
// The text keeps its diacritics; normalization for matching happens in
// the alignment layer, not here.
type Verse struct {
	// Surah is the chapter number, 1 through [MaxSurah].
	Surah int `yaml:"surah" json:"surah"`

	// Ayah is the verse number within the surah, starting at 1.
	Ayah int `yaml:"ayah" json:"ayah"`

	// Text is the verse body as written in the mushaf.
	Text string `yaml:"text" json:"text"`
}

// Validate reports whether the verse carries a plausible reference and a
// non-empty body.
func (v Verse) Validate() error {
	if v.Surah < 1 || v.Surah > MaxSurah {
		return fmt.Errorf("quran: surah %d out of range 1-%d", v.Surah, MaxSurah)
	}
	if v.Ayah < 1 {
		return fmt.Errorf("quran: ayah %d must be positive", v.Ayah)
	}
	if v.Text == "" {
		return fmt.Errorf("quran: verse %d:%d has empty text", v.Surah, v.Ayah)
	}
	return nil
}

// Ref renders the canonical surah:ayah reference, e.g. "1:5".
func (v Verse) Ref() string {
	return fmt.Sprintf("%d:%d", v.Surah, v.Ayah)
}
