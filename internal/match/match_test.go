package match_test

import (
	"testing"

	"github.com/rattil/rattil/internal/match"
)

func TestFuzzyEquals_ExactAlwaysMatches(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"في", "الرحمن", "ق", ""} {
		if !match.FuzzyEquals(s, s) {
			t.Errorf("FuzzyEquals(%q, %q) = false, want true", s, s)
		}
	}
}

func TestFuzzyEquals_OneEditOnLongTokens(t *testing.T) {
	t.Parallel()

	// Classic dagger-alef pair: distance 1, both longer than two runes.
	if !match.FuzzyEquals("الرحمن", "الرحمان") {
		t.Errorf("FuzzyEquals(%q, %q) = false, want true", "الرحمن", "الرحمان")
	}
	if !match.FuzzyEquals("العالمين", "العلمين") {
		t.Errorf("FuzzyEquals(%q, %q) = false, want true", "العالمين", "العلمين")
	}
}

func TestFuzzyEquals_TwoEditsRejected(t *testing.T) {
	t.Parallel()

	// Rahman vs Rahim differ in two positions and are distinct words; a
	// matcher that conflates them is useless for recitation checking.
	if match.FuzzyEquals("الرحمن", "الرحيم") {
		t.Errorf("FuzzyEquals(%q, %q) = true, want false", "الرحمن", "الرحيم")
	}
	if match.FuzzyEquals("الحمد", "المجد") {
		t.Errorf("FuzzyEquals(%q, %q) = true, want false", "الحمد", "المجد")
	}
}

func TestFuzzyEquals_ShortTokensExactOnly(t *testing.T) {
	t.Parallel()

	// Both two runes, distance 1: must NOT match.
	if match.FuzzyEquals("في", "فل") {
		t.Errorf("FuzzyEquals(%q, %q) = true, want false", "في", "فل")
	}
	// One side short is enough to force exact-only.
	if match.FuzzyEquals("من", "ممن") {
		t.Errorf("FuzzyEquals(%q, %q) = true, want false", "من", "ممن")
	}
	if match.FuzzyEquals("ممن", "من") {
		t.Errorf("FuzzyEquals(%q, %q) = true, want false", "ممن", "من")
	}
}

func TestExact(t *testing.T) {
	t.Parallel()

	if !match.Exact("رب", "رب") {
		t.Errorf("Exact(%q, %q) = false, want true", "رب", "رب")
	}
	if match.Exact("الرحمن", "الرحمان") {
		t.Errorf("Exact(%q, %q) = true, want false", "الرحمن", "الرحمان")
	}
}
