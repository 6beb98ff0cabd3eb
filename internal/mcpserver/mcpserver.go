// Package mcpserver exposes the recitation engine to MCP clients.
//
// The server speaks the Model Context Protocol over stdio using the
// official Go SDK (github.com/modelcontextprotocol/go-sdk), so assistants
// can judge recitations without going through the HTTP API. Four tools
// are served:
//
//   - locate_verse      — identify the verse behind recited text
//   - score_recitation  — judge recited text against the reference
//   - normalize_text    — canonicalize Arabic for comparison
//   - get_passage       — fetch reference verses from the corpus
//
// All tools are read-only and safe to call concurrently.
package mcpserver

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/arabic"
	"github.com/rattil/rattil/internal/locate"
	"github.com/rattil/rattil/internal/quran"
)

// instructions primes MCP clients on when to reach for the tools.
const instructions = "Tools for Quran recitation checking: identify which " +
	"verse recited Arabic text comes from, score a recitation against the " +
	"reference text, normalize Arabic for comparison, and fetch reference " +
	"passages."

// Config holds the dependencies of a [Server]. Store is required.
type Config struct {
	// Store serves reference passages and location candidates.
	Store quran.Store

	// Normalizer backs the normalize_text tool. Defaults to
	// [arabic.Default].
	Normalizer *arabic.Normalizer

	// Aligner scores recitations. Defaults to [align.New].
	Aligner *align.Aligner

	// Locator identifies verses. Defaults to [locate.New].
	Locator *locate.Locator

	// Version is reported to clients during initialization.
	Version string
}

// Server is an MCP server over the recitation engine. Build one with
// [New], then call [Server.Run].
type Server struct {
	store   quran.Store
	norm    *arabic.Normalizer
	aligner *align.Aligner
	locator *locate.Locator
	srv     *mcpsdk.Server
}

// New validates cfg, creates a [Server] and registers its tools.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("mcpserver: store is required")
	}

	s := &Server{
		store:   cfg.Store,
		norm:    cfg.Normalizer,
		aligner: cfg.Aligner,
		locator: cfg.Locator,
	}
	if s.norm == nil {
		s.norm = arabic.Default()
	}
	if s.aligner == nil {
		s.aligner = align.New(align.WithNormalizer(s.norm))
	}
	if s.locator == nil {
		s.locator = locate.New(locate.WithNormalizer(s.norm))
	}

	s.srv = mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "rattil", Version: cfg.Version},
		&mcpsdk.ServerOptions{Instructions: instructions},
	)

	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "locate_verse",
		Description: "Identify which Quran verse recited Arabic text comes from. Returns the best match with a confidence percentage, or matched=false when nothing is close enough.",
	}, s.locateVerse)
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "score_recitation",
		Description: "Judge recited Arabic text against a reference. Pass the reference verbatim in expected, or reference a corpus passage with surah and an optional ayah window. Returns a 0-100 score and the word-level mistakes.",
	}, s.scoreRecitation)
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "normalize_text",
		Description: "Canonicalize Arabic text the way the recitation matcher compares it: diacritics stripped, letter variants folded, whitespace collapsed.",
	}, s.normalizeText)
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "get_passage",
		Description: "Fetch reference verses from the corpus, optionally bounded to an ayah window.",
	}, s.getPassage)

	return s, nil
}

// Run serves the MCP protocol on stdin/stdout until ctx is cancelled or
// the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.srv.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect attaches the server to a single transport. Run is the stdio
// convenience wrapper; Connect supports embedding and tests.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.srv.Connect(ctx, t, nil)
}

type locateInput struct {
	Text  string `json:"text" jsonschema:"recited Arabic text to identify"`
	Surah int    `json:"surah,omitempty" jsonschema:"restrict the search to this surah (1-114); omit to search the whole corpus"`
}

type locateOutput struct {
	Matched    bool   `json:"matched" jsonschema:"whether a verse cleared the confidence cutoff"`
	Surah      int    `json:"surah,omitempty"`
	Ayah       int    `json:"ayah,omitempty"`
	Confidence int    `json:"confidencePercent,omitempty"`
	Text       string `json:"matchedText,omitempty"`
}

func (s *Server) locateVerse(ctx context.Context, _ *mcpsdk.CallToolRequest, in locateInput) (*mcpsdk.CallToolResult, locateOutput, error) {
	if in.Text == "" {
		return nil, locateOutput{}, fmt.Errorf("text is required")
	}
	if in.Surah < 0 || in.Surah > quran.MaxSurah {
		return nil, locateOutput{}, fmt.Errorf("surah %d out of range", in.Surah)
	}

	verses, err := s.store.Corpus(ctx)
	if err != nil {
		return nil, locateOutput{}, fmt.Errorf("load corpus: %w", err)
	}
	candidates := make([]locate.Candidate, len(verses))
	for i, v := range verses {
		candidates[i] = locate.Candidate{Surah: v.Surah, Ayah: v.Ayah, Text: v.Text}
	}

	m, ok := s.locator.Locate(in.Text, candidates, in.Surah)
	if !ok {
		return nil, locateOutput{Matched: false}, nil
	}
	return nil, locateOutput{
		Matched:    true,
		Surah:      m.Surah,
		Ayah:       m.Ayah,
		Confidence: m.Confidence,
		Text:       m.Text,
	}, nil
}

type scoreInput struct {
	Recognized string `json:"recognized" jsonschema:"the recited text to judge"`
	Expected   string `json:"expected,omitempty" jsonschema:"reference text to judge against; mutually exclusive with surah"`
	Surah      int    `json:"surah,omitempty" jsonschema:"take the reference text from this surah of the corpus instead"`
	FromAyah   int    `json:"fromAyah,omitempty" jsonschema:"first ayah of the reference window, inclusive"`
	ToAyah     int    `json:"toAyah,omitempty" jsonschema:"last ayah of the reference window, inclusive"`
}

type scoreOutput struct {
	Score    int             `json:"score" jsonschema:"accuracy from 0 to 100"`
	Mistakes []align.Mistake `json:"mistakes"`
}

func (s *Server) scoreRecitation(ctx context.Context, _ *mcpsdk.CallToolRequest, in scoreInput) (*mcpsdk.CallToolResult, scoreOutput, error) {
	expected, err := s.expectedText(ctx, in)
	if err != nil {
		return nil, scoreOutput{}, err
	}
	result := s.aligner.Align(in.Recognized, expected)
	return nil, scoreOutput{Score: result.Score, Mistakes: result.Mistakes}, nil
}

// expectedText resolves the reference side of a score request, mirroring
// the HTTP score endpoint's semantics.
func (s *Server) expectedText(ctx context.Context, in scoreInput) (string, error) {
	switch {
	case in.Expected != "" && in.Surah != 0:
		return "", fmt.Errorf("provide either expected text or a surah reference, not both")
	case in.Expected != "":
		return in.Expected, nil
	case in.Surah == 0:
		return "", fmt.Errorf("expected text or a surah reference is required")
	}

	if in.Surah < 1 || in.Surah > quran.MaxSurah {
		return "", fmt.Errorf("surah %d out of range", in.Surah)
	}
	if in.FromAyah < 0 || in.ToAyah < 0 || (in.ToAyah > 0 && in.FromAyah > in.ToAyah) {
		return "", fmt.Errorf("invalid ayah window")
	}
	text, err := quran.PassageText(ctx, s.store, in.Surah, in.FromAyah, in.ToAyah)
	if err != nil {
		return "", fmt.Errorf("load reference passage: %w", err)
	}
	return text, nil
}

type normalizeInput struct {
	Text string `json:"text" jsonschema:"Arabic text to canonicalize"`
}

type normalizeOutput struct {
	Normalized string   `json:"normalized"`
	Tokens     []string `json:"tokens"`
}

func (s *Server) normalizeText(_ context.Context, _ *mcpsdk.CallToolRequest, in normalizeInput) (*mcpsdk.CallToolResult, normalizeOutput, error) {
	tokens := s.norm.Tokenize(in.Text)
	if tokens == nil {
		tokens = []string{}
	}
	return nil, normalizeOutput{
		Normalized: s.norm.Normalize(in.Text),
		Tokens:     tokens,
	}, nil
}

type passageInput struct {
	Surah    int `json:"surah" jsonschema:"chapter number (1-114)"`
	FromAyah int `json:"fromAyah,omitempty" jsonschema:"first ayah to include, inclusive"`
	ToAyah   int `json:"toAyah,omitempty" jsonschema:"last ayah to include, inclusive"`
}

type passageOutput struct {
	Surah  int           `json:"surah"`
	Verses []quran.Verse `json:"verses"`
}

func (s *Server) getPassage(ctx context.Context, _ *mcpsdk.CallToolRequest, in passageInput) (*mcpsdk.CallToolResult, passageOutput, error) {
	if in.Surah < 1 || in.Surah > quran.MaxSurah {
		return nil, passageOutput{}, fmt.Errorf("surah %d out of range", in.Surah)
	}

	verses, err := s.store.Passage(ctx, in.Surah)
	if err != nil {
		return nil, passageOutput{}, fmt.Errorf("load passage: %w", err)
	}

	out := passageOutput{Surah: in.Surah}
	for _, v := range verses {
		if in.FromAyah > 0 && v.Ayah < in.FromAyah {
			continue
		}
		if in.ToAyah > 0 && v.Ayah > in.ToAyah {
			continue
		}
		out.Verses = append(out.Verses, v)
	}
	if len(out.Verses) == 0 {
		return nil, passageOutput{}, fmt.Errorf("ayah window selects no verses")
	}
	return nil, out, nil
}
