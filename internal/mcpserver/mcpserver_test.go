package mcpserver_test

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/mcpserver"
	"github.com/rattil/rattil/internal/quran"
)

// newTestSession wires a server over in-memory transports and returns a
// connected client session.
func newTestSession(t *testing.T) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	store, err := quran.NewSeededStore(ctx)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	srv, err := mcpserver.New(mcpserver.Config{Store: store, Version: "test"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	clientTr, serverTr := mcpsdk.NewInMemoryTransports()
	serverSession, err := srv.Connect(ctx, serverTr)
	if err != nil {
		t.Fatalf("connect server: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Wait() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "rattil-test", Version: "0.0.0"}, nil)
	session, err := client.Connect(ctx, clientTr, nil)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callTool(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return res
}

// decodeStructured round-trips the result's structured content into out.
func decodeStructured(t *testing.T, res *mcpsdk.CallToolResult, out any) {
	t.Helper()
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode structured content: %v", err)
	}
}

func textContent(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

type locateResult struct {
	Matched    bool   `json:"matched"`
	Surah      int    `json:"surah"`
	Ayah       int    `json:"ayah"`
	Confidence int    `json:"confidencePercent"`
	Text       string `json:"matchedText"`
}

type scoreResult struct {
	Score    int             `json:"score"`
	Mistakes []align.Mistake `json:"mistakes"`
}

type normalizeResult struct {
	Normalized string   `json:"normalized"`
	Tokens     []string `json:"tokens"`
}

type passageResult struct {
	Surah  int           `json:"surah"`
	Verses []quran.Verse `json:"verses"`
}

func TestNew_RequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := mcpserver.New(mcpserver.Config{}); err == nil {
		t.Fatal("New without a store: got nil error")
	}
}

func TestTools_Listed(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	var names []string
	for tool, err := range session.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	want := []string{"get_passage", "locate_verse", "normalize_text", "score_recitation"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("tool names = %v, want %v", names, want)
	}
}

func TestLocateVerse_MatchesVerse(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	res := callTool(t, session, "locate_verse", map[string]any{"text": "قل هو الله احد"})
	if res.IsError {
		t.Fatalf("locate_verse errored: %s", textContent(res))
	}
	var out locateResult
	decodeStructured(t, res, &out)

	if !out.Matched {
		t.Fatal("Matched = false, want true")
	}
	if out.Surah != 112 || out.Ayah != 1 {
		t.Errorf("matched %d:%d, want 112:1", out.Surah, out.Ayah)
	}
	if out.Confidence != 100 {
		t.Errorf("Confidence = %d, want 100", out.Confidence)
	}
	if out.Text == "" {
		t.Error("matched Text is empty")
	}
}

func TestLocateVerse_SurahFilter(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	// Surah 103 shares no words with the recited text, so the filtered
	// search comes up empty.
	res := callTool(t, session, "locate_verse", map[string]any{
		"text":  "قل هو الله احد",
		"surah": 103,
	})
	if res.IsError {
		t.Fatalf("locate_verse errored: %s", textContent(res))
	}
	var out locateResult
	decodeStructured(t, res, &out)

	if out.Matched {
		t.Fatalf("Matched = true for %d:%d, want no match", out.Surah, out.Ayah)
	}
}

func TestLocateVerse_RequiresText(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	res := callTool(t, session, "locate_verse", map[string]any{"text": ""})
	if !res.IsError {
		t.Fatal("locate_verse with blank text: IsError = false")
	}
	if msg := textContent(res); !strings.Contains(msg, "text is required") {
		t.Errorf("error text = %q, want mention of required text", msg)
	}
}

func TestScoreRecitation_PerfectAgainstExpected(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	res := callTool(t, session, "score_recitation", map[string]any{
		"recognized": "قل هو الله احد",
		"expected":   "قُلْ هُوَ ٱللَّهُ أَحَدٌ",
	})
	if res.IsError {
		t.Fatalf("score_recitation errored: %s", textContent(res))
	}
	var out scoreResult
	decodeStructured(t, res, &out)

	if out.Score != 100 {
		t.Errorf("Score = %d, want 100", out.Score)
	}
	if len(out.Mistakes) != 0 {
		t.Errorf("Mistakes = %v, want none", out.Mistakes)
	}
}

func TestScoreRecitation_AgainstCorpusReference(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	res := callTool(t, session, "score_recitation", map[string]any{
		"recognized": "قل هو الله الصمد",
		"surah":      112,
		"toAyah":     1,
	})
	if res.IsError {
		t.Fatalf("score_recitation errored: %s", textContent(res))
	}
	var out scoreResult
	decodeStructured(t, res, &out)

	if out.Score != 75 {
		t.Errorf("Score = %d, want 75", out.Score)
	}
	want := []align.Mistake{{Kind: align.Wrong, Position: 3, Expected: "احد", Actual: "الصمد"}}
	if !reflect.DeepEqual(out.Mistakes, want) {
		t.Errorf("Mistakes = %v, want %v", out.Mistakes, want)
	}
}

func TestScoreRecitation_Validation(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	tests := []struct {
		name    string
		args    map[string]any
		wantMsg string
	}{
		{
			name: "expected and surah together",
			args: map[string]any{
				"recognized": "قل",
				"expected":   "قل",
				"surah":      112,
			},
			wantMsg: "not both",
		},
		{
			name:    "neither expected nor surah",
			args:    map[string]any{"recognized": "قل"},
			wantMsg: "required",
		},
		{
			name:    "surah out of range",
			args:    map[string]any{"recognized": "قل", "surah": 400},
			wantMsg: "out of range",
		},
		{
			name: "inverted ayah window",
			args: map[string]any{
				"recognized": "قل",
				"surah":      112,
				"fromAyah":   3,
				"toAyah":     1,
			},
			wantMsg: "invalid ayah window",
		},
		{
			name:    "unknown surah",
			args:    map[string]any{"recognized": "قل", "surah": 50},
			wantMsg: "load reference passage",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := callTool(t, session, "score_recitation", tt.args)
			if !res.IsError {
				t.Fatal("IsError = false, want true")
			}
			if msg := textContent(res); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error text = %q, want substring %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestNormalizeText_CanonicalizesArabic(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	res := callTool(t, session, "normalize_text", map[string]any{
		"text": "ٱلْحَمْدُ لِلَّهِ رَبِّ ٱلْعَٰلَمِينَ",
	})
	if res.IsError {
		t.Fatalf("normalize_text errored: %s", textContent(res))
	}
	var out normalizeResult
	decodeStructured(t, res, &out)

	if got, want := out.Normalized, "الحمد لله رب العالمين"; got != want {
		t.Errorf("Normalized = %q, want %q", got, want)
	}
	wantTokens := []string{"الحمد", "لله", "رب", "العالمين"}
	if !reflect.DeepEqual(out.Tokens, wantTokens) {
		t.Errorf("Tokens = %v, want %v", out.Tokens, wantTokens)
	}
}

func TestGetPassage_ReturnsSurah(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	res := callTool(t, session, "get_passage", map[string]any{"surah": 112})
	if res.IsError {
		t.Fatalf("get_passage errored: %s", textContent(res))
	}
	var out passageResult
	decodeStructured(t, res, &out)

	if out.Surah != 112 {
		t.Errorf("Surah = %d, want 112", out.Surah)
	}
	if len(out.Verses) != 4 {
		t.Fatalf("len(Verses) = %d, want 4", len(out.Verses))
	}
	for i, v := range out.Verses {
		if v.Ayah != i+1 {
			t.Errorf("Verses[%d].Ayah = %d, want %d", i, v.Ayah, i+1)
		}
		if v.Text == "" {
			t.Errorf("Verses[%d].Text is empty", i)
		}
	}
}

func TestGetPassage_AyahWindow(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	res := callTool(t, session, "get_passage", map[string]any{
		"surah":    112,
		"fromAyah": 2,
		"toAyah":   2,
	})
	if res.IsError {
		t.Fatalf("get_passage errored: %s", textContent(res))
	}
	var out passageResult
	decodeStructured(t, res, &out)

	if len(out.Verses) != 1 {
		t.Fatalf("len(Verses) = %d, want 1", len(out.Verses))
	}
	if out.Verses[0].Ayah != 2 {
		t.Errorf("Ayah = %d, want 2", out.Verses[0].Ayah)
	}
}

func TestGetPassage_Errors(t *testing.T) {
	t.Parallel()
	session := newTestSession(t)

	tests := []struct {
		name    string
		args    map[string]any
		wantMsg string
	}{
		{
			name:    "surah out of range",
			args:    map[string]any{"surah": 0},
			wantMsg: "out of range",
		},
		{
			name:    "unknown surah",
			args:    map[string]any{"surah": 50},
			wantMsg: "load passage",
		},
		{
			name:    "window beyond surah",
			args:    map[string]any{"surah": 112, "fromAyah": 9},
			wantMsg: "selects no verses",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := callTool(t, session, "get_passage", tt.args)
			if !res.IsError {
				t.Fatal("IsError = false, want true")
			}
			if msg := textContent(res); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error text = %q, want substring %q", msg, tt.wantMsg)
			}
		})
	}
}
