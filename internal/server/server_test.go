package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/locate"
	"github.com/rattil/rattil/internal/quran"
	"github.com/rattil/rattil/internal/server"
	"github.com/rattil/rattil/internal/session"
	"github.com/rattil/rattil/pkg/audio"
	"github.com/rattil/rattil/pkg/provider/stt"
	sttmock "github.com/rattil/rattil/pkg/provider/stt/mock"
)

// testEnv bundles a running server with the dependencies tests poke at
// directly.
type testEnv struct {
	ts      *httptest.Server
	manager *session.Manager
}

// newTestEnv starts a server over the embedded seed corpus. mutate, when
// non-nil, adjusts the config before the server is built.
func newTestEnv(t *testing.T, mutate func(*server.Config)) *testEnv {
	t.Helper()

	store, err := quran.NewSeededStore(context.Background())
	if err != nil {
		t.Fatalf("NewSeededStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager, err := session.NewManager(session.ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := server.Config{Manager: manager, Store: store}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, manager: manager}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func getJSON(t *testing.T, url string) *http.Response {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeJSON(t *testing.T, res *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

// errorOf decodes the error body of a non-2xx response.
func errorOf(t *testing.T, res *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, res, &body)
	return body.Error
}

// scoreBody mirrors the score endpoint's response shape.
type scoreBody struct {
	Score      int             `json:"score"`
	Mistakes   []align.Mistake `json:"mistakes"`
	Recognized string          `json:"recognized"`
}

func TestNew_MissingDependencies(t *testing.T) {
	t.Parallel()

	if _, err := server.New(server.Config{}); err == nil {
		t.Error("New without a manager did not fail")
	}

	store := quran.NewMemStore()
	t.Cleanup(func() { store.Close() })
	manager, err := session.NewManager(session.ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := server.New(server.Config{Manager: manager}); err == nil {
		t.Error("New without a store did not fail")
	}
	if _, err := server.New(server.Config{Manager: manager, Store: store}); err != nil {
		t.Errorf("New with manager and store failed: %v", err)
	}
}

func TestScore_AgainstExpectedText(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res := postJSON(t, env.ts.URL+"/api/v1/score", map[string]any{
		"recognized": "قل هو الله احد",
		"expected":   "قل هو الله احد",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var got scoreBody
	decodeJSON(t, res, &got)
	if got.Score != 100 {
		t.Errorf("Score = %d, want 100", got.Score)
	}
	if len(got.Mistakes) != 0 {
		t.Errorf("Mistakes = %+v, want none", got.Mistakes)
	}
	if got.Recognized != "" {
		t.Errorf("Recognized = %q, want empty for text submissions", got.Recognized)
	}
}

func TestScore_ReportsWrongWord(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res := postJSON(t, env.ts.URL+"/api/v1/score", map[string]any{
		"recognized": "قل هو الله الصمد",
		"expected":   "قل هو الله احد",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var got scoreBody
	decodeJSON(t, res, &got)
	if got.Score != 75 {
		t.Errorf("Score = %d, want 75", got.Score)
	}
	if len(got.Mistakes) != 1 {
		t.Fatalf("len(Mistakes) = %d, want 1", len(got.Mistakes))
	}
	m := got.Mistakes[0]
	if m.Kind != align.Wrong || m.Position != 3 || m.Expected != "احد" || m.Actual != "الصمد" {
		t.Errorf("Mistakes[0] = %+v, want wrong at position 3 (احد / الصمد)", m)
	}
}

func TestScore_AgainstCorpusReference(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "whole surah",
			body: map[string]any{
				"recognized": "قل هو الله احد الله الصمد لم يلد ولم يولد ولم يكن له كفوا احد",
				"surah":      112,
			},
			want: 100,
		},
		{
			name: "first ayah only",
			body: map[string]any{
				"recognized": "قل هو الله احد",
				"surah":      112,
				"toAyah":     1,
			},
			want: 100,
		},
		{
			name: "ayah window",
			body: map[string]any{
				"recognized": "الله الصمد",
				"surah":      112,
				"fromAyah":   2,
				"toAyah":     2,
			},
			want: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, env.ts.URL+"/api/v1/score", tt.body)
			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}
			var got scoreBody
			decodeJSON(t, res, &got)
			if got.Score != tt.want {
				t.Errorf("Score = %d, want %d", got.Score, tt.want)
			}
		})
	}
}

func TestScore_RequestValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
	}{
		{
			name:       "expected and surah together",
			body:       map[string]any{"recognized": "x", "expected": "y", "surah": 1},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "neither expected nor surah",
			body:       map[string]any{"recognized": "x"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "surah out of range",
			body:       map[string]any{"recognized": "x", "surah": 400},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "inverted ayah range",
			body:       map[string]any{"recognized": "x", "surah": 1, "fromAyah": 5, "toAyah": 2},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "surah not in corpus",
			body:       map[string]any{"recognized": "x", "surah": 50},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "ayah range past the surah",
			body:       map[string]any{"recognized": "x", "surah": 112, "fromAyah": 9},
			wantStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, env.ts.URL+"/api/v1/score", tt.body)
			if res.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			if msg := errorOf(t, res); msg == "" {
				t.Error("error body is empty")
			}
		})
	}
}

func TestScore_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res, err := http.Post(env.ts.URL+"/api/v1/score", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

// multipartWAV builds a multipart body with the given form fields and a WAV
// file under the "audio" field.
func multipartWAV(t *testing.T, fields map[string]string, wav []byte) (contentType string, body *bytes.Buffer) {
	t.Helper()
	body = &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%q): %v", k, err)
		}
	}
	if wav != nil {
		fw, err := w.CreateFormFile("audio", "recitation.wav")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(wav); err != nil {
			t.Fatalf("write WAV payload: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return w.FormDataContentType(), body
}

func TestScore_AudioUpload(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Transcriber{
		Result: stt.Transcript{Text: "قل هو الله احد", IsFinal: true, Confidence: 0.97},
	}
	env := newTestEnv(t, func(cfg *server.Config) { cfg.Transcriber = transcriber })

	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	contentType, body := multipartWAV(t, map[string]string{"surah": "112", "toAyah": "1"}, audio.EncodeWAV(pcm, 16000, 1))

	res, err := http.Post(env.ts.URL+"/api/v1/score", contentType, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got scoreBody
	decodeJSON(t, res, &got)
	if got.Score != 100 {
		t.Errorf("Score = %d, want 100", got.Score)
	}
	if got.Recognized != "قل هو الله احد" {
		t.Errorf("Recognized = %q, want the transcript echoed back", got.Recognized)
	}

	if len(transcriber.TranscribeCalls) != 1 {
		t.Fatalf("len(TranscribeCalls) = %d, want 1", len(transcriber.TranscribeCalls))
	}
	call := transcriber.TranscribeCalls[0]
	if !bytes.Equal(call.PCM, pcm) {
		t.Errorf("Transcribe received %d PCM bytes, want the decoded %d-byte upload", len(call.PCM), len(pcm))
	}
	if call.Cfg.SampleRate != 16000 || call.Cfg.Channels != 1 {
		t.Errorf("Transcribe config = %d Hz %d ch, want 16000 Hz 1 ch", call.Cfg.SampleRate, call.Cfg.Channels)
	}
	if call.Cfg.Language != "ar" {
		t.Errorf("Transcribe language = %q, want %q", call.Cfg.Language, "ar")
	}
}

func TestScore_AudioUploadWithoutTranscriber(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	contentType, body := multipartWAV(t, map[string]string{"expected": "قل"}, audio.EncodeWAV(make([]byte, 320), 16000, 1))
	res, err := http.Post(env.ts.URL+"/api/v1/score", contentType, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestScore_AudioUploadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		transcriber *sttmock.Transcriber
		fields      map[string]string
		wav         []byte
		wantStatus  int
	}{
		{
			name:        "garbage instead of WAV",
			transcriber: &sttmock.Transcriber{},
			fields:      map[string]string{"expected": "قل"},
			wav:         []byte("definitely not audio"),
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "missing audio field",
			transcriber: &sttmock.Transcriber{},
			fields:      map[string]string{"expected": "قل"},
			wav:         nil,
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "transcription backend failure",
			transcriber: &sttmock.Transcriber{TranscribeErr: errors.New("backend exploded")},
			fields:      map[string]string{"expected": "قل"},
			wav:         audio.EncodeWAV(make([]byte, 320), 16000, 1),
			wantStatus:  http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *server.Config) { cfg.Transcriber = tt.transcriber })
			contentType, body := multipartWAV(t, tt.fields, tt.wav)
			res, err := http.Post(env.ts.URL+"/api/v1/score", contentType, body)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer res.Body.Close()
			if res.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", res.StatusCode, tt.wantStatus, errorOf(t, res))
			}
		})
	}
}

// locateBody mirrors the locate endpoint's response shape.
type locateBody struct {
	Matched bool          `json:"matched"`
	Match   *locate.Match `json:"match"`
}

func TestLocate_MatchesVerse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res := postJSON(t, env.ts.URL+"/api/v1/locate", map[string]any{"text": "قل هو الله احد"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var got locateBody
	decodeJSON(t, res, &got)
	if !got.Matched || got.Match == nil {
		t.Fatalf("Matched = %v, Match = %v; want a match", got.Matched, got.Match)
	}
	if got.Match.Surah != 112 || got.Match.Ayah != 1 {
		t.Errorf("Match = %d:%d, want 112:1", got.Match.Surah, got.Match.Ayah)
	}
	if got.Match.Confidence != 100 {
		t.Errorf("Confidence = %d, want 100 for an exact recitation", got.Match.Confidence)
	}
}

func TestLocate_SurahFilter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res := postJSON(t, env.ts.URL+"/api/v1/locate", map[string]any{"text": "قل هو الله احد", "surah": 112})
	var got locateBody
	decodeJSON(t, res, &got)
	if !got.Matched || got.Match == nil || got.Match.Surah != 112 {
		t.Errorf("filtered locate = %+v, want a match in surah 112", got)
	}

	// The same text restricted to an unrelated surah shares no words.
	res = postJSON(t, env.ts.URL+"/api/v1/locate", map[string]any{"text": "قل هو الله احد", "surah": 103})
	got = locateBody{}
	decodeJSON(t, res, &got)
	if got.Matched || got.Match != nil {
		t.Errorf("locate in surah 103 = %+v, want no match", got)
	}
}

func TestLocate_RequestValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty text", map[string]any{"text": "   "}},
		{"surah out of range", map[string]any{"text": "قل", "surah": 400}},
		{"negative surah", map[string]any{"text": "قل", "surah": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, env.ts.URL+"/api/v1/locate", tt.body)
			if res.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func TestPassages_ReturnsSurah(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res := getJSON(t, env.ts.URL+"/api/v1/passages/112")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var got struct {
		Surah  int           `json:"surah"`
		Verses []quran.Verse `json:"verses"`
	}
	decodeJSON(t, res, &got)
	if got.Surah != 112 {
		t.Errorf("Surah = %d, want 112", got.Surah)
	}
	if len(got.Verses) != 4 {
		t.Fatalf("len(Verses) = %d, want 4", len(got.Verses))
	}
	if got.Verses[0].Ayah != 1 || got.Verses[0].Text == "" {
		t.Errorf("Verses[0] = %+v, want ayah 1 with text", got.Verses[0])
	}
}

func TestPassages_Errors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/v1/passages/50", http.StatusNotFound},
		{"/api/v1/passages/abc", http.StatusBadRequest},
		{"/api/v1/passages/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res := getJSON(t, env.ts.URL+tt.path)
			if res.StatusCode != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, res.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestVerse_Lookup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res := getJSON(t, env.ts.URL+"/api/v1/passages/1/1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var got quran.Verse
	decodeJSON(t, res, &got)
	if got.Surah != 1 || got.Ayah != 1 {
		t.Errorf("verse = %d:%d, want 1:1", got.Surah, got.Ayah)
	}
	if !strings.Contains(got.Text, "بِسْمِ") {
		t.Errorf("Text = %q, want the basmala", got.Text)
	}

	res = getJSON(t, env.ts.URL+"/api/v1/passages/1/99")
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("missing ayah status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestSessions_ListsActive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	s, _, err := env.manager.Create(context.Background(), session.StartOptions{Surah: 112})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := getJSON(t, env.ts.URL+"/api/v1/sessions")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var got struct {
		Sessions []session.View `json:"sessions"`
	}
	decodeJSON(t, res, &got)
	if len(got.Sessions) != 1 {
		t.Fatalf("len(Sessions) = %d, want 1", len(got.Sessions))
	}
	v := got.Sessions[0]
	if v.ID != s.ID() {
		t.Errorf("ID = %q, want %q", v.ID, s.ID())
	}
	if v.State != session.StateTracking {
		t.Errorf("State = %v, want %v", v.State, session.StateTracking)
	}
	if v.Surah != 112 {
		t.Errorf("Surah = %d, want 112", v.Surah)
	}
}

func TestMetricsEndpoint_Served(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	res := getJSON(t, env.ts.URL+"/metrics")
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestCORS_PreflightAndHeaders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/v1/score", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	get := getJSON(t, env.ts.URL+"/api/v1/passages/112")
	if got := get.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("GET Access-Control-Allow-Origin = %q, want *", got)
	}
}
