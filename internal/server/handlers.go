package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/locate"
	"github.com/rattil/rattil/internal/quran"
	"github.com/rattil/rattil/pkg/audio"
	"github.com/rattil/rattil/pkg/provider/stt"
)

// maxScoreUpload bounds audio uploads to the score endpoint. Ten minutes
// of 16 kHz mono PCM is under 20 MiB.
const maxScoreUpload = 32 << 20

// scoreRequest selects the expected text either verbatim or by reference.
// Exactly one of Expected and Surah must be set.
type scoreRequest struct {
	// Recognized is the recited text to judge. May be empty; every
	// expected word is then missing.
	Recognized string `json:"recognized"`

	// Expected is the reference text to judge against.
	Expected string `json:"expected,omitempty"`

	// Surah selects the reference text from the corpus instead.
	Surah int `json:"surah,omitempty"`

	// FromAyah and ToAyah bound the passage within Surah, inclusive.
	// Zero means from the first or through the last ayah.
	FromAyah int `json:"fromAyah,omitempty"`
	ToAyah   int `json:"toAyah,omitempty"`
}

type scoreResponse struct {
	align.Result

	// Recognized echoes the transcript when the submission was audio.
	Recognized string `json:"recognized,omitempty"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		s.handleScoreAudio(w, r)
		return
	}

	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	expected, ok := s.resolveExpected(w, r, req)
	if !ok {
		return
	}
	s.writeAlignment(w, r, req.Recognized, expected, "")
}

// handleScoreAudio scores a recorded recitation: the uploaded WAV is
// transcribed with the batch provider, then judged like a text submission.
func (s *Server) handleScoreAudio(w http.ResponseWriter, r *http.Request) {
	if s.transcriber == nil {
		writeError(w, http.StatusServiceUnavailable, "no batch transcription provider configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxScoreUpload)
	if err := r.ParseMultipartForm(maxScoreUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, `missing "audio" file field`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read audio upload: "+err.Error())
		return
	}
	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := scoreRequest{
		Expected: r.FormValue("expected"),
		Surah:    formInt(r, "surah"),
		FromAyah: formInt(r, "fromAyah"),
		ToAyah:   formInt(r, "toAyah"),
	}
	expected, ok := s.resolveExpected(w, r, req)
	if !ok {
		return
	}

	start := time.Now()
	transcript, err := s.transcriber.Transcribe(r.Context(), pcm, stt.StreamConfig{
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Language:   s.language,
	})
	s.metrics.STTDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderError(r.Context(), s.transcriber.Name())
		writeError(w, http.StatusBadGateway, "transcription failed: "+err.Error())
		return
	}

	s.writeAlignment(w, r, transcript.Text, expected, transcript.Text)
}

// resolveExpected turns a score request into the expected text, writing
// the error response itself when the request cannot be served.
func (s *Server) resolveExpected(w http.ResponseWriter, r *http.Request, req scoreRequest) (string, bool) {
	switch {
	case req.Expected != "" && req.Surah != 0:
		writeError(w, http.StatusBadRequest, "provide either expected text or a surah reference, not both")
		return "", false
	case req.Expected != "":
		return req.Expected, true
	case req.Surah == 0:
		writeError(w, http.StatusBadRequest, "expected text or surah reference is required")
		return "", false
	}

	if req.Surah < 1 || req.Surah > quran.MaxSurah {
		writeError(w, http.StatusBadRequest, "surah out of range")
		return "", false
	}
	if req.FromAyah < 0 || req.ToAyah < 0 || (req.ToAyah > 0 && req.FromAyah > req.ToAyah) {
		writeError(w, http.StatusBadRequest, "invalid ayah range")
		return "", false
	}

	text, err := quran.PassageText(r.Context(), s.store, req.Surah, req.FromAyah, req.ToAyah)
	if err != nil {
		if errors.Is(err, quran.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no verses for that reference")
		} else {
			writeError(w, http.StatusInternalServerError, "load passage: "+err.Error())
		}
		return "", false
	}
	return text, true
}

// writeAlignment runs the aligner and writes the score response.
// recognizedEcho is included in the body when non-empty (audio mode).
func (s *Server) writeAlignment(w http.ResponseWriter, r *http.Request, recognized, expected, recognizedEcho string) {
	start := time.Now()
	result := s.aligner.Align(recognized, expected)
	s.metrics.AlignDuration.Record(r.Context(), time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, scoreResponse{Result: result, Recognized: recognizedEcho})
}

type locateRequest struct {
	// Text is the recited fragment to identify.
	Text string `json:"text"`

	// Surah restricts the search to one chapter. Zero searches the whole
	// corpus.
	Surah int `json:"surah,omitempty"`
}

type locateResponse struct {
	Matched bool          `json:"matched"`
	Match   *locate.Match `json:"match,omitempty"`
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	var req locateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Surah < 0 || req.Surah > quran.MaxSurah {
		writeError(w, http.StatusBadRequest, "surah out of range")
		return
	}

	verses, err := s.store.Corpus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load corpus: "+err.Error())
		return
	}
	candidates := make([]locate.Candidate, len(verses))
	for i, v := range verses {
		candidates[i] = locate.Candidate{Surah: v.Surah, Ayah: v.Ayah, Text: v.Text}
	}

	m, ok := s.locator.Locate(req.Text, candidates, req.Surah)
	s.metrics.RecordLocate(r.Context(), ok)
	if !ok {
		writeJSON(w, http.StatusOK, locateResponse{Matched: false})
		return
	}
	writeJSON(w, http.StatusOK, locateResponse{Matched: true, Match: &m})
}

type passageResponse struct {
	Surah  int           `json:"surah"`
	Verses []quran.Verse `json:"verses"`
}

func (s *Server) handlePassage(w http.ResponseWriter, r *http.Request) {
	surah, ok := pathInt(w, r, "surah")
	if !ok {
		return
	}

	verses, err := s.store.Passage(r.Context(), surah)
	if err != nil {
		if errors.Is(err, quran.ErrNotFound) {
			writeError(w, http.StatusNotFound, "surah not found")
		} else {
			writeError(w, http.StatusInternalServerError, "load passage: "+err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, passageResponse{Surah: surah, Verses: verses})
}

func (s *Server) handleVerse(w http.ResponseWriter, r *http.Request) {
	surah, ok := pathInt(w, r, "surah")
	if !ok {
		return
	}
	ayah, ok := pathInt(w, r, "ayah")
	if !ok {
		return
	}

	verse, err := s.store.Lookup(r.Context(), surah, ayah)
	if err != nil {
		if errors.Is(err, quran.ErrNotFound) {
			writeError(w, http.StatusNotFound, "verse not found")
		} else {
			writeError(w, http.StatusInternalServerError, "lookup verse: "+err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, verse)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.Views()})
}

// pathInt parses a positive integer path segment, writing a 400 response
// on failure.
func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

// formInt parses an optional integer form field; absent or malformed
// fields read as zero.
func formInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.FormValue(name))
	return n
}
