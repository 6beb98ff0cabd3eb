package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/observe"
	"github.com/rattil/rattil/internal/session"
	"github.com/rattil/rattil/pkg/audio"
	"github.com/rattil/rattil/pkg/provider/stt"
)

const (
	// liveStartTimeout bounds the wait for the client's start command.
	liveStartTimeout = 10 * time.Second

	// liveWriteTimeout bounds each outgoing frame write.
	liveWriteTimeout = 5 * time.Second

	// sttSampleRate and sttChannels are the format every audio stream is
	// converted to before it reaches the transcription provider.
	sttSampleRate = 16000
	sttChannels   = 1

	// keywordVerses is how many upcoming verses feed the recognizer's
	// keyword boost; keywordLimit caps the list (Deepgram passes keywords
	// as query parameters).
	keywordVerses = 3
	keywordLimit  = 50

	// keywordIntensity is the boost applied to expected passage words.
	keywordIntensity = 1.5
)

// liveCommand is a client control frame on the live socket.
type liveCommand struct {
	Type string `json:"type"`

	// start fields
	Surah      int    `json:"surah,omitempty"`
	Ayah       int    `json:"ayah,omitempty"`
	Auto       bool   `json:"auto,omitempty"`
	Mode       string `json:"mode,omitempty"`       // "text" (default) or "audio"
	Codec      string `json:"codec,omitempty"`      // "pcm16" (default) or "opus"
	SampleRate int    `json:"sampleRate,omitempty"` // default 16000 (pcm16) / 48000 (opus)
	Channels   int    `json:"channels,omitempty"`   // default 1

	// segment fields
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// liveFrame is a server frame on the live socket. Type is "started",
// "error", or one of the session event types.
type liveFrame struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	Located   *session.Located `json:"located,omitempty"`
	Reveal    *session.Reveal  `json:"reveal,omitempty"`
	Completed *session.Summary `json:"completed,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// liveConn couples one WebSocket connection to one session. The read loop
// and the transcript pump both write frames, so writes are serialized.
type liveConn struct {
	srv  *Server
	conn *websocket.Conn
	sess *session.Session
	gen  atomic.Uint64

	// stream is the open STT session in audio mode, nil in text mode.
	stream stt.SessionHandle

	writeMu   sync.Mutex
	completed bool
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("live: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	start, err := readStart(ctx, conn)
	if err != nil {
		writeRawError(ctx, conn, err.Error())
		conn.Close(websocket.StatusPolicyViolation, "expected start command")
		return
	}

	mode := start.Mode
	if mode == "" {
		mode = "text"
	}
	if mode != "text" && mode != "audio" {
		writeRawError(ctx, conn, fmt.Sprintf("unknown mode %q", mode))
		conn.Close(websocket.StatusPolicyViolation, "unknown mode")
		return
	}
	if mode == "audio" && s.sttProvider == nil {
		writeRawError(ctx, conn, "no streaming transcription provider configured")
		conn.Close(websocket.StatusPolicyViolation, "audio mode unavailable")
		return
	}

	sess, gen, err := s.manager.Create(ctx, session.StartOptions{
		Surah: start.Surah,
		Ayah:  start.Ayah,
		Auto:  start.Auto,
	})
	if err != nil {
		writeRawError(ctx, conn, err.Error())
		if errors.Is(err, session.ErrLimit) {
			conn.Close(websocket.StatusTryAgainLater, "session limit reached")
		} else {
			conn.Close(websocket.StatusPolicyViolation, "session rejected")
		}
		return
	}
	defer s.manager.Remove(sess.ID())

	lc := &liveConn{srv: s, conn: conn, sess: sess}
	lc.gen.Store(gen)

	s.metrics.RecordSessionStarted(ctx, mode)
	defer func() { s.metrics.RecordSessionClosed(ctx, lc.isCompleted()) }()
	observe.Logger(ctx).Info("live session started", "session_id", sess.ID(), "mode", mode)

	if err := lc.writeFrame(ctx, liveFrame{Type: "started", SessionID: sess.ID()}); err != nil {
		return
	}

	if mode == "audio" {
		lc.runAudio(ctx, start)
		return
	}
	lc.runText(ctx)
}

// readStart reads and validates the mandatory first frame.
func readStart(ctx context.Context, conn *websocket.Conn) (liveCommand, error) {
	ctx, cancel := context.WithTimeout(ctx, liveStartTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return liveCommand{}, fmt.Errorf("read start command: %w", err)
	}
	if typ != websocket.MessageText {
		return liveCommand{}, errors.New("first frame must be a start command")
	}

	var cmd liveCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return liveCommand{}, fmt.Errorf("parse start command: %w", err)
	}
	if cmd.Type != "start" {
		return liveCommand{}, fmt.Errorf("first command must be start, got %q", cmd.Type)
	}
	return cmd, nil
}

// runText serves a transcript-only session: the client does its own speech
// recognition (or types) and posts segment commands.
func (lc *liveConn) runText(ctx context.Context) {
	for {
		typ, data, err := lc.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			lc.writeError(ctx, "binary frames require audio mode")
			lc.conn.Close(websocket.StatusPolicyViolation, "unexpected binary frame")
			return
		}
		if lc.dispatch(ctx, data) {
			lc.conn.Close(websocket.StatusNormalClosure, "session finished")
			return
		}
	}
}

// runAudio serves a speech session: binary frames carry audio toward the
// STT provider while a pump goroutine turns transcripts into events.
// Control commands remain available alongside the audio.
func (lc *liveConn) runAudio(ctx context.Context, start liveCommand) {
	codec := start.Codec
	if codec == "" {
		codec = "pcm16"
	}

	sampleRate := start.SampleRate
	channels := start.Channels
	if channels == 0 {
		channels = 1
	}

	var decoder *audio.OpusDecoder
	switch codec {
	case "pcm16":
		if sampleRate == 0 {
			sampleRate = sttSampleRate
		}
	case "opus":
		if sampleRate == 0 {
			sampleRate = 48000
		}
		var err error
		decoder, err = audio.NewOpusDecoder(sampleRate, channels)
		if err != nil {
			lc.writeError(ctx, "opus decoder: "+err.Error())
			lc.conn.Close(websocket.StatusInternalError, "opus decoder failed")
			return
		}
	default:
		lc.writeError(ctx, fmt.Sprintf("unknown codec %q", codec))
		lc.conn.Close(websocket.StatusPolicyViolation, "unknown codec")
		return
	}

	stream, err := lc.srv.sttProvider.StartStream(ctx, stt.StreamConfig{
		SampleRate: sttSampleRate,
		Channels:   sttChannels,
		Language:   lc.srv.language,
	})
	if err != nil {
		lc.srv.metrics.RecordProviderError(ctx, lc.srv.sttProvider.Name())
		lc.writeError(ctx, "start transcription stream: "+err.Error())
		lc.conn.Close(websocket.StatusInternalError, "transcription unavailable")
		return
	}
	defer stream.Close()
	lc.stream = stream

	if !start.Auto && start.Surah > 0 {
		ayah := start.Ayah
		if ayah == 0 {
			ayah = 1
		}
		lc.boostKeywords(ctx, start.Surah, ayah)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go lc.pumpTranscripts(streamCtx)

	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: sttSampleRate, Channels: sttChannels}}

	for {
		typ, data, err := lc.conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			pcm := data
			if decoder != nil {
				pcm, err = decoder.Decode(data)
				if err != nil {
					slog.Debug("live: dropping undecodable opus packet",
						"session_id", lc.sess.ID(), "error", err)
					continue
				}
			}
			frame := conv.Convert(audio.Frame{Data: pcm, SampleRate: sampleRate, Channels: channels})
			if len(frame.Data) == 0 {
				continue
			}
			if err := stream.SendAudio(frame.Data); err != nil {
				lc.writeError(ctx, "transcription stream closed: "+err.Error())
				lc.conn.Close(websocket.StatusInternalError, "transcription stream closed")
				return
			}

		case websocket.MessageText:
			if lc.dispatch(ctx, data) {
				lc.conn.Close(websocket.StatusNormalClosure, "session finished")
				return
			}
		}
	}
}

// dispatch handles one control command. It reports whether the connection
// should close.
func (lc *liveConn) dispatch(ctx context.Context, data []byte) (done bool) {
	var cmd liveCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		lc.writeError(ctx, "parse command: "+err.Error())
		return false
	}

	switch cmd.Type {
	case "segment":
		events, err := lc.post(ctx, cmd.Text, cmd.Final)
		if err != nil {
			if !errors.Is(err, session.ErrStale) {
				lc.writeError(ctx, err.Error())
			}
			return false
		}
		return lc.writeEvents(ctx, events)

	case "start":
		// Mid-connection restart: same session object, fresh passage.
		gen, err := lc.sess.Restart(ctx, session.StartOptions{
			Surah: cmd.Surah,
			Ayah:  cmd.Ayah,
			Auto:  cmd.Auto,
		})
		if err != nil {
			lc.writeError(ctx, err.Error())
			return true
		}
		lc.gen.Store(gen)
		lc.setCompleted(false)
		if !cmd.Auto && cmd.Surah > 0 && lc.stream != nil {
			ayah := cmd.Ayah
			if ayah == 0 {
				ayah = 1
			}
			lc.boostKeywords(ctx, cmd.Surah, ayah)
		}
		return lc.writeFrame(ctx, liveFrame{Type: "started", SessionID: lc.sess.ID()}) != nil

	case "finish":
		summary, err := lc.sess.Finish(lc.gen.Load())
		if err != nil {
			if !errors.Is(err, session.ErrStale) {
				lc.writeError(ctx, err.Error())
			}
			return false
		}
		lc.setCompleted(true)
		lc.writeFrame(ctx, liveFrame{Type: string(session.EventCompleted), Completed: &summary})
		return true

	default:
		lc.writeError(ctx, fmt.Sprintf("unknown command %q", cmd.Type))
		return false
	}
}

// pumpTranscripts drains the STT stream into the session and forwards the
// resulting events. Exits when the stream or the connection ends.
func (lc *liveConn) pumpTranscripts(ctx context.Context) {
	partials := lc.stream.Partials()
	finals := lc.stream.Finals()

	for {
		select {
		case <-ctx.Done():
			return

		case t, ok := <-partials:
			if !ok {
				partials = nil
				if finals == nil {
					lc.streamEnded(ctx)
					return
				}
				continue
			}
			lc.postTranscript(ctx, t.Text, false)

		case t, ok := <-finals:
			if !ok {
				finals = nil
				if partials == nil {
					lc.streamEnded(ctx)
					return
				}
				continue
			}
			lc.postTranscript(ctx, t.Text, true)
		}
	}
}

// post feeds one recognized segment into the session and times the tracker
// advance.
func (lc *liveConn) post(ctx context.Context, text string, final bool) ([]session.Event, error) {
	start := time.Now()
	events, err := lc.sess.Post(ctx, lc.gen.Load(), text, final)
	lc.srv.metrics.AdvanceDuration.Record(ctx, time.Since(start).Seconds())
	return events, err
}

// postTranscript feeds one recognized segment into the session.
func (lc *liveConn) postTranscript(ctx context.Context, text string, final bool) {
	events, err := lc.post(ctx, text, final)
	if err != nil {
		if !errors.Is(err, session.ErrStale) {
			lc.writeError(ctx, err.Error())
		}
		return
	}
	if lc.writeEvents(ctx, events) {
		lc.conn.Close(websocket.StatusNormalClosure, "passage completed")
	}
}

// streamEnded reports a transcription stream that died under a connection
// that is still open.
func (lc *liveConn) streamEnded(ctx context.Context) {
	if ctx.Err() != nil || lc.isCompleted() {
		return
	}
	lc.srv.metrics.RecordProviderError(ctx, lc.srv.sttProvider.Name())
	lc.writeError(ctx, "transcription stream ended")
	lc.conn.Close(websocket.StatusInternalError, "transcription stream ended")
}

// writeEvents forwards session events to the client and records engine
// metrics. It reports whether the passage completed.
func (lc *liveConn) writeEvents(ctx context.Context, events []session.Event) (done bool) {
	for _, ev := range events {
		switch ev.Type {
		case session.EventReveal:
			var resynced bool
			for _, wr := range ev.Reveal.Words {
				lc.srv.metrics.RecordWordJudged(ctx, string(wr.Kind))
				if wr.Kind == align.Missing && !ev.Reveal.Forced {
					resynced = true
				}
			}
			if resynced {
				lc.srv.metrics.Resyncs.Add(ctx, 1)
			}
			if ev.Reveal.Forced {
				lc.srv.metrics.ForcedAdvances.Add(ctx, 1)
			}

		case session.EventFlash:
			lc.srv.metrics.FlashEvents.Add(ctx, 1)

		case session.EventLocated:
			lc.srv.metrics.RecordLocate(ctx, true)
			if lc.stream != nil {
				lc.boostKeywords(ctx, ev.Located.Surah, ev.Located.Ayah)
			}

		case session.EventCompleted:
			lc.setCompleted(true)
		}

		frame := liveFrame{
			Type:      string(ev.Type),
			Located:   ev.Located,
			Reveal:    ev.Reveal,
			Completed: ev.Completed,
		}
		if err := lc.writeFrame(ctx, frame); err != nil {
			return lc.isCompleted()
		}
	}
	return lc.isCompleted()
}

// boostKeywords hints the recognizer with the words of the next few verses.
// Providers without keyword support are left alone after a debug log.
func (lc *liveConn) boostKeywords(ctx context.Context, surah, ayah int) {
	verses, err := lc.srv.store.Passage(ctx, surah)
	if err != nil {
		slog.Debug("live: keyword boost skipped", "surah", surah, "error", err)
		return
	}

	seen := make(map[string]struct{})
	var keywords []stt.KeywordBoost
	collected := 0
	for _, v := range verses {
		if v.Ayah < ayah {
			continue
		}
		if collected >= keywordVerses || len(keywords) >= keywordLimit {
			break
		}
		collected++
		for _, w := range strings.Fields(v.Text) {
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			keywords = append(keywords, stt.KeywordBoost{Keyword: w, Boost: keywordIntensity})
			if len(keywords) >= keywordLimit {
				break
			}
		}
	}
	if len(keywords) == 0 {
		return
	}

	if err := lc.stream.SetKeywords(keywords); err != nil {
		if errors.Is(err, stt.ErrNotSupported) {
			slog.Debug("live: provider does not support keyword boosting",
				"provider", lc.srv.sttProvider.Name())
		} else {
			slog.Warn("live: keyword boost failed", "error", err)
		}
	}
}

// writeFrame sends one frame, serialized against concurrent writers.
func (lc *liveConn) writeFrame(ctx context.Context, frame liveFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()

	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	return lc.conn.Write(ctx, websocket.MessageText, data)
}

func (lc *liveConn) writeError(ctx context.Context, msg string) {
	_ = lc.writeFrame(ctx, liveFrame{Type: "error", Error: msg})
}

func (lc *liveConn) setCompleted(v bool) {
	lc.writeMu.Lock()
	lc.completed = v
	lc.writeMu.Unlock()
}

func (lc *liveConn) isCompleted() bool {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	return lc.completed
}

// writeRawError sends an error frame on a connection that has no liveConn
// yet (pre-session failures).
func writeRawError(ctx context.Context, conn *websocket.Conn, msg string) {
	data, err := json.Marshal(liveFrame{Type: "error", Error: msg})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}
