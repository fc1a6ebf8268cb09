// Package bridge owns the outbound streaming connection to the transcription
// provider, one per session. Audio flows in through SendAudio; provider
// events flow out through a per-session listener goroutine that broadcasts
// live transcripts and forks the refinement and translation pipelines.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"pulpit/config"
	"pulpit/refine"
	"pulpit/session"
	"pulpit/translate"
	"pulpit/txt"
)

// ErrNoSession is returned by SendAudio when no provider handle exists for
// the session. The caller decides whether to surface it or reconnect; the
// bridge never reconnects implicitly.
var ErrNoSession = fmt.Errorf("no transcription session open")

// Handle states. A handle is created in stateConnecting, moves to
// stateStreaming when its listener starts, and ends in stateClosed exactly
// once.
const (
	stateConnecting int32 = iota
	stateStreaming
	stateClosed
)

// Handle is one live provider connection for one session key.
type Handle struct {
	sessionKey string
	conn       *websocket.Conn
	state      atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (h *Handle) writeJSON(v interface{}) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteJSON(v)
}

func (h *Handle) writeBinary(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.BinaryMessage, data)
}

// close releases the handle exactly once: best-effort termination notice,
// then the underlying connection. Safe to call from the listener, from
// session cleanup, or both.
func (h *Handle) close(logger *log.Logger) {
	h.closeOnce.Do(func() {
		h.state.Store(stateClosed)
		if err := h.writeJSON(map[string]string{"type": "Terminate"}); err != nil {
			logger.Debug("termination notice failed", "session", h.sessionKey, "error", err)
		}
		if err := h.conn.Close(); err != nil {
			logger.Debug("provider connection close failed", "session", h.sessionKey, "error", err)
		}
		logger.Info("provider session closed", "session", h.sessionKey)
	})
}

type Bridge struct {
	cfg        *config.Config
	logger     *log.Logger
	registry   *session.Registry
	translator *translate.Service
	refiner    *refine.Refiner
	dialer     *websocket.Dialer

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(cfg *config.Config, logger *log.Logger, registry *session.Registry,
	translator *translate.Service, refiner *refine.Refiner) *Bridge {
	return &Bridge{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		translator: translator,
		refiner:    refiner,
		dialer:     websocket.DefaultDialer,
		handles:    make(map[string]*Handle),
	}
}

// Open lazily establishes the provider connection for a session. A second
// open for the same key returns the existing handle. A failed dial is fatal
// for this attempt only; sending more audio may trigger a fresh Open.
func (b *Bridge) Open(ctx context.Context, sessionKey string, sampleRate int) (*Handle, error) {
	b.mu.Lock()
	if h, ok := b.handles[sessionKey]; ok {
		b.mu.Unlock()
		return h, nil
	}
	b.mu.Unlock()

	if b.cfg.AssemblyAIKey == "" {
		return nil, fmt.Errorf("assemblyai_api_key not configured")
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "true")
	params.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(b.cfg.MinTurnSilence))
	params.Set("max_turn_silence", strconv.Itoa(b.cfg.MaxTurnSilence))
	wsURL := b.cfg.StreamingURL + "?" + params.Encode()

	header := http.Header{}
	header.Set("Authorization", b.cfg.AssemblyAIKey)

	conn, _, err := b.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("connecting to transcription provider: %w", err)
	}

	h := &Handle{sessionKey: sessionKey, conn: conn}
	h.state.Store(stateConnecting)

	b.mu.Lock()
	if existing, ok := b.handles[sessionKey]; ok {
		// Lost the race with a concurrent open; keep the first handle.
		b.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	b.handles[sessionKey] = h
	b.mu.Unlock()

	h.state.Store(stateStreaming)
	go b.listen(h)

	b.logger.Info("provider session opened", "session", sessionKey, "sample_rate", sampleRate)
	return h, nil
}

// SendAudio forwards one audio chunk to the session's provider connection.
// Chunks under the configured minimum are dropped as probable noise or
// keepalives.
func (b *Bridge) SendAudio(sessionKey string, data []byte) error {
	if len(data) < b.cfg.MinAudioChunk {
		return nil
	}

	b.mu.Lock()
	h, ok := b.handles[sessionKey]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for session %s", ErrNoSession, sessionKey)
	}

	if err := h.writeBinary(data); err != nil {
		return fmt.Errorf("forwarding audio for %s: %w", sessionKey, err)
	}
	return nil
}

// Cleanup tears down the provider connection for a session and releases the
// translator's and refiner's per-session state. Idempotent.
func (b *Bridge) Cleanup(sessionKey string) {
	b.mu.Lock()
	h, ok := b.handles[sessionKey]
	if ok {
		delete(b.handles, sessionKey)
	}
	b.mu.Unlock()

	if ok {
		h.close(b.logger)
	}

	b.translator.CleanupSession(sessionKey)
	b.refiner.CleanupSession(sessionKey)
}

// HasSession reports whether a provider handle exists for the session.
func (b *Bridge) HasSession(sessionKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handles[sessionKey]
	return ok
}

func (b *Bridge) listen(h *Handle) {
	defer func() {
		b.mu.Lock()
		if current, ok := b.handles[h.sessionKey]; ok && current == h {
			delete(b.handles, h.sessionKey)
		}
		b.mu.Unlock()
		h.close(b.logger)
	}()

	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Info("provider closed stream", "session", h.sessionKey)
			} else if h.state.Load() != stateClosed {
				b.logger.Error("provider stream error", "session", h.sessionKey, "error", err)
			}
			return
		}

		var event providerEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			b.logger.Warn("unparseable provider event", "session", h.sessionKey, "error", err)
			continue
		}
		b.handleEvent(h.sessionKey, event)
	}
}

func (b *Bridge) handleEvent(sessionKey string, event providerEvent) {
	switch event.Type {
	case "Begin":
		b.logger.Info("provider session began", "session", sessionKey, "id", event.ID)

	case "Turn":
		b.handleTurn(sessionKey, event)

	case "Termination":
		b.logger.Info("provider session terminated", "session", sessionKey,
			"audio_seconds", event.AudioDurationSeconds)

	default:
		if event.Error != "" {
			b.registry.Broadcast(sessionKey, ErrorMessage{
				Type:    "error",
				Message: "Transcription error: " + event.Error,
			}, nil)
			return
		}
		b.logger.Warn("unknown provider event", "session", sessionKey, "type", event.Type)
	}
}

func (b *Bridge) handleTurn(sessionKey string, event providerEvent) {
	transcript := strings.TrimSpace(event.Transcript)
	if transcript == "" {
		return
	}

	isFinal := event.EndOfTurn && event.TurnIsFormatted
	targetLang := b.registry.TargetLanguage(sessionKey)

	status := "ready"
	switch {
	case !b.cfg.TranslationEnabled:
		status = "disabled"
	case !event.EndOfTurn:
		status = "translating"
	}

	var target *string
	if b.cfg.TranslationEnabled {
		target = &targetLang
	}

	// The live transcript always goes out first; derived messages follow in
	// their own goroutines.
	b.registry.Broadcast(sessionKey, LiveTranscript{
		Type: "live_transcript",
		Data: LiveTranscriptData{
			SessionID:         sessionKey,
			Text:              transcript,
			TextTranslated:    nil,
			TargetLanguage:    target,
			TranslationStatus: status,
			IsFinal:           isFinal,
			Timestamp:         time.Now().UTC().Format(time.RFC3339),
		},
	}, nil)

	// The derived pipelines key on the end of the turn alone; formatting only
	// affects the live message's final flag. The translator's dedup absorbs a
	// formatted duplicate of a turn already handled unformatted.
	if !event.EndOfTurn {
		return
	}

	// Final turns feed the paragraph buffer; the timer fires once the
	// speaker pauses long enough for a paragraph to be worth grouping.
	b.registry.AppendTextBuffer(sessionKey, transcript)
	b.registry.SetTextTimer(sessionKey, b.cfg.TextBufferDelay, func() {
		buffered := b.registry.DrainTextBuffer(sessionKey)
		if strings.TrimSpace(buffered) == "" {
			return
		}
		b.refiner.Refine(sessionKey, refine.Payload{
			BufferedText:    buffered,
			ParagraphNumber: b.registry.NextParagraph(sessionKey),
		})
	})

	if !b.cfg.TranslationEnabled {
		return
	}

	if txt.IsCompleteEnough(transcript) {
		go b.translator.TranslateAndBroadcast(context.Background(), sessionKey, transcript, targetLang)
		return
	}

	// Fragments too short or unterminated to translate on their own are
	// buffered and flushed together once the speaker trails off.
	b.registry.AppendTranslationBuffer(sessionKey, transcript)
	b.registry.SetTranslationTimer(sessionKey, b.cfg.TextBufferDelay, func() {
		buffered := strings.TrimSpace(b.registry.DrainTranslationBuffer(sessionKey))
		if buffered == "" {
			return
		}
		target := b.registry.TargetLanguage(sessionKey)
		b.translator.TranslateAndBroadcast(context.Background(), sessionKey, buffered, target)
	})
}
