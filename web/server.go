package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pulpit/bridge"
	"pulpit/config"
	"pulpit/session"
	"pulpit/translate"
)

type Server struct {
	cfg        *config.Config
	logger     *log.Logger
	registry   *session.Registry
	bridge     *bridge.Bridge
	translator *translate.Service
	upgrader   websocket.Upgrader
	startedAt  time.Time
}

func NewServer(cfg *config.Config, logger *log.Logger, registry *session.Registry,
	b *bridge.Bridge, translator *translate.Service) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		bridge:     b,
		translator: translator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebsocket)
	r.Get("/health", s.handleHealth)
	return r
}

// wsConn serializes writes; gorilla connections allow one concurrent writer
// and broadcasts arrive from several goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type helloMessage struct {
	Type string    `json:"type"`
	Data helloData `json:"data"`
}

type helloData struct {
	SessionID          string `json:"session_id"`
	UserID             string `json:"user_id"`
	SampleRate         int    `json:"sample_rate"`
	Encoding           string `json:"encoding"`
	TranslationEnabled bool   `json:"translation_enabled"`
	TargetLanguage     string `json:"target_language"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sessionKey := q.Get("session_id")
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}
	userID := q.Get("user_id")
	if userID == "" {
		userID = uuid.NewString()
	}
	sampleRate := 16000
	if raw := q.Get("sample_rate"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			sampleRate = n
		}
	}
	encoding := q.Get("encoding")
	if encoding == "" {
		encoding = "pcm_s16le"
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}

	s.registry.Join(sessionKey, conn)
	defer func() {
		s.registry.Leave(sessionKey, conn)
		_ = raw.Close()
	}()

	if target := q.Get("target_language"); target != "" {
		s.registry.SetTargetLanguage(sessionKey, target)
	}

	s.logger.Info("client connected", "session", sessionKey, "user", userID,
		"sample_rate", sampleRate, "listeners", s.registry.Connections(sessionKey))

	if _, err := s.bridge.Open(r.Context(), sessionKey, sampleRate); err != nil {
		s.logger.Error("provider connect failed", "session", sessionKey, "error", err)
		_ = conn.WriteJSON(bridge.ErrorMessage{
			Type:    "error",
			Message: "Transcription service unavailable: " + err.Error(),
		})
		return
	}

	if err := conn.WriteJSON(helloMessage{
		Type: "connected",
		Data: helloData{
			SessionID:          sessionKey,
			UserID:             userID,
			SampleRate:         sampleRate,
			Encoding:           encoding,
			TranslationEnabled: s.cfg.TranslationEnabled,
			TargetLanguage:     s.registry.TargetLanguage(sessionKey),
		},
	}); err != nil {
		s.logger.Error("hello write failed", "session", sessionKey, "error", err)
		return
	}

	s.readLoop(r.Context(), sessionKey, sampleRate, raw, conn)
}

func (s *Server) readLoop(ctx context.Context, sessionKey string, sampleRate int, raw *websocket.Conn, conn *wsConn) {
	for {
		mt, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("client read failed", "session", sessionKey, "error", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		if err := s.bridge.SendAudio(sessionKey, data); err != nil {
			s.logger.Warn("audio forward failed", "session", sessionKey, "error", err)
			// The provider handle may have died underneath us; try once to
			// bring it back before telling the client.
			if _, openErr := s.bridge.Open(ctx, sessionKey, sampleRate); openErr != nil {
				_ = conn.WriteJSON(bridge.ErrorMessage{
					Type:    "error",
					Message: "Audio forwarding failed: " + err.Error(),
				})
			}
		}
	}
}

type healthResponse struct {
	Status               string         `json:"status"`
	UptimeSeconds        int64          `json:"uptime_seconds"`
	Sessions             int            `json:"sessions"`
	TranslationAvailable bool           `json:"translation_available"`
	Translation          map[string]int `json:"translation"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:               "ok",
		UptimeSeconds:        int64(time.Since(s.startedAt).Seconds()),
		Sessions:             s.registry.SessionCount(),
		TranslationAvailable: s.translator.Available(),
		Translation:          s.translator.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("health encode failed", "error", err)
	}
}
