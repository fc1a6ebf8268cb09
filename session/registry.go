// Package session owns the per-session state of the relay: the set of viewer
// connections, text buffers awaiting refinement or translation, buffer
// timers, and per-session metadata. A session exists exactly while it has at
// least one connection; the last leave tears everything down and notifies
// registered collaborators so they can release their own per-session
// resources.
package session

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Conn is the minimal surface the registry needs from a client connection.
// *websocket.Conn satisfies it when wrapped for write serialization.
type Conn interface {
	WriteJSON(v interface{}) error
}

// CleanupFunc is invoked with the session key after a session's last
// connection has left and its registry state has been deleted.
type CleanupFunc func(sessionKey string)

type state struct {
	createdAt         time.Time
	conns             map[Conn]struct{}
	paragraphCounter  int
	targetLanguage    string
	textBuffer        string
	translationBuffer string
	textTimer         *time.Timer
	translationTimer  *time.Timer
}

type Registry struct {
	logger        *log.Logger
	defaultTarget string

	mu       sync.Mutex
	sessions map[string]*state
	cleanups []CleanupFunc
}

func NewRegistry(logger *log.Logger, defaultTarget string) *Registry {
	return &Registry{
		logger:        logger,
		defaultTarget: defaultTarget,
		sessions:      make(map[string]*state),
	}
}

// OnCleanup registers a collaborator to be notified when a session is torn
// down. Registration is expected at wiring time, before traffic.
func (r *Registry) OnCleanup(fn CleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, fn)
}

// Join adds a connection to a session, creating the session on first join.
func (r *Registry) Join(sessionKey string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionKey]
	if !ok {
		s = &state{
			createdAt: time.Now().UTC(),
			conns:     make(map[Conn]struct{}),
		}
		r.sessions[sessionKey] = s
	}
	s.conns[c] = struct{}{}
	r.logger.Info("join", "session", sessionKey, "connections", len(s.conns))
}

// Leave removes a connection. When the last connection goes, all session
// state is deleted atomically (timers cancelled first) and cleanup
// notifications fire.
func (r *Registry) Leave(sessionKey string, c Conn) {
	r.mu.Lock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(s.conns, c)
	if len(s.conns) > 0 {
		r.logger.Info("leave", "session", sessionKey, "connections", len(s.conns))
		r.mu.Unlock()
		return
	}

	s.stopTimers()
	delete(r.sessions, sessionKey)
	cleanups := make([]CleanupFunc, len(r.cleanups))
	copy(cleanups, r.cleanups)
	r.mu.Unlock()

	r.logger.Info("session cleaned up", "session", sessionKey)
	for _, fn := range cleanups {
		fn(sessionKey)
	}
}

func (s *state) stopTimers() {
	if s.textTimer != nil {
		s.textTimer.Stop()
		s.textTimer = nil
	}
	if s.translationTimer != nil {
		s.translationTimer.Stop()
		s.translationTimer = nil
	}
}

// Broadcast sends message to every connection in the session except exclude.
// A failing connection is dropped from the set and the loop continues.
// Broadcasting to an absent session is a no-op. Writes happen outside the
// registry lock so a slow client cannot stall unrelated sessions.
func (r *Registry) Broadcast(sessionKey string, message interface{}, exclude Conn) {
	r.mu.Lock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		r.mu.Unlock()
		return
	}
	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		if c == exclude {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var failed []Conn
	for _, c := range conns {
		if err := c.WriteJSON(message); err != nil {
			r.logger.Warn("dropping connection after failed send",
				"session", sessionKey, "error", err)
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	if s, ok := r.sessions[sessionKey]; ok {
		for _, c := range failed {
			delete(s.conns, c)
		}
	}
	r.mu.Unlock()
}

// AppendTextBuffer appends text to the session's refinement buffer with a
// single space separator.
func (r *Registry) AppendTextBuffer(sessionKey, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey]; ok {
		if s.textBuffer != "" {
			s.textBuffer += " "
		}
		s.textBuffer += text
	}
}

// DrainTextBuffer atomically returns the buffer content and resets it.
func (r *Registry) DrainTextBuffer(sessionKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		return ""
	}
	text := s.textBuffer
	s.textBuffer = ""
	return text
}

func (r *Registry) AppendTranslationBuffer(sessionKey, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey]; ok {
		if s.translationBuffer != "" {
			s.translationBuffer += " "
		}
		s.translationBuffer += text
	}
}

func (r *Registry) DrainTranslationBuffer(sessionKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		return ""
	}
	text := s.translationBuffer
	s.translationBuffer = ""
	return text
}

// SetTextTimer schedules fn after d, replacing any pending text timer for the
// session. At most one timer per (session, buffer kind) is pending.
func (r *Registry) SetTextTimer(sessionKey string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		return
	}
	if s.textTimer != nil {
		s.textTimer.Stop()
	}
	s.textTimer = time.AfterFunc(d, fn)
}

func (r *Registry) CancelTextTimer(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey]; ok && s.textTimer != nil {
		s.textTimer.Stop()
		s.textTimer = nil
	}
}

func (r *Registry) SetTranslationTimer(sessionKey string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		return
	}
	if s.translationTimer != nil {
		s.translationTimer.Stop()
	}
	s.translationTimer = time.AfterFunc(d, fn)
}

func (r *Registry) CancelTranslationTimer(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey]; ok && s.translationTimer != nil {
		s.translationTimer.Stop()
		s.translationTimer = nil
	}
}

// TargetLanguage returns the session's translation target, falling back to
// the configured default when unset or when the session does not exist.
func (r *Registry) TargetLanguage(sessionKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey]; ok && s.targetLanguage != "" {
		return s.targetLanguage
	}
	return r.defaultTarget
}

func (r *Registry) SetTargetLanguage(sessionKey, language string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey]; ok {
		s.targetLanguage = language
	}
}

// NextParagraph increments and returns the session's paragraph counter.
func (r *Registry) NextParagraph(sessionKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		return 0
	}
	s.paragraphCounter++
	return s.paragraphCounter
}

// Connections reports the number of active connections for a session, zero
// when the session does not exist.
func (r *Registry) Connections(sessionKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey]; ok {
		return len(s.conns)
	}
	return 0
}

// SessionCount reports how many sessions are live.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
