// Package refine groups buffered transcript text into clean paragraphs
// through a pluggable backend, under a per-session cooldown. Rate-limited
// calls reschedule themselves once; failures are logged and otherwise
// silent. The live transcript stream never waits on refinement.
package refine

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"

	"pulpit/config"
	"pulpit/session"
)

// instruction is deliberately conservative: grouping only, no rewriting.
const instruction = "Group the provided lines into coherent paragraphs. " +
	"Do not change, add, or remove any words or characters from the input. " +
	"Return only the same text, with paragraph breaks inserted where appropriate."

// Fragment is a timestamped piece of transcript, kept for callers still
// sending fragment lists instead of pre-buffered text.
type Fragment struct {
	Text string `json:"text"`
}

// Payload carries one refinement request.
type Payload struct {
	BufferedText    string
	Fragments       []Fragment
	ParagraphNumber int
}

func (p Payload) text() string {
	if p.BufferedText != "" {
		return p.BufferedText
	}
	lines := make([]string, 0, len(p.Fragments))
	for _, f := range p.Fragments {
		if f.Text != "" {
			lines = append(lines, f.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// Refined is the paragraph_refined message broadcast to a session.
type Refined struct {
	Type string      `json:"type"`
	Data RefinedData `json:"data"`
}

type RefinedData struct {
	SessionID       string `json:"session_id"`
	ParagraphNumber int    `json:"paragraph_number"`
	RefinedText     string `json:"refined_text"`
	CompletedAt     string `json:"completed_at"`
}

type Refiner struct {
	cfg      *config.Config
	logger   *log.Logger
	registry *session.Registry
	genai    *genai.Client
	client   *http.Client

	mu       sync.Mutex
	lastCall map[string]time.Time
	retries  map[string]*time.Timer
}

func New(cfg *config.Config, logger *log.Logger, registry *session.Registry, genaiClient *genai.Client) *Refiner {
	return &Refiner{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		genai:    genaiClient,
		client:   &http.Client{Timeout: 45 * time.Second},
		lastCall: make(map[string]time.Time),
		retries:  make(map[string]*time.Timer),
	}
}

// Refine runs one refinement attempt for a session. When the session is
// still cooling down from its previous call, exactly one deferred retry is
// scheduled for the remaining cooldown, replacing any retry already pending.
// Nothing in this path returns an error to the caller.
func (r *Refiner) Refine(sessionKey string, p Payload) {
	now := time.Now()

	r.mu.Lock()
	if last, ok := r.lastCall[sessionKey]; ok {
		if elapsed := now.Sub(last); elapsed < r.cfg.RefinerCooldown {
			remaining := r.cfg.RefinerCooldown - elapsed
			r.scheduleRetryLocked(sessionKey, p, remaining)
			r.mu.Unlock()
			r.logger.Debug("refiner cooling down", "session", sessionKey,
				"remaining", remaining)
			return
		}
	}
	r.mu.Unlock()

	text := p.text()
	if strings.TrimSpace(text) == "" {
		return
	}

	ctx := context.Background()
	var refined string
	var err error
	switch r.cfg.RefinerProvider {
	case "gemini":
		refined, err = r.refineWithGemini(ctx, sessionKey, text)
	case "http":
		refined, err = r.refineWithHTTP(ctx, sessionKey, text, p)
	default:
		refined, err = r.refineWithLemur(ctx, sessionKey, text, p)
	}
	if err != nil {
		r.logger.Error("refinement failed", "session", sessionKey,
			"provider", r.cfg.RefinerProvider, "error", err)
		return
	}

	refined = strings.TrimSpace(refined)
	if refined == "" {
		// Rate-limited calls land here after scheduling their own retry.
		return
	}

	r.mu.Lock()
	r.lastCall[sessionKey] = now
	r.mu.Unlock()

	r.registry.Broadcast(sessionKey, Refined{
		Type: "paragraph_refined",
		Data: RefinedData{
			SessionID:       sessionKey,
			ParagraphNumber: p.ParagraphNumber,
			RefinedText:     refined,
			CompletedAt:     time.Now().UTC().Format(time.RFC3339),
		},
	}, nil)
	r.logger.Info("broadcast refined paragraph", "session", sessionKey,
		"paragraph", p.ParagraphNumber)
}

// scheduleRetryLocked coalesces deferred retries: a new schedule replaces
// any pending one rather than stacking. Caller holds r.mu.
func (r *Refiner) scheduleRetryLocked(sessionKey string, p Payload, d time.Duration) {
	if t, ok := r.retries[sessionKey]; ok {
		t.Stop()
	}
	r.retries[sessionKey] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.retries, sessionKey)
		r.mu.Unlock()
		r.Refine(sessionKey, p)
	})
}

func (r *Refiner) scheduleRetry(sessionKey string, p Payload, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleRetryLocked(sessionKey, p, d)
}

// CleanupSession cancels any pending retry and forgets the cooldown clock.
func (r *Refiner) CleanupSession(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.retries[sessionKey]; ok {
		t.Stop()
		delete(r.retries, sessionKey)
	}
	delete(r.lastCall, sessionKey)
}
