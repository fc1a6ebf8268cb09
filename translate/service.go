// Package translate turns finalized transcript turns into translated
// follow-up broadcasts. It suppresses duplicates and over-frequent calls per
// session, caches provider results process-wide, and never lets a provider
// failure escape: every attempted translation ends in a broadcast with a
// terminal status.
package translate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"pulpit/config"
	"pulpit/session"
	"pulpit/txt"
)

const (
	throttleInterval      = time.Second
	dedupMaxEntries       = 100
	dedupKeepOnTruncate   = 50
	dedupSimilarThreshold = 0.6
	rateLimitWindow       = time.Minute
)

// Update is the translation_update message broadcast to a session.
type Update struct {
	Type string     `json:"type"`
	Data UpdateData `json:"data"`
}

type UpdateData struct {
	SessionID         string  `json:"session_id"`
	OriginalText      string  `json:"original_text"`
	TextTranslated    *string `json:"text_translated"`
	TargetLanguage    string  `json:"target_language"`
	TranslationStatus string  `json:"translation_status"`
	IsFinal           bool    `json:"is_final"`
	Timestamp         string  `json:"timestamp"`
	Error             string  `json:"error,omitempty"`
}

type sessionState struct {
	lastTranslation time.Time
	fingerprints    []string // insertion-ordered normalized texts
	windowStart     time.Time
	windowCount     int // provider calls attempted in the current window
}

type Service struct {
	cfg      *config.Config
	logger   *log.Logger
	registry *session.Registry
	provider Provider

	mu       sync.Mutex
	sessions map[string]*sessionState
	cache    *resultCache
}

func NewService(cfg *config.Config, logger *log.Logger, registry *session.Registry, provider Provider) *Service {
	return &Service{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		provider: provider,
		sessions: make(map[string]*sessionState),
		cache:    newResultCache(cacheMaxEntries),
	}
}

// TranslateAndBroadcast runs the full pipeline for one finalized turn:
// throttle, dedup, provider call with caching, broadcast. Intended to be
// spawned as a goroutine; it never returns an error and never panics the
// caller's flow. Over-throttled and near-duplicate requests are dropped
// silently, which is deliberate and differs from the refiner's retry
// behavior.
func (s *Service) TranslateAndBroadcast(ctx context.Context, sessionKey, text, targetLang string) {
	now := time.Now()
	normalized := txt.Normalize(text)

	s.mu.Lock()
	st, ok := s.sessions[sessionKey]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionKey] = st
	}

	if !st.lastTranslation.IsZero() && now.Sub(st.lastTranslation) < throttleInterval {
		s.mu.Unlock()
		s.logger.Debug("throttled translation", "session", sessionKey,
			"since_last", now.Sub(st.lastTranslation))
		return
	}

	if limit := s.cfg.TranslationRateLimit; limit > 0 {
		if now.Sub(st.windowStart) >= rateLimitWindow {
			st.windowStart = now
			st.windowCount = 0
		}
		if st.windowCount >= limit {
			s.mu.Unlock()
			s.logger.Warn("translation rate limit reached", "session", sessionKey,
				"limit", limit)
			return
		}
	}

	for _, existing := range st.fingerprints {
		if existing == normalized {
			s.mu.Unlock()
			s.logger.Debug("skipping duplicate translation", "session", sessionKey)
			return
		}
	}
	for _, existing := range st.fingerprints {
		if sim := txt.Similarity(normalized, existing); sim > dedupSimilarThreshold {
			s.mu.Unlock()
			s.logger.Debug("skipping similar translation", "session", sessionKey,
				"similarity", sim)
			return
		}
	}

	// Record before calling out so a concurrent near-duplicate is caught
	// while this one is still in flight.
	st.lastTranslation = now
	st.windowCount++
	st.fingerprints = append(st.fingerprints, normalized)
	if len(st.fingerprints) > dedupMaxEntries {
		kept := st.fingerprints[len(st.fingerprints)-dedupKeepOnTruncate:]
		st.fingerprints = append([]string(nil), kept...)
	}
	s.mu.Unlock()

	translated, err := s.Translate(ctx, sessionKey, text, targetLang, "auto")

	data := UpdateData{
		SessionID:      sessionKey,
		OriginalText:   text,
		TargetLanguage: targetLang,
		IsFinal:        true,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case err != nil:
		data.TranslationStatus = "failed"
		data.Error = err.Error()
		s.logger.Error("translation failed", "session", sessionKey, "error", err)
	case translated == "":
		data.TranslationStatus = "failed"
	default:
		data.TranslationStatus = "success"
		data.TextTranslated = &translated
	}

	s.registry.Broadcast(sessionKey, Update{Type: "translation_update", Data: data}, nil)
}

// Translate is the shared caching entry point over the configured provider.
// Lookup is exact first, then fuzzy against cached keys for the same language
// pair. A provider stream is concatenated with single-space joins; an empty
// stream yields an empty result and no error.
func (s *Service) Translate(ctx context.Context, sessionKey, text, targetLang, sourceLang string) (string, error) {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return "", nil
	}

	normalized := txt.Normalize(clean)
	key := cacheKey(normalized, sourceLang, targetLang)

	if cached, ok := s.cache.get(key); ok {
		s.logger.Debug("translation cache hit", "session", sessionKey)
		return cached, nil
	}
	if cached, ok := s.cache.fuzzyGet(normalized, sourceLang, targetLang); ok {
		s.logger.Debug("translation fuzzy cache hit", "session", sessionKey)
		return cached, nil
	}

	if s.provider == nil || !s.provider.Available() {
		return "", fmt.Errorf("translation provider %q not available", s.cfg.TranslationProvider)
	}

	stream, err := s.provider.TranslateStream(ctx, sessionKey, clean, targetLang, sourceLang)
	if err != nil {
		return "", err
	}

	var parts []string
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		if chunk.Text != "" {
			parts = append(parts, chunk.Text)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}

	result := strings.Join(parts, " ")
	if cacheWorthy(result) {
		s.cache.put(key, result)
	}
	return result, nil
}

// CleanupSession drops the session's dedup state and releases any
// provider-held context. Safe to call for unknown sessions and safe to call
// twice.
func (s *Service) CleanupSession(sessionKey string) {
	s.mu.Lock()
	delete(s.sessions, sessionKey)
	s.mu.Unlock()

	if s.provider != nil {
		s.provider.CleanupSession(sessionKey, "auto", s.cfg.TranslationTarget)
	}
}

// Stats reports cache and dedup sizes for the health endpoint.
func (s *Service) Stats() map[string]int {
	s.mu.Lock()
	sessions := len(s.sessions)
	fingerprints := 0
	for _, st := range s.sessions {
		fingerprints += len(st.fingerprints)
	}
	s.mu.Unlock()

	return map[string]int{
		"cache_entries":      s.cache.len(),
		"sessions":           sessions,
		"dedup_fingerprints": fingerprints,
	}
}

// Available reports whether the configured provider can serve requests.
func (s *Service) Available() bool {
	return s.provider != nil && s.provider.Available()
}
