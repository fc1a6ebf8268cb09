package translate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"pulpit/config"
	"pulpit/session"
)

type recordConn struct {
	mu       sync.Mutex
	messages []interface{}
}

func (c *recordConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, v)
	return nil
}

func (c *recordConn) updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Update
	for _, m := range c.messages {
		if u, ok := m.(Update); ok {
			out = append(out, u)
		}
	}
	return out
}

// stubProvider is a controllable backend in the style of the relay's real
// providers: it streams a fixed result and counts invocations.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	result  string
	err     error
	cleaned []string
}

func (p *stubProvider) TranslateStream(ctx context.Context, sessionKey, text, targetLang, sourceLang string) (<-chan Chunk, error) {
	p.mu.Lock()
	p.calls++
	result, err := p.result, p.err
	p.mu.Unlock()

	out := make(chan Chunk, 1)
	go func() {
		defer close(out)
		if err != nil {
			out <- Chunk{Err: err}
			return
		}
		if result != "" {
			out <- Chunk{Text: result}
		}
	}()
	return out, nil
}

func (p *stubProvider) Available() bool { return true }

func (p *stubProvider) CleanupSession(sessionKey, sourceLang, targetLang string) {
	p.mu.Lock()
	p.cleaned = append(p.cleaned, sessionKey)
	p.mu.Unlock()
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestService(provider Provider) (*Service, *session.Registry) {
	logger := log.New(io.Discard)
	cfg := &config.Config{TranslationProvider: "stub", TranslationTarget: "es"}
	registry := session.NewRegistry(logger, "es")
	return NewService(cfg, logger, registry, provider), registry
}

// ageSession backdates the throttle clock so the next call is not dropped
// for timing reasons.
func ageSession(s *Service, key string) {
	s.mu.Lock()
	if st, ok := s.sessions[key]; ok {
		st.lastTranslation = time.Now().Add(-2 * time.Second)
	}
	s.mu.Unlock()
}

func TestTranslateAndBroadcastSuccess(t *testing.T) {
	provider := &stubProvider{result: "Hola."}
	svc, registry := newTestService(provider)
	conn := &recordConn{}
	registry.Join("s1", conn)

	svc.TranslateAndBroadcast(context.Background(), "s1", "Hello there.", "es")

	updates := conn.updates()
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	u := updates[0]
	if u.Type != "translation_update" {
		t.Errorf("Type = %q", u.Type)
	}
	if u.Data.TranslationStatus != "success" {
		t.Errorf("status = %q, want success", u.Data.TranslationStatus)
	}
	if u.Data.TextTranslated == nil || *u.Data.TextTranslated != "Hola." {
		t.Errorf("translated = %v, want Hola.", u.Data.TextTranslated)
	}
	if !u.Data.IsFinal {
		t.Error("update not marked final")
	}
	if u.Data.OriginalText != "Hello there." {
		t.Errorf("original = %q", u.Data.OriginalText)
	}
}

func TestDuplicateSuppressed(t *testing.T) {
	provider := &stubProvider{result: "Hola."}
	svc, registry := newTestService(provider)
	conn := &recordConn{}
	registry.Join("s1", conn)

	svc.TranslateAndBroadcast(context.Background(), "s1", "The Lord is good today.", "es")
	ageSession(svc, "s1")
	svc.TranslateAndBroadcast(context.Background(), "s1", "The Lord is good today.", "es")

	if got := provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if got := len(conn.updates()); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
}

func TestSimilarTextSuppressed(t *testing.T) {
	provider := &stubProvider{result: "Hola."}
	svc, registry := newTestService(provider)
	conn := &recordConn{}
	registry.Join("s1", conn)

	svc.TranslateAndBroadcast(context.Background(), "s1", "grace mercy peace offered today friends", "es")
	ageSession(svc, "s1")
	// Five of six normalized tokens shared: similarity well above 0.6.
	svc.TranslateAndBroadcast(context.Background(), "s1", "grace mercy peace offered today believers", "es")

	if got := provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestThrottleDropsSilently(t *testing.T) {
	provider := &stubProvider{result: "Hola."}
	svc, registry := newTestService(provider)
	conn := &recordConn{}
	registry.Join("s1", conn)

	svc.TranslateAndBroadcast(context.Background(), "s1", "First complete sentence here.", "es")
	// Entirely different text, but inside the one-second window: dropped,
	// no retry, no broadcast.
	svc.TranslateAndBroadcast(context.Background(), "s1", "Unrelated second thought entirely.", "es")

	if got := provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if got := len(conn.updates()); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
}

func TestRateLimitCapsProviderCalls(t *testing.T) {
	provider := &stubProvider{result: "Hola."}
	svc, registry := newTestService(provider)
	svc.cfg.TranslationRateLimit = 2
	conn := &recordConn{}
	registry.Join("s1", conn)

	texts := []string{
		"The harvest festival begins tomorrow morning.",
		"Quiet rivers flow beneath ancient stone bridges.",
		"Children sang cheerful songs during winter celebration.",
	}
	for _, text := range texts {
		svc.TranslateAndBroadcast(context.Background(), "s1", text, "es")
		ageSession(svc, "s1")
	}

	if got := provider.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
	if got := len(conn.updates()); got != 2 {
		t.Errorf("broadcasts = %d, want 2", got)
	}
}

func TestProviderErrorBroadcastsFailed(t *testing.T) {
	provider := &stubProvider{err: errors.New("upstream exploded")}
	svc, registry := newTestService(provider)
	conn := &recordConn{}
	registry.Join("s1", conn)

	svc.TranslateAndBroadcast(context.Background(), "s1", "Hello there friend of mine.", "es")

	updates := conn.updates()
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	if updates[0].Data.TranslationStatus != "failed" {
		t.Errorf("status = %q, want failed", updates[0].Data.TranslationStatus)
	}
	if updates[0].Data.Error == "" {
		t.Error("expected error field on failed update")
	}
	if updates[0].Data.TextTranslated != nil {
		t.Error("failed update should carry null translation")
	}
}

func TestEmptyStreamIsFailedStatus(t *testing.T) {
	provider := &stubProvider{result: ""}
	svc, registry := newTestService(provider)
	conn := &recordConn{}
	registry.Join("s1", conn)

	svc.TranslateAndBroadcast(context.Background(), "s1", "Hello there friend of mine.", "es")

	updates := conn.updates()
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	if updates[0].Data.TranslationStatus != "failed" {
		t.Errorf("status = %q, want failed", updates[0].Data.TranslationStatus)
	}
}

func TestTranslateCaching(t *testing.T) {
	provider := &stubProvider{result: "La gracia es suficiente."}
	svc, _ := newTestService(provider)
	ctx := context.Background()

	first, err := svc.Translate(ctx, "s1", "Grace is sufficient always.", "es", "auto")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Translate(ctx, "s1", "Grace is sufficient always.", "es", "auto")
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Errorf("cache returned different result: %q vs %q", first, second)
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1 (exact cache hit)", got)
	}
}

func TestTranslateFuzzyCaching(t *testing.T) {
	provider := &stubProvider{result: "La gracia y la misericordia permanecen."}
	svc, _ := newTestService(provider)
	ctx := context.Background()

	// Nine shared tokens over a union of ten: similarity exactly 0.9.
	base := "grace mercy peace hope faith charity kindness patience goodness truth"
	near := "grace mercy peace hope faith charity kindness patience goodness"

	if _, err := svc.Translate(ctx, "s1", base, "es", "auto"); err != nil {
		t.Fatal(err)
	}
	result, err := svc.Translate(ctx, "s1", near, "es", "auto")
	if err != nil {
		t.Fatal(err)
	}

	if result != "La gracia y la misericordia permanecen." {
		t.Errorf("fuzzy hit returned %q", result)
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1 (fuzzy cache hit)", got)
	}
}

func TestTranslateDifferentLanguagePairMisses(t *testing.T) {
	provider := &stubProvider{result: "translated"}
	svc, _ := newTestService(provider)
	ctx := context.Background()

	if _, err := svc.Translate(ctx, "s1", "Grace is sufficient always.", "es", "auto"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Translate(ctx, "s1", "Grace is sufficient always.", "fr", "auto"); err != nil {
		t.Fatal(err)
	}

	if got := provider.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2 (different pairs)", got)
	}
}

func TestCleanupSession(t *testing.T) {
	provider := &stubProvider{result: "Hola."}
	svc, registry := newTestService(provider)
	conn := &recordConn{}
	registry.Join("s1", conn)

	svc.TranslateAndBroadcast(context.Background(), "s1", "Hello there friend of mine.", "es")
	svc.CleanupSession("s1")
	svc.CleanupSession("s1") // idempotent

	if svc.Stats()["sessions"] != 0 {
		t.Error("session state survived cleanup")
	}
	if len(provider.cleaned) != 2 {
		t.Errorf("provider cleanup called %d times, want 2", len(provider.cleaned))
	}

	// Dedup state is gone, so the same text translates again.
	svc.TranslateAndBroadcast(context.Background(), "s1", "Hello there friend of mine.", "es")
	if got := provider.callCount(); got != 1 {
		// Cached result is served without a provider call, but the
		// broadcast still happens.
		t.Errorf("provider calls = %d, want 1 (cache hit after cleanup)", got)
	}
	if got := len(conn.updates()); got != 2 {
		t.Errorf("broadcasts = %d, want 2", got)
	}
}
