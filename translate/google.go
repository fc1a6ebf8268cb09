package translate

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/translate"
	"github.com/charmbracelet/log"
	"golang.org/x/text/language"
	"google.golang.org/api/option"
)

// GoogleProvider is the legacy Cloud Translation backend. It keeps no
// per-session state; CleanupSession is a no-op.
type GoogleProvider struct {
	client *translate.Client
	logger *log.Logger
}

func NewGoogleProvider(ctx context.Context, apiKey string, logger *log.Logger) *GoogleProvider {
	p := &GoogleProvider{logger: logger}
	if apiKey == "" {
		return p
	}

	client, err := translate.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		logger.Warn("google translate client init failed", "error", err)
		return p
	}
	p.client = client
	return p
}

func (p *GoogleProvider) Available() bool {
	return p.client != nil
}

func (p *GoogleProvider) TranslateStream(ctx context.Context, sessionKey, text, targetLang, sourceLang string) (<-chan Chunk, error) {
	if p.client == nil {
		return nil, fmt.Errorf("google translate client not configured")
	}

	target, err := language.Parse(targetLang)
	if err != nil {
		return nil, fmt.Errorf("parsing target language %q: %w", targetLang, err)
	}

	opts := &translate.Options{Format: translate.Text}
	if sourceLang != "" && sourceLang != "auto" {
		source, err := language.Parse(sourceLang)
		if err != nil {
			return nil, fmt.Errorf("parsing source language %q: %w", sourceLang, err)
		}
		opts.Source = source
	}

	out := make(chan Chunk, 1)
	go func() {
		defer close(out)
		translations, err := p.client.Translate(ctx, []string{text}, target, opts)
		if err != nil {
			out <- Chunk{Err: fmt.Errorf("google translate: %w", err)}
			return
		}
		if len(translations) == 0 {
			return
		}
		if result := strings.TrimSpace(translations[0].Text); result != "" {
			out <- Chunk{Text: result}
		}
	}()

	return out, nil
}

func (p *GoogleProvider) CleanupSession(sessionKey, sourceLang, targetLang string) {}
