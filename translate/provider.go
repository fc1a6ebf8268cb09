package translate

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"

	"pulpit/config"
)

// Chunk is one streamed piece of a translation, or a terminal error.
type Chunk struct {
	Text string
	Err  error
}

// Provider is the capability a translation backend must offer. Exactly one
// provider is selected by configuration at startup.
type Provider interface {
	// TranslateStream yields translation chunks on the returned channel and
	// closes it when the translation is complete. An empty stream means no
	// result.
	TranslateStream(ctx context.Context, sessionKey, text, targetLang, sourceLang string) (<-chan Chunk, error)

	// Available reports whether the backend is usable with the current
	// configuration.
	Available() bool

	// CleanupSession releases any per-session state the backend holds.
	CleanupSession(sessionKey, sourceLang, targetLang string)
}

// SelectProvider picks the configured backend. The genai client may be nil
// when no Google API key is configured; the gemini provider then reports
// itself unavailable.
func SelectProvider(ctx context.Context, cfg *config.Config, logger *log.Logger, client *genai.Client) Provider {
	switch cfg.TranslationProvider {
	case "google":
		return NewGoogleProvider(ctx, cfg.GoogleAPIKey, logger)
	case "http":
		return NewHTTPProvider(cfg.TranslationHTTPURL, cfg.TranslationHTTPAuth, cfg.TranslationModel, logger, &http.Client{Timeout: 30 * time.Second})
	default:
		return NewGeminiProvider(client, cfg.TranslationModel, logger)
	}
}
