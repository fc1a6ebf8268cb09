package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"pulpit/config"
)

// HTTPProvider posts translation requests to a configured endpoint with a
// single custom auth header. It keeps no per-session state.
type HTTPProvider struct {
	url        string
	authHeader string
	model      string
	logger     *log.Logger
	client     *http.Client
}

func NewHTTPProvider(url, authHeader, model string, logger *log.Logger, client *http.Client) *HTTPProvider {
	return &HTTPProvider{
		url:        url,
		authHeader: authHeader,
		model:      model,
		logger:     logger,
		client:     client,
	}
}

func (p *HTTPProvider) Available() bool {
	return p.url != ""
}

type httpTranslateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language"`
	SessionID      string `json:"session_id"`
	Model          string `json:"model"`
}

type httpTranslateResponse struct {
	TranslatedText string `json:"translated_text"`
	Translation    string `json:"translation"`
	Text           string `json:"text"`
}

func (r httpTranslateResponse) result() string {
	for _, candidate := range []string{r.TranslatedText, r.Translation, r.Text} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func (p *HTTPProvider) TranslateStream(ctx context.Context, sessionKey, text, targetLang, sourceLang string) (<-chan Chunk, error) {
	if p.url == "" {
		return nil, fmt.Errorf("translation http url not configured")
	}

	payload, err := json.Marshal(httpTranslateRequest{
		Text:           text,
		TargetLanguage: targetLang,
		SourceLanguage: sourceLang,
		SessionID:      sessionKey,
		Model:          p.model,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding translation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authHeader != "" {
		if name, value, ok := config.SplitAuthHeader(p.authHeader); ok {
			req.Header.Set(name, value)
		} else {
			p.logger.Warn("translation_http_auth_header is malformed; expected 'Header-Name: value'")
		}
	}

	out := make(chan Chunk, 1)
	go func() {
		defer close(out)

		resp, err := p.client.Do(req)
		if err != nil {
			out <- Chunk{Err: fmt.Errorf("translation request: %w", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			out <- Chunk{Err: fmt.Errorf("translation endpoint returned %d: %s",
				resp.StatusCode, strings.TrimSpace(string(body)))}
			return
		}

		var decoded httpTranslateResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			out <- Chunk{Err: fmt.Errorf("decoding translation response: %w", err)}
			return
		}
		if result := strings.TrimSpace(decoded.result()); result != "" {
			out <- Chunk{Text: result}
		}
	}()

	return out, nil
}

func (p *HTTPProvider) CleanupSession(sessionKey, sourceLang, targetLang string) {}
