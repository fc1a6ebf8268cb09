package refine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pulpit/config"
)

// lemurURL is the fallback hosted summarization endpoint used when no
// provider is configured explicitly.
const lemurURL = "https://api.assemblyai.com/lemur/v3/generate/task"

type refineRequest struct {
	Model           string `json:"model"`
	Instruction     string `json:"instruction"`
	Text            string `json:"text"`
	SessionID       string `json:"session_id"`
	ParagraphNumber int    `json:"paragraph_number"`
}

type refineResponse struct {
	RefinedText string `json:"refined_text"`
	Text        string `json:"text"`
	Response    string `json:"response"`
	Result      string `json:"result"`
}

func (r refineResponse) result() string {
	for _, candidate := range []string{r.RefinedText, r.Text, r.Response, r.Result} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// refineWithHTTP posts the instruction and text to the configured endpoint.
// A 429 schedules a deferred retry using the advertised Retry-After (or the
// configured default backoff) and returns no result and no error.
func (r *Refiner) refineWithHTTP(ctx context.Context, sessionKey, text string, p Payload) (string, error) {
	if r.cfg.RefinerHTTPURL == "" {
		return "", fmt.Errorf("http refiner selected but refiner_http_url not configured")
	}

	payload, err := json.Marshal(refineRequest{
		Model:           r.cfg.RefinerModel,
		Instruction:     instruction,
		Text:            text,
		SessionID:       sessionKey,
		ParagraphNumber: p.ParagraphNumber,
	})
	if err != nil {
		return "", fmt.Errorf("encoding refine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.RefinerHTTPURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.RefinerHTTPAuth != "" {
		if name, value, ok := config.SplitAuthHeader(r.cfg.RefinerHTTPAuth); ok {
			req.Header.Set(name, value)
		} else {
			r.logger.Warn("refiner_http_auth_header is malformed; expected 'Header-Name: value'")
		}
	}

	return r.doRefineRequest(req, sessionKey, p)
}

// refineWithLemur posts to the fixed hosted summarization endpoint with the
// transcription provider's credential.
func (r *Refiner) refineWithLemur(ctx context.Context, sessionKey, text string, p Payload) (string, error) {
	if r.cfg.AssemblyAIKey == "" {
		return "", fmt.Errorf("lemur refiner needs assemblyai_api_key")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"final_model":     r.cfg.RefinerModel,
		"input_text":      text,
		"prompt":          instruction,
		"temperature":     0,
		"max_output_size": 2000,
	})
	if err != nil {
		return "", fmt.Errorf("encoding lemur request: %w", err)
	}

	url := r.cfg.RefinerHTTPURL
	if url == "" {
		url = lemurURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", r.cfg.AssemblyAIKey)

	return r.doRefineRequest(req, sessionKey, p)
}

func (r *Refiner) doRefineRequest(req *http.Request, sessionKey string, p Payload) (string, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		backoff := r.cfg.RefinerRetryBackoff
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.ParseFloat(header, 64); err == nil {
				backoff = time.Duration(seconds * float64(time.Second))
			}
		}
		r.logger.Warn("refiner rate limited", "session", sessionKey, "backoff", backoff)
		r.scheduleRetry(sessionKey, p, backoff)
		return "", nil
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("refine endpoint returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded refineResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decoding refine response: %w", err)
	}
	result := strings.TrimSpace(decoded.result())
	if result == "" {
		return "", fmt.Errorf("refine endpoint returned no usable field")
	}
	return result, nil
}
