package refine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

func (r *Refiner) refineWithGemini(ctx context.Context, sessionKey, text string) (string, error) {
	if r.genai == nil {
		return "", fmt.Errorf("gemini selected but google_api_key not configured")
	}

	model := r.genai.GenerativeModel(r.cfg.RefinerModel)
	model.GenerationConfig.SetTemperature(0.1)
	model.GenerationConfig.SetMaxOutputTokens(2000)

	prompt := fmt.Sprintf(`Task: %s

Text to organize:
%s

Please return only the reorganized text with appropriate paragraph breaks.`, instruction, text)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini refinement for %s: %w", sessionKey, err)
	}

	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}

	refined := strings.TrimSpace(b.String())
	if refined == "" {
		return "", fmt.Errorf("gemini returned empty response for %s", sessionKey)
	}
	return refined, nil
}
