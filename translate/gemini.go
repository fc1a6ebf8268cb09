package translate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
)

// GeminiProvider translates through a conversational Gemini model. One chat
// context is kept per (session, source, target) tuple so the model can stay
// consistent in terminology across a session; the context must be released
// through CleanupSession or it lives for the process lifetime.
type GeminiProvider struct {
	client *genai.Client
	model  string
	logger *log.Logger

	mu    sync.Mutex
	chats map[string]*chatEntry
}

// chatEntry defers the seeding round-trip out of the provider mutex; the
// once guarantees one seed per key while concurrent sessions proceed
// independently.
type chatEntry struct {
	once sync.Once
	cs   *genai.ChatSession
	err  error
}

func NewGeminiProvider(client *genai.Client, model string, logger *log.Logger) *GeminiProvider {
	return &GeminiProvider{
		client: client,
		model:  model,
		logger: logger,
		chats:  make(map[string]*chatEntry),
	}
}

func (p *GeminiProvider) Available() bool {
	return p.client != nil
}

func chatKey(sessionKey, sourceLang, targetLang string) string {
	return sessionKey + "_" + sourceLang + "_" + targetLang
}

func systemPrompt(sourceLang, targetLang string) string {
	return fmt.Sprintf(`You are a professional translator specializing in %s to %s translation.
You will receive text in %s and must translate it accurately to %s.

Rules:
- Maintain the original meaning and tone
- Use natural, fluent %s
- Respond only with the translation, no explanations or additional text
- Preserve formatting and punctuation where appropriate
- For religious/church content, maintain respectful and appropriate language
- If the text appears incomplete or cut off, translate what's available without adding content
- Handle repetitive or similar text by providing consistent translations
- Maintain consistency in terminology throughout the conversation`,
		sourceLang, targetLang, sourceLang, targetLang, targetLang)
}

func (p *GeminiProvider) chat(ctx context.Context, sessionKey, sourceLang, targetLang string) (*genai.ChatSession, error) {
	key := chatKey(sessionKey, sourceLang, targetLang)

	p.mu.Lock()
	entry, ok := p.chats[key]
	if !ok {
		entry = &chatEntry{}
		p.chats[key] = entry
	}
	p.mu.Unlock()

	entry.once.Do(func() {
		model := p.client.GenerativeModel(p.model)
		model.GenerationConfig.SetTemperature(0.1)
		cs := model.StartChat()
		if _, err := cs.SendMessage(ctx, genai.Text(systemPrompt(sourceLang, targetLang))); err != nil {
			entry.err = fmt.Errorf("seeding translator chat: %w", err)
			return
		}
		entry.cs = cs
	})

	if entry.err != nil {
		// Forget the failed seed so the next request can try again.
		p.mu.Lock()
		if p.chats[key] == entry {
			delete(p.chats, key)
		}
		p.mu.Unlock()
		return nil, entry.err
	}
	return entry.cs, nil
}

func (p *GeminiProvider) TranslateStream(ctx context.Context, sessionKey, text, targetLang, sourceLang string) (<-chan Chunk, error) {
	if p.client == nil {
		return nil, fmt.Errorf("gemini client not configured")
	}
	if strings.TrimSpace(text) == "" {
		closed := make(chan Chunk)
		close(closed)
		return closed, nil
	}

	cs, err := p.chat(ctx, sessionKey, sourceLang, targetLang)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Translate this text to %s. If the text appears incomplete, translate what's available. If this is similar to previous text, maintain consistency.

Text to translate: %s`, targetLang, text)

	out := make(chan Chunk)
	go func() {
		defer close(out)
		iter := cs.SendMessageStream(ctx, genai.Text(prompt))
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				out <- Chunk{Err: fmt.Errorf("gemini translation: %w", err)}
				return
			}
			if chunk := responseText(resp); chunk != "" {
				out <- Chunk{Text: chunk}
			}
		}
	}()

	return out, nil
}

func (p *GeminiProvider) CleanupSession(sessionKey, sourceLang, targetLang string) {
	key := chatKey(sessionKey, sourceLang, targetLang)
	p.mu.Lock()
	if _, ok := p.chats[key]; ok {
		delete(p.chats, key)
		p.logger.Debug("released translator chat", "session", sessionKey)
	}
	p.mu.Unlock()
}

// ChatCount reports live chat contexts, for tests and the health endpoint.
func (p *GeminiProvider) ChatCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chats)
}

func responseText(resp *genai.GenerateContentResponse) string {
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
	return strings.TrimSpace(b.String())
}
