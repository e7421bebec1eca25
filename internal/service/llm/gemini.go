package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// geminiProvider генерирует ответы через Google Gemini API.
type geminiProvider struct {
	client      *genai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

func newGeminiProvider(cfg *Config, timeout time.Duration) (*geminiProvider, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	return &geminiProvider{
		client:      client,
		model:       cfg.GeminiModel,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}, nil
}

func (p *geminiProvider) ProviderType() ProviderType {
	return ProviderGemini
}

// GenerateContent выполняет один вызов модели. ResponseMIMEType заставляет
// Gemini отдавать чистый JSON без окружающего текста.
func (p *geminiProvider) GenerateContent(ctx context.Context, system, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(p.temperature),
		ResponseMIMEType: "application/json",
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from Gemini API")
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty text in Gemini response")
	}

	return text, nil
}
