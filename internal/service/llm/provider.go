package llm

import (
	"context"
	"fmt"
	"time"
)

// ProviderType обозначает поставщика генеративной модели
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderClaude ProviderType = "claude"
)

// Provider определяет интерфейс генерации структурированного JSON-ответа.
// Реализация обязана выполнять ровно один вызов модели без повторов:
// обработку сбоев решает вызывающая сторона.
type Provider interface {
	GenerateContent(ctx context.Context, system, prompt string) (string, error)
	ProviderType() ProviderType
}

// NewProvider создает провайдера по конфигурации.
func NewProvider(cfg *Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout duration %q: %w", cfg.Timeout, err)
	}

	switch ProviderType(cfg.Provider) {
	case ProviderGemini:
		return newGeminiProvider(cfg, timeout)
	case ProviderClaude:
		return newClaudeProvider(cfg, timeout)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
