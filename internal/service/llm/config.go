package llm

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Provider     string  `mapstructure:"Provider"`
	GeminiAPIKey string  `mapstructure:"GeminiAPIKey"`
	GeminiModel  string  `mapstructure:"GeminiModel"`
	ClaudeAPIKey string  `mapstructure:"ClaudeAPIKey"`
	ClaudeModel  string  `mapstructure:"ClaudeModel"`
	Temperature  float32 `mapstructure:"Temperature"`
	MaxTokens    int     `mapstructure:"MaxTokens"`
	Timeout      string  `mapstructure:"Timeout"`
}

func NewConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.BindEnv("Provider", "LLM_PROVIDER")
	v.BindEnv("GeminiAPIKey", "GEMINI_API_KEY")
	v.BindEnv("GeminiModel", "GEMINI_MODEL")
	v.BindEnv("ClaudeAPIKey", "ANTHROPIC_API_KEY")
	v.BindEnv("ClaudeModel", "CLAUDE_MODEL")
	v.BindEnv("Timeout", "LLM_TIMEOUT")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: using only environment variables: %v\n", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}

	if cfg.Provider == "" {
		cfg.Provider = v.GetString("LLM_PROVIDER")
	}
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = v.GetString("GEMINI_API_KEY")
	}
	if cfg.ClaudeAPIKey == "" {
		cfg.ClaudeAPIKey = v.GetString("ANTHROPIC_API_KEY")
	}

	// Значения по умолчанию
	if cfg.Provider == "" {
		cfg.Provider = string(ProviderGemini)
	}
	if cfg.GeminiModel == "" {
		cfg.GeminiModel = "gemini-2.0-flash"
	}
	if cfg.ClaudeModel == "" {
		cfg.ClaudeModel = "claude-sonnet-4-20250514"
	}
	if cfg.Temperature == 0 {
		// Низкая температура ради воспроизводимого структурированного вывода
		cfg.Temperature = 0.1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Timeout == "" {
		cfg.Timeout = "60s"
	}

	// Ключ выбранного провайдера обязателен
	switch ProviderType(cfg.Provider) {
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GeminiAPIKey is required for provider %q", cfg.Provider)
		}
	case ProviderClaude:
		if cfg.ClaudeAPIKey == "" {
			return nil, fmt.Errorf("ClaudeAPIKey is required for provider %q", cfg.Provider)
		}
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}

	return &cfg, nil
}
