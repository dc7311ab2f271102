package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/config"
)

// Build constructs the configured provider adapters, keyed by provider
// name. Disabled entries are skipped; an unknown type is a config error.
func Build(cfgs []config.ProviderConfig, logger *zap.Logger) (map[string]Provider, error) {
	result := make(map[string]Provider)

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}

		var provider Provider
		switch cfg.Type {
		case "openai":
			provider = NewOpenAIProvider(cfg)
		case "anthropic":
			provider = NewAnthropicProvider(cfg)
		case "ollama":
			provider = NewOllamaProvider(cfg)
		default:
			return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
		}

		if _, exists := result[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name: %s", cfg.Name)
		}
		result[cfg.Name] = provider

		logger.Info("Registered provider",
			zap.String("name", cfg.Name),
			zap.String("type", cfg.Type),
			zap.Int("models", len(provider.ListModels())))
	}

	return result, nil
}
