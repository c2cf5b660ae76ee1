package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/runestone-gateway/runestone/config"
	"github.com/runestone-gateway/runestone/llm"
	"github.com/runestone-gateway/runestone/llm/providers/openai"
	"github.com/runestone-gateway/runestone/llm/providers/openaicompat"
	"github.com/runestone-gateway/runestone/providers"
	claude "github.com/runestone-gateway/runestone/providers/anthropic"
	"go.uber.org/zap"
)

// buildProviders constructs one driver per enabled entry in cfg.Providers
// and derives the router's cost table from the same list. The API key for
// each provider is read from the environment variable it names rather than
// stored in the config file.
func buildProviders(cfg []config.ProviderConfig, logger *zap.Logger) (*llm.ProviderRegistry, []llm.CostTableEntry, error) {
	registry := llm.NewProviderRegistry()
	var costTable []llm.CostTableEntry

	for _, pc := range cfg {
		if !pc.Enabled {
			continue
		}

		apiKey := os.Getenv(pc.APIKeyEnv)
		if apiKey == "" {
			logger.Warn("provider api key not set, skipping", zap.String("provider", pc.Code), zap.String("env", pc.APIKeyEnv))
			continue
		}

		driver, err := buildDriver(pc, apiKey, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", pc.Code, err)
		}

		registry.Register(pc.Code, driver)
		costTable = append(costTable, costEntriesFor(pc)...)

		logger.Info("provider registered", zap.String("provider", pc.Code), zap.String("driver", pc.Driver), zap.Int("models", len(pc.Models)))
	}

	return registry, costTable, nil
}

func buildDriver(pc config.ProviderConfig, apiKey string, logger *zap.Logger) (llm.Provider, error) {
	switch pc.Driver {
	case "openai":
		cfg := providers.OpenAIConfig{APIKey: apiKey, BaseURL: pc.BaseURL}
		if len(pc.Models) > 0 {
			cfg.Model = pc.Models[0]
		}
		return openai.NewOpenAIProvider(cfg, logger), nil

	case "anthropic":
		cfg := providers.ClaudeConfig{APIKey: apiKey, BaseURL: pc.BaseURL}
		if len(pc.Models) > 0 {
			cfg.Model = pc.Models[0]
		}
		return claude.NewClaudeProvider(cfg, logger), nil

	case "openai_compat":
		var defaultModel string
		if len(pc.Models) > 0 {
			defaultModel = pc.Models[0]
		}
		compatCfg := openaicompat.Config{
			ProviderName: pc.Code,
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: defaultModel,
		}
		if len(pc.Headers) > 0 {
			headers := pc.Headers
			compatCfg.BuildHeaders = func(req *http.Request, key string) {
				req.Header.Set("Authorization", "Bearer "+key)
				for k, v := range headers {
					req.Header.Set(k, v)
				}
			}
		}
		return openaicompat.New(compatCfg, logger), nil

	default:
		return nil, fmt.Errorf("unsupported provider driver: %s", pc.Driver)
	}
}

// costEntriesFor expands one provider's model list into the router's flat
// cost-table rows. Every model gets the same chat+streaming capability set
// plus function calling when the driver advertises it; embeddings support
// is opt-in via a model name ending in the OpenAI embeddings convention,
// since the config doesn't carry a per-model capability matrix.
func costEntriesFor(pc config.ProviderConfig) []llm.CostTableEntry {
	entries := make([]llm.CostTableEntry, 0, len(pc.Models))
	for _, model := range pc.Models {
		caps := map[llm.Capability]bool{
			llm.CapabilityChat:      true,
			llm.CapabilityStreaming: true,
		}
		if isEmbeddingsModel(model) {
			caps = map[llm.Capability]bool{llm.CapabilityEmbeddings: true}
		}
		entries = append(entries, llm.CostTableEntry{
			Provider:        pc.Code,
			Model:           model,
			ModelFamily:     pc.Driver,
			CostPer1kTokens: pc.CostPerOutputK,
			Capabilities:    caps,
		})
	}
	return entries
}

func isEmbeddingsModel(model string) bool {
	return strings.Contains(model, "embedding")
}
