package app

import (
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
	"github.com/MrWong99/parley/pkg/provider/s2s/openai"
)

// RegisterBuiltinProviders registers the factories for every provider that
// ships with Parley. Empty model and base URL fields keep the provider
// defaults.
func RegisterBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	reg.Register(config.ProviderGemini, func(pc config.ProviderConfig) (s2s.Provider, error) {
		return gemini.New(pc.APIKey,
			gemini.WithModel(pc.Model),
			gemini.WithBaseURL(pc.BaseURL),
			gemini.WithConnectTimeout(pc.ConnectTimeout),
			gemini.WithLogger(logger),
		), nil
	})

	reg.Register(config.ProviderOpenAI, func(pc config.ProviderConfig) (s2s.Provider, error) {
		return openai.New(pc.APIKey,
			openai.WithModel(pc.Model),
			openai.WithBaseURL(pc.BaseURL),
			openai.WithConnectTimeout(pc.ConnectTimeout),
			openai.WithLogger(logger),
		), nil
	})
}
