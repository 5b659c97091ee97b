package factory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/providers/common"
	"github.com/example/mailconnect/internal/providers/httpapi"
	"github.com/example/mailconnect/internal/providers/mock"
	"github.com/example/mailconnect/internal/providers/relay"
)

// Priority given to the mock backend; higher than any real backend default.
const mockPriority = 100

// Backend couples a constructed provider with the registration details the
// dispatcher needs.
type Backend struct {
	Provider    common.Provider
	DisplayName string
	Priority    int
}

// Build constructs every backend listed in cfg.Backends, in order.
func Build(cfg config.ProviderConfig, logger zerolog.Logger) ([]Backend, error) {
	backends := make([]Backend, 0, len(cfg.Backends))
	seen := make(map[string]bool)
	for _, name := range cfg.Backends {
		b, err := New(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		if seen[b.Provider.ID()] {
			return nil, fmt.Errorf("factory: duplicate provider id %q", b.Provider.ID())
		}
		seen[b.Provider.ID()] = true
		backends = append(backends, b)
	}
	return backends, nil
}

// New constructs one backend by name. Supports smtp, httpapi and mock.
func New(name string, cfg config.ProviderConfig, logger zerolog.Logger) (Backend, error) {
	switch normalize(name, "mock") {
	case "smtp", "relay":
		provider, err := relay.New(cfg.SMTP, logger)
		if err != nil {
			return Backend{}, fmt.Errorf("factory: smtp relay init: %w", err)
		}
		logger.Info().
			Str("backend", "smtp").
			Str("provider_id", provider.ID()).
			Bool("sandboxed", cfg.SMTP.Sandboxed).
			Msg("delivery provider initialised")
		return Backend{Provider: provider, DisplayName: "SMTP relay " + cfg.SMTP.Host, Priority: cfg.SMTP.Priority}, nil
	case "httpapi", "http-api":
		provider, err := httpapi.New(cfg.HTTPAPI, logger)
		if err != nil {
			return Backend{}, fmt.Errorf("factory: http api init: %w", err)
		}
		logger.Info().
			Str("backend", "httpapi").
			Str("provider_id", provider.ID()).
			Msg("delivery provider initialised")
		return Backend{Provider: provider, DisplayName: "HTTP API", Priority: cfg.HTTPAPI.Priority}, nil
	case "mock":
		provider := mock.New("mock", logger)
		logger.Info().
			Str("backend", "mock").
			Str("provider_id", provider.ID()).
			Msg("delivery provider initialised")
		return Backend{Provider: provider, DisplayName: "Mock", Priority: mockPriority}, nil
	default:
		return Backend{}, fmt.Errorf("factory: unsupported delivery backend %q", name)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
