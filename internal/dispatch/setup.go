package dispatch

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/providers/factory"
)

// FromConfig registers backends, in order, on a new registry and returns a
// dispatcher over it.
func FromConfig(cfg config.DispatchConfig, backends []factory.Backend, log zerolog.Logger) (*Dispatcher, error) {
	reg := NewRegistry(
		WithWindowSize(cfg.HealthWindowSize),
		WithHealthCheckTimeout(time.Duration(cfg.HealthCheckTimeoutMs)*time.Millisecond),
		WithRegistryLogger(log),
	)
	for _, b := range backends {
		if err := reg.Register(b.Provider, b.Priority, b.DisplayName); err != nil {
			return nil, fmt.Errorf("dispatch: register %s: %w", b.Provider.ID(), err)
		}
	}

	return NewDispatcher(reg,
		WithMaxHops(cfg.MaxHops),
		WithSendTimeout(time.Duration(cfg.SendTimeoutSeconds)*time.Second),
		WithLogger(log),
	), nil
}
