// Package discovery finds mail-server connection parameters for an email
// address. Independent strategies propose candidates, the orchestrator merges
// and ranks them, and the connectivity tester re-ranks them with live probes.
package discovery

import (
	"context"

	"github.com/example/mailconnect/internal/models"
)

// Strategy is one independent method of proposing candidates for a domain.
// A strategy returning an error is treated as having found nothing.
type Strategy interface {
	Name() string
	Propose(ctx context.Context, domain string) ([]models.DiscoveryResult, error)
}

// StrategyFunc adapts a function into a Strategy.
type StrategyFunc struct {
	StrategyName string
	Fn           func(ctx context.Context, domain string) ([]models.DiscoveryResult, error)
}

// Name implements Strategy.
func (s StrategyFunc) Name() string { return s.StrategyName }

// Propose implements Strategy.
func (s StrategyFunc) Propose(ctx context.Context, domain string) ([]models.DiscoveryResult, error) {
	return s.Fn(ctx, domain)
}
