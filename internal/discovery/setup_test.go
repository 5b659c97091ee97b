package discovery_test

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/discovery"
)

func TestFromConfigRejectsUnknownDedupPolicy(t *testing.T) {
	_, err := discovery.FromConfig(config.DiscoveryConfig{DedupPolicy: "keep-random"}, config.ProbeConfig{}, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected error for unknown dedup policy")
	}
}

func TestFromConfigServesKnownDomainsOffline(t *testing.T) {
	// Loopback resolver with a tiny timeout keeps the DNS strategy offline.
	orch, err := discovery.FromConfig(config.DiscoveryConfig{
		DNSResolver:       "127.0.0.1:1",
		DNSTimeoutMs:      50,
		StrategyTimeoutMs: 200,
		MaxResults:        5,
		DedupPolicy:       "keep-first",
	}, config.ProbeConfig{}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("from config: %v", err)
	}

	results := orch.Discover(context.Background(), "someone@gmail.com")
	if len(results) == 0 || len(results) > 5 {
		t.Fatalf("expected 1..5 results, got %d", len(results))
	}
	if results[0].Candidate.Host != "imap.gmail.com" {
		t.Fatalf("expected static entry first, got %+v", results[0])
	}
}
