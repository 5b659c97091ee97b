package discovery

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/config"
)

// FromConfig assembles the production orchestrator: static table, DNS SRV/MX,
// optional ISPDB autoconfig, patterns and optional MX hosting heuristics, in
// that order, plus a connectivity tester.
func FromConfig(dcfg config.DiscoveryConfig, pcfg config.ProbeConfig, log zerolog.Logger) (*Orchestrator, error) {
	policy, err := ParseDedupPolicy(dcfg.DedupPolicy)
	if err != nil {
		return nil, err
	}

	kb := DefaultKnowledgeBase()
	dnsStrategy := NewDNSStrategy(dcfg.DNSResolver, millis(dcfg.DNSTimeoutMs), WithDNSLogger(log))

	strategies := []Strategy{NewStaticStrategy(kb), dnsStrategy}
	if dcfg.EnableAutoconfig && dcfg.AutoconfigURL != "" {
		strategies = append(strategies, NewAutoconfigStrategy(dcfg.AutoconfigURL, millis(dcfg.AutoconfigTimeoutMs), WithAutoconfigLogger(log)))
	}
	strategies = append(strategies, NewPatternStrategy())
	if dcfg.EnableHeuristicModels {
		strategies = append(strategies, NewHeuristicStrategy(kb, WithMXLookup(dnsStrategy.LookupMX), WithHeuristicLogger(log)))
	}

	tester := NewTester(
		WithProbeTimeout(millis(pcfg.TimeoutMs)),
		WithProbeConcurrency(pcfg.Concurrency),
		WithMaxCandidates(pcfg.MaxCandidates),
		WithGreetingCheck(pcfg.GreetingCheck),
		WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: pcfg.InsecureSkipCA}), // #nosec G402 -- opt-in for self-signed test servers.
		WithTesterLogger(log),
	)

	return NewOrchestrator(
		WithStrategies(strategies...),
		WithStrategyTimeout(millis(dcfg.StrategyTimeoutMs)),
		WithMaxResults(dcfg.MaxResults),
		WithDedupPolicy(policy),
		WithTester(tester),
		WithLogger(log),
	), nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
