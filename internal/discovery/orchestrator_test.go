package discovery_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/discovery"
	"github.com/example/mailconnect/internal/models"
)

func emptyDNS(context.Context, string, uint16) ([]dns.RR, error) { return nil, nil }

func offlineOrchestrator(extra ...discovery.Option) *discovery.Orchestrator {
	dnsStrategy := discovery.NewDNSStrategy("", 0, discovery.WithQueryFunc(emptyDNS))
	opts := []discovery.Option{
		discovery.WithStrategies(
			discovery.NewStaticStrategy(nil),
			dnsStrategy,
			discovery.NewPatternStrategy(),
			discovery.NewHeuristicStrategy(nil, discovery.WithMXLookup(dnsStrategy.LookupMX)),
		),
		discovery.WithLogger(zerolog.New(io.Discard)),
	}
	return discovery.NewOrchestrator(append(opts, extra...)...)
}

func assertRanked(t *testing.T, results []models.DiscoveryResult) {
	t.Helper()
	if len(results) > 10 {
		t.Fatalf("expected at most 10 results, got %d", len(results))
	}
	seen := make(map[models.CandidateKey]bool)
	for i, r := range results {
		if seen[r.Candidate.Key()] {
			t.Fatalf("duplicate key %v", r.Candidate.Key())
		}
		seen[r.Candidate.Key()] = true
		if r.Confidence < 0 || r.Confidence > 1 {
			t.Fatalf("confidence %v out of range", r.Confidence)
		}
		if i > 0 && r.Confidence > results[i-1].Confidence {
			t.Fatalf("results not sorted at %d", i)
		}
		if r.Candidate.Password != "" {
			t.Fatalf("password leaked into result")
		}
	}
}

func TestDiscoverKnownProvider(t *testing.T) {
	results := offlineOrchestrator().Discover(context.Background(), "user@gmail.com")
	assertRanked(t, results)

	if len(results) == 0 {
		t.Fatalf("expected results for gmail")
	}
	top := results[0]
	if top.Candidate.Host != "imap.gmail.com" || top.Candidate.Port != 993 || !top.Candidate.IsSecure {
		t.Fatalf("unexpected top result %s", top.Candidate)
	}
	if top.Source != models.SourceStaticDB || top.Confidence < 0.85 {
		t.Fatalf("unexpected top provenance %s %v", top.Source, top.Confidence)
	}
	if top.Candidate.Username != "user@gmail.com" {
		t.Fatalf("expected username to default to the address, got %q", top.Candidate.Username)
	}
}

func TestDiscoverEveryKnownDomainSurfacesStaticEntry(t *testing.T) {
	o := offlineOrchestrator()
	for _, domain := range discovery.DefaultKnowledgeBase().Domains() {
		results := o.Discover(context.Background(), "someone@"+domain)
		found := false
		for _, r := range results {
			if r.Source == models.SourceStaticDB && r.Confidence >= 0.8 {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("%s: static entry missing from ranking", domain)
		}
	}
}

func TestDiscoverUnknownDomainFallsBackToPatterns(t *testing.T) {
	var dialed atomic.Int32
	dialer := dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		dialed.Add(1)
		return nil, errors.New("no route to host")
	})
	tester := discovery.NewTester(
		discovery.WithDialer(dialer),
		discovery.WithProbeConcurrency(1),
	)
	o := offlineOrchestrator(discovery.WithTester(tester))

	before := o.Discover(context.Background(), "user@unknown-domain.test")
	if len(before) == 0 {
		t.Fatalf("expected pattern candidates")
	}
	pre := make(map[models.CandidateKey]float64)
	for _, r := range before {
		if r.Source != models.SourcePattern {
			t.Fatalf("expected pattern-only results, got %s", r.Source)
		}
		pre[r.Candidate.Key()] = r.Confidence
	}

	after := o.DiscoverAndTest(context.Background(), "user@unknown-domain.test", discovery.TestOptions{})
	assertRanked(t, after)

	tested := 0
	for _, r := range after {
		if r.TestOutcome == nil {
			continue
		}
		tested++
		if r.TestOutcome.Success {
			t.Fatalf("expected every probe to fail")
		}
		if !approx(r.Confidence, pre[r.Candidate.Key()]*0.1) {
			t.Fatalf("%s: confidence %v, want %v", r.Candidate, r.Confidence, pre[r.Candidate.Key()]*0.1)
		}
	}
	if tested != 5 || dialed.Load() != 5 {
		t.Fatalf("expected 5 probes, tested=%d dialed=%d", tested, dialed.Load())
	}
}

func TestDiscoverInvalidAddress(t *testing.T) {
	for _, addr := range []string{"", "not-an-address", "user@", "@example.org"} {
		results := offlineOrchestrator().Discover(context.Background(), addr)
		if results == nil || len(results) != 0 {
			t.Fatalf("%q: expected empty non-nil list, got %v", addr, results)
		}
	}
}

func TestDiscoverSurvivesFailingStrategies(t *testing.T) {
	failing := discovery.StrategyFunc{StrategyName: "failing", Fn: func(context.Context, string) ([]models.DiscoveryResult, error) {
		return nil, errors.New("upstream unavailable")
	}}
	panicking := discovery.StrategyFunc{StrategyName: "panicking", Fn: func(context.Context, string) ([]models.DiscoveryResult, error) {
		panic("boom")
	}}
	stuck := discovery.StrategyFunc{StrategyName: "stuck", Fn: func(context.Context, string) ([]models.DiscoveryResult, error) {
		time.Sleep(2 * time.Second)
		return []models.DiscoveryResult{{Candidate: models.Candidate{Host: "late.example.org", Port: 993}, Confidence: 1, Source: models.SourceManual}}, nil
	}}

	o := discovery.NewOrchestrator(
		discovery.WithStrategies(failing, panicking, stuck, discovery.NewStaticStrategy(nil)),
		discovery.WithStrategyTimeout(50*time.Millisecond),
	)

	start := time.Now()
	results := o.Discover(context.Background(), "user@yahoo.com")
	if time.Since(start) > time.Second {
		t.Fatalf("a stuck strategy blocked discovery")
	}
	if len(results) == 0 || results[0].Source != models.SourceStaticDB {
		t.Fatalf("expected static results to survive, got %v", results)
	}
	for _, r := range results {
		if r.Candidate.Host == "late.example.org" {
			t.Fatalf("timed out strategy contributed results")
		}
	}
}

func TestRankDedupPolicies(t *testing.T) {
	low := models.DiscoveryResult{
		Candidate:  models.Candidate{Host: "mail.example.org", Port: 993, IsSecure: true},
		Confidence: 0.6,
		Source:     models.SourceHeuristicModel,
	}
	high := models.DiscoveryResult{
		Candidate:  models.Candidate{Host: "MAIL.example.org.", Port: 993, IsSecure: true, Password: "hunter2"},
		Confidence: 0.9,
		Source:     models.SourceDNS,
	}
	other := models.DiscoveryResult{
		Candidate:  models.Candidate{Host: "mail.example.org", Port: 993, IsSecure: false},
		Confidence: 0.7,
		Source:     models.SourceDNS,
	}
	batches := [][]models.DiscoveryResult{{low}, {high, other}}

	first := discovery.Rank(batches, discovery.DedupKeepFirst, 10)
	if len(first) != 2 {
		t.Fatalf("expected 2 results, got %d", len(first))
	}
	if first[0].Source != models.SourceDNS || first[1].Source != models.SourceHeuristicModel {
		t.Fatalf("keep-first kept the wrong entry: %v", first)
	}

	highest := discovery.Rank(batches, discovery.DedupKeepHighest, 10)
	if highest[0].Confidence != 0.9 || highest[0].Source != models.SourceDNS {
		t.Fatalf("keep-highest kept the wrong entry: %v", highest)
	}
	if highest[0].Candidate.Password != "" {
		t.Fatalf("password not redacted")
	}
}

func TestRankCapsPatternsWhenEvidenceExists(t *testing.T) {
	pattern := discovery.GeneratePatterns("example.org")
	evidence := []models.DiscoveryResult{{
		Candidate:  models.Candidate{Host: "imap.example.org", Port: 993, IsSecure: true},
		Confidence: 0.72,
		Source:     models.SourceDNS,
	}}

	ranked := discovery.Rank([][]models.DiscoveryResult{evidence, pattern}, discovery.DedupKeepFirst, 10)
	if ranked[0].Source != models.SourceDNS {
		t.Fatalf("pattern guess outranked dns evidence: %v", ranked[0])
	}
	for _, r := range ranked {
		if r.Source == models.SourcePattern && r.Confidence > 0.7 {
			t.Fatalf("pattern confidence %v above cap", r.Confidence)
		}
	}

	alone := discovery.Rank([][]models.DiscoveryResult{pattern}, discovery.DedupKeepFirst, 10)
	if !approx(alone[0].Confidence, 1.0) {
		t.Fatalf("patterns should be uncapped on their own, got %v", alone[0].Confidence)
	}
}

func TestParseDedupPolicy(t *testing.T) {
	if p, err := discovery.ParseDedupPolicy("keep-highest"); err != nil || p != discovery.DedupKeepHighest {
		t.Fatalf("unexpected result %v %v", p, err)
	}
	if p, err := discovery.ParseDedupPolicy(""); err != nil || p != discovery.DedupKeepFirst {
		t.Fatalf("unexpected default %v %v", p, err)
	}
	if _, err := discovery.ParseDedupPolicy("random"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
