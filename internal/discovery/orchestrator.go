package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
)

const (
	// DefaultStrategyTimeout bounds each strategy independently.
	DefaultStrategyTimeout = 8 * time.Second
	// DefaultMaxResults caps the ranked list.
	DefaultMaxResults = 10

	// Generated guesses never outrank evidence from another strategy.
	patternCap = 0.7
)

// DedupPolicy decides which entry survives when two results share a key.
type DedupPolicy int

const (
	// DedupKeepFirst keeps the first-encountered entry in strategy order.
	DedupKeepFirst DedupPolicy = iota
	// DedupKeepHighest keeps the entry with the highest confidence.
	DedupKeepHighest
)

// ParseDedupPolicy maps "keep-first" and "keep-highest" to a DedupPolicy.
func ParseDedupPolicy(v string) (DedupPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "keep-first":
		return DedupKeepFirst, nil
	case "keep-highest":
		return DedupKeepHighest, nil
	default:
		return DedupKeepFirst, fmt.Errorf("unknown dedup policy %q", v)
	}
}

func (p DedupPolicy) String() string {
	if p == DedupKeepHighest {
		return "keep-highest"
	}
	return "keep-first"
}

// Orchestrator fans discovery out to every strategy and merges the answers
// into a single ranked list.
type Orchestrator struct {
	strategies      []Strategy
	strategyTimeout time.Duration
	maxResults      int
	dedup           DedupPolicy
	tester          *Tester
	logger          zerolog.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithStrategies replaces the strategy list. Order matters for keep-first
// deduplication.
func WithStrategies(strategies ...Strategy) Option {
	return func(o *Orchestrator) {
		o.strategies = strategies
	}
}

// WithStrategyTimeout sets the per-strategy deadline.
func WithStrategyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.strategyTimeout = d
		}
	}
}

// WithMaxResults caps the ranked list.
func WithMaxResults(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxResults = n
		}
	}
}

// WithDedupPolicy selects the duplicate resolution policy.
func WithDedupPolicy(p DedupPolicy) Option {
	return func(o *Orchestrator) {
		o.dedup = p
	}
}

// WithTester attaches the connectivity tester used by DiscoverAndTest.
func WithTester(t *Tester) Option {
	return func(o *Orchestrator) {
		o.tester = t
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator builds an orchestrator. Without WithStrategies only the
// offline strategies (static table and patterns) are used.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		strategies:      []Strategy{NewStaticStrategy(nil), NewPatternStrategy()},
		strategyTimeout: DefaultStrategyTimeout,
		maxResults:      DefaultMaxResults,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logger.Component(o.logger, "discovery")
	return o
}

// Discover returns ranked candidates for email. It never fails: an invalid
// address or a domain nobody knows yields an empty list, meaning the caller
// should fall back to manual entry.
func (o *Orchestrator) Discover(ctx context.Context, email string) []models.DiscoveryResult {
	addr, err := ParseAddress(email)
	if err != nil {
		o.logger.Debug().Err(err).Msg("discovery skipped")
		return []models.DiscoveryResult{}
	}

	start := time.Now()
	batches := o.collect(ctx, addr.Domain)
	ranked := Rank(batches, o.dedup, o.maxResults)
	for i := range ranked {
		if ranked[i].Candidate.Username == "" {
			ranked[i].Candidate.Username = addr.Raw
		}
	}

	o.logger.Info().
		Str("domain", addr.Domain).
		Int("results", len(ranked)).
		Dur("elapsed", time.Since(start)).
		Msg("discovery completed")
	return ranked
}

// DiscoverAndTest runs Discover and then re-ranks the result with live
// connectivity probes when a tester is configured.
func (o *Orchestrator) DiscoverAndTest(ctx context.Context, email string, opts TestOptions) []models.DiscoveryResult {
	results := o.Discover(ctx, email)
	if o.tester == nil || len(results) == 0 {
		return results
	}
	return o.tester.Test(ctx, results, opts)
}

type strategyOutcome struct {
	results []models.DiscoveryResult
	err     error
}

// collect runs every strategy concurrently and returns their batches in
// strategy order. Failed or timed out strategies contribute nothing.
func (o *Orchestrator) collect(ctx context.Context, domain string) [][]models.DiscoveryResult {
	batches := make([][]models.DiscoveryResult, len(o.strategies))

	var g errgroup.Group
	for i, s := range o.strategies {
		i, s := i, s
		g.Go(func() error {
			results, err := o.run(ctx, s, domain)
			log := o.logger.With().Str("strategy", s.Name()).Str("domain", domain).Logger()
			if err != nil {
				log.Warn().Err(err).Msg("strategy failed")
				return nil
			}
			log.Debug().Int("count", len(results)).Msg("strategy finished")
			batches[i] = results
			return nil
		})
	}
	_ = g.Wait()

	return batches
}

// run executes one strategy under its own deadline. The strategy goroutine
// reports on a buffered channel so an implementation that ignores ctx cannot
// hold up the join.
func (o *Orchestrator) run(ctx context.Context, s Strategy, domain string) ([]models.DiscoveryResult, error) {
	sctx, cancel := context.WithTimeout(ctx, o.strategyTimeout)
	defer cancel()

	done := make(chan strategyOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- strategyOutcome{err: fmt.Errorf("strategy panic: %v", r)}
			}
		}()
		results, err := s.Propose(sctx, domain)
		done <- strategyOutcome{results: results, err: err}
	}()

	select {
	case out := <-done:
		return out.results, out.err
	case <-sctx.Done():
		return nil, sctx.Err()
	}
}

// Rank merges strategy batches into the final list: pattern guesses are
// capped when any other strategy produced evidence, duplicates are resolved
// by policy, the list is stably sorted by descending confidence and then
// truncated to limit entries. Passwords are always stripped.
func Rank(batches [][]models.DiscoveryResult, policy DedupPolicy, limit int) []models.DiscoveryResult {
	evidence := false
	for _, batch := range batches {
		for _, r := range batch {
			if r.Source != models.SourcePattern {
				evidence = true
			}
		}
	}

	index := make(map[models.CandidateKey]int)
	out := make([]models.DiscoveryResult, 0)
	for _, batch := range batches {
		for _, r := range batch {
			r.Candidate = r.Candidate.Redacted()
			r.Confidence = Clamp(r.Confidence)
			if evidence && r.Source == models.SourcePattern && r.Confidence > patternCap {
				r.Confidence = patternCap
			}

			key := r.Candidate.Key()
			if at, seen := index[key]; seen {
				if policy == DedupKeepHighest && r.Confidence > out[at].Confidence {
					out[at] = r
				}
				continue
			}
			index[key] = len(out)
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
