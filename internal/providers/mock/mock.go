// Package mock provides a deterministic delivery backend for local
// development and tests. Behaviour is controlled through options and
// per-request metadata without any network calls.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/providers/common"
)

// Scenario enumerates the supported mock behaviours.
type Scenario string

const (
	ScenarioSuccess     Scenario = "success"
	ScenarioTransient   Scenario = "transient"
	ScenarioPermanent   Scenario = "permanent"
	ScenarioTimeout     Scenario = "timeout"
	ScenarioUnsupported Scenario = "unsupported"

	// MetadataScenario selects a scenario for a single request.
	MetadataScenario = "mock_scenario"
	// MetadataLatency overrides the simulated latency for a single request.
	MetadataLatency = "mock_latency"
)

// Option customizes the behaviour of the mock provider at construction time.
type Option func(*Provider)

// WithLatencyRange overrides the default latency range used when simulating
// work. Negative values are clamped to zero and max < min is coerced to min.
func WithLatencyRange(min, max time.Duration) Option {
	return func(p *Provider) {
		if min < 0 {
			min = 0
		}
		if max < 0 {
			max = 0
		}
		if max < min {
			max = min
		}
		p.minLatency = min
		p.maxLatency = max
	}
}

// WithDefaultScenario configures the behaviour when a request does not pick
// one through metadata.
func WithDefaultScenario(s Scenario) Option {
	return func(p *Provider) {
		p.defaultScenario = s
	}
}

// WithRandomSeed swaps the RNG seed used when generating message identifiers.
func WithRandomSeed(seed int64) Option {
	return func(p *Provider) {
		p.rnd = rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic seed for tests.
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLimits sets the limits the mock advertises.
func WithLimits(l common.Limits) Option {
	return func(p *Provider) {
		p.limits = l
	}
}

// WithVerifyError makes Verify fail with err.
func WithVerifyError(err error) Option {
	return func(p *Provider) {
		p.verifyErr = err
	}
}

// Provider is a scenario-driven delivery backend.
type Provider struct {
	id              string
	logger          zerolog.Logger
	minLatency      time.Duration
	maxLatency      time.Duration
	defaultScenario Scenario
	limits          common.Limits
	verifyErr       error
	now             func() time.Time
	calls           atomic.Int64

	mu  sync.Mutex
	rnd *rand.Rand
}

// New constructs a mock provider. By default it succeeds after 25 to 75ms.
func New(id string, log zerolog.Logger, opts ...Option) *Provider {
	if strings.TrimSpace(id) == "" {
		id = "mock"
	}

	p := &Provider{
		id:              id,
		logger:          logger.Component(log, "mock_provider").With().Str("provider_id", id).Logger(),
		minLatency:      25 * time.Millisecond,
		maxLatency:      75 * time.Millisecond,
		defaultScenario: ScenarioSuccess,
		now:             time.Now,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// ID implements common.Provider.
func (p *Provider) ID() string { return p.id }

// Limits implements common.Provider.
func (p *Provider) Limits() common.Limits { return p.limits }

// Calls reports how many times Send was invoked.
func (p *Provider) Calls() int64 { return p.calls.Load() }

// Verify implements common.Provider.
func (p *Provider) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return common.NewError(common.KindTransient, "timeout", err.Error(), err)
	}
	if p.defaultScenario == ScenarioUnsupported {
		return common.NewError(common.KindUnsupported, "unsupported_environment", "mock: backend unavailable", nil)
	}
	return p.verifyErr
}

// Send simulates delivering req according to the resolved scenario.
func (p *Provider) Send(ctx context.Context, req *models.SendRequest) (*common.Receipt, error) {
	p.calls.Add(1)

	if req == nil {
		return nil, common.NewError(common.KindValidation, "invalid_request", "send request is required", nil)
	}
	if len(req.Recipients()) == 0 {
		return nil, common.NewError(common.KindValidation, "invalid_request", "at least one recipient is required", nil)
	}

	scenario := p.resolveScenario(req)
	if scenario == ScenarioUnsupported {
		return nil, common.NewError(common.KindUnsupported, "unsupported_environment", "mock: backend unavailable", nil)
	}

	if latency := p.sampleLatency(req); latency > 0 {
		if err := p.sleep(ctx, latency); err != nil {
			return nil, common.NewError(common.KindTransient, "timeout", err.Error(), err)
		}
	}

	p.logger.Debug().
		Str("scenario", string(scenario)).
		Str("message_id", req.MessageID).
		Msg("mock provider invoked")

	switch scenario {
	case ScenarioPermanent:
		return nil, common.NewError(common.KindPermanent, "550", "mock: mailbox unavailable", nil)
	case ScenarioTransient:
		return nil, common.NewError(common.KindTransient, "451", "mock: requested action aborted, try again later", nil)
	case ScenarioTimeout:
		err := p.sleep(ctx, p.maxLatency+p.minLatency)
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, common.NewError(common.KindTransient, "timeout", err.Error(), err)
	default:
		id := req.MessageID
		if id == "" {
			id = p.nextID()
		}
		return &common.Receipt{MessageID: id, Code: "250", Timestamp: p.now()}, nil
	}
}

func (p *Provider) resolveScenario(req *models.SendRequest) Scenario {
	value := strings.ToLower(strings.TrimSpace(req.Metadata[MetadataScenario]))
	switch Scenario(value) {
	case ScenarioSuccess, ScenarioPermanent, ScenarioTransient, ScenarioTimeout, ScenarioUnsupported:
		return Scenario(value)
	default:
		return p.defaultScenario
	}
}

func (p *Provider) sampleLatency(req *models.SendRequest) time.Duration {
	if value := strings.TrimSpace(req.Metadata[MetadataLatency]); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxLatency <= p.minLatency {
		return p.minLatency
	}
	delta := p.maxLatency - p.minLatency
	return p.minLatency + time.Duration(p.rnd.Int63n(int64(delta)+1))
}

func (p *Provider) nextID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("mock-%08x", p.rnd.Uint32())
}

func (p *Provider) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
