package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/providers/common"
)

// DefaultHealthCheckTimeout bounds each Verify call made by CheckHealth.
const DefaultHealthCheckTimeout = 5 * time.Second

var (
	// ErrUnknownProvider is returned for ids that were never registered.
	ErrUnknownProvider = errors.New("dispatch: unknown provider")
	// ErrDuplicateProvider is returned when an id is registered twice.
	ErrDuplicateProvider = errors.New("dispatch: provider already registered")
)

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the clock used for counter rollover.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithWindowSize sets how many outcomes each health window remembers.
func WithWindowSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.windowSize = n
		}
	}
}

// WithHealthCheckTimeout bounds each Verify call made by CheckHealth.
func WithHealthCheckTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.checkTimeout = d
		}
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(log zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.Component(log, "provider_registry")
	}
}

// Registry owns the mutable per-provider state: quota counters, health and
// rate limiters. Providers themselves stay stateless.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry

	now          func() time.Time
	windowSize   int
	checkTimeout time.Duration
	logger       zerolog.Logger
}

type entry struct {
	provider    common.Provider
	displayName string
	priority    int
	order       int
	limits      common.Limits
	limiter     *rate.Limiter

	mu              sync.Mutex
	dailySent       int
	hourlySent      int
	lastResetDate   time.Time
	lastResetHour   time.Time
	health          *HealthWindow
	override        models.HealthStatus
	unsupported     bool
	lastStatus      models.HealthStatus
	lastHealthCheck time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byID:         make(map[string]*entry),
		now:          time.Now,
		windowSize:   DefaultWindowSize,
		checkTimeout: DefaultHealthCheckTimeout,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds a provider. Lower priority values are preferred; ties keep
// registration order.
func (r *Registry) Register(p common.Provider, priority int, displayName string) error {
	if p == nil {
		return errors.New("dispatch: provider is required")
	}
	id := p.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, id)
	}
	if displayName == "" {
		displayName = id
	}

	now := r.now()
	limits := p.Limits()
	e := &entry{
		provider:      p,
		displayName:   displayName,
		priority:      priority,
		order:         len(r.entries),
		limits:        limits,
		health:        NewHealthWindow(r.windowSize),
		lastResetDate: startOfDay(now),
		lastResetHour: now.Truncate(time.Hour),
		lastStatus:    models.HealthHealthy,
	}
	if limits.PerSecondLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(limits.PerSecondLimit), limits.PerSecondLimit)
	}

	r.entries = append(r.entries, e)
	r.byID[id] = e

	r.logger.Info().
		Str("provider_id", id).
		Int("priority", priority).
		Int("daily_limit", limits.DailyLimit).
		Int("hourly_limit", limits.HourlyLimit).
		Msg("provider registered")
	return nil
}

// Len reports how many providers are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Provider returns the registered provider with the given id.
func (r *Registry) Provider(id string) (common.Provider, bool) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, false
	}
	return e.provider, true
}

// Seed restores counters loaded from an external store, e.g. after a restart.
func (r *Registry) Seed(id string, dailySent, hourlySent int) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover(r.now())
	e.dailySent = max(dailySent, 0)
	e.hourlySent = max(hourlySent, 0)
	return nil
}

// Reservation is one claimed unit of quota. It remembers the day and hour it
// was counted against so a late Release never touches a newer period.
type Reservation struct {
	ProviderID string
	day        time.Time
	hour       time.Time
}

// Reserve atomically claims one unit of daily and hourly quota. It fails with
// a capacity error when either counter is exhausted.
func (r *Registry) Reserve(id string) (Reservation, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Reservation{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollover(r.now())
	if e.limits.DailyLimit > 0 && e.dailySent >= e.limits.DailyLimit {
		return Reservation{}, common.NewError(common.KindCapacity, "daily_limit", "daily quota exhausted for "+id, nil)
	}
	if e.limits.HourlyLimit > 0 && e.hourlySent >= e.limits.HourlyLimit {
		return Reservation{}, common.NewError(common.KindCapacity, "hourly_limit", "hourly quota exhausted for "+id, nil)
	}
	e.dailySent++
	e.hourlySent++
	return Reservation{ProviderID: id, day: e.lastResetDate, hour: e.lastResetHour}, nil
}

// Release returns a reservation when the provider was never called. Counters
// that rolled over since the reservation are left alone.
func (r *Registry) Release(res Reservation) {
	e, err := r.lookup(res.ProviderID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollover(r.now())
	if res.day.Equal(e.lastResetDate) && e.dailySent > 0 {
		e.dailySent--
	}
	if res.hour.Equal(e.lastResetHour) && e.hourlySent > 0 {
		e.hourlySent--
	}
}

// MarkUnsupported excludes a provider from selection because it cannot run in
// this environment. Only a successful CheckHealth clears the mark.
func (r *Registry) MarkUnsupported(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	already := e.unsupported
	e.unsupported = true
	e.lastStatus = e.status()
	e.mu.Unlock()

	if !already {
		r.logger.Warn().Str("provider_id", id).Msg("provider unsupported in this environment")
	}
	return nil
}

// Unsupported reports whether the provider was marked unusable.
func (r *Registry) Unsupported(id string) bool {
	e, err := r.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unsupported
}

// Record feeds a send outcome into the provider's health window.
func (r *Registry) Record(id string, success bool) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.health.Record(success)
	prev, next := e.lastStatus, e.status()
	e.lastStatus = next
	e.mu.Unlock()

	if prev != next {
		r.logger.Warn().
			Str("provider_id", id).
			Str("from", string(prev)).
			Str("to", string(next)).
			Msg("provider health changed")
	}
}

// Status reports the provider's current health.
func (r *Registry) Status(id string) models.HealthStatus {
	e, err := r.lookup(id)
	if err != nil {
		return models.HealthDown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status()
}

// SetStatus pins a provider's health regardless of its window. An empty
// status removes the override.
func (r *Registry) SetStatus(id string, status models.HealthStatus) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.override = status
	e.lastStatus = e.status()
	e.mu.Unlock()

	r.logger.Info().Str("provider_id", id).Str("status", string(status)).Msg("provider status override")
	return nil
}

// CheckHealth calls Verify on every provider concurrently and records each
// result. Providers unusable in this environment are marked unsupported; a
// successful Verify clears the mark.
func (r *Registry) CheckHealth(ctx context.Context) {
	r.mu.RLock()
	entries := append([]*entry(nil), r.entries...)
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(gctx, r.checkTimeout)
			err := e.provider.Verify(vctx)
			cancel()

			id := e.provider.ID()
			e.mu.Lock()
			e.lastHealthCheck = r.now()
			switch {
			case err == nil:
				e.unsupported = false
			case common.KindOf(err) == common.KindUnsupported:
				e.unsupported = true
			}
			e.mu.Unlock()

			if err != nil {
				r.logger.Warn().Err(err).Str("provider_id", id).Msg("provider verify failed")
			}
			r.Record(id, err == nil)
			return nil
		})
	}
	_ = g.Wait()
}

// Snapshot returns a view of every provider sorted by priority.
func (r *Registry) Snapshot() []models.ProviderSnapshot {
	now := r.now()
	entries := r.ordered()
	out := make([]models.ProviderSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		e.rollover(now)
		out = append(out, models.ProviderSnapshot{
			ProviderID:        e.provider.ID(),
			DisplayName:       e.displayName,
			Priority:          e.priority,
			Status:            e.status(),
			DailySent:         e.dailySent,
			DailyLimit:        e.limits.DailyLimit,
			HourlySent:        e.hourlySent,
			HourlyLimit:       e.limits.HourlyLimit,
			ErrorRate:         e.health.ErrorRate(),
			LastHealthCheckAt: e.lastHealthCheck,
			Timestamp:         now,
		})
		e.mu.Unlock()
	}
	return out
}

// ordered returns entries by priority then registration order.
func (r *Registry) ordered() []*entry {
	r.mu.RLock()
	out := append([]*entry(nil), r.entries...)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].order < out[j].order
	})
	return out
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return e, nil
}

// status must be called with e.mu held.
func (e *entry) status() models.HealthStatus {
	if e.unsupported {
		return models.HealthDown
	}
	if e.override != "" {
		return e.override
	}
	return e.health.Status()
}

// rollover lazily resets the counters on calendar day and hour boundaries.
// Must be called with e.mu held.
func (e *entry) rollover(now time.Time) {
	if day := startOfDay(now); !day.Equal(e.lastResetDate) {
		e.dailySent = 0
		e.lastResetDate = day
	}
	if hour := now.Truncate(time.Hour); !hour.Equal(e.lastResetHour) {
		e.hourlySent = 0
		e.lastResetHour = hour
	}
}

// wait blocks until the per-second limiter admits one send.
func (e *entry) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
