package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/logger"
	"github.com/example/mailconnect/internal/models"
)

// HealthSource polls providers and reports their state. *dispatch.Registry
// satisfies it.
type HealthSource interface {
	CheckHealth(ctx context.Context)
	Snapshot() []models.ProviderSnapshot
}

// HealthPublisher emits provider snapshots.
type HealthPublisher interface {
	PublishHealth(ctx context.Context, snapshots []models.ProviderSnapshot) error
}

// HealthReporter periodically verifies every provider and publishes the
// resulting snapshot.
type HealthReporter struct {
	source    HealthSource
	publisher HealthPublisher
	interval  time.Duration
	logger    zerolog.Logger
}

// NewHealthReporter builds a reporter. A nil publisher only refreshes health.
func NewHealthReporter(source HealthSource, publisher HealthPublisher, interval time.Duration, log zerolog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HealthReporter{
		source:    source,
		publisher: publisher,
		interval:  interval,
		logger:    logger.Component(log, "health_reporter"),
	}
}

// Run reports immediately and then on every tick until ctx is done.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.ReportOnce(ctx); err != nil {
			h.logger.Error().Err(err).Msg("publish provider health failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReportOnce runs one health check and publishes the snapshot.
func (h *HealthReporter) ReportOnce(ctx context.Context) error {
	h.source.CheckHealth(ctx)
	snaps := h.source.Snapshot()

	for _, s := range snaps {
		h.logger.Debug().
			Str("provider_id", s.ProviderID).
			Str("status", string(s.Status)).
			Int("daily_sent", s.DailySent).
			Float64("error_rate", s.ErrorRate).
			Msg("provider health")
	}
	if h.publisher == nil {
		return nil
	}
	return h.publisher.PublishHealth(ctx, snaps)
}
