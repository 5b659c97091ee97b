package worker_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/models"
	"github.com/example/mailconnect/internal/worker"
)

type sourceStub struct {
	mu     sync.Mutex
	checks int
}

func (s *sourceStub) CheckHealth(context.Context) {
	s.mu.Lock()
	s.checks++
	s.mu.Unlock()
}

func (s *sourceStub) Snapshot() []models.ProviderSnapshot {
	return []models.ProviderSnapshot{{ProviderID: "relay", Status: models.HealthHealthy}}
}

func (s *sourceStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

type healthCollector struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *healthCollector) PublishHealth(_ context.Context, snaps []models.ProviderSnapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.err
}

func TestHealthReporterReportOnce(t *testing.T) {
	src := &sourceStub{}
	pub := &healthCollector{err: errors.New("broker down")}
	rep := worker.NewHealthReporter(src, pub, time.Minute, zerolog.New(io.Discard))

	if err := rep.ReportOnce(context.Background()); !errors.Is(err, pub.err) {
		t.Fatalf("expected publisher error, got %v", err)
	}
	if src.count() != 1 || pub.calls != 1 {
		t.Fatalf("expected one check and one publish, got %d/%d", src.count(), pub.calls)
	}

	if err := worker.NewHealthReporter(src, nil, 0, zerolog.Nop()).ReportOnce(context.Background()); err != nil {
		t.Fatalf("nil publisher must not fail: %v", err)
	}
}

func TestHealthReporterRunStopsOnCancel(t *testing.T) {
	src := &sourceStub{}
	rep := worker.NewHealthReporter(src, &healthCollector{}, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rep.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for src.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated health checks, got %d", src.count())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
