package dispatch_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/mailconnect/internal/config"
	"github.com/example/mailconnect/internal/dispatch"
	"github.com/example/mailconnect/internal/providers/factory"
)

func TestFromConfigRegistersBackends(t *testing.T) {
	backends := []factory.Backend{
		{Provider: newMock("fallback"), DisplayName: "Fallback", Priority: 50},
		{Provider: newMock("primary"), DisplayName: "Primary", Priority: 5},
	}

	d, err := dispatch.FromConfig(config.DispatchConfig{MaxHops: 2, SendTimeoutSeconds: 5, HealthWindowSize: 10}, backends, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("from config: %v", err)
	}

	snap := d.Registry().Snapshot()
	if len(snap) != 2 || snap[0].ProviderID != "primary" || snap[0].DisplayName != "Primary" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	res := d.Dispatch(context.Background(), sendRequest())
	if !res.Success || res.ProviderID != "primary" {
		t.Fatalf("expected primary to deliver, got %+v", res)
	}
}

func TestFromConfigRejectsDuplicateIDs(t *testing.T) {
	backends := []factory.Backend{{Provider: newMock("a")}, {Provider: newMock("a")}}
	_, err := dispatch.FromConfig(config.DispatchConfig{}, backends, zerolog.Nop())
	if !errors.Is(err, dispatch.ErrDuplicateProvider) {
		t.Fatalf("expected duplicate provider error, got %v", err)
	}
}
