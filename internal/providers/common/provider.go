package common

import (
	"context"
	"time"

	"github.com/example/mailconnect/internal/models"
)

// Limits describes the quotas and size caps a provider enforces. Zero means
// "no limit".
type Limits struct {
	DailyLimit        int   `json:"daily_limit,omitempty"`
	HourlyLimit       int   `json:"hourly_limit,omitempty"`
	PerSecondLimit    int   `json:"per_second_limit,omitempty"`
	MaxRecipients     int   `json:"max_recipients,omitempty"`
	MaxAttachmentSize int64 `json:"max_attachment_size,omitempty"`
	MaxEmailSize      int64 `json:"max_email_size,omitempty"`
}

// Receipt is what a backend returns when it accepted a message.
type Receipt struct {
	MessageID string
	Code      string
	Timestamp time.Time
}

// Provider is the contract every delivery backend implements. Backends are
// stateless executors: counters and health are owned by the dispatch registry.
type Provider interface {
	// ID is the stable identifier used in SendResult.ProviderID.
	ID() string
	// Send transmits the message once. Failures are returned as *Error.
	Send(ctx context.Context, req *models.SendRequest) (*Receipt, error)
	// Verify performs a non-destructive reachability and credential check.
	Verify(ctx context.Context) error
	// Limits reports the provider's quotas.
	Limits() Limits
}
