package models

import "time"

// HealthStatus is the tri-state serviceability of a delivery provider.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ProviderSnapshot is a point-in-time view of a registered provider used for
// observability.
type ProviderSnapshot struct {
	ProviderID        string       `json:"provider_id"`
	DisplayName       string       `json:"display_name"`
	Priority          int          `json:"priority"`
	Status            HealthStatus `json:"status"`
	DailySent         int          `json:"daily_sent"`
	DailyLimit        int          `json:"daily_limit,omitempty"`
	HourlySent        int          `json:"hourly_sent"`
	HourlyLimit       int          `json:"hourly_limit,omitempty"`
	ErrorRate         float64      `json:"error_rate"`
	LastHealthCheckAt time.Time    `json:"last_health_check_at,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}
