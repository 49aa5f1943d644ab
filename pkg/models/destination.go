package models

import "time"

// HealthStatus is the last known health of a destination.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// DestinationRecord describes one configured remote store. Config is an
// opaque blob interpreted by the destination client for the given Kind.
type DestinationRecord struct {
	ID              string
	Name            string
	Kind            string
	Config          string
	CreatedAt       time.Time
	LastHealthCheck *time.Time
	HealthStatus    HealthStatus
}
