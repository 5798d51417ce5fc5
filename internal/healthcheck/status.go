package healthcheck

import "time"

type Status struct {
	Target       string       `json:"target"`
	Health       HealthStatus `json:"health"`
	LastCheck    time.Time    `json:"last_check"`
	LastSuccess  time.Time    `json:"last_success"`
	LastFailure  time.Time    `json:"last_failure"`
	FailureCount int          `json:"failure_count"`
	LastError    string       `json:"last_error,omitempty"`
}

// Represents the backend's health as seen by the prober
type HealthStatus int

const (
	Unknown HealthStatus = iota
	Healthy
	Unhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
