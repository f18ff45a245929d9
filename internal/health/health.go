// Package health probes the process's dependencies and rolls the
// results up into a single service status for the health endpoint.
package health

import (
	"context"
	"encoding/json"
	"time"
)

// CheckStatus grades a single probe result.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes the status by name rather than ordinal.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is the outcome of one probe run.
type CheckResult struct {
	Component string         `json:"component"`
	Status    CheckStatus    `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Critical  bool           `json:"critical"`
}

// Checker is a single dependency probe. Check runs under the manager's
// per-check timeout; implementations fill Status, Message, Error and
// Details and leave the remaining fields to the manager.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
	Timeout() time.Duration
}

// Overall is the rolled-up service status.
type Overall struct {
	Status    CheckStatus `json:"status"`
	Message   string      `json:"message"`
	Ready     bool        `json:"ready"`
	Timestamp time.Time   `json:"timestamp"`
}

// Summary counts probe outcomes by grade.
type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

// Report is the full picture: the rollup plus every component result.
type Report struct {
	Overall    Overall                `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Summary    Summary                `json:"summary"`
}
