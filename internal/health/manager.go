package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager owns the registered checkers and produces reports on demand.
// Checks run when a report is requested rather than on a background
// poller, so the health endpoint always reflects the current state.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	order    []string
	last     map[string]CheckResult
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
		logger:   logger,
	}
}

// Register adds a checker. Names must be unique and non-empty.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if name == "" {
		return fmt.Errorf("health: checker name is empty")
	}
	if _, ok := m.checkers[name]; ok {
		return fmt.Errorf("health: checker %q already registered", name)
	}

	m.checkers[name] = c
	m.order = append(m.order, name)
	m.logger.Info("health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", c.Timeout()),
	)
	return nil
}

// Report runs every registered checker and rolls the results up.
func (m *Manager) Report(ctx context.Context) Report {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(names))
	summary := Summary{Total: len(names)}

	for _, name := range names {
		result := m.run(ctx, checkers[name])
		components[name] = result

		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Status != StatusHealthy {
			m.logger.Warn("health check not healthy",
				zap.String("checker", name),
				zap.Stringer("status", result.Status),
				zap.String("error", result.Error),
			)
		}
	}

	m.mu.Lock()
	for name, result := range components {
		m.last[name] = result
	}
	m.mu.Unlock()

	return Report{
		Overall:    rollup(components, summary),
		Components: components,
		Summary:    summary,
	}
}

// run executes one check under its own timeout and stamps the fields
// the checker leaves to the manager.
func (m *Manager) run(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

// LastResults returns the most recent results without running checks.
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CheckResult, len(m.last))
	for name, result := range m.last {
		out[name] = result
	}
	return out
}

// rollup folds component results into the service-level status. A
// failing critical check makes the whole service unhealthy; anything
// else at worst degrades it.
func rollup(components map[string]CheckResult, summary Summary) Overall {
	now := time.Now()
	if summary.Total == 0 {
		return Overall{
			Status:    StatusUnknown,
			Message:   "no health checks registered",
			Timestamp: now,
		}
	}

	criticalDown := 0
	for _, result := range components {
		if result.Status == StatusUnhealthy && result.Critical {
			criticalDown++
		}
	}

	switch {
	case criticalDown > 0:
		return Overall{
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("%d critical component(s) failing", criticalDown),
			Timestamp: now,
		}
	case summary.Unhealthy > 0 || summary.Degraded > 0:
		return Overall{
			Status:    StatusDegraded,
			Message:   fmt.Sprintf("%d of %d components impaired", summary.Unhealthy+summary.Degraded, summary.Total),
			Ready:     true,
			Timestamp: now,
		}
	default:
		return Overall{
			Status:    StatusHealthy,
			Message:   fmt.Sprintf("all %d components healthy", summary.Total),
			Ready:     true,
			Timestamp: now,
		}
	}
}
