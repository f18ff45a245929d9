package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// slowBackend is the probe latency past which a reachable backend is
// reported degraded rather than healthy.
const slowBackend = 2 * time.Second

// Pinger is the slice of the inference client the backend probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendChecker probes the inference backend. It is the one critical
// check: without the backend no subtask can execute.
type BackendChecker struct {
	client  Pinger
	timeout time.Duration
}

func NewBackendChecker(client Pinger) *BackendChecker {
	return &BackendChecker{client: client, timeout: 5 * time.Second}
}

func (c *BackendChecker) Name() string           { return "backend" }
func (c *BackendChecker) IsCritical() bool       { return true }
func (c *BackendChecker) Timeout() time.Duration { return c.timeout }

func (c *BackendChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.client.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "inference backend unreachable",
			Error:   err.Error(),
		}
	}

	result := CheckResult{
		Status:  StatusHealthy,
		Message: "inference backend reachable",
		Details: map[string]any{"latency_ms": latency.Milliseconds()},
	}
	if latency > slowBackend {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("inference backend slow (%s)", latency.Round(time.Millisecond))
	}
	return result
}

// DiskChecker verifies the data directory accepts writes. Persona and
// memory persistence both need it, but the engine can still answer
// requests without it, so the check is non-critical.
type DiskChecker struct {
	dir     string
	timeout time.Duration
}

func NewDiskChecker(dir string) *DiskChecker {
	return &DiskChecker{dir: dir, timeout: 2 * time.Second}
}

func (c *DiskChecker) Name() string           { return "storage" }
func (c *DiskChecker) IsCritical() bool       { return false }
func (c *DiskChecker) Timeout() time.Duration { return c.timeout }

func (c *DiskChecker) Check(ctx context.Context) CheckResult {
	if err := ctx.Err(); err != nil {
		return CheckResult{Status: StatusUnknown, Error: err.Error()}
	}

	probe := filepath.Join(c.dir, ".healthprobe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("data directory %s not writable", c.dir),
			Error:   err.Error(),
		}
	}
	_ = os.Remove(probe)

	return CheckResult{
		Status:  StatusHealthy,
		Message: "data directory writable",
		Details: map[string]any{"dir": c.dir},
	}
}
