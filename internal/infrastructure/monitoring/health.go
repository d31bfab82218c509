package monitoring

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	name    string
	check   CheckFunc
	timeout time.Duration
}

// CheckResult is one dependency's probe outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthStatus is an aggregate probe snapshot.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Checks  []CheckResult `json:"checks"`
}

// HealthChecker runs named dependency probes on demand.
type HealthChecker struct {
	mu     sync.Mutex
	checks []healthCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers a probe. A zero timeout gets a 5s default.
func (h *HealthChecker) AddCheck(name string, check CheckFunc, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, healthCheck{name: name, check: check, timeout: timeout})
}

// CheckAll runs every probe and aggregates the results. Probes run
// sequentially; there are few of them and each is bounded.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]healthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	status := HealthStatus{Healthy: true}
	for _, c := range checks {
		result := CheckResult{Name: c.name, Healthy: true}

		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		if err := c.check(checkCtx); err != nil {
			result.Healthy = false
			result.Error = err.Error()
			status.Healthy = false
		}
		cancel()

		status.Checks = append(status.Checks, result)
	}
	return status
}
