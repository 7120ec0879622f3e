package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"exit_tracker/internal/core"
)

// DefaultCheckTimeout bounds a single component check
const DefaultCheckTimeout = 2 * time.Second

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger  core.ILogger
	timeout time.Duration
	mu      sync.RWMutex
	checks  map[string]func(ctx context.Context) error
}

// NewHealthManager creates a new health manager; logger may be nil
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{
		timeout: DefaultCheckTimeout,
		checks:  make(map[string]func(ctx context.Context) error),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds or replaces the check for component
func (hm *HealthManager) Register(component string, check func(ctx context.Context) error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus runs every check and reports Healthy or "Unhealthy: <reason>" per component
func (hm *HealthManager) GetStatus(ctx context.Context) map[string]string {
	results := hm.run(ctx)
	status := make(map[string]string, len(results))
	for component, err := range results {
		if err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes
func (hm *HealthManager) IsHealthy(ctx context.Context) bool {
	for _, err := range hm.run(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// ServeHTTP answers 200 when healthy and 503 otherwise, always with the per-component status
func (hm *HealthManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	results := hm.run(r.Context())

	healthy := true
	components := make([]string, 0, len(results))
	status := make(map[string]string, len(results))
	for component, err := range results {
		components = append(components, component)
		if err != nil {
			healthy = false
			status[component] = "Unhealthy: " + err.Error()
			continue
		}
		status[component] = "Healthy"
	}
	sort.Strings(components)

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		if hm.logger != nil {
			hm.logger.Warn("Health check failed", "status", status)
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":    healthy,
		"components": status,
		"checked":    components,
	})
}

// Check runs every check and returns each component's error, nil when healthy
func (hm *HealthManager) Check(ctx context.Context) map[string]error {
	return hm.run(ctx)
}

func (hm *HealthManager) run(ctx context.Context) map[string]error {
	hm.mu.RLock()
	checks := make(map[string]func(ctx context.Context) error, len(hm.checks))
	for k, v := range hm.checks {
		checks[k] = v
	}
	hm.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for component, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, hm.timeout)
		results[component] = check(cctx)
		cancel()
	}
	return results
}
