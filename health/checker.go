// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"anomaly-sentinel/logger"
)

const (
	defaultCheckInterval = 30 * time.Second
	probeTimeout         = 2 * time.Second
	// staleAfter marks a probed component unhealthy when its probe has not
	// refreshed it in time. Push-updated components never go stale.
	staleAfter = 5 * time.Minute
)

// ComponentStatus represents the health status of a component
type ComponentStatus struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message"`
}

// ProbeFunc actively checks one component. A nil error marks it healthy.
type ProbeFunc func(ctx context.Context) error

// Checker tracks the health of the detection pipeline components
type Checker struct {
	mu               sync.RWMutex
	components       map[string]*ComponentStatus
	probes           map[string]ProbeFunc
	optional         map[string]bool
	checkInterval    time.Duration
	lastOverallCheck time.Time
}

// NewChecker creates a checker seeded with the pipeline components. The
// mailer and narrative components are optional: while their message reads
// "Not enabled" they do not count against overall health.
func NewChecker() *Checker {
	now := time.Now()
	return &Checker{
		components: map[string]*ComponentStatus{
			"detector":   {Healthy: true, LastChecked: now, Message: "Detector initialized"},
			"log_store":  {Healthy: false, LastChecked: now, Message: "Not yet initialized"},
			"event_hub":  {Healthy: false, LastChecked: now, Message: "Not yet initialized"},
			"dispatcher": {Healthy: false, LastChecked: now, Message: "Not started"},
			"mailer":     {Healthy: false, LastChecked: now, Message: "Not enabled"},
			"narrative":  {Healthy: false, LastChecked: now, Message: "Not enabled"},
		},
		probes:           make(map[string]ProbeFunc),
		optional:         map[string]bool{"mailer": true, "narrative": true},
		checkInterval:    defaultCheckInterval,
		lastOverallCheck: now,
	}
}

// UpdateComponentStatus updates the status of a specific component
func (h *Checker) UpdateComponentStatus(component string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if status, exists := h.components[component]; exists {
		status.Healthy = healthy
		status.LastChecked = time.Now()
		status.Message = message
	} else {
		h.components[component] = &ComponentStatus{
			Healthy:     healthy,
			LastChecked: time.Now(),
			Message:     message,
		}
	}

	logger.Debug("Health status updated for %s: healthy=%v, message=%s", component, healthy, message)
}

// GetComponentStatus returns the status of a specific component
func (h *Checker) GetComponentStatus(component string) (*ComponentStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, exists := h.components[component]
	if !exists {
		return nil, false
	}

	statusCopy := *status
	return &statusCopy, true
}

// RegisterProbe attaches an active check for a component and runs it once, so
// a freshly wired component reports immediately instead of on the next tick.
func (h *Checker) RegisterProbe(name string, probe ProbeFunc) {
	h.mu.Lock()
	h.probes[name] = probe
	if _, exists := h.components[name]; !exists {
		h.components[name] = &ComponentStatus{LastChecked: time.Now(), Message: "Not yet checked"}
	}
	h.mu.Unlock()

	h.runProbe(context.Background(), name, probe)
}

// IsHealthy returns true if all required components are healthy
func (h *Checker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.unhealthyLocked()) == 0
}

// Liveness fails only when the detector component is down, so trouble with
// external dependencies never restarts the process.
func (h *Checker) Liveness() error {
	if status, ok := h.GetComponentStatus("detector"); ok && status.Healthy {
		return nil
	}
	return errors.New("detector is not healthy")
}

// Readiness reports which required components are currently unhealthy
func (h *Checker) Readiness() error {
	h.mu.RLock()
	unhealthy := h.unhealthyLocked()
	h.mu.RUnlock()

	if len(unhealthy) > 0 {
		return fmt.Errorf("unhealthy components: %v", unhealthy)
	}
	return nil
}

// Report is the health payload served by the API
type Report struct {
	Healthy    bool                       `json:"healthy"`
	LastCheck  time.Time                  `json:"last_check"`
	Components map[string]ComponentReport `json:"components"`
}

// ComponentReport is one component's entry in the health report
type ComponentReport struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message"`
	Age         string    `json:"age"`
}

// HealthReport returns a detailed health report
func (h *Checker) HealthReport() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	components := make(map[string]ComponentReport, len(h.components))
	for name, status := range h.components {
		components[name] = ComponentReport{
			Healthy:     status.Healthy,
			LastChecked: status.LastChecked,
			Message:     status.Message,
			Age:         time.Since(status.LastChecked).Round(time.Millisecond).String(),
		}
	}
	return Report{
		Healthy:    len(h.unhealthyLocked()) == 0,
		LastCheck:  h.lastOverallCheck,
		Components: components,
	}
}

// StartPeriodicHealthChecks re-runs the registered probes until ctx ends
func (h *Checker) StartPeriodicHealthChecks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping periodic health checks")
				return
			case <-ticker.C:
				h.performHealthChecks(ctx)
			}
		}
	}()
}

// SetCheckInterval sets the interval for periodic health checks
func (h *Checker) SetCheckInterval(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkInterval = interval
}

func (h *Checker) performHealthChecks(ctx context.Context) {
	h.mu.Lock()
	h.lastOverallCheck = time.Now()
	probes := make(map[string]ProbeFunc, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.Unlock()

	for name, probe := range probes {
		h.runProbe(ctx, name, probe)
	}
}

func (h *Checker) runProbe(ctx context.Context, name string, probe ProbeFunc) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := probe(probeCtx); err != nil {
		h.UpdateComponentStatus(name, false, fmt.Sprintf("Check failed: %v", err))
		return
	}
	h.UpdateComponentStatus(name, true, fmt.Sprintf("%s is healthy", name))
}

// unhealthyLocked lists the required components that are down or whose probe
// went stale. Caller holds h.mu.
func (h *Checker) unhealthyLocked() []string {
	var out []string
	for name, status := range h.components {
		if h.optional[name] && status.Message == "Not enabled" {
			continue
		}
		if !status.Healthy {
			out = append(out, name)
			continue
		}
		if _, probed := h.probes[name]; probed && time.Since(status.LastChecked) > staleAfter {
			logger.Warn("Component %s health check is stale (last checked %v ago)",
				name, time.Since(status.LastChecked))
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
