// Package healthprobe implements the three-tier liveness check: runtime
// health state, in-container HTTP exec probe, then host-side HTTP GET.
package healthprobe

import (
	"context"
	"time"

	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/runtime"
)

const pollInterval = 2 * time.Second

// DefaultDeployDeadline and DefaultGateDeadline match spec.md §4.3's two
// call sites: the initial deploy gate and the promote/rollback final gate.
const (
	DefaultDeployDeadline = 60 * time.Second
	DefaultGateDeadline   = 30 * time.Second
)

// Prober waits for a container to become reachable.
type Prober struct {
	driver runtime.Driver
	log    logger.Logger
}

// New builds a Prober backed by the given runtime driver.
func New(driver runtime.Driver, log logger.Logger) *Prober {
	return &Prober{driver: driver, log: log}
}

// WaitHealthy polls container (its runtime name) on hostPort/appPath
// until one of the three signals succeeds or deadline elapses.
func (p *Prober) WaitHealthy(ctx context.Context, container string, hostPort int, appPath string, deadline time.Duration) bool {
	if appPath == "" {
		appPath = "/health"
	}
	deadlineAt := time.Now().Add(deadline)

	for {
		if p.checkOnce(ctx, container, hostPort, appPath) {
			return true
		}
		if time.Now().After(deadlineAt) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

func (p *Prober) checkOnce(ctx context.Context, container string, hostPort int, appPath string) bool {
	health, err := p.driver.InspectHealth(ctx, container)
	if err == nil && health == runtime.HealthHealthy {
		return true
	}

	ok, err := p.driver.ExecProbe(ctx, container, hostPort, appPath)
	if err == nil && ok {
		return true
	}

	ok, err = runtime.HostHTTPProbe(ctx, hostPort, appPath)
	if err == nil && ok {
		return true
	}

	return false
}
