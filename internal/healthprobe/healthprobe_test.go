package healthprobe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/runtime"
)

type fakeDriver struct {
	runtime.Driver
	health    runtime.Health
	healthErr error
	execOK    bool
	execErr   error
}

func (f *fakeDriver) InspectHealth(ctx context.Context, name string) (runtime.Health, error) {
	return f.health, f.healthErr
}

func (f *fakeDriver) ExecProbe(ctx context.Context, name string, port int, path string) (bool, error) {
	return f.execOK, f.execErr
}

func TestWaitHealthySucceedsOnRuntimeHealthState(t *testing.T) {
	p := New(&fakeDriver{health: runtime.HealthHealthy}, logger.NewText("error"))
	ok := p.WaitHealthy(context.Background(), "acme-production-blue", 4100, "/health", time.Second)
	assert.True(t, ok)
}

func TestWaitHealthySucceedsOnExecProbe(t *testing.T) {
	p := New(&fakeDriver{health: runtime.HealthNone, execOK: true}, logger.NewText("error"))
	ok := p.WaitHealthy(context.Background(), "acme-production-blue", 4100, "/health", time.Second)
	assert.True(t, ok)
}

func TestWaitHealthyFailsWhenAllTiersFail(t *testing.T) {
	p := New(&fakeDriver{health: runtime.HealthUnhealthy, execOK: false}, logger.NewText("error"))
	ok := p.WaitHealthy(context.Background(), "acme-production-blue", 0, "/health", 0)
	assert.False(t, ok)
}

func TestWaitHealthyRespectsContextCancellation(t *testing.T) {
	p := New(&fakeDriver{health: runtime.HealthUnhealthy, execOK: false}, logger.NewText("error"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := p.WaitHealthy(ctx, "acme-production-blue", 0, "/health", 5*time.Second)
	assert.False(t, ok)
}

func TestWaitHealthyDefaultsAppPath(t *testing.T) {
	p := New(&fakeDriver{health: runtime.HealthHealthy}, logger.NewText("error"))
	ok := p.WaitHealthy(context.Background(), "acme-production-blue", 4100, "", time.Second)
	assert.True(t, ok)
}
