package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewayhq/tideway/internal/healthprobe"
	"github.com/tidewayhq/tideway/internal/platform/apperr"
	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/portalloc"
	"github.com/tidewayhq/tideway/internal/proxy"
	"github.com/tidewayhq/tideway/internal/registry"
	"github.com/tidewayhq/tideway/internal/runtime"
	"github.com/tidewayhq/tideway/internal/slotmodel"
)

// fakeDriver is an in-memory stand-in for the container runtime: it
// tracks running containers by name and reports them healthy
// immediately, so the coordinator's health gates pass without a real
// polling delay.
type fakeDriver struct {
	mu         sync.Mutex
	running    map[string]string
	pullErr    error
	runErr     error
	healthy    bool
	published  map[int]struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: map[string]string{}, healthy: true, published: map[int]struct{}{}}
}

func (f *fakeDriver) Pull(ctx context.Context, image string) error { return f.pullErr }

func (f *fakeDriver) Run(ctx context.Context, spec runtime.RunSpec) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "container-" + spec.Name
	f.running[spec.Name] = id
	return id, nil
}

func (f *fakeDriver) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeDriver) Remove(ctx context.Context, name string) error { return nil }

func (f *fakeDriver) InspectHealth(ctx context.Context, name string) (runtime.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[name]; !ok {
		return runtime.HealthNone, nil
	}
	if f.healthy {
		return runtime.HealthHealthy, nil
	}
	return runtime.HealthUnhealthy, nil
}

func (f *fakeDriver) ExecProbe(ctx context.Context, name string, port int, path string) (bool, error) {
	return f.healthy, nil
}

func (f *fakeDriver) PublishedPorts(ctx context.Context) (map[int]struct{}, error) {
	return f.published, nil
}

func (f *fakeDriver) Status(ctx context.Context, name string) (bool, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.running[name]
	return ok, id, ok, nil
}

type testHarness struct {
	coord  *Coordinator
	driver *fakeDriver
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := logger.NewText("error")

	reg, err := registry.New(t.TempDir(), "", nil, log)
	require.NoError(t, err)

	driver := newFakeDriver()
	allocator := portalloc.New(reg, driver)
	prober := healthprobe.New(driver, log)
	proxyCfg, err := proxy.New(t.TempDir(), "", "", log)
	require.NoError(t, err)

	coord := New(reg, driver, allocator, prober, proxyCfg, "tideway-net", log)
	return &testHarness{coord: coord, driver: driver}
}

func TestDeployFirstSlotGoesToBlue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:1.0", DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, slotmodel.Blue, result.Slot)
	assert.True(t, result.IsFirstDeploy)
	assert.Nil(t, result.ActiveSlot)
	assert.Equal(t, 4100, result.Port)
}

func TestDeploySecondSlotGoesToOpposite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:1.0", DeployOptions{AutoPromote: true})
	require.NoError(t, err)

	result, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:2.0", DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, slotmodel.Green, result.Slot)
	assert.NotNil(t, result.ActiveSlot)
	assert.Equal(t, slotmodel.Blue, *result.ActiveSlot)
}

func TestDeployWithAutoPromotePromotesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:1.0", DeployOptions{AutoPromote: true})
	require.NoError(t, err)
	require.NotNil(t, result.Promotion)
	assert.Equal(t, slotmodel.Blue, result.Promotion.ActiveSlot)
}

func TestDeployFailsWhenImageUnavailable(t *testing.T) {
	h := newHarness(t)
	h.driver.pullErr = assertErr("manifest unknown")
	ctx := context.Background()

	_, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:missing", DeployOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindImageUnavailable, apperr.KindOf(err))
}

func TestDeployFailsWhenUnhealthyAndReleasesPort(t *testing.T) {
	h := newHarness(t)
	h.driver.healthy = false
	ctx := context.Background()

	_, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:1.0", DeployOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnhealthy, apperr.KindOf(err))

	// the port must have been released back to the ledger
	h.driver.healthy = true
	result, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:1.0", DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4100, result.Port)
}

func TestPromoteRequiresExactlyOneDeployedCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Promote(ctx, "acme", slotmodel.Production, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNoPromotableSlot, apperr.KindOf(err))
}

func TestPromoteDemotesPreviousActiveToGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:1.0", DeployOptions{AutoPromote: true})
	require.NoError(t, err)

	_, err = h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:2.0", DeployOptions{})
	require.NoError(t, err)

	result, err := h.coord.Promote(ctx, "acme", slotmodel.Production, nil)
	require.NoError(t, err)
	assert.Equal(t, slotmodel.Green, result.ActiveSlot)
	require.NotNil(t, result.GraceSlot)
	assert.Equal(t, slotmodel.Blue, *result.GraceSlot)
}

func TestRollbackFailsWhenNoGraceSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Rollback(ctx, "acme", slotmodel.Production)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNothingToRollBack, apperr.KindOf(err))
}

func TestRollbackRestoresGraceSlotToActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:1.0", DeployOptions{AutoPromote: true})
	require.NoError(t, err)
	_, err = h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:2.0", DeployOptions{AutoPromote: true})
	require.NoError(t, err)

	result, err := h.coord.Rollback(ctx, "acme", slotmodel.Production)
	require.NoError(t, err)
	assert.Equal(t, slotmodel.Blue, result.RolledBackTo)
	require.NotNil(t, result.PreviousActive)
	assert.Equal(t, slotmodel.Green, *result.PreviousActive)
}

func TestCleanupSkipsUnexpiredGraceSlotsUnlessForced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:1.0", DeployOptions{AutoPromote: true})
	require.NoError(t, err)
	_, err = h.coord.Deploy(ctx, "acme", slotmodel.Production, "acme:2.0", DeployOptions{AutoPromote: true})
	require.NoError(t, err)

	reports, err := h.coord.Cleanup(ctx, "acme", string(slotmodel.Production), false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Cleaned)

	reports, err = h.coord.Cleanup(ctx, "acme", string(slotmodel.Production), true)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Cleaned)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
