package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewayhq/tideway/internal/coordinator"
	"github.com/tidewayhq/tideway/internal/healthprobe"
	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/portalloc"
	"github.com/tidewayhq/tideway/internal/proxy"
	"github.com/tidewayhq/tideway/internal/registry"
	"github.com/tidewayhq/tideway/internal/runtime"
)

type fakeDriver struct {
	mu      sync.Mutex
	running map[string]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: map[string]string{}}
}

func (f *fakeDriver) Pull(ctx context.Context, image string) error { return nil }

func (f *fakeDriver) Run(ctx context.Context, spec runtime.RunSpec) (string, error) {
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
	if _, ok := f.running[name]; ok {
		return runtime.HealthHealthy, nil
	}
	return runtime.HealthNone, nil
}

func (f *fakeDriver) ExecProbe(ctx context.Context, name string, port int, path string) (bool, error) {
	return true, nil
}

func (f *fakeDriver) PublishedPorts(ctx context.Context) (map[int]struct{}, error) {
	return map[int]struct{}{}, nil
}

func (f *fakeDriver) Status(ctx context.Context, name string) (bool, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.running[name]
	return ok, id, ok, nil
}

func newTestDispatcher(t *testing.T) *ToolDispatcher {
	t.Helper()
	log := logger.NewText("error")

	reg, err := registry.New(t.TempDir(), "", nil, log)
	require.NoError(t, err)

	driver := newFakeDriver()
	allocator := portalloc.New(reg, driver)
	prober := healthprobe.New(driver, log)
	proxyCfg, err := proxy.New(t.TempDir(), "", "", log)
	require.NoError(t, err)

	coord := coordinator.New(reg, driver, allocator, prober, proxyCfg, "tideway-net", log)
	return NewToolDispatcher(coord, reg, log)
}

func callTool(t *testing.T, d *ToolDispatcher, tool string, params any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	body, err := json.Marshal(gin.H{"tool": tool, "params": params})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/tool", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	d.Handle(c)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

func TestHandleUnknownToolReturnsBadRequest(t *testing.T) {
	d := newTestDispatcher(t)
	rec, body := callTool(t, d, "not_a_tool", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestHandleDeployRequiresProjectName(t *testing.T) {
	d := newTestDispatcher(t)
	rec, body := callTool(t, d, "deploy", gin.H{"image": "acme:1.0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestHandleDeploySucceeds(t *testing.T) {
	d := newTestDispatcher(t)
	rec, body := callTool(t, d, "deploy", gin.H{"projectName": "acme", "image": "acme:1.0"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "blue", result["slot"])
}

func TestHandleSlotListReturnsEmptyForUnknownScope(t *testing.T) {
	d := newTestDispatcher(t)
	rec, body := callTool(t, d, "slot_list", gin.H{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Empty(t, body["result"])
}

func TestHandlePromoteWithNoDeployedSlotFailsWithConflict(t *testing.T) {
	d := newTestDispatcher(t)
	rec, body := callTool(t, d, "promote", gin.H{"projectName": "acme"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["success"])
}

func newTestDispatcherWithMirror(t *testing.T) *ToolDispatcher {
	t.Helper()
	log := logger.NewText("error")

	reg, err := registry.New(t.TempDir(), filepath.Join(t.TempDir(), "mirror.db"), nil, log)
	require.NoError(t, err)

	driver := newFakeDriver()
	allocator := portalloc.New(reg, driver)
	prober := healthprobe.New(driver, log)
	proxyCfg, err := proxy.New(t.TempDir(), "", "", log)
	require.NoError(t, err)

	coord := coordinator.New(reg, driver, allocator, prober, proxyCfg, "tideway-net", log)
	return NewToolDispatcher(coord, reg, log)
}

func TestHandleSlotHistoryRespectsCallerSuppliedLimit(t *testing.T) {
	d := newTestDispatcherWithMirror(t)
	_, _ = callTool(t, d, "deploy", gin.H{"projectName": "acme", "image": "acme:1.0"})
	_, _ = callTool(t, d, "promote", gin.H{"projectName": "acme"})
	_, _ = callTool(t, d, "deploy", gin.H{"projectName": "acme", "image": "acme:2.0"})
	_, _ = callTool(t, d, "promote", gin.H{"projectName": "acme"})

	rec, body := callTool(t, d, "slot_history", gin.H{"projectName": "acme", "limit": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	result := body["result"].([]any)
	assert.Len(t, result, 1)
}

func TestHandleSlotHistoryDefaultsLimitWhenAbsent(t *testing.T) {
	d := newTestDispatcherWithMirror(t)
	_, _ = callTool(t, d, "deploy", gin.H{"projectName": "acme", "image": "acme:1.0"})
	_, _ = callTool(t, d, "promote", gin.H{"projectName": "acme"})
	_, _ = callTool(t, d, "deploy", gin.H{"projectName": "acme", "image": "acme:2.0"})
	_, _ = callTool(t, d, "promote", gin.H{"projectName": "acme"})

	rec, body := callTool(t, d, "slot_history", gin.H{"projectName": "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	result := body["result"].([]any)
	assert.Len(t, result, 4)
}

func TestHandleSlotStatusAfterDeploy(t *testing.T) {
	d := newTestDispatcher(t)
	_, _ = callTool(t, d, "deploy", gin.H{"projectName": "acme", "image": "acme:1.0"})

	rec, body := callTool(t, d, "slot_status", gin.H{"projectName": "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	result := body["result"].(map[string]any)
	assert.Equal(t, "acme", result["project"])
}
