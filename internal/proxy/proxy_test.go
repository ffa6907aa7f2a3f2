package proxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewayhq/tideway/internal/platform/apperr"
	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/slotmodel"
)

func newTestConfigurator(t *testing.T, validateCmd, reloadCmd string) *Configurator {
	t.Helper()
	c, err := New(t.TempDir(), validateCmd, reloadCmd, logger.NewText("error"))
	require.NoError(t, err)
	return c
}

func testSpec() SiteSpec {
	return SiteSpec{
		Project:     "acme",
		Environment: slotmodel.Production,
		Domains:     []string{"acme.example.com"},
		Version:     "1.0.0",
		ActiveSlot:  slotmodel.Blue,
		Upstreams: []Upstream{
			{Host: "127.0.0.1", Port: 4100, Slot: slotmodel.Blue},
		},
	}
}

func TestRenderAndReloadWritesSiteFile(t *testing.T) {
	c := newTestConfigurator(t, "", "")
	err := c.RenderAndReload(context.Background(), testSpec())
	require.NoError(t, err)

	data, err := os.ReadFile(c.sitePath("acme", slotmodel.Production))
	require.NoError(t, err)
	assert.Contains(t, string(data), "server 127.0.0.1:4100; # slot=blue")
	assert.Contains(t, string(data), "server_name acme.example.com;")
}

func TestRenderAndReloadOverwritesAndKeepsBackup(t *testing.T) {
	c := newTestConfigurator(t, "", "")
	ctx := context.Background()

	require.NoError(t, c.RenderAndReload(ctx, testSpec()))

	second := testSpec()
	second.ActiveSlot = slotmodel.Green
	second.Upstreams = []Upstream{{Host: "127.0.0.1", Port: 4101, Slot: slotmodel.Green}}
	require.NoError(t, c.RenderAndReload(ctx, second))

	path := c.sitePath("acme", slotmodel.Production)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "slot=green")

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "slot=blue")
}

func TestRenderAndReloadRestoresOnValidationFailure(t *testing.T) {
	c := newTestConfigurator(t, "", "")
	ctx := context.Background()
	require.NoError(t, c.RenderAndReload(ctx, testSpec()))

	c.validateCmd = "exit 1"
	second := testSpec()
	second.ActiveSlot = slotmodel.Green
	err := c.RenderAndReload(ctx, second)
	require.Error(t, err)
	assert.Equal(t, apperr.KindProxyReloadFailed, apperr.KindOf(err))

	data, err := os.ReadFile(c.sitePath("acme", slotmodel.Production))
	require.NoError(t, err)
	assert.Contains(t, string(data), "slot=blue", "failed render must restore the previous site file")
}

func TestRenderAndReloadRestoresOnReloadFailure(t *testing.T) {
	c := newTestConfigurator(t, "", "")
	ctx := context.Background()
	require.NoError(t, c.RenderAndReload(ctx, testSpec()))

	c.reloadCommand = "exit 1"
	second := testSpec()
	second.ActiveSlot = slotmodel.Green
	err := c.RenderAndReload(ctx, second)
	require.Error(t, err)

	data, err := os.ReadFile(c.sitePath("acme", slotmodel.Production))
	require.NoError(t, err)
	assert.Contains(t, string(data), "slot=blue")
}

func TestRenderAndReloadRemovesOnFailureWithNoPriorFile(t *testing.T) {
	c := newTestConfigurator(t, "exit 1", "")
	err := c.RenderAndReload(context.Background(), testSpec())
	require.Error(t, err)

	_, statErr := os.Stat(c.sitePath("acme", slotmodel.Production))
	assert.True(t, os.IsNotExist(statErr), "no site file should remain after a failed first render")
}

func TestRemoveDeletesSiteFile(t *testing.T) {
	c := newTestConfigurator(t, "", "")
	ctx := context.Background()
	require.NoError(t, c.RenderAndReload(ctx, testSpec()))

	require.NoError(t, c.Remove(ctx, "acme", slotmodel.Production))
	_, err := os.Stat(c.sitePath("acme", slotmodel.Production))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveToleratesMissingFile(t *testing.T) {
	c := newTestConfigurator(t, "", "")
	err := c.Remove(context.Background(), "ghost", slotmodel.Staging)
	assert.NoError(t, err)
}

func TestAtomicWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.conf")
	require.NoError(t, atomicWrite(path, []byte("hello")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}
