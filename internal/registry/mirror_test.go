package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidewayhq/tideway/internal/platform/logger"
)

func TestNewMirrorDisabledWithEmptyDSN(t *testing.T) {
	m, err := newMirror("", logger.NewText("error"))
	require.NoError(t, err)
	require.Nil(t, m)
	require.NoError(t, m.Close())
	require.NoError(t, m.upsertScope(context.Background(), &scopeDoc{}))
}

func TestMirrorUpsertScopeAndHistoryRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "mirror.db")
	m, err := newMirror(dsn, logger.NewText("error"))
	require.NoError(t, err)
	defer m.Close()

	doc := &scopeDoc{
		Project:     "acme",
		Environment: "production",
		ActiveSlot:  nil,
		Slots: map[string]slotDoc{
			"blue":  {State: "deployed", Port: 4100, Container: "c1", Image: "acme:1.0"},
			"green": {State: "empty"},
		},
	}
	require.NoError(t, m.upsertScope(context.Background(), doc))

	row := HistoryRow{
		Project: "acme", Environment: "production", Slot: "blue",
		FromState: "empty", ToState: "deployed", Image: "acme:1.0", Port: 4100,
		Operator: "deploy", Outcome: "success", Timestamp: time.Now(),
	}
	require.NoError(t, m.appendHistory(context.Background(), row))

	rows, err := m.history(context.Background(), "acme", "production", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "blue", rows[0].Slot)
	require.Equal(t, 4100, rows[0].Port)
}

func TestMirrorHistoryReturnsNewestFirst(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "mirror.db")
	m, err := newMirror(dsn, logger.NewText("error"))
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	base := time.Now()
	for i, state := range []string{"deployed", "active", "grace"} {
		row := HistoryRow{
			Project: "acme", Environment: "production", Slot: "blue",
			FromState: "x", ToState: state, Operator: "op", Outcome: "success",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, m.appendHistory(ctx, row))
	}

	rows, err := m.history(ctx, "acme", "production", 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "grace", rows[0].ToState)
	require.Equal(t, "deployed", rows[2].ToState)
}
