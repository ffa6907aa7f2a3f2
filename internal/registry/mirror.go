package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/tidewayhq/tideway/internal/platform/logger"
)

// mirror is the eventually-consistent relational mirror: projects,
// slots, and an append-only deployment history table. It is never the
// source of truth; writes here are best-effort and failures are logged,
// not propagated.
type mirror struct {
	db  *sql.DB
	log logger.Logger
}

// newMirror opens (creating if necessary) the sqlite database at dsn. A
// blank dsn disables mirroring; newMirror returns (nil, nil) in that
// case and callers must treat a nil *mirror as "mirroring off".
func newMirror(dsn string, log logger.Logger) (*mirror, error) {
	if dsn == "" {
		return nil, nil
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mirror directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open mirror database: %w", err)
	}
	m := &mirror{db: db, log: log}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.db.Close()
}

func (m *mirror) migrate() error {
	_, err := m.db.Exec(migrationV1)
	return err
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS projects (
    name TEXT PRIMARY KEY,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS slots (
    project TEXT NOT NULL,
    environment TEXT NOT NULL,
    slot TEXT NOT NULL,
    state TEXT NOT NULL,
    port INTEGER,
    container TEXT,
    image TEXT,
    active_slot TEXT,
    deployed_at DATETIME,
    grace_expires_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (project, environment, slot)
);

CREATE TABLE IF NOT EXISTS deployment_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project TEXT NOT NULL,
    environment TEXT NOT NULL,
    slot TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    image TEXT,
    port INTEGER,
    operator TEXT,
    outcome TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_scope ON deployment_history(project, environment);
`

// upsertScope mirrors a full scope document: one row per slot plus the
// scope's active-slot designation.
func (m *mirror) upsertScope(ctx context.Context, doc *scopeDoc) error {
	if m == nil {
		return nil
	}
	var active sql.NullString
	if doc.ActiveSlot != nil {
		active = sql.NullString{String: *doc.ActiveSlot, Valid: true}
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(name) VALUES (?) ON CONFLICT(name) DO NOTHING`, doc.Project); err != nil {
		return err
	}
	for slotName, slot := range doc.Slots {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO slots(project, environment, slot, state, port, container, image, active_slot, deployed_at, grace_expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(project, environment, slot) DO UPDATE SET
				state=excluded.state, port=excluded.port, container=excluded.container,
				image=excluded.image, active_slot=excluded.active_slot,
				deployed_at=excluded.deployed_at, grace_expires_at=excluded.grace_expires_at,
				updated_at=CURRENT_TIMESTAMP
		`, doc.Project, doc.Environment, slotName, slot.State, nullableInt(slot.Port), nullableStr(slot.Container), nullableStr(slot.Image), active, slot.DeployedAt, slot.GraceExpiresAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// appendHistory inserts an append-only history row. Never updates or
// deletes existing rows.
func (m *mirror) appendHistory(ctx context.Context, row HistoryRow) error {
	if m == nil {
		return nil
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO deployment_history(project, environment, slot, from_state, to_state, image, port, operator, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.Project, row.Environment, row.Slot, row.FromState, row.ToState, row.Image, row.Port, row.Operator, row.Outcome, row.Timestamp)
	return err
}

// history returns the most recent limit history rows for a scope,
// newest first.
func (m *mirror) history(ctx context.Context, project string, env string, limit int) ([]HistoryRow, error) {
	if m == nil {
		return nil, nil
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT project, environment, slot, from_state, to_state, image, port, operator, outcome, created_at
		FROM deployment_history
		WHERE project = ? AND environment = ?
		ORDER BY id DESC
		LIMIT ?
	`, project, env, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var image, operator sql.NullString
		var port sql.NullInt64
		if err := rows.Scan(&r.Project, &r.Environment, &r.Slot, &r.FromState, &r.ToState, &image, &port, &operator, &r.Outcome, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Image = image.String
		r.Operator = operator.String
		r.Port = int(port.Int64)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func nullableStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
