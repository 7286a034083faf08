package routing

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// LIDMap is the persistent LID-to-phone-number map for channels that
// identify users by an opaque linked id. Provider events feed it; the
// inbound pipeline reads it to normalise sender identities before
// allowlist and sticky lookups.
type LIDMap struct {
	db *sql.DB
}

// OpenLIDMap opens (creating if needed) the sqlite-backed map at path.
// ":memory:" gives an ephemeral map for tests.
func OpenLIDMap(path string) (*LIDMap, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open lid map: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS lid_map (
		lid   TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init lid map schema: %w", err)
	}
	return &LIDMap{db: db}, nil
}

// Put records or replaces a LID binding. Last writer wins.
func (m *LIDMap) Put(ctx context.Context, lid, phone string) error {
	_, err := m.db.ExecContext(ctx, `INSERT INTO lid_map (lid, phone, updated_at)
		VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(lid) DO UPDATE SET phone = excluded.phone, updated_at = excluded.updated_at`,
		lid, NormalizeIdentity(phone))
	if err != nil {
		return fmt.Errorf("put lid %s: %w", lid, err)
	}
	return nil
}

// Resolve returns the phone number for a LID, or "" when unknown.
func (m *LIDMap) Resolve(ctx context.Context, lid string) (string, error) {
	var phone string
	err := m.db.QueryRowContext(ctx, `SELECT phone FROM lid_map WHERE lid = ?`, lid).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve lid %s: %w", lid, err)
	}
	return phone, nil
}

// Close releases the underlying database.
func (m *LIDMap) Close() error { return m.db.Close() }
