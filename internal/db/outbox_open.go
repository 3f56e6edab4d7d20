package db

import (
	"database/sql"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// OutboxPath returns the SQLite outbox location inside dataDir.
func OutboxPath(dataDir string) string {
	return filepath.Join(dataDir, outboxFile)
}

// OpenOutbox opens (and initializes) the SQLite settlement outbox.
func OpenOutbox(path string) (*sql.DB, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := initOutboxSchema(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}
