package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Schema versions:
// 1 - files and backup_files
const CurrentSchemaVersion = 1

const schemaVersionKey = "schema_version"

// ErrSchemaTooNew is returned when a registry was written by a newer build.
var ErrSchemaTooNew = errors.New("registry schema is newer than this build")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	modified_time REAL NOT NULL,
	hash TEXT,
	last_sync_time REAL,
	UNIQUE(path)
);
CREATE TABLE IF NOT EXISTS backup_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	original_path TEXT NOT NULL,
	backup_path TEXT NOT NULL,
	size INTEGER NOT NULL,
	modified_time REAL NOT NULL,
	backup_time REAL NOT NULL,
	hash TEXT
);
CREATE INDEX IF NOT EXISTS idx_backup_files_time ON backup_files(backup_time);
CREATE INDEX IF NOT EXISTS idx_backup_files_path ON backup_files(original_path, backup_time);
CREATE TABLE IF NOT EXISTS schema_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: %d > %d", ErrSchemaTooNew, version, CurrentSchemaVersion)
	}
	if version == CurrentSchemaVersion {
		return nil
	}

	_, err = s.db.Exec(`
		INSERT INTO schema_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersionKey, strconv.Itoa(CurrentSchemaVersion))
	if err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns the stored schema version, or 0 for a registry
// that predates schema_meta.
func (s *Store) SchemaVersion() (int, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM schema_meta WHERE key = ?`, schemaVersionKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing schema version %q: %w", value, err)
	}
	return v, nil
}
