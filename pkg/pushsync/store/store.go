// Package store provides the SQLite-backed metadata registry: tracked files
// and the append-only backup log.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a path has no FileRecord.
var ErrNotFound = errors.New("record not found")

// FileRecord is one tracked file. Hash is empty until computed.
type FileRecord struct {
	Path         string  `json:"path" yaml:"path"`
	Size         int64   `json:"size" yaml:"size"`
	ModifiedTime float64 `json:"modified_time" yaml:"modified_time"`
	Hash         string  `json:"hash,omitempty" yaml:"hash,omitempty"`
	LastSyncTime float64 `json:"last_sync_time" yaml:"last_sync_time"`
}

// BackupRecord is one pre-overwrite snapshot. BackupPath is relative to
// the backup area.
type BackupRecord struct {
	ID           int64   `json:"id" yaml:"id"`
	OriginalPath string  `json:"original_path" yaml:"original_path"`
	BackupPath   string  `json:"backup_path" yaml:"backup_path"`
	Size         int64   `json:"size" yaml:"size"`
	ModifiedTime float64 `json:"modified_time" yaml:"modified_time"`
	BackupTime   float64 `json:"backup_time" yaml:"backup_time"`
	Hash         string  `json:"hash,omitempty" yaml:"hash,omitempty"`
}

// Store is a handle on one registry file. Each session opens its own.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the registry at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	q := url.Values{}
	q.Set("_busy_timeout", "10000")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")

	s, err := open(path, q)
	if err != nil {
		return nil, err
	}

	if err := s.migrate(); err != nil {
		_ = s.db.Close()
		return nil, err
	}

	return s, nil
}

// OpenReadOnly opens an existing registry without creating or migrating it.
// The client uses it for the downloaded server snapshot.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	q := url.Values{}
	q.Set("mode", "ro")

	s, err := open(path, q)
	if err != nil {
		return nil, err
	}

	if _, err := s.CountFiles(); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}

	return s, nil
}

// uriPath escapes the characters SQLite would otherwise read as URI
// delimiters or escapes in a file: path.
var uriPath = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

func open(path string, q url.Values) (*Store, error) {
	dsn := "file:" + uriPath.Replace(path) + "?" + q.Encode()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	// One connection per handle; concurrency comes from separate handles.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening registry %s: %w", path, err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the registry file path.
func (s *Store) Path() string {
	return s.path
}

// Snapshot writes a consistent single-file copy of the registry to dst.
// dst must not exist.
func (s *Store) Snapshot(dst string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("snapshotting registry: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetFile returns the record for path or ErrNotFound.
func (s *Store) GetFile(path string) (*FileRecord, error) {
	var (
		rec  FileRecord
		hash sql.NullString
		last sql.NullFloat64
	)
	err := s.db.QueryRow(`
		SELECT path, size, modified_time, hash, last_sync_time
		FROM files WHERE path = ?
	`, path).Scan(&rec.Path, &rec.Size, &rec.ModifiedTime, &hash, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %s: %w", path, err)
	}
	rec.Hash = hash.String
	rec.LastSyncTime = last.Float64
	return &rec, nil
}

// AllFiles returns every record ordered by path.
func (s *Store) AllFiles() ([]FileRecord, error) {
	rows, err := s.db.Query(`
		SELECT path, size, modified_time, hash, last_sync_time
		FROM files ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		var (
			rec  FileRecord
			hash sql.NullString
			last sql.NullFloat64
		)
		if err := rows.Scan(&rec.Path, &rec.Size, &rec.ModifiedTime, &hash, &last); err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		rec.Hash = hash.String
		rec.LastSyncTime = last.Float64
		files = append(files, rec)
	}
	return files, rows.Err()
}

// UpsertFile writes every field of rec.
func (s *Store) UpsertFile(rec FileRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO files (path, size, modified_time, hash, last_sync_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			modified_time = excluded.modified_time,
			hash = excluded.hash,
			last_sync_time = excluded.last_sync_time
	`, rec.Path, rec.Size, rec.ModifiedTime, nullString(rec.Hash), rec.LastSyncTime)
	if err != nil {
		return fmt.Errorf("upserting file %s: %w", rec.Path, err)
	}
	return nil
}

// upsertScannedSQL keeps a known hash while size and mtime are unchanged and
// drops it once either moves, since it then describes content no longer on disk.
const upsertScannedSQL = `
	INSERT INTO files (path, size, modified_time, hash, last_sync_time)
	VALUES (?, ?, ?, NULL, ?)
	ON CONFLICT(path) DO UPDATE SET
		hash = CASE
			WHEN files.size = excluded.size AND files.modified_time = excluded.modified_time
			THEN files.hash ELSE NULL END,
		size = excluded.size,
		modified_time = excluded.modified_time,
		last_sync_time = excluded.last_sync_time
`

// UpsertScanned records scan results in one transaction. Only size, mtime
// and last_sync_time come from recs.
func (s *Store) UpsertScanned(recs []FileRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning scan batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(upsertScannedSQL)
	if err != nil {
		return fmt.Errorf("preparing scan batch: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.Exec(rec.Path, rec.Size, rec.ModifiedTime, rec.LastSyncTime); err != nil {
			return fmt.Errorf("upserting scanned %s: %w", rec.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing scan batch: %w", err)
	}
	return nil
}

// SetHash stores a freshly computed hash for an unchanged file.
func (s *Store) SetHash(path, hash string) error {
	if _, err := s.db.Exec(`UPDATE files SET hash = ? WHERE path = ?`, nullString(hash), path); err != nil {
		return fmt.Errorf("setting hash for %s: %w", path, err)
	}
	return nil
}

// CountFiles returns the number of tracked files.
func (s *Store) CountFiles() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting files: %w", err)
	}
	return n, nil
}
