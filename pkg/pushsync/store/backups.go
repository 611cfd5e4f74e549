package store

import (
	"fmt"
	"strings"
)

// InsertBackup appends rec to the backup log and returns its row id.
// Backup rows are never updated or deleted.
func (s *Store) InsertBackup(rec BackupRecord) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO backup_files (original_path, backup_path, size, modified_time, backup_time, hash)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.OriginalPath, rec.BackupPath, rec.Size, rec.ModifiedTime, rec.BackupTime, nullString(rec.Hash))
	if err != nil {
		return 0, fmt.Errorf("recording backup of %s: %w", rec.OriginalPath, err)
	}
	return res.LastInsertId()
}

// BackupQuery filters the backup log. Zero fields do not filter.
type BackupQuery struct {
	Path  string
	Start *float64
	End   *float64
	Limit int
}

// ListBackups returns matching records, newest backup_time first.
func (s *Store) ListBackups(q BackupQuery) ([]BackupRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Path != "" {
		where = append(where, "original_path = ?")
		args = append(args, q.Path)
	}
	if q.Start != nil {
		where = append(where, "backup_time >= ?")
		args = append(args, *q.Start)
	}
	if q.End != nil {
		where = append(where, "backup_time <= ?")
		args = append(args, *q.End)
	}

	query := `SELECT id, original_path, backup_path, size, modified_time, backup_time, COALESCE(hash, '')
		FROM backup_files`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY backup_time DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var out []BackupRecord
	for rows.Next() {
		var rec BackupRecord
		if err := rows.Scan(&rec.ID, &rec.OriginalPath, &rec.BackupPath, &rec.Size,
			&rec.ModifiedTime, &rec.BackupTime, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scanning backup row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BackupsInRange returns backups with start <= backup_time <= end, newest first.
func (s *Store) BackupsInRange(start, end float64) ([]BackupRecord, error) {
	return s.ListBackups(BackupQuery{Start: &start, End: &end})
}

// BackupsForPath returns the history of one path, newest first.
func (s *Store) BackupsForPath(path string) ([]BackupRecord, error) {
	return s.ListBackups(BackupQuery{Path: path})
}

// CountBackups returns the number of backup rows.
func (s *Store) CountBackups() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM backup_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting backups: %w", err)
	}
	return n, nil
}
