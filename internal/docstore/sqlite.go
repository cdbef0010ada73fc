package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	text        TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_scope ON records(tenant_id, project_id);
`

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the database at path and
// ensures the schema exists. A leading ~ expands to the home directory
// and missing parent directories are created. Pass ":memory:" for an
// in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path required", ErrStoreUnavailable)
	}

	if path != ":memory:" {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, fmt.Errorf("%w: expanding path %s: %v", ErrStoreUnavailable, path, err)
		}
		if dir := filepath.Dir(expanded); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("%w: creating directory %s: %v", ErrStoreUnavailable, dir, err)
			}
		}
		path = expanded
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent sync workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrStoreUnavailable, err)
	}

	return &SQLiteStore{db: db}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// DB exposes the underlying handle so other tables (sync state) can share
// the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) ListRecords(ctx context.Context, tenantID, projectID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, project_id, text, fingerprint, updated_at
		 FROM records WHERE tenant_id = ? AND project_id = ? ORDER BY id`,
		tenantID, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list records: %v", ErrStoreUnavailable, err)
	}
	return records, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, project_id, text, fingerprint, updated_at
		 FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func (s *SQLiteStore) PutRecord(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.Fingerprint == "" {
		rec.Fingerprint = Fingerprint(rec.Text, rec.UpdatedAt)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, tenant_id, project_id, text, fingerprint, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			project_id = excluded.project_id,
			text = excluded.text,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at`,
		rec.ID, rec.TenantID, rec.ProjectID, rec.Text, rec.Fingerprint,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: put record %s: %v", ErrStoreUnavailable, rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete record %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var updatedAt string
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.ProjectID, &rec.Text, &rec.Fingerprint, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan record: %v", ErrStoreUnavailable, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: parse updated_at for %s: %v", ErrStoreUnavailable, rec.ID, err)
	}
	rec.UpdatedAt = ts
	return &rec, nil
}
