// Package catalog indexes finished archives so a bundle can be located by
// manifest id after the job that produced it has expired from the job-state
// store.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/archive"
)

// ErrNotFound is returned for unknown manifest ids.
var ErrNotFound = errors.New("manifest not found in catalog")

// MemoryPath opens a private in-memory catalog.
const MemoryPath = ":memory:"

// Summary is the listing row of one manifest.
type Summary struct {
	ManifestID string    `json:"manifestId"`
	JobID      string    `json:"jobId"`
	Category   string    `json:"category"`
	RangeStart time.Time `json:"rangeStart"`
	RangeEnd   time.Time `json:"rangeEnd"`
	Bundles    int       `json:"bundles"`
	TotalBytes int64     `json:"totalBytes"`
	Downloaded int       `json:"downloaded"`
	Skipped    int       `json:"skipped"`
	Partial    bool      `json:"partial"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Catalog is a SQLite-backed manifest index.
type Catalog struct {
	db   *sql.DB
	path string
}

// Open opens or creates the catalog database at path. The parent directory
// is created if needed.
func Open(path string) (*Catalog, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		dsn = path + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// One writer. An in-memory database also lives only as long as its
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, path: path}

	if path != MemoryPath {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := c.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS manifests (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		category TEXT NOT NULL,
		range_start TEXT NOT NULL,
		range_end TEXT NOT NULL,
		bundles INTEGER NOT NULL,
		total_bytes INTEGER NOT NULL,
		requested INTEGER NOT NULL,
		downloaded INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		partial INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		manifest_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_manifests_job ON manifests(job_id);
	CREATE INDEX IF NOT EXISTS idx_manifests_created ON manifests(created_at);

	CREATE TABLE IF NOT EXISTS bundles (
		manifest_id TEXT NOT NULL REFERENCES manifests(id) ON DELETE CASCADE,
		part INTEGER NOT NULL,
		name TEXT NOT NULL,
		object_key TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		files INTEGER NOT NULL,
		PRIMARY KEY (manifest_id, part)
	);
	`
	_, err := c.db.ExecContext(context.Background(), schema)
	return err
}

// Put records m. Re-putting a manifest replaces it.
func (c *Catalog) Put(ctx context.Context, m *archive.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bundles WHERE manifest_id = ?`, m.ID); err != nil {
		return fmt.Errorf("failed to clear bundles: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO manifests (id, job_id, category, range_start, range_end, bundles, total_bytes,
		requested, downloaded, skipped, failed, partial, created_at, manifest_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		bundles = excluded.bundles,
		total_bytes = excluded.total_bytes,
		requested = excluded.requested,
		downloaded = excluded.downloaded,
		skipped = excluded.skipped,
		failed = excluded.failed,
		partial = excluded.partial,
		manifest_json = excluded.manifest_json`,
		m.ID, m.JobID, m.Category,
		m.RangeStart.UTC().Format(time.RFC3339), m.RangeEnd.UTC().Format(time.RFC3339),
		len(m.Bundles), m.TotalBytes,
		m.Requested, m.Downloaded, m.Skipped, m.Failed, boolToInt(m.Partial),
		m.CreatedAt.UTC().Format(time.RFC3339Nano), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert manifest: %w", err)
	}

	for _, b := range m.Bundles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bundles (manifest_id, part, name, object_key, bytes, files) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, b.Part, b.Name, b.Key, b.Bytes, b.Files,
		); err != nil {
			return fmt.Errorf("failed to insert bundle %d: %w", b.Part, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return nil
}

// Get returns the full manifest.
func (c *Catalog) Get(ctx context.Context, manifestID string) (*archive.Manifest, error) {
	var data string
	err := c.db.QueryRowContext(ctx, `SELECT manifest_json FROM manifests WHERE id = ?`, manifestID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, manifestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest: %w", err)
	}

	var m archive.Manifest
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// Bundle returns one bundle of a manifest by 1-based part number.
func (c *Catalog) Bundle(ctx context.Context, manifestID string, part int) (archive.Bundle, error) {
	var b archive.Bundle
	err := c.db.QueryRowContext(ctx,
		`SELECT part, name, object_key, bytes, files FROM bundles WHERE manifest_id = ? AND part = ?`,
		manifestID, part,
	).Scan(&b.Part, &b.Name, &b.Key, &b.Bytes, &b.Files)
	if errors.Is(err, sql.ErrNoRows) {
		return b, fmt.Errorf("%w: %s part %d", ErrNotFound, manifestID, part)
	}
	if err != nil {
		return b, fmt.Errorf("failed to query bundle: %w", err)
	}
	return b, nil
}

// List returns the most recent manifests, newest first. A jobID filters to
// one job.
func (c *Catalog) List(ctx context.Context, jobID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT id, job_id, category, range_start, range_end, bundles, total_bytes,
		downloaded, skipped, partial, created_at
	FROM manifests`
	args := []any{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s                 Summary
			start, end, stamp string
			partial           int
		)
		if err := rows.Scan(&s.ManifestID, &s.JobID, &s.Category, &start, &end, &s.Bundles, &s.TotalBytes,
			&s.Downloaded, &s.Skipped, &partial, &stamp); err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		s.RangeStart, _ = time.Parse(time.RFC3339, start)
		s.RangeEnd, _ = time.Parse(time.RFC3339, end)
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, stamp)
		s.Partial = partial != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a manifest and its bundle rows.
func (c *Catalog) Delete(ctx context.Context, manifestID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bundles WHERE manifest_id = ?`, manifestID); err != nil {
		return fmt.Errorf("failed to delete bundles: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM manifests WHERE id = ?`, manifestID)
	if err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, manifestID)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
