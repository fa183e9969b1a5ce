// Package catalog keeps a SQLite index of finalized runs. Manifests on disk
// remain the source of truth; the index can be rebuilt from them at any time.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/forPelevin/vidcap/internal/runstore"
	"github.com/forPelevin/vidcap/internal/types"
)

const schema = `CREATE TABLE IF NOT EXISTS runs (
	run_label        TEXT PRIMARY KEY,
	created_at       TEXT NOT NULL,
	record_count     INTEGER NOT NULL,
	failed_count     INTEGER NOT NULL DEFAULT 0,
	manifest_path    TEXT NOT NULL,
	annotations_path TEXT NOT NULL
)`

type Entry struct {
	RunLabel        string
	CreatedAt       string
	Count           int
	Failed          int
	ManifestPath    string
	AnnotationsPath string
}

type Catalog struct {
	db   *sql.DB
	path string
}

func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure catalog dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return &Catalog{db: db, path: path}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) Path() string { return c.path }

func (c *Catalog) Upsert(ctx context.Context, e Entry) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO runs
		(run_label, created_at, record_count, failed_count, manifest_path, annotations_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_label) DO UPDATE SET
			created_at = excluded.created_at,
			record_count = excluded.record_count,
			failed_count = excluded.failed_count,
			manifest_path = excluded.manifest_path,
			annotations_path = excluded.annotations_path`,
		e.RunLabel, e.CreatedAt, e.Count, e.Failed, e.ManifestPath, e.AnnotationsPath)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", e.RunLabel, err)
	}
	return nil
}

// List returns runs newest first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT run_label, created_at, record_count, failed_count, manifest_path, annotations_path
		FROM runs ORDER BY run_label DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunLabel, &e.CreatedAt, &e.Count, &e.Failed, &e.ManifestPath, &e.AnnotationsPath); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rebuild replaces the index with one entry per manifest.
func (c *Catalog) Rebuild(ctx context.Context, manifests map[string]types.Manifest) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return fmt.Errorf("clear runs: %w", err)
	}
	for path, m := range manifests {
		e := EntryFromManifest(path, m)
		if _, err := tx.ExecContext(ctx, `INSERT INTO runs
			(run_label, created_at, record_count, failed_count, manifest_path, annotations_path)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.RunLabel, e.CreatedAt, e.Count, e.Failed, e.ManifestPath, e.AnnotationsPath); err != nil {
			return fmt.Errorf("insert run %s: %w", e.RunLabel, err)
		}
	}
	return tx.Commit()
}

func EntryFromManifest(manifestPath string, m types.Manifest) Entry {
	failed := 0
	for _, r := range m.Records {
		if !r.Annotation.Success {
			failed++
		}
	}
	return Entry{
		RunLabel:        m.RunLabel,
		CreatedAt:       m.CreatedAt,
		Count:           m.Count,
		Failed:          failed,
		ManifestPath:    manifestPath,
		AnnotationsPath: filepath.Join(filepath.Dir(manifestPath), runstore.AnnotationsFile),
	}
}
