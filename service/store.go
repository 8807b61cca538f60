package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xiaolu219/banana-slides/config"
	"github.com/xiaolu219/banana-slides/model"
)

// Record kinds in the store.
const (
	kindProject = "project"
	kindPage    = "page"
	kindFile    = "reference_file"
)

// Store is a key-addressed record store backed by SQLite. Entities are kept
// as JSON blobs; status register entries get their own table so they can be
// reloaded after a restart with their generation counters intact.
type Store struct {
	db *sql.DB
}

func OpenStore(cfg *config.StoreConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Single writer; WAL keeps readers unblocked during writes.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE TABLE IF NOT EXISTS status_entries (
	entity_id  TEXT NOT NULL,
	stage      TEXT NOT NULL,
	generation INTEGER NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	result_ref TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (entity_id, stage)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Info("record store opened", "path", cfg.Path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(ctx context.Context, kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", kind, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (kind, id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (kind, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		kind, id, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, kind, id string, out any) error {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE kind = ? AND id = ?`, kind, id).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return json.Unmarshal([]byte(data), out)
}

func (s *Store) list(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM records WHERE kind = ? ORDER BY updated_at DESC`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *Store) delete(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND id = ?`, kind, id)
	return err
}

// SaveProject persists a project record.
func (s *Store) SaveProject(ctx context.Context, p *model.Project) error {
	p.UpdatedAt = time.Now()
	return s.put(ctx, kindProject, p.ID, p)
}

func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	if err := s.get(ctx, kindProject, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.list(ctx, kindProject)
	if err != nil {
		return nil, err
	}
	projects := make([]*model.Project, 0, len(rows))
	for _, data := range rows {
		var p model.Project
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		projects = append(projects, &p)
	}
	return projects, nil
}

// DeleteProject removes a project and all of its pages. Reference files that
// point at the project are kept; they are independently owned.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	pages, err := s.ListPages(ctx, id)
	if err != nil {
		return err
	}
	for _, page := range pages {
		if err := s.delete(ctx, kindPage, page.ID); err != nil {
			return err
		}
	}
	return s.delete(ctx, kindProject, id)
}

func (s *Store) SavePage(ctx context.Context, p *model.Page) error {
	p.UpdatedAt = time.Now()
	return s.put(ctx, kindPage, p.ID, p)
}

func (s *Store) GetPage(ctx context.Context, id string) (*model.Page, error) {
	var p model.Page
	if err := s.get(ctx, kindPage, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPages returns a project's pages in ordinal order.
func (s *Store) ListPages(ctx context.Context, projectID string) ([]*model.Page, error) {
	rows, err := s.list(ctx, kindPage)
	if err != nil {
		return nil, err
	}
	var pages []*model.Page
	for _, data := range rows {
		var p model.Page
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		if p.ProjectID == projectID {
			pages = append(pages, &p)
		}
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].OrderIndex < pages[j].OrderIndex
	})
	return pages, nil
}

func (s *Store) DeletePage(ctx context.Context, id string) error {
	return s.delete(ctx, kindPage, id)
}

func (s *Store) SaveFile(ctx context.Context, f *model.ReferenceFile) error {
	f.UpdatedAt = time.Now()
	return s.put(ctx, kindFile, f.ID, f)
}

func (s *Store) GetFile(ctx context.Context, id string) (*model.ReferenceFile, error) {
	var f model.ReferenceFile
	if err := s.get(ctx, kindFile, id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFiles returns reference files, optionally filtered to one project.
func (s *Store) ListFiles(ctx context.Context, projectID string) ([]*model.ReferenceFile, error) {
	rows, err := s.list(ctx, kindFile)
	if err != nil {
		return nil, err
	}
	var files []*model.ReferenceFile
	for _, data := range rows {
		var f model.ReferenceFile
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, err
		}
		if projectID == "" || f.ProjectID == projectID {
			files = append(files, &f)
		}
	}
	return files, nil
}

func (s *Store) DeleteFile(ctx context.Context, id string) error {
	return s.delete(ctx, kindFile, id)
}

// SaveStatusEntry writes through one register entry.
func (s *Store) SaveStatusEntry(ctx context.Context, e *StatusEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_entries (entity_id, stage, generation, status, error, result_ref, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, stage) DO UPDATE SET
		   generation = excluded.generation,
		   status     = excluded.status,
		   error      = excluded.error,
		   result_ref = excluded.result_ref,
		   updated_at = excluded.updated_at`,
		e.EntityID, string(e.Stage), e.Generation, string(e.Status), e.Error, e.ResultRef,
		e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save status entry %s/%s: %w", e.EntityID, e.Stage, err)
	}
	return nil
}

// LoadStatusEntries reloads every register entry, used once at startup.
func (s *Store) LoadStatusEntries(ctx context.Context) ([]*StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, stage, generation, status, error, result_ref, updated_at FROM status_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to load status entries: %w", err)
	}
	defer rows.Close()

	var entries []*StatusEntry
	for rows.Next() {
		var e StatusEntry
		var stage, status string
		var updatedAt int64
		if err := rows.Scan(&e.EntityID, &stage, &e.Generation, &status, &e.Error, &e.ResultRef, &updatedAt); err != nil {
			return nil, err
		}
		e.Stage = model.Stage(stage)
		e.Status = model.Status(status)
		e.UpdatedAt = time.UnixMilli(updatedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteStatusEntries(ctx context.Context, entityID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM status_entries WHERE entity_id = ?`, entityID)
	return err
}
