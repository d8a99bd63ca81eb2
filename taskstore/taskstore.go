// Package taskstore saves and loads TaskSnapshot bundles, per
// SPEC_FULL.md 4.8. The bundle format itself (a single UTF-8 document,
// `=== <path> ===` delimiters) is unchanged from spec.md; the supplemented
// `List` operation lets a caller discover which task ids are available to
// pass as `task_id_to_resume` without grepping the store directory by hand
// (exercised by cmd/termagentd's `tasks` REPL command). It is backed by a
// modernc.org/sqlite manifest, grounded on cutoken-cando's
// internal/contextprofile.memoryStore (open-or-create schema, upsert-on-save,
// never authoritative over the content it indexes).
package taskstore

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrKind names the structured error kinds TaskStore can produce.
type ErrKind string

const ErrNoSuchTask ErrKind = "NoSuchTask"

// Error is a structured TaskStore failure.
type Error struct {
	Kind ErrKind
	ID   string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s: %s", e.Kind, e.ID, e.Msg) }

// File is one captured file inside a snapshot bundle.
type File struct {
	Path    string
	Content string
}

// Snapshot is the full TaskSnapshot record from spec.md 3.
type Snapshot struct {
	ID            string
	WorkspacePath string
	Description   string
	Files         []File
}

// SnapshotMeta is the supplemented listing row — everything except the
// file bodies, cheap to enumerate.
type SnapshotMeta struct {
	ID            string
	WorkspacePath string
	Description   string
	SavedAt       time.Time
	BundlePath    string
}

const headerPrefix = "=== TASK "
const fileDelimPrefix = "=== "
const fileDelimSuffix = " ==="

// Store persists snapshots as bundle files under dir, indexed by a sqlite
// manifest in the same directory.
type Store struct {
	dir string
	db  *sql.DB
}

// Open creates dir if needed and opens (or creates) its manifest database.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("taskstore: create dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", filepath.Join(dir, "manifest.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open manifest: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	workspace_path TEXT NOT NULL,
	description TEXT NOT NULL,
	saved_at TIMESTAMP NOT NULL,
	bundle_path TEXT NOT NULL
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: init schema: %w", err)
	}
	return &Store{dir: dir, db: db}, nil
}

// Close releases the manifest database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) bundlePath(id string) string {
	return filepath.Join(s.dir, id+".bundle")
}

// Save writes snap as a bundle file and upserts its manifest row. The
// manifest row is a derived index: if the upsert fails, Save still
// succeeds as long as the bundle file itself was written.
func (s *Store) Save(snap Snapshot) error {
	path := s.bundlePath(snap.ID)
	var sb strings.Builder
	sb.WriteString(headerPrefix + snap.ID + " ===\n")
	sb.WriteString("workspace: " + snap.WorkspacePath + "\n")
	sb.WriteString("description: " + snap.Description + "\n")
	for _, f := range snap.Files {
		sb.WriteString(fileDelimPrefix + f.Path + fileDelimSuffix + "\n")
		sb.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			sb.WriteString("\n")
		}
	}

	tmp, err := os.CreateTemp(s.dir, ".taskstore-tmp-*")
	if err != nil {
		return fmt.Errorf("taskstore: create temp: %w", err)
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("taskstore: write bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("taskstore: close bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("taskstore: rename bundle: %w", err)
	}

	if s.db != nil {
		_, _ = s.db.ExecContext(context.Background(), `
INSERT INTO snapshots (id, workspace_path, description, saved_at, bundle_path)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	workspace_path=excluded.workspace_path,
	description=excluded.description,
	saved_at=excluded.saved_at,
	bundle_path=excluded.bundle_path
`, snap.ID, snap.WorkspacePath, snap.Description, time.Now(), path)
	}
	return nil
}

// Load reads a snapshot bundle directly from disk by id. The manifest is
// never consulted — the bundle file is the single source of truth.
func (s *Store) Load(id string) (*Snapshot, error) {
	path := s.bundlePath(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: ErrNoSuchTask, ID: id, Msg: "no snapshot bundle found"}
		}
		return nil, fmt.Errorf("taskstore: open bundle: %w", err)
	}
	defer f.Close()
	return parseBundle(id, f)
}

func parseBundle(id string, f *os.File) (*Snapshot, error) {
	snap := &Snapshot{ID: id}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var curPath string
	var curBody strings.Builder
	inHeader := true
	flush := func() {
		if curPath != "" {
			snap.Files = append(snap.Files, File{Path: curPath, Content: curBody.String()})
		}
		curPath = ""
		curBody.Reset()
	}

	for sc.Scan() {
		line := sc.Text()
		if inHeader {
			switch {
			case strings.HasPrefix(line, headerPrefix):
				// id already known from the filename; header line is informational.
			case strings.HasPrefix(line, "workspace: "):
				snap.WorkspacePath = strings.TrimPrefix(line, "workspace: ")
			case strings.HasPrefix(line, "description: "):
				snap.Description = strings.TrimPrefix(line, "description: ")
				inHeader = false
			}
			continue
		}
		if strings.HasPrefix(line, fileDelimPrefix) && strings.HasSuffix(line, fileDelimSuffix) && len(line) > len(fileDelimPrefix)+len(fileDelimSuffix) {
			flush()
			curPath = strings.TrimSuffix(strings.TrimPrefix(line, fileDelimPrefix), fileDelimSuffix)
			continue
		}
		curBody.WriteString(line)
		curBody.WriteString("\n")
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("taskstore: read bundle: %w", err)
	}
	return snap, nil
}

// List enumerates saved snapshots from the manifest. If the manifest is
// unavailable or empty, it falls back to scanning bundle files directly.
func (s *Store) List() ([]SnapshotMeta, error) {
	if s.db != nil {
		rows, err := s.db.QueryContext(context.Background(),
			`SELECT id, workspace_path, description, saved_at, bundle_path FROM snapshots ORDER BY saved_at DESC`)
		if err == nil {
			defer rows.Close()
			var out []SnapshotMeta
			for rows.Next() {
				var m SnapshotMeta
				if err := rows.Scan(&m.ID, &m.WorkspacePath, &m.Description, &m.SavedAt, &m.BundlePath); err != nil {
					continue
				}
				out = append(out, m)
			}
			if len(out) > 0 {
				return out, nil
			}
		}
	}
	return s.listFromDisk()
}

func (s *Store) listFromDisk() ([]SnapshotMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("taskstore: scan dir: %w", err)
	}
	var out []SnapshotMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bundle") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".bundle")
		snap, err := s.Load(id)
		if err != nil {
			continue
		}
		info, _ := e.Info()
		var savedAt time.Time
		if info != nil {
			savedAt = info.ModTime()
		}
		out = append(out, SnapshotMeta{
			ID:            id,
			WorkspacePath: snap.WorkspacePath,
			Description:   snap.Description,
			SavedAt:       savedAt,
			BundlePath:    filepath.Join(s.dir, e.Name()),
		})
	}
	return out, nil
}
