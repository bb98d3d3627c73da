// Package sqlite implements the authoritative fragment store on SQLite.
// Embeddings are persisted alongside their fragments, which makes the vector
// index a rebuildable view rather than a second source of truth.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mnemox/mnemox-go/core"
	"github.com/mnemox/mnemox-go/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contexts (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	parent_id   TEXT NOT NULL DEFAULT '',
	label       TEXT NOT NULL,
	centroid    TEXT NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	last_active TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contexts_project ON contexts(project_id);

CREATE TABLE IF NOT EXISTS fragments (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	context_id TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	embedding  TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fragments_project ON fragments(project_id);
CREATE INDEX IF NOT EXISTS idx_fragments_context ON fragments(context_id);

CREATE TABLE IF NOT EXISTS anchors (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	priority      TEXT NOT NULL DEFAULT 'medium',
	fragment_ids  TEXT NOT NULL DEFAULT '[]',
	access_count  INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	last_accessed TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anchors_project ON anchors(project_id);

CREATE TABLE IF NOT EXISTS curation_log (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	kept_id    TEXT NOT NULL,
	removed_id TEXT NOT NULL DEFAULT '',
	similarity REAL NOT NULL,
	action     TEXT NOT NULL,
	reasoning  TEXT NOT NULL DEFAULT '',
	decided_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_curation_project ON curation_log(project_id);
`

// Store implements store.FragmentStore on a single SQLite database.
type Store struct {
	db *sql.DB
}

var _ store.FragmentStore = (*Store)(nil)

// New opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateProject inserts a project record.
func (s *Store) CreateProject(ctx context.Context, p *core.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*core.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*core.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*core.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project; foreign keys cascade to its fragments,
// contexts, anchors and curation history.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireAffected(res)
}

// InsertFragment writes a fragment inside a transaction, running sync before
// commit. A sync failure rolls the fragment back, so the relational store
// never holds a fragment the vector index rejected.
func (s *Store) InsertFragment(ctx context.Context, f *core.Fragment, sync func() error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	embedding, err := json.Marshal(f.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	metadata, err := encodeMetadata(f.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fragments (id, project_id, context_id, content, source, metadata, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.ContextID, f.Content, f.Source, metadata, string(embedding), encodeTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}

	if sync != nil {
		if err := sync(); err != nil {
			return fmt.Errorf("index sync: %w", err)
		}
	}
	return tx.Commit()
}

// GetFragment returns a fragment by ID.
func (s *Store) GetFragment(ctx context.Context, id string) (*core.Fragment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, context_id, content, source, metadata, embedding, created_at
		 FROM fragments WHERE id = ?`, id)
	return scanFragment(row)
}

// ListFragments returns a project's fragments, newest first.
func (s *Store) ListFragments(ctx context.Context, projectID string, limit int) ([]*core.Fragment, error) {
	q := `SELECT id, project_id, context_id, content, source, metadata, embedding, created_at
	      FROM fragments WHERE project_id = ? ORDER BY created_at DESC`
	args := []any{projectID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var fragments []*core.Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

// DeleteFragment removes a fragment row.
func (s *Store) DeleteFragment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete fragment: %w", err)
	}
	return requireAffected(res)
}

// FragmentIDs returns all fragment IDs in a project.
func (s *Store) FragmentIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM fragments WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("fragment ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetFragmentContext reassigns a fragment to a context.
func (s *Store) SetFragmentContext(ctx context.Context, fragmentID, contextID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fragments SET context_id = ? WHERE id = ?`, contextID, fragmentID)
	if err != nil {
		return fmt.Errorf("set fragment context: %w", err)
	}
	return requireAffected(res)
}

// CreateContext inserts a context record.
func (s *Store) CreateContext(ctx context.Context, c *core.Context) error {
	centroid, err := json.Marshal(c.Centroid)
	if err != nil {
		return fmt.Errorf("encode centroid: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contexts (id, project_id, parent_id, label, centroid, size, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.ParentID, c.Label, string(centroid), c.Size,
		encodeTime(c.CreatedAt), encodeTime(c.LastActive))
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	return nil
}

// GetContext returns a context by ID.
func (s *Store) GetContext(ctx context.Context, id string) (*core.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, parent_id, label, centroid, size, created_at, last_active
		 FROM contexts WHERE id = ?`, id)
	return scanContext(row)
}

// ListContexts returns a project's contexts, most recently active first.
func (s *Store) ListContexts(ctx context.Context, projectID string) ([]*core.Context, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, parent_id, label, centroid, size, created_at, last_active
		 FROM contexts WHERE project_id = ? ORDER BY last_active DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var contexts []*core.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

// UpdateContext persists centroid, label, size and activity changes.
func (s *Store) UpdateContext(ctx context.Context, c *core.Context) error {
	centroid, err := json.Marshal(c.Centroid)
	if err != nil {
		return fmt.Errorf("encode centroid: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET parent_id = ?, label = ?, centroid = ?, size = ?, last_active = ? WHERE id = ?`,
		c.ParentID, c.Label, string(centroid), c.Size, encodeTime(c.LastActive), c.ID)
	if err != nil {
		return fmt.Errorf("update context: %w", err)
	}
	return requireAffected(res)
}

// DeleteContext removes a context row.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return requireAffected(res)
}

// EmptyContexts returns contexts no fragment references anymore.
func (s *Store) EmptyContexts(ctx context.Context, projectID string) ([]*core.Context, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.project_id, c.parent_id, c.label, c.centroid, c.size, c.created_at, c.last_active
		 FROM contexts c
		 WHERE c.project_id = ?
		   AND NOT EXISTS (SELECT 1 FROM fragments f WHERE f.context_id = c.id)`, projectID)
	if err != nil {
		return nil, fmt.Errorf("empty contexts: %w", err)
	}
	defer rows.Close()

	var contexts []*core.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

// CreateAnchor inserts an anchor record.
func (s *Store) CreateAnchor(ctx context.Context, a *core.Anchor) error {
	fragmentIDs, err := json.Marshal(a.FragmentIDs)
	if err != nil {
		return fmt.Errorf("encode fragment ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anchors (id, project_id, title, description, priority, fragment_ids, access_count, created_at, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Title, a.Description, a.Priority, string(fragmentIDs),
		a.AccessCount, encodeTime(a.CreatedAt), encodeTime(a.LastAccessed))
	if err != nil {
		return fmt.Errorf("create anchor: %w", err)
	}
	return nil
}

// GetAnchor returns an anchor by ID.
func (s *Store) GetAnchor(ctx context.Context, id string) (*core.Anchor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, title, description, priority, fragment_ids, access_count, created_at, last_accessed
		 FROM anchors WHERE id = ?`, id)
	return scanAnchor(row)
}

// ListAnchors returns a project's anchors, highest priority first.
func (s *Store) ListAnchors(ctx context.Context, projectID string) ([]*core.Anchor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, description, priority, fragment_ids, access_count, created_at, last_accessed
		 FROM anchors WHERE project_id = ?
		 ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var anchors []*core.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

// TouchAnchor bumps access count and last-accessed time.
func (s *Store) TouchAnchor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anchors SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("touch anchor: %w", err)
	}
	return requireAffected(res)
}

// DeleteAnchor removes an anchor row.
func (s *Store) DeleteAnchor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM anchors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete anchor: %w", err)
	}
	return requireAffected(res)
}

// AnchoredFragmentIDs returns the union of fragment IDs referenced by a
// project's anchors.
func (s *Store) AnchoredFragmentIDs(ctx context.Context, projectID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fragment_ids FROM anchors WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("anchored fragment ids: %w", err)
	}
	defer rows.Close()

	anchored := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("decode fragment ids: %w", err)
		}
		for _, id := range ids {
			anchored[id] = true
		}
	}
	return anchored, rows.Err()
}

// AppendDecision records a curation decision.
func (s *Store) AppendDecision(ctx context.Context, d *core.CurationDecision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO curation_log (id, project_id, kept_id, removed_id, similarity, action, reasoning, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.KeptID, d.RemovedID, d.Similarity, string(d.Action), d.Reasoning,
		encodeTime(d.DecidedAt))
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// CurationEventCount returns the total curation log entries for a project.
func (s *Store) CurationEventCount(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM curation_log WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("curation event count: %w", err)
	}
	return n, nil
}

// Counts returns fragment, context and anchor counts for a project.
func (s *Store) Counts(ctx context.Context, projectID string) (fragments, contexts, anchors int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM fragments WHERE project_id = ?),
			(SELECT COUNT(*) FROM contexts WHERE project_id = ?),
			(SELECT COUNT(*) FROM anchors WHERE project_id = ?)`,
		projectID, projectID, projectID).Scan(&fragments, &contexts, &anchors)
	if err != nil {
		err = fmt.Errorf("counts: %w", err)
	}
	return
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*core.Project, error) {
	var p core.Project
	var created, updated string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if p.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanFragment(row scanner) (*core.Fragment, error) {
	var f core.Fragment
	var metadata, embedding, created string
	err := row.Scan(&f.ID, &f.ProjectID, &f.ContextID, &f.Content, &f.Source, &metadata, &embedding, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan fragment: %w", err)
	}
	if err := json.Unmarshal([]byte(embedding), &f.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &f.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if f.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanContext(row scanner) (*core.Context, error) {
	var c core.Context
	var centroid, created, active string
	err := row.Scan(&c.ID, &c.ProjectID, &c.ParentID, &c.Label, &centroid, &c.Size, &created, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan context: %w", err)
	}
	if err := json.Unmarshal([]byte(centroid), &c.Centroid); err != nil {
		return nil, fmt.Errorf("decode centroid: %w", err)
	}
	if c.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if c.LastActive, err = decodeTime(active); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanAnchor(row scanner) (*core.Anchor, error) {
	var a core.Anchor
	var fragmentIDs, created, accessed string
	err := row.Scan(&a.ID, &a.ProjectID, &a.Title, &a.Description, &a.Priority, &fragmentIDs,
		&a.AccessCount, &created, &accessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan anchor: %w", err)
	}
	if err := json.Unmarshal([]byte(fragmentIDs), &a.FragmentIDs); err != nil {
		return nil, fmt.Errorf("decode fragment ids: %w", err)
	}
	if a.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if a.LastAccessed, err = decodeTime(accessed); err != nil {
		return nil, err
	}
	return &a, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

// timeFormat is RFC 3339 with fixed-width nanoseconds so that lexicographic
// ordering in SQL matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode time %q: %w", s, err)
	}
	return t, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}
