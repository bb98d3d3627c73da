// Package store defines the persistence contracts: FragmentStore is the
// authoritative relational record of projects, fragments, contexts, anchors
// and curation history; VectorIndex is the derived similarity index rebuilt
// from the store at startup. The engine keeps the two consistent with paired
// writes and a reconciliation sweep.
package store

import (
	"context"

	"github.com/mnemox/mnemox-go/core"
)

// Match is a similarity hit from the vector index.
type Match struct {
	FragmentID string
	Similarity float32
}

// FragmentStore is the authoritative store. Implementations: sqlite.
type FragmentStore interface {
	// CreateProject inserts a project record.
	CreateProject(ctx context.Context, p *core.Project) error

	// GetProject returns a project by ID, or core.ErrNotFound.
	GetProject(ctx context.Context, id string) (*core.Project, error)

	// ListProjects returns all projects ordered by creation time.
	ListProjects(ctx context.Context) ([]*core.Project, error)

	// DeleteProject removes a project and, via cascade, its fragments,
	// contexts, anchors and curation history.
	DeleteProject(ctx context.Context, id string) error

	// InsertFragment persists a fragment inside a transaction. The sync
	// callback runs before commit; if it fails the fragment write is rolled
	// back. This is the commit point of the paired dual-store write.
	InsertFragment(ctx context.Context, f *core.Fragment, sync func() error) error

	// GetFragment returns a fragment by ID, or core.ErrNotFound.
	GetFragment(ctx context.Context, id string) (*core.Fragment, error)

	// ListFragments returns a project's fragments, newest first. A limit of
	// zero means no limit.
	ListFragments(ctx context.Context, projectID string, limit int) ([]*core.Fragment, error)

	// DeleteFragment removes a single fragment.
	DeleteFragment(ctx context.Context, id string) error

	// FragmentIDs returns all fragment IDs for a project.
	FragmentIDs(ctx context.Context, projectID string) ([]string, error)

	// SetFragmentContext reassigns a fragment to a context.
	SetFragmentContext(ctx context.Context, fragmentID, contextID string) error

	// CreateContext inserts a context record.
	CreateContext(ctx context.Context, c *core.Context) error

	// GetContext returns a context by ID, or core.ErrNotFound.
	GetContext(ctx context.Context, id string) (*core.Context, error)

	// ListContexts returns a project's contexts ordered by last activity,
	// most recent first.
	ListContexts(ctx context.Context, projectID string) ([]*core.Context, error)

	// UpdateContext persists centroid, label, size and last-active changes.
	UpdateContext(ctx context.Context, c *core.Context) error

	// DeleteContext removes a context. Fragments referencing it keep their
	// rows; callers reassign them first.
	DeleteContext(ctx context.Context, id string) error

	// EmptyContexts returns contexts with no remaining fragments.
	EmptyContexts(ctx context.Context, projectID string) ([]*core.Context, error)

	// CreateAnchor pins a set of fragments so curation never removes them.
	CreateAnchor(ctx context.Context, a *core.Anchor) error

	// GetAnchor returns an anchor by ID, or core.ErrNotFound.
	GetAnchor(ctx context.Context, id string) (*core.Anchor, error)

	// ListAnchors returns a project's anchors, highest priority first.
	ListAnchors(ctx context.Context, projectID string) ([]*core.Anchor, error)

	// TouchAnchor bumps an anchor's access count and last-accessed time.
	TouchAnchor(ctx context.Context, id string) error

	// DeleteAnchor removes an anchor. Its fragments stay.
	DeleteAnchor(ctx context.Context, id string) error

	// AnchoredFragmentIDs returns the set of fragment IDs protected by
	// anchors in a project.
	AnchoredFragmentIDs(ctx context.Context, projectID string) (map[string]bool, error)

	// AppendDecision records a curation decision in the append-only log.
	AppendDecision(ctx context.Context, d *core.CurationDecision) error

	// CurationEventCount returns the total curation log entries for a project.
	CurationEventCount(ctx context.Context, projectID string) (int, error)

	// Counts returns fragment, context and anchor counts for a project.
	Counts(ctx context.Context, projectID string) (fragments, contexts, anchors int, err error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}

// VectorIndex is the similarity index. It is a derived view: losing it is
// recoverable because every fragment's embedding is persisted in the
// FragmentStore. Implementations: chromem.
type VectorIndex interface {
	// Insert adds or replaces a fragment's vector in its project partition.
	Insert(ctx context.Context, projectID, fragmentID string, embedding []float32, content string) error

	// Search returns up to limit nearest fragments by cosine similarity.
	Search(ctx context.Context, projectID string, embedding []float32, limit int) ([]Match, error)

	// Delete removes a fragment's vector. Unknown IDs are not an error.
	Delete(ctx context.Context, projectID, fragmentID string) error

	// DropProject removes a project's entire partition.
	DropProject(ctx context.Context, projectID string) error

	// IDs returns the fragment IDs currently indexed for a project.
	IDs(projectID string) []string

	// Close releases index resources.
	Close() error
}
