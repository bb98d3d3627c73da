// Package chromem implements the vector index on chromem-go, with one
// collection per project. The index is held in memory and rebuilt from the
// fragment store at startup, so it never needs its own durability story.
package chromem

import (
	"context"
	"fmt"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/mnemox/mnemox-go/store"
)

// Index implements store.VectorIndex on chromem-go collections.
type Index struct {
	db *chromemgo.DB

	mu          sync.RWMutex
	collections map[string]*chromemgo.Collection
	ids         map[string]map[string]bool // projectID -> fragmentID set
}

var _ store.VectorIndex = (*Index)(nil)

// New creates an empty in-memory index.
func New() *Index {
	return &Index{
		db:          chromemgo.NewDB(),
		collections: make(map[string]*chromemgo.Collection),
		ids:         make(map[string]map[string]bool),
	}
}

// collection returns the project's collection, creating it on first use.
func (x *Index) collection(projectID string) (*chromemgo.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[projectID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// Another goroutine may have created it while we waited for the lock.
	if col, ok := x.collections[projectID]; ok {
		return col, nil
	}

	col, err := x.db.CreateCollection("project-"+projectID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[projectID] = col
	x.ids[projectID] = make(map[string]bool)
	return col, nil
}

// Insert adds or replaces a fragment's vector.
func (x *Index) Insert(ctx context.Context, projectID, fragmentID string, embedding []float32, content string) error {
	col, err := x.collection(projectID)
	if err != nil {
		return err
	}

	err = col.AddDocument(ctx, chromemgo.Document{
		ID:        fragmentID,
		Content:   content,
		Embedding: embedding,
	})
	if err != nil {
		return fmt.Errorf("index fragment: %w", err)
	}

	x.mu.Lock()
	x.ids[projectID][fragmentID] = true
	x.mu.Unlock()
	return nil
}

// Search returns up to limit nearest fragments by cosine similarity. An
// unknown or empty project yields no matches, not an error.
func (x *Index) Search(ctx context.Context, projectID string, embedding []float32, limit int) ([]store.Match, error) {
	x.mu.RLock()
	col, ok := x.collections[projectID]
	x.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	matches := make([]store.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, store.Match{
			FragmentID: r.ID,
			Similarity: r.Similarity,
		})
	}
	return matches, nil
}

// Delete removes a fragment's vector. Unknown IDs are a no-op.
func (x *Index) Delete(ctx context.Context, projectID, fragmentID string) error {
	x.mu.RLock()
	col, ok := x.collections[projectID]
	known := ok && x.ids[projectID][fragmentID]
	x.mu.RUnlock()
	if !known {
		return nil
	}

	if err := col.Delete(ctx, nil, nil, fragmentID); err != nil {
		return fmt.Errorf("delete from index: %w", err)
	}

	x.mu.Lock()
	delete(x.ids[projectID], fragmentID)
	x.mu.Unlock()
	return nil
}

// DropProject removes a project's collection entirely.
func (x *Index) DropProject(ctx context.Context, projectID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.collections[projectID]; !ok {
		return nil
	}
	if err := x.db.DeleteCollection("project-" + projectID); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	delete(x.collections, projectID)
	delete(x.ids, projectID)
	return nil
}

// IDs returns the fragment IDs currently indexed for a project. chromem does
// not expose document listing, so the index tracks membership itself; the
// reconciliation sweep depends on this view.
func (x *Index) IDs(projectID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	set := x.ids[projectID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Close releases the index. In-memory collections need no teardown.
func (x *Index) Close() error {
	return nil
}
