package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/mnemox/mnemox-go/core"
	"github.com/mnemox/mnemox-go/store"
)

const lockStripes = 32

// projectLocks serializes paired transactions per project. Striping keeps the
// lock table bounded regardless of project count.
type projectLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *projectLocks) lock(projectID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(projectID))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu
}

// pairedStore couples the fragment store and the vector index so a fragment
// is observable in both or neither. Inserts run the index write inside the
// relational transaction; deletes go vector-first so recall never surfaces a
// vector whose fragment is gone.
type pairedStore struct {
	fragments store.FragmentStore
	index     store.VectorIndex
	locks     projectLocks
}

func newPairedStore(fragments store.FragmentStore, index store.VectorIndex) *pairedStore {
	return &pairedStore{fragments: fragments, index: index}
}

// Store commits a fragment to both stores atomically. An index failure rolls
// the relational write back and leaves no trace in either store.
func (p *pairedStore) Store(ctx context.Context, f *core.Fragment) error {
	mu := p.locks.lock(f.ProjectID)
	defer mu.Unlock()

	err := p.fragments.InsertFragment(ctx, f, func() error {
		return p.index.Insert(ctx, f.ProjectID, f.ID, f.Embedding, f.Content)
	})
	if err != nil {
		// The transaction rolled back; make sure the index write did not
		// survive a partial sync.
		if derr := p.index.Delete(ctx, f.ProjectID, f.ID); derr != nil {
			return fmt.Errorf("store fragment: %w (index cleanup also failed: %v)", err, derr)
		}
		return fmt.Errorf("store fragment: %w", err)
	}
	return nil
}

// Delete removes a fragment from both stores, vector side first. A crash
// between the two deletes leaves a fragment without a vector, which the
// reconciliation sweep repairs from the persisted embedding.
func (p *pairedStore) Delete(ctx context.Context, projectID, fragmentID string) error {
	mu := p.locks.lock(projectID)
	defer mu.Unlock()

	if err := p.index.Delete(ctx, projectID, fragmentID); err != nil {
		return fmt.Errorf("delete fragment vector: %w", err)
	}
	if err := p.fragments.DeleteFragment(ctx, fragmentID); err != nil {
		return fmt.Errorf("delete fragment: %w", err)
	}
	return nil
}
