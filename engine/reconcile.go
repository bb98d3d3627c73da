package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/mnemox/mnemox-go/provider"
	"github.com/mnemox/mnemox-go/store"
)

// reconciler repairs divergence between the fragment store and the vector
// index. The store is authoritative: vectors without a fragment are orphans
// and get dropped; fragments without a vector get re-indexed from their
// persisted embedding, only calling the embedder when that embedding is
// somehow absent.
type reconciler struct {
	fragments store.FragmentStore
	index     store.VectorIndex
	embedder  provider.Embedder
}

// Rebuild populates the in-memory index from scratch at startup.
func (r *reconciler) Rebuild(ctx context.Context) error {
	projects, err := r.fragments.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	total := 0
	for _, p := range projects {
		fragments, err := r.fragments.ListFragments(ctx, p.ID, 0)
		if err != nil {
			return fmt.Errorf("rebuild index for %s: %w", p.ID, err)
		}
		for _, f := range fragments {
			if err := r.index.Insert(ctx, f.ProjectID, f.ID, f.Embedding, f.Content); err != nil {
				return fmt.Errorf("rebuild index for %s: %w", p.ID, err)
			}
			total++
		}
	}
	if total > 0 {
		log.Printf("[RECONCILE] rebuilt index: %d fragments across %d projects", total, len(projects))
	}
	return nil
}

// Reconcile repairs one project. Returns the number of repairs made.
func (r *reconciler) Reconcile(ctx context.Context, projectID string) (int, error) {
	storeIDs, err := r.fragments.FragmentIDs(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", projectID, err)
	}
	stored := make(map[string]bool, len(storeIDs))
	for _, id := range storeIDs {
		stored[id] = true
	}

	repairs := 0

	// Orphaned vectors: indexed but no longer stored.
	for _, id := range r.index.IDs(projectID) {
		if stored[id] {
			continue
		}
		if err := r.index.Delete(ctx, projectID, id); err != nil {
			return repairs, fmt.Errorf("drop orphan vector %s: %w", id, err)
		}
		log.Printf("[RECONCILE] dropped orphan vector %s", id)
		repairs++
	}

	// Missing vectors: stored but not indexed.
	indexed := make(map[string]bool)
	for _, id := range r.index.IDs(projectID) {
		indexed[id] = true
	}
	for _, id := range storeIDs {
		if indexed[id] {
			continue
		}
		f, err := r.fragments.GetFragment(ctx, id)
		if err != nil {
			return repairs, fmt.Errorf("load fragment %s: %w", id, err)
		}
		if len(f.Embedding) == 0 {
			f.Embedding, err = r.embedder.Embed(ctx, f.Content)
			if err != nil {
				return repairs, fmt.Errorf("re-embed fragment %s: %w", id, err)
			}
		}
		if err := r.index.Insert(ctx, projectID, f.ID, f.Embedding, f.Content); err != nil {
			return repairs, fmt.Errorf("re-index fragment %s: %w", id, err)
		}
		log.Printf("[RECONCILE] re-indexed fragment %s", id)
		repairs++
	}

	return repairs, nil
}

// ReconcileAll sweeps every project.
func (r *reconciler) ReconcileAll(ctx context.Context) (int, error) {
	projects, err := r.fragments.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range projects {
		n, err := r.Reconcile(ctx, p.ID)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
