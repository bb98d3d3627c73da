package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mnemox/mnemox-go/core"
	"github.com/mnemox/mnemox-go/provider"
	"github.com/mnemox/mnemox-go/store"
)

// curator runs the background quality sweep: near-duplicate pruning, conflict
// supersession, context adoption for stray fragments, placeholder relabeling,
// and empty-context collection. Sweeps
// are idempotent; re-running one on an already curated project changes
// nothing.
type curator struct {
	fragments store.FragmentStore
	paired    *pairedStore
	completer provider.Completer
	contexts  *contextManager

	threshold       float32
	duplicateCutoff float32
}

// Sweep curates one project. Individual pair failures are logged and skipped
// so one bad provider call never aborts the sweep.
func (c *curator) Sweep(ctx context.Context, projectID string) error {
	fragments, err := c.fragments.ListFragments(ctx, projectID, 0)
	if err != nil {
		return err
	}
	anchored, err := c.fragments.AnchoredFragmentIDs(ctx, projectID)
	if err != nil {
		return err
	}

	removed := make(map[string]bool)
	for i := 0; i < len(fragments); i++ {
		for j := i + 1; j < len(fragments); j++ {
			a, b := fragments[i], fragments[j]
			if removed[a.ID] || removed[b.ID] {
				continue
			}

			sim := cosine(a.Embedding, b.Embedding)
			if sim < c.threshold {
				continue
			}

			decision := c.decide(ctx, a, b, sim, anchored)
			if decision.RemovedID == "" {
				continue
			}

			if err := c.paired.Delete(ctx, projectID, decision.RemovedID); err != nil {
				log.Printf("[CURATION] removal of %s failed: %v", decision.RemovedID, err)
				continue
			}
			removed[decision.RemovedID] = true

			if err := c.fragments.AppendDecision(ctx, decision); err != nil {
				log.Printf("[CURATION] audit append failed: %v", err)
			}
			log.Printf("[CURATION] %s: kept %s, removed %s (similarity %.2f)",
				decision.Action, decision.KeptID, decision.RemovedID, sim)
		}
	}

	c.contexts.AdoptOrphans(ctx, projectID)
	c.contexts.RetryPlaceholders(ctx, projectID)
	c.collectEmptyContexts(ctx, projectID)
	return nil
}

// decide applies the curation policy to one similar pair. Anchored fragments
// are never removed. Above the duplicate cutoff the pair is pruned without a
// provider call; between threshold and cutoff the reasoning provider is asked
// whether the pair conflicts, and provider failure degrades to keeping both.
func (c *curator) decide(ctx context.Context, a, b *core.Fragment, sim float32, anchored map[string]bool) *core.CurationDecision {
	decision := &core.CurationDecision{
		ID:         uuid.New().String(),
		ProjectID:  a.ProjectID,
		Similarity: sim,
		Action:     core.ActionKeepBoth,
		DecidedAt:  time.Now().UTC(),
	}

	if sim >= c.duplicateCutoff {
		keep, remove := preferredOf(a, b)
		if anchored[remove.ID] {
			keep, remove = remove, keep
		}
		if anchored[remove.ID] {
			decision.KeptID, decision.Reasoning = keep.ID, "near-duplicate pair fully anchored"
			return decision
		}
		decision.Action = core.ActionDeleteDuplicate
		decision.KeptID, decision.RemovedID = keep.ID, remove.ID
		decision.Reasoning = "near-duplicate content"
		return decision
	}

	if c.completer == nil {
		decision.KeptID = newerOf(a, b).ID
		return decision
	}

	older, newer := olderOf(a, b), newerOf(a, b)
	response, err := c.completer.Complete(ctx, conflictPrompt(older.Content, newer.Content))
	if err != nil {
		log.Printf("[CURATION] conflict check failed, keeping both: %v", err)
		decision.KeptID = newer.ID
		return decision
	}

	var parsed struct {
		Conflict  bool   `json:"conflict"`
		Reasoning string `json:"reasoning"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		log.Printf("[CURATION] unparseable conflict response, keeping both: %v", err)
		decision.KeptID = newer.ID
		return decision
	}

	if !parsed.Conflict || anchored[older.ID] {
		decision.KeptID, decision.Reasoning = newer.ID, parsed.Reasoning
		return decision
	}

	decision.Action = core.ActionSupersede
	decision.KeptID, decision.RemovedID = newer.ID, older.ID
	decision.Reasoning = parsed.Reasoning
	return decision
}

// collectEmptyContexts drops contexts whose last fragment was removed.
func (c *curator) collectEmptyContexts(ctx context.Context, projectID string) {
	empty, err := c.fragments.EmptyContexts(ctx, projectID)
	if err != nil {
		log.Printf("[CURATION] empty context scan failed: %v", err)
		return
	}
	for _, cc := range empty {
		if err := c.fragments.DeleteContext(ctx, cc.ID); err != nil {
			log.Printf("[CURATION] empty context delete failed for %s: %v", cc.ID, err)
		}
	}
}

// preferredOf picks the member of a duplicate pair worth keeping: the newer
// one, or on close timestamps the longer one.
func preferredOf(a, b *core.Fragment) (keep, remove *core.Fragment) {
	newer, older := newerOf(a, b), olderOf(a, b)
	if newer.CreatedAt.Sub(older.CreatedAt) < time.Second && older.WordCount() > newer.WordCount() {
		return older, newer
	}
	return newer, older
}

func newerOf(a, b *core.Fragment) *core.Fragment {
	if a.CreatedAt.After(b.CreatedAt) {
		return a
	}
	return b
}

func olderOf(a, b *core.Fragment) *core.Fragment {
	if a.CreatedAt.After(b.CreatedAt) {
		return b
	}
	return a
}
