package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemox/mnemox-go/core"
	"github.com/mnemox/mnemox-go/provider"
	"github.com/mnemox/mnemox-go/store"
)

// contextManager assigns each new fragment to an emergent context. A fragment
// joins the best-matching context when its centroid similarity clears the
// threshold; otherwise a fresh context is created around it. Assignment is
// total: it never fails a fragment write.
type contextManager struct {
	fragments store.FragmentStore
	completer provider.Completer
	threshold float32
}

func newContextManager(fragments store.FragmentStore, completer provider.Completer, threshold float32) *contextManager {
	return &contextManager{fragments: fragments, completer: completer, threshold: threshold}
}

// Assign returns the context ID for a fragment embedding, creating a new
// context when nothing matches well enough.
func (m *contextManager) Assign(ctx context.Context, projectID string, content string, embedding []float32) (string, error) {
	contexts, err := m.fragments.ListContexts(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("list contexts: %w", err)
	}

	// Contexts arrive most recently active first, so with a strict
	// comparison ties resolve to the most recent one.
	var best *core.Context
	var bestScore float32
	for _, c := range contexts {
		score := cosine(embedding, c.Centroid)
		if score > bestScore {
			best, bestScore = c, score
		}
	}

	if best != nil && bestScore >= m.threshold {
		m.join(ctx, best, embedding)
		return best.ID, nil
	}
	return m.create(ctx, projectID, content, embedding)
}

// join folds the embedding into the context centroid as a running mean and
// bumps activity. Update failures are logged, not propagated: the centroid is
// advisory and self-corrects on later assignments.
func (m *contextManager) join(ctx context.Context, c *core.Context, embedding []float32) {
	n := float32(c.Size)
	if len(c.Centroid) == len(embedding) && n > 0 {
		for i := range c.Centroid {
			c.Centroid[i] = (c.Centroid[i]*n + embedding[i]) / (n + 1)
		}
	} else {
		c.Centroid = append([]float32(nil), embedding...)
	}
	c.Size++
	c.LastActive = time.Now().UTC()

	if err := m.fragments.UpdateContext(ctx, c); err != nil {
		log.Printf("[CONTEXTS] centroid update failed for %s: %v", c.ID, err)
	}
}

// create makes a new context around the fragment. Label generation failure
// produces a placeholder label; the curation sweep retries it later.
func (m *contextManager) create(ctx context.Context, projectID, content string, embedding []float32) (string, error) {
	now := time.Now().UTC()
	c := &core.Context{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Label:      m.label(ctx, content),
		Centroid:   append([]float32(nil), embedding...),
		Size:       1,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := m.fragments.CreateContext(ctx, c); err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	return c.ID, nil
}

// label asks the reasoning provider for a short context label, degrading to
// the placeholder on any failure.
func (m *contextManager) label(ctx context.Context, content string) string {
	if m.completer == nil {
		return core.PlaceholderLabel
	}

	response, err := m.completer.Complete(ctx, labelPrompt(content))
	if err != nil {
		log.Printf("[CONTEXTS] label generation failed: %v", err)
		return core.PlaceholderLabel
	}

	var parsed struct {
		Label string `json:"label"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		log.Printf("[CONTEXTS] unparseable label response: %v", err)
		return core.PlaceholderLabel
	}

	label := strings.TrimSpace(parsed.Label)
	if label == "" {
		return core.PlaceholderLabel
	}
	return label
}

// AdoptOrphans assigns a context to fragments left without a valid one,
// typically after an assignment failure at write time. Keeps the totality
// guarantee: every stored fragment ends up referencing an existing context.
func (m *contextManager) AdoptOrphans(ctx context.Context, projectID string) {
	contexts, err := m.fragments.ListContexts(ctx, projectID)
	if err != nil {
		log.Printf("[CONTEXTS] orphan adoption list failed: %v", err)
		return
	}
	known := make(map[string]bool, len(contexts))
	for _, c := range contexts {
		known[c.ID] = true
	}

	fragments, err := m.fragments.ListFragments(ctx, projectID, 0)
	if err != nil {
		log.Printf("[CONTEXTS] orphan adoption list failed: %v", err)
		return
	}
	for _, f := range fragments {
		if f.ContextID != "" && known[f.ContextID] {
			continue
		}
		contextID, err := m.Assign(ctx, projectID, f.Content, f.Embedding)
		if err != nil {
			log.Printf("[CONTEXTS] orphan adoption failed for %s: %v", f.ID, err)
			continue
		}
		if err := m.fragments.SetFragmentContext(ctx, f.ID, contextID); err != nil {
			log.Printf("[CONTEXTS] orphan reassignment failed for %s: %v", f.ID, err)
			continue
		}
		known[contextID] = true
	}
}

// RetryPlaceholders attempts labeling again for contexts stuck on the
// placeholder, using their most recent fragment as labeling material.
func (m *contextManager) RetryPlaceholders(ctx context.Context, projectID string) {
	if m.completer == nil {
		return
	}
	contexts, err := m.fragments.ListContexts(ctx, projectID)
	if err != nil {
		log.Printf("[CONTEXTS] placeholder retry list failed: %v", err)
		return
	}

	for _, c := range contexts {
		if c.Label != core.PlaceholderLabel {
			continue
		}
		content := m.sampleContent(ctx, projectID, c.ID)
		if content == "" {
			continue
		}
		if label := m.label(ctx, content); label != core.PlaceholderLabel {
			c.Label = label
			if err := m.fragments.UpdateContext(ctx, c); err != nil {
				log.Printf("[CONTEXTS] placeholder relabel failed for %s: %v", c.ID, err)
			}
		}
	}
}

func (m *contextManager) sampleContent(ctx context.Context, projectID, contextID string) string {
	fragments, err := m.fragments.ListFragments(ctx, projectID, 0)
	if err != nil {
		return ""
	}
	for _, f := range fragments {
		if f.ContextID == contextID {
			return f.Content
		}
	}
	return ""
}

// cosine returns the cosine similarity of two vectors, zero when either is
// degenerate or the lengths disagree.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
