package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mnemox/mnemox-go/core"
	"github.com/mnemox/mnemox-go/provider/mock"
	"github.com/mnemox/mnemox-go/store/chromem"
	"github.com/mnemox/mnemox-go/store/sqlite"
)

type curationFixture struct {
	store     *sqlite.Store
	index     *chromem.Index
	paired    *pairedStore
	completer *mock.Completer
	curator   *curator
	projectID string
}

func newCurationFixture(t *testing.T) *curationFixture {
	t.Helper()
	s := newTestFragmentStore(t)
	x := chromem.New()
	completer := &mock.Completer{Response: `{"conflict": false, "reasoning": "distinct topics"}`}
	paired := newPairedStore(s, x)

	f := &curationFixture{
		store:     s,
		index:     x,
		paired:    paired,
		completer: completer,
		projectID: createTestProject(t, s),
	}
	f.curator = &curator{
		fragments:       s,
		paired:          paired,
		completer:       completer,
		contexts:        newContextManager(s, completer, 0.5),
		threshold:       0.6,
		duplicateCutoff: 0.9,
	}
	return f
}

func (f *curationFixture) addFragment(t *testing.T, content string, embedding []float32, age time.Duration) *core.Fragment {
	t.Helper()
	frag := &core.Fragment{
		ID:        uuid.New().String(),
		ProjectID: f.projectID,
		Content:   content,
		Embedding: embedding,
		CreatedAt: time.Now().UTC().Add(-age),
	}
	if err := f.paired.Store(context.Background(), frag); err != nil {
		t.Fatalf("store fragment: %v", err)
	}
	return frag
}

func (f *curationFixture) fragmentCount(t *testing.T) int {
	t.Helper()
	fragments, err := f.store.ListFragments(context.Background(), f.projectID, 0)
	if err != nil {
		t.Fatalf("list fragments: %v", err)
	}
	return len(fragments)
}

func TestSweepRemovesNearDuplicates(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	older := f.addFragment(t, "deploys happen on friday", []float32{1, 0, 0}, time.Hour)
	newer := f.addFragment(t, "deploys happen on friday", []float32{1, 0, 0}, 0)

	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := f.store.GetFragment(ctx, older.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("older duplicate survived: err = %v", err)
	}
	if _, err := f.store.GetFragment(ctx, newer.ID); err != nil {
		t.Errorf("newer duplicate removed: %v", err)
	}
	// The vector went with the fragment.
	if ids := f.index.IDs(f.projectID); len(ids) != 1 || ids[0] != newer.ID {
		t.Errorf("index ids = %v, want [%s]", ids, newer.ID)
	}

	events, err := f.store.CurationEventCount(ctx, f.projectID)
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if events != 1 {
		t.Errorf("events = %d, want 1", events)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	f.addFragment(t, "dup a", []float32{1, 0, 0}, time.Hour)
	f.addFragment(t, "dup b", []float32{1, 0, 0}, 0)
	f.addFragment(t, "unrelated", []float32{0, 1, 0}, 0)

	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	after := f.fragmentCount(t)
	events, _ := f.store.CurationEventCount(ctx, f.projectID)

	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := f.fragmentCount(t); got != after {
		t.Errorf("second sweep changed fragment count: %d -> %d", after, got)
	}
	eventsAfter, _ := f.store.CurationEventCount(ctx, f.projectID)
	if eventsAfter != events {
		t.Errorf("second sweep appended decisions: %d -> %d", events, eventsAfter)
	}
}

func TestSweepSparesAnchoredFragments(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	older := f.addFragment(t, "pinned fact", []float32{1, 0, 0}, time.Hour)
	newer := f.addFragment(t, "pinned fact", []float32{1, 0, 0}, 0)

	a := &core.Anchor{
		ID:          uuid.New().String(),
		ProjectID:   f.projectID,
		Title:       "keep this",
		Priority:    "high",
		FragmentIDs: []string{older.ID},
	}
	if err := f.store.CreateAnchor(ctx, a); err != nil {
		t.Fatalf("create anchor: %v", err)
	}

	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := f.store.GetFragment(ctx, older.ID); err != nil {
		t.Errorf("anchored fragment removed: %v", err)
	}
	if _, err := f.store.GetFragment(ctx, newer.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("unanchored duplicate survived: err = %v", err)
	}
}

func TestSweepKeepsFullyAnchoredPair(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	a := f.addFragment(t, "pinned a", []float32{1, 0, 0}, time.Hour)
	b := f.addFragment(t, "pinned b", []float32{1, 0, 0}, 0)

	anchor := &core.Anchor{
		ID:          uuid.New().String(),
		ProjectID:   f.projectID,
		Title:       "both pinned",
		Priority:    "high",
		FragmentIDs: []string{a.ID, b.ID},
	}
	if err := f.store.CreateAnchor(ctx, anchor); err != nil {
		t.Fatalf("create anchor: %v", err)
	}

	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.fragmentCount(t); got != 2 {
		t.Errorf("fragment count = %d, want 2", got)
	}
}

func TestSweepSupersedesConflicts(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	// Similar enough to examine, below the duplicate cutoff.
	older := f.addFragment(t, "the timeout is thirty seconds", []float32{1, 0.6, 0}, time.Hour)
	newer := f.addFragment(t, "the timeout is sixty seconds", []float32{1, 0, 0}, 0)

	f.completer.Response = `{"conflict": true, "reasoning": "the timeout value changed"}`
	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := f.store.GetFragment(ctx, older.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("superseded fragment survived: err = %v", err)
	}
	if _, err := f.store.GetFragment(ctx, newer.ID); err != nil {
		t.Errorf("superseding fragment removed: %v", err)
	}
}

func TestSweepKeepsBothWhenNoConflict(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	f.addFragment(t, "redis handles sessions", []float32{1, 0.6, 0}, time.Hour)
	f.addFragment(t, "redis handles rate limits", []float32{1, 0, 0}, 0)

	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.fragmentCount(t); got != 2 {
		t.Errorf("fragment count = %d, want 2", got)
	}
}

func TestSweepDegradesOnCompleterFailure(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	// In the conflict band with a dead provider: both survive.
	f.addFragment(t, "claim one", []float32{1, 0.6, 0}, time.Hour)
	f.addFragment(t, "claim two", []float32{1, 0, 0}, 0)
	// Above the cutoff: pruned without any provider call.
	f.addFragment(t, "dup one", []float32{0, 0, 1}, time.Hour)
	f.addFragment(t, "dup two", []float32{0, 0, 1}, 0)

	f.completer.Err = errors.New("provider down")
	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.fragmentCount(t); got != 3 {
		t.Errorf("fragment count = %d, want 3", got)
	}
}

func TestSweepAdoptsContextlessFragments(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	// Stored without a context, the way a failed assignment at write time
	// leaves them.
	a := f.addFragment(t, "the ingest queue drains every five minutes", []float32{1, 0, 0}, time.Hour)
	b := f.addFragment(t, "billing invoices close on the first of the month", []float32{0, 1, 0}, 0)

	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	for _, id := range []string{a.ID, b.ID} {
		frag, err := f.store.GetFragment(ctx, id)
		if err != nil {
			t.Fatalf("get fragment: %v", err)
		}
		if frag.ContextID == "" {
			t.Errorf("fragment %s still has no context after sweep", id)
			continue
		}
		if _, err := f.store.GetContext(ctx, frag.ContextID); err != nil {
			t.Errorf("fragment %s points at missing context %s: %v", id, frag.ContextID, err)
		}
	}
}

func TestSweepCollectsEmptyContexts(t *testing.T) {
	f := newCurationFixture(t)
	ctx := context.Background()

	c := &core.Context{
		ID:        uuid.New().String(),
		ProjectID: f.projectID,
		Label:     "abandoned",
		Centroid:  []float32{1, 0, 0},
		Size:      1,
	}
	if err := f.store.CreateContext(ctx, c); err != nil {
		t.Fatalf("create context: %v", err)
	}

	if err := f.curator.Sweep(ctx, f.projectID); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := f.store.GetContext(ctx, c.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("empty context survived sweep: err = %v", err)
	}
}
