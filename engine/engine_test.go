package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mnemox/mnemox-go/config"
	"github.com/mnemox/mnemox-go/core"
	"github.com/mnemox/mnemox-go/provider/mock"
	"github.com/mnemox/mnemox-go/store"
	"github.com/mnemox/mnemox-go/store/chromem"
)

// scriptedCompleter answers each prompt template sensibly so end-to-end flows
// exercise the non-degraded paths.
func scriptedCompleter() *mock.Completer {
	return &mock.Completer{Fn: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "Split the following text"):
			return "", errors.New("use the deterministic splitter")
		case strings.Contains(prompt, "descriptive label"):
			return `{"label": "test topic"}`, nil
		case strings.Contains(prompt, "contradict"):
			return `{"conflict": false, "reasoning": "distinct"}`, nil
		default:
			return "Synthesized answer from memory.", nil
		}
	}}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.Path = ":memory:"
	cfg.Curation.Disabled = true
	return cfg
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithEmbedder(mock.NewEmbedder(384)),
		WithCompleter(scriptedCompleter()),
	}
	eng, err := New(testConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func mustCreateProject(t *testing.T, eng *Engine, id string) *core.Project {
	t.Helper()
	p, err := eng.CreateProject(context.Background(), id, "project "+id, "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestRememberAndRecall(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	ids, err := eng.Remember(ctx, p.ID,
		"The database migration for user accounts is scheduled for friday evening.",
		"standup", nil)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("no fragments stored")
	}

	result, err := eng.Recall(ctx, p.ID, "when is the database migration for user accounts scheduled")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !result.Found {
		t.Fatalf("result = %+v, want Found", result)
	}
	if result.Degraded {
		t.Errorf("synthesis degraded: %+v", result)
	}
	if result.Answer != "Synthesized answer from memory." {
		t.Errorf("answer = %q", result.Answer)
	}
	if len(result.Results) == 0 {
		t.Error("no candidates in found result")
	}
	for i := 1; i < len(result.Results); i++ {
		if result.Results[i].Similarity > result.Results[i-1].Similarity {
			t.Errorf("results not ordered by similarity: %v", result.Results)
		}
	}
}

func TestRecallNothingRelevant(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	if _, err := eng.Remember(ctx, p.ID, "kubernetes ingress routes traffic to the gateway pods", "", nil); err != nil {
		t.Fatalf("remember: %v", err)
	}

	result, err := eng.Recall(ctx, p.ID, "grandma's secret cookie recipe ingredients")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if result.Found {
		t.Errorf("result = %+v, want not found", result)
	}
	if result.Answer == "" {
		t.Error("not-found result carries no message")
	}
}

func TestProjectIsolation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	a := mustCreateProject(t, eng, "project-a")
	b := mustCreateProject(t, eng, "project-b")

	if _, err := eng.Remember(ctx, a.ID, "the payment service uses stripe for card processing", "", nil); err != nil {
		t.Fatalf("remember: %v", err)
	}

	result, err := eng.Recall(ctx, b.ID, "which provider does the payment service use for card processing")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if result.Found {
		t.Errorf("memory leaked across projects: %+v", result)
	}
}

func TestRememberUnknownProject(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.Remember(context.Background(), "ghost", "content", "", nil)
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRememberEmptyContent(t *testing.T) {
	eng := newTestEngine(t)
	p := mustCreateProject(t, eng, "notes")
	_, err := eng.Remember(context.Background(), p.ID, "   \n ", "", nil)
	if !errors.Is(err, core.ErrEmptyContent) {
		t.Errorf("err = %v, want ErrEmptyContent", err)
	}
}

func TestCreateProjectDuplicateID(t *testing.T) {
	eng := newTestEngine(t)
	mustCreateProject(t, eng, "taken")
	_, err := eng.CreateProject(context.Background(), "taken", "again", "")
	if !errors.Is(err, core.ErrProjectExists) {
		t.Errorf("err = %v, want ErrProjectExists", err)
	}
}

type flakyIndex struct {
	store.VectorIndex
	failInsert bool
	failSearch bool
}

func (f *flakyIndex) Insert(ctx context.Context, projectID, fragmentID string, embedding []float32, content string) error {
	if f.failInsert {
		return errors.New("index unavailable")
	}
	return f.VectorIndex.Insert(ctx, projectID, fragmentID, embedding, content)
}

func (f *flakyIndex) Search(ctx context.Context, projectID string, embedding []float32, limit int) ([]store.Match, error) {
	if f.failSearch {
		return nil, errors.New("index unavailable")
	}
	return f.VectorIndex.Search(ctx, projectID, embedding, limit)
}

func TestRememberAtomicOnIndexFailure(t *testing.T) {
	idx := &flakyIndex{VectorIndex: chromem.New()}
	eng := newTestEngine(t, WithVectorIndex(idx))
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	idx.failInsert = true
	if _, err := eng.Remember(ctx, p.ID, "this write must leave no trace", "", nil); err == nil {
		t.Fatal("expected remember to fail with a dead index")
	}

	stats, err := eng.Stats(ctx, p.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Fragments != 0 {
		t.Errorf("fragments = %d after rollback, want 0", stats.Fragments)
	}
	if ids := idx.IDs(p.ID); len(ids) != 0 {
		t.Errorf("index ids = %v after rollback, want none", ids)
	}

	// The same write succeeds once the index recovers.
	idx.failInsert = false
	if _, err := eng.Remember(ctx, p.ID, "this write must leave no trace", "", nil); err != nil {
		t.Fatalf("remember after recovery: %v", err)
	}
}

// selectiveEmbedder fails only for texts containing a marker, so sibling
// chunks in the same batch still embed.
type selectiveEmbedder struct {
	*mock.Embedder
	failOn string
}

func (s *selectiveEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, s.failOn) {
		return nil, errors.New("embedding provider down")
	}
	return s.Embedder.Embed(ctx, text)
}

func TestRememberIsolatesEmbeddingFailures(t *testing.T) {
	embedder := &selectiveEmbedder{Embedder: mock.NewEmbedder(384), failOn: "beta"}
	eng := newTestEngine(t, WithEmbedder(embedder))
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	alpha := strings.Repeat("The alpha rollout gates traffic through the canary fleet. ", 12)
	beta := strings.Repeat("The beta cluster keeps its own isolated failure domain. ", 12)

	ids, err := eng.Remember(ctx, p.ID, alpha+"\n\n"+beta, "", nil)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("healthy chunks discarded with their failing sibling")
	}
	for _, id := range ids {
		f, err := eng.fragments.GetFragment(ctx, id)
		if err != nil {
			t.Fatalf("get fragment: %v", err)
		}
		if strings.Contains(f.Content, "beta") {
			t.Errorf("unembedded chunk was stored: %q", f.Content)
		}
	}

	stats, err := eng.Stats(ctx, p.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Fragments != len(ids) {
		t.Errorf("fragments = %d, want %d", stats.Fragments, len(ids))
	}

	// When every chunk fails to embed, the call errors and stores nothing.
	if _, err := eng.Remember(ctx, p.ID, "a short beta only note", "", nil); err == nil {
		t.Fatal("expected error when no chunk embeds")
	}
	stats, err = eng.Stats(ctx, p.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Fragments != len(ids) {
		t.Errorf("failed batch changed fragment count: %d", stats.Fragments)
	}
}

func TestEveryFragmentGetsAContext(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	long := strings.Repeat("The scheduler assigns jobs to idle workers in priority order. ", 40)
	ids, err := eng.Remember(ctx, p.ID, long, "", nil)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("got %d fragments, want a multi-chunk split", len(ids))
	}

	for _, id := range ids {
		f, err := eng.fragments.GetFragment(ctx, id)
		if err != nil {
			t.Fatalf("get fragment: %v", err)
		}
		if f.ContextID == "" {
			t.Errorf("fragment %s has no context", id)
		}
		if _, err := eng.fragments.GetContext(ctx, f.ContextID); err != nil {
			t.Errorf("fragment %s points at missing context %s: %v", id, f.ContextID, err)
		}
	}
}

func TestRecallDegradedSynthesis(t *testing.T) {
	completer := &mock.Completer{Fn: func(prompt string) (string, error) {
		return "", errors.New("provider down")
	}}
	eng := newTestEngine(t, WithCompleter(completer))
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	if _, err := eng.Remember(ctx, p.ID, "the cache warms up during the morning traffic ramp", "", nil); err != nil {
		t.Fatalf("remember: %v", err)
	}

	result, err := eng.Recall(ctx, p.ID, "when does the cache warm up during traffic")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !result.Found {
		t.Fatalf("result = %+v, want Found", result)
	}
	if !result.Degraded {
		t.Error("synthesis failure did not mark the result degraded")
	}
	if !strings.Contains(result.Answer, "the cache warms up") {
		t.Errorf("degraded answer lost the candidates: %q", result.Answer)
	}
}

func TestReconcileRepairsMissingVector(t *testing.T) {
	idx := chromem.New()
	eng := newTestEngine(t, WithVectorIndex(idx))
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	ids, err := eng.Remember(ctx, p.ID, "the retry budget is three attempts with backoff", "", nil)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}

	// Simulate a lost vector.
	if err := idx.Delete(ctx, p.ID, ids[0]); err != nil {
		t.Fatalf("delete vector: %v", err)
	}

	repairs, err := eng.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if repairs != 1 {
		t.Errorf("repairs = %d, want 1", repairs)
	}

	result, err := eng.Recall(ctx, p.ID, "what is the retry budget with backoff")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !result.Found {
		t.Errorf("repaired fragment not recallable: %+v", result)
	}
}

func TestReconcileDropsOrphanVector(t *testing.T) {
	idx := chromem.New()
	eng := newTestEngine(t, WithVectorIndex(idx))
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	// A vector with no backing fragment.
	if err := idx.Insert(ctx, p.ID, "ghost-fragment", []float32{1, 0, 0}, "ghost"); err != nil {
		t.Fatalf("insert orphan: %v", err)
	}

	repairs, err := eng.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if repairs != 1 {
		t.Errorf("repairs = %d, want 1", repairs)
	}
	if ids := idx.IDs(p.ID); len(ids) != 0 {
		t.Errorf("orphan survived: %v", ids)
	}
}

func TestDeleteProjectRemovesEverything(t *testing.T) {
	idx := chromem.New()
	eng := newTestEngine(t, WithVectorIndex(idx))
	ctx := context.Background()
	p := mustCreateProject(t, eng, "doomed")

	if _, err := eng.Remember(ctx, p.ID, "ephemeral project content", "", nil); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := eng.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	if _, err := eng.GetProject(ctx, p.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("project survived: err = %v", err)
	}
	if ids := idx.IDs(p.ID); len(ids) != 0 {
		t.Errorf("vectors survived: %v", ids)
	}
	if _, err := eng.Recall(ctx, p.ID, "anything"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("recall on deleted project: err = %v, want ErrNotFound", err)
	}
}

func TestAnchorsThroughEngine(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	ids, err := eng.Remember(ctx, p.ID, "the production database credentials live in vault", "", nil)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}

	a, err := eng.CreateAnchor(ctx, p.ID, "credentials location", "", "high", ids)
	if err != nil {
		t.Fatalf("create anchor: %v", err)
	}

	fragments, err := eng.AccessAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("access anchor: %v", err)
	}
	if len(fragments) != len(ids) {
		t.Errorf("got %d fragments, want %d", len(fragments), len(ids))
	}

	got, err := eng.GetAnchor(ctx, a.ID)
	if err != nil {
		t.Fatalf("get anchor: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", got.AccessCount)
	}

	if _, err := eng.CreateAnchor(ctx, p.ID, "bad", "", "urgent", ids); err == nil {
		t.Error("invalid priority accepted")
	}
	if _, err := eng.CreateAnchor(ctx, p.ID, "bad", "", "low", []string{"missing"}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("anchor over missing fragment: err = %v, want ErrNotFound", err)
	}
}

func TestStatsAndHealth(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	p := mustCreateProject(t, eng, "notes")

	if _, err := eng.Remember(ctx, p.ID, "observable fact for the stats counters", "", nil); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if _, err := eng.Recall(ctx, p.ID, "observable fact for the stats counters"); err != nil {
		t.Fatalf("recall: %v", err)
	}

	stats, err := eng.Stats(ctx, p.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Fragments == 0 || stats.Contexts == 0 {
		t.Errorf("stats = %+v, want fragments and contexts counted", stats)
	}
	if len(stats.RecentRecallMillis) == 0 {
		t.Error("no recall latency recorded")
	}

	h := eng.HealthCheck(ctx)
	if !h.Storage || !h.Index {
		t.Errorf("health = %+v, want both stores up", h)
	}
	if h.Projects != 1 {
		t.Errorf("health projects = %d, want 1", h.Projects)
	}
}

func TestHealthCheckReportsIndexOutage(t *testing.T) {
	idx := &flakyIndex{VectorIndex: chromem.New()}
	eng := newTestEngine(t, WithVectorIndex(idx))
	ctx := context.Background()

	if h := eng.HealthCheck(ctx); !h.Index {
		t.Errorf("health = %+v, want index up", h)
	}

	idx.failSearch = true
	h := eng.HealthCheck(ctx)
	if h.Index {
		t.Error("index outage not reflected in health")
	}
	if !h.Storage {
		t.Errorf("health = %+v, storage should stay up", h)
	}
}

func TestDimensionMismatchFatal(t *testing.T) {
	_, err := New(testConfig(), WithEmbedder(mock.NewEmbedder(128)))
	if !errors.Is(err, core.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestEmbedderRequired(t *testing.T) {
	if _, err := New(testConfig()); err == nil {
		t.Fatal("expected error without an embedder")
	}
}

func TestIndexRebuildOnStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	cfg := testConfig()
	cfg.Storage.Path = path
	embedder := mock.NewEmbedder(384)

	eng, err := New(cfg, WithEmbedder(embedder), WithCompleter(scriptedCompleter()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, "persist", "persist", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := eng.Remember(ctx, p.ID, "the archive job runs every sunday night", "", nil); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A fresh engine gets an empty in-memory index and must rebuild it from
	// the persisted embeddings.
	reopened, err := New(cfg, WithEmbedder(embedder), WithCompleter(scriptedCompleter()))
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.Recall(ctx, p.ID, "when does the archive job run")
	if err != nil {
		t.Fatalf("recall after restart: %v", err)
	}
	if !result.Found {
		t.Errorf("rebuilt index missed the fragment: %+v", result)
	}
}
