// Package engine implements the semantic memory engine: project-scoped
// ingestion (chunking, embedding, context assignment, paired dual-store
// writes), retrieval with synthesis, background curation, and dual-store
// reconciliation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mnemox/mnemox-go/config"
	"github.com/mnemox/mnemox-go/core"
	"github.com/mnemox/mnemox-go/provider"
	"github.com/mnemox/mnemox-go/provider/anthropic"
	"github.com/mnemox/mnemox-go/store"
	"github.com/mnemox/mnemox-go/store/chromem"
	"github.com/mnemox/mnemox-go/store/sqlite"
)

const recallLatencyWindow = 50

// Engine is the semantic memory engine. All methods are safe for concurrent
// use; writes within a project are serialized by the paired store.
type Engine struct {
	cfg       config.Config
	fragments store.FragmentStore
	index     store.VectorIndex
	embedder  provider.Embedder
	completer provider.Completer

	paired   *pairedStore
	chunker  *chunker
	contexts *contextManager
	curator  *curator
	synth    *synthesizer
	recon    *reconciler

	cache *provider.CachedEmbedder

	curationQueue chan string
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once

	mu           sync.Mutex
	recallMillis []int64
}

// Option configures the engine.
type Option func(*Engine)

// WithEmbedder sets the embedding provider. Required.
func WithEmbedder(e provider.Embedder) Option {
	return func(eng *Engine) { eng.embedder = e }
}

// WithCompleter sets the reasoning provider. When absent and an Anthropic API
// key is configured, one is constructed; with neither, every reasoning path
// runs degraded.
func WithCompleter(c provider.Completer) Option {
	return func(eng *Engine) { eng.completer = c }
}

// WithFragmentStore overrides the default SQLite store.
func WithFragmentStore(s store.FragmentStore) Option {
	return func(eng *Engine) { eng.fragments = s }
}

// WithVectorIndex overrides the default chromem index.
func WithVectorIndex(x store.VectorIndex) Option {
	return func(eng *Engine) { eng.index = x }
}

// New constructs an engine, rebuilds the vector index from the fragment
// store, and starts the background curation worker.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng := &Engine{
		cfg:           cfg,
		curationQueue: make(chan string, cfg.Curation.QueueSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.embedder == nil {
		return nil, fmt.Errorf("engine: an embedder is required")
	}
	if got := eng.embedder.Dimensions(); got != cfg.Embedding.Dimensions {
		return nil, fmt.Errorf("engine: embedder produces %d dimensions, configured for %d: %w",
			got, cfg.Embedding.Dimensions, core.ErrDimensionMismatch)
	}

	cached, err := provider.NewCachedEmbedder(eng.embedder, cfg.Embedding.CacheTTL.Std())
	if err != nil {
		return nil, fmt.Errorf("engine: embedding cache: %w", err)
	}
	eng.cache = cached
	eng.embedder = cached

	if eng.completer == nil && cfg.Anthropic.APIKey != "" {
		completer, err := anthropic.New(anthropic.Config{
			APIKey:    cfg.Anthropic.APIKey,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			Timeout:   cfg.Anthropic.Timeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		eng.completer = completer
	}
	if eng.completer == nil {
		log.Printf("[ENGINE] no reasoning provider configured, chunking, labeling, curation and synthesis run degraded")
	}

	if eng.fragments == nil {
		s, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		eng.fragments = s
	}
	if eng.index == nil {
		eng.index = chromem.New()
	}

	eng.paired = newPairedStore(eng.fragments, eng.index)
	eng.chunker = newChunker(eng.completer, cfg.Chunking.MinWords, cfg.Chunking.MaxWords)
	eng.contexts = newContextManager(eng.fragments, eng.completer, cfg.Contexts.AssignmentThreshold)
	eng.synth = &synthesizer{completer: eng.completer}
	eng.recon = &reconciler{fragments: eng.fragments, index: eng.index, embedder: eng.embedder}
	eng.curator = &curator{
		fragments:       eng.fragments,
		paired:          eng.paired,
		completer:       eng.completer,
		contexts:        eng.contexts,
		threshold:       cfg.Curation.Threshold,
		duplicateCutoff: cfg.Curation.DuplicateCutoff,
	}

	if err := eng.recon.Rebuild(context.Background()); err != nil {
		eng.fragments.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	eng.wg.Add(1)
	go eng.curationWorker()
	if cfg.Reconcile.Interval > 0 {
		eng.wg.Add(1)
		go eng.reconcileLoop()
	}

	return eng, nil
}

// CreateProject registers a project. An empty id gets a generated UUID; a
// taken id returns core.ErrProjectExists.
func (e *Engine) CreateProject(ctx context.Context, id, name, description string) (*core.Project, error) {
	if id == "" {
		id = uuid.New().String()
	} else if _, err := e.fragments.GetProject(ctx, id); err == nil {
		return nil, fmt.Errorf("project %q: %w", id, core.ErrProjectExists)
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	p := &core.Project{ID: id, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	if err := e.fragments.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	log.Printf("[ENGINE] created project %s (%s)", p.ID, p.Name)
	return p, nil
}

// GetProject returns a project by ID.
func (e *Engine) GetProject(ctx context.Context, id string) (*core.Project, error) {
	return e.fragments.GetProject(ctx, id)
}

// ListProjects returns all projects.
func (e *Engine) ListProjects(ctx context.Context) ([]*core.Project, error) {
	return e.fragments.ListProjects(ctx)
}

// DeleteProject removes a project and everything under it from both stores.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	if _, err := e.fragments.GetProject(ctx, id); err != nil {
		return err
	}
	if err := e.index.DropProject(ctx, id); err != nil {
		return err
	}
	if err := e.fragments.DeleteProject(ctx, id); err != nil {
		return err
	}
	log.Printf("[ENGINE] deleted project %s", id)
	return nil
}

// Remember ingests content into a project: chunk, embed, assign to contexts,
// and commit each fragment as a paired write. Per-chunk failures are
// isolated; the call errors only when the project is unknown, the content is
// empty, or no chunk could be stored at all. Returns the stored fragment IDs.
func (e *Engine) Remember(ctx context.Context, projectID, content, source string, metadata map[string]string) ([]string, error) {
	if _, err := e.fragments.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	chunks := e.chunker.Chunk(ctx, content)
	if len(chunks) == 0 {
		return nil, core.ErrEmptyContent
	}

	// Embed concurrently, but keep failures per chunk: one bad embedding
	// must not discard its healthy siblings.
	embeddings := make([][]float32, len(chunks))
	embedErrs := make([]error, len(chunks))
	var g errgroup.Group
	g.SetLimit(e.cfg.Embedding.Workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			embeddings[i], embedErrs[i] = e.embedder.Embed(ctx, chunk)
			return nil
		})
	}
	g.Wait()

	var stored []string
	var firstErr error
	for i, chunk := range chunks {
		if embedErrs[i] != nil {
			log.Printf("[ENGINE] chunk %d not embedded: %v", i, embedErrs[i])
			if firstErr == nil {
				firstErr = fmt.Errorf("embed chunk %d: %w", i, embedErrs[i])
			}
			continue
		}

		f := &core.Fragment{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Content:   chunk,
			Source:    source,
			Metadata:  metadata,
			Embedding: embeddings[i],
			CreatedAt: time.Now().UTC(),
		}

		contextID, err := e.contexts.Assign(ctx, projectID, chunk, embeddings[i])
		if err != nil {
			log.Printf("[ENGINE] context assignment failed for chunk %d: %v", i, err)
		} else {
			f.ContextID = contextID
		}

		if err := e.paired.Store(ctx, f); err != nil {
			log.Printf("[ENGINE] chunk %d not stored: %v", i, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored = append(stored, f.ID)
	}

	if len(stored) == 0 {
		return nil, fmt.Errorf("remember: no chunk stored: %w", firstErr)
	}

	if !e.cfg.Curation.Disabled {
		e.enqueueCuration(projectID)
	}
	log.Printf("[ENGINE] remembered %d/%d fragments in project %s", len(stored), len(chunks), projectID)
	return stored, nil
}

// Recall searches a project and synthesizes an answer. It returns an error
// only for an unknown project or storage trouble; provider failures degrade
// the result instead.
func (e *Engine) Recall(ctx context.Context, projectID, query string) (*core.RecallResult, error) {
	start := time.Now()
	defer func() { e.recordRecall(time.Since(start)) }()

	if _, err := e.fragments.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	queryEmbedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[ENGINE] query embedding failed: %v", err)
		return &core.RecallResult{
			Answer:   "Memory search is temporarily unavailable.",
			Degraded: true,
		}, nil
	}

	matches, err := e.index.Search(ctx, projectID, queryEmbedding, e.cfg.Recall.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("recall search: %w", err)
	}

	var results []core.SearchResult
	for _, m := range matches {
		if m.Similarity < e.cfg.Recall.SimilarityThreshold {
			continue
		}
		f, err := e.fragments.GetFragment(ctx, m.FragmentID)
		if errors.Is(err, core.ErrNotFound) {
			// Dangling vector; the reconciliation sweep will drop it.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recall fetch: %w", err)
		}
		results = append(results, core.SearchResult{Fragment: f, Similarity: m.Similarity})
	}

	if len(results) == 0 {
		return &core.RecallResult{
			Answer: "No relevant memory found for this query.",
		}, nil
	}

	answer, degraded := e.synth.Synthesize(ctx, query, results)
	return &core.RecallResult{
		Found:    true,
		Answer:   answer,
		Degraded: degraded,
		Results:  results,
	}, nil
}

// Curate runs a curation sweep synchronously.
func (e *Engine) Curate(ctx context.Context, projectID string) error {
	if _, err := e.fragments.GetProject(ctx, projectID); err != nil {
		return err
	}
	return e.curator.Sweep(ctx, projectID)
}

// Reconcile repairs dual-store divergence across all projects and returns
// the number of repairs.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	return e.recon.ReconcileAll(ctx)
}

// CreateAnchor pins a set of existing fragments as a durable reference point.
func (e *Engine) CreateAnchor(ctx context.Context, projectID, title, description, priority string, fragmentIDs []string) (*core.Anchor, error) {
	if _, err := e.fragments.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	switch priority {
	case "low", "medium", "high":
	case "":
		priority = "medium"
	default:
		return nil, fmt.Errorf("anchor priority %q: must be low, medium, or high", priority)
	}
	for _, id := range fragmentIDs {
		f, err := e.fragments.GetFragment(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("anchor fragment %s: %w", id, err)
		}
		if f.ProjectID != projectID {
			return nil, fmt.Errorf("anchor fragment %s: %w", id, core.ErrNotFound)
		}
	}

	now := time.Now().UTC()
	a := &core.Anchor{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		Title:        title,
		Description:  description,
		Priority:     priority,
		FragmentIDs:  fragmentIDs,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := e.fragments.CreateAnchor(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetAnchor returns an anchor by ID.
func (e *Engine) GetAnchor(ctx context.Context, id string) (*core.Anchor, error) {
	return e.fragments.GetAnchor(ctx, id)
}

// ListAnchors returns a project's anchors, highest priority first.
func (e *Engine) ListAnchors(ctx context.Context, projectID string) ([]*core.Anchor, error) {
	return e.fragments.ListAnchors(ctx, projectID)
}

// AccessAnchor records an access and returns the anchor's fragments.
func (e *Engine) AccessAnchor(ctx context.Context, id string) ([]*core.Fragment, error) {
	a, err := e.fragments.GetAnchor(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.fragments.TouchAnchor(ctx, id); err != nil {
		return nil, err
	}

	fragments := make([]*core.Fragment, 0, len(a.FragmentIDs))
	for _, fid := range a.FragmentIDs {
		f, err := e.fragments.GetFragment(ctx, fid)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}

// DeleteAnchor removes an anchor, leaving its fragments in place.
func (e *Engine) DeleteAnchor(ctx context.Context, id string) error {
	return e.fragments.DeleteAnchor(ctx, id)
}

// Stats returns aggregate numbers for one project.
func (e *Engine) Stats(ctx context.Context, projectID string) (*core.Stats, error) {
	if _, err := e.fragments.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	fragments, contexts, anchors, err := e.fragments.Counts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	events, err := e.fragments.CurationEventCount(ctx, projectID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	latencies := append([]int64(nil), e.recallMillis...)
	e.mu.Unlock()

	return &core.Stats{
		ProjectID:          projectID,
		Fragments:          fragments,
		Contexts:           contexts,
		Anchors:            anchors,
		CurationEvents:     events,
		RecentRecallMillis: latencies,
	}, nil
}

// HealthCheck reports reachability of the durable stores.
func (e *Engine) HealthCheck(ctx context.Context) *core.Health {
	h := &core.Health{}

	// A search against a partition that never exists exercises the index
	// without touching data.
	if _, err := e.index.Search(ctx, uuid.Nil.String(), nil, 0); err != nil {
		log.Printf("[ENGINE] index health check failed: %v", err)
	} else {
		h.Index = true
	}

	if err := e.fragments.Ping(ctx); err != nil {
		log.Printf("[ENGINE] storage health check failed: %v", err)
		return h
	}
	h.Storage = true
	if projects, err := e.fragments.ListProjects(ctx); err == nil {
		h.Projects = len(projects)
	}
	return h
}

// Close stops the background workers and releases both stores.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		if e.cache != nil {
			e.cache.Close()
		}
		if cerr := e.index.Close(); cerr != nil {
			err = cerr
		}
		if cerr := e.fragments.Close(); cerr != nil {
			err = cerr
		}
	})
	return err
}

func (e *Engine) enqueueCuration(projectID string) {
	select {
	case e.curationQueue <- projectID:
	default:
		// Queue full; the project gets swept on a later Remember.
		log.Printf("[ENGINE] curation queue full, skipping sweep for %s", projectID)
	}
}

func (e *Engine) curationWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case projectID := <-e.curationQueue:
			if err := e.curator.Sweep(context.Background(), projectID); err != nil {
				log.Printf("[CURATION] sweep failed for %s: %v", projectID, err)
			}
		}
	}
}

func (e *Engine) reconcileLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Reconcile.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if n, err := e.recon.ReconcileAll(context.Background()); err != nil {
				log.Printf("[RECONCILE] sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[RECONCILE] repaired %d divergences", n)
			}
		}
	}
}

func (e *Engine) recordRecall(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recallMillis = append(e.recallMillis, d.Milliseconds())
	if len(e.recallMillis) > recallLatencyWindow {
		e.recallMillis = e.recallMillis[len(e.recallMillis)-recallLatencyWindow:]
	}
}
