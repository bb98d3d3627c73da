package core

import "time"

// Project is the isolation boundary for stored memory. No fragment, context,
// or vector is ever visible across project boundaries.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Fragment is the atomic unit of memory: a semantically coherent piece of text
// with its embedding. A fragment belongs to exactly one project and at most one
// context. The stored embedding always corresponds to the current content.
type Fragment struct {
	ID        string
	ProjectID string
	ContextID string // empty until assigned by the context manager
	Content   string
	Source    string
	Metadata  map[string]string
	Embedding []float32
	CreatedAt time.Time
}

// WordCount returns the number of whitespace-separated words in the content.
func (f *Fragment) WordCount() int {
	return countWords(f.Content)
}

// Context is an emergent grouping of related fragments within a project.
// The context graph per project is a forest: ParentID may point at another
// context but cycles are never created.
type Context struct {
	ID         string
	ProjectID  string
	ParentID   string
	Label      string
	Centroid   []float32 // running mean of member embeddings
	Size       int       // member count, advisory
	CreatedAt  time.Time
	LastActive time.Time
}

// PlaceholderLabel marks a context whose label generation failed and is
// pending a retry. Fragment storage never blocks on labeling.
const PlaceholderLabel = "(unlabeled)"

// Anchor pins a set of fragments as durable reference points. Anchored
// fragments are exempt from curation deletion.
type Anchor struct {
	ID           string
	ProjectID    string
	Title        string
	Description  string
	Priority     string // "low", "medium", "high"
	FragmentIDs  []string
	AccessCount  int
	CreatedAt    time.Time
	LastAccessed time.Time
}

// CurationAction identifies what a curation decision did with a fragment pair.
type CurationAction string

const (
	// ActionKeepBoth records that two similar fragments were judged distinct.
	ActionKeepBoth CurationAction = "keep_both"

	// ActionDeleteDuplicate records removal of the older/shorter member of a
	// near-identical pair.
	ActionDeleteDuplicate CurationAction = "delete_duplicate"

	// ActionSupersede records removal of the older member of a contradictory
	// pair, keeping the most recent claim.
	ActionSupersede CurationAction = "supersede"
)

// CurationDecision is one entry of the append-only curation audit log.
type CurationDecision struct {
	ID         string
	ProjectID  string
	KeptID     string
	RemovedID  string
	Similarity float32
	Action     CurationAction
	Reasoning  string
	DecidedAt  time.Time
}

// SearchOptions configures a similarity search over a project's fragments.
type SearchOptions struct {
	ProjectID           string
	MaxResults          int
	SimilarityThreshold float32
}

// SearchResult pairs a fragment with its similarity to the query.
type SearchResult struct {
	Fragment   *Fragment
	Similarity float32
}

// RecallResult is always returned from a recall, even when nothing matched or
// synthesis degraded. Callers never receive an error for "no results".
type RecallResult struct {
	// Found is false when no fragment cleared the similarity threshold.
	Found bool

	// Answer is the synthesized natural-language response. When Found is
	// false it carries an explicit "no relevant memory" message.
	Answer string

	// Degraded is true when synthesis failed and Answer was assembled from
	// the raw candidates without narrative synthesis.
	Degraded bool

	// Results holds the surviving candidates, ordered by descending
	// similarity.
	Results []SearchResult
}

// Stats exposes aggregate, read-only numbers for monitoring consumers.
type Stats struct {
	ProjectID      string
	Fragments      int
	Contexts       int
	Anchors        int
	CurationEvents int

	// RecentRecallMillis holds the latencies of the most recent recall
	// calls, newest last.
	RecentRecallMillis []int64
}

// Health reports whether the engine's durable stores are reachable.
type Health struct {
	Storage  bool
	Index    bool
	Projects int
}

func countWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				n++
			}
			inWord = true
		}
	}
	return n
}
