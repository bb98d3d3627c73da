// Package mock provides deterministic provider implementations for tests and
// offline development. The embedder produces real overlap-based similarity
// (shared words move vectors closer) without any model files, so threshold
// logic can be exercised meaningfully.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// Embedder maps text to a normalized bag-of-words vector: each lowercased
// word is hashed to a dimension and accumulated. Texts sharing vocabulary get
// high cosine similarity; unrelated texts get near-zero.
type Embedder struct {
	dimensions int
}

// NewEmbedder creates a mock embedder with the given dimensionality.
func NewEmbedder(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 384 // match all-MiniLM-L6-v2
	}
	return &Embedder{dimensions: dimensions}
}

// Embed produces a deterministic embedding for text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, m.dimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if word == "" {
			continue
		}
		h := fnv.New64a()
		h.Write([]byte(word))
		sum := h.Sum64()
		embedding[sum%uint64(m.dimensions)] += 1
		// A second, sign-carrying dimension reduces accidental collisions.
		idx := (sum >> 32) % uint64(m.dimensions)
		if sum&1 == 0 {
			embedding[idx] += 0.5
		} else {
			embedding[idx] -= 0.5
		}
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// Completer is a scriptable mock completer. When Fn is set it decides the
// response; otherwise Response/Err are returned as-is. All calls are recorded
// for assertions.
type Completer struct {
	mu       sync.Mutex
	Fn       func(prompt string) (string, error)
	Response string
	Err      error
	Prompts  []string
}

// Complete records the prompt and returns the scripted response.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.Prompts = append(c.Prompts, prompt)
	fn, resp, err := c.Fn, c.Response, c.Err
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn != nil {
		return fn(prompt)
	}
	return resp, err
}

// CallCount returns how many prompts were issued.
func (c *Completer) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Prompts)
}

// normalize converts a vector to unit length.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
