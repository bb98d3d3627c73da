package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mnemox/mnemox-go/core"
	"github.com/mnemox/mnemox-go/provider"
)

// synthesizer turns recall candidates into a direct natural-language answer.
// Synthesis failure is never a recall failure: the result degrades to a plain
// listing of the surviving candidates.
type synthesizer struct {
	completer provider.Completer
}

// Synthesize builds the answer for a non-empty candidate set.
func (s *synthesizer) Synthesize(ctx context.Context, query string, results []core.SearchResult) (answer string, degraded bool) {
	if s.completer == nil {
		return s.fallback(results), true
	}

	contents := make([]string, len(results))
	for i, r := range results {
		contents[i] = r.Fragment.Content
	}

	response, err := s.completer.Complete(ctx, synthesisPrompt(query, contents))
	if err != nil {
		log.Printf("[SYNTHESIS] completion failed, returning raw candidates: %v", err)
		return s.fallback(results), true
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return s.fallback(results), true
	}
	return response, false
}

// fallback lists the candidates by descending similarity.
func (s *synthesizer) fallback(results []core.SearchResult) string {
	var b strings.Builder
	b.WriteString("Relevant memory fragments:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Fragment.Content)
	}
	return b.String()
}
