package engine

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/mnemox/mnemox-go/provider"
)

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	sentenceSplit  = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

// chunker splits raw input into semantically coherent fragments. The
// reasoning provider proposes boundaries; any failure or malformed output
// falls back to the deterministic splitter, so chunking always succeeds on
// non-empty input.
type chunker struct {
	completer provider.Completer
	minWords  int
	maxWords  int
}

func newChunker(completer provider.Completer, minWords, maxWords int) *chunker {
	return &chunker{completer: completer, minWords: minWords, maxWords: maxWords}
}

// Chunk returns at least one chunk for any non-empty input.
func (c *chunker) Chunk(ctx context.Context, text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	// Short inputs are a single fragment; no provider call needed.
	if countWords(text) <= c.maxWords {
		return []string{text}
	}

	if c.completer != nil {
		if chunks := c.semantic(ctx, text); len(chunks) > 0 {
			return chunks
		}
	}
	return c.fallback(text)
}

// semantic asks the reasoning provider for chunk boundaries. Returns nil when
// the response is unusable.
func (c *chunker) semantic(ctx context.Context, text string) []string {
	response, err := c.completer.Complete(ctx, chunkPrompt(text, c.minWords, c.maxWords))
	if err != nil {
		log.Printf("[CHUNKER] semantic chunking failed, using fallback: %v", err)
		return nil
	}

	var parsed struct {
		Chunks []string `json:"chunks"`
	}
	if err := extractJSON(response, &parsed); err != nil {
		log.Printf("[CHUNKER] unparseable chunk response, using fallback: %v", err)
		return nil
	}

	var chunks []string
	for _, chunk := range parsed.Chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		// Oversized proposals get re-split deterministically instead of
		// being stored as unwieldy fragments.
		if countWords(chunk) > 2*c.maxWords {
			chunks = append(chunks, c.fallback(chunk)...)
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// fallback splits on paragraph boundaries, then groups sentences under the
// word budget. Deterministic and total.
func (c *chunker) fallback(text string) []string {
	var chunks []string
	for _, para := range paragraphSplit.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if countWords(para) <= c.maxWords {
			chunks = append(chunks, para)
			continue
		}
		chunks = append(chunks, c.groupSentences(para)...)
	}
	if len(chunks) == 0 {
		chunks = []string{text}
	}
	return chunks
}

// groupSentences packs consecutive sentences until the next one would exceed
// the word budget.
func (c *chunker) groupSentences(text string) []string {
	sentences := sentenceSplit.FindAllString(text, -1)
	if len(sentences) == 0 {
		return []string{text}
	}

	var chunks []string
	var current []string
	words := 0
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n := countWords(s)
		if words > 0 && words+n > c.maxWords {
			chunks = append(chunks, strings.Join(current, " "))
			current, words = nil, 0
		}
		current = append(current, s)
		words += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
