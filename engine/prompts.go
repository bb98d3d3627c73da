package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

const chunkPromptTemplate = `Split the following text into semantically coherent chunks.
Each chunk should be a self-contained unit of meaning between %d and %d words.
Keep the original wording; do not summarize or rephrase.

Respond with JSON only, in this exact shape:
{"chunks": ["first chunk text", "second chunk text"]}

Text:
%s`

const labelPromptTemplate = `Generate a short descriptive label (2-6 words) for a group of
related memory fragments. Respond with JSON only:
{"label": "the label"}

Fragment:
%s`

const conflictPromptTemplate = `Two memory fragments from the same project are similar. Decide
whether they contradict each other (one makes the other false or outdated) or
merely overlap.

Fragment A (older):
%s

Fragment B (newer):
%s

Respond with JSON only:
{"conflict": true or false, "reasoning": "one sentence"}`

const synthesisPromptTemplate = `Answer the question using only the memory fragments below. Be
concise and direct. If the fragments only partially answer it, say what is
known and what is not.

Question: %s

Fragments:
%s`

func chunkPrompt(text string, minWords, maxWords int) string {
	return fmt.Sprintf(chunkPromptTemplate, minWords, maxWords, text)
}

func labelPrompt(content string) string {
	return fmt.Sprintf(labelPromptTemplate, content)
}

func conflictPrompt(older, newer string) string {
	return fmt.Sprintf(conflictPromptTemplate, older, newer)
}

func synthesisPrompt(query string, fragments []string) string {
	var b strings.Builder
	for i, f := range fragments {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, f)
	}
	return fmt.Sprintf(synthesisPromptTemplate, query, b.String())
}

// extractJSON unmarshals a model response into v, tolerating ```json fenced
// blocks and surrounding prose.
func extractJSON(response string, v any) error {
	s := strings.TrimSpace(response)

	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+len("```"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		// Last resort: take the outermost object.
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start < 0 || end <= start {
			return fmt.Errorf("no JSON object in response")
		}
		s = s[start : end+1]
	}

	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode response JSON: %w", err)
	}
	return nil
}
