package provider

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingEmbedder struct {
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) Dimensions() int { return 2 }

func TestCachedEmbedderHitsCache(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCachedEmbedder(inner, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, "same text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	cached.Wait()

	second, err := cached.Embed(ctx, "same text")
	if err != nil {
		t.Fatalf("embed again: %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls.Load())
	}
	if first[0] != second[0] || first[1] != second[1] {
		t.Errorf("cached vector differs: %v vs %v", first, second)
	}
}

func TestCachedEmbedderDistinctTexts(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCachedEmbedder(inner, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	if _, err := cached.Embed(ctx, "one"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if _, err := cached.Embed(ctx, "two"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if inner.calls.Load() != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls.Load())
	}
	if cached.Dimensions() != 2 {
		t.Errorf("dimensions = %d, want 2", cached.Dimensions())
	}
}
