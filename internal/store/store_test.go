package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "feedpulse.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertChunkIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := Chunk{
		Collection:   "feed_entries",
		ID:           "feed_abc123",
		Text:         "original text",
		Embedding:    []float64{0.1, 0.2, 0.3},
		MetadataJSON: `{"topic":"gold"}`,
	}
	if err := s.UpsertChunk(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	c.Text = "revised text"
	c.Embedding = []float64{0.4, 0.5, 0.6}
	if err := s.UpsertChunk(ctx, c); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.Count(ctx, "feed_entries")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	chunks, err := s.Chunks(ctx, "feed_entries")
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if chunks[0].Text != "revised text" {
		t.Fatalf("text = %q", chunks[0].Text)
	}
	if len(chunks[0].Embedding) != 3 || chunks[0].Embedding[0] != 0.4 {
		t.Fatalf("embedding round trip broken: %v", chunks[0].Embedding)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vec := []float64{-1.5, 0, 2.25, 1e-12, 3.14159265358979}
	err := s.UpsertChunk(ctx, Chunk{Collection: "thesis_ledger", ID: "thesis_x", Text: "t", Embedding: vec})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	chunks, err := s.Chunks(ctx, "thesis_ledger")
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	got := chunks[0].Embedding
	if len(got) != len(vec) {
		t.Fatalf("dimension = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("component %d = %v, want %v", i, got[i], vec[i])
		}
	}
}

func TestEmbedState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen, err := s.HasEmbedded(ctx, "feed_entries", "abc")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if seen {
		t.Fatalf("fresh hash should be unseen")
	}

	if err := s.MarkEmbedded(ctx, "feed_entries", "abc"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.MarkEmbedded(ctx, "feed_entries", "abc"); err != nil {
		t.Fatalf("repeat mark should be a no-op: %v", err)
	}

	seen, err = s.HasEmbedded(ctx, "feed_entries", "abc")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !seen {
		t.Fatalf("marked hash should be seen")
	}

	// Hashes are scoped per corpus.
	seen, err = s.HasEmbedded(ctx, "thesis_ledger", "abc")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if seen {
		t.Fatalf("hash should not leak across corpora")
	}
}

func TestNotifiedCap(t *testing.T) {
	s := openTestStore(t)
	s.SetNotifiedCap(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.NotifiedRecord(ctx, fmt.Sprintf("hash-%d", i)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	// Oldest two pruned, newest three kept.
	for i := 0; i < 5; i++ {
		seen, err := s.NotifiedContains(ctx, fmt.Sprintf("hash-%d", i))
		if err != nil {
			t.Fatalf("contains %d: %v", i, err)
		}
		wantSeen := i >= 2
		if seen != wantSeen {
			t.Fatalf("hash-%d seen = %v, want %v", i, seen, wantSeen)
		}
	}
}

func TestCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.IncrCounter(ctx, "runs", 1)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if v != 1 {
		t.Fatalf("v = %d", v)
	}
	v, err = s.IncrCounter(ctx, "runs", 2)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if v != 3 {
		t.Fatalf("v = %d", v)
	}

	all, err := s.Counters(ctx)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if all["runs"] != 3 {
		t.Fatalf("counters = %v", all)
	}
}
