package retrieve

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"feedpulse/internal/index"
	"feedpulse/internal/store"
)

type fixedEmbedder struct {
	vec []float64
}

func (f fixedEmbedder) Embed(context.Context, string) ([]float64, error) {
	return f.vec, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "feedpulse.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsert(t *testing.T, s *store.Store, c store.Chunk) {
	t.Helper()
	if err := s.UpsertChunk(context.Background(), c); err != nil {
		t.Fatalf("upsert %s/%s: %v", c.Collection, c.ID, err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors = %v", got)
	}
	if got := cosineSimilarity([]float64{1, 0}, []float64{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors = %v", got)
	}
	if got := cosineSimilarity([]float64{1, 0}, []float64{0, 0}); got != 0 {
		t.Fatalf("zero vector = %v", got)
	}
	if got := cosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}); got != 0 {
		t.Fatalf("mismatched lengths = %v", got)
	}
}

func TestQueryOrdersByDistance(t *testing.T) {
	s := openTestStore(t)
	mustUpsert(t, s, store.Chunk{Collection: index.CollectionFeed, ID: "far", Text: "far", Embedding: []float64{0, 1}})
	mustUpsert(t, s, store.Chunk{Collection: index.CollectionFeed, ID: "near", Text: "near", Embedding: []float64{1, 0.05}})
	mustUpsert(t, s, store.Chunk{Collection: index.CollectionFeed, ID: "mid", Text: "mid", Embedding: []float64{1, 1}})

	r := &Retriever{Store: s, Embedder: fixedEmbedder{vec: []float64{1, 0}}}
	hits, err := r.Query(context.Background(), index.CollectionFeed, []float64{1, 0}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Text != "near" || hits[1].Text != "mid" {
		t.Fatalf("order wrong: %q then %q", hits[0].Text, hits[1].Text)
	}
	if hits[0].Distance >= hits[1].Distance {
		t.Fatalf("distances not ascending: %v %v", hits[0].Distance, hits[1].Distance)
	}
	if math.Abs(hits[0].Relevance-(1-hits[0].Distance)) > 1e-9 {
		t.Fatalf("relevance must be 1 - distance")
	}
}

func TestQueryCapsAtCollectionSize(t *testing.T) {
	s := openTestStore(t)
	mustUpsert(t, s, store.Chunk{Collection: index.CollectionThesis, ID: "only", Text: "only", Embedding: []float64{1, 0}})

	r := &Retriever{Store: s, Embedder: fixedEmbedder{vec: []float64{1, 0}}}
	hits, err := r.Query(context.Background(), index.CollectionThesis, []float64{1, 0}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}

	empty, err := r.Query(context.Background(), index.CollectionSynthesis, []float64{1, 0}, 5)
	if err != nil {
		t.Fatalf("query empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("empty collection returned %d hits", len(empty))
	}
}

func TestGetContextMergesAndSorts(t *testing.T) {
	s := openTestStore(t)
	mustUpsert(t, s, store.Chunk{
		Collection: index.CollectionSynthesis, ID: "s1", Text: "synthesis hit",
		Embedding: []float64{1, 0.5}, MetadataJSON: `{"source":"daily-synthesis"}`,
	})
	mustUpsert(t, s, store.Chunk{
		Collection: index.CollectionFeed, ID: "f1", Text: "feed hit",
		Embedding: []float64{1, 0.01}, MetadataJSON: `{"topic":"gold","date":"2026-08-01"}`,
	})
	mustUpsert(t, s, store.Chunk{
		Collection: index.CollectionThesis, ID: "t1", Text: "thesis hit",
		Embedding: []float64{0, 1}, MetadataJSON: `{"instrument":"XAUUSD"}`,
	})

	r := &Retriever{Store: s, Embedder: fixedEmbedder{vec: []float64{1, 0}}}
	res, err := r.GetContext(context.Background(), "gold outlook", 2, nil)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}

	if len(res.Hits) != 3 {
		t.Fatalf("hits = %d, want 3", len(res.Hits))
	}
	for i := 1; i < len(res.Hits); i++ {
		if res.Hits[i].Relevance > res.Hits[i-1].Relevance {
			t.Fatalf("hits not sorted by relevance: %v", res.Hits)
		}
	}
	if res.Hits[0].Text != "feed hit" {
		t.Fatalf("best hit = %q", res.Hits[0].Text)
	}
	if res.Stats[index.CollectionFeed] != 1 || res.Stats[index.CollectionSynthesis] != 1 {
		t.Fatalf("stats = %v", res.Stats)
	}
}

func TestRenderLabelsAndBudget(t *testing.T) {
	res := Result{
		Hits: []Hit{
			{
				Collection: index.CollectionFeed,
				Text:       "feed text",
				Metadata:   map[string]any{"topic": "gold", "date": "2026-08-01"},
				Relevance:  0.9,
			},
			{
				Collection: index.CollectionSynthesis,
				Text:       "synthesis text",
				Metadata:   map[string]any{"source": "daily-synthesis"},
				Relevance:  0.8,
			},
			{
				Collection: index.CollectionThesis,
				Text:       "thesis text",
				Metadata:   map[string]any{"instrument": "XAUUSD"},
				Relevance:  0.7,
			},
		},
	}

	out := Render(res, 0)
	for _, want := range []string{
		"[Feed: gold @ 2026-08-01]",
		"[Prior synthesis: daily-synthesis]",
		"[Thesis: XAUUSD]",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "\n\n") {
		t.Fatalf("blocks should be separated by blank lines")
	}

	// A budget that fits only the first block must not split the second.
	firstBlock := "[Feed: gold @ 2026-08-01]\nfeed text"
	tight := Render(res, len(firstBlock)+5)
	if tight != firstBlock {
		t.Fatalf("tight render = %q, want only the first block", tight)
	}

	if missing := Render(Result{Hits: []Hit{{Collection: index.CollectionFeed, Text: "x"}}}, 0); !strings.Contains(missing, "unknown") {
		t.Fatalf("missing metadata should render as unknown: %q", missing)
	}
}

func TestRenderStopsAtFirstOverBudgetHit(t *testing.T) {
	res := Result{
		Hits: []Hit{
			{Collection: index.CollectionThesis, Text: "fits", Metadata: map[string]any{"instrument": "GLD"}, Relevance: 0.9},
			{Collection: index.CollectionThesis, Text: strings.Repeat("x", 500), Metadata: map[string]any{"instrument": "SLV"}, Relevance: 0.8},
			{Collection: index.CollectionThesis, Text: "tiny", Metadata: map[string]any{"instrument": "SPX"}, Relevance: 0.7},
		},
	}

	out := Render(res, 120)
	if !strings.Contains(out, "fits") {
		t.Fatalf("first hit should render: %q", out)
	}
	if strings.Contains(out, "tiny") {
		t.Fatalf("rendering must stop at the first over-budget hit, not skip past it: %q", out)
	}
}
