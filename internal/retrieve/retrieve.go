package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"feedpulse/internal/index"
	"feedpulse/internal/store"
)

const maxQueryChars = 4000

// Embedder converts query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Hit is one retrieved chunk. Distance is 1 minus cosine similarity, so
// Relevance is the similarity itself.
type Hit struct {
	Collection string         `json:"collection"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Distance   float64        `json:"distance"`
	Relevance  float64        `json:"relevance"`
}

// Result is a fanned-out retrieval across collections, globally ordered by
// relevance.
type Result struct {
	Query string         `json:"query"`
	Hits  []Hit          `json:"hits"`
	Stats map[string]int `json:"collection_stats"`
}

// Retriever answers semantic queries against the vector store.
type Retriever struct {
	Store    *store.Store
	Embedder Embedder
}

// EmbedQuery embeds query text, capped at 4000 chars.
func (r *Retriever) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	if len(query) > maxQueryChars {
		query = query[:maxQueryChars]
	}
	return r.Embedder.Embed(ctx, query)
}

// Query returns the n nearest chunks in one collection, nearest first. n is
// capped at the collection size.
func (r *Retriever) Query(ctx context.Context, collection string, queryVec []float64, n int) ([]Hit, error) {
	chunks, err := r.Store.Chunks(ctx, collection)
	if err != nil {
		return nil, err
	}
	if n > len(chunks) {
		n = len(chunks)
	}
	if n <= 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		sim := cosineSimilarity(queryVec, c.Embedding)
		var meta map[string]any
		if c.MetadataJSON != "" {
			_ = json.Unmarshal([]byte(c.MetadataJSON), &meta)
		}
		hits = append(hits, Hit{
			Collection: collection,
			Text:       c.Text,
			Metadata:   meta,
			Distance:   1 - sim,
			Relevance:  sim,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	return hits[:n], nil
}

// DefaultCollections is the fan-out set for GetContext.
var DefaultCollections = []string{
	index.CollectionSynthesis,
	index.CollectionFeed,
	index.CollectionThesis,
}

// GetContext embeds the query once, retrieves up to nPerCollection hits from
// each collection, and merges them into one relevance-ordered result.
func (r *Retriever) GetContext(ctx context.Context, query string, nPerCollection int, collections []string) (Result, error) {
	res := Result{Query: query, Stats: map[string]int{}}
	if len(collections) == 0 {
		collections = DefaultCollections
	}

	vec, err := r.EmbedQuery(ctx, query)
	if err != nil {
		return res, fmt.Errorf("embed query: %w", err)
	}

	for _, col := range collections {
		hits, err := r.Query(ctx, col, vec, nPerCollection)
		if err != nil {
			return res, fmt.Errorf("query %s: %w", col, err)
		}
		res.Stats[col] = len(hits)
		res.Hits = append(res.Hits, hits...)
	}

	sort.SliceStable(res.Hits, func(i, j int) bool {
		return res.Hits[i].Relevance > res.Hits[j].Relevance
	})
	return res, nil
}

// Render formats hits as labeled blocks for prompt assembly. Blocks are
// added greedily in relevance order; the first block that would exceed
// maxChars ends the output. Blocks are never split.
func Render(res Result, maxChars int) string {
	var b strings.Builder
	for _, h := range res.Hits {
		block := label(h) + "\n" + h.Text
		added := len(block)
		if b.Len() > 0 {
			added += 2
		}
		if maxChars > 0 && b.Len()+added > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(block)
	}
	return b.String()
}

func label(h Hit) string {
	switch h.Collection {
	case index.CollectionSynthesis:
		return fmt.Sprintf("[Prior synthesis: %s]", metaString(h.Metadata, "source"))
	case index.CollectionFeed:
		return fmt.Sprintf("[Feed: %s @ %s]", metaString(h.Metadata, "topic"), metaString(h.Metadata, "date"))
	case index.CollectionThesis:
		return fmt.Sprintf("[Thesis: %s]", metaString(h.Metadata, "instrument"))
	default:
		return fmt.Sprintf("[%s]", h.Collection)
	}
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return "unknown"
	}
	if v, ok := meta[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// cosineSimilarity between two vectors; zero if either has no magnitude or
// the lengths differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
