package index

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"feedpulse/internal/chunk"
	"feedpulse/internal/feed"
	"feedpulse/internal/store"
)

// Collection names. Queries fan out across all three.
const (
	CollectionSynthesis = "synthesis_outputs"
	CollectionFeed      = "feed_entries"
	CollectionThesis    = "thesis_ledger"
)

const (
	minSynthesisChars = 100
	progressEvery     = 10
)

// Embedder is the vector backend the indexer calls.
type Embedder interface {
	Ping(ctx context.Context) error
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Options select what an indexing run covers.
type Options struct {
	// Force re-embeds units whose content hash is already recorded.
	Force bool
	// Backfill widens the feed window from the default to the backfill
	// horizon. Combined with Force the window is unbounded.
	Backfill bool
	// SynthesisOnly skips the feed and thesis corpora.
	SynthesisOnly bool
}

// Result counts what a run did.
type Result struct {
	SynthesisEmbedded int `json:"synthesis_embedded"`
	FeedEmbedded      int `json:"feed_embedded"`
	ThesisEmbedded    int `json:"thesis_embedded"`
	Skipped           int `json:"skipped"`
	Errors            int `json:"errors"`
}

// Total returns the number of chunks embedded across all corpora.
func (r Result) Total() int {
	return r.SynthesisEmbedded + r.FeedEmbedded + r.ThesisEmbedded
}

// Indexer embeds the three corpora into the vector store, skipping content
// it has seen before.
type Indexer struct {
	Store    *store.Store
	Embedder Embedder
	Log      *slog.Logger

	SynthesisFiles []string
	FeedLog        string
	ThesisLedger   string

	FeedDays       int
	BackfillDays   int
	Keywords       []string
	MinFeedChars   int
	MinThesisChars int
	ChunkSize      int
	ChunkOverlap   int
}

// Run executes one indexing pass. The embedding backend is pinged first; an
// unreachable backend aborts the run instead of failing every unit one by
// one.
func (ix *Indexer) Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	if ix.Log == nil {
		ix.Log = slog.Default()
	}

	if err := ix.Embedder.Ping(ctx); err != nil {
		return res, fmt.Errorf("embedding backend check failed: %w", err)
	}

	if err := ix.embedSynthesis(ctx, opts, &res); err != nil {
		return res, err
	}
	if !opts.SynthesisOnly {
		if err := ix.embedFeed(ctx, opts, &res); err != nil {
			return res, err
		}
		if err := ix.embedThesis(ctx, opts, &res); err != nil {
			return res, err
		}
	}

	if res.Total() > 0 {
		if _, err := ix.Store.IncrCounter(ctx, "total_embedded", int64(res.Total())); err != nil {
			ix.Log.Warn("counter update failed", "error", err)
		}
	}

	ix.Log.Info("indexing complete",
		"synthesis", res.SynthesisEmbedded, "feed", res.FeedEmbedded,
		"thesis", res.ThesisEmbedded, "skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}

// embedSynthesis chunks each synthesis file and embeds the chunks. Change
// detection is per file: any edit re-embeds the whole file under a new hash.
func (ix *Indexer) embedSynthesis(ctx context.Context, opts Options, res *Result) error {
	for _, path := range ix.SynthesisFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				ix.Log.Warn("synthesis file unreadable", "path", path, "error", err)
				res.Errors++
			}
			continue
		}
		text := string(data)
		if len(text) < minSynthesisChars {
			res.Skipped++
			continue
		}

		hash := chunk.ContentHash(text)
		if !opts.Force {
			seen, err := ix.Store.HasEmbedded(ctx, CollectionSynthesis, hash)
			if err != nil {
				return err
			}
			if seen {
				res.Skipped++
				continue
			}
		}

		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		chunks := chunk.Split(text, ix.ChunkSize, ix.ChunkOverlap)
		embedded := 0
		for i, c := range chunks {
			vec, err := ix.Embedder.Embed(ctx, c)
			if err != nil {
				ix.Log.Warn("embed failed", "collection", CollectionSynthesis, "source", stem, "chunk", i, "error", err)
				res.Errors++
				continue
			}
			meta := metadata(map[string]any{
				"source": stem,
				"chunk":  i,
				"date":   time.Now().UTC().Format("2006-01-02"),
			})
			err = ix.Store.UpsertChunk(ctx, store.Chunk{
				Collection:   CollectionSynthesis,
				ID:           fmt.Sprintf("synthesis_%s_%s_%d", stem, hash, i),
				Text:         c,
				Embedding:    vec,
				MetadataJSON: meta,
			})
			if err != nil {
				return err
			}
			embedded++
			res.SynthesisEmbedded++
			if res.Total()%progressEvery == 0 {
				ix.Log.Info("indexing progress", "embedded", res.Total())
			}
		}

		// The hash is recorded even when some chunks failed; a forced run
		// is the recovery path for partial files.
		if err := ix.Store.MarkEmbedded(ctx, CollectionSynthesis, hash); err != nil {
			return err
		}
		ix.Log.Debug("synthesis file indexed", "source", stem, "chunks", embedded)
	}
	return nil
}

// embedFeed embeds recent feed entries that match the topic allowlist. Each
// entry is one chunk; entries are short by construction.
func (ix *Indexer) embedFeed(ctx context.Context, opts Options, res *Result) error {
	entries, malformed, err := feed.ReadLog(ix.FeedLog)
	if err != nil {
		return fmt.Errorf("read feed log: %w", err)
	}
	if malformed > 0 {
		ix.Log.Warn("feed log has malformed lines", "count", malformed)
	}

	// Force bypasses the date cutoff entirely; backfill widens it.
	var cutoff time.Time
	switch {
	case opts.Force:
	case opts.Backfill:
		cutoff = time.Now().AddDate(0, 0, -ix.BackfillDays)
	default:
		cutoff = time.Now().AddDate(0, 0, -ix.FeedDays)
	}

	for _, e := range entries {
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		if !ix.matchesKeywords(e) {
			continue
		}
		// Length floor and change detection key off the finding alone, so
		// a topic rename never re-embeds an unchanged finding.
		finding := strings.TrimSpace(e.Finding)
		if len(finding) < ix.MinFeedChars {
			res.Skipped++
			continue
		}
		text := fmt.Sprintf("[%s] %s", e.Topic, finding)

		hash := chunk.ContentHash(finding)
		if !opts.Force {
			seen, err := ix.Store.HasEmbedded(ctx, CollectionFeed, hash)
			if err != nil {
				return err
			}
			if seen {
				res.Skipped++
				continue
			}
		}

		vec, err := ix.Embedder.Embed(ctx, text)
		if err != nil {
			ix.Log.Warn("embed failed", "collection", CollectionFeed, "topic", e.Topic, "error", err)
			res.Errors++
			continue
		}
		meta := metadata(map[string]any{
			"topic":  e.Topic,
			"date":   e.Timestamp.UTC().Format("2006-01-02"),
			"source": e.Source,
		})
		err = ix.Store.UpsertChunk(ctx, store.Chunk{
			Collection:   CollectionFeed,
			ID:           "feed_" + hash,
			Text:         text,
			Embedding:    vec,
			MetadataJSON: meta,
		})
		if err != nil {
			return err
		}
		if err := ix.Store.MarkEmbedded(ctx, CollectionFeed, hash); err != nil {
			return err
		}
		res.FeedEmbedded++
		if res.Total()%progressEvery == 0 {
			ix.Log.Info("indexing progress", "embedded", res.Total())
		}
	}
	return nil
}

// matchesKeywords checks the allowlist against the topic plus the leading
// 200 chars of the finding.
func (ix *Indexer) matchesKeywords(e feed.Entry) bool {
	if len(ix.Keywords) == 0 {
		return true
	}
	finding := e.Finding
	if len(finding) > 200 {
		finding = finding[:200]
	}
	haystack := strings.ToLower(e.Topic + " " + finding)
	for _, kw := range ix.Keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// thesisFields defines the flattening order for ledger records. The ledger
// producer writes video_title; older records used video.
var thesisFields = []struct {
	keys  []string
	label string
}{
	{[]string{"video_title", "video"}, "Video"},
	{[]string{"thesis"}, "Thesis"},
	{[]string{"conviction"}, "Conviction"},
	{[]string{"instrument"}, "Instrument"},
	{[]string{"bias"}, "Bias"},
	{[]string{"key_levels"}, "Key levels"},
	{[]string{"cycle_position"}, "Cycle position"},
}

// embedThesis flattens each ledger record into one text unit and embeds it.
func (ix *Indexer) embedThesis(ctx context.Context, opts Options, res *Result) error {
	f, err := os.Open(ix.ThesisLedger)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open thesis ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			res.Skipped++
			continue
		}

		text := flattenThesis(record)
		if len(text) < ix.MinThesisChars {
			res.Skipped++
			continue
		}

		hash := chunk.ContentHash(text)
		if !opts.Force {
			seen, err := ix.Store.HasEmbedded(ctx, CollectionThesis, hash)
			if err != nil {
				return err
			}
			if seen {
				res.Skipped++
				continue
			}
		}

		vec, err := ix.Embedder.Embed(ctx, text)
		if err != nil {
			ix.Log.Warn("embed failed", "collection", CollectionThesis, "error", err)
			res.Errors++
			continue
		}
		meta := metadata(map[string]any{
			"instrument":  stringField(record, "instrument"),
			"video_title": firstField(record, []string{"video_title", "video"}),
		})
		err = ix.Store.UpsertChunk(ctx, store.Chunk{
			Collection:   CollectionThesis,
			ID:           "thesis_" + hash,
			Text:         text,
			Embedding:    vec,
			MetadataJSON: meta,
		})
		if err != nil {
			return err
		}
		if err := ix.Store.MarkEmbedded(ctx, CollectionThesis, hash); err != nil {
			return err
		}
		res.ThesisEmbedded++
		if res.Total()%progressEvery == 0 {
			ix.Log.Info("indexing progress", "embedded", res.Total())
		}
	}
	return scanner.Err()
}

// flattenThesis joins the known record fields into one searchable line.
func flattenThesis(record map[string]any) string {
	var parts []string
	for _, f := range thesisFields {
		v := firstField(record, f.keys)
		if v == "" {
			continue
		}
		parts = append(parts, f.label+": "+v)
	}
	return strings.Join(parts, " | ")
}

func firstField(record map[string]any, keys []string) string {
	for _, k := range keys {
		if v := stringField(record, k); v != "" {
			return v
		}
	}
	return ""
}

func stringField(record map[string]any, key string) string {
	v, ok := record[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func metadata(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
