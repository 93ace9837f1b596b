package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DefaultNotifiedCap bounds the notified_insights table.
const DefaultNotifiedCap = 500

// Store is the SQLite-backed vector store plus the small bits of run state
// that ride along with it (embed hashes, counters, notified insights).
type Store struct {
	db          *sql.DB
	notifiedCap int
}

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Pragmas for performance + concurrency.
	// WAL allows concurrent readers while a writer is active.
	// busy_timeout reduces SQLITE_BUSY errors under contention.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, notifiedCap: DefaultNotifiedCap}, nil
}

// SetNotifiedCap overrides the notified_insights retention bound.
func (s *Store) SetNotifiedCap(n int) {
	if n > 0 {
		s.notifiedCap = n
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Chunk is one embedded unit of text.
type Chunk struct {
	Collection   string
	ID           string
	Text         string
	Embedding    []float64
	MetadataJSON string
}

// EnsureCollection registers a collection name. Safe to call repeatedly.
func (s *Store) EnsureCollection(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, created_at) VALUES (?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	return nil
}

// UpsertChunk inserts or replaces a chunk by (collection, id). Re-embedding
// the same id is idempotent on row count.
func (s *Store) UpsertChunk(ctx context.Context, c Chunk) error {
	if err := s.EnsureCollection(ctx, c.Collection); err != nil {
		return err
	}
	meta := c.MetadataJSON
	if meta == "" {
		meta = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (collection, id, text, embedding, dimension, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET
		   text = excluded.text,
		   embedding = excluded.embedding,
		   dimension = excluded.dimension,
		   metadata_json = excluded.metadata_json`,
		c.Collection, c.ID, c.Text, encodeVector(c.Embedding), len(c.Embedding), meta, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert chunk %s/%s: %w", c.Collection, c.ID, err)
	}
	return nil
}

// Count returns the number of chunks in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	query, args, err := sq.Select("COUNT(*)").
		From("chunks").
		Where(sq.Eq{"collection": collection}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Chunks loads every chunk in a collection, embeddings decoded. Query-time
// scoring scans the whole collection; corpora here are thousands of rows,
// not millions.
func (s *Store) Chunks(ctx context.Context, collection string) ([]Chunk, error) {
	query, args, err := sq.Select("id", "text", "embedding", "dimension", "metadata_json").
		From("chunks").
		Where(sq.Eq{"collection": collection}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks %s: %w", collection, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c := Chunk{Collection: collection}
		var blob []byte
		var dim int
		if err := rows.Scan(&c.ID, &c.Text, &blob, &dim, &c.MetadataJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s/%s: %w", collection, c.ID, err)
		}
		if len(vec) != dim {
			return nil, fmt.Errorf("chunk %s/%s: dimension %d does not match blob length %d", collection, c.ID, dim, len(vec))
		}
		c.Embedding = vec
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// HasEmbedded reports whether a content hash was already embedded for the
// given corpus.
func (s *Store) HasEmbedded(ctx context.Context, corpus, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM embed_state WHERE corpus = ? AND content_hash = ?`,
		corpus, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check embed state: %w", err)
	}
	return true, nil
}

// MarkEmbedded records a content hash as embedded. The state is grow-only.
func (s *Store) MarkEmbedded(ctx context.Context, corpus, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embed_state (corpus, content_hash, embedded_at) VALUES (?, ?, ?)
		 ON CONFLICT(corpus, content_hash) DO NOTHING`,
		corpus, hash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark embedded: %w", err)
	}
	return nil
}

// NotifiedContains reports whether an insight hash was already recorded.
func (s *Store) NotifiedContains(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notified_insights WHERE hash = ?`, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check notified: %w", err)
	}
	return true, nil
}

// NotifiedRecord stores an insight hash and prunes the oldest rows beyond
// the retention cap.
func (s *Store) NotifiedRecord(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notified_insights (hash, recorded_at) VALUES (?, ?)
		 ON CONFLICT(hash) DO UPDATE SET recorded_at = excluded.recorded_at`,
		hash, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("record notified: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM notified_insights WHERE hash NOT IN (
		   SELECT hash FROM notified_insights ORDER BY recorded_at DESC LIMIT ?
		 )`, s.notifiedCap)
	if err != nil {
		return fmt.Errorf("prune notified: %w", err)
	}
	return nil
}

// IncrCounter bumps a named run counter by delta and returns the new value.
func (s *Store) IncrCounter(ctx context.Context, name string, delta int64) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_counters (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   value = value + excluded.value,
		   updated_at = excluded.updated_at`,
		name, delta, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("bump counter %s: %w", name, err)
	}
	var v int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT value FROM run_counters WHERE name = ?`, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return v, nil
}

// Counters returns all run counters.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	query, args, err := sq.Select("name", "value").From("run_counters").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var name string
		var v int64
		if err := rows.Scan(&name, &v); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out[name] = v
	}
	return out, rows.Err()
}

// encodeVector packs a float64 slice as a little-endian blob.
func encodeVector(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian blob into a float64 slice.
func decodeVector(blob []byte) ([]float64, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 8", len(blob))
	}
	vec := make([]float64, len(blob)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[i*8:]))
	}
	return vec, nil
}
