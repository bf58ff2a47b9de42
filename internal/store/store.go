// Package store persists chunks and file metadata in SQLite paired with an
// approximate-nearest-neighbor index, keeping both consistent across
// inserts, deletes, and compactions.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nesall/rag-code-assistant/internal/chunk"
)

//go:embed schema.sql
var schemaSQL string

// None marks a transient result with no underlying chunk row.
const None uint64 = math.MaxUint64

var (
	// ErrDimensionMismatch is returned when a vector's length differs
	// from the configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNotFound is returned when a chunk id resolves to no row.
	ErrNotFound = errors.New("chunk not found")
	// ErrCapacity is returned when the index would exceed max_elements.
	ErrCapacity = errors.New("vector index capacity exceeded")
)

// SearchResult is one ranked retrieval hit.
type SearchResult struct {
	Content         string  `json:"content"`
	SourceID        string  `json:"source_id"`
	ChunkUnit       string  `json:"chunk_unit"`
	ChunkType       string  `json:"chunk_type"`
	ChunkID         uint64  `json:"chunk_id"`
	Start           int     `json:"start_pos"`
	End             int     `json:"end_pos"`
	SimilarityScore float32 `json:"similarity_score"`
}

// FileMetadata is one tracked source file.
type FileMetadata struct {
	Path         string `json:"path"`
	LastModified int64  `json:"lastModified"`
	FileSize     int64  `json:"size"`
}

// SourceCount is the per-source chunk total.
type SourceCount struct {
	SourceID string `json:"source_id"`
	Chunks   int    `json:"chunks"`
}

// Stats summarizes the database and index state.
type Stats struct {
	TotalChunks  int           `json:"total_chunks"`
	VectorCount  int           `json:"vector_count"`
	DeletedCount int           `json:"deleted_count"`
	ActiveCount  int           `json:"active_count"`
	Sources      []SourceCount `json:"sources"`
}

// Options configures Open.
type Options struct {
	SQLitePath  string
	IndexPath   string
	VectorDim   int
	MaxElements int
	Metric      Metric
}

// Store is the hybrid vector store. All public methods are safe for
// concurrent use; a single mutex serializes writers and gives readers a
// consistent snapshot.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	index *hnswIndex
	opts  Options
}

// Open opens (or creates) the SQLite database and loads the ANN index.
// A corrupt or mismatched index file is discarded with a warning; the user
// can rebuild with the embed command.
func Open(opts Options) (*Store, error) {
	if opts.VectorDim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive")
	}
	if opts.Metric == "" {
		opts.Metric = MetricL2
	}
	if opts.MaxElements <= 0 {
		opts.MaxElements = 100000
	}

	if dir := filepath.Dir(opts.SQLitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", opts.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	index, err := loadHNSWIndex(opts.IndexPath, opts.VectorDim, opts.Metric)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("failed to load vector index %s: %v (creating new index)", opts.IndexPath, err)
		}
		index = newHNSWIndex(opts.VectorDim, opts.Metric)
	} else {
		total, _, _ := index.counts()
		log.Printf("loaded existing vector index with %d vectors", total)
	}

	s := &Store{db: db, index: index, opts: opts}
	if err := s.reconcile(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// reconcile is the startup sanity pass: vectors with no backing row are
// tombstoned, rows with no vector are reported.
func (s *Store) reconcile() error {
	rows, err := s.db.Query("SELECT id FROM chunks")
	if err != nil {
		return fmt.Errorf("list chunk ids: %w", err)
	}
	defer rows.Close()

	live := make(map[uint64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan chunk id: %w", err)
		}
		live[uint64(id)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate chunk ids: %w", err)
	}

	orphanVectors := 0
	for id := range s.index.vectors {
		if _, ok := live[id]; !ok {
			if s.index.markDeleted(id) {
				orphanVectors++
			}
		}
	}
	missingVectors := 0
	for id := range live {
		if s.index.vector(id) == nil {
			missingVectors++
		}
	}
	if orphanVectors > 0 {
		log.Printf("reconcile: tombstoned %d vectors with no chunk row", orphanVectors)
	}
	if missingVectors > 0 {
		log.Printf("reconcile: %d chunk rows have no vector (re-run embed to restore)", missingVectors)
	}
	return nil
}

// Close closes the SQLite handle. The index is only written by Persist.
func (s *Store) Close() error {
	return s.db.Close()
}

// pendingVec is an index addition staged until the SQL transaction
// commits.
type pendingVec struct {
	id  uint64
	vec []float32
}

// Txn groups store mutations into one atomic unit: the SQL side runs in a
// real transaction, index mutations are staged and applied only after the
// commit succeeds.
type Txn struct {
	s          *Store
	tx         *sql.Tx
	adds       []pendingVec
	tombstones []uint64
}

// WithTransaction runs fn inside a transaction. Any error from fn rolls
// everything back; nothing becomes visible to readers until commit.
func (s *Store) WithTransaction(ctx context.Context, fn func(*Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txn := &Txn{s: s, tx: tx}

	if err := fn(txn); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, id := range txn.tombstones {
		s.index.markDeleted(id)
	}
	for _, pv := range txn.adds {
		s.index.add(pv.id, pv.vec)
	}
	return nil
}

// AddDocument inserts one chunk with its embedding and returns the
// assigned chunk id.
func (t *Txn) AddDocument(ctx context.Context, ch chunk.Chunk, embedding []float32) (uint64, error) {
	if len(embedding) != t.s.opts.VectorDim {
		return 0, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(embedding), t.s.opts.VectorDim)
	}
	total, _, _ := t.s.index.counts()
	if total+len(t.adds) >= t.s.opts.MaxElements {
		return 0, ErrCapacity
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO chunks (content, source_id, start_pos, end_pos, token_count, unit, chunk_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.Text, ch.DocURI, ch.Meta.Start, ch.Meta.End, ch.Meta.TokenCount,
		string(ch.Meta.Unit), string(ch.Meta.Type))
	if err != nil {
		return 0, fmt.Errorf("insert chunk: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("chunk id: %w", err)
	}

	// Best-effort metadata upsert; URL sources and synthetic uris have no
	// stat to read.
	mtime, size := int64(0), int64(len(ch.Raw))
	if info, serr := os.Stat(filepath.FromSlash(ch.DocURI)); serr == nil {
		mtime, size = info.ModTime().Unix(), info.Size()
	}
	if err := t.UpsertFileMetadata(ctx, ch.DocURI, mtime, size); err != nil {
		return 0, err
	}

	t.adds = append(t.adds, pendingVec{uint64(id), embedding})
	return uint64(id), nil
}

// DeleteDocumentsBySource removes all chunks for uri and tombstones their
// vectors. Returns the number of chunks removed.
func (t *Txn) DeleteDocumentsBySource(ctx context.Context, uri string) (int, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT id FROM chunks WHERE source_id = ?", uri)
	if err != nil {
		return 0, fmt.Errorf("select chunks: %w", err)
	}
	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, uint64(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate chunks: %w", err)
	}
	rows.Close()

	if _, err := t.tx.ExecContext(ctx, "DELETE FROM chunks WHERE source_id = ?", uri); err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	t.tombstones = append(t.tombstones, ids...)
	return len(ids), nil
}

// UpsertFileMetadata records or refreshes the tracked-file row for path.
func (t *Txn) UpsertFileMetadata(ctx context.Context, path string, mtime, size int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO files_metadata (path, last_modified, file_size)
		VALUES (?, ?, ?)`, path, mtime, size)
	if err != nil {
		return fmt.Errorf("upsert file metadata: %w", err)
	}
	return nil
}

// RemoveFileMetadata drops the tracked-file row for path.
func (t *Txn) RemoveFileMetadata(ctx context.Context, path string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM files_metadata WHERE path = ?", path); err != nil {
		return fmt.Errorf("remove file metadata: %w", err)
	}
	return nil
}

// AddDocument inserts a single chunk in its own transaction.
func (s *Store) AddDocument(ctx context.Context, ch chunk.Chunk, embedding []float32) (uint64, error) {
	var id uint64
	err := s.WithTransaction(ctx, func(t *Txn) error {
		var err error
		id, err = t.AddDocument(ctx, ch, embedding)
		return err
	})
	return id, err
}

// AddDocuments inserts a batch atomically; on any failure no chunk and no
// vector is persisted. Chunk ids follow input order.
func (s *Store) AddDocuments(ctx context.Context, chunks []chunk.Chunk, embeddings [][]float32) ([]uint64, error) {
	if len(chunks) != len(embeddings) {
		return nil, fmt.Errorf("chunks and embeddings count mismatch: %d vs %d", len(chunks), len(embeddings))
	}
	for i, emb := range embeddings {
		if len(emb) != s.opts.VectorDim {
			return nil, fmt.Errorf("%w: chunk %d: got %d, expected %d", ErrDimensionMismatch, i, len(emb), s.opts.VectorDim)
		}
	}

	ids := make([]uint64, 0, len(chunks))
	err := s.WithTransaction(ctx, func(t *Txn) error {
		for i := range chunks {
			id, err := t.AddDocument(ctx, chunks[i], embeddings[i])
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteDocumentsBySource removes all chunks for uri in one transaction.
func (s *Store) DeleteDocumentsBySource(ctx context.Context, uri string) (int, error) {
	var n int
	err := s.WithTransaction(ctx, func(t *Txn) error {
		var err error
		n, err = t.DeleteDocumentsBySource(ctx, uri)
		return err
	})
	return n, err
}

// UpsertFileMetadata records a tracked file outside a batch transaction.
func (s *Store) UpsertFileMetadata(ctx context.Context, path string, mtime, size int64) error {
	return s.WithTransaction(ctx, func(t *Txn) error {
		return t.UpsertFileMetadata(ctx, path, mtime, size)
	})
}

// RemoveFileMetadata drops a tracked file outside a batch transaction.
func (s *Store) RemoveFileMetadata(ctx context.Context, path string) error {
	return s.WithTransaction(ctx, func(t *Txn) error {
		return t.RemoveFileMetadata(ctx, path)
	})
}

// similarity maps a raw distance to a score where higher is better.
func (s *Store) similarity(dist float32) float32 {
	if s.opts.Metric == MetricCosine {
		return 1 - dist
	}
	return 1 / (1 + dist)
}

// Search returns up to k results ordered by descending similarity. Labels
// whose row has vanished are dropped.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if len(query) != s.opts.VectorDim {
		return nil, fmt.Errorf("%w: query has %d, expected %d", ErrDimensionMismatch, len(query), s.opts.VectorDim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _, active := s.index.counts()
	if active == 0 {
		return nil, nil
	}

	candidates := s.index.search(query, k)
	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		sr, err := s.getChunkLocked(ctx, c.id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sr.SimilarityScore = s.similarity(c.dist)
		results = append(results, sr)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
	return results, nil
}

// SearchWithFilter searches 2k candidates and post-filters by source
// substring and exact chunk type, truncating to k.
func (s *Store) SearchWithFilter(ctx context.Context, query []float32, sourceSubstr, chunkType string, k int) ([]SearchResult, error) {
	results, err := s.Search(ctx, query, 2*k)
	if err != nil {
		return nil, err
	}
	filtered := make([]SearchResult, 0, k)
	for _, r := range results {
		if sourceSubstr != "" && !strings.Contains(r.SourceID, sourceSubstr) {
			continue
		}
		if chunkType != "" && r.ChunkType != chunkType {
			continue
		}
		filtered = append(filtered, r)
		if len(filtered) == k {
			break
		}
	}
	return filtered, nil
}

// GetChunk looks up a single chunk row by id.
func (s *Store) GetChunk(ctx context.Context, id uint64) (SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getChunkLocked(ctx, id)
}

func (s *Store) getChunkLocked(ctx context.Context, id uint64) (SearchResult, error) {
	var sr SearchResult
	sr.ChunkID = id
	err := s.db.QueryRowContext(ctx, `
		SELECT content, source_id, start_pos, end_pos, unit, chunk_type
		FROM chunks WHERE id = ?`, int64(id)).Scan(
		&sr.Content, &sr.SourceID, &sr.Start, &sr.End, &sr.ChunkUnit, &sr.ChunkType)
	if errors.Is(err, sql.ErrNoRows) {
		return sr, fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return sr, fmt.Errorf("fetch chunk %d: %w", id, err)
	}
	return sr, nil
}

// GetTrackedFiles lists the tracked-file table.
func (s *Store) GetTrackedFiles(ctx context.Context) ([]FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT path, last_modified, file_size FROM files_metadata ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("list tracked files: %w", err)
	}
	defer rows.Close()

	var files []FileMetadata
	for rows.Next() {
		var f FileMetadata
		if err := rows.Scan(&f.Path, &f.LastModified, &f.FileSize); err != nil {
			return nil, fmt.Errorf("scan tracked file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Stats returns totals and the per-source breakdown.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&stats.TotalChunks); err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT source_id, COUNT(*) FROM chunks GROUP BY source_id ORDER BY source_id")
	if err != nil {
		return nil, fmt.Errorf("count sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.SourceID, &sc.Chunks); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		stats.Sources = append(stats.Sources, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	total, deleted, active := s.index.counts()
	stats.VectorCount = total
	stats.DeletedCount = deleted
	stats.ActiveCount = active
	return stats, nil
}

// Clear removes every chunk, every tracked file, and the whole index.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM files_metadata"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear file metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}

	s.index = newHNSWIndex(s.opts.VectorDim, s.opts.Metric)
	return nil
}

// Compact rebuilds the index from live rows, discarding tombstones, and
// swaps it in atomically. The relational side is untouched.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM chunks ORDER BY id")
	if err != nil {
		return fmt.Errorf("list chunk ids: %w", err)
	}
	defer rows.Close()

	fresh := newHNSWIndex(s.opts.VectorDim, s.opts.Metric)
	missing := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan chunk id: %w", err)
		}
		vec := s.index.vector(uint64(id))
		if vec == nil {
			missing++
			continue
		}
		fresh.add(uint64(id), vec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate chunk ids: %w", err)
	}
	if missing > 0 {
		log.Printf("compact: %d chunk rows had no vector and were skipped", missing)
	}

	s.index = fresh
	return nil
}

// Persist flushes the index file to disk. Relational writes flush per
// transaction already.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.IndexPath == "" {
		return nil
	}
	if err := s.index.save(s.opts.IndexPath); err != nil {
		return fmt.Errorf("persist vector index: %w", err)
	}
	return nil
}
