// Package update reconciles the tracked-file set with the filesystem and
// keeps the vector store current.
package update

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nesall/rag-code-assistant/internal/chunk"
	"github.com/nesall/rag-code-assistant/internal/infer"
	"github.com/nesall/rag-code-assistant/internal/source"
	"github.com/nesall/rag-code-assistant/internal/store"
)

// UpdateInfo classifies the current source set against the tracked files.
type UpdateInfo struct {
	New       []string
	Modified  []string
	Unchanged []string
	Deleted   []string

	stats map[string]source.FileStat
}

// Total returns the number of files that need work.
func (i *UpdateInfo) Total() int {
	return len(i.New) + len(i.Modified) + len(i.Deleted)
}

// Config holds updater settings.
type Config struct {
	BatchSize     int
	Semantic      bool
	PrependPhrase string
}

// Updater drives incremental re-embedding.
type Updater struct {
	store     *store.Store
	collector *source.Collector
	chunker   *chunk.Chunker
	embedder  *infer.EmbeddingClient
	cfg       Config
}

// NewUpdater wires the updater to its collaborators.
func NewUpdater(st *store.Store, col *source.Collector, ch *chunk.Chunker, emb *infer.EmbeddingClient, cfg Config) *Updater {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	return &Updater{store: st, collector: col, chunker: ch, embedder: emb, cfg: cfg}
}

// DetectChanges joins the current source set against the tracked-file
// table. A file is modified when its mtime or size differs; tracked paths
// absent from the current set are deleted. URL sources report unknown
// size and are treated as unchanged while still configured.
func (u *Updater) DetectChanges(ctx context.Context) (*UpdateInfo, error) {
	current := u.collector.Stat(ctx)
	tracked, err := u.store.GetTrackedFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracked files: %w", err)
	}

	trackedByPath := make(map[string]store.FileMetadata, len(tracked))
	for _, f := range tracked {
		trackedByPath[f.Path] = f
	}

	info := &UpdateInfo{stats: make(map[string]source.FileStat, len(current))}
	seen := make(map[string]struct{}, len(current))

	for _, fs := range current {
		seen[fs.URI] = struct{}{}
		info.stats[fs.URI] = fs

		prev, ok := trackedByPath[fs.URI]
		switch {
		case !ok:
			info.New = append(info.New, fs.URI)
		case fs.IsURL:
			info.Unchanged = append(info.Unchanged, fs.URI)
		case prev.LastModified != fs.ModTime.Unix() || prev.FileSize != fs.Size:
			info.Modified = append(info.Modified, fs.URI)
		default:
			info.Unchanged = append(info.Unchanged, fs.URI)
		}
	}

	for _, f := range tracked {
		if _, ok := seen[f.Path]; !ok {
			info.Deleted = append(info.Deleted, f.Path)
		}
	}
	return info, nil
}

// Apply executes the three update phases. Deletions run in one
// transaction; each modified or new file runs in its own, and a failing
// file is rolled back and skipped without stopping the pass. Returns the
// number of files processed.
func (u *Updater) Apply(ctx context.Context, info *UpdateInfo) (int, error) {
	processed := 0

	if len(info.Deleted) > 0 {
		err := u.store.WithTransaction(ctx, func(t *store.Txn) error {
			for _, uri := range info.Deleted {
				if _, err := t.DeleteDocumentsBySource(ctx, uri); err != nil {
					return err
				}
				if err := t.RemoveFileMetadata(ctx, uri); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return processed, fmt.Errorf("delete phase: %w", err)
		}
		processed += len(info.Deleted)
	}

	for _, uri := range info.Modified {
		if err := u.reembedFile(ctx, uri, info.stats[uri], true); err != nil {
			log.Printf("update: %s failed: %v (skipped)", uri, err)
			continue
		}
		processed++
	}

	for _, uri := range info.New {
		if err := u.reembedFile(ctx, uri, info.stats[uri], false); err != nil {
			log.Printf("update: %s failed: %v (skipped)", uri, err)
			continue
		}
		processed++
	}

	if processed > 0 {
		if err := u.store.Persist(); err != nil {
			return processed, err
		}
	}

	log.Printf("update: %d new, %d modified, %d deleted, %d unchanged",
		len(info.New), len(info.Modified), len(info.Deleted), len(info.Unchanged))
	return processed, nil
}

// Update runs one detect-and-apply pass.
func (u *Updater) Update(ctx context.Context) (int, error) {
	info, err := u.DetectChanges(ctx)
	if err != nil {
		return 0, err
	}
	if info.Total() == 0 {
		return 0, nil
	}
	return u.Apply(ctx, info)
}

// reembedFile chunks and embeds one source, then swaps its chunks in a
// single transaction. Embeddings are fetched before the transaction opens
// so the store lock is not held across network calls.
func (u *Updater) reembedFile(ctx context.Context, uri string, fs source.FileStat, replace bool) error {
	entry, err := u.collector.Fetch(ctx, uri)
	if err != nil {
		return err
	}

	chunks := u.chunker.Chunk(entry.Content, uri, u.cfg.Semantic)
	embeddings, err := u.EmbedChunks(ctx, chunks)
	if err != nil {
		return err
	}

	return u.store.WithTransaction(ctx, func(t *store.Txn) error {
		if replace {
			if _, err := t.DeleteDocumentsBySource(ctx, uri); err != nil {
				return err
			}
		}
		for i := range chunks {
			if _, err := t.AddDocument(ctx, chunks[i], embeddings[i]); err != nil {
				return err
			}
		}
		mtime := fs.ModTime.Unix()
		size := fs.Size
		if fs.IsURL || size < 0 {
			mtime, size = 0, int64(len(entry.Content))
		}
		return t.UpsertFileMetadata(ctx, uri, mtime, size)
	})
}

// EmbedChunks embeds chunk texts in configured batch sizes, preserving
// input order.
func (u *Updater) EmbedChunks(ctx context.Context, chunks []chunk.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = chunk.CleanForEmbedding(ch.Text, u.cfg.PrependPhrase)
	}

	embeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += u.cfg.BatchSize {
		end := i + u.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := u.embedder.EmbedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		embeddings = append(embeddings, batch...)
	}
	return embeddings, nil
}

// Watch polls for changes every interval until ctx is cancelled. The wait
// runs in one-second slices so cancellation is observed within a second.
func (u *Updater) Watch(ctx context.Context, interval time.Duration) error {
	log.Printf("watch: background monitoring started (interval %s)", interval)
	defer log.Printf("watch: background monitoring stopped")

	for {
		if err := sleepSliced(ctx, interval); err != nil {
			return err
		}
		if n, err := u.Update(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("watch: update failed: %v", err)
		} else if n > 0 {
			log.Printf("watch: update completed, %d files processed", n)
		}
	}
}

// sleepSliced waits for d in one-second slices, returning early when ctx
// is cancelled.
func sleepSliced(ctx context.Context, d time.Duration) error {
	slice := time.Second
	for waited := time.Duration(0); waited < d; waited += slice {
		remaining := d - waited
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slice):
		}
	}
	return nil
}
