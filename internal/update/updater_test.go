package update

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nesall/rag-code-assistant/internal/chunk"
	"github.com/nesall/rag-code-assistant/internal/config"
	"github.com/nesall/rag-code-assistant/internal/infer"
	"github.com/nesall/rag-code-assistant/internal/source"
	"github.com/nesall/rag-code-assistant/internal/store"
	"github.com/nesall/rag-code-assistant/internal/token"
)

// wordDims maps test vocabulary onto a 4-d one-hot-ish embedding space.
var wordDims = map[string]int{
	"alpha": 0, "beta": 1, "gamma": 2, "omega": 2,
	"delta": 3, "epsilon": 1, "zeta": 3,
}

// stubEmbedding produces a deterministic normalized 4-d vector per text.
func stubEmbedding(text string) []float32 {
	v := make([]float32, 4)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,:;!?")
		dim, ok := wordDims[w]
		if !ok {
			dim = len(w) % 4
		}
		v[dim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

// stubEmbedServer speaks the {"content": [...]} embedding protocol.
func stubEmbedServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content []string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Content) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		resp := []map[string]any{
			{"embedding": [][]float32{stubEmbedding(req.Content[0])}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

type testEnv struct {
	dir      string
	store    *store.Store
	updater  *Updater
	chunker  *chunk.Chunker
	embedder *infer.EmbeddingClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	server := stubEmbedServer(t)
	t.Cleanup(server.Close)

	st, err := store.Open(store.Options{
		SQLitePath:  filepath.Join(dir, "rag.db"),
		IndexPath:   filepath.Join(dir, "rag.index"),
		VectorDim:   4,
		MaxElements: 1000,
		Metric:      store.MetricL2,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Files: config.FilesConfig{MaxFileSizeMb: 1},
		Sources: []config.SourceItem{{
			Type:       "directory",
			Path:       srcDir,
			Recursive:  true,
			Extensions: []string{".md"},
		}},
	}
	collector := source.NewCollector(cfg)

	chunker := chunk.New(token.NewCounter(""), chunk.Config{
		MinTokens: 1, MaxTokens: 100, OverlapRatio: 0,
	})
	embedder := infer.NewEmbeddingClient(server.URL, "", "", 5000)
	updater := NewUpdater(st, collector, chunker, embedder, Config{BatchSize: 4, Semantic: true})

	return &testEnv{dir: dir, store: st, updater: updater, chunker: chunker, embedder: embedder}
}

func (e *testEnv) writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, "src", name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return filepath.ToSlash(path)
}

func (e *testEnv) search(t *testing.T, query string, k int) []store.SearchResult {
	t.Helper()
	emb, err := e.embedder.Embed(context.Background(), query)
	if err != nil {
		t.Fatal(err)
	}
	results, err := e.store.Search(context.Background(), emb, k)
	if err != nil {
		t.Fatal(err)
	}
	return results
}

func trackedPaths(t *testing.T, st *store.Store) []string {
	t.Helper()
	files, err := st.GetTrackedFiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths
}

func TestEmbedAndBasicSearch(t *testing.T) {
	env := newTestEnv(t)
	f1 := env.writeSource(t, "file1.md", "alpha beta gamma")
	env.writeSource(t, "file2.md", "delta epsilon zeta")

	n, err := env.updater.Update(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("processed %d files, want 2", n)
	}

	paths := trackedPaths(t, env.store)
	if len(paths) != 2 {
		t.Fatalf("tracked files = %v", paths)
	}

	results := env.search(t, "alpha", 1)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].SourceID != f1 {
		t.Errorf("top source = %s, want %s", results[0].SourceID, f1)
	}
	if results[0].SimilarityScore < 0.5 {
		t.Errorf("similarity = %f, want >= 0.5", results[0].SimilarityScore)
	}
}

func TestUpdateAfterModification(t *testing.T) {
	env := newTestEnv(t)
	f1 := env.writeSource(t, "file1.md", "alpha beta gamma")
	env.writeSource(t, "file2.md", "delta epsilon zeta")

	ctx := context.Background()
	if _, err := env.updater.Update(ctx); err != nil {
		t.Fatal(err)
	}
	before, _ := env.store.Stats(ctx)

	// Ensure the mtime visibly differs even on coarse filesystems.
	time.Sleep(10 * time.Millisecond)
	env.writeSource(t, "file1.md", "alpha beta omega")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.FromSlash(f1), past, past); err != nil {
		t.Fatal(err)
	}

	info, err := env.updater.DetectChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Modified) != 1 || info.Modified[0] != f1 {
		t.Fatalf("modified = %v, want [%s]", info.Modified, f1)
	}

	if _, err := env.updater.Apply(ctx, info); err != nil {
		t.Fatal(err)
	}

	after, _ := env.store.Stats(ctx)
	if after.ActiveCount != before.ActiveCount {
		t.Errorf("active count changed: %d -> %d", before.ActiveCount, after.ActiveCount)
	}

	results := env.search(t, "omega", 1)
	if len(results) != 1 || results[0].SourceID != f1 {
		t.Errorf("search(omega) = %+v, want %s", results, f1)
	}
}

func TestUpdateDetectsDeletion(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "file1.md", "alpha beta gamma")
	f2 := env.writeSource(t, "file2.md", "delta epsilon zeta")

	ctx := context.Background()
	if _, err := env.updater.Update(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.FromSlash(f2)); err != nil {
		t.Fatal(err)
	}

	info, err := env.updater.DetectChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Deleted) != 1 || info.Deleted[0] != f2 {
		t.Fatalf("deleted = %v, want [%s]", info.Deleted, f2)
	}
	if _, err := env.updater.Apply(ctx, info); err != nil {
		t.Fatal(err)
	}

	for _, p := range trackedPaths(t, env.store) {
		if p == f2 {
			t.Errorf("deleted file still tracked")
		}
	}
	for _, r := range env.search(t, "zeta", 3) {
		if r.SourceID == f2 {
			t.Errorf("deleted file's chunk returned: %+v", r)
		}
	}
}

func TestCompactAfterDeletion(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "file1.md", "alpha beta gamma")
	f2 := env.writeSource(t, "file2.md", "delta epsilon zeta")

	ctx := context.Background()
	if _, err := env.updater.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.FromSlash(f2)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.updater.Update(ctx); err != nil {
		t.Fatal(err)
	}

	stats, _ := env.store.Stats(ctx)
	if stats.DeletedCount == 0 {
		t.Fatal("expected tombstones after deletion")
	}

	if err := env.store.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ = env.store.Stats(ctx)
	if stats.DeletedCount != 0 {
		t.Errorf("deleted count = %d after compact", stats.DeletedCount)
	}
	if stats.VectorCount != stats.ActiveCount {
		t.Errorf("vector count %d != active count %d", stats.VectorCount, stats.ActiveCount)
	}
}

func TestUnchangedFilesSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "file1.md", "alpha beta gamma")

	ctx := context.Background()
	if _, err := env.updater.Update(ctx); err != nil {
		t.Fatal(err)
	}

	info, err := env.updater.DetectChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Total() != 0 {
		t.Errorf("expected no pending changes, got %+v", info)
	}
	if len(info.Unchanged) != 1 {
		t.Errorf("unchanged = %v", info.Unchanged)
	}
}

func TestWatchCancelsWithinASecond(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.updater.Watch(ctx, time.Hour)
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("watch returned %v, want context.Canceled", err)
		}
		if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
			t.Errorf("watch took %s to observe cancellation", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not exit after cancellation")
	}
}
