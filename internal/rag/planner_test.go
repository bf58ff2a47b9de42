package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nesall/rag-code-assistant/internal/chunk"
	"github.com/nesall/rag-code-assistant/internal/config"
	"github.com/nesall/rag-code-assistant/internal/infer"
	"github.com/nesall/rag-code-assistant/internal/source"
	"github.com/nesall/rag-code-assistant/internal/store"
	"github.com/nesall/rag-code-assistant/internal/token"
)

var wordDims = map[string]int{
	"alpha": 0, "beta": 1, "gamma": 2,
	"delta": 3, "epsilon": 1, "zeta": 3,
}

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

// fakeCompletionServer streams the provided deltas in OpenAI SSE framing.
func fakeCompletionServer(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			frame := map[string]any{
				"choices": []map[string]any{
					{"delta": map[string]string{"content": d}},
				},
			}
			raw, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

type plannerEnv struct {
	planner *Planner
	store   *store.Store
	files   map[string]string // logical name -> uri
}

// newPlannerEnv builds a corpus of three files plus a related file for
// file1, embedded with the deterministic stub.
func newPlannerEnv(t *testing.T, opts Options, completionURL string) *plannerEnv {
	t.Helper()
	dir := t.TempDir()

	embedSrv := stubEmbedServer(t)
	t.Cleanup(embedSrv.Close)

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

	contents := map[string]string{
		"file1.md":       "alpha beta gamma",
		"file1_notes.md": "abc abc abc",
		"file2.md":       "delta epsilon zeta",
		"file3.md":       "unrelated words here",
	}
	files := make(map[string]string)
	ctx := context.Background()
	for name, content := range contents {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		uri := filepath.ToSlash(path)
		files[name] = uri

		ch := chunk.Chunk{
			DocURI: uri,
			Text:   content,
			Raw:    content,
			Meta: chunk.Meta{
				TokenCount: len(strings.Fields(content)),
				Start:      0,
				End:        len(content),
				Unit:       chunk.UnitChar,
				Type:       chunk.TypeText,
			},
		}
		if _, err := st.AddDocument(ctx, ch, stubEmbedding(content)); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &config.Config{
		Files: config.FilesConfig{MaxFileSizeMb: 1},
		Sources: []config.SourceItem{{
			Type: "directory", Path: dir, Recursive: true, Extensions: []string{".md"},
		}},
	}
	collector := source.NewCollector(cfg)
	chunker := chunk.New(token.NewCounter(""), chunk.Config{MinTokens: 1, MaxTokens: 100})
	embedder := infer.NewEmbeddingClient(embedSrv.URL, "", "", 5000)

	if completionURL == "" {
		completionURL = "http://127.0.0.1:1/v1"
	}
	completion := infer.NewCompletionClient(completionURL, "", "test-model", 5000)

	planner := NewPlanner(st, chunker, embedder, completion, collector, opts)
	return &plannerEnv{planner: planner, store: st, files: files}
}

func userRequest(question string) *ChatRequest {
	return &ChatRequest{
		Messages: []infer.Message{{Role: "user", Content: question}},
	}
}

func TestBuildContextRejectsBadRequests(t *testing.T) {
	env := newPlannerEnv(t, Options{}, "")
	ctx := context.Background()

	if _, err := env.planner.BuildContext(ctx, &ChatRequest{}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("empty messages: got %v", err)
	}

	req := &ChatRequest{Messages: []infer.Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "a"},
	}}
	if _, err := env.planner.BuildContext(ctx, req); !errors.Is(err, ErrBadRequest) {
		t.Errorf("non-user last message: got %v", err)
	}
}

func TestBuildContextOrdering(t *testing.T) {
	env := newPlannerEnv(t, Options{
		EmbeddingTopK:       3,
		MaxFullSources:      1,
		MaxRelatedPerSource: 3,
		MaxChunks:           3,
	}, "")

	results, err := env.planner.BuildContext(context.Background(), userRequest("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected truncation to 3 entries, got %d", len(results))
	}

	// Entry 0: full content of the top-ranked source.
	if results[0].SourceID != env.files["file1.md"] {
		t.Errorf("first entry = %s, want full file1.md", results[0].SourceID)
	}
	if results[0].Content != "alpha beta gamma" {
		t.Errorf("first entry content = %q", results[0].Content)
	}
	if results[0].ChunkID != store.None {
		t.Errorf("full source must carry the NONE chunk id")
	}

	// Entry 1: the related source, surfaced via the filename-stem rule.
	if results[1].SourceID != env.files["file1_notes.md"] {
		t.Errorf("second entry = %s, want related file1_notes.md", results[1].SourceID)
	}
	if results[1].ChunkID != store.None {
		t.Errorf("related source must carry the NONE chunk id")
	}

	// Entry 2: a surviving filtered chunk from another source.
	if results[2].ChunkID == store.None {
		t.Errorf("third entry should be a stored chunk, got %+v", results[2])
	}
	covered := map[string]bool{
		env.files["file1.md"]:       true,
		env.files["file1_notes.md"]: true,
	}
	if covered[results[2].SourceID] {
		t.Errorf("chunk from covered source survived: %s", results[2].SourceID)
	}
}

func TestBuildContextExplicitSourceIDs(t *testing.T) {
	env := newPlannerEnv(t, Options{
		EmbeddingTopK:  2,
		MaxFullSources: 1,
		MaxChunks:      10,
	}, "")

	req := userRequest("alpha")
	req.SourceIDs = []string{env.files["file3.md"]}

	results, err := env.planner.BuildContext(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	var fullSources []string
	for _, r := range results {
		if r.ChunkID == store.None {
			fullSources = append(fullSources, r.SourceID)
		}
	}
	found := false
	for _, s := range fullSources {
		if s == env.files["file3.md"] {
			found = true
		}
	}
	if !found {
		t.Errorf("explicit source id not in full sources: %v", fullSources)
	}
}

func TestBuildContextAttachmentsComeFirst(t *testing.T) {
	env := newPlannerEnv(t, Options{
		EmbeddingTopK:  2,
		MaxFullSources: 1,
		MaxChunks:      10,
	}, "")

	req := userRequest("alpha")
	req.Attachments = []Attachment{{Name: "snippet.go", Content: "func main() {}"}}

	results, err := env.planner.BuildContext(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].SourceID != "snippet.go" {
		t.Fatalf("attachment not first: %+v", results)
	}
	if results[0].ChunkID != store.None {
		t.Error("attachment must carry the NONE chunk id")
	}
	if results[0].ChunkType != string(chunk.TypeCode) {
		t.Errorf("attachment type = %s, want code (detected)", results[0].ChunkType)
	}
}

func TestInlineAttachmentExtraction(t *testing.T) {
	question, body := splitInlineAttachment("what does this do? [Attachment: func f() {}][/Attachment]")
	if question != "what does this do?" {
		t.Errorf("question = %q", question)
	}
	if !strings.Contains(body, "func f() {}") {
		t.Errorf("attachment body = %q", body)
	}

	question, body = splitInlineAttachment("plain question")
	if question != "plain question" || body != "" {
		t.Errorf("no-attachment case mangled: %q / %q", question, body)
	}
}

func TestChatStreamsCompletion(t *testing.T) {
	completionSrv := fakeCompletionServer(t, []string{"Hi", " there"})
	defer completionSrv.Close()

	env := newPlannerEnv(t, Options{
		EmbeddingTopK:  2,
		MaxFullSources: 1,
		MaxChunks:      5,
	}, completionSrv.URL+"/v1")

	var deltas []string
	full, err := env.planner.Chat(context.Background(), userRequest("alpha"), func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if full != "Hi there" {
		t.Errorf("full = %q", full)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestBuildContextTokenBudget(t *testing.T) {
	env := newPlannerEnv(t, Options{
		EmbeddingTopK:    3,
		MaxFullSources:   2,
		MaxChunks:        10,
		MaxContextTokens: 4,
	}, "")

	results, err := env.planner.BuildContext(context.Background(), userRequest("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("token budget must keep at least one entry")
	}
	if len(results) > 2 {
		t.Errorf("token budget not applied: %d entries", len(results))
	}
}
