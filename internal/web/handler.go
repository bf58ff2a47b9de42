package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/nesall/rag-code-assistant/internal/chunk"
	"github.com/nesall/rag-code-assistant/internal/infer"
	"github.com/nesall/rag-code-assistant/internal/rag"
	"github.com/nesall/rag-code-assistant/internal/store"
	"github.com/nesall/rag-code-assistant/internal/update"
	"github.com/nesall/rag-code-assistant/internal/version"
)

// Handler handles the JSON API requests.
type Handler struct {
	store    *store.Store
	chunker  *chunk.Chunker
	embedder *infer.EmbeddingClient
	planner  *rag.Planner
	updater  *update.Updater
	prepend  string
}

// NewHandler wires the handler to the core components.
func NewHandler(st *store.Store, ch *chunk.Chunker, emb *infer.EmbeddingClient, planner *rag.Planner, updater *update.Updater, prependPhrase string) *Handler {
	return &Handler{
		store:    st,
		chunker:  ch,
		embedder: emb,
		planner:  planner,
		updater:  updater,
		prepend:  prependPhrase,
	}
}

// Index returns the self-describing endpoint list.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"name":    "Embeddings RAG API",
		"version": version.Version,
		"endpoints": map[string]string{
			"GET /api/health":     "Health check",
			"GET /api/stats":      "Database statistics",
			"GET /api/documents":  "Tracked files",
			"POST /api/search":    "Semantic search",
			"POST /api/embed":     "Generate embeddings",
			"POST /api/documents": "Add documents",
			"POST /api/update":    "Trigger manual update",
			"POST /api/chat":      "Chat with context (streaming)",
		},
	})
}

// Health returns a liveness response.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]string{"status": "ok"})
}

// Stats returns the database statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	sources := make(map[string]int, len(stats.Sources))
	for _, s := range stats.Sources {
		sources[s.SourceID] = s.Chunks
	}
	h.jsonResponse(w, map[string]any{
		"total_chunks":  stats.TotalChunks,
		"vector_count":  stats.VectorCount,
		"deleted_count": stats.DeletedCount,
		"active_count":  stats.ActiveCount,
		"sources":       sources,
	})
}

// ListDocuments returns the tracked-file list.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	files, err := h.store.GetTrackedFiles(r.Context())
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if files == nil {
		files = []store.FileMetadata{}
	}
	h.jsonResponse(w, files)
}

type searchRequest struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k"`
	Source string `json:"source,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Search embeds the query and returns the ranked results.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Query == "" {
		h.badRequest(w, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	embedding, err := h.embedder.Embed(r.Context(), chunk.CleanForEmbedding(req.Query, h.prepend))
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	var results []store.SearchResult
	if req.Source != "" || req.Type != "" {
		results, err = h.store.SearchWithFilter(r.Context(), embedding, req.Source, req.Type, req.TopK)
	} else {
		results, err = h.store.Search(r.Context(), embedding, req.TopK)
	}
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	h.jsonResponse(w, results)
}

type embedRequest struct {
	Text string `json:"text"`
}

// Embed returns a one-off embedding without storing anything.
func (h *Handler) Embed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Text == "" {
		h.badRequest(w, "text is required")
		return
	}

	embedding, err := h.embedder.Embed(r.Context(), req.Text)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"embedding": embedding,
		"dimension": len(embedding),
	})
}

type addDocumentRequest struct {
	Content  string `json:"content"`
	SourceID string `json:"source_id"`
}

// AddDocument chunks, embeds, and inserts caller-supplied content.
func (h *Handler) AddDocument(w http.ResponseWriter, r *http.Request) {
	var req addDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Content == "" || req.SourceID == "" {
		h.badRequest(w, "content and source_id are required")
		return
	}

	chunks := h.chunker.Chunk(req.Content, req.SourceID, true)
	embeddings, err := h.updater.EmbedChunks(r.Context(), chunks)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	ids, err := h.store.AddDocuments(r.Context(), chunks, embeddings)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if err := h.store.Persist(); err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"status":       "success",
		"chunks_added": len(ids),
	})
}

// Update triggers one incremental update pass.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	n, err := h.updater.Update(r.Context())
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"status":    "updated",
		"nof_files": n,
	})
}

// Chat streams a completion as Server-Sent Events. Request validation
// failures return a JSON error; failures after streaming has started are
// delivered as an SSE error event followed by the DONE terminator.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req rag.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	contexts, err := h.planner.BuildContext(r.Context(), &req)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.errorResponse(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := func(delta string) error {
		payload, err := json.Marshal(map[string]string{"content": delta})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err // client disconnected
		}
		flusher.Flush()
		return nil
	}

	if _, err := h.planner.Complete(r.Context(), &req, contexts, sink); err != nil {
		if r.Context().Err() == nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			log.Printf("chat stream failed: %v", err)
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) badRequest(w http.ResponseWriter, message string) {
	h.jsonError(w, message, http.StatusBadRequest)
}

// errorResponse maps error kinds onto HTTP statuses.
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	var serverErr *infer.ServerError
	switch {
	case errors.Is(err, rag.ErrBadRequest), errors.Is(err, store.ErrDimensionMismatch):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, infer.ErrTransport), errors.As(err, &serverErr):
		h.jsonError(w, err.Error(), http.StatusBadGateway)
	default:
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
