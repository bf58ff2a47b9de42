// Package rag assembles bounded retrieval context for chat queries and
// streams completions over it.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nesall/rag-code-assistant/internal/chunk"
	"github.com/nesall/rag-code-assistant/internal/infer"
	"github.com/nesall/rag-code-assistant/internal/source"
	"github.com/nesall/rag-code-assistant/internal/store"
)

// ErrBadRequest marks malformed chat input.
var ErrBadRequest = errors.New("bad chat request")

// Attachment is caller-supplied context, optionally named.
type Attachment struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// ChatRequest is the chat API input.
type ChatRequest struct {
	Messages    []infer.Message `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	SourceIDs   []string        `json:"sourceids,omitempty"`
}

// Options bounds the assembled context.
type Options struct {
	EmbeddingTopK       int
	MaxFullSources      int
	MaxRelatedPerSource int
	MaxChunks           int
	MaxContextTokens    int
	PrependPhrase       string
}

// Planner builds the per-query ranked context: attachments, full selected
// sources, related sources, then surviving filtered chunks.
type Planner struct {
	store      *store.Store
	chunker    *chunk.Chunker
	embedder   *infer.EmbeddingClient
	completion *infer.CompletionClient
	collector  *source.Collector
	opts       Options
}

// NewPlanner wires the planner to its collaborators.
func NewPlanner(st *store.Store, ch *chunk.Chunker, emb *infer.EmbeddingClient, comp *infer.CompletionClient, col *source.Collector, opts Options) *Planner {
	if opts.EmbeddingTopK <= 0 {
		opts.EmbeddingTopK = 5
	}
	if opts.MaxFullSources <= 0 {
		opts.MaxFullSources = 2
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = 20
	}
	return &Planner{
		store:      st,
		chunker:    ch,
		embedder:   emb,
		completion: comp,
		collector:  col,
		opts:       opts,
	}
}

const (
	attachmentOpen  = "[Attachment: "
	attachmentClose = "[/Attachment]"
)

// splitInlineAttachment extracts an inline attachment block from a chat
// question. It returns the text before the block as the question and the
// block itself, markers included, as the attachment; text after the
// closing marker is dropped.
func splitInlineAttachment(question string) (string, string) {
	a := strings.Index(question, attachmentOpen)
	if a < 0 {
		return question, ""
	}
	b := strings.LastIndex(question, attachmentClose)
	var body string
	if b < 0 {
		body = strings.TrimSpace(question[a:])
	} else {
		body = strings.TrimSpace(question[a : b+len(attachmentClose)])
	}
	return strings.TrimSpace(question[:a]), body
}

// BuildContext assembles the ordered retrieval context for a request.
// Given identical store contents, embeddings, and input, the ordering is
// stable; ties keep insertion order.
func (p *Planner) BuildContext(ctx context.Context, req *ChatRequest) ([]store.SearchResult, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", ErrBadRequest)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return nil, fmt.Errorf("%w: last message must have role user, got %q", ErrBadRequest, last.Role)
	}

	question, inline := splitInlineAttachment(last.Content)
	attachments := req.Attachments
	if inline != "" {
		attachments = append([]Attachment{{Name: "attachment", Content: inline}}, attachments...)
	}

	var results []store.SearchResult
	for _, att := range attachments {
		name := att.Name
		if name == "" {
			name = "attachment"
		}
		results = append(results, store.SearchResult{
			Content:         att.Content,
			SourceID:        name,
			ChunkUnit:       string(chunk.UnitChar),
			ChunkType:       string(p.chunker.DetectContentType(att.Content, att.Name)),
			ChunkID:         store.None,
			Start:           0,
			End:             len(att.Content),
			SimilarityScore: 1,
		})
	}

	hits, rank, err := p.searchQuestion(ctx, question)
	if err != nil {
		return nil, err
	}

	// Order raw chunk hits by accumulated per-source rank.
	sortStableByRank(hits, rank)

	fullSources := p.selectFullSources(hits, req.SourceIDs)

	covered := make(map[string]struct{}, len(fullSources))
	var fullResults []store.SearchResult
	var relatedResults []store.SearchResult

	tracked, err := p.store.GetTrackedFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracked files: %w", err)
	}
	trackedPaths := make([]string, len(tracked))
	for i, f := range tracked {
		trackedPaths[i] = f.Path
	}

	for _, src := range fullSources {
		entry, err := p.collector.Fetch(ctx, src)
		if err != nil || entry.Content == "" {
			continue
		}
		covered[src] = struct{}{}
		fullResults = append(fullResults, store.SearchResult{
			Content:         entry.Content,
			SourceID:        src,
			ChunkUnit:       string(chunk.UnitChar),
			ChunkType:       string(p.chunker.DetectContentType(entry.Content, src)),
			ChunkID:         store.None,
			Start:           0,
			End:             len(entry.Content),
			SimilarityScore: 1,
		})

		related := source.FilterRelatedSources(trackedPaths, src)
		added := 0
		for _, rel := range related {
			if p.opts.MaxRelatedPerSource > 0 && added >= p.opts.MaxRelatedPerSource {
				break
			}
			if _, ok := covered[rel]; ok {
				continue
			}
			rentry, err := p.collector.Fetch(ctx, rel)
			if err != nil || rentry.Content == "" {
				continue
			}
			covered[rel] = struct{}{}
			relatedResults = append(relatedResults, store.SearchResult{
				Content:         rentry.Content,
				SourceID:        rel,
				ChunkUnit:       string(chunk.UnitChar),
				ChunkType:       string(p.chunker.DetectContentType(rentry.Content, rel)),
				ChunkID:         store.None,
				Start:           0,
				End:             len(rentry.Content),
				SimilarityScore: 1,
			})
			added++
		}
	}

	results = append(results, fullResults...)
	results = append(results, relatedResults...)

	// Chunk hits whose source is now present in full add nothing.
	for _, h := range hits {
		if _, ok := covered[h.SourceID]; ok {
			continue
		}
		results = append(results, h)
	}

	if len(results) > p.opts.MaxChunks {
		results = results[:p.opts.MaxChunks]
	}
	if p.opts.MaxContextTokens > 0 {
		results = p.truncateToTokenBudget(results)
	}
	return results, nil
}

// searchQuestion chunks the question, embeds each chunk, and collects the
// store hits together with per-source rank scores.
func (p *Planner) searchQuestion(ctx context.Context, question string) ([]store.SearchResult, map[string]float32, error) {
	rank := make(map[string]float32)
	var hits []store.SearchResult

	if strings.TrimSpace(question) == "" {
		return hits, rank, nil
	}

	for _, qc := range p.chunker.Chunk(question, "", false) {
		embedding, err := p.embedder.Embed(ctx, chunk.CleanForEmbedding(qc.Text, p.opts.PrependPhrase))
		if err != nil {
			return nil, nil, fmt.Errorf("embed question: %w", err)
		}
		res, err := p.store.Search(ctx, embedding, p.opts.EmbeddingTopK)
		if err != nil {
			return nil, nil, fmt.Errorf("search: %w", err)
		}
		hits = append(hits, res...)
		for _, r := range res {
			rank[r.SourceID] += r.SimilarityScore
		}
	}
	return hits, rank, nil
}

// sortStableByRank orders hits by descending per-source rank, keeping
// insertion order within a source rank.
func sortStableByRank(hits []store.SearchResult, rank map[string]float32) {
	if len(hits) < 2 {
		return
	}
	// insertion sort keeps the ordering deterministic and stable
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && rank[hits[j].SourceID] > rank[hits[j-1].SourceID]; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

// selectFullSources takes the top unique sources from the ranked hits and
// unions the explicitly requested source ids.
func (p *Planner) selectFullSources(hits []store.SearchResult, explicit []string) []string {
	var sources []string
	seen := make(map[string]struct{})
	for _, h := range hits {
		if _, ok := seen[h.SourceID]; ok {
			continue
		}
		seen[h.SourceID] = struct{}{}
		sources = append(sources, h.SourceID)
		if len(sources) == p.opts.MaxFullSources {
			break
		}
	}
	for _, src := range explicit {
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		sources = append(sources, src)
	}
	return sources
}

// truncateToTokenBudget keeps leading results until the accumulated token
// count would exceed the configured cap. The first result always passes.
func (p *Planner) truncateToTokenBudget(results []store.SearchResult) []store.SearchResult {
	total := 0
	for i, r := range results {
		total += p.chunker.Tokens(r.Content)
		if i > 0 && total > p.opts.MaxContextTokens {
			return results[:i]
		}
	}
	return results
}

// Chat builds the context and streams the completion through sink.
// Returns the full accumulated response.
func (p *Planner) Chat(ctx context.Context, req *ChatRequest, sink infer.StreamSink) (string, error) {
	contexts, err := p.BuildContext(ctx, req)
	if err != nil {
		return "", err
	}
	return p.Complete(ctx, req, contexts, sink)
}

// Complete streams the completion for an already-built context.
func (p *Planner) Complete(ctx context.Context, req *ChatRequest, contexts []store.SearchResult, sink infer.StreamSink) (string, error) {
	texts := make([]string, len(contexts))
	for i, r := range contexts {
		texts[i] = r.Content
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.5
	}
	return p.completion.Complete(ctx, req.Messages, texts, temperature, sink)
}
