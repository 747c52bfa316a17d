package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/tutor/internal/storage"
)

// Snippet is one piece of course material returned by a lookup.
type Snippet struct {
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	SourceRef string  `json:"source_ref"`
}

// Lookup answers similarity queries over indexed material.
type Lookup interface {
	Search(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// Store is the subset of storage.Store the index uses.
type Store interface {
	SaveKnowledgeDoc(ctx context.Context, doc storage.KnowledgeDoc) error
	GetKnowledgeDoc(ctx context.Context, id string) (storage.KnowledgeDoc, error)
	InsertVectors(ctx context.Context, vectors []storage.Vector) error
	DeleteVectors(ctx context.Context, docID string) (int64, error)
	SearchVectors(ctx context.Context, query []float32, topK int) ([]storage.ScoredVector, error)
	CountVectors(ctx context.Context) (int, error)
}

// Document is course material to be indexed.
type Document struct {
	Title   string
	Content string
	Source  string
	Subject string
	Tags    []string
}

// Index stores documents and serves Lookup over their embedded chunks.
type Index struct {
	store    Store
	embedder *Embedder
	reranker Reranker
	chunking ChunkOptions
}

var _ Lookup = (*Index)(nil)

// NewIndex creates an Index. A nil reranker disables reranking.
func NewIndex(store Store, embedder *Embedder, reranker Reranker) *Index {
	if reranker == nil {
		reranker = NoOpReranker{}
	}
	return &Index{store: store, embedder: embedder, reranker: reranker, chunking: DefaultChunkOptions()}
}

// SetChunking replaces the chunk sizes used by EmbedDocument. A target of
// zero keeps the defaults; Max defaults to one and a half times Target.
func (ix *Index) SetChunking(opts ChunkOptions) {
	if opts.Target <= 0 {
		return
	}
	if opts.Max < opts.Target {
		opts.Max = opts.Target * 3 / 2
	}
	ix.chunking = opts
}

// SaveDocument stores the raw document and returns its id. Chunks are not
// embedded until EmbedDocument runs.
func (ix *Index) SaveDocument(ctx context.Context, doc Document) (string, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return "", fmt.Errorf("document content is empty")
	}
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	id := uuid.New().String()
	err = ix.store.SaveKnowledgeDoc(ctx, storage.KnowledgeDoc{
		ID:      id,
		Title:   doc.Title,
		Content: doc.Content,
		Source:  doc.Source,
		Subject: doc.Subject,
		Tags:    string(tagsJSON),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EmbedDocument chunks a stored document, embeds the chunks and replaces any
// vectors previously stored for it. It returns the chunk count.
func (ix *Index) EmbedDocument(ctx context.Context, docID string) (int, error) {
	doc, err := ix.store.GetKnowledgeDoc(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("loading document %s: %w", docID, err)
	}
	chunks := Chunk(doc.Content, ix.chunking)
	if len(chunks) == 0 {
		return 0, nil
	}
	vecs, err := ix.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, err
	}

	ref := doc.Source
	if ref == "" {
		ref = doc.Title
	}
	vectors := make([]storage.Vector, len(chunks))
	for i, text := range chunks {
		vectors[i] = storage.Vector{
			ID:         uuid.New().String(),
			DocID:      docID,
			SourceRef:  fmt.Sprintf("%s#%d", ref, i),
			ChunkIndex: i,
			Text:       text,
			Embedding:  vecs[i],
		}
	}
	if _, err := ix.store.DeleteVectors(ctx, docID); err != nil {
		return 0, err
	}
	if err := ix.store.InsertVectors(ctx, vectors); err != nil {
		return 0, err
	}
	slog.Debug("knowledge document embedded", "doc", docID, "chunks", len(chunks))
	return len(chunks), nil
}

// Add saves and embeds a document synchronously.
func (ix *Index) Add(ctx context.Context, doc Document) (string, int, error) {
	id, err := ix.SaveDocument(ctx, doc)
	if err != nil {
		return "", 0, err
	}
	n, err := ix.EmbedDocument(ctx, id)
	return id, n, err
}

// Search embeds the query and returns up to limit snippets, best first.
// With reranking enabled twice as many candidates are scored.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates := limit
	if ix.reranker.Enabled() {
		candidates = limit * 2
	}
	scored, err := ix.store.SearchVectors(ctx, vec, candidates)
	if err != nil {
		return nil, err
	}

	snippets := make([]Snippet, len(scored))
	for i, s := range scored {
		snippets[i] = Snippet{Content: s.Text, Score: float64(s.Score), SourceRef: s.SourceRef}
	}
	snippets, err = ix.reranker.Rerank(ctx, query, snippets)
	if err != nil {
		return nil, err
	}
	if len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets, nil
}

// Count returns the number of indexed chunks.
func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.store.CountVectors(ctx)
}
