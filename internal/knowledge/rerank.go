package knowledge

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/llmjson"
	"github.com/kalambet/tutor/internal/metrics"
)

const rerankConcurrency = 3

// Reranker re-scores snippets by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, snippets []Snippet) ([]Snippet, error)
	Enabled() bool
}

// Chatter is the chat subset of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// NewReranker returns an LLMReranker when enabled and a NoOpReranker otherwise.
func NewReranker(chat Chatter, model string, enabled bool, timeout time.Duration, threshold float64) Reranker {
	if !enabled {
		return NoOpReranker{}
	}
	return &LLMReranker{chat: chat, model: model, timeout: timeout, threshold: threshold}
}

// LLMReranker asks the model for a 0..1 relevance score per snippet, at most
// three at a time, then drops snippets under threshold.
type LLMReranker struct {
	chat      Chatter
	model     string
	timeout   time.Duration
	threshold float64
}

func (r *LLMReranker) Enabled() bool { return true }

// Rerank never fails on scoring problems: a snippet whose score cannot be
// obtained keeps its similarity score, and a timeout returns the input order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, snippets []Snippet) ([]Snippet, error) {
	if len(snippets) == 0 {
		return snippets, nil
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scored := make([]Snippet, len(snippets))
	copy(scored, snippets)

	var g errgroup.Group
	g.SetLimit(rerankConcurrency)
	for i := range scored {
		g.Go(func() error {
			if tctx.Err() != nil {
				return nil
			}
			score, err := r.score(tctx, query, scored[i].Content)
			if err != nil {
				slog.Debug("rerank: score failed, keeping similarity", "source", scored[i].SourceRef, "error", err)
				return nil
			}
			scored[i].Score = score
			return nil
		})
	}
	g.Wait()

	if tctx.Err() != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("rerank: timed out, returning similarity order")
		return snippets, nil
	}

	filtered := scored[:0]
	for _, s := range scored {
		if s.Score >= r.threshold {
			filtered = append(filtered, s)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	return filtered, nil
}

func (r *LLMReranker) score(ctx context.Context, query, text string) (float64, error) {
	prompt := "Rate how useful the following course material is for answering the student's question, from 0.0 to 1.0.\n" +
		"Question: " + query + "\n" +
		"Material: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.chat.Chat(ctx, r.model, []engine.Message{{Role: engine.RoleUser, Content: prompt}}, &engine.Schema{
		Type:       "object",
		Properties: map[string]engine.SchemaProperty{"score": {Type: "number", Description: "Relevance 0.0-1.0"}},
		Required:   []string{"score"},
	})
	if err != nil {
		metrics.LLMCalls.WithLabelValues("rerank", "error").Inc()
		return 0, err
	}
	metrics.LLMCalls.WithLabelValues("rerank", "ok").Inc()
	var out struct {
		Score float64 `json:"score"`
	}
	if err := llmjson.Decode(resp, &out); err != nil {
		return 0, err
	}
	return clampScore(out.Score), nil
}

func clampScore(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// NoOpReranker passes snippets through unchanged.
type NoOpReranker struct{}

func (NoOpReranker) Enabled() bool { return false }

func (NoOpReranker) Rerank(_ context.Context, _ string, snippets []Snippet) ([]Snippet, error) {
	return snippets, nil
}
