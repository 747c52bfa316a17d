package main

import (
	"fmt"
	"time"

	"github.com/kalambet/tutor/internal/api"
	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/composer"
	"github.com/kalambet/tutor/internal/config"
	"github.com/kalambet/tutor/internal/engine"
	"github.com/kalambet/tutor/internal/gapanalysis"
	"github.com/kalambet/tutor/internal/ingest"
	"github.com/kalambet/tutor/internal/intent"
	"github.com/kalambet/tutor/internal/knowledge"
	"github.com/kalambet/tutor/internal/memory"
	"github.com/kalambet/tutor/internal/orchestrator"
	"github.com/kalambet/tutor/internal/storage"
)

// app is the wired server: workflows, stores and the background worker.
type app struct {
	deps   api.Deps
	worker *ingest.Worker
}

func newApp(cfg config.Config, store *storage.Store, eng engine.Engine) (*app, error) {
	pw, err := config.ParseWeights(cfg.Workflow.PriorityWeights)
	if err != nil {
		return nil, fmt.Errorf("workflow.priority_weights: %w", err)
	}
	cw, err := config.ParseWeights(cfg.Workflow.ConfidenceWeights)
	if err != nil {
		return nil, fmt.Errorf("workflow.confidence_weights: %w", err)
	}
	stepTimeout := cfg.Workflow.StepTimeout()

	saver := checkpoint.NewSaver(store, checkpoint.NewCodec())

	embedder := knowledge.NewEmbedder(eng, cfg.LLM.EmbedModel)
	reranker := knowledge.NewReranker(eng, cfg.LLM.FastModel, cfg.Knowledge.RerankingEnabled,
		cfg.Knowledge.RerankTimeout(), cfg.Knowledge.RerankingThreshold)
	index := knowledge.NewIndex(store, embedder, reranker)
	index.SetChunking(knowledge.ChunkOptions{Target: cfg.Knowledge.ChunkTarget})

	mem := memory.New(store)
	learners := memory.NewManager(mem, memory.Options{
		PatternWindow: cfg.Workflow.PatternWindow,
		TrendWindow:   cfg.Workflow.TrendWindow,
	})
	cat := catalog.New(store)

	gaps := gapanalysis.New(eng, index, saver, gapanalysis.Config{
		Model:                 cfg.LLM.DeepModel,
		MaxIterations:         cfg.Workflow.MaxIterations,
		MinContextChars:       cfg.Workflow.MinContextChars,
		ShortDescriptionChars: cfg.Workflow.ShortDescriptionChars,
		LowPriorityThreshold:  cfg.Workflow.LowPriorityThreshold,
		Weights:               gapanalysis.Weights{Relevance: pw[0], Impact: pw[1], Addressability: pw[2]},
		ConfidenceWeights:     gapanalysis.ConfidenceWeights{GapCount: cw[0], Context: cw[1], Evaluation: cw[2]},
		StepTimeout:           stepTimeout,
		TheoryResults:         cfg.Knowledge.TheoryResults,
	})

	runner := orchestrator.NewRunner(orchestrator.Deps{
		Saver:      saver,
		Classifier: intent.NewClassifier(eng, cfg.LLM.FastModel, stepTimeout),
		Catalog:    cat,
		Gaps:       gaps,
		Lookup:     index,
		Chat:       eng,
		Composer:   composer.New(cfg.Knowledge.MaxContextTokens),
		Memory:     learners,
	}, orchestrator.Config{
		Model:         cfg.LLM.DeepModel,
		LowConfidence: cfg.Workflow.LowConfidenceThreshold,
		TopK:          cfg.Knowledge.TopK,
		StepTimeout:   stepTimeout,
		RetryBudget:   cfg.Workflow.RetryBudget,
	})

	return &app{
		deps: api.Deps{
			Token:         cfg.Server.APIToken,
			Conversations: runner,
			Gaps:          gaps,
			Checkpoints:   saver,
			Memory:        mem,
			Learners:      learners,
			Ingester:      ingest.NewIngester(index, store, nil),
			Knowledge:     index,
			Catalog:       cat,
		},
		worker: ingest.NewWorker(store, index, 500*time.Millisecond),
	}, nil
}
