// Package ingest turns course material (text, web pages, PDFs) into
// knowledge documents and embeds them in the background.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/tutor/internal/knowledge"
	"github.com/kalambet/tutor/internal/storage"
)

// JobEmbedKnowledge is the job type that embeds one stored document.
const JobEmbedKnowledge = "embed_knowledge"

// DocumentSaver stores raw documents.
type DocumentSaver interface {
	SaveDocument(ctx context.Context, doc knowledge.Document) (string, error)
}

// JobEnqueuer adds jobs to the queue.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Request describes material to ingest. Exactly one of Content, URL or PDF
// is used, in that order of preference.
type Request struct {
	Title   string
	Content string
	URL     string
	PDF     []byte
	Source  string
	Subject string
	Tags    []string
}

// Result identifies the stored document and its embedding job.
type Result struct {
	DocID string `json:"doc_id"`
	JobID string `json:"job_id"`
}

// Ingester extracts text, stores documents and queues their embedding.
type Ingester struct {
	docs    DocumentSaver
	jobs    JobEnqueuer
	fetcher *Fetcher
}

// NewIngester creates an Ingester.
func NewIngester(docs DocumentSaver, jobs JobEnqueuer, fetcher *Fetcher) *Ingester {
	if fetcher == nil {
		fetcher = NewFetcher()
	}
	return &Ingester{docs: docs, jobs: jobs, fetcher: fetcher}
}

type embedPayload struct {
	DocID string `json:"doc_id"`
}

// Ingest stores the material and enqueues an embed_knowledge job for it.
func (in *Ingester) Ingest(ctx context.Context, req Request) (Result, error) {
	doc := knowledge.Document{
		Title:   req.Title,
		Source:  req.Source,
		Subject: req.Subject,
		Tags:    req.Tags,
	}

	switch {
	case strings.TrimSpace(req.Content) != "":
		doc.Content = req.Content
		if doc.Source == "" {
			doc.Source = "text"
		}
	case req.URL != "":
		title, text, err := in.fetcher.Fetch(ctx, req.URL)
		if err != nil {
			return Result{}, err
		}
		doc.Content = text
		if doc.Title == "" {
			doc.Title = title
		}
		if doc.Source == "" {
			doc.Source = req.URL
		}
	case len(req.PDF) > 0:
		text, err := ExtractPDF(req.PDF)
		if err != nil {
			return Result{}, err
		}
		doc.Content = text
		if doc.Source == "" {
			doc.Source = "upload.pdf"
		}
	default:
		return Result{}, fmt.Errorf("nothing to ingest: content, url or pdf is required")
	}

	if strings.TrimSpace(doc.Content) == "" {
		return Result{}, fmt.Errorf("no text could be extracted from %s", doc.Source)
	}
	if doc.Title == "" {
		doc.Title = doc.Source
	}

	docID, err := in.docs.SaveDocument(ctx, doc)
	if err != nil {
		return Result{}, fmt.Errorf("saving document: %w", err)
	}

	payload, err := json.Marshal(embedPayload{DocID: docID})
	if err != nil {
		return Result{}, fmt.Errorf("encoding payload: %w", err)
	}
	jobID := uuid.New().String()
	if err := in.jobs.EnqueueJob(ctx, storage.Job{ID: jobID, Type: JobEmbedKnowledge, PayloadJSON: string(payload)}); err != nil {
		return Result{}, fmt.Errorf("enqueueing embed job: %w", err)
	}
	return Result{DocID: docID, JobID: jobID}, nil
}
