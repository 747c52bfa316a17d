// Package catalog resolves practice and exercise references against the
// course material stored locally.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kalambet/tutor/internal/storage"
)

// Store is the subset of storage.Store the catalog needs.
type Store interface {
	UpsertPractice(ctx context.Context, p storage.Practice) error
	UpsertExercise(ctx context.Context, e storage.Exercise) error
	GetPractice(ctx context.Context, id string) (storage.Practice, error)
	GetExercise(ctx context.Context, practiceID, exerciseID string) (storage.Exercise, error)
	ListExercises(ctx context.Context, practiceID string) ([]storage.Exercise, error)
}

// Exercise is a resolved exercise together with its practice.
type Exercise struct {
	Subject          string `json:"subject"`
	PracticeID       string `json:"practice_id"`
	PracticeTitle    string `json:"practice_title"`
	PracticeText     string `json:"practice_text"`
	ExerciseID       string `json:"exercise_id"`
	Statement        string `json:"statement"`
	ExpectedSolution string `json:"expected_solution,omitempty"`
	Hint             string `json:"hint,omitempty"`
}

// Catalog looks up exercises by reference.
type Catalog struct {
	store Store
}

// New creates a Catalog over store.
func New(store Store) *Catalog {
	return &Catalog{store: store}
}

// Resolve returns the exercise named by the reference. ok is false when
// either id is empty or nothing matches; err is reserved for store failures.
func (c *Catalog) Resolve(ctx context.Context, practiceID, exerciseID string) (ex *Exercise, ok bool, err error) {
	practiceID = NormalizePracticeID(practiceID)
	exerciseID = NormalizeExerciseID(exerciseID)
	if practiceID == "" || exerciseID == "" {
		return nil, false, nil
	}

	p, err := c.store.GetPractice(ctx, practiceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolving practice %s: %w", practiceID, err)
	}
	e, err := c.store.GetExercise(ctx, practiceID, exerciseID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolving exercise %s/%s: %w", practiceID, exerciseID, err)
	}

	return &Exercise{
		Subject:          p.Subject,
		PracticeID:       p.ID,
		PracticeTitle:    p.Title,
		PracticeText:     p.Content,
		ExerciseID:       e.ExerciseID,
		Statement:        e.Statement,
		ExpectedSolution: e.ExpectedSolution,
		Hint:             e.Hint,
	}, true, nil
}

// ExerciseInput is one exercise in an import document.
type ExerciseInput struct {
	ID               string `json:"id"`
	Statement        string `json:"statement"`
	ExpectedSolution string `json:"expected_solution"`
	Hint             string `json:"hint"`
}

// PracticeInput is one practice in an import document.
type PracticeInput struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Exercises []ExerciseInput `json:"exercises"`
}

// Document is the JSON layout accepted by Import.
type Document struct {
	Practices []PracticeInput `json:"practices"`
}

// Add upserts one practice and its exercises.
func (c *Catalog) Add(ctx context.Context, in PracticeInput) (exercises int, err error) {
	id := NormalizePracticeID(in.ID)
	if id == "" {
		return 0, fmt.Errorf("practice id is required")
	}
	err = c.store.UpsertPractice(ctx, storage.Practice{
		ID:      id,
		Subject: strings.TrimSpace(in.Subject),
		Title:   strings.TrimSpace(in.Title),
		Content: in.Content,
	})
	if err != nil {
		return 0, err
	}
	for _, e := range in.Exercises {
		eid := NormalizeExerciseID(e.ID)
		if eid == "" {
			return exercises, fmt.Errorf("practice %s: exercise id is required", id)
		}
		err := c.store.UpsertExercise(ctx, storage.Exercise{
			PracticeID:       id,
			ExerciseID:       eid,
			Statement:        e.Statement,
			ExpectedSolution: e.ExpectedSolution,
			Hint:             e.Hint,
		})
		if err != nil {
			return exercises, err
		}
		exercises++
	}
	return exercises, nil
}

// Import reads a Document from r and upserts everything in it.
func (c *Catalog) Import(ctx context.Context, r io.Reader) (practices, exercises int, err error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, 0, fmt.Errorf("decoding catalog: %w", err)
	}
	for _, p := range doc.Practices {
		n, err := c.Add(ctx, p)
		exercises += n
		if err != nil {
			return practices, exercises, err
		}
		practices++
	}
	return practices, exercises, nil
}

// List returns the exercises of a practice.
func (c *Catalog) List(ctx context.Context, practiceID string) ([]storage.Exercise, error) {
	return c.store.ListExercises(ctx, NormalizePracticeID(practiceID))
}
