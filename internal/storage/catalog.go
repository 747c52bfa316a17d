package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertPractice creates or replaces a practice.
func (s *Store) UpsertPractice(ctx context.Context, p Practice) error {
	if p.ID == "" {
		return fmt.Errorf("practice requires an id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO practices (id, subject, title, content, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			title = excluded.title,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		p.ID, p.Subject, p.Title, p.Content, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upserting practice %s: %w", p.ID, err)
	}
	return nil
}

// UpsertExercise creates or replaces an exercise. The practice must exist.
func (s *Store) UpsertExercise(ctx context.Context, e Exercise) error {
	if e.PracticeID == "" || e.ExerciseID == "" {
		return fmt.Errorf("exercise requires practice and exercise ids")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exercises (practice_id, exercise_id, statement, expected_solution, hint, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(practice_id, exercise_id) DO UPDATE SET
			statement = excluded.statement,
			expected_solution = excluded.expected_solution,
			hint = excluded.hint,
			updated_at = excluded.updated_at`,
		e.PracticeID, e.ExerciseID, e.Statement, e.ExpectedSolution, e.Hint, formatTime(s.now()),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("practice %s: %w", e.PracticeID, ErrNotFound)
		}
		return fmt.Errorf("upserting exercise %s/%s: %w", e.PracticeID, e.ExerciseID, err)
	}
	return nil
}

// GetPractice returns a practice by id.
func (s *Store) GetPractice(ctx context.Context, id string) (Practice, error) {
	var p Practice
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, title, content, updated_at FROM practices WHERE id = ?`, id,
	).Scan(&p.ID, &p.Subject, &p.Title, &p.Content, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Practice{}, ErrNotFound
	}
	if err != nil {
		return Practice{}, fmt.Errorf("reading practice %s: %w", id, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Practice{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// GetExercise returns one exercise of a practice.
func (s *Store) GetExercise(ctx context.Context, practiceID, exerciseID string) (Exercise, error) {
	var e Exercise
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT practice_id, exercise_id, statement, expected_solution, hint, updated_at
		FROM exercises WHERE practice_id = ? AND exercise_id = ?`,
		practiceID, exerciseID,
	).Scan(&e.PracticeID, &e.ExerciseID, &e.Statement, &e.ExpectedSolution, &e.Hint, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Exercise{}, ErrNotFound
	}
	if err != nil {
		return Exercise{}, fmt.Errorf("reading exercise %s/%s: %w", practiceID, exerciseID, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Exercise{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

// ListExercises returns the exercises of a practice ordered by id.
func (s *Store) ListExercises(ctx context.Context, practiceID string) ([]Exercise, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT practice_id, exercise_id, statement, expected_solution, hint, updated_at
		FROM exercises WHERE practice_id = ? ORDER BY exercise_id ASC`, practiceID)
	if err != nil {
		return nil, fmt.Errorf("listing exercises: %w", err)
	}
	defer rows.Close()

	var out []Exercise
	for rows.Next() {
		var e Exercise
		var updatedAt string
		if err := rows.Scan(&e.PracticeID, &e.ExerciseID, &e.Statement, &e.ExpectedSolution, &e.Hint, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning exercise: %w", err)
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
