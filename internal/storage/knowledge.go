package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveKnowledgeDoc stores ingested course material.
func (s *Store) SaveKnowledgeDoc(ctx context.Context, doc KnowledgeDoc) error {
	tags := doc.Tags
	if tags == "" {
		tags = "[]"
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_docs (id, title, content, source, subject, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.Source, doc.Subject, tags, formatTime(createdAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("knowledge doc %s: %w", doc.ID, ErrConflict)
	}
	return err
}

// GetKnowledgeDoc returns a knowledge document by id.
func (s *Store) GetKnowledgeDoc(ctx context.Context, id string) (KnowledgeDoc, error) {
	var d KnowledgeDoc
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, source, subject, tags, created_at
		FROM knowledge_docs WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.Subject, &d.Tags, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeDoc{}, ErrNotFound
	}
	if err != nil {
		return KnowledgeDoc{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return KnowledgeDoc{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

// ListKnowledgeDocs returns the most recently ingested documents.
func (s *Store) ListKnowledgeDocs(ctx context.Context, limit int) ([]KnowledgeDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, source, subject, tags, created_at
		FROM knowledge_docs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []KnowledgeDoc
	for rows.Next() {
		var d KnowledgeDoc
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.Subject, &d.Tags, &createdAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}
