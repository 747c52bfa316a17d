package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const memoryColumns = `namespace, key, value, record_type, created_at, updated_at`

// PutMemory upserts a record keyed by (namespace, key). An existing record
// keeps its created_at; updated_at always moves forward, even when two writes
// land within the same clock tick.
func (s *Store) PutMemory(ctx context.Context, rec MemoryRecord) (MemoryRecord, error) {
	if rec.Namespace == "" || rec.Key == "" {
		return MemoryRecord{}, fmt.Errorf("memory record requires namespace and key")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("beginning memory transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	createdAt := now

	var prevCreated, prevUpdated string
	err = tx.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM memory_records WHERE namespace = ? AND key = ?`,
		rec.Namespace, rec.Key,
	).Scan(&prevCreated, &prevUpdated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return MemoryRecord{}, fmt.Errorf("reading memory record: %w", err)
	default:
		if createdAt, err = parseTime(prevCreated); err != nil {
			return MemoryRecord{}, fmt.Errorf("parsing created_at: %w", err)
		}
		last, err := parseTime(prevUpdated)
		if err != nil {
			return MemoryRecord{}, fmt.Errorf("parsing updated_at: %w", err)
		}
		if !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_records (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			record_type = excluded.record_type,
			updated_at = excluded.updated_at`,
		rec.Namespace, rec.Key, rec.Value, rec.RecordType, formatTime(createdAt), formatTime(now),
	)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("upserting memory record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return MemoryRecord{}, fmt.Errorf("committing memory record: %w", err)
	}

	rec.CreatedAt = createdAt
	rec.UpdatedAt = now
	return rec, nil
}

// GetMemory returns the record stored under (namespace, key) or ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, namespace, key string) (MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_records WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	rec, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryRecord{}, ErrNotFound
	}
	return rec, err
}

// MemoryQuery scopes a keyword search.
type MemoryQuery struct {
	Namespace string
	// Subtree includes records in namespaces below Namespace
	// ("user/a" matches "user/a/educational" but never "user/ab").
	Subtree  bool
	Keywords []string
	Limit    int
}

// SearchMemory returns records whose key or value contains any of the
// keywords, ranked by the number of keywords matched and then by recency.
// With no keywords it returns the most recently updated records.
func (s *Store) SearchMemory(ctx context.Context, q MemoryQuery) ([]MemoryRecord, error) {
	if q.Namespace == "" {
		return nil, fmt.Errorf("memory search requires a namespace")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	scope := `namespace = ?`
	args := []interface{}{q.Namespace}
	if q.Subtree {
		scope = `(namespace = ? OR namespace LIKE ? ESCAPE '\')`
		args = append(args, escapeLike(strings.TrimSuffix(q.Namespace, "/"))+"/%")
	}

	hits := "0"
	if len(q.Keywords) > 0 {
		terms := make([]string, 0, len(q.Keywords))
		var hitArgs []interface{}
		for _, kw := range q.Keywords {
			pattern := "%" + escapeLike(kw) + "%"
			terms = append(terms, `(CASE WHEN key LIKE ? ESCAPE '\' OR value LIKE ? ESCAPE '\' THEN 1 ELSE 0 END)`)
			hitArgs = append(hitArgs, pattern, pattern)
		}
		hits = strings.Join(terms, " + ")
		args = append(hitArgs, args...)
	}

	query := `SELECT ` + memoryColumns + ` FROM (
		SELECT ` + memoryColumns + `, ` + hits + ` AS hits
		FROM memory_records WHERE ` + scope + `
	)`
	if len(q.Keywords) > 0 {
		query += ` WHERE hits > 0`
	}
	query += ` ORDER BY hits DESC, updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching memory: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (MemoryRecord, error) {
	var rec MemoryRecord
	var createdAt, updatedAt string
	if err := row.Scan(&rec.Namespace, &rec.Key, &rec.Value, &rec.RecordType, &createdAt, &updatedAt); err != nil {
		return MemoryRecord{}, err
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return MemoryRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return MemoryRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return rec, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
