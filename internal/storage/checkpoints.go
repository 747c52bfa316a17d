package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const checkpointColumns = `thread_id, checkpoint_id, parent_id, seq, state, metadata, versions, created_at`

// PutCheckpoint appends a checkpoint to its thread. The order key (Seq), the
// parent link and the creation time are assigned inside the write
// transaction; the returned value carries them. Reusing a checkpoint id
// within a thread fails with ErrConflict.
func (s *Store) PutCheckpoint(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	if cp.ThreadID == "" || cp.CheckpointID == "" {
		return Checkpoint{}, fmt.Errorf("checkpoint requires thread and checkpoint ids")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("beginning checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	var lastID string
	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT checkpoint_id, seq FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`,
		cp.ThreadID,
	).Scan(&lastID, &lastSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("reading latest checkpoint: %w", err)
	}

	cp.Seq = lastSeq + 1
	if cp.ParentID == "" {
		cp.ParentID = lastID
	}
	cp.CreatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.CheckpointID, cp.ParentID, cp.Seq,
		cp.State, cp.Metadata, cp.Versions, formatTime(cp.CreatedAt),
	)
	if isUniqueViolation(err) {
		return Checkpoint{}, fmt.Errorf("checkpoint %s/%s: %w", cp.ThreadID, cp.CheckpointID, ErrConflict)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("inserting checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Checkpoint{}, fmt.Errorf("committing checkpoint: %w", err)
	}
	return cp, nil
}

// LatestCheckpoint returns the checkpoint with the greatest order key for the
// thread, or ErrNotFound.
func (s *Store) LatestCheckpoint(ctx context.Context, threadID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`,
		threadID,
	)
	return scanCheckpoint(row)
}

// GetCheckpoint returns a specific checkpoint of a thread.
func (s *Store) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`,
		threadID, checkpointID,
	)
	return scanCheckpoint(row)
}

// ListCheckpoints returns all checkpoints of a thread, oldest first. The
// state blob is omitted; use GetCheckpoint to load it.
func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, checkpoint_id, parent_id, seq, metadata, versions, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var createdAt string
		if err := rows.Scan(&cp.ThreadID, &cp.CheckpointID, &cp.ParentID, &cp.Seq, &cp.Metadata, &cp.Versions, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		if cp.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(row *sql.Row) (Checkpoint, error) {
	var cp Checkpoint
	var createdAt string
	err := row.Scan(&cp.ThreadID, &cp.CheckpointID, &cp.ParentID, &cp.Seq, &cp.State, &cp.Metadata, &cp.Versions, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scanning checkpoint: %w", err)
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return Checkpoint{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return cp, nil
}
