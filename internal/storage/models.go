package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness
	// constraint, such as reusing a checkpoint id within a thread.
	ErrConflict = errors.New("conflict")
)

// Checkpoint is one append-only row of the checkpoints table. State,
// Metadata and Versions are opaque encoded blobs.
type Checkpoint struct {
	ThreadID     string
	CheckpointID string
	ParentID     string
	Seq          int64
	State        []byte
	Metadata     []byte
	Versions     []byte
	CreatedAt    time.Time
}

// MemoryRecord is one namespaced long-term memory entry. Value holds the
// serialized JSON text that keyword search runs over.
type MemoryRecord struct {
	Namespace  string
	Key        string
	Value      string
	RecordType string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Practice is a course assignment grouping several exercises.
type Practice struct {
	ID        string
	Subject   string
	Title     string
	Content   string
	UpdatedAt time.Time
}

// Exercise is a single exercise inside a practice.
type Exercise struct {
	PracticeID       string
	ExerciseID       string
	Statement        string
	ExpectedSolution string
	Hint             string
	UpdatedAt        time.Time
}

// KnowledgeDoc is a piece of ingested course material.
type KnowledgeDoc struct {
	ID        string
	Title     string
	Content   string
	Source    string
	Subject   string
	Tags      string // JSON array stored as text
	CreatedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
