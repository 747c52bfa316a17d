// Package checkpoint stores thread-scoped, append-only snapshots of workflow
// state. Every step of a workflow run writes one checkpoint; the latest
// checkpoint of a thread is the one with the highest sequence number.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kalambet/tutor/internal/storage"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = storage.ErrNotFound

// Status describes where a run stood when the checkpoint was written.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Metadata describes the step that produced a checkpoint.
type Metadata struct {
	Workflow string `json:"workflow"`
	Step     string `json:"step"`
	Next     string `json:"next"`
	Status   Status `json:"status"`
	Turn     int    `json:"turn,omitempty"`
}

// Versions counts how many times each step has written state in a thread.
type Versions map[string]int

func (v Versions) clone() Versions {
	out := make(Versions, len(v)+1)
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Summary is a checkpoint without its state.
type Summary struct {
	ThreadID     string    `json:"thread_id"`
	CheckpointID string    `json:"checkpoint_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	Seq          int64     `json:"seq"`
	Metadata     Metadata  `json:"metadata"`
	Versions     Versions  `json:"versions"`
	CreatedAt    time.Time `json:"created_at"`
}

// Checkpoint is a decoded snapshot. State holds a pointer to the registered
// type, or a Raw value when the type tag is unknown.
type Checkpoint struct {
	Summary
	State interface{}
	// Encoded is the stored state blob, byte for byte.
	Encoded []byte
}

// Backend is the durable append-only store behind a Saver.
type Backend interface {
	PutCheckpoint(ctx context.Context, cp storage.Checkpoint) (storage.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, threadID string) (storage.Checkpoint, error)
	GetCheckpoint(ctx context.Context, threadID, checkpointID string) (storage.Checkpoint, error)
	ListCheckpoints(ctx context.Context, threadID string) ([]storage.Checkpoint, error)
}

// Saver writes and reads checkpoints through a Codec.
type Saver struct {
	backend Backend
	codec   *Codec

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSaver creates a Saver.
func NewSaver(backend Backend, codec *Codec) *Saver {
	return &Saver{
		backend: backend,
		codec:   codec,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Codec returns the codec used for state.
func (s *Saver) Codec() *Codec { return s.codec }

// NewID returns a checkpoint id. IDs minted by one Saver sort in creation
// order even within the same millisecond.
func (s *Saver) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Put appends a checkpoint. An empty checkpointID gets a fresh ULID.
func (s *Saver) Put(ctx context.Context, threadID, checkpointID string, state interface{}, md Metadata, versions Versions) (Summary, error) {
	if checkpointID == "" {
		checkpointID = s.NewID()
	}
	stateBlob, err := s.codec.Encode(state)
	if err != nil {
		return Summary{}, err
	}
	mdBlob, err := json.Marshal(md)
	if err != nil {
		return Summary{}, fmt.Errorf("encoding metadata: %w", err)
	}
	if versions == nil {
		versions = Versions{}
	}
	vBlob, err := json.Marshal(versions)
	if err != nil {
		return Summary{}, fmt.Errorf("encoding versions: %w", err)
	}

	row, err := s.backend.PutCheckpoint(ctx, storage.Checkpoint{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		State:        stateBlob,
		Metadata:     mdBlob,
		Versions:     vBlob,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("writing checkpoint: %w", err)
	}
	return Summary{
		ThreadID:     row.ThreadID,
		CheckpointID: row.CheckpointID,
		ParentID:     row.ParentID,
		Seq:          row.Seq,
		Metadata:     md,
		Versions:     versions,
		CreatedAt:    row.CreatedAt,
	}, nil
}

// GetLatest returns the newest checkpoint of a thread or ErrNotFound.
func (s *Saver) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row, err := s.backend.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return s.decode(row)
}

// Get returns a specific checkpoint.
func (s *Saver) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	row, err := s.backend.GetCheckpoint(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	return s.decode(row)
}

// List returns summaries of every checkpoint in a thread, oldest first.
func (s *Saver) List(ctx context.Context, threadID string) ([]Summary, error) {
	rows, err := s.backend.ListCheckpoints(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		sum, err := summarize(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Saver) decode(row storage.Checkpoint) (*Checkpoint, error) {
	sum, err := summarize(row)
	if err != nil {
		return nil, err
	}
	state, err := s.codec.Decode(row.State)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", row.CheckpointID, err)
	}
	return &Checkpoint{Summary: sum, State: state, Encoded: row.State}, nil
}

func summarize(row storage.Checkpoint) (Summary, error) {
	sum := Summary{
		ThreadID:     row.ThreadID,
		CheckpointID: row.CheckpointID,
		ParentID:     row.ParentID,
		Seq:          row.Seq,
		CreatedAt:    row.CreatedAt,
	}
	if err := json.Unmarshal(row.Metadata, &sum.Metadata); err != nil {
		return Summary{}, fmt.Errorf("decoding metadata of %s: %w", row.CheckpointID, err)
	}
	if err := json.Unmarshal(row.Versions, &sum.Versions); err != nil {
		return Summary{}, fmt.Errorf("decoding versions of %s: %w", row.CheckpointID, err)
	}
	return sum, nil
}

// Recorder writes the checkpoints of one workflow run, carrying the version
// counters forward between steps.
type Recorder struct {
	saver    *Saver
	threadID string
	workflow string
	turn     int
	versions Versions
}

// NewRecorder starts recording a run. prev seeds the version counters,
// usually from the thread's latest checkpoint.
func (s *Saver) NewRecorder(threadID, workflow string, turn int, prev Versions) *Recorder {
	return &Recorder{
		saver:    s,
		threadID: threadID,
		workflow: workflow,
		turn:     turn,
		versions: prev.clone(),
	}
}

// ThreadID returns the thread the recorder writes to.
func (r *Recorder) ThreadID() string { return r.threadID }

// Record writes state after step. next is the step the run continues with.
func (r *Recorder) Record(ctx context.Context, step, next string, status Status, state interface{}) error {
	versions := r.versions.clone()
	versions[step]++
	_, err := r.saver.Put(ctx, r.threadID, "", state, Metadata{
		Workflow: r.workflow,
		Step:     step,
		Next:     next,
		Status:   status,
		Turn:     r.turn,
	}, versions)
	if err != nil {
		return err
	}
	r.versions = versions
	return nil
}
