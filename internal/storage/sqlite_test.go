package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// frozenClock makes every write observe the same instant.
func frozenClock(s *Store, at time.Time) {
	s.now = func() time.Time { return at }
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 4 {
		t.Fatalf("applied migrations = %v, want 4", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_checkpoints_thread_created",
		"idx_memory_records_namespace",
		"idx_memory_records_created_at",
		"idx_jobs_status_run_after",
		"idx_knowledge_vectors_doc_id",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func putCheckpoint(t *testing.T, s *Store, thread, id, state string) Checkpoint {
	t.Helper()
	cp, err := s.PutCheckpoint(context.Background(), Checkpoint{
		ThreadID:     thread,
		CheckpointID: id,
		State:        []byte(state),
		Metadata:     []byte(`{}`),
		Versions:     []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("PutCheckpoint(%s/%s): %v", thread, id, err)
	}
	return cp
}

func TestPutCheckpoint_AssignsSeqAndParent(t *testing.T) {
	s := openTestStore(t)

	first := putCheckpoint(t, s, "t1", "a", "one")
	second := putCheckpoint(t, s, "t1", "b", "two")
	other := putCheckpoint(t, s, "t2", "a", "other")

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seq = %d,%d, want 1,2", first.Seq, second.Seq)
	}
	if first.ParentID != "" {
		t.Errorf("first parent = %q, want empty", first.ParentID)
	}
	if second.ParentID != "a" {
		t.Errorf("second parent = %q, want a", second.ParentID)
	}
	if other.Seq != 1 {
		t.Errorf("seq in other thread = %d, want 1", other.Seq)
	}
}

func TestPutCheckpoint_DuplicateIDConflicts(t *testing.T) {
	s := openTestStore(t)
	putCheckpoint(t, s, "t1", "a", "one")

	_, err := s.PutCheckpoint(context.Background(), Checkpoint{
		ThreadID: "t1", CheckpointID: "a", State: []byte("again"), Metadata: []byte(`{}`), Versions: []byte(`{}`),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, err := s.GetCheckpoint(context.Background(), "t1", "a")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if string(got.State) != "one" {
		t.Errorf("stored state = %q, overwritten by duplicate put", got.State)
	}
}

func TestLatestCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestCheckpoint(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestCheckpoint(missing) err = %v, want ErrNotFound", err)
	}

	// Same clock tick for every write: ordering must come from seq.
	frozenClock(s, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 5; i++ {
		putCheckpoint(t, s, "t1", fmt.Sprintf("z%d", 5-i), fmt.Sprintf("state-%d", i))
	}

	latest, err := s.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if string(latest.State) != "state-4" || latest.Seq != 5 {
		t.Errorf("latest = %q seq %d, want state-4 seq 5", latest.State, latest.Seq)
	}

	list, err := s.ListCheckpoints(ctx, "t1")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("len(list) = %d, want 5", len(list))
	}
	for i, cp := range list {
		if cp.Seq != int64(i+1) {
			t.Errorf("list[%d].Seq = %d, want %d", i, cp.Seq, i+1)
		}
		if cp.State != nil {
			t.Errorf("list[%d] carries state, want summary only", i)
		}
	}
}

func TestPutCheckpoint_ConcurrentThreads(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for th := 0; th < 4; th++ {
		wg.Add(1)
		go func(th int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.PutCheckpoint(context.Background(), Checkpoint{
					ThreadID:     fmt.Sprintf("thread-%d", th),
					CheckpointID: fmt.Sprintf("cp-%d", i),
					State:        []byte("x"),
					Metadata:     []byte(`{}`),
					Versions:     []byte(`{}`),
				})
				if err != nil {
					t.Errorf("PutCheckpoint: %v", err)
				}
			}
		}(th)
	}
	wg.Wait()

	for th := 0; th < 4; th++ {
		list, err := s.ListCheckpoints(context.Background(), fmt.Sprintf("thread-%d", th))
		if err != nil {
			t.Fatalf("ListCheckpoints: %v", err)
		}
		if len(list) != 10 {
			t.Errorf("thread-%d has %d checkpoints, want 10", th, len(list))
		}
	}
}

func TestPutMemory_PreservesCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	frozenClock(s, t0)
	first, err := s.PutMemory(ctx, MemoryRecord{Namespace: "user/a/educational", Key: "topics", Value: `["joins"]`, RecordType: "topics"})
	if err != nil {
		t.Fatalf("PutMemory: %v", err)
	}

	frozenClock(s, t0.Add(time.Hour))
	second, err := s.PutMemory(ctx, MemoryRecord{Namespace: "user/a/educational", Key: "topics", Value: `["joins","indexes"]`, RecordType: "topics"})
	if err != nil {
		t.Fatalf("PutMemory: %v", err)
	}

	got, err := s.GetMemory(ctx, "user/a/educational", "topics")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, first.CreatedAt)
	}
	if !got.UpdatedAt.Equal(second.UpdatedAt) || !got.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, t0.Add(time.Hour))
	}
	if got.Value != `["joins","indexes"]` {
		t.Errorf("value = %q", got.Value)
	}
}

func TestPutMemory_UpdatedAtStrictlyIncreases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	frozenClock(s, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	var last time.Time
	for i := 0; i < 3; i++ {
		rec, err := s.PutMemory(ctx, MemoryRecord{Namespace: "ns", Key: "k", Value: fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("PutMemory: %v", err)
		}
		if i > 0 && !rec.UpdatedAt.After(last) {
			t.Errorf("write %d updated_at %v not after %v", i, rec.UpdatedAt, last)
		}
		last = rec.UpdatedAt
	}
}

func TestGetMemory_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetMemory(context.Background(), "ns", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchMemory_NamespaceIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []MemoryRecord{
		{Namespace: "user/A/educational", Key: "topics", Value: `["left join","subqueries"]`},
		{Namespace: "user/A/gaps", Key: "trend", Value: `join confusion`},
		{Namespace: "user/AB/educational", Key: "topics", Value: `["left join"]`},
		{Namespace: "user/B/educational", Key: "topics", Value: `["left join"]`},
		{Namespace: "user/A_/educational", Key: "topics", Value: `["left join"]`},
	}
	for _, r := range records {
		if _, err := s.PutMemory(ctx, r); err != nil {
			t.Fatalf("PutMemory: %v", err)
		}
	}

	got, err := s.SearchMemory(ctx, MemoryQuery{Namespace: "user/B", Subtree: true, Keywords: []string{"join"}})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(got) != 1 || got[0].Namespace != "user/B/educational" {
		t.Errorf("user/B search = %+v, want only user/B/educational", got)
	}

	got, err = s.SearchMemory(ctx, MemoryQuery{Namespace: "user/A", Subtree: true, Keywords: []string{"join"}})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("user/A search returned %d records, want 2: %+v", len(got), got)
	}
	for _, r := range got {
		if r.Namespace != "user/A/educational" && r.Namespace != "user/A/gaps" {
			t.Errorf("user/A search leaked %q", r.Namespace)
		}
	}
}

func TestSearchMemory_RanksByKeywordHits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	puts := []struct {
		key, value string
	}{
		{"one", "left join basics"},
		{"both", "left join with null handling"},
		{"none", "aggregation"},
	}
	for i, p := range puts {
		frozenClock(s, t0.Add(time.Duration(i)*time.Minute))
		if _, err := s.PutMemory(ctx, MemoryRecord{Namespace: "ns", Key: p.key, Value: p.value}); err != nil {
			t.Fatalf("PutMemory: %v", err)
		}
	}

	got, err := s.SearchMemory(ctx, MemoryQuery{Namespace: "ns", Keywords: []string{"join", "null"}})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Key != "both" || got[1].Key != "one" {
		t.Errorf("order = %s,%s, want both,one", got[0].Key, got[1].Key)
	}

	recent, err := s.SearchMemory(ctx, MemoryQuery{Namespace: "ns", Limit: 1})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(recent) != 1 || recent[0].Key != "none" {
		t.Errorf("keywordless search = %+v, want most recent record", recent)
	}
}

func TestSearchMemory_LiteralWildcards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.PutMemory(ctx, MemoryRecord{Namespace: "ns", Key: "k", Value: "100 percent"}); err != nil {
		t.Fatalf("PutMemory: %v", err)
	}

	got, err := s.SearchMemory(ctx, MemoryQuery{Namespace: "ns", Keywords: []string{"%"}})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("%% matched as wildcard: %+v", got)
	}
}

func TestCatalog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpsertExercise(ctx, Exercise{PracticeID: "9", ExerciseID: "1", Statement: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("exercise without practice err = %v, want ErrNotFound", err)
	}

	if err := s.UpsertPractice(ctx, Practice{ID: "2", Subject: "databases", Title: "SQL joins"}); err != nil {
		t.Fatalf("UpsertPractice: %v", err)
	}
	ex := Exercise{PracticeID: "2", ExerciseID: "1.d", Statement: "List customers without orders", ExpectedSolution: "LEFT JOIN ... WHERE o.id IS NULL"}
	if err := s.UpsertExercise(ctx, ex); err != nil {
		t.Fatalf("UpsertExercise: %v", err)
	}
	ex.Hint = "think about NULLs"
	if err := s.UpsertExercise(ctx, ex); err != nil {
		t.Fatalf("UpsertExercise (update): %v", err)
	}

	got, err := s.GetExercise(ctx, "2", "1.d")
	if err != nil {
		t.Fatalf("GetExercise: %v", err)
	}
	if got.Hint != "think about NULLs" || got.Statement != ex.Statement {
		t.Errorf("exercise = %+v", got)
	}

	list, err := s.ListExercises(ctx, "2")
	if err != nil {
		t.Fatalf("ListExercises: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len(list) = %d, want 1", len(list))
	}

	if _, err := s.GetExercise(ctx, "2", "9.z"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExercise(missing) err = %v, want ErrNotFound", err)
	}
}

func TestJobs_ClaimFailComplete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "embed_knowledge", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob(ctx, []string{"embed_knowledge"})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	if again, _ := s.ClaimNextJob(ctx, []string{"embed_knowledge"}); again != nil {
		t.Fatalf("running job claimed twice")
	}

	if err := s.FailJob(ctx, "j1", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	status, lastErr, err := s.JobStatus(ctx, "j1")
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if status != "pending" || lastErr != "boom" {
		t.Errorf("after first failure status=%q lastErr=%q", status, lastErr)
	}

	// Skip the backoff.
	frozenClock(s, time.Now().Add(time.Minute))
	if _, err := s.ClaimNextJob(ctx, []string{"embed_knowledge"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob(ctx, "j1", "boom again"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if status, _, _ := s.JobStatus(ctx, "j1"); status != "failed" {
		t.Errorf("status after max attempts = %q, want failed", status)
	}

	if err := s.EnqueueJob(ctx, Job{ID: "j2", Type: "embed_knowledge", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"embed_knowledge"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j2"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestKnowledgeDocs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := KnowledgeDoc{ID: "d1", Title: "Joins", Content: "A LEFT JOIN keeps all rows", Source: "notes", Subject: "databases"}
	if err := s.SaveKnowledgeDoc(ctx, doc); err != nil {
		t.Fatalf("SaveKnowledgeDoc: %v", err)
	}
	if err := s.SaveKnowledgeDoc(ctx, doc); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate save err = %v, want ErrConflict", err)
	}

	got, err := s.GetKnowledgeDoc(ctx, "d1")
	if err != nil {
		t.Fatalf("GetKnowledgeDoc: %v", err)
	}
	if got.Tags != "[]" || got.Subject != "databases" {
		t.Errorf("doc = %+v", got)
	}

	list, err := s.ListKnowledgeDocs(ctx, 10)
	if err != nil {
		t.Fatalf("ListKnowledgeDocs: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len(list) = %d, want 1", len(list))
	}
}
