package batch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chatdigest/chatdigest/pkg/kv"
	"github.com/chatdigest/chatdigest/pkg/kv/memory"
)

func testBatch(subjectID, batchID string, createdAt int64) Batch {
	return Batch{
		SubjectID:    subjectID,
		BatchID:      batchID,
		CreatedAt:    createdAt,
		MessageCount: 10,
		Topics:       []Topic{{Text: "topic-" + batchID}},
	}
}

func TestStore_AppendAndQueryWindow(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := NewStore(mem)
	ctx := context.Background()

	for _, b := range []Batch{
		testBatch("team-chat", "b1", 100),
		testBatch("team-chat", "b2", 200),
		testBatch("team-chat", "b3", 300),
	} {
		if _, err := store.Append(ctx, b); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Window bounds are inclusive on both ends
	got, err := store.QueryWindow(ctx, "team-chat", 100, 200)
	if err != nil {
		t.Fatalf("QueryWindow failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 batches in [100,200], got %d", len(got))
	}
	if got[0].BatchID != "b1" || got[1].BatchID != "b2" {
		t.Errorf("Expected ascending order b1,b2, got %s,%s", got[0].BatchID, got[1].BatchID)
	}

	// A window covering nothing
	got, err = store.QueryWindow(ctx, "team-chat", 400, 500)
	if err != nil {
		t.Fatalf("QueryWindow failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty result outside all batches, got %d", len(got))
	}
}

func TestStore_QueryWindowOrdersEqualTimestampsByID(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := NewStore(mem)
	ctx := context.Background()

	// Append out of id order
	for _, id := range []string{"zzz", "aaa", "mmm"} {
		if _, err := store.Append(ctx, testBatch("s", id, 100)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := store.QueryWindow(ctx, "s", 0, 200)
	if err != nil {
		t.Fatalf("QueryWindow failed: %v", err)
	}
	if got[0].BatchID != "aaa" || got[1].BatchID != "mmm" || got[2].BatchID != "zzz" {
		t.Errorf("Equal timestamps should order by batch id, got %s,%s,%s",
			got[0].BatchID, got[1].BatchID, got[2].BatchID)
	}
}

func TestStore_SubjectsIsolated(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := NewStore(mem)
	ctx := context.Background()

	store.Append(ctx, testBatch("alpha", "a1", 100))
	store.Append(ctx, testBatch("beta", "b1", 100))

	got, err := store.QueryWindow(ctx, "alpha", 0, 200)
	if err != nil {
		t.Fatalf("QueryWindow failed: %v", err)
	}
	if len(got) != 1 || got[0].BatchID != "a1" {
		t.Errorf("Expected only alpha's batch, got %+v", got)
	}
}

func TestStore_CleanupBefore(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := NewStore(mem)
	ctx := context.Background()

	for _, b := range []Batch{
		testBatch("team-chat", "b1", 100),
		testBatch("team-chat", "b2", 200),
		testBatch("team-chat", "b3", 300),
	} {
		if _, err := store.Append(ctx, b); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	deleted, err := store.CleanupBefore(ctx, "team-chat", 250)
	if err != nil {
		t.Fatalf("CleanupBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 batches deleted before 250, got %d", deleted)
	}

	got, err := store.QueryWindow(ctx, "team-chat", 0, 1000)
	if err != nil {
		t.Fatalf("QueryWindow failed: %v", err)
	}
	if len(got) != 1 || got[0].BatchID != "b3" {
		t.Errorf("Expected only b3 to survive, got %+v", got)
	}

	count, err := store.Count(ctx, "team-chat")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected count 1 after cleanup, got %d", count)
	}

	// Idempotent: running again deletes nothing
	deleted, err = store.CleanupBefore(ctx, "team-chat", 250)
	if err != nil {
		t.Fatalf("Second CleanupBefore failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected idempotent second cleanup, deleted %d", deleted)
	}
}

func TestStore_CleanupSweepsOldOrphans(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := NewStore(mem)
	ctx := context.Background()

	if _, err := store.Append(ctx, testBatch("s", "indexed", 300)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Simulate a crash between body write and index append: bodies with
	// no index entry, one old and one recent
	writeOrphan := func(id string, createdAt int64) {
		body, _ := json.Marshal(testBatch("s", id, createdAt))
		if err := mem.Put(ctx, batchKey("s", id), body); err != nil {
			t.Fatalf("Orphan setup failed: %v", err)
		}
	}
	writeOrphan("old-orphan", 100)
	writeOrphan("new-orphan", 300)

	if _, err := store.CleanupBefore(ctx, "s", 250); err != nil {
		t.Fatalf("CleanupBefore failed: %v", err)
	}

	keys, err := mem.ListKeys(ctx, batchKeyPrefix+"s::")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	remaining := map[string]bool{}
	for _, k := range keys {
		remaining[k] = true
	}
	if remaining[batchKey("s", "old-orphan")] {
		t.Error("Old orphaned body should have been swept")
	}
	if !remaining[batchKey("s", "new-orphan")] {
		t.Error("Recent orphaned body must survive the sweep")
	}
	if !remaining[batchKey("s", "indexed")] {
		t.Error("Indexed batch must survive the sweep")
	}
}

// indexReadHook lets a test inject work at the moment a subject's index
// is read from the backend.
type indexReadHook struct {
	kv.Store
	onIndexRead func()
}

func (h *indexReadHook) Get(ctx context.Context, key string) ([]byte, error) {
	if h.onIndexRead != nil && key == indexKey("s") {
		h.onIndexRead()
	}
	return h.Store.Get(ctx, key)
}

func TestStore_AppendDuringCleanupNotLost(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	hooked := &indexReadHook{Store: mem}
	store := NewStore(hooked)
	ctx := context.Background()

	if _, err := store.Append(ctx, testBatch("s", "old", 100)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := store.Append(ctx, testBatch("s", "live", 300)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Fire a concurrent append the moment cleanup reads the index. The
	// fresh batch sits inside every future report window; losing its
	// index entry would silently drop analyzed messages.
	appended := make(chan error, 1)
	var once sync.Once
	hooked.onIndexRead = func() {
		once.Do(func() {
			go func() {
				_, err := store.Append(ctx, testBatch("s", "fresh", 400))
				appended <- err
			}()
			// Give the append a chance to race the index rewrite
			time.Sleep(50 * time.Millisecond)
		})
	}

	if _, err := store.CleanupBefore(ctx, "s", 200); err != nil {
		t.Fatalf("CleanupBefore failed: %v", err)
	}
	if err := <-appended; err != nil {
		t.Fatalf("Concurrent append failed: %v", err)
	}

	got, err := store.QueryWindow(ctx, "s", 0, 1000)
	if err != nil {
		t.Fatalf("QueryWindow failed: %v", err)
	}
	found := map[string]bool{}
	for _, b := range got {
		found[b.BatchID] = true
	}
	if !found["fresh"] {
		t.Error("Batch appended during cleanup vanished from the index")
	}
	if !found["live"] {
		t.Error("Retained batch missing after cleanup")
	}
	if found["old"] {
		t.Error("Expired batch should have been deleted")
	}
}

func TestStore_QueryWindowSkipsMissingAndCorruptBodies(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := NewStore(mem)
	ctx := context.Background()

	store.Append(ctx, testBatch("s", "good", 100))
	store.Append(ctx, testBatch("s", "missing", 150))
	store.Append(ctx, testBatch("s", "corrupt", 200))

	if err := mem.Delete(ctx, batchKey("s", "missing")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := mem.Put(ctx, batchKey("s", "corrupt"), []byte("not json")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.QueryWindow(ctx, "s", 0, 300)
	if err != nil {
		t.Fatalf("QueryWindow should tolerate bad bodies: %v", err)
	}
	if len(got) != 1 || got[0].BatchID != "good" {
		t.Errorf("Expected only the intact batch, got %+v", got)
	}
}

func TestStore_Summaries(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := NewStore(mem)
	ctx := context.Background()

	store.Append(ctx, testBatch("s", "b2", 200))
	store.Append(ctx, testBatch("s", "b1", 100))

	entries, err := store.Summaries(ctx, "s")
	if err != nil {
		t.Fatalf("Summaries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].BatchID != "b1" || entries[1].BatchID != "b2" {
		t.Errorf("Summaries should be ascending by created_at, got %+v", entries)
	}
}

func TestStore_AppendValidates(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := NewStore(mem)
	ctx := context.Background()

	if _, err := store.Append(ctx, Batch{BatchID: "x"}); err == nil {
		t.Error("Append without subject id should fail")
	}
	if _, err := store.Append(ctx, Batch{SubjectID: "s"}); err == nil {
		t.Error("Append without batch id should fail")
	}
}
