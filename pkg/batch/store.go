package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/chatdigest/chatdigest/pkg/kv"
)

// Key shapes. Every key is scoped to one subject, so per-key atomicity
// in the underlying store is the only consistency the layout needs.
const (
	batchKeyPrefix = "batch::"
	indexKeyPrefix = "batch_index::"
)

// Store owns the physical layout of batches and their per-subject index
// on top of a kv.Store: append, windowed range query, and expiry-based
// deletion.
//
// The index is read-modify-written by both Append and CleanupBefore, and
// the two lanes of one subject may run concurrently, so index mutations
// are serialized per subject. Without the lock an append landing between
// cleanup's index read and rewrite would lose its entry, orphaning a
// batch the watermark has already advanced past.
type Store struct {
	kv kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a batch store over the given key-value backend
func NewStore(store kv.Store) *Store {
	return &Store{
		kv:    store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) subjectLock(subjectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[subjectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[subjectID] = l
	}
	return l
}

func batchKey(subjectID, batchID string) string {
	return batchKeyPrefix + subjectID + "::" + batchID
}

func indexKey(subjectID string) string {
	return indexKeyPrefix + subjectID
}

// Append writes the batch body, then appends {batch_id, created_at} to
// the subject's index. If the index append fails after the body write
// succeeded, the batch is orphaned: invisible to queries and reclaimed
// by the orphan sweep in CleanupBefore.
func (s *Store) Append(ctx context.Context, b Batch) (string, error) {
	if b.SubjectID == "" {
		return "", fmt.Errorf("append batch: subject id is empty")
	}
	if b.BatchID == "" {
		return "", fmt.Errorf("append batch: batch id is empty")
	}

	lock := s.subjectLock(b.SubjectID)
	lock.Lock()
	defer lock.Unlock()

	body, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode batch %s: %w", b.BatchID, err)
	}

	if err := s.kv.Put(ctx, batchKey(b.SubjectID, b.BatchID), body); err != nil {
		return "", fmt.Errorf("write batch body: %w", err)
	}

	index, err := s.readIndex(ctx, b.SubjectID)
	if err != nil {
		return "", fmt.Errorf("read index for append: %w", err)
	}
	index = append(index, IndexEntry{BatchID: b.BatchID, CreatedAt: b.CreatedAt})

	if err := s.writeIndex(ctx, b.SubjectID, index); err != nil {
		// Body is already durable; the batch is now an orphan
		return "", fmt.Errorf("append index entry (batch %s orphaned): %w", b.BatchID, err)
	}

	return b.BatchID, nil
}

// QueryWindow returns all batches whose CreatedAt lies in [start, end],
// ascending by CreatedAt (equal timestamps ordered by BatchID). It reads
// the index first and fetches bodies only for matching entries. A batch
// listed in the index but missing its body is logged and skipped.
func (s *Store) QueryWindow(ctx context.Context, subjectID string, start, end int64) ([]Batch, error) {
	index, err := s.readIndex(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var matching []IndexEntry
	for _, entry := range index {
		if entry.CreatedAt >= start && entry.CreatedAt <= end {
			matching = append(matching, entry)
		}
	}

	sort.Slice(matching, func(i, j int) bool {
		if matching[i].CreatedAt != matching[j].CreatedAt {
			return matching[i].CreatedAt < matching[j].CreatedAt
		}
		return matching[i].BatchID < matching[j].BatchID
	})

	batches := make([]Batch, 0, len(matching))
	for _, entry := range matching {
		body, err := s.kv.Get(ctx, batchKey(subjectID, entry.BatchID))
		if errors.Is(err, kv.ErrNotFound) {
			log.Printf("Batch body missing for indexed entry (subject %s, batch %s), skipping", subjectID, entry.BatchID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load batch %s: %w", entry.BatchID, err)
		}

		var b Batch
		if err := json.Unmarshal(body, &b); err != nil {
			log.Printf("Batch body corrupt (subject %s, batch %s), skipping: %v", subjectID, entry.BatchID, err)
			continue
		}
		batches = append(batches, b)
	}

	return batches, nil
}

// CleanupBefore deletes all batches with CreatedAt < threshold and
// removes their index entries, then sweeps orphaned bodies (written but
// never indexed) older than the same threshold. Idempotent; returns the
// number of indexed batches deleted.
func (s *Store) CleanupBefore(ctx context.Context, subjectID string, threshold int64) (int, error) {
	lock := s.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	index, err := s.readIndex(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("read index: %w", err)
	}

	var expired, retained []IndexEntry
	for _, entry := range index {
		if entry.CreatedAt < threshold {
			expired = append(expired, entry)
		} else {
			retained = append(retained, entry)
		}
	}

	deleted := 0
	for _, entry := range expired {
		if err := s.kv.Delete(ctx, batchKey(subjectID, entry.BatchID)); err != nil {
			log.Printf("Failed to delete expired batch (subject %s, batch %s): %v", subjectID, entry.BatchID, err)
			continue
		}
		deleted++
	}

	if len(expired) > 0 {
		if err := s.writeIndex(ctx, subjectID, retained); err != nil {
			return deleted, fmt.Errorf("rewrite index after cleanup: %w", err)
		}
	}

	orphans, err := s.sweepOrphans(ctx, subjectID, index, threshold)
	if err != nil {
		// Orphans self-heal on the next sweep; don't fail the cleanup
		log.Printf("Orphan sweep failed (subject %s): %v", subjectID, err)
	} else if orphans > 0 {
		log.Printf("Orphan sweep removed %d unindexed batch bodies (subject %s)", orphans, subjectID)
	}

	return deleted, nil
}

// sweepOrphans removes batch bodies that have no index entry and were
// created before threshold. The age check keeps a just-written body safe
// while its index append is still in flight.
func (s *Store) sweepOrphans(ctx context.Context, subjectID string, index []IndexEntry, threshold int64) (int, error) {
	indexed := make(map[string]bool, len(index))
	for _, entry := range index {
		indexed[entry.BatchID] = true
	}

	prefix := batchKeyPrefix + subjectID + "::"
	keys, err := s.kv.ListKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		batchID := strings.TrimPrefix(key, prefix)
		if indexed[batchID] {
			continue
		}

		body, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var b Batch
		if err := json.Unmarshal(body, &b); err == nil && b.CreatedAt >= threshold {
			continue
		}

		if err := s.kv.Delete(ctx, key); err != nil {
			log.Printf("Failed to delete orphaned batch body %s: %v", key, err)
			continue
		}
		removed++
	}

	return removed, nil
}

// Count returns the number of live (indexed) batches for a subject.
func (s *Store) Count(ctx context.Context, subjectID string) (int, error) {
	index, err := s.readIndex(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	return len(index), nil
}

// Summaries returns the subject's index entries ascending by CreatedAt,
// for status queries that don't need full batch bodies.
func (s *Store) Summaries(ctx context.Context, subjectID string) ([]IndexEntry, error) {
	index, err := s.readIndex(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	sort.Slice(index, func(i, j int) bool {
		if index[i].CreatedAt != index[j].CreatedAt {
			return index[i].CreatedAt < index[j].CreatedAt
		}
		return index[i].BatchID < index[j].BatchID
	})
	return index, nil
}

func (s *Store) readIndex(ctx context.Context, subjectID string) ([]IndexEntry, error) {
	data, err := s.kv.Get(ctx, indexKey(subjectID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var index []IndexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decode index for subject %s: %w", subjectID, err)
	}
	return index, nil
}

func (s *Store) writeIndex(ctx context.Context, subjectID string, index []IndexEntry) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode index for subject %s: %w", subjectID, err)
	}
	return s.kv.Put(ctx, indexKey(subjectID), data)
}
