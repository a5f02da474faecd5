package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/chatdigest/chatdigest/pkg/kv"
)

// Store implements kv.Store using BadgerDB (LSM tree)
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = conservative defaults)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64
}

// New creates a BadgerDB key-value backend
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// SAFETY: Conservative memory limits for small hosts
	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total
	// We use 48 MB total (16 MB memtable + 32 MB cache) for self-hosted
	var memTableSize, valueLogMaxEntries int64
	if cfg.MaxMemoryMB > 0 {
		// User specified limit - use it
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
		valueLogMaxEntries = 5000
	} else {
		// Default: 16 MB memtable is the minimum for decent performance
		// Below 16 MB causes excessive disk flushes
		memTableSize = 16 * 1024 * 1024
		valueLogMaxEntries = 5000
	}

	// CRITICAL MEMORY LIMITS: BadgerDB has multiple unbounded memory consumers
	// Without these limits, it can consume 1-2 GB even with small memtable
	blockCacheSize := memTableSize / 2 // Block cache: 50% of memtable
	indexCacheSize := memTableSize / 4 // Index cache: 25% of memtable

	opts = opts.
		WithCompression(options.Snappy). // Batch bodies compress well
		WithNumVersionsToKeep(1).        // We don't need versioning

		// Memory table configuration
		WithMemTableSize(memTableSize). // Limit memory table size
		WithNumMemtables(3).            // Limit concurrent memtables (3 = active + 2 flushing)

		// Block and index caching (CRITICAL for memory bounds)
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).

		// LSM tree configuration (reduces memory and disk usage)
		WithMaxLevels(4).               // Reduce LSM depth (default 7) for smaller datasets
		WithNumLevelZeroTables(2).      // Trigger compaction earlier (default 5)
		WithNumLevelZeroTablesStall(4). // Hard limit before stalling writes (default 10)
		WithValueThreshold(1024).       // Keep small values in LSM, large in vlog
		WithNumCompactors(1).           // Limit compaction threads to 1

		// Value log configuration
		WithValueLogMaxEntries(uint32(valueLogMaxEntries)).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of default 2GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the value stored under key
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type getResult struct {
		value []byte
		err   error
	}
	done := make(chan getResult, 1)

	go func() {
		var res getResult
		res.err = s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if err != nil {
				return err
			}
			res.value, err = item.ValueCopy(nil)
			return err
		})
		done <- res
	}()

	select {
	case res := <-done:
		if errors.Is(res.err, badger.ErrKeyNotFound) {
			return nil, kv.ErrNotFound
		}
		if res.err != nil {
			return nil, fmt.Errorf("%w: get %q: %v", kv.ErrStorage, key, res.err)
		}
		return res.value, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("get operation cancelled: %w", ctx.Err())
	}
}

// Put stores value under key
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(key), value)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: put %q: %v", kv.ErrStorage, key, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("put operation cancelled: %w", ctx.Err())
	}
}

// Delete removes key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: delete %q: %v", kv.ErrStorage, key, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// ListKeys returns all keys beginning with prefix, in lexical order
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type listResult struct {
		keys []string
		err  error
	}
	done := make(chan listResult, 1)

	go func() {
		var res listResult
		res.err = s.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchValues = false
			iterOpts.Prefix = []byte(prefix)

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++

				// Check context periodically (every 1000 iterations)
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				res.keys = append(res.keys, string(it.Item().KeyCopy(nil)))
			}
			return nil
		})
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: list %q: %v", kv.ErrStorage, prefix, res.err)
		}
		return res.keys, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("list operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted batch bodies
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}
