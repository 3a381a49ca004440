package satchel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CacheEntry is the decoded view of one stored record.
type CacheEntry struct {
	Key       string        `json:"key"`
	Partition Partition     `json:"partition"`
	Data      Document      `json:"data"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl,omitempty"`
	Version   int64         `json:"version"`
	Checksum  string        `json:"checksum,omitempty"`
}

// Expired reports whether the entry is logically absent at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// PutOptions carries optional per-write parameters.
type PutOptions struct {
	// TTL bounds the entry's lifetime; zero means no expiry.
	TTL time.Duration

	// BaseVersion, when positive, is the version the caller last observed
	// for the key. A put whose base version is behind the committed version
	// fails with ErrStaleWrite instead of overwriting newer data. Zero
	// means a blind put, which always succeeds and bumps the version.
	BaseVersion int64
}

// StoreStats contains store counters and tracked sizes.
type StoreStats struct {
	Entries        int                 `json:"entries"`
	TotalBytes     int64               `json:"total_bytes"`
	PartitionBytes map[Partition]int64 `json:"partition_bytes"`
	Hits           int64               `json:"hits"`
	Misses         int64               `json:"misses"`
	Expirations    int64               `json:"expirations"`
	Writes         int64               `json:"writes"`
}

// Store is the persistent key-value cache with per-entry TTL, a monotonic
// version counter, and typed partitions. Entry bytes live in the backend;
// the store keeps a metadata index for eviction and size accounting.
type Store struct {
	backend  Backend
	checksum *ChecksumEngine
	policies *PolicyTable
	eviction *EvictionManager

	now func() time.Time

	mu       sync.RWMutex
	metas    map[string]EntryMeta
	partSize map[Partition]int64

	hits        atomic.Int64
	misses      atomic.Int64
	expirations atomic.Int64
	writes      atomic.Int64
}

// NewStore creates a cache store over the given backend and binds it to the
// eviction manager. The metadata index is rebuilt from the backend so sizes
// and insertion order survive a reload.
func NewStore(ctx context.Context, backend Backend, checksum *ChecksumEngine, policies *PolicyTable, eviction *EvictionManager) (*Store, error) {
	st := &Store{
		backend:  backend,
		checksum: checksum,
		policies: policies,
		eviction: eviction,
		now:      time.Now,
		metas:    make(map[string]EntryMeta),
		partSize: make(map[Partition]int64),
	}

	entries, err := backend.ListEntries(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("rebuild store index: %w", err)
	}
	for _, entry := range entries {
		meta := EntryMeta{
			Key:       entry.Key,
			Partition: entry.Partition,
			Size:      int64(len(entry.Data)),
			CreatedAt: entry.CreatedAt,
			TTL:       entry.TTL,
			InsertSeq: entry.InsertSeq,
		}
		st.metas[entry.Key] = meta
		st.partSize[entry.Partition] += meta.Size
	}

	if eviction != nil {
		eviction.Bind(st)
	}
	return st, nil
}

// Put writes a document under an explicit partition. The committed version
// is the prior version plus one, starting at 1 for a new key. Admission is
// checked against the partition budget before anything is committed; a
// refused write fails with ErrQuotaExceeded and leaves the prior value
// untouched.
func (st *Store) Put(ctx context.Context, partition Partition, key string, value Document, opts PutOptions) (*CacheEntry, error) {
	if key == "" {
		return nil, fmt.Errorf("put: empty key")
	}
	data, err := value.Marshal()
	if err != nil {
		return nil, fmt.Errorf("put %q: %w", key, err)
	}

	size := int64(len(data))
	var replaces int64
	st.mu.RLock()
	// A replaced entry only frees space in the partition the write targets.
	if meta, ok := st.metas[key]; ok && meta.Partition == partition {
		replaces = meta.Size
	}
	st.mu.RUnlock()

	if st.eviction != nil {
		if err := st.eviction.Admit(ctx, partition, key, size, replaces); err != nil {
			return nil, err
		}
	}

	base := int64(-1)
	if opts.BaseVersion > 0 {
		base = opts.BaseVersion
	}
	entry := StoredEntry{
		Key:       key,
		Partition: partition,
		Data:      data,
		CreatedAt: st.now().UTC(),
		TTL:       opts.TTL,
		Checksum:  st.checksum.Sum(data),
	}
	committed, err := st.backend.CompareAndPutEntry(ctx, entry, base)
	if err != nil {
		return nil, err
	}
	st.writes.Add(1)

	meta := EntryMeta{
		Key:        key,
		Partition:  partition,
		Size:       size,
		CreatedAt:  committed.CreatedAt,
		TTL:        committed.TTL,
		InsertSeq:  committed.InsertSeq,
		LastAccess: committed.CreatedAt,
	}
	st.mu.Lock()
	if old, ok := st.metas[key]; ok {
		st.partSize[old.Partition] -= old.Size
	}
	st.metas[key] = meta
	st.partSize[partition] += size
	st.mu.Unlock()

	return &CacheEntry{
		Key:       key,
		Partition: partition,
		Data:      value,
		CreatedAt: committed.CreatedAt,
		TTL:       committed.TTL,
		Version:   committed.Version,
		Checksum:  committed.Checksum,
	}, nil
}

// Get returns the document for key. An expired entry is deleted lazily and
// reported absent; a missing key is absent, not an error.
func (st *Store) Get(ctx context.Context, key string) (Document, bool, error) {
	entry, ok, err := st.GetEntry(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Data, true, nil
}

// GetEntry returns the full cache entry for key, or absent.
func (st *Store) GetEntry(ctx context.Context, key string) (*CacheEntry, bool, error) {
	stored, err := st.backend.GetEntry(ctx, key)
	if errors.Is(err, ErrNotFound) {
		st.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if st.entryExpired(stored) {
		st.expirations.Add(1)
		st.misses.Add(1)
		if err := st.removeOne(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	doc, err := DecodeDocument(stored.Data)
	if err != nil {
		return nil, false, &StoreError{
			Kind:      KindCorruption,
			Key:       key,
			Partition: stored.Partition,
			Message:   "stored data failed to decode",
			Cause:     err,
		}
	}

	st.hits.Add(1)
	now := st.now().UTC()
	st.mu.Lock()
	if meta, ok := st.metas[key]; ok {
		meta.LastAccess = now
		st.metas[key] = meta
	}
	st.mu.Unlock()

	return &CacheEntry{
		Key:       stored.Key,
		Partition: stored.Partition,
		Data:      doc,
		CreatedAt: stored.CreatedAt,
		TTL:       stored.TTL,
		Version:   stored.Version,
		Checksum:  stored.Checksum,
	}, true, nil
}

// Delete removes an entry. Deleting a missing key is not an error.
func (st *Store) Delete(ctx context.Context, key string) error {
	return st.removeOne(ctx, key)
}

func (st *Store) entryExpired(entry *StoredEntry) bool {
	return entry.TTL > 0 && st.now().Sub(entry.CreatedAt) > entry.TTL
}

func (st *Store) removeOne(ctx context.Context, key string) error {
	if err := st.backend.DeleteEntry(ctx, key); err != nil {
		return err
	}
	st.mu.Lock()
	if meta, ok := st.metas[key]; ok {
		st.partSize[meta.Partition] -= meta.Size
		delete(st.metas, key)
	}
	st.mu.Unlock()
	return nil
}

// PartitionMetas implements StoreView.
func (st *Store) PartitionMetas(partition Partition) []EntryMeta {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]EntryMeta, 0)
	for _, meta := range st.metas {
		if meta.Partition == partition {
			out = append(out, meta)
		}
	}
	return out
}

// PartitionSize implements StoreView.
func (st *Store) PartitionSize(partition Partition) int64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.partSize[partition]
}

// RemoveEntries implements StoreView.
func (st *Store) RemoveEntries(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := st.removeOne(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// SweepExpired implements StoreView; it removes every expired entry.
func (st *Store) SweepExpired(ctx context.Context) (int, error) {
	now := st.now()
	st.mu.RLock()
	var expired []string
	for key, meta := range st.metas {
		if meta.expired(now) {
			expired = append(expired, key)
		}
	}
	st.mu.RUnlock()

	for _, key := range expired {
		if err := st.removeOne(ctx, key); err != nil {
			return 0, err
		}
	}
	if n := len(expired); n > 0 {
		st.expirations.Add(int64(n))
	}
	return len(expired), nil
}

// StaleKeys returns keys in a partition whose entries are older than the
// partition's MaxAge, used by the refresh cycle.
func (st *Store) StaleKeys(partition Partition) []string {
	policy := st.policies.Lookup(partition)
	cutoff := st.now().Add(-policy.MaxAge)
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []string
	for key, meta := range st.metas {
		if meta.Partition == partition && meta.CreatedAt.Before(cutoff) {
			out = append(out, key)
		}
	}
	return out
}

// ReloadIndex rebuilds the metadata index from the backend, discarding
// in-process access recency. Used after a snapshot restore.
func (st *Store) ReloadIndex(ctx context.Context) error {
	entries, err := st.backend.ListEntries(ctx, "")
	if err != nil {
		return fmt.Errorf("reload store index: %w", err)
	}
	metas := make(map[string]EntryMeta, len(entries))
	partSize := make(map[Partition]int64)
	for _, entry := range entries {
		meta := EntryMeta{
			Key:       entry.Key,
			Partition: entry.Partition,
			Size:      int64(len(entry.Data)),
			CreatedAt: entry.CreatedAt,
			TTL:       entry.TTL,
			InsertSeq: entry.InsertSeq,
		}
		metas[entry.Key] = meta
		partSize[entry.Partition] += meta.Size
	}
	st.mu.Lock()
	st.metas = metas
	st.partSize = partSize
	st.mu.Unlock()
	return nil
}

// TotalBytes returns the tracked size of all partitions.
func (st *Store) TotalBytes() int64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var total int64
	for _, size := range st.partSize {
		total += size
	}
	return total
}

// Stats returns store counters and per-partition sizes.
func (st *Store) Stats() StoreStats {
	st.mu.RLock()
	sizes := make(map[Partition]int64, len(st.partSize))
	var total int64
	for partition, size := range st.partSize {
		sizes[partition] = size
		total += size
	}
	entries := len(st.metas)
	st.mu.RUnlock()

	return StoreStats{
		Entries:        entries,
		TotalBytes:     total,
		PartitionBytes: sizes,
		Hits:           st.hits.Load(),
		Misses:         st.misses.Load(),
		Expirations:    st.expirations.Load(),
		Writes:         st.writes.Load(),
	}
}

var _ StoreView = (*Store)(nil)
