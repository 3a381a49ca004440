package satchel

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StoredEntry is the serialized form of a cache entry as persisted by a
// backend. The store decodes Data back into a Document on read.
type StoredEntry struct {
	Key       string
	Partition Partition
	Data      []byte
	CreatedAt time.Time
	TTL       time.Duration // zero means no expiry
	Version   int64
	Checksum  string
	InsertSeq int64 // backend-assigned, monotonic per origin
}

// MigrationRecord describes one applied schema migration.
type MigrationRecord struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Backend is the durable substrate shared by the cache store, action queue,
// integrity log, and per-key backup copies. Implementations must make
// CompareAndPutEntry atomic so that cross-context writers are linearized by
// the backend rather than by in-process locking.
type Backend interface {
	// GetEntry returns the stored entry for key, or ErrNotFound.
	GetEntry(ctx context.Context, key string) (*StoredEntry, error)

	// CompareAndPutEntry commits an entry, assigning version prior+1 (1 for
	// a new key). If base is non-negative and lower than the committed
	// version, the write is rejected with ErrStaleWrite and nothing changes.
	// A negative base is a blind put and always succeeds; a blind put whose
	// entry carries a version above prior+1 commits at that version, which
	// lets a snapshot restore keep the archived version history.
	CompareAndPutEntry(ctx context.Context, entry StoredEntry, base int64) (*StoredEntry, error)

	// DeleteEntry removes an entry. Deleting a missing key is not an error.
	DeleteEntry(ctx context.Context, key string) error

	// ListEntries returns entries for one partition, or all entries when
	// partition is empty, ordered by insertion sequence.
	ListEntries(ctx context.Context, partition Partition) ([]StoredEntry, error)

	// AppendAction durably appends a pending action. Appends never
	// deduplicate by content.
	AppendAction(ctx context.Context, action PendingAction) error

	// ListActions returns pending actions in enqueue order.
	ListActions(ctx context.Context) ([]PendingAction, error)

	// UpdateActionRetry re-persists an action's retry count.
	UpdateActionRetry(ctx context.Context, id string, retryCount int) error

	// DeleteAction removes an action by id.
	DeleteAction(ctx context.Context, id string) error

	// AppendIntegrityEvent appends to the durable integrity log.
	AppendIntegrityEvent(ctx context.Context, event IntegrityLogEntry) error

	// ListIntegrityEvents returns the most recent events, newest last.
	ListIntegrityEvents(ctx context.Context, limit int) ([]IntegrityLogEntry, error)

	// ClearIntegrityEvents empties the integrity log.
	ClearIntegrityEvents(ctx context.Context) error

	// PutBackupCopy stores a checksum-stamped backup copy for a key.
	PutBackupCopy(ctx context.Context, key string, data []byte, checksum string) error

	// GetBackupCopy returns the backup copy and its checksum, or ErrNotFound.
	GetBackupCopy(ctx context.Context, key string) ([]byte, string, error)

	// Migrations lists applied schema migrations, oldest first.
	Migrations(ctx context.Context) ([]MigrationRecord, error)

	// Reset clears all entries, actions, backup copies, and integrity
	// events. Migration history survives.
	Reset(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Ensure backends implement the interface.
var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*SQLiteBackend)(nil)
)

type backupCopy struct {
	data     []byte
	checksum string
}

// MemoryBackend implements Backend with in-process maps. It backs tests and
// ephemeral browsing contexts where nothing should outlive the process.
type MemoryBackend struct {
	mu        sync.RWMutex
	entries   map[string]StoredEntry
	actions   []PendingAction
	events    []IntegrityLogEntry
	backups   map[string]backupCopy
	insertSeq int64
	closed    bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]StoredEntry),
		backups: make(map[string]backupCopy),
	}
}

func (mb *MemoryBackend) GetEntry(_ context.Context, key string) (*StoredEntry, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return nil, ErrClosed
	}
	entry, ok := mb.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := entry
	out.Data = append([]byte(nil), entry.Data...)
	return &out, nil
}

func (mb *MemoryBackend) CompareAndPutEntry(_ context.Context, entry StoredEntry, base int64) (*StoredEntry, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil, ErrClosed
	}

	var prior int64
	if existing, ok := mb.entries[entry.Key]; ok {
		prior = existing.Version
		entry.InsertSeq = existing.InsertSeq
	} else {
		mb.insertSeq++
		entry.InsertSeq = mb.insertSeq
	}
	if base >= 0 && base < prior {
		return nil, staleWriteError(entry.Partition, entry.Key, base, prior)
	}

	version := prior + 1
	if base < 0 && entry.Version > version {
		version = entry.Version
	}
	entry.Version = version
	entry.Data = append([]byte(nil), entry.Data...)
	mb.entries[entry.Key] = entry
	out := entry
	return &out, nil
}

func (mb *MemoryBackend) DeleteEntry(_ context.Context, key string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	delete(mb.entries, key)
	return nil
}

func (mb *MemoryBackend) ListEntries(_ context.Context, partition Partition) ([]StoredEntry, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return nil, ErrClosed
	}
	out := make([]StoredEntry, 0, len(mb.entries))
	for _, entry := range mb.entries {
		if partition != "" && entry.Partition != partition {
			continue
		}
		copied := entry
		copied.Data = append([]byte(nil), entry.Data...)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertSeq < out[j].InsertSeq })
	return out, nil
}

func (mb *MemoryBackend) AppendAction(_ context.Context, action PendingAction) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	mb.actions = append(mb.actions, action)
	return nil
}

func (mb *MemoryBackend) ListActions(_ context.Context) ([]PendingAction, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return nil, ErrClosed
	}
	return append([]PendingAction(nil), mb.actions...), nil
}

func (mb *MemoryBackend) UpdateActionRetry(_ context.Context, id string, retryCount int) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	for i := range mb.actions {
		if mb.actions[i].ID == id {
			mb.actions[i].RetryCount = retryCount
			return nil
		}
	}
	return ErrNotFound
}

func (mb *MemoryBackend) DeleteAction(_ context.Context, id string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	for i := range mb.actions {
		if mb.actions[i].ID == id {
			mb.actions = append(mb.actions[:i], mb.actions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (mb *MemoryBackend) AppendIntegrityEvent(_ context.Context, event IntegrityLogEntry) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	mb.events = append(mb.events, event)
	return nil
}

func (mb *MemoryBackend) ListIntegrityEvents(_ context.Context, limit int) ([]IntegrityLogEntry, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return nil, ErrClosed
	}
	events := mb.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]IntegrityLogEntry(nil), events...), nil
}

func (mb *MemoryBackend) ClearIntegrityEvents(_ context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	mb.events = nil
	return nil
}

func (mb *MemoryBackend) PutBackupCopy(_ context.Context, key string, data []byte, checksum string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	mb.backups[key] = backupCopy{data: append([]byte(nil), data...), checksum: checksum}
	return nil
}

func (mb *MemoryBackend) GetBackupCopy(_ context.Context, key string) ([]byte, string, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return nil, "", ErrClosed
	}
	copyRec, ok := mb.backups[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return append([]byte(nil), copyRec.data...), copyRec.checksum, nil
}

func (mb *MemoryBackend) Migrations(_ context.Context) ([]MigrationRecord, error) {
	return nil, nil
}

func (mb *MemoryBackend) Reset(_ context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrClosed
	}
	mb.entries = make(map[string]StoredEntry)
	mb.actions = nil
	mb.events = nil
	mb.backups = make(map[string]backupCopy)
	return nil
}

func (mb *MemoryBackend) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	return nil
}
