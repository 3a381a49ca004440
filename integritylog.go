package satchel

import (
	"context"
	"sync"
	"time"
)

// IntegrityEventKind classifies integrity log entries.
type IntegrityEventKind string

const (
	// EventCheck records a completed integrity scan.
	EventCheck IntegrityEventKind = "check"
	// EventRecoverySuccess records a corrupt key restored to a valid state.
	EventRecoverySuccess IntegrityEventKind = "recovery_success"
	// EventRecoveryFailure records a key whose recovery strategies were
	// exhausted.
	EventRecoveryFailure IntegrityEventKind = "recovery_failure"
	// EventConflictResolution records an applied conflict resolution.
	EventConflictResolution IntegrityEventKind = "conflict_resolution"
)

// IntegrityLogEntry is one append-only audit record. Entries are write-once.
type IntegrityLogEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	Kind      IntegrityEventKind `json:"kind"`
	Key       string             `json:"key,omitempty"`
	Details   string             `json:"details"`
}

// IntegrityLog is a bounded ring of the most recent audit entries, mirrored
// to the backend so postmortems survive a reload. The oldest entries fall off
// the ring FIFO regardless of kind.
type IntegrityLog struct {
	backend  Backend
	capacity int

	mu      sync.Mutex
	entries []IntegrityLogEntry
	start   int
	count   int
}

// NewIntegrityLog creates a log retaining at most capacity entries in memory,
// seeded with the most recent durable events so a reopened store keeps its
// history. A non-positive capacity defaults to 200.
func NewIntegrityLog(backend Backend, capacity int) *IntegrityLog {
	if capacity <= 0 {
		capacity = 200
	}
	il := &IntegrityLog{
		backend:  backend,
		capacity: capacity,
		entries:  make([]IntegrityLogEntry, capacity),
	}
	if backend != nil {
		if prior, err := backend.ListIntegrityEvents(context.Background(), capacity); err == nil {
			copy(il.entries, prior)
			il.count = len(prior)
		}
	}
	return il
}

// Append records an event. Backend append failures are swallowed; losing an
// audit line must never fail the operation being audited.
func (il *IntegrityLog) Append(ctx context.Context, kind IntegrityEventKind, key, details string) {
	entry := IntegrityLogEntry{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Key:       key,
		Details:   details,
	}

	il.mu.Lock()
	idx := (il.start + il.count) % il.capacity
	il.entries[idx] = entry
	if il.count < il.capacity {
		il.count++
	} else {
		il.start = (il.start + 1) % il.capacity
	}
	il.mu.Unlock()

	if il.backend != nil {
		_ = il.backend.AppendIntegrityEvent(ctx, entry)
	}
}

// Recent returns up to limit entries, oldest first. A non-positive limit
// returns the full ring.
func (il *IntegrityLog) Recent(limit int) []IntegrityLogEntry {
	il.mu.Lock()
	defer il.mu.Unlock()
	n := il.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]IntegrityLogEntry, 0, n)
	for i := il.count - n; i < il.count; i++ {
		out = append(out, il.entries[(il.start+i)%il.capacity])
	}
	return out
}

// Clear empties both the ring and the durable log.
func (il *IntegrityLog) Clear(ctx context.Context) error {
	il.mu.Lock()
	il.start = 0
	il.count = 0
	il.mu.Unlock()
	if il.backend != nil {
		return il.backend.ClearIntegrityEvents(ctx)
	}
	return nil
}
