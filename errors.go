package satchel

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the satchel package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrQuotaExceeded is returned when a write is refused after a cleanup
	// attempt failed to free enough space in the target partition.
	ErrQuotaExceeded = errors.New("partition quota exceeded")

	// ErrStaleWrite is returned when a put carries a base version lower than
	// the committed version for the same key.
	ErrStaleWrite = errors.New("stale write rejected")

	// ErrActionDeadLettered is returned for a mutation that permanently
	// failed after exhausting its retries.
	ErrActionDeadLettered = errors.New("action dead-lettered")

	// ErrCorruptionDetected is returned when an entry fails a structural
	// validity check.
	ErrCorruptionDetected = errors.New("corruption detected")

	// ErrChecksumMismatch is returned when a stored digest does not match a
	// freshly computed digest of the stored data.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSchemaViolation is returned when stored data fails round-trip
	// serialization.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrSyncConflict is returned when the remote rejects a mutation because
	// of a version conflict.
	ErrSyncConflict = errors.New("sync conflict")

	// ErrRecoveryFailed is returned when all recovery strategies for a
	// corrupt key are exhausted.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrBackupCorrupted is returned when a backup fails checksum
	// verification before restore.
	ErrBackupCorrupted = errors.New("backup corrupted")

	// ErrNotFound is returned by backend lookups for missing keys.
	ErrNotFound = errors.New("key not found")

	// ErrAdjudicationRequired is returned when a manual conflict strategy
	// produced a provisional result awaiting external adjudication.
	ErrAdjudicationRequired = errors.New("manual adjudication required")
)

// ErrorKind categorizes engine failures.
type ErrorKind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown ErrorKind = iota
	// KindQuota indicates a write was refused by the eviction manager.
	KindQuota
	// KindStaleWrite indicates an out-of-order versioned write.
	KindStaleWrite
	// KindDeadLetter indicates a permanently failed queued mutation.
	KindDeadLetter
	// KindCorruption indicates a failed integrity check.
	KindCorruption
	// KindConflict indicates a remote version conflict.
	KindConflict
	// KindRecovery indicates exhausted recovery for a corrupt key.
	KindRecovery
)

// StoreError provides detailed information about engine failures.
type StoreError struct {
	Kind      ErrorKind
	Key       string
	Partition Partition
	Message   string
	Cause     error
}

func (e *StoreError) Error() string {
	prefix := e.Message
	if e.Key != "" {
		prefix = fmt.Sprintf("%s (key %q)", e.Message, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Cause)
	}
	return prefix
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	switch e.Kind {
	case KindQuota:
		return target == ErrQuotaExceeded
	case KindStaleWrite:
		return target == ErrStaleWrite
	case KindDeadLetter:
		return target == ErrActionDeadLettered
	case KindCorruption:
		return target == ErrCorruptionDetected
	case KindConflict:
		return target == ErrSyncConflict
	case KindRecovery:
		return target == ErrRecoveryFailed
	}
	return false
}

func quotaError(partition Partition, key string, need int64) *StoreError {
	return &StoreError{
		Kind:      KindQuota,
		Key:       key,
		Partition: partition,
		Message:   fmt.Sprintf("partition %s cannot admit %d bytes", partition, need),
	}
}

func staleWriteError(partition Partition, key string, base, committed int64) *StoreError {
	return &StoreError{
		Kind:      KindStaleWrite,
		Key:       key,
		Partition: partition,
		Message:   fmt.Sprintf("base version %d is behind committed version %d", base, committed),
	}
}

// VersionConflictError is reported by a remote backend when a mutation was
// rejected because the server holds a different version of the record.
type VersionConflictError struct {
	Key           string
	ServerValue   Document
	ServerVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %q (server version %d)", e.Key, e.ServerVersion)
}

// Is reports ErrSyncConflict for errors.Is matching.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrSyncConflict
}
