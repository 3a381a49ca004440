package satchel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// KeyState is the integrity state of one key within a scan.
type KeyState int

const (
	// StateUnchecked means the key has not yet been examined.
	StateUnchecked KeyState = iota
	// StateValid means the key passed all integrity checks.
	StateValid
	// StateCorrupt means the key failed a structural or checksum check.
	StateCorrupt
)

// ReconstructionRule rebuilds a category of data from related authoritative
// sources (for example, a price entry from the latest queued price action).
// Returning ErrNotFound means no reconstruction is possible for the key.
type ReconstructionRule func(ctx context.Context, key string) (Document, error)

// ScanReport summarizes one integrity scan.
type ScanReport struct {
	Checked       int           `json:"checked"`
	Valid         int           `json:"valid"`
	Corrupt       []string      `json:"corrupt,omitempty"`
	Recovered     []string      `json:"recovered,omitempty"`
	Unrecoverable []string      `json:"unrecoverable,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// IntegrityMonitor scans the cache store for corruption and drives the
// recovery pipeline: backup restore, reconstruction from authoritative data,
// then a category-appropriate default. Keys whose recovery exhausts all
// three steps are surfaced as unrecoverable, never silently passed off as
// valid.
type IntegrityMonitor struct {
	backend  Backend
	store    *Store
	checksum *ChecksumEngine
	log      *IntegrityLog

	rules    map[Partition]ReconstructionRule
	defaults map[Partition]Document

	scans      atomic.Int64
	recoveries atomic.Int64
	failures   atomic.Int64
}

// NewIntegrityMonitor creates a monitor over the store and its backend.
func NewIntegrityMonitor(backend Backend, store *Store, checksum *ChecksumEngine, log *IntegrityLog) *IntegrityMonitor {
	return &IntegrityMonitor{
		backend:  backend,
		store:    store,
		checksum: checksum,
		log:      log,
		rules:    make(map[Partition]ReconstructionRule),
		defaults: defaultDocuments(),
	}
}

// RegisterReconstruction installs a reconstruction rule for a partition.
func (im *IntegrityMonitor) RegisterReconstruction(partition Partition, rule ReconstructionRule) {
	im.rules[partition] = rule
}

// defaultDocuments are the category-appropriate safe values used as the last
// recovery step.
func defaultDocuments() map[Partition]Document {
	return map[Partition]Document{
		PartitionPrices:        {"price": float64(0), "stale": true},
		PartitionDeals:         {"status": "unknown"},
		PartitionMessages:      {"messages": []any{}},
		PartitionUsers:         {"profile": map[string]any{}},
		PartitionNotifications: {"items": []any{}},
	}
}

// Validate classifies one stored entry.
func (im *IntegrityMonitor) Validate(entry *StoredEntry) (KeyState, error) {
	if entry == nil || len(entry.Data) == 0 {
		return StateCorrupt, fmt.Errorf("%w: entry wrapper without data", ErrCorruptionDetected)
	}
	if entry.CreatedAt.IsZero() || entry.CreatedAt.Year() < 1971 {
		return StateCorrupt, fmt.Errorf("%w: invalid created_at", ErrCorruptionDetected)
	}
	doc, err := DecodeDocument(entry.Data)
	if err != nil {
		return StateCorrupt, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if _, err := doc.Marshal(); err != nil {
		return StateCorrupt, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if entry.Checksum != "" {
		if err := im.checksum.Verify(entry.Data, entry.Checksum); err != nil {
			return StateCorrupt, err
		}
	}
	return StateValid, nil
}

// Scan examines every stored entry. Valid entries get their keyed backup
// copy refreshed; corrupt entries go through recovery. The scan itself and
// each recovery outcome are appended to the integrity log.
func (im *IntegrityMonitor) Scan(ctx context.Context) (*ScanReport, error) {
	start := time.Now()
	im.scans.Add(1)

	entries, err := im.backend.ListEntries(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("integrity scan: %w", err)
	}

	report := &ScanReport{}
	for i := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		entry := &entries[i]
		report.Checked++

		state, verr := im.Validate(entry)
		if state == StateValid {
			report.Valid++
			// Refresh the keyed backup while the entry is known good.
			_ = im.backend.PutBackupCopy(ctx, entry.Key, entry.Data, entry.Checksum)
			continue
		}

		report.Corrupt = append(report.Corrupt, entry.Key)
		if im.recover(ctx, entry, verr) {
			report.Recovered = append(report.Recovered, entry.Key)
		} else {
			report.Unrecoverable = append(report.Unrecoverable, entry.Key)
		}
	}

	report.Duration = time.Since(start)
	im.log.Append(ctx, EventCheck, "",
		fmt.Sprintf("checked=%d corrupt=%d recovered=%d unrecoverable=%d",
			report.Checked, len(report.Corrupt), len(report.Recovered), len(report.Unrecoverable)))
	return report, nil
}

// CheckKey validates a single key and recovers it if corrupt. The returned
// state reflects the key after any recovery. ErrRecoveryFailed is returned
// when every strategy was exhausted.
func (im *IntegrityMonitor) CheckKey(ctx context.Context, key string) (KeyState, error) {
	entry, err := im.backend.GetEntry(ctx, key)
	if err != nil {
		return StateUnchecked, err
	}
	state, verr := im.Validate(entry)
	if state == StateValid {
		return StateValid, nil
	}
	if im.recover(ctx, entry, verr) {
		return StateValid, nil
	}
	return StateCorrupt, &StoreError{
		Kind:      KindRecovery,
		Key:       key,
		Partition: entry.Partition,
		Message:   "all recovery strategies exhausted",
		Cause:     verr,
	}
}

// recover attempts the strict three-step pipeline for a corrupt entry. Each
// candidate is re-validated before commit; success and failure are both
// logged.
func (im *IntegrityMonitor) recover(ctx context.Context, entry *StoredEntry, cause error) bool {
	type attempt struct {
		source    string
		candidate func() (Document, error)
	}
	attempts := []attempt{
		{"backup", func() (Document, error) { return im.fromBackup(ctx, entry.Key) }},
		{"reconstruction", func() (Document, error) { return im.fromReconstruction(ctx, entry) }},
		{"default", func() (Document, error) { return im.fromDefault(entry.Partition) }},
	}

	for _, a := range attempts {
		doc, err := a.candidate()
		if err != nil {
			continue
		}
		if doc == nil {
			continue
		}
		if !im.commitRecovered(ctx, entry, doc) {
			continue
		}
		im.recoveries.Add(1)
		im.log.Append(ctx, EventRecoverySuccess, entry.Key,
			fmt.Sprintf("recovered via %s (cause: %v)", a.source, cause))
		return true
	}

	im.failures.Add(1)
	im.log.Append(ctx, EventRecoveryFailure, entry.Key,
		fmt.Sprintf("all strategies exhausted (cause: %v)", cause))
	return false
}

// fromBackup loads the keyed backup copy, verifying its own checksum before
// acceptance. A backup that fails verification is BackupCorrupted, not a
// candidate.
func (im *IntegrityMonitor) fromBackup(ctx context.Context, key string) (Document, error) {
	data, checksum, err := im.backend.GetBackupCopy(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := im.checksum.Verify(data, checksum); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupCorrupted, err)
	}
	return DecodeDocument(data)
}

func (im *IntegrityMonitor) fromReconstruction(ctx context.Context, entry *StoredEntry) (Document, error) {
	rule, ok := im.rules[entry.Partition]
	if !ok {
		return nil, ErrNotFound
	}
	return rule(ctx, entry.Key)
}

func (im *IntegrityMonitor) fromDefault(partition Partition) (Document, error) {
	doc, ok := im.defaults[partition]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// commitRecovered validates the candidate once more and writes it back
// through the store so the entry is re-stamped with a fresh checksum and the
// next version.
func (im *IntegrityMonitor) commitRecovered(ctx context.Context, entry *StoredEntry, doc Document) bool {
	data, err := doc.Marshal()
	if err != nil {
		return false
	}
	if _, err := DecodeDocument(data); err != nil {
		return false
	}
	if err := im.checksum.Verify(data, im.checksum.Sum(data)); err != nil {
		return false
	}
	_, err = im.store.Put(ctx, entry.Partition, entry.Key, doc, PutOptions{TTL: entry.TTL})
	return err == nil
}

// IntegrityStats contains monitor counters.
type IntegrityStats struct {
	Scans      int64 `json:"scans"`
	Recoveries int64 `json:"recoveries"`
	Failures   int64 `json:"failures"`
}

// Stats returns monitor counters.
func (im *IntegrityMonitor) Stats() IntegrityStats {
	return IntegrityStats{
		Scans:      im.scans.Load(),
		Recoveries: im.recoveries.Load(),
		Failures:   im.failures.Load(),
	}
}
