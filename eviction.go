package satchel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EntryMeta is the bookkeeping view of one cache entry used for eviction
// decisions. Access recency lives here, in process, while the entry bytes
// stay in the backend.
type EntryMeta struct {
	Key        string
	Partition  Partition
	Size       int64
	CreatedAt  time.Time
	TTL        time.Duration
	InsertSeq  int64
	LastAccess time.Time
}

// expired reports whether the entry is logically absent at now.
func (m EntryMeta) expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.CreatedAt) > m.TTL
}

// StoreView is the surface the eviction manager needs from the cache store.
type StoreView interface {
	// PartitionMetas returns metadata for all live entries in a partition.
	PartitionMetas(partition Partition) []EntryMeta

	// PartitionSize returns the tracked byte size of a partition.
	PartitionSize(partition Partition) int64

	// RemoveEntries deletes entries by key, updating tracked sizes.
	RemoveEntries(ctx context.Context, keys []string) error

	// SweepExpired removes all expired entries and returns how many.
	SweepExpired(ctx context.Context) (int, error)
}

// QuotaReporter reports total storage quota and current usage, as the
// platform storage API does for a browsing origin.
type QuotaReporter interface {
	Usage(ctx context.Context) (used, quota int64, err error)
}

// QuotaReporterFunc adapts a function to QuotaReporter.
type QuotaReporterFunc func(ctx context.Context) (int64, int64, error)

// Usage implements QuotaReporter.
func (f QuotaReporterFunc) Usage(ctx context.Context) (int64, int64, error) {
	return f(ctx)
}

// EvictionConfig configures the eviction manager.
type EvictionConfig struct {
	// HighWaterMark is the fraction of the global quota that triggers a
	// full expired-entry sweep plus cleanup of partitions over 90% of
	// their own budget. Default: 0.80
	HighWaterMark float64

	// CriticalMark is the fraction of the global quota that triggers an
	// emergency sweep in ascending partition priority. Default: 0.90
	CriticalMark float64

	// PartitionPressureMark is the fraction of a partition's own budget at
	// which the high-water pass cleans it. Default: 0.90
	PartitionPressureMark float64
}

// DefaultEvictionConfig returns the standard watermark configuration.
func DefaultEvictionConfig() EvictionConfig {
	return EvictionConfig{
		HighWaterMark:         0.80,
		CriticalMark:          0.90,
		PartitionPressureMark: 0.90,
	}
}

// EvictionStats contains eviction counters.
type EvictionStats struct {
	Admitted        int64 `json:"admitted"`
	Denied          int64 `json:"denied"`
	Cleanups        int64 `json:"cleanups"`
	EntriesEvicted  int64 `json:"entries_evicted"`
	BytesEvicted    int64 `json:"bytes_evicted"`
	HighWaterPasses int64 `json:"high_water_passes"`
	EmergencyPasses int64 `json:"emergency_passes"`
}

// EvictionManager enforces per-partition size budgets on every write and a
// global storage-quota watermark policy on a monitor tick. The same policy
// table drives the edge response-cache proxy.
type EvictionManager struct {
	policies *PolicyTable
	config   EvictionConfig
	quota    QuotaReporter

	mu   sync.RWMutex
	view StoreView

	admitted        atomic.Int64
	denied          atomic.Int64
	cleanups        atomic.Int64
	entriesEvicted  atomic.Int64
	bytesEvicted    atomic.Int64
	highWaterPasses atomic.Int64
	emergencyPasses atomic.Int64
}

// NewEvictionManager creates an eviction manager. The store view is bound
// afterwards via Bind because store and manager reference each other.
func NewEvictionManager(policies *PolicyTable, quota QuotaReporter, config EvictionConfig) *EvictionManager {
	if config.HighWaterMark <= 0 || config.HighWaterMark >= 1 {
		config.HighWaterMark = 0.80
	}
	if config.CriticalMark <= config.HighWaterMark || config.CriticalMark >= 1 {
		config.CriticalMark = 0.90
	}
	if config.PartitionPressureMark <= 0 || config.PartitionPressureMark >= 1 {
		config.PartitionPressureMark = 0.90
	}
	return &EvictionManager{
		policies: policies,
		config:   config,
		quota:    quota,
	}
}

// Bind attaches the store view. Must be called before Admit.
func (em *EvictionManager) Bind(view StoreView) {
	em.mu.Lock()
	em.view = view
	em.mu.Unlock()
}

func (em *EvictionManager) storeView() StoreView {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.view
}

// Admit checks whether a partition can absorb incoming bytes. replaces is
// the size of the entry the write overwrites, zero for a fresh key. If the
// budget would be exceeded, one cleanup pass runs using the partition's
// configured strategy; if the budget is still exceeded afterwards the write
// is denied with ErrQuotaExceeded and nothing is committed.
func (em *EvictionManager) Admit(ctx context.Context, partition Partition, key string, incoming, replaces int64) error {
	view := em.storeView()
	if view == nil {
		return fmt.Errorf("eviction manager has no bound store view")
	}
	policy := em.policies.Lookup(partition)

	projected := view.PartitionSize(partition) - replaces + incoming
	if projected <= policy.MaxSizeBytes {
		em.admitted.Add(1)
		return nil
	}

	if _, err := em.Cleanup(ctx, partition); err != nil {
		return err
	}

	projected = view.PartitionSize(partition) - replaces + incoming
	if projected <= policy.MaxSizeBytes {
		em.admitted.Add(1)
		return nil
	}
	em.denied.Add(1)
	return quotaError(partition, key, incoming)
}

// Cleanup sheds entries from a partition using its configured strategy and
// returns the number evicted. Expired entries are always removed first; the
// strategy quota applies to what remains.
func (em *EvictionManager) Cleanup(ctx context.Context, partition Partition) (int, error) {
	view := em.storeView()
	if view == nil {
		return 0, fmt.Errorf("eviction manager has no bound store view")
	}
	em.cleanups.Add(1)

	now := time.Now()
	metas := view.PartitionMetas(partition)
	var victims []EntryMeta
	live := metas[:0]
	for _, meta := range metas {
		if meta.expired(now) {
			victims = append(victims, meta)
			continue
		}
		live = append(live, meta)
	}

	policy := em.policies.Lookup(partition)
	victims = append(victims, selectVictims(live, policy.Strategy)...)
	if len(victims) == 0 {
		return 0, nil
	}

	keys := make([]string, len(victims))
	var freed int64
	for i, v := range victims {
		keys[i] = v.Key
		freed += v.Size
	}
	if err := view.RemoveEntries(ctx, keys); err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", partition, err)
	}
	em.entriesEvicted.Add(int64(len(victims)))
	em.bytesEvicted.Add(freed)
	return len(victims), nil
}

// selectVictims picks entries to shed according to the strategy: lru removes
// the least-recently-accessed quarter, fifo the oldest quarter by insertion,
// size-based roughly 30% biased toward the largest.
func selectVictims(metas []EntryMeta, strategy EvictionStrategy) []EntryMeta {
	if len(metas) == 0 {
		return nil
	}
	sorted := append([]EntryMeta(nil), metas...)

	var count int
	switch strategy {
	case EvictFIFO:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].InsertSeq < sorted[j].InsertSeq })
		count = (len(sorted) + 3) / 4
	case EvictSizeBased:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })
		count = (len(sorted)*3 + 9) / 10
	default: // lru
		sort.Slice(sorted, func(i, j int) bool {
			ai, aj := sorted[i].LastAccess, sorted[j].LastAccess
			if ai.IsZero() {
				ai = sorted[i].CreatedAt
			}
			if aj.IsZero() {
				aj = sorted[j].CreatedAt
			}
			return ai.Before(aj)
		})
		count = (len(sorted) + 3) / 4
	}
	if count < 1 {
		count = 1
	}
	if count > len(sorted) {
		count = len(sorted)
	}
	return sorted[:count]
}

// CheckStorage runs the global quota watermark policy once. At the high
// water mark every partition is swept for expired entries and partitions
// over their own pressure mark are cleaned; at the critical mark an
// emergency pass sweeps partitions in ascending priority until usage drops
// back under the high water mark.
func (em *EvictionManager) CheckStorage(ctx context.Context) error {
	if em.quota == nil {
		return nil
	}
	view := em.storeView()
	if view == nil {
		return nil
	}

	used, quota, err := em.quota.Usage(ctx)
	if err != nil {
		return fmt.Errorf("storage quota check: %w", err)
	}
	if quota <= 0 {
		return nil
	}

	usage := float64(used) / float64(quota)
	if usage < em.config.HighWaterMark {
		return nil
	}

	em.highWaterPasses.Add(1)
	if _, err := view.SweepExpired(ctx); err != nil {
		return err
	}
	for _, partition := range em.policies.Partitions() {
		policy := em.policies.Lookup(partition)
		size := view.PartitionSize(partition)
		if float64(size) >= em.config.PartitionPressureMark*float64(policy.MaxSizeBytes) {
			if _, err := em.Cleanup(ctx, partition); err != nil {
				return err
			}
		}
	}

	if usage < em.config.CriticalMark {
		return nil
	}

	em.emergencyPasses.Add(1)
	return em.emergencySweep(ctx)
}

// emergencySweep cleans partitions from lowest to highest priority, stopping
// as soon as usage drops under the high water mark.
func (em *EvictionManager) emergencySweep(ctx context.Context) error {
	partitions := em.policies.Partitions()
	sort.SliceStable(partitions, func(i, j int) bool {
		return em.policies.Lookup(partitions[i]).Priority < em.policies.Lookup(partitions[j]).Priority
	})

	for _, partition := range partitions {
		used, quota, err := em.quota.Usage(ctx)
		if err != nil {
			return err
		}
		if quota > 0 && float64(used)/float64(quota) < em.config.HighWaterMark {
			return nil
		}
		if _, err := em.Cleanup(ctx, partition); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns eviction counters.
func (em *EvictionManager) Stats() EvictionStats {
	return EvictionStats{
		Admitted:        em.admitted.Load(),
		Denied:          em.denied.Load(),
		Cleanups:        em.cleanups.Load(),
		EntriesEvicted:  em.entriesEvicted.Load(),
		BytesEvicted:    em.bytesEvicted.Load(),
		HighWaterPasses: em.highWaterPasses.Load(),
		EmergencyPasses: em.emergencyPasses.Load(),
	}
}
