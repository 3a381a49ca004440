package satchel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SyncState is the coordinator's current phase.
type SyncState int32

const (
	// SyncIdle means no sync pass is in flight.
	SyncIdle SyncState = iota
	// SyncDraining means a queue drain pass is running.
	SyncDraining
	// SyncRefreshing means a stale-entry refresh pass is running.
	SyncRefreshing
)

// String returns a readable state name.
func (s SyncState) String() string {
	switch s {
	case SyncDraining:
		return "draining"
	case SyncRefreshing:
		return "refreshing"
	default:
		return "idle"
	}
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	// DrainInterval is the period of the queue drain timer. Default: 1m
	DrainInterval time.Duration

	// RefreshInterval is the period of the stale-entry refresh timer.
	// Default: 5m
	RefreshInterval time.Duration

	// QuotaCheckInterval is the period of the storage quota monitor.
	// Default: 30s
	QuotaCheckInterval time.Duration

	// Strategy is the conflict strategy applied when the remote rejects a
	// mutation with a version conflict. Default: server_wins
	Strategy ConflictStrategy

	// Retry configures network read retries during refresh.
	Retry RetryConfig

	// OnAdjudication is invoked when a manual-strategy resolution produced
	// a provisional result that needs external adjudication.
	OnAdjudication func(record *ConflictRecord)
}

// DefaultSyncConfig returns a sync configuration with sensible defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		DrainInterval:      time.Minute,
		RefreshInterval:    5 * time.Minute,
		QuotaCheckInterval: 30 * time.Second,
		Strategy:           StrategyServerWins,
		Retry:              DefaultRetryConfig(),
	}
}

// SyncStats contains coordinator counters.
type SyncStats struct {
	State             string    `json:"state"`
	Online            bool      `json:"online"`
	Drains            int64     `json:"drains"`
	Refreshes         int64     `json:"refreshes"`
	ConflictsResolved int64     `json:"conflicts_resolved"`
	FetchesDiscarded  int64     `json:"fetches_discarded"`
	LastDrain         time.Time `json:"last_drain,omitzero"`
}

// SyncCoordinator observes network reachability, drains the action queue,
// and refreshes stale cache entries. At most one drain pass is in flight at
// any time; triggers arriving mid-pass are coalesced into the running pass.
type SyncCoordinator struct {
	store    *Store
	queue    *ActionQueue
	resolver *ConflictResolver
	remote   RemoteClient
	eviction *EvictionManager
	log      *IntegrityLog
	config   SyncConfig
	retryer  *Retryer

	online  atomic.Bool
	state   atomic.Int32
	drainCh chan struct{}

	fetchMu  sync.Mutex
	fetchGen map[string]uint64

	drains            atomic.Int64
	refreshes         atomic.Int64
	conflictsResolved atomic.Int64
	fetchesDiscarded  atomic.Int64
	lastDrainNano     atomic.Int64

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewSyncCoordinator wires the coordinator to its collaborators. Nothing
// runs until Start.
func NewSyncCoordinator(store *Store, queue *ActionQueue, resolver *ConflictResolver, remote RemoteClient, eviction *EvictionManager, log *IntegrityLog, config SyncConfig) *SyncCoordinator {
	if config.DrainInterval <= 0 {
		config.DrainInterval = time.Minute
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 5 * time.Minute
	}
	if config.QuotaCheckInterval <= 0 {
		config.QuotaCheckInterval = 30 * time.Second
	}
	if config.Strategy == "" {
		config.Strategy = StrategyServerWins
	}
	return &SyncCoordinator{
		store:    store,
		queue:    queue,
		resolver: resolver,
		remote:   remote,
		eviction: eviction,
		log:      log,
		config:   config,
		retryer:  NewRetryer(config.Retry),
		drainCh:  make(chan struct{}, 1),
		fetchGen: make(map[string]uint64),
		closeCh:  make(chan struct{}),
	}
}

// Start launches the background drain, refresh, and quota monitor loops.
func (sc *SyncCoordinator) Start(ctx context.Context) {
	sc.wg.Add(3)
	go sc.drainLoop(ctx)
	go sc.refreshLoop(ctx)
	go sc.quotaLoop(ctx)
}

// Close stops background loops and waits for them to exit.
func (sc *SyncCoordinator) Close() {
	sc.closeOnce.Do(func() { close(sc.closeCh) })
	sc.wg.Wait()
}

// SetOnline records a reachability transition. Going from offline to online
// triggers an immediate drain rather than waiting for the next timer tick.
func (sc *SyncCoordinator) SetOnline(online bool) {
	was := sc.online.Swap(online)
	if online && !was {
		sc.TriggerDrain()
	}
}

// Online reports current reachability.
func (sc *SyncCoordinator) Online() bool {
	return sc.online.Load()
}

// TriggerDrain requests a drain pass. A trigger arriving while a pass is in
// flight or already pending is coalesced.
func (sc *SyncCoordinator) TriggerDrain() {
	select {
	case sc.drainCh <- struct{}{}:
	default:
	}
}

// State returns the coordinator's current phase.
func (sc *SyncCoordinator) State() SyncState {
	return SyncState(sc.state.Load())
}

func (sc *SyncCoordinator) drainLoop(ctx context.Context) {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.closeCh:
			return
		case <-ctx.Done():
			return
		case <-sc.drainCh:
		case <-ticker.C:
		}
		_, _ = sc.Drain(ctx)
	}
}

func (sc *SyncCoordinator) refreshLoop(ctx context.Context) {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.closeCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = sc.Refresh(ctx)
		}
	}
}

func (sc *SyncCoordinator) quotaLoop(ctx context.Context) {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.config.QuotaCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.closeCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sc.eviction != nil {
				_ = sc.eviction.CheckStorage(ctx)
			}
		}
	}
}

// Drain runs one drain pass if online. Overlapping drains coalesce inside
// the queue; the second caller observes no outcomes.
func (sc *SyncCoordinator) Drain(ctx context.Context) ([]DrainOutcome, error) {
	if !sc.online.Load() {
		return nil, nil
	}
	sc.state.Store(int32(SyncDraining))
	defer sc.state.Store(int32(SyncIdle))

	outcomes, err := sc.queue.Drain(ctx, ActionExecutorFunc(sc.executeAction))
	sc.drains.Add(1)
	sc.lastDrainNano.Store(time.Now().UnixNano())
	return outcomes, err
}

// executeAction delivers one action to the remote. A success writes the
// mutation's local effect back into the cache; a version conflict is routed
// through the resolver and the resolved document committed, consuming the
// action.
func (sc *SyncCoordinator) executeAction(ctx context.Context, action PendingAction) error {
	err := sc.remote.Apply(ctx, action)
	if err == nil {
		return sc.applyLocal(ctx, action)
	}

	var conflict *VersionConflictError
	if errors.As(err, &conflict) {
		return sc.resolveConflict(ctx, action, conflict)
	}
	return err
}

// applyLocal reflects a confirmed mutation into the cache store. Partial
// payloads fold into the cached copy rather than replacing it: deal changes
// overlay the cached deal, messages append to the thread's message list.
func (sc *SyncCoordinator) applyLocal(ctx context.Context, action PendingAction) error {
	partition := action.Payload.CachePartition()
	key := action.Payload.CacheKey()

	if del, ok := action.Payload.(DeleteRecordPayload); ok {
		return sc.store.Delete(ctx, del.Key)
	}

	doc := documentForPayload(action.Payload)
	if doc == nil {
		return nil
	}

	switch p := action.Payload.(type) {
	case UpdateDealPayload:
		existing, ok, err := sc.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			merged := existing.Clone()
			for field, value := range p.Changes {
				merged[field] = value
			}
			doc = merged
		}
	case SendMessagePayload:
		existing, ok, err := sc.store.Get(ctx, key)
		if err != nil {
			return err
		}
		thread := Document{}
		if ok {
			thread = existing.Clone()
		}
		list, _ := thread["messages"].([]any)
		thread["messages"] = append(list, map[string]any(p.Message))
		doc = thread
	}

	ttl := sc.store.policies.Lookup(partition).MaxAge
	_, err := sc.store.Put(ctx, partition, key, doc, PutOptions{TTL: ttl})
	return err
}

// documentForPayload extracts the cache document a confirmed mutation
// produces. The switch is exhaustive over the payload union.
func documentForPayload(payload ActionPayload) Document {
	switch p := payload.(type) {
	case CreateDealPayload:
		return p.Deal
	case UpdateDealPayload:
		return p.Changes
	case SendMessagePayload:
		return p.Message
	case UpdateProfilePayload:
		return p.Profile
	case UpdatePricePayload:
		doc := Document{
			"commodity": p.Commodity,
			"market":    p.Market,
			"price":     p.Price,
		}
		if p.Unit != "" {
			doc["unit"] = p.Unit
		}
		return doc
	case DeleteRecordPayload:
		return nil
	}
	return nil
}

func (sc *SyncCoordinator) resolveConflict(ctx context.Context, action PendingAction, conflict *VersionConflictError) error {
	client := documentForPayload(action.Payload)
	if client == nil {
		client = Document{}
	}
	record, err := sc.resolver.Resolve(ctx, conflict.Key, conflict.ServerValue, client, sc.config.Strategy)
	if err != nil {
		return err
	}
	sc.conflictsResolved.Add(1)

	partition := action.Payload.CachePartition()
	ttl := sc.store.policies.Lookup(partition).MaxAge
	if _, err := sc.store.Put(ctx, partition, conflict.Key, record.Resolved, PutOptions{TTL: ttl}); err != nil {
		return err
	}

	if _, err := record.Final(); errors.Is(err, ErrAdjudicationRequired) && sc.config.OnAdjudication != nil {
		sc.config.OnAdjudication(record)
	}
	return nil
}

// Read returns the cached document for key, fetching from the remote on a
// miss. A fetch superseded by a newer read of the same key discards its
// result without touching the store.
func (sc *SyncCoordinator) Read(ctx context.Context, partition Partition, key string) (Document, error) {
	doc, ok, err := sc.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return doc, nil
	}
	if !sc.online.Load() {
		return nil, ErrNotFound
	}
	return sc.fetchKey(ctx, partition, key)
}

// fetchKey fetches key from the remote, stamps it, and commits it to the
// store unless a newer fetch for the same key started in the meantime.
func (sc *SyncCoordinator) fetchKey(ctx context.Context, partition Partition, key string) (Document, error) {
	sc.fetchMu.Lock()
	sc.fetchGen[key]++
	gen := sc.fetchGen[key]
	sc.fetchMu.Unlock()

	var doc Document
	err := sc.retryer.Do(ctx, func() error {
		var ferr error
		doc, ferr = sc.remote.Fetch(ctx, partition, key)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	sc.fetchMu.Lock()
	superseded := sc.fetchGen[key] != gen
	sc.fetchMu.Unlock()
	if superseded || ctx.Err() != nil {
		sc.fetchesDiscarded.Add(1)
		return doc, nil
	}

	ttl := sc.store.policies.Lookup(partition).MaxAge
	if _, err := sc.store.Put(ctx, partition, key, doc, PutOptions{TTL: ttl}); err != nil {
		return nil, err
	}
	return doc, nil
}

// Refresh re-fetches entries older than their partition's MaxAge.
func (sc *SyncCoordinator) Refresh(ctx context.Context) error {
	if !sc.online.Load() {
		return nil
	}
	sc.state.Store(int32(SyncRefreshing))
	defer sc.state.Store(int32(SyncIdle))
	sc.refreshes.Add(1)

	for _, partition := range sc.store.policies.Partitions() {
		for _, key := range sc.store.StaleKeys(partition) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := sc.fetchKey(ctx, partition, key); err != nil {
				if errors.Is(err, ErrNotFound) {
					_ = sc.store.Delete(ctx, key)
					continue
				}
				return fmt.Errorf("refresh %s/%s: %w", partition, key, err)
			}
		}
	}
	return nil
}

// Stats returns coordinator counters.
func (sc *SyncCoordinator) Stats() SyncStats {
	var last time.Time
	if nano := sc.lastDrainNano.Load(); nano > 0 {
		last = time.Unix(0, nano).UTC()
	}
	return SyncStats{
		State:             sc.State().String(),
		Online:            sc.online.Load(),
		Drains:            sc.drains.Load(),
		Refreshes:         sc.refreshes.Load(),
		ConflictsResolved: sc.conflictsResolved.Load(),
		FetchesDiscarded:  sc.fetchesDiscarded.Load(),
		LastDrain:         last,
	}
}
