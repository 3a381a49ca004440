package satchel

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeRemote is a scriptable RemoteClient for coordinator tests.
type fakeRemote struct {
	mu      sync.Mutex
	applied []PendingAction
	applyFn func(action PendingAction) error
	fetchFn func(partition Partition, key string) (Document, error)
}

func (fr *fakeRemote) Apply(_ context.Context, action PendingAction) error {
	fr.mu.Lock()
	fn := fr.applyFn
	fr.mu.Unlock()
	if fn != nil {
		if err := fn(action); err != nil {
			return err
		}
	}
	fr.mu.Lock()
	fr.applied = append(fr.applied, action)
	fr.mu.Unlock()
	return nil
}

func (fr *fakeRemote) Fetch(_ context.Context, partition Partition, key string) (Document, error) {
	fr.mu.Lock()
	fn := fr.fetchFn
	fr.mu.Unlock()
	if fn == nil {
		return nil, ErrNotFound
	}
	return fn(partition, key)
}

func (fr *fakeRemote) appliedKeys() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	keys := make([]string, len(fr.applied))
	for i, a := range fr.applied {
		keys[i] = a.Payload.CacheKey()
	}
	return keys
}

func newTestSyncer(t *testing.T, remote RemoteClient, config SyncConfig) (*SyncCoordinator, *Store, *ActionQueue) {
	t.Helper()
	backend := NewMemoryBackend()
	policies := NewPolicyTable(nil)
	quota := QuotaReporterFunc(func(context.Context) (int64, int64, error) { return 0, 1 << 30, nil })
	eviction := NewEvictionManager(policies, quota, DefaultEvictionConfig())
	st, err := NewStore(context.Background(), backend, NewChecksumEngine(""), policies, eviction)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	queue := NewActionQueue(backend, DefaultQueueConfig())
	log := NewIntegrityLog(backend, 50)
	resolver := NewConflictResolver(log)
	sc := NewSyncCoordinator(st, queue, resolver, remote, eviction, log, config)
	return sc, st, queue
}

func TestSyncOfflineEnqueueThenDrain(t *testing.T) {
	remote := &fakeRemote{}
	sc, st, queue := newTestSyncer(t, remote, DefaultSyncConfig())
	ctx := context.Background()

	payloads := []ActionPayload{
		UpdatePricePayload{Commodity: "maize", Market: "nakuru", Price: 110},
		CreateDealPayload{DealID: "d1", Deal: Document{"status": "open"}},
		SendMessagePayload{ThreadID: "t1", Message: Document{"text": "hi"}},
	}
	for _, p := range payloads {
		if _, err := queue.Enqueue(ctx, p.actionType(), p); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	// Offline: a drain pass is a no-op, actions stay queued.
	outcomes, err := sc.Drain(ctx)
	if err != nil || outcomes != nil {
		t.Fatalf("offline drain: outcomes=%v err=%v", outcomes, err)
	}
	if n, _ := queue.Len(ctx); n != 3 {
		t.Fatalf("offline drain must not consume actions, %d left", n)
	}

	sc.SetOnline(true)
	outcomes, err = sc.Drain(ctx)
	if err != nil {
		t.Fatalf("online drain: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}

	want := []string{"price_maize_nakuru", "deal_d1", "thread_t1"}
	got := remote.appliedKeys()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order: got %v, want %v", got, want)
		}
	}

	// Confirmed mutations are reflected into the local cache.
	doc, ok, _ := st.Get(ctx, "deal_d1")
	if !ok || doc["status"] != "open" {
		t.Fatalf("confirmed create not written back: ok=%v doc=%v", ok, doc)
	}
	if n, _ := queue.Len(ctx); n != 0 {
		t.Fatalf("queue not drained, %d left", n)
	}
}

func TestSyncPartialUpdateKeepsCachedFields(t *testing.T) {
	remote := &fakeRemote{}
	sc, st, queue := newTestSyncer(t, remote, DefaultSyncConfig())
	ctx := context.Background()

	seed := Document{"status": "open", "price": 120.0, "buyer": "wanjiku", "quantity": 40.0}
	if _, err := st.Put(ctx, PartitionDeals, "deal_d1", seed, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := queue.Enqueue(ctx, ActionUpdateDeal, UpdateDealPayload{DealID: "d1", Changes: Document{"status": "accepted"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sc.SetOnline(true)
	if _, err := sc.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	doc, ok, _ := st.Get(ctx, "deal_d1")
	if !ok {
		t.Fatal("deal missing after drain")
	}
	if doc["status"] != "accepted" {
		t.Fatalf("change not applied: %v", doc)
	}
	for _, field := range []string{"price", "buyer", "quantity"} {
		if doc[field] != seed[field] {
			t.Fatalf("field %s lost by partial update: %v", field, doc)
		}
	}
}

func TestSyncMessageAppendsToThread(t *testing.T) {
	remote := &fakeRemote{}
	sc, st, queue := newTestSyncer(t, remote, DefaultSyncConfig())
	ctx := context.Background()

	thread := Document{
		"participants": []any{"amina", "otieno"},
		"messages":     []any{map[string]any{"text": "habari"}},
	}
	if _, err := st.Put(ctx, PartitionMessages, "thread_t1", thread, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := queue.Enqueue(ctx, ActionSendMessage, SendMessagePayload{ThreadID: "t1", Message: Document{"text": "mzuri"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sc.SetOnline(true)
	if _, err := sc.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	doc, ok, _ := st.Get(ctx, "thread_t1")
	if !ok {
		t.Fatal("thread missing after drain")
	}
	if _, ok := doc["participants"]; !ok {
		t.Fatalf("thread metadata lost: %v", doc)
	}
	msgs, _ := doc["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", doc["messages"])
	}
	last, _ := msgs[1].(map[string]any)
	if last["text"] != "mzuri" {
		t.Fatalf("appended message wrong: %v", msgs)
	}
}

func TestSyncConflictServerWins(t *testing.T) {
	serverDoc := Document{"status": "accepted", "price": 100.0}
	remote := &fakeRemote{
		applyFn: func(action PendingAction) error {
			return &VersionConflictError{
				Key:           action.Payload.CacheKey(),
				ServerValue:   serverDoc,
				ServerVersion: 7,
			}
		},
	}
	sc, st, queue := newTestSyncer(t, remote, DefaultSyncConfig())
	ctx := context.Background()
	sc.SetOnline(true)

	if _, err := queue.Enqueue(ctx, ActionUpdateDeal, UpdateDealPayload{DealID: "d1", Changes: Document{"status": "cancelled"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	outcomes, err := sc.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != DrainApplied {
		t.Fatalf("a resolved conflict consumes the action, got %+v", outcomes)
	}

	doc, ok, _ := st.Get(ctx, "deal_d1")
	if !ok || doc["status"] != "accepted" {
		t.Fatalf("server_wins resolution not committed: ok=%v doc=%v", ok, doc)
	}
	if sc.Stats().ConflictsResolved != 1 {
		t.Fatalf("conflict counter: %+v", sc.Stats())
	}
}

func TestSyncManualConflictAdjudication(t *testing.T) {
	var adjudicated []*ConflictRecord
	cfg := DefaultSyncConfig()
	cfg.Strategy = StrategyManual
	cfg.OnAdjudication = func(record *ConflictRecord) {
		adjudicated = append(adjudicated, record)
	}

	remote := &fakeRemote{
		applyFn: func(action PendingAction) error {
			return &VersionConflictError{Key: action.Payload.CacheKey(), ServerValue: Document{"v": "server"}}
		},
	}
	sc, _, queue := newTestSyncer(t, remote, cfg)
	ctx := context.Background()
	sc.SetOnline(true)

	if _, err := queue.Enqueue(ctx, ActionUpdateProfile, UpdateProfilePayload{UserID: "u1", Profile: Document{"v": "client"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := sc.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(adjudicated) != 1 {
		t.Fatalf("expected 1 adjudication callback, got %d", len(adjudicated))
	}
	if !adjudicated[0].RequiresAdjudication {
		t.Fatal("record must be flagged for adjudication")
	}
}

func TestSyncDrainFailureKeepsAction(t *testing.T) {
	remote := &fakeRemote{
		applyFn: func(PendingAction) error { return errors.New("gateway timeout") },
	}
	sc, _, queue := newTestSyncer(t, remote, DefaultSyncConfig())
	ctx := context.Background()
	sc.SetOnline(true)

	if _, err := queue.Enqueue(ctx, ActionSendMessage, SendMessagePayload{ThreadID: "t", Message: Document{}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	outcomes, err := sc.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != DrainRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %+v", outcomes)
	}
	if n, _ := queue.Len(ctx); n != 1 {
		t.Fatal("failed action must stay queued")
	}
}

func TestSyncReadFetchesOnMiss(t *testing.T) {
	remote := &fakeRemote{
		fetchFn: func(_ Partition, key string) (Document, error) {
			return Document{"price": 75.0}, nil
		},
	}
	sc, st, _ := newTestSyncer(t, remote, DefaultSyncConfig())
	ctx := context.Background()
	sc.SetOnline(true)

	doc, err := sc.Read(ctx, PartitionPrices, "price_sorghum_eldoret")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc["price"] != 75.0 {
		t.Fatalf("unexpected fetched doc %v", doc)
	}

	// The fetched value is cached for subsequent reads.
	if _, ok, _ := st.Get(ctx, "price_sorghum_eldoret"); !ok {
		t.Fatal("fetched document not cached")
	}
}

func TestSyncReadOfflineMiss(t *testing.T) {
	sc, _, _ := newTestSyncer(t, &fakeRemote{}, DefaultSyncConfig())
	_, err := sc.Read(context.Background(), PartitionPrices, "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("offline miss should be ErrNotFound, got %v", err)
	}
}

func TestSyncSupersededFetchDiscarded(t *testing.T) {
	slowStarted := make(chan struct{})
	slowRelease := make(chan struct{})
	calls := 0
	var callMu sync.Mutex

	remote := &fakeRemote{}
	remote.fetchFn = func(_ Partition, key string) (Document, error) {
		callMu.Lock()
		calls++
		first := calls == 1
		callMu.Unlock()
		if first {
			close(slowStarted)
			<-slowRelease
			return Document{"gen": "old"}, nil
		}
		return Document{"gen": "new"}, nil
	}

	sc, st, _ := newTestSyncer(t, remote, DefaultSyncConfig())
	ctx := context.Background()
	sc.SetOnline(true)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = sc.Read(ctx, PartitionPrices, "price_x")
	}()

	<-slowStarted

	// A second read of the same key starts a newer fetch generation.
	doc, err := sc.Read(ctx, PartitionPrices, "price_x")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if doc["gen"] != "new" {
		t.Fatalf("second read got %v", doc)
	}

	close(slowRelease)
	wg.Wait()

	// The superseded result must not clobber the newer one.
	got, ok, _ := st.Get(ctx, "price_x")
	if !ok || got["gen"] != "new" {
		t.Fatalf("superseded fetch overwrote newer data: ok=%v doc=%v", ok, got)
	}
	if sc.Stats().FetchesDiscarded != 1 {
		t.Fatalf("discard counter: %+v", sc.Stats())
	}
}

func TestSyncOnlineTransitionTriggersDrain(t *testing.T) {
	sc, _, _ := newTestSyncer(t, &fakeRemote{}, DefaultSyncConfig())

	sc.SetOnline(true)
	select {
	case <-sc.drainCh:
	default:
		t.Fatal("offline to online transition should request a drain")
	}

	// Online to online is not a transition.
	sc.SetOnline(true)
	select {
	case <-sc.drainCh:
		t.Fatal("repeated online must not request another drain")
	default:
	}
}
