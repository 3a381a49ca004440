package satchel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T, overrides map[Partition]CachePolicy) (*Store, Backend) {
	t.Helper()
	backend := NewMemoryBackend()
	policies := NewPolicyTable(overrides)
	quota := QuotaReporterFunc(func(context.Context) (int64, int64, error) {
		return 0, 1 << 30, nil
	})
	eviction := NewEvictionManager(policies, quota, DefaultEvictionConfig())
	st, err := NewStore(context.Background(), backend, NewChecksumEngine(""), policies, eviction)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st, backend
}

func TestStorePutGet(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	doc := Document{"commodity": "maize", "price": 120.5}
	entry, err := st.Put(ctx, PartitionPrices, "price_maize_nairobi", doc, PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if entry.Version != 1 {
		t.Fatalf("expected version 1 for new key, got %d", entry.Version)
	}
	if entry.Checksum == "" {
		t.Fatal("expected checksum to be stamped")
	}

	got, ok, err := st.Get(ctx, "price_maize_nairobi")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if got["commodity"] != "maize" {
		t.Fatalf("unexpected commodity %v", got["commodity"])
	}
}

func TestStorePutBumpsVersion(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	doc := Document{"status": "open"}
	for want := int64(1); want <= 3; want++ {
		entry, err := st.Put(ctx, PartitionDeals, "deal_1", doc, PutOptions{})
		if err != nil {
			t.Fatalf("Put #%d: %v", want, err)
		}
		if entry.Version != want {
			t.Fatalf("expected version %d, got %d", want, entry.Version)
		}
	}
}

func TestStoreStaleWriteRejected(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := st.Put(ctx, PartitionDeals, "deal_2", Document{"status": "open"}, PutOptions{}); err != nil {
		t.Fatalf("initial put: %v", err)
	}
	entry, err := st.Put(ctx, PartitionDeals, "deal_2", Document{"status": "accepted"}, PutOptions{BaseVersion: 1})
	if err != nil {
		t.Fatalf("versioned put: %v", err)
	}
	if entry.Version != 2 {
		t.Fatalf("expected version 2, got %d", entry.Version)
	}

	_, err = st.Put(ctx, PartitionDeals, "deal_2", Document{"status": "cancelled"}, PutOptions{BaseVersion: 1})
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	got, ok, err := st.Get(ctx, "deal_2")
	if err != nil || !ok {
		t.Fatalf("Get after rejected write: ok=%v err=%v", ok, err)
	}
	if got["status"] != "accepted" {
		t.Fatalf("rejected write must not overwrite, got status %v", got["status"])
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Now()
	st.now = func() time.Time { return base }

	if _, err := st.Put(ctx, PartitionPrices, "price_1", Document{"price": 1.0}, PutOptions{TTL: time.Minute}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, ok, _ := st.Get(ctx, "price_1"); !ok {
		t.Fatal("expected entry before expiry")
	}

	st.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok, err := st.Get(ctx, "price_1")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if ok {
		t.Fatal("expected entry to be absent after TTL")
	}
	if st.Stats().Expirations != 1 {
		t.Fatalf("expected 1 expiration, got %d", st.Stats().Expirations)
	}

	// Expired entry is gone from the backend too, not just hidden.
	if _, ok, _ := st.Get(ctx, "price_1"); ok {
		t.Fatal("expired entry resurfaced")
	}
}

func TestStoreZeroTTLNeverExpires(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Now()
	st.now = func() time.Time { return base }
	if _, err := st.Put(ctx, PartitionUsers, "user_1", Document{"name": "amina"}, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	st.now = func() time.Time { return base.Add(1000 * time.Hour) }
	if _, ok, _ := st.Get(ctx, "user_1"); !ok {
		t.Fatal("entry without TTL must not expire")
	}
}

func TestStoreQuotaDenied(t *testing.T) {
	st, _ := newTestStore(t, map[Partition]CachePolicy{
		PartitionNotifications: {MaxSizeBytes: 64, MaxAge: time.Hour, Strategy: EvictLRU},
	})
	ctx := context.Background()

	big := Document{"items": []any{"a string payload that is much larger than the partition budget allows for"}}
	_, err := st.Put(ctx, PartitionNotifications, "notif_1", big, PutOptions{})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if _, ok, _ := st.Get(ctx, "notif_1"); ok {
		t.Fatal("denied write must not be committed")
	}
}

func TestStoreCrossPartitionRewriteCountsFullSize(t *testing.T) {
	st, _ := newTestStore(t, map[Partition]CachePolicy{
		PartitionNotifications: {MaxSizeBytes: 64, MaxAge: time.Hour, Strategy: EvictLRU},
	})
	ctx := context.Background()

	big := Document{"items": []any{"a string payload that is much larger than the notification budget allows", "and a second item to pad it further"}}
	if _, err := st.Put(ctx, PartitionPrices, "shared_key", big, PutOptions{}); err != nil {
		t.Fatalf("Put into prices: %v", err)
	}

	// Rewriting the key into a different partition frees nothing there; the
	// old entry's size must not be credited against the new partition.
	over := Document{"items": []any{"still larger than the 64 byte notification budget allows for"}}
	_, err := st.Put(ctx, PartitionNotifications, "shared_key", over, PutOptions{})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// The prior value in its original partition is untouched.
	doc, ok, _ := st.Get(ctx, "shared_key")
	if !ok || len(doc["items"].([]any)) != 2 {
		t.Fatalf("denied rewrite must leave the prior value: ok=%v doc=%v", ok, doc)
	}
}

func TestStoreDeleteMissingKey(t *testing.T) {
	st, _ := newTestStore(t, nil)
	if err := st.Delete(context.Background(), "never_stored"); err != nil {
		t.Fatalf("deleting a missing key should not error: %v", err)
	}
}

func TestStoreSweepExpired(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Now()
	st.now = func() time.Time { return base }
	for _, key := range []string{"a", "b"} {
		if _, err := st.Put(ctx, PartitionPrices, key, Document{"v": 1.0}, PutOptions{TTL: time.Minute}); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	if _, err := st.Put(ctx, PartitionPrices, "c", Document{"v": 1.0}, PutOptions{}); err != nil {
		t.Fatalf("Put c: %v", err)
	}

	st.now = func() time.Time { return base.Add(time.Hour) }
	n, err := st.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	if _, ok, _ := st.Get(ctx, "c"); !ok {
		t.Fatal("unexpired entry must survive sweep")
	}
}

func TestStoreIndexRebuild(t *testing.T) {
	backend := NewMemoryBackend()
	policies := NewPolicyTable(nil)
	quota := QuotaReporterFunc(func(context.Context) (int64, int64, error) { return 0, 1 << 30, nil })
	ctx := context.Background()

	st, err := NewStore(ctx, backend, NewChecksumEngine(""), policies, NewEvictionManager(policies, quota, DefaultEvictionConfig()))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := st.Put(ctx, PartitionDeals, "deal_9", Document{"status": "open"}, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	want := st.TotalBytes()

	reopened, err := NewStore(ctx, backend, NewChecksumEngine(""), policies, NewEvictionManager(policies, quota, DefaultEvictionConfig()))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if got := reopened.TotalBytes(); got != want {
		t.Fatalf("rebuilt index tracks %d bytes, want %d", got, want)
	}
	if _, ok, _ := reopened.Get(ctx, "deal_9"); !ok {
		t.Fatal("entry missing after index rebuild")
	}
}

func TestStoreStats(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := st.Put(ctx, PartitionPrices, "p1", Document{"v": 1.0}, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, _, err := st.Get(ctx, "p1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, _, err := st.Get(ctx, "missing"); err != nil {
		t.Fatalf("Get missing: %v", err)
	}

	stats := st.Stats()
	if stats.Entries != 1 || stats.Hits != 1 || stats.Misses != 1 || stats.Writes != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.PartitionBytes[PartitionPrices] <= 0 {
		t.Fatal("partition bytes not tracked")
	}
}
