package satchel

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestEngineOpenMemory(t *testing.T) {
	ctx := context.Background()
	eng, err := Open(ctx, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	if _, ok := eng.backend.(*MemoryBackend); !ok {
		t.Fatalf("empty path should use the memory backend, got %T", eng.backend)
	}
	if eng.Syncer() != nil {
		t.Fatal("no remote: syncer should be nil")
	}
	if eng.Backup() != nil {
		t.Fatal("no destination: backup manager should be nil")
	}

	if _, err := eng.Store().Put(ctx, PartitionDeals, "deal_1", Document{"status": "open"}, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stats := eng.Stats(ctx)
	if stats.Store.Entries != 1 || stats.Store.Writes != 1 {
		t.Fatalf("unexpected store stats: %+v", stats.Store)
	}
	if stats.Sync != nil {
		t.Fatal("sync stats should be omitted without a remote")
	}
}

func TestEngineOpenSQLitePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "satchel.db")

	eng, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := eng.Store().Put(ctx, PartitionPrices, "price_1", Document{"price": 120.0}, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	doc, ok, err := reopened.Store().Get(ctx, "price_1")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if doc["price"] != 120.0 {
		t.Fatalf("persisted value wrong: %v", doc["price"])
	}

	migrations, err := reopened.Migrations(ctx)
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("sqlite backend should record migrations")
	}
}

func TestEngineIntegrityLogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "satchel.db")

	eng, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eng.IntegrityLog().Append(ctx, EventRecoveryFailure, "deal_7", "no backup copy")
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries := reopened.IntegrityLog().Recent(0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after reopen, got %d", len(entries))
	}
	if entries[0].Kind != EventRecoveryFailure || entries[0].Key != "deal_7" {
		t.Fatalf("reopened entry wrong: %+v", entries[0])
	}
}

func TestEngineSeedAndReset(t *testing.T) {
	ctx := context.Background()
	eng, err := Open(ctx, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	seeded, err := eng.Seed(ctx, PartitionPrices, map[string]Document{
		"price_maize_nairobi": {"price": 120.0},
		"price_beans_kisumu":  {"price": 95.0},
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if seeded != 2 {
		t.Fatalf("expected 2 seeded, got %d", seeded)
	}

	if err := eng.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if stats := eng.Stats(ctx); stats.Store.Entries != 0 {
		t.Fatalf("reset should empty the store: %+v", stats.Store)
	}
	if _, ok, _ := eng.Store().Get(ctx, "price_maize_nairobi"); ok {
		t.Fatal("seeded entry survived reset")
	}
}

func TestEnginePolicyOverrides(t *testing.T) {
	ctx := context.Background()
	eng, err := Open(ctx, Config{
		Policies: map[Partition]CachePolicy{
			PartitionPrices: {MaxSizeBytes: 999, MaxAge: time.Minute, Priority: PriorityHigh, Strategy: EvictLRU},
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	if got := eng.Policies().Lookup(PartitionPrices).MaxSizeBytes; got != 999 {
		t.Fatalf("override not applied: %d", got)
	}
	// Unoverridden partitions keep defaults.
	if got := eng.Policies().Lookup(PartitionDeals); got != DefaultPolicyTable()[PartitionDeals] {
		t.Fatalf("deals policy should be default: %+v", got)
	}
}

func TestEngineReconstructsPriceFromQueue(t *testing.T) {
	ctx := context.Background()
	eng, err := Open(ctx, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	key := "price_maize_nairobi"
	if _, err := eng.Store().Put(ctx, PartitionPrices, key, Document{"price": 100.0}, PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload := UpdatePricePayload{Commodity: "maize", Market: "nairobi", Price: 130, Unit: "kg"}
	if _, err := eng.Queue().Enqueue(ctx, ActionUpdatePrice, payload); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Lose the stored bytes out from under the stamped checksum.
	corrupt := StoredEntry{
		Key:       key,
		Partition: PartitionPrices,
		Data:      []byte(`{"price":"garbage"}`),
		CreatedAt: time.Now().UTC(),
		Checksum:  "xxh64:0000000000000000",
	}
	if _, err := eng.backend.CompareAndPutEntry(ctx, corrupt, -1); err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}

	state, err := eng.Monitor().CheckKey(ctx, key)
	if err != nil {
		t.Fatalf("CheckKey: %v", err)
	}
	if state != StateValid {
		t.Fatalf("expected recovery, got state %v", state)
	}

	doc, ok, err := eng.Store().Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get after recovery: ok=%v err=%v", ok, err)
	}
	if doc["price"] != 130.0 || doc["stale"] != true {
		t.Fatalf("expected queued quote as reconstruction, got %v", doc)
	}
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	eng, err := Open(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
