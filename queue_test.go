package satchel

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestQueueDrainAppliesInOrder(t *testing.T) {
	q := NewActionQueue(NewMemoryBackend(), DefaultQueueConfig())
	ctx := context.Background()

	payloads := []ActionPayload{
		CreateDealPayload{DealID: "1", Deal: Document{"status": "open"}},
		SendMessagePayload{ThreadID: "t1", Message: Document{"text": "hello"}},
		UpdatePricePayload{Commodity: "maize", Market: "nairobi", Price: 120},
	}
	for _, p := range payloads {
		if _, err := q.Enqueue(ctx, p.actionType(), p); err != nil {
			t.Fatalf("Enqueue %s: %v", p.actionType(), err)
		}
	}

	var executed []string
	outcomes, err := q.Drain(ctx, ActionExecutorFunc(func(_ context.Context, action PendingAction) error {
		executed = append(executed, action.Payload.CacheKey())
		return nil
	}))
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Status != DrainApplied {
			t.Fatalf("outcome %d: expected applied, got %s", i, o.Status)
		}
	}
	want := []string{"deal_1", "thread_t1", "price_maize_nairobi"}
	for i := range want {
		if executed[i] != want[i] {
			t.Fatalf("execution order: got %v, want %v", executed, want)
		}
	}

	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue after drain, got %d", n)
	}
}

func TestQueueRetryThenDeadLetter(t *testing.T) {
	var deadLettered []PendingAction
	cfg := QueueConfig{
		MaxRetries: 2,
		OnDeadLetter: func(action PendingAction, err error) {
			deadLettered = append(deadLettered, action)
			if !errors.Is(err, ErrActionDeadLettered) {
				t.Errorf("dead-letter error should match ErrActionDeadLettered, got %v", err)
			}
		},
	}
	q := NewActionQueue(NewMemoryBackend(), cfg)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, ActionUpdateProfile, UpdateProfilePayload{UserID: "u1", Profile: Document{}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failing := ActionExecutorFunc(func(context.Context, PendingAction) error {
		return errors.New("network down")
	})

	outcomes, err := q.Drain(ctx, failing)
	if err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != DrainRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %+v", outcomes)
	}
	pending, _ := q.Pending(ctx)
	if len(pending) != 1 || pending[0].RetryCount != 1 {
		t.Fatalf("retry count not persisted: %+v", pending)
	}

	outcomes, err = q.Drain(ctx, failing)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != DrainDeadLettered {
		t.Fatalf("expected dead_lettered, got %+v", outcomes)
	}
	if len(deadLettered) != 1 {
		t.Fatalf("OnDeadLetter should fire exactly once, fired %d times", len(deadLettered))
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("dead-lettered action must leave the queue, %d remain", n)
	}

	// A drain after dead-lettering finds nothing; the failure is terminal.
	outcomes, _ = q.Drain(ctx, failing)
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes after dead-letter, got %+v", outcomes)
	}
}

func TestQueueDrainCoalesces(t *testing.T) {
	q := NewActionQueue(NewMemoryBackend(), DefaultQueueConfig())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, ActionCreateDeal, CreateDealPayload{DealID: "d", Deal: Document{}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Drain(ctx, ActionExecutorFunc(func(context.Context, PendingAction) error {
			close(started)
			<-release
			return nil
		}))
	}()

	<-started
	outcomes, err := q.Drain(ctx, ActionExecutorFunc(func(context.Context, PendingAction) error {
		t.Error("second drainer must not execute actions")
		return nil
	}))
	if err != nil {
		t.Fatalf("overlapping drain: %v", err)
	}
	if outcomes != nil {
		t.Fatalf("overlapping drain should coalesce with no outcomes, got %+v", outcomes)
	}
	close(release)
	wg.Wait()
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	q := NewActionQueue(NewMemoryBackend(), DefaultQueueConfig())
	q.Close()
	_, err := q.Enqueue(context.Background(), ActionCreateDeal, CreateDealPayload{DealID: "x"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueueEnqueueTypeMismatch(t *testing.T) {
	q := NewActionQueue(NewMemoryBackend(), DefaultQueueConfig())
	_, err := q.Enqueue(context.Background(), ActionSendMessage, CreateDealPayload{DealID: "x"})
	if err == nil {
		t.Fatal("expected error for payload/type mismatch")
	}
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	payloads := []ActionPayload{
		CreateDealPayload{DealID: "1", Deal: Document{"status": "open"}},
		UpdateDealPayload{DealID: "1", BaseVersion: 2, Changes: Document{"status": "accepted"}},
		SendMessagePayload{ThreadID: "t1", Message: Document{"text": "hi"}},
		UpdateProfilePayload{UserID: "u1", Profile: Document{"name": "amina"}},
		UpdatePricePayload{Commodity: "maize", Market: "nakuru", Price: 99.5, Unit: "kg"},
		DeleteRecordPayload{Partition: PartitionDeals, Key: "deal_1"},
	}
	for _, p := range payloads {
		data, err := encodePayload(p)
		if err != nil {
			t.Fatalf("encode %s: %v", p.actionType(), err)
		}
		decoded, err := decodePayload(p.actionType(), data)
		if err != nil {
			t.Fatalf("decode %s: %v", p.actionType(), err)
		}
		if decoded.CacheKey() != p.CacheKey() {
			t.Fatalf("%s: cache key changed across round trip: %q != %q", p.actionType(), decoded.CacheKey(), p.CacheKey())
		}
		if decoded.CachePartition() != p.CachePartition() {
			t.Fatalf("%s: partition changed across round trip", p.actionType())
		}
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := decodePayload(ActionType("emit_telemetry"), []byte(`{}`))
	if !errors.Is(err, ErrCorruptionDetected) {
		t.Fatalf("unknown action type should be corruption, got %v", err)
	}
}
