package satchel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ActionType enumerates the mutation kinds the queue can carry.
type ActionType string

const (
	// ActionCreateDeal creates a new deal document.
	ActionCreateDeal ActionType = "create_deal"
	// ActionUpdateDeal applies changes to an existing deal.
	ActionUpdateDeal ActionType = "update_deal"
	// ActionSendMessage appends a chat message to a thread.
	ActionSendMessage ActionType = "send_message"
	// ActionUpdateProfile updates a user profile document.
	ActionUpdateProfile ActionType = "update_profile"
	// ActionUpdatePrice publishes a commodity price quote.
	ActionUpdatePrice ActionType = "update_price"
	// ActionDeleteRecord deletes a record by partition and key.
	ActionDeleteRecord ActionType = "delete_record"
)

// ActionPayload is the closed set of typed mutation payloads. Every variant
// knows which cache entry it affects so conflict resolutions and successful
// applies can be written back without inspecting payload internals.
type ActionPayload interface {
	actionType() ActionType

	// CacheKey returns the cache store key the mutation targets.
	CacheKey() string

	// CachePartition returns the partition the mutation targets.
	CachePartition() Partition
}

// CreateDealPayload creates a deal document.
type CreateDealPayload struct {
	DealID string   `json:"deal_id"`
	Deal   Document `json:"deal"`
}

func (CreateDealPayload) actionType() ActionType    { return ActionCreateDeal }
func (p CreateDealPayload) CacheKey() string        { return "deal_" + p.DealID }
func (CreateDealPayload) CachePartition() Partition { return PartitionDeals }

// UpdateDealPayload applies field changes to a deal.
type UpdateDealPayload struct {
	DealID      string   `json:"deal_id"`
	BaseVersion int64    `json:"base_version"`
	Changes     Document `json:"changes"`
}

func (UpdateDealPayload) actionType() ActionType    { return ActionUpdateDeal }
func (p UpdateDealPayload) CacheKey() string        { return "deal_" + p.DealID }
func (UpdateDealPayload) CachePartition() Partition { return PartitionDeals }

// SendMessagePayload appends a message to a chat thread.
type SendMessagePayload struct {
	ThreadID string   `json:"thread_id"`
	Message  Document `json:"message"`
}

func (SendMessagePayload) actionType() ActionType    { return ActionSendMessage }
func (p SendMessagePayload) CacheKey() string        { return "thread_" + p.ThreadID }
func (SendMessagePayload) CachePartition() Partition { return PartitionMessages }

// UpdateProfilePayload updates a user profile.
type UpdateProfilePayload struct {
	UserID      string   `json:"user_id"`
	BaseVersion int64    `json:"base_version"`
	Profile     Document `json:"profile"`
}

func (UpdateProfilePayload) actionType() ActionType    { return ActionUpdateProfile }
func (p UpdateProfilePayload) CacheKey() string        { return "user_" + p.UserID }
func (UpdateProfilePayload) CachePartition() Partition { return PartitionUsers }

// UpdatePricePayload publishes a commodity price quote for a market.
type UpdatePricePayload struct {
	Commodity string  `json:"commodity"`
	Market    string  `json:"market"`
	Price     float64 `json:"price"`
	Unit      string  `json:"unit,omitempty"`
}

func (UpdatePricePayload) actionType() ActionType { return ActionUpdatePrice }
func (p UpdatePricePayload) CacheKey() string {
	return "price_" + p.Commodity + "_" + p.Market
}
func (UpdatePricePayload) CachePartition() Partition { return PartitionPrices }

// DeleteRecordPayload deletes a record by partition and key.
type DeleteRecordPayload struct {
	Partition Partition `json:"partition"`
	Key       string    `json:"key"`
}

func (DeleteRecordPayload) actionType() ActionType      { return ActionDeleteRecord }
func (p DeleteRecordPayload) CacheKey() string          { return p.Key }
func (p DeleteRecordPayload) CachePartition() Partition { return p.Partition }

// PendingAction is one durable queued mutation awaiting delivery.
type PendingAction struct {
	ID         string
	Type       ActionType
	Payload    ActionPayload
	EnqueuedAt time.Time
	RetryCount int
}

// encodePayload serializes a payload for backend storage.
func encodePayload(payload ActionPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.actionType(), err)
	}
	return data, nil
}

// decodePayload rebuilds a typed payload from backend storage. The switch is
// exhaustive over ActionType; an unknown type is corruption, not a fallback.
func decodePayload(actionType ActionType, data []byte) (ActionPayload, error) {
	var (
		payload ActionPayload
		err     error
	)
	switch actionType {
	case ActionCreateDeal:
		var p CreateDealPayload
		err = json.Unmarshal(data, &p)
		payload = p
	case ActionUpdateDeal:
		var p UpdateDealPayload
		err = json.Unmarshal(data, &p)
		payload = p
	case ActionSendMessage:
		var p SendMessagePayload
		err = json.Unmarshal(data, &p)
		payload = p
	case ActionUpdateProfile:
		var p UpdateProfilePayload
		err = json.Unmarshal(data, &p)
		payload = p
	case ActionUpdatePrice:
		var p UpdatePricePayload
		err = json.Unmarshal(data, &p)
		payload = p
	case ActionDeleteRecord:
		var p DeleteRecordPayload
		err = json.Unmarshal(data, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrCorruptionDetected, actionType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", actionType, err)
	}
	return payload, nil
}

// DrainStatus is the terminal state of one action within a drain pass.
type DrainStatus string

const (
	// DrainApplied means the remote confirmed the mutation.
	DrainApplied DrainStatus = "applied"
	// DrainRetryScheduled means the attempt failed and the action stays
	// queued with an incremented retry count.
	DrainRetryScheduled DrainStatus = "retry_scheduled"
	// DrainDeadLettered means the action reached max retries and was
	// removed as a terminal failure.
	DrainDeadLettered DrainStatus = "dead_lettered"
)

// DrainOutcome reports what happened to one action during a drain pass.
type DrainOutcome struct {
	Action PendingAction
	Status DrainStatus
	Err    error
}

// ActionExecutor delivers a single action to the remote backend.
type ActionExecutor interface {
	Execute(ctx context.Context, action PendingAction) error
}

// ActionExecutorFunc adapts a function to ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, action PendingAction) error

// Execute implements ActionExecutor.
func (f ActionExecutorFunc) Execute(ctx context.Context, action PendingAction) error {
	return f(ctx, action)
}

// QueueConfig configures the action queue.
type QueueConfig struct {
	// MaxRetries is the retry budget per action before dead-lettering.
	// Default: 3
	MaxRetries int

	// OnDeadLetter is invoked exactly once per dead-lettered action. The
	// queue never discards a terminal failure silently; this callback is
	// how callers surface it.
	OnDeadLetter func(action PendingAction, err error)
}

// DefaultQueueConfig returns a queue configuration with sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxRetries: 3}
}

// QueueStats contains queue counters.
type QueueStats struct {
	Pending      int   `json:"pending"`
	Enqueued     int64 `json:"enqueued"`
	Applied      int64 `json:"applied"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

// ActionQueue is a durable FIFO of pending mutations. Enqueue always
// appends; deduplication is the caller's job via idempotency keys in ID.
// Drain is single-flight: overlapping calls coalesce so no action is
// executed by two drainers at once.
type ActionQueue struct {
	backend Backend
	config  QueueConfig

	drainToken chan struct{}

	enqueued     atomic.Int64
	applied      atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewActionQueue creates an action queue over the given backend.
func NewActionQueue(backend Backend, config QueueConfig) *ActionQueue {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	q := &ActionQueue{
		backend:    backend,
		config:     config,
		drainToken: make(chan struct{}, 1),
	}
	q.drainToken <- struct{}{}
	return q
}

// Enqueue durably appends a mutation. A blank ID is assigned a fresh UUID;
// callers wanting remote-side deduplication pass their own idempotency key.
func (q *ActionQueue) Enqueue(ctx context.Context, actionType ActionType, payload ActionPayload) (PendingAction, error) {
	return q.EnqueueWithID(ctx, uuid.NewString(), actionType, payload)
}

// EnqueueWithID durably appends a mutation with a caller-chosen id.
func (q *ActionQueue) EnqueueWithID(ctx context.Context, id string, actionType ActionType, payload ActionPayload) (PendingAction, error) {
	if payload == nil {
		return PendingAction{}, fmt.Errorf("enqueue %s: nil payload", actionType)
	}
	if payload.actionType() != actionType {
		return PendingAction{}, fmt.Errorf("enqueue: payload type %s does not match action type %s", payload.actionType(), actionType)
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return PendingAction{}, ErrClosed
	}

	action := PendingAction{
		ID:         id,
		Type:       actionType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.backend.AppendAction(ctx, action); err != nil {
		return PendingAction{}, fmt.Errorf("append action: %w", err)
	}
	q.enqueued.Add(1)
	return action, nil
}

// Pending returns the queued actions in enqueue order.
func (q *ActionQueue) Pending(ctx context.Context) ([]PendingAction, error) {
	return q.backend.ListActions(ctx)
}

// Len returns the number of queued actions.
func (q *ActionQueue) Len(ctx context.Context) (int, error) {
	actions, err := q.backend.ListActions(ctx)
	if err != nil {
		return 0, err
	}
	return len(actions), nil
}

// Drain executes queued actions strictly in enqueue order. Each action
// either applies (removed), fails (retry count incremented and
// re-persisted), or dead-letters (removed and reported as terminal). A
// drain already in flight causes Drain to return immediately with no
// outcomes; the in-flight pass covers the trigger.
func (q *ActionQueue) Drain(ctx context.Context, exec ActionExecutor) ([]DrainOutcome, error) {
	select {
	case <-q.drainToken:
	default:
		return nil, nil
	}
	defer func() { q.drainToken <- struct{}{} }()

	actions, err := q.backend.ListActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}

	outcomes := make([]DrainOutcome, 0, len(actions))
	for _, action := range actions {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}

		execErr := exec.Execute(ctx, action)
		if execErr == nil {
			if err := q.backend.DeleteAction(ctx, action.ID); err != nil {
				return outcomes, fmt.Errorf("remove applied action %s: %w", action.ID, err)
			}
			q.applied.Add(1)
			outcomes = append(outcomes, DrainOutcome{Action: action, Status: DrainApplied})
			continue
		}

		action.RetryCount++
		if action.RetryCount >= q.config.MaxRetries {
			if err := q.backend.DeleteAction(ctx, action.ID); err != nil {
				return outcomes, fmt.Errorf("remove dead-lettered action %s: %w", action.ID, err)
			}
			q.deadLettered.Add(1)
			terminal := &StoreError{
				Kind:    KindDeadLetter,
				Key:     action.Payload.CacheKey(),
				Message: fmt.Sprintf("action %s failed %d times", action.ID, action.RetryCount),
				Cause:   execErr,
			}
			if q.config.OnDeadLetter != nil {
				q.config.OnDeadLetter(action, terminal)
			}
			outcomes = append(outcomes, DrainOutcome{Action: action, Status: DrainDeadLettered, Err: terminal})
			continue
		}

		if err := q.backend.UpdateActionRetry(ctx, action.ID, action.RetryCount); err != nil {
			return outcomes, fmt.Errorf("update retry count for %s: %w", action.ID, err)
		}
		q.retried.Add(1)
		outcomes = append(outcomes, DrainOutcome{Action: action, Status: DrainRetryScheduled, Err: execErr})
	}
	return outcomes, nil
}

// Stats returns queue counters.
func (q *ActionQueue) Stats(ctx context.Context) QueueStats {
	pending, _ := q.Len(ctx)
	return QueueStats{
		Pending:      pending,
		Enqueued:     q.enqueued.Load(),
		Applied:      q.applied.Load(),
		Retried:      q.retried.Load(),
		DeadLettered: q.deadLettered.Load(),
	}
}

// Close marks the queue closed for further enqueues.
func (q *ActionQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
