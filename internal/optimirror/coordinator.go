package optimirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusSucceeded  OperationStatus = "succeeded"
	StatusRolledBack OperationStatus = "rolled_back"
)

// RemoteOperation is the contract the Coordinator consumes: one invocation
// against the authoritative source that either resolves with the entity's new
// value or fails with an error classifiable for retryability (ideally a
// *RemoteError carrying a structured code).
type RemoteOperation func(ctx context.Context) (json.RawMessage, error)

// PendingOperation tracks one mutation from speculative apply to its
// terminal status. At most one remote invocation is in flight per operation.
type PendingOperation struct {
	OperationID        string          `json:"operationId"`
	DataType           string          `json:"dataType"`
	RecordID           string          `json:"recordId"`
	Kind               OperationKind   `json:"kind"`
	CircuitKey         string          `json:"circuitKey"`
	Status             OperationStatus `json:"status"`
	Attempts           int             `json:"attempts"`
	SpeculativePayload json.RawMessage `json:"speculativePayload,omitempty"`
	OriginalSnapshot   *DomainRecord   `json:"originalSnapshot,omitempty"`
	CorrelationID      string          `json:"correlationId,omitempty"`
	StartedAt          string          `json:"startedAt"`
}

// Result is the only outcome shape the Coordinator returns; it never panics
// or propagates errors past its public surface.
type Result struct {
	Success     bool            `json:"success"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	OperationID string          `json:"operationId"`
}

// Submission is the full-control submit input; the Optimistic* wrappers cover
// the common cases.
type Submission struct {
	OperationID   string
	DataType      string
	RecordID      string
	Kind          OperationKind
	Payload       json.RawMessage
	Remote        RemoteOperation
	CircuitKey    string
	Retry         *RetryConfig
	CorrelationID string

	originalOverride *DomainRecord
}

type BatchResult struct {
	Successful []Result `json:"successful"`
	Failed     []Result `json:"failed"`
}

// Settings are the runtime-adjustable tunables (config hot reload).
type Settings struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

type CoordinatorOptions struct {
	Store            *RecordStore
	Notifier         *Notifier
	Breakers         *BreakerRegistry
	Retry            RetryConfig
	BreakerThreshold int
	BreakerTimeout   time.Duration
	StateBackend     StateBackend
	Jitter           func() float64
	Sleep            func(context.Context, time.Duration) error
}

// Coordinator orchestrates the optimistic mutation lifecycle: speculative
// apply, remote invocation, retry-with-backoff under circuit-breaker gating,
// and commit or exact rollback. All mutation of the shared Record Store and
// Breaker Registry happens inside these lifecycle steps, never in listeners.
type Coordinator struct {
	mu           sync.Mutex
	store        *RecordStore
	notifier     *Notifier
	breakers     *BreakerRegistry
	retry        RetryConfig
	stateBackend StateBackend
	jitter       func() float64
	sleep        func(context.Context, time.Duration) error
	pending      map[string]*PendingOperation
	identityMu   map[string]*identityLock
	eventCounter uint64
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func NewCoordinator() *Coordinator {
	return NewCoordinatorWithOptions(CoordinatorOptions{})
}

func NewCoordinatorWithOptions(opts CoordinatorOptions) *Coordinator {
	store := opts.Store
	if store == nil {
		store = NewRecordStore()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewNotifier()
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(opts.BreakerThreshold, opts.BreakerTimeout)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	c := &Coordinator{
		store:        store,
		notifier:     notifier,
		breakers:     breakers,
		retry:        opts.Retry.withDefaults(),
		stateBackend: opts.StateBackend,
		jitter:       opts.Jitter,
		sleep:        sleep,
		pending:      map[string]*PendingOperation{},
		identityMu:   map[string]*identityLock{},
	}
	c.loadFromBackend()
	return c
}

func (c *Coordinator) Store() *RecordStore        { return c.store }
func (c *Coordinator) Events() *Notifier          { return c.notifier }
func (c *Coordinator) Breakers() *BreakerRegistry { return c.breakers }

func (c *Coordinator) ApplySettings(s Settings) {
	c.mu.Lock()
	if s.MaxRetries > 0 {
		c.retry.MaxRetries = s.MaxRetries
	}
	if s.BaseDelay > 0 {
		c.retry.BaseDelay = s.BaseDelay
	}
	if s.MaxDelay > 0 {
		c.retry.MaxDelay = s.MaxDelay
	}
	c.mu.Unlock()
	c.breakers.SetLimits(s.BreakerThreshold, s.BreakerTimeout)
}

// PendingOperations returns a snapshot of operations that have not reached a
// terminal status yet, oldest first.
func (c *Coordinator) PendingOperations() []PendingOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingOperation, 0, len(c.pending))
	for _, op := range c.pending {
		clone := *op
		if op.OriginalSnapshot != nil {
			snap := op.OriginalSnapshot.clone()
			clone.OriginalSnapshot = &snap
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == out[j].StartedAt {
			return out[i].OperationID < out[j].OperationID
		}
		return out[i].StartedAt < out[j].StartedAt
	})
	return out
}

// OptimisticCreate applies payload speculatively under a generated id and
// commits the server-returned value (including its authoritative id).
func (c *Coordinator) OptimisticCreate(ctx context.Context, dataType string, payload json.RawMessage, remote RemoteOperation) Result {
	return c.Submit(ctx, Submission{
		DataType: dataType,
		Kind:     OpCreate,
		Payload:  payload,
		Remote:   remote,
	})
}

// OptimisticUpdate applies payload speculatively over the current record.
// original, when non-nil, overrides the captured rollback snapshot.
func (c *Coordinator) OptimisticUpdate(ctx context.Context, dataType, id string, payload json.RawMessage, remote RemoteOperation, original *DomainRecord) Result {
	sub := Submission{
		DataType: dataType,
		RecordID: id,
		Kind:     OpUpdate,
		Payload:  payload,
		Remote:   remote,
	}
	if original != nil {
		snap := original.clone()
		snap.DataType = dataType
		snap.ID = id
		sub.originalOverride = &snap
	}
	return c.Submit(ctx, sub)
}

func (c *Coordinator) OptimisticDelete(ctx context.Context, dataType, id string, remote RemoteOperation) Result {
	return c.Submit(ctx, Submission{
		DataType: dataType,
		RecordID: id,
		Kind:     OpDelete,
		Remote:   remote,
	})
}

// Submit runs one mutation to its terminal status. Concurrent submits
// against the same (dataType, id) are serialized so a stale success can
// never overwrite a later speculative apply.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(sub.DataType) == "" || sub.Remote == nil {
		return Result{Success: false, Error: ErrInvalidInput.Error()}
	}
	switch sub.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return Result{Success: false, Error: fmt.Sprintf("%v: unsupported kind %q", ErrInvalidInput, sub.Kind)}
	}
	if sub.Kind != OpCreate && strings.TrimSpace(sub.RecordID) == "" {
		return Result{Success: false, Error: fmt.Sprintf("%v: record id is required for %s", ErrInvalidInput, sub.Kind)}
	}
	if sub.OperationID == "" {
		sub.OperationID = "op_" + uuid.NewString()
	}
	if sub.CorrelationID == "" {
		sub.CorrelationID = uuid.NewString()
	}
	if sub.Kind == OpCreate && strings.TrimSpace(sub.RecordID) == "" {
		sub.RecordID = "tmp_" + uuid.NewString()
	}
	if sub.CircuitKey == "" {
		sub.CircuitKey = sub.DataType
	}

	release := c.lockIdentity(sub.DataType, sub.RecordID)
	defer release()

	return c.run(ctx, sub)
}

// SubmitBatch runs each submission's lifecycle independently and
// concurrently; one terminal failure never affects a sibling's outcome.
func (c *Coordinator) SubmitBatch(ctx context.Context, subs []Submission) BatchResult {
	results := make([]Result, len(subs))
	var wg sync.WaitGroup
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Submit(ctx, subs[i])
		}(i)
	}
	wg.Wait()

	batch := BatchResult{Successful: []Result{}, Failed: []Result{}}
	for _, res := range results {
		if res.Success {
			batch.Successful = append(batch.Successful, res)
		} else {
			batch.Failed = append(batch.Failed, res)
		}
	}
	return batch
}

func (c *Coordinator) run(ctx context.Context, sub Submission) Result {
	retryCfg := c.retryConfigFor(sub)

	// Step 1: capture the exact pre-mutation snapshot.
	var original *DomainRecord
	if sub.Kind != OpCreate {
		if sub.originalOverride != nil {
			original = sub.originalOverride
		} else if prev, ok := c.store.Get(sub.DataType, sub.RecordID); ok {
			original = &prev
		}
	}

	op := &PendingOperation{
		OperationID:        sub.OperationID,
		DataType:           sub.DataType,
		RecordID:           sub.RecordID,
		Kind:               sub.Kind,
		CircuitKey:         sub.CircuitKey,
		Status:             StatusPending,
		SpeculativePayload: sub.Payload,
		OriginalSnapshot:   original,
		CorrelationID:      sub.CorrelationID,
		StartedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	c.mu.Lock()
	c.pending[op.OperationID] = op
	c.mu.Unlock()

	// Step 2: speculative apply, then the applied event.
	switch sub.Kind {
	case OpDelete:
		c.store.Remove(sub.DataType, sub.RecordID)
	default:
		_ = c.store.Upsert(DomainRecord{
			DataType:  sub.DataType,
			ID:        sub.RecordID,
			Payload:   sub.Payload,
			UpdatedAt: op.StartedAt,
		})
	}
	c.publish(EventApplied, op, 0, "")

	// Step 3: circuit-open fast fail, before any remote invocation.
	if c.breakers.IsOpen(sub.CircuitKey) {
		err := fmt.Errorf("%w for key %s", ErrCircuitOpen, sub.CircuitKey)
		c.rollback(op, original)
		c.publish(EventRolledBack, op, 0, err.Error())
		c.finish(op)
		return Result{Success: false, Error: err.Error(), Attempts: 0, OperationID: op.OperationID}
	}

	// Steps 4-5: invoke, classify, back off, retry or settle.
	attempts := 0
	for {
		attempts++
		c.mu.Lock()
		op.Attempts = attempts
		c.mu.Unlock()

		data, err := sub.Remote(ctx)
		if err == nil {
			c.breakers.RecordSuccess(sub.CircuitKey)
			data = c.commit(op, sub, data)
			c.publish(EventCommitted, op, attempts, "")
			c.finish(op)
			return Result{Success: true, Data: data, Attempts: attempts, OperationID: op.OperationID}
		}

		c.breakers.RecordFailure(sub.CircuitKey)
		if attempts > retryCfg.MaxRetries || !c.classify(retryCfg, err) {
			c.rollback(op, original)
			c.publish(EventRolledBack, op, attempts, err.Error())
			c.finish(op)
			return Result{Success: false, Error: err.Error(), Attempts: attempts, OperationID: op.OperationID}
		}

		delay := retryDelay(attempts-1, retryCfg, err, c.jitter)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			c.rollback(op, original)
			c.publish(EventRolledBack, op, attempts, err.Error())
			c.finish(op)
			return Result{Success: false, Error: err.Error(), Attempts: attempts, OperationID: op.OperationID}
		}
	}
}

// commit writes the authoritative server value over the speculative one. For
// creates the server-assigned id replaces the temporary one.
func (c *Coordinator) commit(op *PendingOperation, sub Submission, data json.RawMessage) json.RawMessage {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	switch sub.Kind {
	case OpDelete:
		c.store.Remove(sub.DataType, sub.RecordID)
	default:
		serverID := sub.RecordID
		payload := data
		if len(payload) == 0 {
			payload = sub.Payload
		}
		var probe struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(payload, &probe) == nil && strings.TrimSpace(probe.ID) != "" {
			serverID = probe.ID
		}
		if serverID != sub.RecordID {
			c.store.Remove(sub.DataType, sub.RecordID)
		}
		_ = c.store.Upsert(DomainRecord{
			DataType:  sub.DataType,
			ID:        serverID,
			Payload:   payload,
			UpdatedAt: now,
		})
		c.mu.Lock()
		op.RecordID = serverID
		c.mu.Unlock()
		data = payload
	}
	c.mu.Lock()
	op.Status = StatusSucceeded
	c.mu.Unlock()
	c.saveToBackend()
	return data
}

// rollback restores the store entry to exactly the pre-mutation snapshot, or
// removes it for a create. Never an intermediate value.
func (c *Coordinator) rollback(op *PendingOperation, original *DomainRecord) {
	switch op.Kind {
	case OpCreate:
		c.store.Remove(op.DataType, op.RecordID)
	default:
		if original != nil {
			_ = c.store.Upsert(*original)
		} else {
			c.store.Remove(op.DataType, op.RecordID)
		}
	}
	c.mu.Lock()
	op.Status = StatusRolledBack
	c.mu.Unlock()
	c.saveToBackend()
}

// finish drops the operation from the pending registry once terminal.
func (c *Coordinator) finish(op *PendingOperation) {
	c.mu.Lock()
	delete(c.pending, op.OperationID)
	c.mu.Unlock()
}

func (c *Coordinator) publish(eventType string, op *PendingOperation, attempts int, errText string) {
	c.mu.Lock()
	c.eventCounter++
	eventID := fmt.Sprintf("evt_%06d", c.eventCounter)
	recordID := op.RecordID
	c.mu.Unlock()
	c.notifier.Publish(op.DataType, Event{
		EventID:       eventID,
		Type:          eventType,
		DataType:      op.DataType,
		RecordID:      recordID,
		OperationID:   op.OperationID,
		Kind:          string(op.Kind),
		Attempts:      attempts,
		Error:         errText,
		CorrelationID: op.CorrelationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (c *Coordinator) retryConfigFor(sub Submission) RetryConfig {
	if sub.Retry != nil {
		return sub.Retry.withDefaults()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry
}

func (c *Coordinator) classify(cfg RetryConfig, err error) bool {
	if cfg.Classifier != nil {
		return cfg.Classifier(err)
	}
	return IsRetryable(err)
}

func (c *Coordinator) lockIdentity(dataType, id string) func() {
	key := dataType + "|" + id
	c.mu.Lock()
	entry, ok := c.identityMu[key]
	if !ok {
		entry = &identityLock{}
		c.identityMu[key] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs <= 0 {
			delete(c.identityMu, key)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) loadFromBackend() {
	if c.stateBackend == nil {
		return
	}
	state, err := c.stateBackend.Load()
	if err != nil || state == nil {
		return
	}
	c.store.restore(state.Records)
	c.breakers.restore(state.Breakers)
}

func (c *Coordinator) saveToBackend() {
	if c.stateBackend == nil {
		return
	}
	_ = c.stateBackend.Save(&persistedState{
		Records:  c.store.snapshot(),
		Breakers: c.breakers.snapshot(),
	})
}
