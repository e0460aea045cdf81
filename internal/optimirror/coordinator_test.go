package optimirror

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Jitter == nil {
		opts.Jitter = func() float64 { return 1.0 }
	}
	if opts.Sleep == nil {
		opts.Sleep = func(context.Context, time.Duration) error { return nil }
	}
	return NewCoordinatorWithOptions(opts)
}

func succeedWith(payload string, calls *int32) RemoteOperation {
	return func(ctx context.Context) (json.RawMessage, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return json.RawMessage(payload), nil
	}
}

func failWith(err error, calls *int32) RemoteOperation {
	return func(ctx context.Context) (json.RawMessage, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return nil, err
	}
}

func TestCreateCommitsServerValueOnFirstAttempt(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})
	var events []string
	c.Events().Subscribe("notes", func(ev Event) { events = append(events, ev.Type) })

	var calls int32
	res := c.OptimisticCreate(context.Background(), "notes",
		json.RawMessage(`{"title":"draft"}`),
		succeedWith(`{"id":"note_42","title":"draft"}`, &calls))

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", res.Attempts)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one remote invocation, got %d", calls)
	}

	// The server value is authoritative, including its assigned id.
	rec, ok := c.Store().Get("notes", "note_42")
	if !ok {
		t.Fatalf("expected record under server id")
	}
	if string(rec.Payload) != `{"id":"note_42","title":"draft"}` {
		t.Fatalf("unexpected committed payload: %s", rec.Payload)
	}
	if len(c.Store().List("notes")) != 1 {
		t.Fatalf("temporary speculative record must be replaced, got %+v", c.Store().List("notes"))
	}

	if len(events) != 2 || events[0] != EventApplied || events[1] != EventCommitted {
		t.Fatalf("expected [applied committed], got %v", events)
	}
	if len(c.PendingOperations()) != 0 {
		t.Fatalf("terminal operation must leave the pending registry")
	}
}

func TestUpdateRetriesTransientFailuresThenSucceeds(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})
	if err := c.Store().Upsert(DomainRecord{DataType: "invoices", ID: "invoice-7", Payload: json.RawMessage(`{"total":10}`)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var calls int32
	remote := func(ctx context.Context) (json.RawMessage, error) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			return nil, &RemoteError{Code: CodeNetwork, Message: "connection reset by peer"}
		}
		return json.RawMessage(`{"id":"invoice-7","total":12}`), nil
	}

	res := c.OptimisticUpdate(context.Background(), "invoices", "invoice-7",
		json.RawMessage(`{"total":12}`), remote, nil)

	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected attempts=3, got %d", res.Attempts)
	}
	rec, _ := c.Store().Get("invoices", "invoice-7")
	if string(rec.Payload) != `{"id":"invoice-7","total":12}` {
		t.Fatalf("unexpected committed payload: %s", rec.Payload)
	}
}

func TestRetriesAreBoundedAndEndInRollback(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{Retry: RetryConfig{MaxRetries: 3}})
	if err := c.Store().Upsert(DomainRecord{DataType: "notes", ID: "n1", Payload: json.RawMessage(`{"x":1}`)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var calls int32
	res := c.OptimisticUpdate(context.Background(), "notes", "n1",
		json.RawMessage(`{"x":9}`),
		failWith(&RemoteError{Code: CodeTimeout, Message: "deadline exceeded"}, &calls), nil)

	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Attempts != 4 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", res.Attempts)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 remote invocations, got %d", calls)
	}
	rec, _ := c.Store().Get("notes", "n1")
	if string(rec.Payload) != `{"x":1}` {
		t.Fatalf("rollback must restore the exact snapshot, got %s", rec.Payload)
	}
}

func TestTerminalErrorFailsWithoutRetry(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})
	if err := c.Store().Upsert(DomainRecord{DataType: "vendors", ID: "vendor-2", Payload: json.RawMessage(`{"name":"acme"}`)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var events []Event
	c.Events().Subscribe("vendors", func(ev Event) { events = append(events, ev) })

	var calls int32
	res := c.OptimisticDelete(context.Background(), "vendors", "vendor-2",
		failWith(errors.New("permission denied"), &calls))

	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Attempts != 1 || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("terminal error must not be retried: attempts=%d calls=%d", res.Attempts, calls)
	}
	if rec, ok := c.Store().Get("vendors", "vendor-2"); !ok || string(rec.Payload) != `{"name":"acme"}` {
		t.Fatalf("expected vendor-2 restored, got %+v ok=%v", rec, ok)
	}
	if len(events) != 2 || events[1].Type != EventRolledBack || events[1].Error == "" {
		t.Fatalf("expected rolled_back event carrying the error, got %+v", events)
	}
}

func TestDeleteSuccessRemovesRecord(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})
	if err := c.Store().Upsert(DomainRecord{DataType: "vendors", ID: "v1", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	res := c.OptimisticDelete(context.Background(), "vendors", "v1", succeedWith(``, nil))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if _, ok := c.Store().Get("vendors", "v1"); ok {
		t.Fatalf("expected record removed")
	}
}

func TestUpdateUsesCallerSuppliedOriginal(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})
	if err := c.Store().Upsert(DomainRecord{DataType: "notes", ID: "n1", Payload: json.RawMessage(`{"x":2}`)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	original := &DomainRecord{Payload: json.RawMessage(`{"x":1}`)}
	res := c.OptimisticUpdate(context.Background(), "notes", "n1",
		json.RawMessage(`{"x":9}`),
		failWith(errors.New("validation failed"), nil), original)

	if res.Success {
		t.Fatalf("expected failure")
	}
	rec, _ := c.Store().Get("notes", "n1")
	if string(rec.Payload) != `{"x":1}` {
		t.Fatalf("expected caller-supplied snapshot restored, got %s", rec.Payload)
	}
}

func TestCircuitOpenFastFailSkipsRemoteCall(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{BreakerThreshold: 5, BreakerTimeout: time.Minute})

	terminal := &RemoteError{Code: CodeServerError, Message: "boom"}
	for i := 0; i < 5; i++ {
		res := c.Submit(context.Background(), Submission{
			DataType:   "billing",
			RecordID:   "acct-1",
			Kind:       OpUpdate,
			Payload:    json.RawMessage(`{}`),
			Remote:     failWith(terminal, nil),
			CircuitKey: "billing-api",
			Retry:      &RetryConfig{MaxRetries: 1, Classifier: func(error) bool { return false }},
		})
		if res.Success {
			t.Fatalf("seed failure %d unexpectedly succeeded", i)
		}
	}

	var calls int32
	var events []Event
	c.Events().Subscribe("billing", func(ev Event) { events = append(events, ev) })

	res := c.Submit(context.Background(), Submission{
		DataType:   "billing",
		RecordID:   "acct-1",
		Kind:       OpUpdate,
		Payload:    json.RawMessage(`{"plan":"pro"}`),
		Remote:     succeedWith(`{}`, &calls),
		CircuitKey: "billing-api",
	})

	if res.Success {
		t.Fatalf("expected circuit-open failure")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("circuit-open submit must make zero remote calls, got %d", calls)
	}
	if res.Attempts != 0 {
		t.Fatalf("fast-fail must not increment attempts, got %d", res.Attempts)
	}
	if !strings.Contains(res.Error, ErrCircuitOpen.Error()) {
		t.Fatalf("expected circuit-open error text, got %+v", res)
	}
	if len(events) != 2 || events[0].Type != EventApplied || events[1].Type != EventRolledBack {
		t.Fatalf("fast-fail still applies and rolls back: %+v", events)
	}
}

func TestHalfOpenTrialDispatchesExactlyOnce(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{BreakerThreshold: 1, BreakerTimeout: 30 * time.Second})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Breakers().now = func() time.Time { return now }

	res := c.Submit(context.Background(), Submission{
		DataType: "notes",
		RecordID: "n1",
		Kind:     OpUpdate,
		Payload:  json.RawMessage(`{}`),
		Remote:   failWith(&RemoteError{Code: CodeValidation, Message: "bad"}, nil),
	})
	if res.Success {
		t.Fatalf("expected seed failure")
	}
	if !c.Breakers().IsOpen("notes") {
		t.Fatalf("expected breaker open for default circuit key")
	}

	now = now.Add(31 * time.Second)
	var calls int32
	res = c.Submit(context.Background(), Submission{
		DataType: "notes",
		RecordID: "n1",
		Kind:     OpUpdate,
		Payload:  json.RawMessage(`{"x":1}`),
		Remote:   succeedWith(`{"id":"n1","x":1}`, &calls),
	})
	if !res.Success || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one trial dispatch, got %+v calls=%d", res, calls)
	}

	stats := c.Breakers().Stats()
	if len(stats) != 1 || stats[0].Failures != 0 || stats[0].State != string(BreakerClosed) {
		t.Fatalf("trial success must close the breaker, got %+v", stats)
	}
}

func TestSubmitBatchIsolatesFailures(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})

	batch := c.SubmitBatch(context.Background(), []Submission{
		{
			OperationID: "op_a",
			DataType:    "notes",
			Kind:        OpCreate,
			Payload:     json.RawMessage(`{"title":"a"}`),
			Remote:      succeedWith(`{"id":"a1","title":"a"}`, nil),
		},
		{
			OperationID: "op_b",
			DataType:    "notes",
			RecordID:    "b1",
			Kind:        OpUpdate,
			Payload:     json.RawMessage(`{"title":"b"}`),
			Remote:      failWith(&RemoteError{Code: CodeValidation, Message: "bad payload"}, nil),
		},
		{
			OperationID: "op_c",
			DataType:    "notes",
			Kind:        OpCreate,
			Payload:     json.RawMessage(`{"title":"c"}`),
			Remote:      succeedWith(`{"id":"c1","title":"c"}`, nil),
		},
	})

	if len(batch.Successful) != 2 {
		t.Fatalf("expected 2 successes, got %+v", batch.Successful)
	}
	if len(batch.Failed) != 1 || batch.Failed[0].OperationID != "op_b" {
		t.Fatalf("expected op_b as the single failure, got %+v", batch.Failed)
	}
}

func TestSameIdentitySubmitsAreSerialized(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})
	if err := c.Store().Upsert(DomainRecord{DataType: "notes", ID: "n1", Payload: json.RawMessage(`{"v":0}`)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var inFlight, overlapped int32
	remote := func(ctx context.Context) (json.RawMessage, error) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return json.RawMessage(`{"id":"n1"}`), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.OptimisticUpdate(context.Background(), "notes", "n1", json.RawMessage(`{"v":1}`), remote, nil)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&overlapped) != 0 {
		t.Fatalf("expected same-identity operations serialized")
	}
}

func TestCanceledContextStopsBackoffAndRollsBack(t *testing.T) {
	c := NewCoordinatorWithOptions(CoordinatorOptions{
		Retry:  RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour},
		Jitter: func() float64 { return 1.0 },
	})
	if err := c.Store().Upsert(DomainRecord{DataType: "notes", ID: "n1", Payload: json.RawMessage(`{"x":1}`)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	remote := func(context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return nil, &RemoteError{Code: CodeNetwork, Message: "down"}
	}

	done := make(chan Result, 1)
	go func() {
		done <- c.OptimisticUpdate(ctx, "notes", "n1", json.RawMessage(`{"x":2}`), remote, nil)
	}()

	select {
	case res := <-done:
		if res.Success || res.Attempts != 1 {
			t.Fatalf("expected one attempt then rollback, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancellation must interrupt the backoff wait")
	}
	rec, _ := c.Store().Get("notes", "n1")
	if string(rec.Payload) != `{"x":1}` {
		t.Fatalf("expected rollback after cancellation, got %s", rec.Payload)
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})

	if res := c.Submit(context.Background(), Submission{Kind: OpCreate, Remote: succeedWith(`{}`, nil)}); res.Success || res.Error == "" {
		t.Fatalf("expected invalid input for missing dataType: %+v", res)
	}
	if res := c.Submit(context.Background(), Submission{DataType: "notes", Kind: OpUpdate, Remote: succeedWith(`{}`, nil)}); res.Success {
		t.Fatalf("expected invalid input for update without record id")
	}
	if res := c.Submit(context.Background(), Submission{DataType: "notes", Kind: OperationKind("merge"), RecordID: "n1", Remote: succeedWith(`{}`, nil)}); res.Success {
		t.Fatalf("expected invalid input for unsupported kind")
	}
	if res := c.Submit(context.Background(), Submission{DataType: "notes", Kind: OpCreate}); res.Success {
		t.Fatalf("expected invalid input for nil remote")
	}
}

func TestCoordinatorPersistsAndRestoresThroughBackend(t *testing.T) {
	backend := NewInMemoryStateBackend()
	c := newTestCoordinator(CoordinatorOptions{StateBackend: backend})

	res := c.OptimisticCreate(context.Background(), "notes",
		json.RawMessage(`{"title":"kept"}`),
		succeedWith(`{"id":"note_1","title":"kept"}`, nil))
	if !res.Success {
		t.Fatalf("create failed: %+v", res)
	}

	restored := newTestCoordinator(CoordinatorOptions{StateBackend: backend})
	rec, ok := restored.Store().Get("notes", "note_1")
	if !ok || string(rec.Payload) != `{"id":"note_1","title":"kept"}` {
		t.Fatalf("expected restored record, got %+v ok=%v", rec, ok)
	}
}

func TestPendingOperationsVisibleDuringLifecycle(t *testing.T) {
	c := newTestCoordinator(CoordinatorOptions{})

	started := make(chan struct{})
	release := make(chan struct{})
	remote := func(ctx context.Context) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{"id":"n1"}`), nil
	}

	done := make(chan Result, 1)
	go func() {
		done <- c.Submit(context.Background(), Submission{
			OperationID: "op_pending",
			DataType:    "notes",
			RecordID:    "n1",
			Kind:        OpUpdate,
			Payload:     json.RawMessage(`{}`),
			Remote:      remote,
		})
	}()

	<-started
	pending := c.PendingOperations()
	if len(pending) != 1 || pending[0].OperationID != "op_pending" || pending[0].Status != StatusPending {
		t.Fatalf("unexpected pending snapshot: %+v", pending)
	}
	if pending[0].Attempts != 1 {
		t.Fatalf("expected attempts=1 while in flight, got %d", pending[0].Attempts)
	}

	close(release)
	<-done
	if len(c.PendingOperations()) != 0 {
		t.Fatalf("expected pending registry drained")
	}
}
