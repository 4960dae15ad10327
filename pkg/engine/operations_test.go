package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(maxHistory int) (*OperationRegistry, *testClock) {
	clock := newTestClock()
	r := NewOperationRegistry(maxHistory)
	r.now = clock.Now
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("op-%d", n)
	}
	return r, clock
}

func TestBeginCreatesSubmittedOperation(t *testing.T) {
	r, _ := newTestRegistry(0)

	op, err := r.Begin(Request{Kind: OperationStart, Target: "web1"})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if op.State != StateSubmitted {
		t.Errorf("Expected submitted, got %s", op.State)
	}
	if op.Description != "Start 'web1'" {
		t.Errorf("Unexpected description %q", op.Description)
	}
	if op.Progress != ProgressIndeterminate {
		t.Errorf("Expected indeterminate progress, got %d", op.Progress)
	}
	if active, ok := r.Active("web1"); !ok || active.ID != op.ID {
		t.Error("Expected web1 to be locked by the new operation")
	}
}

func TestConcurrentBeginSameContainer(t *testing.T) {
	r, _ := newTestRegistry(100)

	const n = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := OperationStart
			if i%2 == 0 {
				kind = OperationStop
			}
			_, err := r.Begin(Request{Kind: kind, Target: "web1"})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case IsConflict(err):
				conflicts++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("Expected exactly one accepted operation, got %d", accepted)
	}
	if conflicts != n-1 {
		t.Errorf("Expected %d conflicts, got %d", n-1, conflicts)
	}
}

func TestCreateIsNotLocked(t *testing.T) {
	r, _ := newTestRegistry(0)
	spec := &ContainerSpec{Name: "new1", Image: "ubuntu:24.04"}

	for i := 0; i < 2; i++ {
		if _, err := r.Begin(Request{Kind: OperationCreate, Spec: spec}); err != nil {
			t.Fatalf("Begin(create) #%d error = %v", i, err)
		}
	}
	if _, ok := r.Active("new1"); ok {
		t.Error("Expected create not to take a container lock")
	}
}

func TestApplyTransitions(t *testing.T) {
	r, clock := newTestRegistry(0)
	op, _ := r.Begin(Request{Kind: OperationStop, Target: "web1"})

	if _, ok := r.Apply(op.ID, Update{State: StatePolling}); ok {
		t.Error("Expected submitted -> polling to be rejected")
	}

	clock.Advance(time.Second)
	sent, ok := r.Apply(op.ID, Update{State: StateSent})
	if !ok || sent.State != StateSent {
		t.Fatalf("Expected sent, got %s (ok=%v)", sent.State, ok)
	}
	if !sent.UpdatedAt.After(sent.CreatedAt) {
		t.Error("Expected UpdatedAt to advance")
	}

	polling, ok := r.Apply(op.ID, Update{State: StatePolling, Handle: "/1.0/operations/abc", RemoteID: "abc"})
	if !ok || polling.Handle() != "/1.0/operations/abc" || polling.RemoteID != "abc" {
		t.Fatalf("Expected polling with handle, got %+v", polling)
	}

	progressed, ok := r.Apply(op.ID, Update{State: StatePolling, Progress: Progress(40)})
	if !ok || progressed.Progress != 40 {
		t.Errorf("Expected progress 40, got %d", progressed.Progress)
	}
	if _, ok := r.Apply(op.ID, Update{State: StatePolling, Progress: Progress(40)}); ok {
		t.Error("Expected identical progress update to be a no-op")
	}

	done, ok := r.Apply(op.ID, Update{State: StateSucceeded})
	if !ok || done.State != StateSucceeded || done.Progress != 100 || done.CompletedAt.IsZero() {
		t.Errorf("Unexpected terminal snapshot %+v", done)
	}
	if _, ok := r.Active("web1"); ok {
		t.Error("Expected lock to be released on success")
	}
}

func TestApplySentToFailed(t *testing.T) {
	r, _ := newTestRegistry(0)
	op, _ := r.Begin(Request{Kind: OperationStart, Target: "web1"})
	r.Apply(op.ID, Update{State: StateSent})

	failed, ok := r.Apply(op.ID, Update{State: StateFailed, Err: NewRemoteError(400, "bad"), Retries: 2})
	if !ok || failed.State != StateFailed || failed.Retries != 2 || failed.Err == nil {
		t.Errorf("Unexpected failed snapshot %+v", failed)
	}
}

func TestPollingClearsRetryError(t *testing.T) {
	r, _ := newTestRegistry(0)
	op, _ := r.Begin(Request{Kind: OperationStart, Target: "web1"})
	r.Apply(op.ID, Update{State: StateSent})

	retrying, ok := r.Apply(op.ID, Update{State: StateSent, Retries: 1, Err: NewTransportError("connection refused", nil)})
	if !ok || retrying.Err == nil {
		t.Fatalf("Expected retry error to be recorded, got %+v", retrying)
	}

	polling, ok := r.Apply(op.ID, Update{State: StatePolling, Handle: "/1.0/operations/abc"})
	if !ok {
		t.Fatal("Expected polling transition to apply")
	}
	if polling.Err != nil {
		t.Errorf("Expected error to be cleared once polling, got %v", polling.Err)
	}
	if polling.Retries != 1 {
		t.Errorf("Expected retries to be kept, got %d", polling.Retries)
	}
}

func TestTerminalStatusAppliedOnce(t *testing.T) {
	r, _ := newTestRegistry(0)
	op, _ := r.Begin(Request{Kind: OperationStart, Target: "web1"})
	r.Apply(op.ID, Update{State: StateSent})

	first, ok := r.Apply(op.ID, Update{State: StateSucceeded})
	if !ok {
		t.Fatal("Expected first terminal update to apply")
	}
	if _, ok := r.Apply(op.ID, Update{State: StateSucceeded}); ok {
		t.Error("Expected duplicate terminal update to be discarded")
	}
	if _, ok := r.Apply(op.ID, Update{State: StateFailed, Err: NewTransportError("late", nil)}); ok {
		t.Error("Expected update after terminal state to be discarded")
	}

	got, _ := r.Get(op.ID)
	if got.State != StateSucceeded || !got.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("Expected terminal state to be unchanged, got %+v", got)
	}
}

func TestCancelReleasesLock(t *testing.T) {
	r, _ := newTestRegistry(0)
	op, _ := r.Begin(Request{Kind: OperationStart, Target: "web1"})
	r.Apply(op.ID, Update{State: StateSent})
	r.Apply(op.ID, Update{State: StatePolling, Handle: "/1.0/operations/x"})

	cancelled, err := r.Cancel(op.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.State != StateCancelled || KindOf(cancelled.Err) != KindCancelled {
		t.Errorf("Unexpected cancelled snapshot %+v", cancelled)
	}
	if cancelled.Handle() != "/1.0/operations/x" {
		t.Error("Expected handle to be kept for remote cancellation")
	}

	if _, err := r.Begin(Request{Kind: OperationStart, Target: "web1"}); err != nil {
		t.Errorf("Expected start to be accepted after cancel, got %v", err)
	}

	if _, ok := r.Apply(op.ID, Update{State: StateSucceeded}); ok {
		t.Error("Expected late success after cancel to be discarded")
	}
}

func TestCancelErrors(t *testing.T) {
	r, _ := newTestRegistry(0)

	if _, err := r.Cancel("missing"); !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}

	op, _ := r.Begin(Request{Kind: OperationStart, Target: "web1"})
	r.Apply(op.ID, Update{State: StateSent})
	r.Apply(op.ID, Update{State: StateFailed, Err: NewRemoteError(400, "bad")})

	if _, err := r.Cancel(op.ID); KindOf(err) != KindInvalidState {
		t.Errorf("Expected invalid state, got %v", err)
	}
}

func TestListMostRecentFirst(t *testing.T) {
	r, clock := newTestRegistry(0)
	for _, name := range []string{"a", "b", "c"} {
		r.Begin(Request{Kind: OperationStart, Target: name})
		clock.Advance(time.Millisecond)
	}

	list := r.List()
	if len(list) != 3 || list[0].Target != "c" || list[2].Target != "a" {
		t.Errorf("Unexpected order: %v", targets(list))
	}

	list[0].State = StateFailed
	if got, _ := r.Get(list[0].ID); got.State != StateSubmitted {
		t.Error("Expected List to return copies")
	}
}

func TestPrune(t *testing.T) {
	r, clock := newTestRegistry(0)

	old, _ := r.Begin(Request{Kind: OperationStart, Target: "old"})
	r.Apply(old.ID, Update{State: StateSent})
	r.Apply(old.ID, Update{State: StateSucceeded})

	clock.Advance(time.Minute)
	recent, _ := r.Begin(Request{Kind: OperationStart, Target: "recent"})
	r.Apply(recent.ID, Update{State: StateSent})
	r.Apply(recent.ID, Update{State: StateSucceeded})
	active, _ := r.Begin(Request{Kind: OperationStart, Target: "active"})

	if n := r.Prune(30 * time.Second); n != 1 {
		t.Errorf("Expected 1 pruned operation, got %d", n)
	}
	if _, ok := r.Get(old.ID); ok {
		t.Error("Expected old operation to be pruned")
	}
	if _, ok := r.Get(recent.ID); !ok {
		t.Error("Expected recent operation to be kept")
	}
	if _, ok := r.Get(active.ID); !ok {
		t.Error("Expected active operation to be kept")
	}
}

func TestMaxHistoryDropsOldestTerminal(t *testing.T) {
	r, _ := newTestRegistry(3)

	var ids []string
	for i := 0; i < 3; i++ {
		op, _ := r.Begin(Request{Kind: OperationStart, Target: fmt.Sprintf("c%d", i)})
		r.Apply(op.ID, Update{State: StateSent})
		r.Apply(op.ID, Update{State: StateSucceeded})
		ids = append(ids, op.ID)
	}
	active, _ := r.Begin(Request{Kind: OperationStart, Target: "busy"})
	r.Begin(Request{Kind: OperationStart, Target: "busy2"})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("Expected history bounded at 3, got %d", len(list))
	}
	if _, ok := r.Get(ids[0]); ok {
		t.Error("Expected oldest terminal operation to be dropped")
	}
	if _, ok := r.Get(ids[1]); ok {
		t.Error("Expected second oldest terminal operation to be dropped")
	}
	if _, ok := r.Get(active.ID); !ok {
		t.Error("Expected active operation to be kept")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OperationState
		want     bool
	}{
		{StateSubmitted, StateSent, true},
		{StateSubmitted, StatePolling, false},
		{StateSubmitted, StateCancelled, true},
		{StateSent, StateFailed, true},
		{StateSent, StateSucceeded, true},
		{StatePolling, StatePolling, true},
		{StatePolling, StateCancelled, true},
		{StateSucceeded, StateFailed, false},
		{StateCancelled, StateCancelled, false},
		{StateFailed, StateSent, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func targets(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Target
	}
	return out
}
