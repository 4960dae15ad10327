package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClient simulates the LXD API in memory.
type fakeClient struct {
	mu sync.Mutex

	containers map[string]Container

	// submitErrs are returned by successive Submit calls before they succeed.
	submitErrs []error

	// submitGate, when set, blocks Submit until closed.
	submitGate chan struct{}

	// async makes Submit return a remote handle. The job completes when
	// complete is called, or on the first poll when autoComplete is set.
	async        bool
	autoComplete bool
	jobs         map[string]*fakeJob
	exitCode     *int

	listErr error

	// listGate, when set, blocks ListContainers until closed.
	listGate chan struct{}

	requests    []Request
	submitCalls int
	listCalls   int
	cancelled   []string
	closed      bool
	nextHandle  int
}

type fakeJob struct {
	req    Request
	status RemoteStatus
}

func newFakeClient(containers ...Container) *fakeClient {
	f := &fakeClient{
		containers: make(map[string]Container),
		jobs:       make(map[string]*fakeJob),
	}
	for _, c := range containers {
		f.containers[c.Name] = c
	}
	return f
}

func (f *fakeClient) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	f.mu.Lock()
	gate := f.submitGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return SubmitResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitCalls++
	f.requests = append(f.requests, req)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return SubmitResult{}, err
	}

	if !f.async {
		f.applyLocked(req)
		return SubmitResult{}, nil
	}

	f.nextHandle++
	id := fmt.Sprintf("job-%d", f.nextHandle)
	handle := "/1.0/operations/" + id
	f.jobs[handle] = &fakeJob{
		req:    req,
		status: RemoteStatus{RemoteID: id, Phase: RemoteRunning, Progress: ProgressIndeterminate},
	}
	return SubmitResult{Handle: handle, RemoteID: id}, nil
}

func (f *fakeClient) GetOperation(ctx context.Context, handle string) (RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[handle]
	if !ok {
		return RemoteStatus{}, NewRemoteError(404, "operation not found")
	}
	if f.autoComplete && job.status.Phase == RemoteRunning {
		f.completeLocked(handle)
	}
	return job.status, nil
}

func (f *fakeClient) complete(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeLocked(handle)
}

func (f *fakeClient) completeLocked(handle string) {
	job := f.jobs[handle]
	if f.exitCode != nil && *f.exitCode != 0 {
		job.status = RemoteStatus{
			RemoteID: job.status.RemoteID,
			Phase:    RemoteFailed,
			Message:  fmt.Sprintf("command exited with status %d", *f.exitCode),
			ExitCode: f.exitCode,
		}
		return
	}
	f.applyLocked(job.req)
	job.status = RemoteStatus{RemoteID: job.status.RemoteID, Phase: RemoteSucceeded, Progress: 100, ExitCode: f.exitCode}
}

func (f *fakeClient) applyLocked(req Request) {
	switch req.Kind {
	case OperationStart, OperationRestart:
		c := f.containers[req.Target]
		c.Status = StatusRunning
		f.containers[req.Target] = c
	case OperationStop:
		c := f.containers[req.Target]
		c.Status = StatusStopped
		f.containers[req.Target] = c
	case OperationDelete:
		delete(f.containers, req.Target)
	case OperationCreate:
		f.containers[req.Spec.Name] = Container{Name: req.Spec.Name, Status: StatusStopped, Type: req.Spec.InstanceType()}
	case OperationClone:
		c := f.containers[req.Target]
		c.Name = req.NewName
		c.Status = StatusStopped
		f.containers[req.NewName] = c
	}
}

func (f *fakeClient) ListContainers(ctx context.Context) ([]Container, error) {
	f.mu.Lock()
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeClient) CancelOperation(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) set(fn func(f *fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeClient) counts() (submits, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.listCalls
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefreshInterval = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PruneInterval = time.Hour
	cfg.RequestTimeout = time.Second
	cfg.Retry.BaseDelay = 2 * time.Millisecond
	cfg.Retry.MaxDelay = 20 * time.Millisecond
	return cfg
}

// startEngine runs an engine until the test ends and waits for the first
// refresh to land.
func startEngine(t *testing.T, client *fakeClient, opts ...Option) *Engine {
	t.Helper()

	opts = append([]Option{WithConfig(testConfig())}, opts...)
	eng, err := NewEngine(client, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})

	eventually(t, func() bool { return eng.Health().Connected })
	return eng
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func waitTerminal(t *testing.T, eng *Engine, id string) Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	op, err := eng.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return op
}

func TestEngineStopStartScenario(t *testing.T) {
	client := newFakeClient(Container{Name: "db1", Status: StatusStopped, Type: "container"})
	eng := startEngine(t, client)
	ctx := context.Background()

	if _, err := eng.RequestStop(ctx, "db1"); !IsValidation(err) {
		t.Fatalf("Expected validation error for stopping a stopped container, got %v", err)
	}
	if submits, _ := client.counts(); submits != 0 {
		t.Fatalf("Expected no API call for a rejected request, got %d", submits)
	}

	op, err := eng.RequestStart(ctx, "db1")
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	if op.ID == "" {
		t.Fatal("Expected an operation id")
	}

	done := waitTerminal(t, eng, op.ID)
	if done.State != StateSucceeded {
		t.Fatalf("Expected succeeded, got %s (%v)", done.State, done.Err)
	}
	eventually(t, func() bool {
		c, _ := eng.Container("db1")
		return c.Status == StatusRunning
	})

	_, before := client.counts()
	eventually(t, func() bool {
		_, lists := client.counts()
		return lists > before
	})
	eventually(t, func() bool {
		c, _ := eng.Container("db1")
		return c.Status == StatusRunning
	})
}

func TestEngineRetriesTransportErrors(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	client.submitErrs = []error{
		NewTransportError("connection refused", nil),
		NewTransportError("connection refused", nil),
	}
	eng := startEngine(t, client)

	op, err := eng.RequestStart(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}

	done := waitTerminal(t, eng, op.ID)
	if done.State != StateSucceeded {
		t.Fatalf("Expected succeeded, got %s (%v)", done.State, done.Err)
	}
	if done.Retries != 2 {
		t.Errorf("Expected 2 retries, got %d", done.Retries)
	}
	if submits, _ := client.counts(); submits != 3 {
		t.Errorf("Expected 3 submit calls, got %d", submits)
	}

	policy := testConfig().Retry
	minimum := policy.BaseDelay + time.Duration(float64(policy.BaseDelay)*policy.Multiplier)
	if elapsed := done.CompletedAt.Sub(done.CreatedAt); elapsed < minimum {
		t.Errorf("Expected elapsed >= %s, got %s", minimum, elapsed)
	}
}

func TestEngineRemote4xxFailsImmediately(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	client.submitErrs = []error{NewRemoteError(404, "Instance not found")}
	eng := startEngine(t, client)

	op, err := eng.RequestStart(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}

	done := waitTerminal(t, eng, op.ID)
	if done.State != StateFailed {
		t.Fatalf("Expected failed, got %s", done.State)
	}
	if done.Retries != 0 {
		t.Errorf("Expected zero retries, got %d", done.Retries)
	}
	if KindOf(done.Err) != KindRemote4xx {
		t.Errorf("Expected remote_4xx error, got %v", done.Err)
	}
	var e *Error
	if errors.As(done.Err, &e) && (e.Operation != op.ID || e.Target != "web1") {
		t.Errorf("Expected error annotated with operation and container, got %+v", e)
	}
	if submits, _ := client.counts(); submits != 1 {
		t.Errorf("Expected 1 submit call, got %d", submits)
	}
}

func TestEngineCancelWhilePolling(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	client.async = true
	eng := startEngine(t, client)
	ctx := context.Background()

	op, err := eng.RequestStart(ctx, "web1")
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	eventually(t, func() bool {
		got, _ := eng.Operation(op.ID)
		return got.State == StatePolling
	})

	cancelled, err := eng.CancelOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("CancelOperation() error = %v", err)
	}
	if cancelled.State != StateCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.State)
	}

	next, err := eng.RequestStart(ctx, "web1")
	if err != nil {
		t.Fatalf("Expected start to be accepted after cancel, got %v", err)
	}
	if next.ID == op.ID {
		t.Error("Expected a new operation")
	}

	eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.cancelled) == 1 && client.cancelled[0] == "/1.0/operations/job-1"
	})

	if _, err := eng.CancelOperation(ctx, op.ID); KindOf(err) != KindInvalidState {
		t.Errorf("Expected invalid state for a second cancel, got %v", err)
	}
}

func TestEnginePollsAsyncJobs(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusRunning})
	client.async = true
	eng := startEngine(t, client)

	op, err := eng.RequestStop(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestStop() error = %v", err)
	}
	eventually(t, func() bool {
		got, _ := eng.Operation(op.ID)
		return got.State == StatePolling && got.RemoteID == "job-1"
	})

	client.complete("/1.0/operations/job-1")
	done := waitTerminal(t, eng, op.ID)
	if done.State != StateSucceeded || done.Progress != 100 {
		t.Errorf("Expected succeeded at 100%%, got %s at %d", done.State, done.Progress)
	}
	eventually(t, func() bool {
		c, _ := eng.Container("web1")
		return c.Status == StatusStopped
	})
}

func TestEngineExecNonZeroExit(t *testing.T) {
	code := 2
	client := newFakeClient(Container{Name: "web1", Status: StatusRunning})
	client.async = true
	client.autoComplete = true
	client.exitCode = &code
	eng := startEngine(t, client)

	op, err := eng.RequestExec(context.Background(), "web1", []string{"false"})
	if err != nil {
		t.Fatalf("RequestExec() error = %v", err)
	}

	done := waitTerminal(t, eng, op.ID)
	if done.State != StateFailed {
		t.Fatalf("Expected failed, got %s", done.State)
	}
	if done.ExitCode == nil || *done.ExitCode != 2 {
		t.Errorf("Expected exit code 2, got %v", done.ExitCode)
	}
}

func TestEngineFallsBackToPolling(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	client.async = true
	client.autoComplete = true

	var mu sync.Mutex
	watched := 0
	broken := StatusSourceFunc(func(ctx context.Context, handle string) (<-chan RemoteStatus, error) {
		mu.Lock()
		watched++
		mu.Unlock()
		ch := make(chan RemoteStatus, 1)
		ch <- RemoteStatus{Err: NewTransportError("websocket closed", nil)}
		close(ch)
		return ch, nil
	})
	eng := startEngine(t, client, WithStatusSource(broken))

	op, err := eng.RequestStart(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}

	done := waitTerminal(t, eng, op.ID)
	if done.State != StateSucceeded {
		t.Fatalf("Expected succeeded after fallback, got %s (%v)", done.State, done.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if watched != 1 {
		t.Errorf("Expected the event source to be tried once, got %d", watched)
	}
}

func TestEngineConcurrentRequestsConflict(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusRunning})
	client.async = true
	eng := startEngine(t, client)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.RequestRestart(context.Background(), "web1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if IsConflict(err) {
				conflicts++
			} else {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || conflicts != n-1 {
		t.Errorf("Expected 1 accepted and %d conflicts, got %d and %d", n-1, accepted, conflicts)
	}
}

func TestEngineSubmitDoesNotWaitForNetwork(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	gate := make(chan struct{})
	eng := startEngine(t, client)
	client.set(func(f *fakeClient) { f.submitGate = gate })

	op, err := eng.RequestStart(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	if op.State != StateSubmitted {
		t.Errorf("Expected a submitted operation before any response, got %s", op.State)
	}
	if active, ok := eng.ops.Active("web1"); !ok || active.ID != op.ID {
		t.Error("Expected the registry to track the operation immediately")
	}
	eventually(t, func() bool {
		got, _ := eng.Operation(op.ID)
		return got.State == StateSent
	})

	close(gate)
	if done := waitTerminal(t, eng, op.ID); done.State != StateSucceeded {
		t.Errorf("Expected succeeded, got %s", done.State)
	}
}

func TestEngineValidation(t *testing.T) {
	client := newFakeClient(
		Container{Name: "running", Status: StatusRunning},
		Container{Name: "stopped", Status: StatusStopped},
	)
	eng := startEngine(t, client)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{name: "start running", req: Request{Kind: OperationStart, Target: "running"}},
		{name: "stop stopped", req: Request{Kind: OperationStop, Target: "stopped"}},
		{name: "restart stopped", req: Request{Kind: OperationRestart, Target: "stopped"}},
		{name: "exec stopped", req: Request{Kind: OperationExec, Target: "stopped", Command: []string{"ls"}}},
		{name: "exec without command", req: Request{Kind: OperationExec, Target: "running"}},
		{name: "unknown container", req: Request{Kind: OperationStart, Target: "ghost"}},
		{name: "invalid name", req: Request{Kind: OperationStart, Target: "bad_name!"}},
		{name: "clone onto existing", req: Request{Kind: OperationClone, Target: "stopped", NewName: "running"}},
		{name: "create existing", req: Request{Kind: OperationCreate, Spec: &ContainerSpec{Name: "running", Image: "ubuntu:24.04"}}},
		{name: "create without image", req: Request{Kind: OperationCreate, Spec: &ContainerSpec{Name: "fresh"}}},
		{name: "create without spec", req: Request{Kind: OperationCreate}},
		{name: "unknown kind", req: Request{Kind: "freeze", Target: "running"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.Submit(ctx, tt.req); !IsValidation(err) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}

	if submits, _ := client.counts(); submits != 0 {
		t.Errorf("Expected no API calls, got %d", submits)
	}
}

func TestEngineCreateAndClone(t *testing.T) {
	client := newFakeClient(Container{Name: "base", Status: StatusStopped, Type: "container"})
	eng := startEngine(t, client)
	ctx := context.Background()

	create, err := eng.RequestCreate(ctx, ContainerSpec{Name: "fresh", Image: "ubuntu:24.04"})
	if err != nil {
		t.Fatalf("RequestCreate() error = %v", err)
	}
	clone, err := eng.RequestClone(ctx, "base", "base-copy")
	if err != nil {
		t.Fatalf("RequestClone() error = %v", err)
	}

	for _, id := range []string{create.ID, clone.ID} {
		if done := waitTerminal(t, eng, id); done.State != StateSucceeded {
			t.Errorf("Expected %s to succeed, got %s", done.Description, done.State)
		}
	}
	eventually(t, func() bool {
		_, fresh := eng.Container("fresh")
		_, copied := eng.Container("base-copy")
		return fresh && copied
	})
}

func TestEngineHealth(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusRunning})
	eng := startEngine(t, client)
	sub := eng.Subscribe()
	defer sub.Close()

	client.set(func(f *fakeClient) { f.listErr = NewTransportError("dial unix: no such file", nil) })
	eventually(t, func() bool { return !eng.Health().Connected })

	h := eng.Health()
	if KindOf(h.LastError) != KindTransport {
		t.Errorf("Expected transport error in health, got %v", h.LastError)
	}
	if _, ok := eng.Container("web1"); !ok {
		t.Error("Expected containers to be kept while disconnected")
	}

	sawHealth := false
	deadline := time.After(time.Second)
	for !sawHealth {
		select {
		case change := <-sub.C():
			sawHealth = change.Has(ChangeHealth)
		case <-deadline:
			t.Fatal("Expected a health notification")
		}
	}

	client.set(func(f *fakeClient) { f.listErr = nil })
	eventually(t, func() bool { return eng.Health().Connected })
	if eng.Health().LastError != nil {
		t.Error("Expected recovery to clear the error")
	}
}

func TestEnginePrunesFinishedOperations(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	cfg := testConfig()
	cfg.PruneInterval = 10 * time.Millisecond
	cfg.OperationRetention = 0
	eng := startEngine(t, client, WithConfig(cfg))

	op, err := eng.RequestStart(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	eventually(t, func() bool {
		_, ok := eng.Operation(op.ID)
		return !ok
	})
	eventually(t, func() bool {
		c, _ := eng.Container("web1")
		return c.Status == StatusRunning
	})
}

func TestEngineReconfigure(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	eng := startEngine(t, client)

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	if err := eng.Reconfigure(context.Background(), cfg); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}

	bad := cfg
	bad.PollInterval = 0
	if err := eng.Reconfigure(context.Background(), bad); err == nil {
		t.Error("Expected invalid config to be rejected")
	}

	// The new policy applies once the loop has picked it up.
	eventually(t, func() bool {
		client.set(func(f *fakeClient) {
			f.submitErrs = make([]error, 5)
			for i := range f.submitErrs {
				f.submitErrs[i] = NewTransportError("refused", nil)
			}
		})
		op, err := eng.RequestStart(context.Background(), "web1")
		if err != nil {
			return false
		}
		done := waitTerminal(t, eng, op.ID)
		return done.State == StateFailed && done.Retries == 0
	})
}

func TestEngineShutdown(t *testing.T) {
	client := newFakeClient()
	eng, err := NewEngine(client, WithConfig(testConfig()))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()
	sub := eng.Subscribe()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	client.mu.Lock()
	closed := client.closed
	client.mu.Unlock()
	if !closed {
		t.Error("Expected the client to be closed")
	}
	if err := eng.RequestRefresh(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Expected ErrEngineStopped, got %v", err)
	}
	for range sub.C() {
	}
	if err := eng.Run(context.Background()); err == nil {
		t.Error("Expected a second Run to fail")
	}
}

func TestWaitReturnsWhenNotificationsClose(t *testing.T) {
	eng, err := NewEngine(newFakeClient(), WithConfig(testConfig()))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	op, err := eng.ops.Begin(Request{Kind: OperationStart, Target: "web1"})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := eng.Wait(context.Background(), op.ID)
		errCh <- err
	}()

	// Shutdown closes the notifier before the engine reports done.
	time.Sleep(10 * time.Millisecond)
	eng.notifier.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrEngineStopped) {
			t.Errorf("Expected ErrEngineStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after notifications closed")
	}
}

func TestEngineDeleteRunningStopsFirst(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			client := newFakeClient(
				Container{Name: "web1", Status: StatusRunning},
				Container{Name: "db1", Status: StatusRunning},
			)
			client.async = async
			client.autoComplete = async
			eng := startEngine(t, client)

			op, err := eng.RequestDelete(context.Background(), "web1")
			if err != nil {
				t.Fatalf("RequestDelete() error = %v", err)
			}
			if _, err := eng.RequestStart(context.Background(), "web1"); !IsConflict(err) {
				t.Errorf("Expected conflict while the delete runs, got %v", err)
			}

			done := waitTerminal(t, eng, op.ID)
			if done.State != StateSucceeded {
				t.Fatalf("Expected succeeded, got %s (%v)", done.State, done.Err)
			}

			client.mu.Lock()
			requests := append([]Request(nil), client.requests...)
			client.mu.Unlock()
			if len(requests) != 2 {
				t.Fatalf("Expected stop then delete, got %+v", requests)
			}
			if requests[0].Kind != OperationStop || !requests[0].Force || requests[0].Target != "web1" {
				t.Errorf("Expected a forced stop first, got %+v", requests[0])
			}
			if requests[1].Kind != OperationDelete || requests[1].Target != "web1" {
				t.Errorf("Expected the delete second, got %+v", requests[1])
			}

			eventually(t, func() bool {
				for _, c := range eng.Containers() {
					if c.Name == "web1" {
						return false
					}
				}
				return true
			})
		})
	}
}

func TestEngineDeleteStoppedSkipsStop(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	eng := startEngine(t, client)

	op, err := eng.RequestDelete(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestDelete() error = %v", err)
	}
	if done := waitTerminal(t, eng, op.ID); done.State != StateSucceeded {
		t.Fatalf("Expected succeeded, got %s", done.State)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.requests) != 1 || client.requests[0].Kind != OperationDelete {
		t.Errorf("Expected a single delete, got %+v", client.requests)
	}
}

func TestEngineDeleteFailsWhenStopFails(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusRunning})
	client.submitErrs = []error{NewRemoteError(403, "Forbidden")}
	eng := startEngine(t, client)

	op, err := eng.RequestDelete(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestDelete() error = %v", err)
	}
	done := waitTerminal(t, eng, op.ID)
	if done.State != StateFailed {
		t.Fatalf("Expected failed, got %s", done.State)
	}
	if submits, _ := client.counts(); submits != 1 {
		t.Errorf("Expected the delete to be skipped after a failed stop, got %d calls", submits)
	}
	if c, ok := eng.Container("web1"); !ok || c.Status != StatusRunning {
		t.Errorf("Expected web1 to be untouched, got %+v", c)
	}
}

func TestEnginePollingClearsRetryError(t *testing.T) {
	client := newFakeClient(Container{Name: "web1", Status: StatusStopped})
	client.async = true
	client.submitErrs = []error{NewTransportError("connection refused", nil)}
	eng := startEngine(t, client)

	op, err := eng.RequestStart(context.Background(), "web1")
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	eventually(t, func() bool {
		got, _ := eng.Operation(op.ID)
		return got.State == StatePolling
	})

	got, _ := eng.Operation(op.ID)
	if got.Err != nil {
		t.Errorf("Expected no error on a polling operation, got %v", got.Err)
	}
	if got.Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", got.Retries)
	}
}

func TestEngineCoalescesRefreshes(t *testing.T) {
	names := []string{"web1", "web2", "web3", "web4"}
	var containers []Container
	for _, name := range names {
		containers = append(containers, Container{Name: name, Status: StatusStopped})
	}
	client := newFakeClient(containers...)

	cfg := testConfig()
	cfg.RefreshInterval = time.Hour
	cfg.RequestTimeout = 10 * time.Second
	eng := startEngine(t, client, WithConfig(cfg))

	submitGate := make(chan struct{})
	listGate := make(chan struct{})
	client.set(func(f *fakeClient) {
		f.submitGate = submitGate
		f.listGate = listGate
	})
	defer func() {
		select {
		case <-listGate:
		default:
			close(listGate)
		}
	}()

	var ids []string
	for _, name := range names {
		op, err := eng.RequestStart(context.Background(), name)
		if err != nil {
			t.Fatalf("RequestStart(%s) error = %v", name, err)
		}
		ids = append(ids, op.ID)
	}

	_, before := client.counts()
	close(submitGate)
	for _, id := range ids {
		if done := waitTerminal(t, eng, id); done.State != StateSucceeded {
			t.Fatalf("Expected succeeded, got %s", done.State)
		}
	}

	// One refresh is blocked in flight; the others collapse into one queued.
	close(listGate)
	eventually(t, func() bool {
		_, lists := client.counts()
		return lists-before >= 2
	})
	time.Sleep(50 * time.Millisecond)

	if _, lists := client.counts(); lists-before != 2 {
		t.Errorf("Expected 2 refreshes for 4 completions, got %d", lists-before)
	}
	for _, name := range names {
		if c, _ := eng.Container(name); c.Status != StatusRunning {
			t.Errorf("Expected %s running, got %s", name, c.Status)
		}
	}
}

func TestQueuedCancelWinsOverCompletion(t *testing.T) {
	client := newFakeClient()
	eng, err := NewEngine(client, WithConfig(testConfig()))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	eng.containers.Refresh([]Container{{Name: "web1", Status: StatusStopped}})

	op, err := eng.ops.Begin(Request{Kind: OperationStart, Target: "web1"})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	eng.ops.Apply(op.ID, Update{State: StateSent})

	// The worker's success and the user's cancel are both waiting when the
	// loop wakes up for the update.
	eng.updates <- workerUpdate{id: op.ID, update: Update{State: StateSucceeded}}
	reply := make(chan intentReply, 1)
	eng.intents <- intent{kind: intentCancel, id: op.ID, reply: reply}

	ctx := context.Background()
	u := <-eng.updates
	eng.drainIntents(ctx)
	eng.applyBatch(ctx, u)

	r := <-reply
	if r.err != nil || r.op.State != StateCancelled {
		t.Fatalf("Expected the cancel to be accepted, got %+v (%v)", r.op.State, r.err)
	}
	if got, _ := eng.Operation(op.ID); got.State != StateCancelled {
		t.Errorf("Expected cancelled, got %s", got.State)
	}
	if c, _ := eng.Container("web1"); c.Status != StatusStopped {
		t.Errorf("Expected web1 to stay stopped, got %s", c.Status)
	}
	if eng.refreshing {
		t.Error("Expected no refresh for a cancelled operation")
	}
}
