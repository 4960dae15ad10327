package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lxtui/lxtui/pkg/telemetry"
)

const (
	intentBuffer = 64
	updateBuffer = 256
)

// Engine is the asynchronous operation engine. A single goroutine, Run, owns
// all state transitions: it accepts intents, dispatches workers, applies
// their status updates, reconciles the container registry and publishes
// change notifications. Read accessors are safe from any goroutine.
type Engine struct {
	client  Client
	events  StatusSource
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time

	ops        *OperationRegistry
	containers *ContainerRegistry
	notifier   *Notifier

	healthMu sync.RWMutex
	health   Health

	intents     chan intent
	updates     chan workerUpdate
	refreshDone chan refreshResult
	reconfig    chan Config
	done        chan struct{}
	running     atomic.Bool

	// Loop-owned state.
	cfg           Config
	retrier       *Retrier
	workers       map[string]context.CancelFunc
	wg            sync.WaitGroup
	refreshing    bool
	refreshQueued bool
	touched       map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l.NewComponentLogger("engine") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithStatusSource sets a push StatusSource such as the LXD event stream.
// Without one, remote jobs are polled.
func WithStatusSource(s StatusSource) Option {
	return func(e *Engine) { e.events = s }
}

// WithConfig sets the loop configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine around client. It does nothing until Run.
func NewEngine(client Client, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, errors.New("engine: client is required")
	}

	e := &Engine{
		client:      client,
		logger:      telemetry.NewNopLogger(),
		now:         time.Now,
		cfg:         DefaultConfig(),
		containers:  NewContainerRegistry(),
		notifier:    NewNotifier(),
		intents:     make(chan intent, intentBuffer),
		updates:     make(chan workerUpdate, updateBuffer),
		refreshDone: make(chan refreshResult, 1),
		reconfig:    make(chan Config, 1),
		done:        make(chan struct{}),
		workers:     make(map[string]context.CancelFunc),
		touched:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	e.ops = NewOperationRegistry(e.cfg.MaxHistory)
	e.ops.now = e.now
	e.retrier = e.newRetrier(e.cfg.Retry)
	e.health = Health{Since: e.now()}
	return e, nil
}

func (e *Engine) newRetrier(p RetryPolicy) *Retrier {
	r := NewRetrier(p)
	r.now = e.now
	return r
}

// Subscribe returns a subscription to change notifications.
func (e *Engine) Subscribe() *Subscription {
	return e.notifier.Subscribe()
}

// Containers returns a snapshot of all containers sorted by name.
func (e *Engine) Containers() []Container {
	return e.containers.All()
}

// Container returns a snapshot of one container.
func (e *Engine) Container(name string) (Container, bool) {
	return e.containers.Get(name)
}

// Operations returns a snapshot of all tracked operations, most recent first.
func (e *Engine) Operations() []Operation {
	return e.ops.List()
}

// Operation returns a snapshot of one operation.
func (e *Engine) Operation(id string) (Operation, bool) {
	return e.ops.Get(id)
}

// Health returns the API connectivity state.
func (e *Engine) Health() Health {
	e.healthMu.RLock()
	defer e.healthMu.RUnlock()
	return e.health
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the operation reaches a terminal state and returns it.
func (e *Engine) Wait(ctx context.Context, id string) (Operation, error) {
	sub := e.Subscribe()
	defer sub.Close()

	for {
		op, ok := e.ops.Get(id)
		if !ok {
			return Operation{}, NewNotFoundError("operation " + id + " not found").WithOperation(id)
		}
		if op.State.IsTerminal() {
			return op, nil
		}
		select {
		case _, ok := <-sub.C():
			if !ok {
				return op, ErrEngineStopped
			}
		case <-ctx.Done():
			return op, ctx.Err()
		case <-e.done:
			return op, ErrEngineStopped
		}
	}
}

// Reconfigure applies a new configuration to the running loop.
func (e *Engine) Reconfigure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	select {
	case e.reconfig <- cfg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

// Run runs the event loop until ctx is done. On return every worker has
// exited and the client is closed. Run may only be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	defer close(e.done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeat := time.NewTicker(e.cfg.RefreshInterval)
	defer heartbeat.Stop()
	prune := time.NewTicker(e.cfg.PruneInterval)
	defer prune.Stop()

	e.logger.Info("engine started")
	e.requestRefresh(loopCtx)

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(cancel)

		case in := <-e.intents:
			e.handleIntent(loopCtx, in)

		case u := <-e.updates:
			e.drainIntents(loopCtx)
			e.applyBatch(loopCtx, u)

		case res := <-e.refreshDone:
			e.finishRefresh(loopCtx, res)

		case <-heartbeat.C:
			e.requestRefresh(loopCtx)

		case <-prune.C:
			if n := e.ops.Prune(e.cfg.OperationRetention); n > 0 {
				e.logger.Debugf("pruned %d operations", n)
				e.notifier.Publish(ChangeOperations)
			}

		case cfg := <-e.reconfig:
			e.applyConfig(cfg, heartbeat, prune)
		}
	}
}

func (e *Engine) shutdown(cancel context.CancelFunc) error {
	e.logger.Info("engine stopping")
	cancel()
	e.wg.Wait()
	e.notifier.Close()
	if err := e.client.Close(); err != nil {
		e.logger.WithError(err).Warn("failed to close API client")
	}
	return nil
}

func (e *Engine) applyConfig(cfg Config, heartbeat, prune *time.Ticker) {
	if cfg.RefreshInterval != e.cfg.RefreshInterval {
		heartbeat.Reset(cfg.RefreshInterval)
	}
	if cfg.PruneInterval != e.cfg.PruneInterval {
		prune.Reset(cfg.PruneInterval)
	}
	e.cfg = cfg
	e.retrier = e.newRetrier(cfg.Retry)
	e.ops.SetMaxHistory(cfg.MaxHistory)
	e.logger.Info("configuration reloaded")
}

// dispatch validates req, registers it and hands it to a worker.
func (e *Engine) dispatch(ctx context.Context, req Request) (Operation, error) {
	if err := e.validateRequest(req); err != nil {
		e.logger.WithError(err).Debugf("rejected %s", req.Describe())
		return Operation{}, err
	}

	op, err := e.ops.Begin(req)
	if err != nil {
		return Operation{}, err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	e.workers[op.ID] = cancel
	e.wg.Add(1)
	go e.runWorker(workerCtx, op, e.steps(req), e.retrier, e.cfg)

	e.metrics.RecordOperationStarted(string(op.Kind))
	e.metrics.SetActiveOperations(e.ops.ActiveCount())
	e.logger.WithOperationID(op.ID).WithContainer(req.Subject()).Infof("dispatched %s", op.Description)
	e.notifier.Publish(ChangeOperations)
	return op, nil
}

// cancel moves an operation to cancelled, stops its worker and asks the
// server to abort the remote job.
func (e *Engine) cancel(ctx context.Context, id string) (Operation, error) {
	op, err := e.ops.Cancel(id)
	if err != nil {
		return Operation{}, err
	}

	if stop, ok := e.workers[id]; ok {
		stop()
		delete(e.workers, id)
	}

	log := e.logger.WithOperationID(id).WithContainer(op.Target)
	log.Infof("cancelled %s", op.Description)

	if handle := op.Handle(); handle != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := e.client.CancelOperation(ctx, handle); err != nil {
				log.WithError(err).Debug("remote cancel failed")
			}
		}()
	}

	e.recordCompleted(op)
	e.notifier.Publish(ChangeOperations)
	return op, nil
}

// applyBatch applies first and every other update already queued, then
// publishes one notification for the batch.
func (e *Engine) applyBatch(ctx context.Context, first workerUpdate) {
	var changed ChangeKind
	needRefresh := false

	apply := func(u workerUpdate) {
		op, ok := e.ops.Apply(u.id, u.update)
		if !ok {
			return
		}
		changed |= ChangeOperations
		if !op.State.IsTerminal() {
			return
		}

		if stop, ok := e.workers[op.ID]; ok {
			stop()
			delete(e.workers, op.ID)
		}
		e.recordCompleted(op)

		log := e.logger.WithOperationID(op.ID).WithContainer(op.Request.Subject())
		if op.State != StateSucceeded {
			log.WithError(op.Err).Warnf("%s %s", op.Description, op.State)
			return
		}
		log.Infof("%s succeeded", op.Description)

		diff := e.containers.ApplyOperationResult(op)
		if !diff.Empty() {
			changed |= ChangeContainers
			if e.refreshing {
				for _, name := range diff.Names() {
					e.touched[name] = true
				}
			}
		}
		needRefresh = true
	}

	apply(first)
	for more := true; more; {
		select {
		case u := <-e.updates:
			apply(u)
		default:
			more = false
		}
	}

	if needRefresh {
		e.requestRefresh(ctx)
	}
	e.notifier.Publish(changed)
}

func (e *Engine) recordCompleted(op Operation) {
	e.metrics.RecordOperationCompleted(string(op.Kind), string(op.State), op.CompletedAt.Sub(op.CreatedAt))
	e.metrics.SetActiveOperations(e.ops.ActiveCount())
}

type refreshResult struct {
	containers []Container
	err        error
}

// requestRefresh starts a refresh, or queues one if a refresh is in flight.
func (e *Engine) requestRefresh(ctx context.Context) {
	if e.refreshing {
		e.refreshQueued = true
		return
	}
	e.refreshing = true
	e.refreshQueued = false
	e.touched = make(map[string]bool)

	timeout := e.cfg.RequestTimeout
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		list, err := e.client.ListContainers(callCtx)

		select {
		case e.refreshDone <- refreshResult{containers: list, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) finishRefresh(ctx context.Context, res refreshResult) {
	e.refreshing = false
	touched := e.touched
	e.touched = make(map[string]bool)

	var changed ChangeKind
	if res.err != nil {
		e.metrics.RecordRefresh(false)
		if e.setHealth(false, res.err) {
			e.logger.WithError(res.err).Warn("LXD API unreachable")
			changed |= ChangeHealth
		}
	} else {
		e.metrics.RecordRefresh(true)
		if e.setHealth(true, nil) {
			e.logger.Info("LXD API reachable")
			changed |= ChangeHealth
		}

		diff := e.containers.RefreshPreserving(res.containers, touched)
		if !diff.Empty() {
			e.logger.Debugf("containers changed: added=%v removed=%v changed=%v", diff.Added, diff.Removed, diff.Changed)
			changed |= ChangeContainers
		}
		counts := make(map[string]int)
		for status, n := range e.containers.CountByStatus() {
			counts[string(status)] = n
		}
		e.metrics.SetContainerCounts(counts)
	}

	if e.refreshQueued {
		e.requestRefresh(ctx)
	}
	e.notifier.Publish(changed)
}

// setHealth records a refresh outcome and reports whether the visible health
// changed.
func (e *Engine) setHealth(connected bool, err error) bool {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()

	now := e.now()
	prev := e.health
	if connected {
		e.health.LastRefresh = now
		e.health.LastError = nil
	} else {
		e.health.LastError = err
	}
	if prev.Connected != connected {
		e.health.Connected = connected
		e.health.Since = now
		return true
	}
	return !connected && (prev.LastError == nil || prev.LastError.Error() != err.Error())
}
