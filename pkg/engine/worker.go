package engine

import (
	"context"
	"errors"
	"time"

	"github.com/lxtui/lxtui/pkg/telemetry"
)

// workerUpdate carries one Update from a worker to the loop. Each operation
// has exactly one worker, so updates for one operation arrive in order.
type workerUpdate struct {
	id     string
	update Update
}

// runWorker drives one operation from submitted to a terminal state. It never
// touches the registries; every change goes through the updates channel.
// steps are the API requests that make up the operation, issued in order;
// only the last one carries the user's request.
func (e *Engine) runWorker(ctx context.Context, op Operation, steps []Request, retrier *Retrier, cfg Config) {
	defer e.wg.Done()

	ctx, span := e.tracer.StartOperationSpan(ctx, op.ID, string(op.Kind), op.Request.Subject())
	defer span.End()

	log := e.logger.WithOperationID(op.ID).WithContainer(op.Request.Subject())
	emit := func(u Update) {
		select {
		case e.updates <- workerUpdate{id: op.ID, update: u}:
		case <-ctx.Done():
		}
	}
	fail := func(err error, retries int, exitCode *int) {
		err = annotate(err, op)
		telemetry.RecordError(span, err)
		emit(Update{State: StateFailed, Err: err, Retries: retries, ExitCode: exitCode})
	}

	emit(Update{State: StateSent})

	var (
		state    = StateSent
		retries  int
		exitCode *int
	)
	for i, step := range steps {
		if i > 0 {
			log.Debugf("%s: next step %s", op.Description, step.Describe())
		}

		var result SubmitResult
		base := retries
		n, err := retrier.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := withTimeout(ctx, cfg.RequestTimeout)
			defer cancel()

			r, err := e.client.Submit(callCtx, step)
			if err != nil {
				return err
			}
			result = r
			return nil
		}, func(attempt int, err error, wait time.Duration) {
			log.WithError(err).Warnf("retrying %s (%d/%d) in %s", step.Describe(), attempt, retrier.Policy().MaxAttempts-1, wait)
			e.metrics.RecordRetry(string(op.Kind), string(KindOf(err)))
			telemetry.AddEvent(span, "retry", telemetry.AttrRetries.Int(base+attempt))
			emit(Update{State: state, Retries: base + attempt, Err: err})
		})
		retries = base + n
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			fail(err, retries, nil)
			return
		}
		if result.Handle == "" {
			continue
		}

		state = StatePolling
		span.SetAttributes(telemetry.AttrRemoteID.String(result.RemoteID))
		emit(Update{
			State:    StatePolling,
			Handle:   result.Handle,
			RemoteID: result.RemoteID,
			Progress: Progress(ProgressIndeterminate),
			Retries:  retries,
		})

		st, err := e.observe(ctx, log, result.Handle, retrier, cfg.PollInterval, func(st RemoteStatus) {
			emit(Update{State: StatePolling, RemoteID: st.RemoteID, Progress: Progress(st.Progress)})
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			fail(err, retries, nil)
			return
		}

		switch st.Phase {
		case RemoteSucceeded:
			exitCode = st.ExitCode
		case RemoteCancelled:
			fail(NewRemoteError(401, orDefault(st.Message, "operation cancelled on the server")), retries, nil)
			return
		default:
			fail(NewRemoteError(400, orDefault(st.Message, "operation failed")), retries, st.ExitCode)
			return
		}
	}

	telemetry.RecordSuccess(span)
	emit(Update{State: StateSucceeded, Retries: retries, ExitCode: exitCode})
}

// observe follows a remote job until it reaches a terminal phase. The push
// source is preferred; if it cannot be opened or breaks before the job ends,
// the worker falls back to polling the same handle.
func (e *Engine) observe(
	ctx context.Context,
	log *telemetry.Logger,
	handle string,
	retrier *Retrier,
	pollInterval time.Duration,
	progress func(RemoteStatus),
) (RemoteStatus, error) {
	poller := NewPollingSource(e.client, pollInterval, retrier)

	var source StatusSource = poller
	pushing := e.events != nil
	if pushing {
		source = e.events
	}

	ch, err := source.Watch(ctx, handle)
	if err != nil && pushing {
		log.WithError(err).Debug("event stream unavailable, polling")
		pushing = false
		ch, err = poller.Watch(ctx, handle)
	}
	if err != nil {
		return RemoteStatus{}, err
	}

	for {
		var (
			st RemoteStatus
			ok bool
		)
		select {
		case st, ok = <-ch:
		case <-ctx.Done():
			return RemoteStatus{}, ctx.Err()
		}

		if !ok || st.Err != nil {
			if ctx.Err() != nil {
				return RemoteStatus{}, ctx.Err()
			}
			if pushing {
				log.WithError(st.Err).Debug("event stream interrupted, polling")
				pushing = false
				if ch, err = poller.Watch(ctx, handle); err != nil {
					return RemoteStatus{}, err
				}
				continue
			}
			if st.Err != nil {
				return RemoteStatus{}, st.Err
			}
			return RemoteStatus{}, NewProtocolError("status stream ended before the operation finished", nil)
		}

		if st.Phase.IsTerminal() {
			return st, nil
		}
		progress(st)
	}
}

// annotate attaches operation context to classified errors.
func annotate(err error, op Operation) error {
	var e *Error
	if errors.As(err, &e) {
		c := *e
		e = &c
	} else {
		kind := KindOf(err)
		if kind == KindCancelled {
			return err
		}
		e = &Error{Kind: kind, Message: "request failed", Err: err}
	}
	if e.Target == "" {
		e.Target = op.Request.Subject()
	}
	e.Operation = op.ID
	return e
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
