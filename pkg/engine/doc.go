// Package engine is the asynchronous operation engine behind the lxtui
// console.
//
// # Overview
//
// A user action (start, stop, restart, delete, create, clone, exec) becomes
// an Operation that moves through a small state machine:
//
//	submitted → sent → polling → succeeded | failed | cancelled
//
// Failures while sending can skip polling (sent → failed), polling may repeat
// with progress updates, and any non-terminal state may be cancelled. Terminal
// states are final.
//
// # Components
//
//   - OperationRegistry: tracks operations and holds the per-container lock.
//     At most one mutating operation per container is active; create is never
//     locked.
//   - ContainerRegistry: the canonical container list keyed by name, updated
//     by full refreshes and by optimistic results of succeeded operations.
//   - RetryPolicy and Retrier: exponential backoff for transport and 5xx
//     errors; everything else fails immediately.
//   - Engine: the event loop. One goroutine owns every transition; workers
//     talk to the API and report back over a channel.
//   - Notifier: coalescing, non-blocking change notifications for the
//     presentation layer.
//
// # Usage
//
//	eng, err := engine.NewEngine(client,
//	    engine.WithLogger(logger),
//	    engine.WithStatusSource(events),
//	)
//	if err != nil {
//	    return err
//	}
//	go eng.Run(ctx)
//
//	sub := eng.Subscribe()
//	defer sub.Close()
//
//	op, err := eng.RequestStart(ctx, "web1")
//	if engine.IsConflict(err) {
//	    // another operation is running on web1
//	}
//
//	for change := range sub.C() {
//	    if change.Has(engine.ChangeContainers) {
//	        render(eng.Containers())
//	    }
//	}
//
// # Errors
//
// Classified errors are *Error values with a Kind. Use KindOf, IsRetryable,
// IsConflict and IsValidation, or errors.Is with the sentinel values, to
// branch on them. ErrEngineStopped is returned once Run has exited.
package engine
