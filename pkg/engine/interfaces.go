package engine

import (
	"context"
)

// Client is the container-management API consumed by the engine.
// Implementations must be safe for concurrent use: every operation worker
// and the refresh worker call into the same client.
type Client interface {
	// Submit issues a mutating request. An empty SubmitResult.Handle means the
	// action completed synchronously; otherwise the handle identifies a
	// server-tracked asynchronous job.
	Submit(ctx context.Context, req Request) (SubmitResult, error)

	// ListContainers returns the full container list with state.
	ListContainers(ctx context.Context) ([]Container, error)

	// CancelOperation asks the server to abort a remote job. Best effort.
	CancelOperation(ctx context.Context, handle string) error

	// OperationPoller is used when no push StatusSource is configured or
	// when the push source fails.
	OperationPoller

	// Close releases connections owned by the client.
	Close() error
}

// OperationPoller fetches the current status of one remote job.
type OperationPoller interface {
	GetOperation(ctx context.Context, handle string) (RemoteStatus, error)
}

// StatusSource produces status updates for a remote job. Polling and
// push-event transports both implement it so the engine consumes them
// uniformly.
//
// The returned channel is closed after a terminal status, after a status
// carrying Err, or when ctx is done.
type StatusSource interface {
	Watch(ctx context.Context, handle string) (<-chan RemoteStatus, error)
}

// StatusSourceFunc adapts a function to StatusSource.
type StatusSourceFunc func(ctx context.Context, handle string) (<-chan RemoteStatus, error)

// Watch implements StatusSource.
func (f StatusSourceFunc) Watch(ctx context.Context, handle string) (<-chan RemoteStatus, error) {
	return f(ctx, handle)
}
