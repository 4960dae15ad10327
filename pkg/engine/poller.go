package engine

import (
	"context"
	"time"
)

// PollingSource turns an OperationPoller into a StatusSource by polling at a
// fixed interval. Poll errors go through the retrier; a status carrying Err
// is emitted once it gives up.
type PollingSource struct {
	poller   OperationPoller
	interval time.Duration
	retrier  *Retrier
}

// NewPollingSource creates a polling source.
func NewPollingSource(poller OperationPoller, interval time.Duration, retrier *Retrier) *PollingSource {
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	if retrier == nil {
		retrier = NewRetrier(DefaultRetryPolicy())
	}
	return &PollingSource{poller: poller, interval: interval, retrier: retrier}
}

// Watch implements StatusSource. Only changed statuses are emitted.
func (p *PollingSource) Watch(ctx context.Context, handle string) (<-chan RemoteStatus, error) {
	out := make(chan RemoteStatus, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		var last RemoteStatus
		first := true
		for {
			var st RemoteStatus
			_, err := p.retrier.Do(ctx, func(ctx context.Context) error {
				var err error
				st, err = p.poller.GetOperation(ctx, handle)
				return err
			}, nil)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				st = RemoteStatus{Err: err}
			}

			if first || st.Err != nil || !sameStatus(last, st) {
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
			if st.Err != nil || st.Phase.IsTerminal() {
				return
			}
			last, first = st, false

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func sameStatus(a, b RemoteStatus) bool {
	return a.Phase == b.Phase && a.Progress == b.Progress && a.RemoteID == b.RemoteID
}
