package engine

import (
	"sync"
)

// Notifier fans change notifications out to subscribers without ever
// blocking the publisher. Each subscription buffers at most one pending
// notification; further changes are merged into it.
type Notifier struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewNotifier creates a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[*Subscription]struct{})}
}

// Subscription receives coalesced ChangeKind masks.
type Subscription struct {
	ch       chan ChangeKind
	notifier *Notifier
	once     sync.Once
}

// C returns the notification channel. It is closed when the subscription or
// the notifier is closed.
func (s *Subscription) C() <-chan ChangeKind {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.notifier.remove(s)
}

// Subscribe registers a new subscription. Subscribing to a closed notifier
// returns a subscription whose channel is already closed.
func (n *Notifier) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan ChangeKind, 1), notifier: n}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		s.closeChannel()
		return s
	}
	n.subs[s] = struct{}{}
	return s
}

// Publish delivers kind to every subscriber, merging it with any notification
// that has not been received yet.
func (n *Notifier) Publish(kind ChangeKind) {
	if kind == 0 {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.subs {
		s.offer(kind)
	}
}

// Close closes every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for s := range n.subs {
		s.closeChannel()
		delete(n.subs, s)
	}
}

func (n *Notifier) remove(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[s]; ok {
		delete(n.subs, s)
		s.closeChannel()
	}
}

// offer is only called with n.mu held, so there is one sender at a time.
func (s *Subscription) offer(kind ChangeKind) {
	for {
		select {
		case s.ch <- kind:
			return
		default:
		}
		select {
		case prev := <-s.ch:
			kind |= prev
		default:
		}
	}
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
