package lxd

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lxtui/lxtui/pkg/engine"
	"github.com/lxtui/lxtui/pkg/telemetry"
)

const (
	dialTimeout   = 10 * time.Second
	watcherBuffer = 16
)

// EventStream pushes operation status from the /1.0/events websocket. It
// implements engine.StatusSource. One connection is shared by every watch;
// it is opened on the first Watch and reopened by the next Watch after it
// breaks. When it breaks, every open watch receives a status carrying a
// transport error so that callers can fall back to polling.
type EventStream struct {
	client *Client
	logger *telemetry.Logger

	// dialMu serializes dials; mu is never held across network I/O.
	dialMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	watchers  map[string]map[*watcher]struct{}
}

var _ engine.StatusSource = (*EventStream)(nil)

type watcher struct {
	mu      sync.Mutex
	updates chan engine.RemoteStatus
}

// deliver queues st, dropping the oldest queued status when full.
func (w *watcher) deliver(st engine.RemoteStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case w.updates <- st:
			return
		default:
			select {
			case <-w.updates:
			default:
			}
		}
	}
}

// EventStream returns a new event stream bound to this client. It is closed
// with the client.
func (c *Client) EventStream() *EventStream {
	s := &EventStream{
		client:   c,
		logger:   c.logger.NewComponentLogger("lxd-events"),
		watchers: make(map[string]map[*watcher]struct{}),
	}
	c.mu.Lock()
	if c.closed {
		s.closed = true
	} else {
		c.streams[s] = struct{}{}
	}
	c.mu.Unlock()
	return s
}

// Watch streams the status of the operation at handle until it reaches a
// terminal phase, the stream breaks, or ctx is done. The current status is
// fetched once after subscribing so that a job which finished before the
// subscription is still reported.
func (s *EventStream) Watch(ctx context.Context, handle string) (<-chan engine.RemoteStatus, error) {
	if _, err := operationPath(handle); err != nil {
		return nil, err
	}
	if err := s.ensureConnected(); err != nil {
		return nil, err
	}

	id := operationID(handle)
	w := &watcher{updates: make(chan engine.RemoteStatus, watcherBuffer)}
	s.register(id, w)

	go func() {
		st, err := s.client.GetOperation(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			st = engine.RemoteStatus{Err: err}
		}
		w.deliver(st)
	}()

	out := make(chan engine.RemoteStatus, 1)
	go func() {
		defer close(out)
		defer s.unregister(id, w)

		for {
			select {
			case st := <-w.updates:
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
				if st.Err != nil || st.Phase.IsTerminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close closes the connection. Open watches receive a transport error.
func (s *EventStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.client.mu.Lock()
	delete(s.client.streams, s)
	s.client.mu.Unlock()

	s.broadcast(engine.NewTransportError("event stream closed", nil))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *EventStream) ensureConnected() error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	closed, connected := s.closed, s.conn != nil
	s.mu.Unlock()
	if closed {
		return engine.NewTransportError("event stream closed", nil)
	}
	if connected {
		return nil
	}

	target, err := s.client.url("/1.0/events", url.Values{"type": {"operation"}})
	if err != nil {
		return engine.NewProtocolError("invalid events path", err)
	}
	target = "ws" + strings.TrimPrefix(target, "http")

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, resp, err := s.client.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return engine.NewRemoteError(resp.StatusCode, "event stream handshake failed: "+resp.Status)
		}
		return engine.NewTransportError("failed to connect to event stream", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return engine.NewTransportError("event stream closed", nil)
	}
	reconnect := s.connected
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	if reconnect {
		s.client.metrics.RecordEventReconnect()
		s.logger.Info("event stream reconnected")
	} else {
		s.logger.Debug("event stream connected")
	}

	go s.readLoop(conn)
	return nil
}

func (s *EventStream) readLoop(conn *websocket.Conn) {
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			s.broken(conn, err)
			return
		}
		if ev.Type != "operation" {
			continue
		}

		var op Operation
		if err := json.Unmarshal(ev.Metadata, &op); err != nil {
			s.logger.WithError(err).Debug("skipping malformed operation event")
			continue
		}
		s.dispatch(op.ID, toRemoteStatus(op))
	}
}

// broken tears down conn after a read error unless it was closed on purpose.
func (s *EventStream) broken(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.WithError(err).Warn("event stream interrupted")
	s.broadcast(engine.NewTransportError("event stream interrupted", err))
}

func (s *EventStream) register(id string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.watchers[id]
	if !ok {
		set = make(map[*watcher]struct{})
		s.watchers[id] = set
	}
	set[w] = struct{}{}
}

func (s *EventStream) unregister(id string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.watchers[id]
	delete(set, w)
	if len(set) == 0 {
		delete(s.watchers, id)
	}
}

func (s *EventStream) dispatch(id string, st engine.RemoteStatus) {
	s.mu.Lock()
	targets := make([]*watcher, 0, len(s.watchers[id]))
	for w := range s.watchers[id] {
		targets = append(targets, w)
	}
	s.mu.Unlock()

	for _, w := range targets {
		w.deliver(st)
	}
}

func (s *EventStream) broadcast(err error) {
	s.mu.Lock()
	var targets []*watcher
	for _, set := range s.watchers {
		for w := range set {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()

	for _, w := range targets {
		w.deliver(engine.RemoteStatus{Err: err})
	}
}
