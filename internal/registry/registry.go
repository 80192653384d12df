// Package registry owns the proxy's client connections: stream id
// allocation, per-connection send queues and their writers, and removal.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"tickrelay/server/internal/net/proto"
	"tickrelay/server/internal/telemetry"
	"tickrelay/server/logging"
	"tickrelay/server/logging/network"
	"tickrelay/server/logging/routing"
)

const (
	metricConnections   = "registry_connections"
	metricRegistered    = "registry_registered_total"
	metricRemoved       = "registry_removed_total"
	metricQueueDrops    = "registry_queue_dropped_total"
	metricQueueOverflow = "registry_queue_overflow_total"
)

// ErrClosed is returned by Register once the registry is shut down.
var ErrClosed = errors.New("registry: closed")

// Config tunes new connections.
type Config struct {
	Queue QueueConfig
	// StreamBase offsets allocated ids; the first stream is StreamBase+1.
	StreamBase uint64
}

// Deps bundles the collaborators a Registry reports to.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     clock.Clock
}

// RemoveFunc observes every connection leaving the registry, exactly once.
type RemoveFunc func(c *Conn, reason proto.Reason)

// Registry maps stream ids to live connections. Lookups are concurrent;
// registration and removal serialize on a write lock and republish a
// copy-on-write list for Range.
type Registry struct {
	cfg       Config
	clock     clock.Clock
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	mu       sync.RWMutex
	conns    map[uint64]*Conn
	closed   bool
	onRemove RemoveFunc

	list   atomic.Pointer[[]*Conn]
	nextID atomic.Uint64
}

// New constructs an empty registry.
func New(cfg Config, deps Deps) *Registry {
	cfg.Queue = cfg.Queue.normalized()
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	r := &Registry{
		cfg:       cfg,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		publisher: deps.Publisher,
		conns:     make(map[uint64]*Conn),
	}
	r.list.Store(&[]*Conn{})
	r.nextID.Store(cfg.StreamBase)
	return r
}

// OnRemove installs the removal observer. Call before the first Register.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.mu.Lock()
	r.onRemove = fn
	r.mu.Unlock()
}

// Register records a new connection and starts its writer. Stream ids are
// never reused within the registry's lifetime.
func (r *Registry) Register(id Identity, t Transport) (*Conn, error) {
	if t == nil {
		return nil, errors.New("registry: nil transport")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	stream := r.nextID.Add(1)
	c := newConn(stream, id, t, r.cfg.Queue, r.clock, r)
	r.conns[stream] = c
	r.republishLocked()
	count := len(r.conns)
	r.mu.Unlock()

	go c.run()

	r.metrics.Add(metricRegistered, 1)
	r.metrics.Store(metricConnections, uint64(count))
	network.ConnectionOpened(context.Background(), r.publisher, stream, network.ConnectionOpenedPayload{
		Transport: id.Transport,
		Remote:    id.Remote,
	}, nil)
	return c, nil
}

// Lookup returns the live connection for stream.
func (r *Registry) Lookup(stream uint64) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[stream]
	r.mu.RUnlock()
	return c, ok
}

// Remove closes stream's connection after its queued payloads are written.
// It reports whether the stream was registered.
func (r *Registry) Remove(stream uint64, reason proto.Reason) bool {
	c, ok := r.Lookup(stream)
	if !ok {
		return false
	}
	c.Close(reason)
	return true
}

// Range calls fn for every connection registered when Range started, until
// fn returns false. fn may enqueue, remove or register freely.
func (r *Registry) Range(fn func(c *Conn) bool) {
	for _, c := range *r.list.Load() {
		if !fn(c) {
			return
		}
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close refuses new registrations and aborts every connection. It returns
// once every writer has exited or ctx is done.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	conns := *r.list.Load()
	reason := proto.NewReason(proto.ReasonShutdown, "proxy shutting down")
	for _, c := range conns {
		c.Abort(reason)
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// forget drops c from the map and notifies the observer. Conn calls it once,
// on the transition to closed.
func (r *Registry) forget(c *Conn, reason proto.Reason) {
	r.mu.Lock()
	if cur, ok := r.conns[c.stream]; ok && cur == c {
		delete(r.conns, c.stream)
		r.republishLocked()
	}
	count := len(r.conns)
	hook := r.onRemove
	r.mu.Unlock()

	r.metrics.Add(metricRemoved, 1)
	r.metrics.Store(metricConnections, uint64(count))
	stats := c.Stats()
	network.ConnectionClosed(context.Background(), r.publisher, c.stream, network.ConnectionClosedPayload{
		Reason: reason.String(),
		Sent:   stats.Sent,
		Drops:  stats.Dropped,
	}, nil)
	if hook != nil {
		hook(c, reason)
	}
}

func (r *Registry) overflowed(c *Conn, reason proto.Reason) {
	r.metrics.Add(metricQueueOverflow, 1)
	routing.QueueOverflow(context.Background(), r.publisher, c.stream, routing.QueueOverflowPayload{
		Policy:     c.cfg.Policy.String(),
		Disconnect: true,
	})
	if r.logger != nil {
		r.logger.Printf("[registry] stream %d disconnected: %s", c.stream, reason)
	}
	r.forget(c, reason)
}

func (r *Registry) countDrop(c *Conn, n uint64) {
	r.metrics.Add(metricQueueDrops, n)
	c.mu.Lock()
	dropped := c.dropped
	c.mu.Unlock()
	// Log at powers of two.
	if dropped&(dropped-1) == 0 {
		routing.QueueOverflow(context.Background(), r.publisher, c.stream, routing.QueueOverflowPayload{
			Policy:  c.cfg.Policy.String(),
			Dropped: dropped,
		})
	}
}

func (r *Registry) republishLocked() {
	list := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		list = append(list, c)
	}
	r.list.Store(&list)
}
