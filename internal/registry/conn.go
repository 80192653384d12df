package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"tickrelay/server/internal/net/proto"
)

// Transport is the socket a connection owns. WriteBatch writes every payload
// in order or fails; it is only called from the connection's writer.
type Transport interface {
	WriteBatch(payloads [][]byte) error
	Close() error
}

// Identity describes where a connection came from. The registry trusts it.
type Identity struct {
	Transport string
	Remote    string
}

// Stats summarises a connection's send side.
type Stats struct {
	Sent    uint64
	Dropped uint64
	Queued  int
}

// Conn is one client connection record.
type Conn struct {
	stream    uint64
	identity  Identity
	transport Transport
	cfg       QueueConfig
	clock     clock.Clock
	owner     *Registry

	position  atomic.Pointer[proto.Vec3]
	broadcast atomic.Bool
	sent      atomic.Uint64

	subMu         sync.Mutex
	subscriptions map[uint32]struct{}

	mu        sync.Mutex
	queue     ring
	closed    bool
	reason    proto.Reason
	dropped   uint64
	fullSince time.Time

	wake chan struct{}
	done chan struct{}
}

func newConn(stream uint64, id Identity, t Transport, cfg QueueConfig, clk clock.Clock, owner *Registry) *Conn {
	return &Conn{
		stream:        stream,
		identity:      id,
		transport:     t,
		cfg:           cfg,
		clock:         clk,
		owner:         owner,
		subscriptions: make(map[uint32]struct{}),
		queue:         newRing(cfg.MaxItems),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Stream returns the connection's stream id.
func (c *Conn) Stream() uint64 { return c.stream }

// Identity returns the identity supplied at registration.
func (c *Conn) Identity() Identity { return c.identity }

// ExcludeBit is the bit of an exclusion mask that suppresses delivery to c.
func (c *Conn) ExcludeBit() uint64 { return proto.ExcludeBit(c.stream) }

// Excluded reports whether mask suppresses delivery to c.
func (c *Conn) Excluded(mask uint64) bool { return mask&c.ExcludeBit() != 0 }

// SetPosition records the last position reported by the simulation.
func (c *Conn) SetPosition(p proto.Vec3) { c.position.Store(&p) }

// Position returns the last known position and whether one was ever set.
func (c *Conn) Position() (proto.Vec3, bool) {
	p := c.position.Load()
	if p == nil {
		return proto.Vec3{}, false
	}
	return *p, true
}

// EnableBroadcasts lets broadcast traffic reach c.
func (c *Conn) EnableBroadcasts() { c.broadcast.Store(true) }

// CanReceiveBroadcasts reports whether broadcasts are enabled for c.
func (c *Conn) CanReceiveBroadcasts() bool { return c.broadcast.Load() }

// Subscribe adds channel to c's subscriptions, reporting whether it was new.
func (c *Conn) Subscribe(channel uint32) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subscriptions[channel]; ok {
		return false
	}
	c.subscriptions[channel] = struct{}{}
	return true
}

// Unsubscribe removes channel, reporting whether c was subscribed.
func (c *Conn) Unsubscribe(channel uint32) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subscriptions[channel]; !ok {
		return false
	}
	delete(c.subscriptions, channel)
	return true
}

// Subscribed reports whether c is subscribed to channel.
func (c *Conn) Subscribed(channel uint32) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Channels returns c's subscriptions in no particular order.
func (c *Conn) Channels() []uint32 {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]uint32, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// Enqueue hands payload to the writer without blocking. The payload must not
// be modified afterwards. Critical payloads are never discarded to make room;
// if one cannot be queued the connection is disconnected instead.
func (c *Conn) Enqueue(payload []byte, critical bool) EnqueueResult {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Closed
	}
	result := Enqueued
	var drops uint64
	if !c.queue.fits(c.cfg, len(payload)) {
		now := c.clock.Now()
		if c.fullSince.IsZero() {
			c.fullSince = now
		} else if now.Sub(c.fullSince) >= c.cfg.FullWindow {
			return c.overflowLocked("send queue full for " + now.Sub(c.fullSince).String())
		}
		if c.cfg.Policy == PolicyDisconnect {
			return c.overflowLocked("send queue full")
		}
		for !c.queue.fits(c.cfg, len(payload)) && c.queue.dropOldestNonCritical() {
			c.dropped++
			drops++
			result = EnqueuedDropping
		}
		if !c.queue.fits(c.cfg, len(payload)) {
			if !critical {
				c.dropped++
				c.mu.Unlock()
				c.owner.countDrop(c, drops+1)
				return Dropped
			}
			return c.overflowLocked("critical payload does not fit")
		}
	}
	c.queue.push(item{payload: payload, critical: critical})
	c.mu.Unlock()
	c.signal()
	if drops > 0 {
		c.owner.countDrop(c, drops)
	}
	return result
}

// overflowLocked disconnects c for overflowing. It releases c.mu.
func (c *Conn) overflowLocked(detail string) EnqueueResult {
	reason := proto.NewReason(proto.ReasonQueueOverflow, detail)
	c.closeLocked(reason, true)
	c.mu.Unlock()
	c.signal()
	c.owner.overflowed(c, reason)
	return Overflowed
}

// Close disconnects c once already queued payloads are written.
func (c *Conn) Close(reason proto.Reason) {
	c.shutdown(reason, false)
}

// Abort disconnects c and discards whatever is still queued.
func (c *Conn) Abort(reason proto.Reason) {
	c.shutdown(reason, true)
}

func (c *Conn) shutdown(reason proto.Reason, abort bool) {
	c.mu.Lock()
	first := c.closeLocked(reason, abort)
	c.mu.Unlock()
	if !first {
		return
	}
	c.signal()
	c.owner.forget(c, reason)
}

func (c *Conn) closeLocked(reason proto.Reason, abort bool) bool {
	if c.closed {
		if abort {
			c.queue.reset()
		}
		return false
	}
	c.closed = true
	c.reason = reason
	if abort {
		c.queue.reset()
	}
	return true
}

// Closed reports whether c stopped accepting payloads.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Reason returns why c was closed.
func (c *Conn) Reason() proto.Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed once the writer has exited and the transport is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Stats reports send-side counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Sent: c.sent.Load(), Dropped: c.dropped, Queued: c.queue.len()}
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run drains the queue with vectored writes until c is closed and empty.
func (c *Conn) run() {
	defer close(c.done)
	defer c.transport.Close()

	batch := make([][]byte, 0, maxBatch)
	for {
		c.mu.Lock()
		for c.queue.len() == 0 && !c.closed {
			c.mu.Unlock()
			<-c.wake
			c.mu.Lock()
		}
		if c.queue.len() == 0 {
			c.mu.Unlock()
			return
		}
		batch = c.queue.take(batch[:0], maxBatch)
		c.fullSince = time.Time{}
		c.mu.Unlock()

		if err := c.transport.WriteBatch(batch); err != nil {
			c.shutdown(proto.NewReason(proto.ReasonLostConnection, err.Error()), true)
			return
		}
		c.sent.Add(uint64(len(batch)))
		clear(batch)
	}
}

type netTransport struct {
	conn    net.Conn
	timeout time.Duration
}

// NewNetTransport writes batches to conn with a single vectored write each.
// A positive timeout bounds every batch.
func NewNetTransport(conn net.Conn, timeout time.Duration) Transport {
	return &netTransport{conn: conn, timeout: timeout}
}

func (t *netTransport) WriteBatch(payloads [][]byte) error {
	if t.timeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			return err
		}
	}
	bufs := net.Buffers(payloads)
	_, err := bufs.WriteTo(t.conn)
	return err
}

func (t *netTransport) Close() error {
	return t.conn.Close()
}
