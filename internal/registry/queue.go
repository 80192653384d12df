package registry

import (
	"fmt"
	"time"
)

const (
	// DefaultQueueItems bounds queued payloads per connection.
	DefaultQueueItems = 1024
	// DefaultQueueBytes bounds queued payload bytes per connection.
	DefaultQueueBytes = 4 << 20
	// DefaultFullWindow is how long a queue may stay saturated before the
	// connection is dropped.
	DefaultFullWindow = 5 * time.Second
	// maxBatch caps the payloads handed to a single vectored write.
	maxBatch = 16
)

// Policy decides what a saturated queue does with new payloads.
type Policy int

const (
	// PolicyDropOldest discards the oldest non-critical payloads to make room.
	// A critical payload that still does not fit disconnects the connection.
	PolicyDropOldest Policy = iota
	// PolicyDisconnect drops the connection as soon as the queue is full.
	PolicyDisconnect
)

func (p Policy) String() string {
	switch p {
	case PolicyDropOldest:
		return "drop_oldest"
	case PolicyDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration string onto a Policy.
func ParsePolicy(value string) (Policy, error) {
	switch value {
	case "", "drop_oldest":
		return PolicyDropOldest, nil
	case "disconnect":
		return PolicyDisconnect, nil
	default:
		return 0, fmt.Errorf("unknown queue policy %q", value)
	}
}

// QueueConfig bounds a connection's send queue.
type QueueConfig struct {
	MaxItems   int
	MaxBytes   int
	Policy     Policy
	FullWindow time.Duration
}

// DefaultQueueConfig returns the production queue bounds.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxItems:   DefaultQueueItems,
		MaxBytes:   DefaultQueueBytes,
		Policy:     PolicyDropOldest,
		FullWindow: DefaultFullWindow,
	}
}

func (c QueueConfig) normalized() QueueConfig {
	def := DefaultQueueConfig()
	if c.MaxItems <= 0 {
		c.MaxItems = def.MaxItems
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.FullWindow <= 0 {
		c.FullWindow = def.FullWindow
	}
	return c
}

// EnqueueResult reports what happened to a payload handed to Enqueue.
type EnqueueResult int

const (
	// Enqueued means the payload will be written.
	Enqueued EnqueueResult = iota
	// EnqueuedDropping means the payload was queued after older non-critical
	// payloads were discarded.
	EnqueuedDropping
	// Dropped means the payload was discarded and the connection kept.
	Dropped
	// Overflowed means the connection was disconnected for overflowing.
	Overflowed
	// Closed means the connection was already gone; nothing was queued.
	Closed
)

func (r EnqueueResult) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case EnqueuedDropping:
		return "enqueued_dropping"
	case Dropped:
		return "dropped"
	case Overflowed:
		return "overflowed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Delivered reports whether the payload made it into the queue.
func (r EnqueueResult) Delivered() bool {
	return r == Enqueued || r == EnqueuedDropping
}

type item struct {
	payload  []byte
	critical bool
}

// ring is a bounded FIFO of payloads. Callers hold the owning Conn's mutex.
type ring struct {
	data  []item
	head  int
	count int
	bytes int
}

func newRing(capacity int) ring {
	return ring{data: make([]item, capacity)}
}

func (r *ring) len() int { return r.count }

func (r *ring) full() bool { return r.count == len(r.data) }

func (r *ring) fits(cfg QueueConfig, n int) bool {
	if r.count == 0 {
		return true
	}
	return r.count < len(r.data) && r.bytes+n <= cfg.MaxBytes
}

func (r *ring) push(it item) {
	idx := (r.head + r.count) % len(r.data)
	r.data[idx] = it
	r.count++
	r.bytes += len(it.payload)
}

// dropOldestNonCritical removes the oldest non-critical item, keeping the
// relative order of the rest. It reports false when every item is critical.
func (r *ring) dropOldestNonCritical() bool {
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.data)
		if r.data[idx].critical {
			continue
		}
		r.bytes -= len(r.data[idx].payload)
		for j := i; j > 0; j-- {
			dst := (r.head + j) % len(r.data)
			src := (r.head + j - 1) % len(r.data)
			r.data[dst] = r.data[src]
		}
		r.data[r.head] = item{}
		r.head = (r.head + 1) % len(r.data)
		r.count--
		return true
	}
	return false
}

// take moves up to limit items into dst in FIFO order.
func (r *ring) take(dst [][]byte, limit int) [][]byte {
	for i := 0; i < limit && r.count > 0; i++ {
		it := r.data[r.head]
		r.data[r.head] = item{}
		r.head = (r.head + 1) % len(r.data)
		r.count--
		r.bytes -= len(it.payload)
		dst = append(dst, it.payload)
	}
	return dst
}

func (r *ring) reset() {
	clear(r.data)
	r.head = 0
	r.count = 0
	r.bytes = 0
}
