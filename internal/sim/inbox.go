package sim

import "sync"

const (
	inboxOccupancyMetricKey = "sim_inbox_occupancy"
	inboxHighWaterMetricKey = "sim_inbox_high_water"
	inboxOverflowMetricKey  = "sim_inbox_overflow_total"
)

type inboxMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

// Inbox is the bounded ring that stages ingress events between ticks. Any
// number of pipelines may Offer; only the tick goroutine Drains.
type Inbox struct {
	mu        sync.Mutex
	ring      []Input
	start     int
	size      int
	highWater int
	metrics   inboxMetrics
}

// NewInbox returns an inbox holding at most capacity inputs (minimum one).
func NewInbox(capacity int, metrics inboxMetrics) *Inbox {
	return &Inbox{ring: make([]Input, max(capacity, 1)), metrics: metrics}
}

// Cap is fixed at construction.
func (b *Inbox) Cap() int { return len(b.ring) }

// Offer stages in and reports whether there was room.
func (b *Inbox) Offer(in Input) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == len(b.ring) {
		b.record(inboxOverflowMetricKey, 1)
		return false
	}
	b.ring[(b.start+b.size)%len(b.ring)] = in
	b.size++
	if b.size > b.highWater {
		b.highWater = b.size
		b.store(inboxHighWaterMetricKey, b.highWater)
	}
	b.store(inboxOccupancyMetricKey, b.size)
	return true
}

// Drain appends the staged inputs to dst oldest first and empties the ring.
func (b *Inbox) Drain(dst []Input) []Input {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return dst
	}
	first := b.ring[b.start:min(b.start+b.size, len(b.ring))]
	dst = append(dst, first...)
	if rest := b.size - len(first); rest > 0 {
		dst = append(dst, b.ring[:rest]...)
	}
	clear(b.ring)
	b.start, b.size = 0, 0
	b.store(inboxOccupancyMetricKey, 0)
	return dst
}

func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Inbox) record(key string, delta uint64) {
	if b.metrics != nil {
		b.metrics.Add(key, delta)
	}
}

func (b *Inbox) store(key string, value int) {
	if b.metrics != nil {
		b.metrics.Store(key, uint64(value))
	}
}
