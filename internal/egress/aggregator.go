// Package egress collects the envelopes produced by tick workers into
// per-worker encode buffers and hands them to the network at tick end.
package egress

import (
	"runtime"
	"sync/atomic"

	"tickrelay/server/internal/net/proto"
	"tickrelay/server/internal/telemetry"
)

const (
	metricFlushedBuffers = "egress_flushed_buffers_total"
	metricFlushedBytes   = "egress_flushed_bytes_total"
	metricEnvelopes      = "egress_envelopes_total"
	metricAllocations    = "egress_buffer_allocations_total"

	// DefaultBufferSize is the starting capacity of a worker buffer.
	DefaultBufferSize = 16 << 10
	// DefaultMaxRetained caps the capacity of buffers kept for reuse.
	DefaultMaxRetained = 1 << 20
)

// Config tunes the aggregator. MaxIdle bounds the recycled buffers kept
// between ticks; zero sizes it to two per worker plus the tick boundary.
type Config struct {
	Workers     int
	BufferSize  int
	MaxRetained int
	MaxIdle     int
}

// DefaultConfig sizes one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Workers:     runtime.NumCPU(),
		BufferSize:  DefaultBufferSize,
		MaxRetained: DefaultMaxRetained,
	}
}

// Aggregator owns a fixed set of Workers. Workers may be used concurrently
// with each other during a tick; Flush must not overlap any worker use.
type Aggregator struct {
	cfg     Config
	workers []*Worker
	order   atomic.Uint32
	free    chan []byte
	metrics telemetry.Metrics
}

// New constructs an aggregator with cfg.Workers workers.
func New(cfg Config, metrics telemetry.Metrics) *Aggregator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = DefaultMaxRetained
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 2*cfg.Workers + 1
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	a := &Aggregator{cfg: cfg, metrics: metrics, free: make(chan []byte, cfg.MaxIdle)}
	a.workers = make([]*Worker, cfg.Workers)
	for i := range a.workers {
		a.workers[i] = &Worker{id: i, agg: a, buf: a.take()}
	}
	return a
}

// Workers returns the worker handles in partition order.
func (a *Aggregator) Workers() []*Worker {
	return a.workers
}

// Worker returns the handle for partition i.
func (a *Aggregator) Worker(i int) *Worker {
	return a.workers[i]
}

// Len returns the number of workers.
func (a *Aggregator) Len() int {
	return len(a.workers)
}

// Flush hands every non-empty worker buffer to send, replaces it with a
// recycled buffer, then sends a Flush envelope for tick and resets the order
// counter. send takes ownership of each buffer; return it with Recycle once
// written. Flush returns the number of worker buffers sent.
func (a *Aggregator) Flush(tick uint64, send func([]byte)) int {
	sent := 0
	var bytes uint64
	var envelopes uint64
	for _, w := range a.workers {
		if len(w.buf) == 0 {
			continue
		}
		buf := w.buf
		envelopes += uint64(w.envelopes)
		w.buf = a.take()
		w.envelopes = 0
		bytes += uint64(len(buf))
		sent++
		send(buf)
	}
	a.order.Store(0)
	boundary := proto.Append(a.take(), proto.Flush{Tick: tick})
	send(boundary)

	if sent > 0 {
		a.metrics.Add(metricFlushedBuffers, uint64(sent))
		a.metrics.Add(metricFlushedBytes, bytes)
		a.metrics.Add(metricEnvelopes, envelopes)
	}
	return sent
}

// Recycle returns a buffer handed out by Flush. It is safe to call from any
// goroutine. Buffers beyond MaxIdle or above MaxRetained capacity are left to
// the garbage collector.
func (a *Aggregator) Recycle(buf []byte) {
	if buf == nil || cap(buf) > a.cfg.MaxRetained {
		return
	}
	select {
	case a.free <- buf[:0]:
	default:
	}
}

// Idle returns the number of recycled buffers waiting for reuse.
func (a *Aggregator) Idle() int {
	return len(a.free)
}

func (a *Aggregator) take() []byte {
	select {
	case buf := <-a.free:
		return buf
	default:
		a.metrics.Add(metricAllocations, 1)
		return make([]byte, 0, a.cfg.BufferSize)
	}
}

func (a *Aggregator) nextOrder() uint32 {
	return a.order.Add(1) - 1
}
