package logging

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// SinkStats counts one sink's traffic.
type SinkStats struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	clock    clock.Clock
	fallback *log.Logger
	retryMax time.Duration

	// failures is only touched by run.
	failures int
	written  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

func newSinkWorker(name string, sink Sink, cfg Config, clk clock.Clock, fallback *log.Logger) *sinkWorker {
	return &sinkWorker{
		name:     name,
		sink:     sink,
		events:   make(chan Event, cfg.SinkBuffer),
		clock:    clk,
		fallback: fallback,
		retryMax: cfg.RetryMax,
	}
}

// enqueue never blocks. Drops are reported at powers of two.
func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- event:
	default:
		if n := w.dropped.Add(1); n&(n-1) == 0 {
			w.fallback.Printf("sink %s backlog full, %d events dropped", w.name, n)
		}
	}
}

// run writes events until the channel closes. A failed write pauses the
// worker with exponential backoff; the failed event is not retried.
func (w *sinkWorker) run() {
	for event := range w.events {
		if err := w.sink.Write(event); err != nil {
			w.failed.Add(1)
			w.failures++
			delay := w.backoff()
			w.fallback.Printf("sink %s failed: %v (pausing %s)", w.name, err, delay)
			w.clock.Sleep(delay)
			continue
		}
		w.written.Add(1)
		w.failures = 0
	}
}

func (w *sinkWorker) backoff() time.Duration {
	delay := time.Second << min(w.failures-1, 5)
	if delay > w.retryMax {
		delay = w.retryMax
	}
	return delay
}

func (w *sinkWorker) stats() SinkStats {
	return SinkStats{
		Name:    w.name,
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}
