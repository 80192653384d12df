package logging

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// Sink persists events. Each sink is driven by its own worker goroutine, so
// Write is never called concurrently.
type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// NamedSink pairs a sink with the name it is reported under.
type NamedSink struct {
	Name string
	Sink Sink
}

// RouterStats is the router's diagnostics view.
type RouterStats struct {
	Events   uint64      `json:"events"`
	Dropped  uint64      `json:"dropped"`
	Filtered uint64      `json:"filtered"`
	Sinks    []SinkStats `json:"sinks"`
}

// Router fans published events out to sink workers. Publish never blocks:
// a full queue drops the event and counts it.
type Router struct {
	cfg      Config
	clock    clock.Clock
	fallback *log.Logger
	queue    chan Event
	workers  []*sinkWorker
	done     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	events       atomic.Uint64
	dropped      atomic.Uint64
	filtered     atomic.Uint64
	nextDropWarn atomic.Int64
}

// NewRouter starts a router over named. clk stamps events and paces sink
// retries; nil means the wall clock. fallback receives the router's own
// complaints; nil means stderr.
func NewRouter(clk clock.Clock, cfg Config, fallback *log.Logger, named []NamedSink) (*Router, error) {
	cfg = cfg.normalized()
	if clk == nil {
		clk = clock.New()
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	r := &Router{
		cfg:      cfg,
		clock:    clk,
		fallback: fallback,
		queue:    make(chan Event, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	seen := make(map[string]struct{}, len(named))
	for _, n := range named {
		if n.Sink == nil {
			continue
		}
		if _, dup := seen[n.Name]; dup {
			return nil, fmt.Errorf("logging: duplicate sink %q", n.Name)
		}
		seen[n.Name] = struct{}{}
		r.workers = append(r.workers, newSinkWorker(n.Name, n.Sink, cfg, clk, fallback))
	}

	r.wg.Add(1 + len(r.workers))
	go r.dispatch()
	for _, w := range r.workers {
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
	return r, nil
}

// Publish queues event. Events below the minimum severity are counted and
// discarded; events published after Close are ignored.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	if event.Severity < r.cfg.MinimumSeverity {
		r.filtered.Add(1)
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	select {
	case r.queue <- event:
	default:
		r.drop(event)
	}
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, w := range r.workers {
			close(w.events)
		}
	}()
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		case <-r.done:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) forward(event Event) {
	event = event.withFields(r.cfg.Fields)
	r.events.Add(1)
	for _, w := range r.workers {
		w.enqueue(event.Clone())
	}
}

func (r *Router) drop(event Event) {
	total := r.dropped.Add(1)
	now := r.clock.Now().UnixNano()
	next := r.nextDropWarn.Load()
	if now >= next && r.nextDropWarn.CompareAndSwap(next, now+r.cfg.DropWarnInterval.Nanoseconds()) {
		r.fallback.Printf("dropping event type=%s (%d dropped so far)", event.Type, total)
	}
}

// Close stops accepting events, lets the workers drain what is queued, then
// closes every sink. A second Close returns nil immediately.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.done)
	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs error
	for _, w := range r.workers {
		if err := w.sink.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sink %s: %w", w.name, err))
		}
	}
	return errs
}

// Stats returns a diagnostics snapshot.
func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		Events:   r.events.Load(),
		Dropped:  r.dropped.Load(),
		Filtered: r.filtered.Load(),
		Sinks:    make([]SinkStats, 0, len(r.workers)),
	}
	for _, w := range r.workers {
		stats.Sinks = append(stats.Sinks, w.stats())
	}
	return stats
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, w := range r.workers {
		if w.name == name {
			return w.sink
		}
	}
	return nil
}
