package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"tickrelay/server/logging"
)

type jsonEvent struct {
	Type     logging.EventType   `json:"type"`
	Tick     uint64              `json:"tick,omitempty"`
	Time     string              `json:"time"`
	Severity logging.Severity    `json:"severity"`
	Category string              `json:"category,omitempty"`
	Actor    string              `json:"actor,omitempty"`
	Targets  []logging.EntityRef `json:"targets,omitempty"`
	Payload  any                 `json:"payload,omitempty"`
	Extra    map[string]any      `json:"extra,omitempty"`
}

// JSON emits newline-delimited events. Output is flushed every MaxBatch
// events and every FlushInterval, whichever comes first. With neither set
// every event is flushed.
type JSON struct {
	mu       sync.Mutex
	writer   *bufio.Writer
	closer   io.Closer
	encoder  *json.Encoder
	maxBatch int
	pending  int
	stop     chan struct{}
	stopped  chan struct{}
}

// NewJSON writes to w. If w is an io.Closer it is closed with the sink.
func NewJSON(w io.Writer, cfg logging.JSONConfig) *JSON {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	sink := &JSON{
		writer:   buf,
		encoder:  json.NewEncoder(buf),
		maxBatch: cfg.MaxBatch,
	}
	if closer, ok := w.(io.Closer); ok {
		sink.closer = closer
	}
	if sink.maxBatch <= 0 && cfg.FlushInterval <= 0 {
		sink.maxBatch = 1
	}
	if cfg.FlushInterval > 0 {
		sink.stop = make(chan struct{})
		sink.stopped = make(chan struct{})
		go sink.flushEvery(cfg.FlushInterval)
	}
	return sink
}

func (s *JSON) Write(event logging.Event) error {
	wire := jsonEvent{
		Type:     event.Type,
		Tick:     event.Tick,
		Time:     event.Time.UTC().Format(time.RFC3339Nano),
		Severity: event.Severity,
		Category: event.Category,
		Actor:    event.Actor.String(),
		Targets:  event.Targets,
		Payload:  event.Payload,
		Extra:    event.Extra,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(wire); err != nil {
		return err
	}
	s.pending++
	if s.maxBatch > 0 && s.pending >= s.maxBatch {
		return s.flushLocked()
	}
	return nil
}

func (s *JSON) Close(context.Context) error {
	if s.stop != nil {
		close(s.stop)
		<-s.stopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.flushLocked()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *JSON) flushLocked() error {
	s.pending = 0
	return s.writer.Flush()
}

func (s *JSON) flushEvery(interval time.Duration) {
	defer close(s.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if s.pending > 0 {
				s.flushLocked()
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
