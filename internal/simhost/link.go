package simhost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"tickrelay/server/internal/fragment"
	"tickrelay/server/internal/ingress"
	"tickrelay/server/internal/net/link"
	"tickrelay/server/internal/net/proto"
	ingresslog "tickrelay/server/logging/ingress"
)

// maxCoalesced caps the bytes sent as one outbound frame.
const maxCoalesced = 1 << 20

// stream is one client as seen through a link. Its pipeline goroutine owns
// the simulation disconnect, so no event can follow it.
type stream struct {
	writer *fragment.Writer
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason proto.Reason
	ended  bool
}

// end records why the stream stopped. The first reason wins.
func (st *stream) end(reason proto.Reason) {
	st.mu.Lock()
	if !st.ended {
		st.reason, st.ended = reason, true
	}
	st.mu.Unlock()
}

func (st *stream) endReason() proto.Reason {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.ended {
		return proto.NewReason(proto.ReasonLostConnection, "")
	}
	return st.reason
}

// linkSession serves one proxy link. The reader goroutine demultiplexes
// upstream envelopes; the writer goroutine drains the outbox.
type linkSession struct {
	host *Host
	conn *link.Conn

	outMu    sync.Mutex
	outbox   chan *outFrame
	outDone  bool
	slow     chan struct{}
	slowOnce sync.Once

	mu      sync.Mutex
	streams map[uint64]*stream
	// draining holds torn down streams whose pipeline has not returned.
	draining map[uint64]*stream
	wg       sync.WaitGroup
}

func newLinkSession(h *Host, conn *link.Conn) *linkSession {
	return &linkSession{
		host:    h,
		conn:    conn,
		outbox:  make(chan *outFrame, h.cfg.Outbox),
		slow:    make(chan struct{}),
		streams:  make(map[uint64]*stream),
		draining: make(map[uint64]*stream),
	}
}

func (ls *linkSession) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { ls.conn.Close() })
	g.Go(func() error { return ls.read(gctx) })
	g.Go(func() error { return ls.write(gctx) })
	g.Go(func() error {
		select {
		case <-ls.slow:
			return ErrLinkTooSlow
		case <-gctx.Done():
			return nil
		}
	})
	err := g.Wait()
	stop()
	ls.conn.Close()

	reason := proto.NewReason(proto.ReasonLostConnection, "proxy link lost")
	if ctx.Err() != nil {
		reason = proto.NewReason(proto.ReasonShutdown, "")
	}
	ls.mu.Lock()
	for id := range ls.streams {
		ls.teardownLocked(id, reason)
	}
	ls.mu.Unlock()
	ls.wg.Wait()
	return err
}

func (ls *linkSession) read(ctx context.Context) error {
	for {
		frame, err := ls.conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		skipped, err := proto.Walk(frame, func(env proto.Envelope) error {
			ls.handle(ctx, env)
			return nil
		})
		if skipped > 0 {
			ls.host.deps.Metrics.Add(metricDropped, uint64(skipped))
		}
		if err != nil {
			return err
		}
	}
}

func (ls *linkSession) handle(ctx context.Context, env proto.Envelope) {
	switch e := env.(type) {
	case proto.PlayerConnect:
		ls.connect(ctx, e.Stream)
	case proto.PlayerPackets:
		ls.packets(e.Stream, e.Data)
	case proto.PlayerDisconnect:
		ls.mu.Lock()
		ls.teardownLocked(e.Stream, e.Reason)
		ls.mu.Unlock()
	case proto.RequestSubscribeChannelPackets:
		if cr, ok := ls.host.inputs.(ChannelRequests); ok {
			cr.RequestChannels(e.Channels)
			return
		}
		ls.host.deps.Metrics.Add(metricDropped, 1)
	default:
		ls.host.deps.Metrics.Add(metricDropped, 1)
		ls.host.logf("[simhost] unexpected %s envelope from proxy %s", env.Tag(), ls.conn.RemoteAddr())
	}
}

func (ls *linkSession) connect(ctx context.Context, id uint64) {
	h := ls.host
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if _, ok := ls.streams[id]; ok {
		h.logf("[simhost] duplicate connect for stream %d", id)
		return
	}
	// A reused id waits for the old pipeline's disconnect to go out first.
	for prev, ok := ls.draining[id]; ok; prev, ok = ls.draining[id] {
		ls.mu.Unlock()
		<-prev.done
		ls.mu.Lock()
	}
	w, cur := fragment.New(h.cfg.Fragment)
	pctx, cancel := context.WithCancel(ctx)
	st := &stream{writer: w, cancel: cancel, done: make(chan struct{})}
	ls.streams[id] = st
	h.streams.Add(1)
	h.deps.Metrics.Store(metricStreams, uint64(h.streams.Load()))
	h.inputs.Connect(id)

	pipeline := ingress.NewPipeline(id, cur, h.decoder, h.inputs, h.cfg.Ingress, ingress.Deps{
		Logger:    h.deps.Logger,
		Metrics:   h.deps.Metrics,
		Publisher: h.deps.Publisher,
		Clock:     h.deps.Clock,
	})
	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		defer close(st.done)
		if err := pipeline.Run(pctx); err != nil && pctx.Err() == nil {
			ls.fail(id, st, reasonFor(err))
		}
		h.inputs.Disconnect(id, st.endReason())
		ls.mu.Lock()
		if ls.draining[id] == st {
			delete(ls.draining, id)
		}
		ls.mu.Unlock()
	}()
}

func (ls *linkSession) packets(id uint64, data []byte) {
	h := ls.host
	ls.mu.Lock()
	defer ls.mu.Unlock()
	st, ok := ls.streams[id]
	if !ok {
		return
	}
	err := st.writer.Write(data)
	switch {
	case err == nil:
	case errors.Is(err, fragment.ErrOutstandingLimit):
		limit := h.cfg.Fragment.MaxOutstanding
		if limit <= 0 {
			limit = fragment.DefaultMaxOutstanding
		}
		h.deps.Metrics.Add(metricSlowStreams, 1)
		ingresslog.Backpressure(context.Background(), h.deps.Publisher, id, ingresslog.BackpressurePayload{
			Outstanding: st.writer.Stats().Outstanding,
			Limit:       limit,
		})
		ls.shutdownLocked(id, proto.NewReason(proto.ReasonCouldNotKeepUp, "ingress backlog"))
	case fragment.IsProtocolError(err):
		h.deps.Metrics.Add(metricProtocolErrors, 1)
		ingresslog.ProtocolError(context.Background(), h.deps.Publisher, id, ingresslog.ProtocolErrorPayload{
			Reason: err.Error(),
			Packet: st.writer.Packets(),
		})
		ls.shutdownLocked(id, proto.NewReason(proto.ReasonProtocolError, err.Error()))
	case errors.Is(err, fragment.ErrClosed):
	default:
		ls.shutdownLocked(id, proto.NewReason(proto.ReasonOther, err.Error()))
	}
}

// fail ends a stream whose pipeline stopped on its own.
func (ls *linkSession) fail(id uint64, st *stream, reason proto.Reason) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.streams[id] != st {
		return
	}
	ls.shutdownLocked(id, reason)
}

// shutdownLocked tears the stream down and asks the owning proxy to close
// the client.
func (ls *linkSession) shutdownLocked(id uint64, reason proto.Reason) {
	ls.teardownLocked(id, reason)
	frame := proto.Append(nil, proto.Shutdown{Stream: id, Reason: reason})
	f := &outFrame{buf: frame}
	f.refs.Store(1)
	if !ls.enqueue(f) {
		f.release()
	}
}

func (ls *linkSession) teardownLocked(id uint64, reason proto.Reason) {
	st, ok := ls.streams[id]
	if !ok {
		return
	}
	delete(ls.streams, id)
	ls.draining[id] = st
	st.end(reason)
	st.cancel()
	st.writer.Close()
	h := ls.host
	h.streams.Add(-1)
	h.deps.Metrics.Store(metricStreams, uint64(h.streams.Load()))
}

// enqueue offers f to the outbox without blocking. A full outbox marks the
// link too slow; it is closed rather than skipping part of a tick.
func (ls *linkSession) enqueue(f *outFrame) bool {
	ls.outMu.Lock()
	defer ls.outMu.Unlock()
	if ls.outDone {
		return false
	}
	select {
	case ls.outbox <- f:
		return true
	default:
		ls.slowOnce.Do(func() {
			ls.host.deps.Metrics.Add(metricSlowLinks, 1)
			ls.host.logf("[simhost] proxy %s could not keep up, closing link", ls.conn.RemoteAddr())
			close(ls.slow)
		})
		return false
	}
}

// closeOutbox releases every queued frame once the writer has stopped.
func (ls *linkSession) closeOutbox() {
	ls.outMu.Lock()
	ls.outDone = true
	ls.outMu.Unlock()
	for {
		select {
		case f := <-ls.outbox:
			f.release()
		default:
			return
		}
	}
}

// write sends queued buffers in place. Buffers are released only after the
// socket write returns, since the write reads them directly.
func (ls *linkSession) write(ctx context.Context) error {
	var (
		pending []*outFrame
		parts   [][]byte
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-ls.outbox:
			pending = append(pending[:0], f)
			parts = append(parts[:0], f.buf)
			size := len(f.buf)
		drain:
			for size < maxCoalesced {
				select {
				case next := <-ls.outbox:
					pending = append(pending, next)
					parts = append(parts, next.buf)
					size += len(next.buf)
				default:
					break drain
				}
			}
			err := ls.conn.WriteFrames(parts)
			for _, sent := range pending {
				sent.release()
			}
			clear(parts)
			clear(pending)
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func reasonFor(err error) proto.Reason {
	var perr *ingress.ProtocolError
	switch {
	case errors.As(err, &perr):
		return proto.NewReason(proto.ReasonProtocolError, perr.Error())
	case errors.Is(err, ingress.ErrIdleTimeout):
		return proto.NewReason(proto.ReasonIdleTimeout, "")
	default:
		return proto.NewReason(proto.ReasonCouldNotKeepUp, err.Error())
	}
}
