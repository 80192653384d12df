// Package simhost accepts proxy links, feeds client bytes into per-stream
// ingress pipelines, and fans every flushed egress buffer out to all links.
package simhost

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"tickrelay/server/internal/fragment"
	"tickrelay/server/internal/ingress"
	"tickrelay/server/internal/net/link"
	"tickrelay/server/internal/net/proto"
	"tickrelay/server/internal/telemetry"
	"tickrelay/server/logging"
	"tickrelay/server/logging/network"
)

const (
	metricLinks          = "simhost_links"
	metricStreams        = "simhost_streams"
	metricProtocolErrors = "simhost_stream_protocol_errors_total"
	metricSlowStreams    = "simhost_stream_could_not_keep_up_total"
	metricSlowLinks      = "simhost_link_could_not_keep_up_total"
	metricDropped        = "simhost_envelopes_dropped_total"
	metricFrames         = "simhost_egress_buffers_total"

	// DefaultOutbox bounds egress buffers queued per link.
	DefaultOutbox = 1024
	// DefaultHandshakeTimeout bounds the TLS handshake of a new link.
	DefaultHandshakeTimeout = 10 * time.Second
)

// ErrLinkTooSlow is the error a link is closed with when its outbox fills.
var ErrLinkTooSlow = errors.New("simhost: link could not keep up")

// Inputs receives stream lifecycle and decoded events. sim.Loop implements it.
type Inputs interface {
	ingress.Sink
	Connect(stream uint64)
	Disconnect(stream uint64, reason proto.Reason)
}

// ChannelRequests is implemented by inputs that answer proxies asking for
// channel subscribe packets.
type ChannelRequests interface {
	RequestChannels(channels []uint32)
}

// Recycler takes back egress buffers once every link has written them.
type Recycler interface {
	Recycle(buf []byte)
}

// Config tunes the host.
type Config struct {
	Addr string
	// TLS secures accepted links; nil means plaintext.
	TLS              *tls.Config
	Link             link.Config
	Fragment         fragment.Config
	Ingress          ingress.Config
	Outbox           int
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the standard host settings.
func DefaultConfig() Config {
	return Config{
		Addr:             ":7100",
		Link:             link.DefaultConfig(),
		Fragment:         fragment.DefaultConfig(),
		Ingress:          ingress.DefaultConfig(),
		Outbox:           DefaultOutbox,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Deps carries shared infrastructure dependencies.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     clock.Clock
}

// Stats is the host's diagnostics view.
type Stats struct {
	Links   int    `json:"links"`
	Streams int    `json:"streams"`
	Buffers uint64 `json:"egressBuffers"`
}

// Host owns the proxy links of one simulation.
type Host struct {
	cfg      Config
	deps     Deps
	inputs   Inputs
	decoder  *ingress.Decoder
	recycler Recycler

	mu      sync.Mutex
	links   map[*linkSession]struct{}
	streams atomic.Int64
	buffers atomic.Uint64
	addr    net.Addr
}

// New constructs a host delivering to inputs. decoder is shared read-only by
// every pipeline; recycler may be nil.
func New(cfg Config, inputs Inputs, decoder *ingress.Decoder, recycler Recycler, deps Deps) *Host {
	if cfg.Outbox <= 0 {
		cfg.Outbox = DefaultOutbox
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if decoder == nil {
		decoder = ingress.NewDecoder(ingress.DefaultDecoderConfig())
	}
	return &Host{
		cfg:      cfg,
		deps:     deps,
		inputs:   inputs,
		decoder:  decoder,
		recycler: recycler,
		links:    make(map[*linkSession]struct{}),
	}
}

// Listen binds cfg.Addr and serves links until ctx is cancelled.
func (h *Host) Listen(ctx context.Context) error {
	ln, err := link.Listen(h.cfg.Addr, h.cfg.TLS)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.cfg.Addr, err)
	}
	return h.Serve(ctx, ln)
}

// Addr reports the bound address once serving.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Serve accepts links on ln until ctx is cancelled, then closes every link
// and waits for their streams to be torn down.
func (h *Host) Serve(ctx context.Context, ln net.Listener) error {
	h.mu.Lock()
	h.addr = ln.Addr()
	h.mu.Unlock()
	h.logf("[simhost] accepting proxy links on %s", ln.Addr())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.logf("[simhost] accept failed: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.serveLink(ctx, raw)
		}()
	}
}

func (h *Host) serveLink(ctx context.Context, raw net.Conn) {
	hctx, cancel := h.deps.Clock.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	err := link.Handshake(hctx, raw)
	cancel()
	if err != nil {
		h.logf("[simhost] refusing link: %v", err)
		raw.Close()
		return
	}

	ls := newLinkSession(h, link.NewConn(raw, h.cfg.Link))
	h.mu.Lock()
	h.links[ls] = struct{}{}
	count := len(h.links)
	h.mu.Unlock()
	h.deps.Metrics.Store(metricLinks, uint64(count))
	actor := logging.EntityRef{ID: ls.conn.RemoteAddr(), Kind: logging.EntityKindLink}
	network.LinkUp(ctx, h.deps.Publisher, actor, network.LinkPayload{Remote: ls.conn.RemoteAddr()})
	h.logf("[simhost] proxy linked from %s", ls.conn.RemoteAddr())

	err = ls.run(ctx)

	h.mu.Lock()
	delete(h.links, ls)
	count = len(h.links)
	h.mu.Unlock()
	h.deps.Metrics.Store(metricLinks, uint64(count))
	ls.closeOutbox()

	payload := network.LinkPayload{Remote: ls.conn.RemoteAddr()}
	if err != nil && ctx.Err() == nil {
		payload.Error = err.Error()
	}
	network.LinkDown(context.Background(), h.deps.Publisher, actor, payload)
}

// Send hands one flushed egress buffer to every link. It takes ownership of
// buf and recycles it once all links have written it. Send is called from
// the tick loop only.
func (h *Host) Send(buf []byte) {
	h.buffers.Add(1)
	h.deps.Metrics.Add(metricFrames, 1)
	h.mu.Lock()
	f := &outFrame{buf: buf, recycler: h.recycler}
	f.refs.Store(int32(len(h.links)) + 1)
	for ls := range h.links {
		if !ls.enqueue(f) {
			f.release()
		}
	}
	h.mu.Unlock()
	f.release()
}

// Stats returns a diagnostics snapshot.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	links := len(h.links)
	h.mu.Unlock()
	return Stats{Links: links, Streams: int(h.streams.Load()), Buffers: h.buffers.Load()}
}

func (h *Host) logf(format string, args ...any) {
	if h.deps.Logger != nil {
		h.deps.Logger.Printf(format, args...)
	}
}

// outFrame is an egress buffer shared by every link outbox.
type outFrame struct {
	buf      []byte
	refs     atomic.Int32
	recycler Recycler
}

func (f *outFrame) release() {
	if f.refs.Add(-1) == 0 && f.recycler != nil {
		f.recycler.Recycle(f.buf)
	}
}
