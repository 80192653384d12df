// Package proxy terminates client connections and relays them to the
// simhost over one link. Inbound link frames are fanned out by a router;
// client bytes travel upstream as PlayerPackets.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tickrelay/server/internal/net/intake"
	"tickrelay/server/internal/net/link"
	"tickrelay/server/internal/net/proto"
	"tickrelay/server/internal/registry"
	"tickrelay/server/internal/router"
	"tickrelay/server/internal/telemetry"
	"tickrelay/server/logging"
	"tickrelay/server/logging/network"
)

const (
	metricSessions       = "proxy_link_sessions_total"
	metricDialFailures   = "proxy_link_dial_failures_total"
	metricUpstreamFrames = "proxy_upstream_envelopes_total"
	metricRejected       = "proxy_clients_rejected_total"

	// DefaultBackoffInitial is the first reconnect delay.
	DefaultBackoffInitial = 250 * time.Millisecond
	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 10 * time.Second
)

// Backoff tunes link reconnects.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Config tunes a proxy.
type Config struct {
	SimhostAddr string
	// TLS secures the link; nil means plaintext.
	TLS           *tls.Config
	Link          link.Config
	Router        router.Config
	Pump          intake.PumpConfig
	Backoff       Backoff
	UpstreamQueue int
}

// DefaultConfig returns the standard proxy settings.
func DefaultConfig() Config {
	return Config{
		SimhostAddr:   "127.0.0.1:7100",
		Link:          link.DefaultConfig(),
		Router:        router.DefaultConfig(),
		Pump:          intake.DefaultPumpConfig(),
		Backoff:       Backoff{Initial: DefaultBackoffInitial, Max: DefaultBackoffMax},
		UpstreamQueue: DefaultUpstreamQueue,
	}
}

// Deps carries shared infrastructure dependencies.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     clock.Clock
}

// Stats is the proxy's diagnostics view.
type Stats struct {
	Instance    string `json:"instance"`
	LinkUp      bool   `json:"linkUp"`
	Sessions    uint64 `json:"sessions"`
	Connections int    `json:"connections"`
}

// Proxy relays clients registered in its registry to one simhost.
type Proxy struct {
	cfg      Config
	deps     Deps
	instance uuid.UUID
	conns    *registry.Registry

	session  atomic.Pointer[session]
	router   atomic.Pointer[router.Router]
	sessions atomic.Uint64
}

// StreamBase derives the stream id range of a proxy instance: the top 16
// bits come from the instance id so streams from different proxies sharing
// one simhost never collide.
func StreamBase(instance uuid.UUID) uint64 {
	prefix := binary.BigEndian.Uint16(instance[:2])
	if prefix == 0 {
		prefix = 1
	}
	return uint64(prefix) << 48
}

// New constructs a proxy over conns. The registry's removal hook is taken
// over to notify the simhost.
func New(cfg Config, instance uuid.UUID, conns *registry.Registry, deps Deps) (*Proxy, error) {
	if conns == nil {
		return nil, errors.New("proxy: nil registry")
	}
	if cfg.SimhostAddr == "" {
		return nil, errors.New("proxy: simhost address required")
	}
	def := DefaultConfig()
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = def.Backoff.Initial
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = cfg.Backoff.Initial
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
	p := &Proxy{cfg: cfg, deps: deps, instance: instance, conns: conns}
	conns.OnRemove(p.removed)
	return p, nil
}

// Instance returns the proxy's instance id.
func (p *Proxy) Instance() uuid.UUID { return p.instance }

// LinkUp reports whether a simhost link is established.
func (p *Proxy) LinkUp() bool { return p.session.Load() != nil }

// Stats returns a diagnostics snapshot.
func (p *Proxy) Stats() Stats {
	return Stats{
		Instance:    p.instance.String(),
		LinkUp:      p.LinkUp(),
		Sessions:    p.sessions.Load(),
		Connections: p.conns.Len(),
	}
}

// Run keeps a link to the simhost, reconnecting with exponential backoff,
// until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	delay := p.cfg.Backoff.Initial
	for {
		start := p.deps.Clock.Now()
		err := p.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if p.deps.Clock.Since(start) > p.cfg.Backoff.Max {
			delay = p.cfg.Backoff.Initial
		}
		p.logf("[proxy] simhost link: %v; retrying in %s", err, delay)
		timer := p.deps.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay *= 2
		if delay > p.cfg.Backoff.Max {
			delay = p.cfg.Backoff.Max
		}
	}
}

func (p *Proxy) runSession(ctx context.Context) error {
	raw, err := link.Dial(ctx, p.cfg.SimhostAddr, p.cfg.TLS)
	if err != nil {
		p.deps.Metrics.Add(metricDialFailures, 1)
		return fmt.Errorf("dial %s: %w", p.cfg.SimhostAddr, err)
	}
	lc := link.NewConn(raw, p.cfg.Link)

	s := newSession(lc, p.cfg.UpstreamQueue)
	rt, err := router.New(p.cfg.Router, p.conns, router.Deps{
		Logger:    p.deps.Logger,
		Metrics:   p.deps.Metrics,
		Publisher: p.deps.Publisher,
		Upstream:  func(env proto.Envelope) { p.sendDetached(s, env) },
	})
	if err != nil {
		lc.Close()
		return err
	}
	p.router.Store(rt)
	p.session.Store(s)
	p.sessions.Add(1)
	p.deps.Metrics.Add(metricSessions, 1)
	actor := logging.EntityRef{ID: p.instance.String(), Kind: logging.EntityKindProxy}
	network.LinkUp(ctx, p.deps.Publisher, actor, network.LinkPayload{Remote: lc.RemoteAddr()})
	p.logf("[proxy] %s linked to simhost %s", p.instance, lc.RemoteAddr())

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { lc.Close() })
	g.Go(func() error {
		for {
			frame, err := lc.ReadFrame()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			if err := rt.Handle(gctx, frame); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		return s.write(gctx)
	})
	err = g.Wait()
	stop()
	lc.Close()

	p.session.CompareAndSwap(s, nil)
	close(s.done)
	lost := proto.NewReason(proto.ReasonLostConnection, "simhost link lost")
	if ctx.Err() != nil {
		lost = proto.NewReason(proto.ReasonShutdown, "")
	}
	p.conns.Range(func(c *registry.Conn) bool {
		c.Abort(lost)
		return true
	})
	payload := network.LinkPayload{Remote: lc.RemoteAddr()}
	if err != nil && ctx.Err() == nil {
		payload.Error = err.Error()
	}
	network.LinkDown(context.Background(), p.deps.Publisher, actor, payload)
	return err
}

// Accept implements intake.Acceptor: it registers c, announces it upstream
// and pumps its bytes until either side ends the connection.
func (p *Proxy) Accept(ctx context.Context, c intake.Client) error {
	s := p.session.Load()
	if s == nil {
		p.deps.Metrics.Add(metricRejected, 1)
		return ErrLinkDown
	}
	conn, err := p.conns.Register(c.Identity(), c)
	if err != nil {
		p.deps.Metrics.Add(metricRejected, 1)
		return err
	}
	stream := conn.Stream()
	if err := s.send(ctx, proto.PlayerConnect{Stream: stream}); err != nil {
		conn.Abort(proto.NewReason(proto.ReasonLostConnection, err.Error()))
		return err
	}
	p.deps.Metrics.Add(metricUpstreamFrames, 1)

	err = intake.Pump(ctx, c, p.cfg.Pump, func(b []byte) error {
		if err := s.send(ctx, proto.PlayerPackets{Stream: stream, Data: b}); err != nil {
			return err
		}
		p.deps.Metrics.Add(metricUpstreamFrames, 1)
		return nil
	})
	// A connection closed elsewhere (router shutdown, overflow, link loss)
	// ends the pump with a read error that is only a consequence.
	closedElsewhere := conn.Closed()
	if !closedElsewhere {
		p.conns.Remove(stream, intake.ReasonFor(err))
	}
	<-conn.Done()
	if closedElsewhere || err == nil || errors.Is(err, ErrLinkDown) || errors.Is(err, intake.ErrIdle) {
		return nil
	}
	return err
}

// removed tells the router and the simhost that a stream is gone. It runs
// on whichever goroutine removed the connection, so it never blocks.
func (p *Proxy) removed(c *registry.Conn, reason proto.Reason) {
	if rt := p.router.Load(); rt != nil {
		rt.Forget(c.Stream())
	}
	s := p.session.Load()
	if s == nil {
		return
	}
	p.sendDetached(s, proto.PlayerDisconnect{Stream: c.Stream(), Reason: reason})
}

// sendDetached queues env without blocking the caller. A full queue hands the
// send to a goroutine that waits for room or for the link to end.
func (p *Proxy) sendDetached(s *session, env proto.Envelope) {
	switch err := s.trySend(env); {
	case err == nil:
		p.deps.Metrics.Add(metricUpstreamFrames, 1)
	case errors.Is(err, ErrUpstreamBusy):
		go func() {
			if err := s.send(context.Background(), env); err == nil {
				p.deps.Metrics.Add(metricUpstreamFrames, 1)
			}
		}()
	}
}

func (p *Proxy) logf(format string, args ...any) {
	if p.deps.Logger != nil {
		p.deps.Logger.Printf(format, args...)
	}
}
