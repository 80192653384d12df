// Package tcp accepts raw TCP game clients and hands them to an intake
// acceptor.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickrelay/server/internal/net/intake"
	"tickrelay/server/internal/registry"
	"tickrelay/server/internal/telemetry"
)

const (
	metricAccepted = "tcp_accepted_total"
	metricRejected = "tcp_accept_rejected_total"
	metricActive   = "tcp_active_connections"

	// DefaultShutdownTimeout bounds connection draining on shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds one vectored write to a client.
	DefaultWriteTimeout = 10 * time.Second
)

// ErrShutdownTimeout is returned when connections outlive the drain window.
var ErrShutdownTimeout = errors.New("tcp: shutdown timeout exceeded")

// Config tunes the listener.
type Config struct {
	Address string
	// AcceptRate caps new connections per second; zero disables the limit.
	AcceptRate      float64
	AcceptBurst     int
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
}

// DefaultConfig returns the standard listener settings.
func DefaultConfig() Config {
	return Config{
		Address:         ":25565",
		AcceptRate:      200,
		AcceptBurst:     50,
		ShutdownTimeout: DefaultShutdownTimeout,
		WriteTimeout:    DefaultWriteTimeout,
	}
}

// Server accepts TCP clients until its context ends, then drains them.
type Server struct {
	cfg      Config
	acceptor intake.Acceptor
	limiter  *rate.Limiter
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[net.Conn]struct{}
	addr   net.Addr
}

// New constructs a server handing clients to acceptor.
func New(cfg Config, acceptor intake.Acceptor, logger telemetry.Logger, metrics telemetry.Metrics) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	s := &Server{
		cfg:      cfg,
		acceptor: acceptor,
		logger:   logger,
		metrics:  metrics,
		active:   make(map[net.Conn]struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return s
}

// Listen binds cfg.Address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Addr reports the bound address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve accepts on ln until ctx is cancelled. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.logf("[tcp] listening on %s", ln.Addr())

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logf("[tcp] accept failed: %v", err)
				continue
			}
			if s.limiter != nil && !s.limiter.Allow() {
				s.metrics.Add(metricRejected, 1)
				conn.Close()
				continue
			}
			s.metrics.Add(metricAccepted, 1)
			s.track(conn, true)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.track(conn, false)
				s.handle(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logf("[tcp] closing listener: %v", err)
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		s.logf("[tcp] shutdown timeout exceeded, closing %d connections", s.activeCount())
		connCancel()
		s.closeActive()
		<-done
		return ErrShutdownTimeout
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	c := &client{Conn: conn, transport: registry.NewNetTransport(conn, s.cfg.WriteTimeout)}
	defer c.Close()
	if err := s.acceptor.Accept(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
		s.logf("[tcp] client %s: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.active[conn] = struct{}{}
	} else {
		delete(s.active, conn)
	}
	n := len(s.active)
	s.mu.Unlock()
	s.metrics.Store(metricActive, uint64(n))
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) closeActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.active {
		conn.Close()
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// client adapts a net.Conn to intake.Client.
type client struct {
	net.Conn
	transport registry.Transport
}

func (c *client) WriteBatch(payloads [][]byte) error {
	return c.transport.WriteBatch(payloads)
}

func (c *client) Identity() registry.Identity {
	return registry.Identity{Transport: "tcp", Remote: c.RemoteAddr().String()}
}
