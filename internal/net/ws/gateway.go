// Package ws accepts browser clients over gorilla/websocket. Binary messages
// carry raw client bytes; each outbound batch is one binary message.
package ws

import (
	"context"
	"io"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickrelay/server/internal/net/intake"
	"tickrelay/server/internal/registry"
	"tickrelay/server/internal/telemetry"
)

const (
	metricUpgrades       = "ws_upgrades_total"
	metricUpgradeFailure = "ws_upgrade_failures_total"

	// DefaultWriteTimeout bounds one outbound message.
	DefaultWriteTimeout = 10 * time.Second
)

// Config tunes the gateway.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	// MaxMessageSize limits one inbound message; zero means unlimited.
	MaxMessageSize int64
	// CheckOrigin overrides the permissive default origin check.
	CheckOrigin func(r *nethttp.Request) bool
}

// DefaultConfig returns the standard gateway settings.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteTimeout:    DefaultWriteTimeout,
		MaxMessageSize:  1 << 20,
	}
}

// Gateway upgrades HTTP requests and hands the sockets to an acceptor.
type Gateway struct {
	cfg      Config
	acceptor intake.Acceptor
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway constructs a gateway. Accepted clients live until they close or
// Shutdown is called.
func NewGateway(cfg Config, acceptor intake.Acceptor, logger telemetry.Logger, metrics telemetry.Metrics) *Gateway {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *nethttp.Request) bool {
			return true
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:      cfg,
		acceptor: acceptor,
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and blocks for the lifetime of the client.
func (g *Gateway) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	if g.ctx.Err() != nil {
		nethttp.Error(w, "shutting down", nethttp.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.Add(metricUpgradeFailure, 1)
		g.logf("[ws] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	g.metrics.Add(metricUpgrades, 1)
	if g.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(g.cfg.MaxMessageSize)
	}

	g.wg.Add(1)
	defer g.wg.Done()
	client := &client{conn: conn, remote: r.RemoteAddr, writeTimeout: g.cfg.WriteTimeout}
	defer client.Close()
	if err := g.acceptor.Accept(g.ctx, client); err != nil && g.ctx.Err() == nil {
		g.logf("[ws] client %s: %v", r.RemoteAddr, err)
	}
}

// Shutdown stops accepting and cancels every live client, then waits for
// their handlers to return or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// client adapts a websocket connection to intake.Client. Only the registry
// writer calls WriteBatch and only the pump calls Read.
type client struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration
	reader       io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (c *client) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *client) WriteBatch(payloads [][]byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	w, err := c.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if _, err := w.Write(p); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *client) Identity() registry.Identity {
	return registry.Identity{Transport: "ws", Remote: c.remote}
}
