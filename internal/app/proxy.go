package app

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tickrelay/server/internal/config"
	servernet "tickrelay/server/internal/net"
	"tickrelay/server/internal/net/link"
	"tickrelay/server/internal/net/tcp"
	"tickrelay/server/internal/net/ws"
	"tickrelay/server/internal/proxy"
	"tickrelay/server/internal/registry"
)

// RunProxy serves clients over TCP and WebSocket, relaying them to the
// simhost, until ctx is cancelled.
func RunProxy(ctx context.Context, cfg config.Proxy, opts Options) (err error) {
	instance := uuid.New()
	st, err := newStack("proxy", instance.String(), cfg.Logging, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, st.close(err))
	}()

	tlsCfg, err := link.ClientTLS(cfg.Link.TLSConfig())
	if err != nil {
		return fmt.Errorf("failed to load link certificates: %w", err)
	}
	if tlsCfg == nil {
		st.logger.Printf("[proxy] simhost link TLS disabled")
	}

	clk := clock.New()
	regCfg := cfg.RegistryConfig()
	regCfg.StreamBase = proxy.StreamBase(instance)
	conns := registry.New(regCfg, registry.Deps{
		Logger:    st.logger,
		Metrics:   st.metrics,
		Publisher: st.publisher,
		Clock:     clk,
	})

	proxyCfg := cfg.ProxyConfig()
	proxyCfg.TLS = tlsCfg
	relay, err := proxy.New(proxyCfg, instance, conns, proxy.Deps{
		Logger:    st.logger,
		Metrics:   st.metrics,
		Publisher: st.publisher,
		Clock:     clk,
	})
	if err != nil {
		return err
	}

	tcpServer := tcp.New(cfg.TCPConfig(), relay, st.logger, st.metrics)
	var gateway *ws.Gateway
	var wsHandler http.Handler
	if cfg.WebSocket {
		gateway = ws.NewGateway(cfg.WSConfig(), relay, st.logger, st.metrics)
		wsHandler = gateway
	}

	handler := servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Logger:        st.logger,
		Observability: cfg.HTTP.ObservabilityConfig(),
		Role:          "proxy",
		Ready:         relay.LinkUp,
		Diagnostics: func() any {
			return map[string]any{
				"proxy":    relay.Stats(),
				"counters": st.counters.Snapshot(),
				"logging":  st.events.Stats(),
			}
		},
		Metrics:   st.prom.Handler(),
		WebSocket: wsHandler,
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}
	if gateway != nil {
		srv.RegisterOnShutdown(func() {
			if err := gateway.Shutdown(context.Background()); err != nil {
				st.logger.Printf("[proxy] websocket shutdown: %v", err)
			}
		})
	}

	httpLn, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
	}
	clientLn, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listen on %s: %w", cfg.TCPAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		return tcpServer.Serve(gctx, clientLn)
	})
	g.Go(func() error {
		return serveHTTP(gctx, srv, func() error { return srv.Serve(httpLn) })
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), drainShutdownTimeout)
		defer cancel()
		if err := conns.Close(closeCtx); err != nil {
			return fmt.Errorf("close registry: %w", err)
		}
		return nil
	})

	st.started(gctx)
	if opts.Started != nil {
		opts.Started(Addrs{HTTP: httpLn.Addr().String(), Client: clientLn.Addr().String()})
	}
	return ignoreCanceled(g.Wait())
}
