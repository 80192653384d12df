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
	"tickrelay/server/internal/egress"
	"tickrelay/server/internal/ingress"
	servernet "tickrelay/server/internal/net"
	"tickrelay/server/internal/net/link"
	"tickrelay/server/internal/sim"
	"tickrelay/server/internal/simhost"
)

// RunSimhost runs the echo simulation behind a proxy link listener until ctx
// is cancelled.
func RunSimhost(ctx context.Context, cfg config.Simhost, opts Options) (err error) {
	instance := uuid.NewString()
	st, err := newStack("simhost", instance, cfg.Logging, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, st.close(err))
	}()

	tlsCfg, err := link.ServerTLS(cfg.Link.TLSConfig())
	if err != nil {
		return fmt.Errorf("failed to load link certificates: %w", err)
	}
	if tlsCfg == nil {
		st.logger.Printf("[simhost] proxy link TLS disabled")
	}

	clk := clock.New()
	decoder := ingress.NewDecoder(cfg.DecoderConfig())
	sim.RegisterPackets(decoder)
	agg := egress.New(cfg.EgressConfig(), st.metrics)
	echo := sim.NewEcho()

	var host *simhost.Host
	loop := sim.NewLoop(echo, agg, func(buf []byte) { host.Send(buf) }, cfg.LoopConfig(), sim.LoopHooks{}, sim.Deps{
		Logger:    st.logger,
		Metrics:   st.metrics,
		Publisher: st.publisher,
		Clock:     clk,
	})
	hostCfg := cfg.HostConfig()
	hostCfg.TLS = tlsCfg
	host = simhost.New(hostCfg, loop, decoder, agg, simhost.Deps{
		Logger:    st.logger,
		Metrics:   st.metrics,
		Publisher: st.publisher,
		Clock:     clk,
	})

	handler := servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Logger:        st.logger,
		Observability: cfg.HTTP.ObservabilityConfig(),
		Role:          "simhost",
		Diagnostics: func() any {
			return map[string]any{
				"host":     host.Stats(),
				"online":   echo.Online(),
				"pending":  loop.Pending(),
				"workers":  agg.Len(),
				"counters": st.counters.Snapshot(),
				"logging":  st.events.Stats(),
			}
		},
		Metrics: st.prom.Handler(),
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	httpLn, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
	}
	linkLn, err := link.Listen(cfg.ListenAddr, tlsCfg)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return host.Serve(gctx, linkLn)
	})
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return serveHTTP(gctx, srv, func() error { return srv.Serve(httpLn) })
	})

	st.started(gctx)
	if opts.Started != nil {
		opts.Started(Addrs{HTTP: httpLn.Addr().String(), Link: linkLn.Addr().String()})
	}
	return ignoreCanceled(g.Wait())
}
