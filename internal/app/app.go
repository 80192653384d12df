// Package app composes the proxy and simhost processes from their
// components and owns their startup and teardown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tickrelay/server/internal/config"
	"tickrelay/server/internal/telemetry"
	"tickrelay/server/logging"
	"tickrelay/server/logging/lifecycle"
	loggingSinks "tickrelay/server/logging/sinks"
)

const (
	// MetricsNamespace prefixes every exported Prometheus series.
	MetricsNamespace = "tickrelay"

	httpShutdownTimeout  = 5 * time.Second
	drainShutdownTimeout = 10 * time.Second
)

// Options overrides process plumbing, mostly for tests.
type Options struct {
	// Logger replaces the zap operational logger.
	Logger telemetry.Logger
	// Stdout receives console and json sink output; nil means os.Stdout.
	Stdout io.Writer
	// Started is invoked once every component is wired and serving.
	Started func(Addrs)
}

// Addrs reports the addresses a process bound.
type Addrs struct {
	HTTP   string
	Link   string
	Client string
}

// stack is the ambient plumbing shared by both processes: the operational
// logger, the structured event router and the metrics fan-out.
type stack struct {
	role      string
	instance  string
	logger    telemetry.Logger
	zap       *zap.Logger
	events    *logging.Router
	publisher logging.Publisher
	prom      *telemetry.Prometheus
	counters  *logging.Metrics
	metrics   telemetry.Metrics
}

func newStack(role, instance string, cfg config.Logging, opts Options) (*stack, error) {
	s := &stack{role: role, instance: instance, logger: opts.Logger}
	if s.logger == nil {
		var built *zap.Logger
		var err error
		if cfg.ZapDevelopment {
			built, err = zap.NewDevelopment()
		} else {
			built, err = zap.NewProduction()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to construct zap logger: %w", err)
		}
		s.zap = built.With(zap.String("role", role), zap.String("instance", instance))
		s.logger = telemetry.WrapZap(s.zap)
	}

	fallbackLogger := log.Default()
	if provider, ok := s.logger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}
	logConfig := cfg.LoggingConfig()
	logConfig.Fields = map[string]any{"role": role, "instance": instance}
	sinks, err := loggingSinks.Build(logConfig, opts.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to construct logging sinks: %w", err)
	}
	router, err := logging.NewRouter(clock.New(), logConfig, fallbackLogger, sinks)
	if err != nil {
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	s.events = router
	s.publisher = router

	s.prom = telemetry.NewPrometheus(MetricsNamespace)
	s.counters = &logging.Metrics{}
	s.metrics = telemetry.Tee(s.prom, telemetry.WrapMetrics(s.counters))
	return s, nil
}

func (s *stack) started(ctx context.Context) {
	lifecycle.ProcessStarted(ctx, s.publisher, lifecycle.ProcessPayload{Role: s.role, Instance: s.instance})
	s.logger.Printf("[%s] %s started", s.role, s.instance)
}

// close publishes the stop event and flushes the event router.
func (s *stack) close(reason error) error {
	payload := lifecycle.ProcessPayload{Role: s.role, Instance: s.instance}
	if reason != nil {
		payload.Reason = reason.Error()
	}
	lifecycle.ProcessStopped(context.Background(), s.publisher, payload)

	ctx, cancel := context.WithTimeout(context.Background(), drainShutdownTimeout)
	defer cancel()
	err := s.events.Close(ctx)
	if err != nil {
		err = fmt.Errorf("failed to close logging router: %w", err)
	}
	if s.zap != nil {
		_ = s.zap.Sync()
	}
	s.logger.Printf("[%s] %s stopped", s.role, s.instance)
	return err
}

// serveHTTP runs serve until ctx ends, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, serve func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
		err = multierr.Append(err, serveErr)
	}
	return err
}

// ignoreCanceled drops the context error a component returns on a clean
// shutdown.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
