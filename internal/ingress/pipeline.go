package ingress

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"tickrelay/server/internal/fragment"
	"tickrelay/server/internal/telemetry"
	"tickrelay/server/logging"
	ingresslog "tickrelay/server/logging/ingress"
)

const (
	metricPackets        = "ingress_packets_total"
	metricProtocolErrors = "ingress_protocol_errors_total"
	metricIdleTimeouts   = "ingress_idle_timeouts_total"

	// DefaultIdleTimeout is the window a connection has to complete a packet.
	DefaultIdleTimeout = 30 * time.Second
)

// ErrIdleTimeout reports a connection that completed no packet within the
// idle window.
var ErrIdleTimeout = errors.New("ingress: idle timeout")

// Sink receives decoded events in per-connection arrival order.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, ev Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, ev)
}

// Config tunes a pipeline.
type Config struct {
	IdleTimeout time.Duration
}

// DefaultConfig returns the standard pipeline settings.
func DefaultConfig() Config {
	return Config{IdleTimeout: DefaultIdleTimeout}
}

// Deps carries the shared infrastructure a pipeline reports through.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     clock.Clock
}

// Pipeline decodes the frames of one connection and hands them to a Sink.
type Pipeline struct {
	stream  uint64
	cursor  *fragment.Cursor
	decoder *Decoder
	sink    Sink
	cfg     Config
	deps    Deps
}

// NewPipeline binds a cursor to a decoder and sink. The pipeline takes
// ownership of the cursor.
func NewPipeline(stream uint64, cursor *fragment.Cursor, decoder *Decoder, sink Sink, cfg Config, deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if decoder == nil {
		decoder = NewDecoder(DefaultDecoderConfig())
	}
	return &Pipeline{stream: stream, cursor: cursor, decoder: decoder, sink: sink, cfg: cfg, deps: deps}
}

// Run decodes until the chain closes (nil), ctx is cancelled, the idle
// window lapses (ErrIdleTimeout), input is malformed (*ProtocolError), or the
// sink fails. Once ctx is cancelled no further event reaches the sink, even
// if committed frames remain.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.cursor.Close()
	last := p.deps.Clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, ok := p.cursor.TryNext()
		if !ok {
			var err error
			pkt, err = p.wait(ctx, last)
			if err != nil {
				return p.finish(ctx, err)
			}
		}
		last = p.deps.Clock.Now()

		ev, err := p.decoder.Decode(p.stream, pkt)
		if err != nil {
			p.deps.Metrics.Add(metricProtocolErrors, 1)
			var perr *ProtocolError
			reason := err.Error()
			if errors.As(err, &perr) {
				reason = perr.Reason
			}
			ingresslog.ProtocolError(ctx, p.deps.Publisher, p.stream, ingresslog.ProtocolErrorPayload{
				Reason: reason,
				Packet: pkt.Index,
			})
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.sink != nil {
			if err := p.sink.Deliver(ctx, ev); err != nil {
				return err
			}
		}
		p.deps.Metrics.Add(metricPackets, 1)
	}
}

func (p *Pipeline) wait(ctx context.Context, last time.Time) (fragment.Packet, error) {
	if p.cfg.IdleTimeout <= 0 {
		return p.cursor.Next(ctx)
	}
	waitCtx, cancel := p.deps.Clock.WithDeadline(ctx, last.Add(p.cfg.IdleTimeout))
	defer cancel()
	pkt, err := p.cursor.Next(waitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fragment.Packet{}, ErrIdleTimeout
	}
	return pkt, err
}

func (p *Pipeline) finish(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, fragment.ErrClosed):
		return nil
	case errors.Is(err, ErrIdleTimeout):
		p.deps.Metrics.Add(metricIdleTimeouts, 1)
		ingresslog.IdleTimeout(ctx, p.deps.Publisher, p.stream, ingresslog.IdleTimeoutPayload{
			WindowMillis: p.cfg.IdleTimeout.Milliseconds(),
		})
		if p.deps.Logger != nil {
			p.deps.Logger.Printf("[ingress] stream=%d idle for %s, disconnecting", p.stream, p.cfg.IdleTimeout)
		}
		return err
	default:
		return err
	}
}
