// Package intake defines the client side of the proxy: what an accepted socket
// must provide and how its bytes are pumped upstream.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"tickrelay/server/internal/net/proto"
	"tickrelay/server/internal/registry"
)

const (
	// DefaultIdleTimeout matches the ingress idle window.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultReadBuffer is the largest chunk forwarded per read.
	DefaultReadBuffer = 16 << 10
)

// ErrIdle reports a client that sent nothing within the idle window.
var ErrIdle = errors.New("intake: client idle")

// Client is one accepted client socket. Writes go through the registry
// writer; reads are only issued by Pump.
type Client interface {
	registry.Transport
	Read(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Identity() registry.Identity
}

// Acceptor takes ownership of an accepted client. Accept blocks for the
// lifetime of the client.
type Acceptor interface {
	Accept(ctx context.Context, c Client) error
}

// AcceptorFunc adapts a function into an Acceptor.
type AcceptorFunc func(ctx context.Context, c Client) error

// Accept implements Acceptor.
func (f AcceptorFunc) Accept(ctx context.Context, c Client) error {
	return f(ctx, c)
}

// PumpConfig tunes the client read loop.
type PumpConfig struct {
	IdleTimeout time.Duration
	ReadBuffer  int
}

// DefaultPumpConfig returns the standard read loop settings.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{IdleTimeout: DefaultIdleTimeout, ReadBuffer: DefaultReadBuffer}
}

// Pump reads c until it closes, idles out or ctx ends, handing each chunk to
// forward. forward must not retain p. A clean EOF returns nil.
func Pump(ctx context.Context, c Client, cfg PumpConfig, forward func(p []byte) error) error {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, cfg.ReadBuffer)
	for {
		if cfg.IdleTimeout > 0 {
			if err := c.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
				return fmt.Errorf("set read deadline: %w", err)
			}
		}
		n, err := c.Read(buf)
		if n > 0 {
			if ferr := forward(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case isTimeout(err):
			return fmt.Errorf("%w after %s", ErrIdle, cfg.IdleTimeout)
		default:
			return fmt.Errorf("read: %w", err)
		}
	}
}

// ReasonFor maps a Pump result to the reason the simulation is given.
func ReasonFor(err error) proto.Reason {
	switch {
	case err == nil:
		return proto.NewReason(proto.ReasonLostConnection, "client closed")
	case errors.Is(err, ErrIdle):
		return proto.NewReason(proto.ReasonIdleTimeout, "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return proto.NewReason(proto.ReasonShutdown, "")
	default:
		return proto.NewReason(proto.ReasonLostConnection, err.Error())
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
