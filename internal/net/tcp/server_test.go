package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"tickrelay/server/internal/net/intake"
)

func startServer(t *testing.T, cfg Config, acceptor intake.Acceptor) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(cfg, acceptor, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	deadline := time.Now().Add(time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("server never started")
		}
		time.Sleep(time.Millisecond)
	}
	return srv, cancel, done
}

func echoAcceptor() intake.Acceptor {
	return intake.AcceptorFunc(func(ctx context.Context, c intake.Client) error {
		return intake.Pump(ctx, c, intake.PumpConfig{}, func(p []byte) error {
			return c.WriteBatch([][]byte{append([]byte(nil), p...)})
		})
	})
}

func TestServerEchoesThroughAcceptor(t *testing.T) {
	srv, cancel, done := startServer(t, Config{}, echoAcceptor())

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected echo, got %q", buf)
	}
	conn.Close()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected graceful shutdown, got %v", err)
	}
}

func TestServerForcesCloseAfterTimeout(t *testing.T) {
	accepted := make(chan struct{}, 1)
	blocking := intake.AcceptorFunc(func(ctx context.Context, c intake.Client) error {
		accepted <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	srv, cancel, done := startServer(t, Config{ShutdownTimeout: 50 * time.Millisecond}, blocking)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatalf("connection never accepted")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Fatalf("expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after forced close")
	}
}

func TestServerRejectsOverRate(t *testing.T) {
	accepted := make(chan struct{}, 4)
	blocking := intake.AcceptorFunc(func(ctx context.Context, c intake.Client) error {
		accepted <- struct{}{}
		<-ctx.Done()
		return nil
	})
	srv, cancel, done := startServer(t, Config{AcceptRate: 0.001, AcceptBurst: 1, ShutdownTimeout: 50 * time.Millisecond}, blocking)
	defer func() {
		cancel()
		<-done
	}()

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	<-accepted

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected rejected connection to be closed")
	}
	select {
	case <-accepted:
		t.Fatalf("over-rate connection reached the acceptor")
	default:
	}
}
