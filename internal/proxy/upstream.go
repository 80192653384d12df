package proxy

import (
	"context"
	"errors"

	"tickrelay/server/internal/net/link"
	"tickrelay/server/internal/net/proto"
)

const (
	// DefaultUpstreamQueue bounds envelopes waiting for the link writer.
	DefaultUpstreamQueue = 4096
	// maxCoalesced caps the bytes merged into one upstream frame.
	maxCoalesced = 256 << 10
)

var (
	// ErrLinkDown is returned when no simhost link is established.
	ErrLinkDown = errors.New("proxy: simhost link down")
	// ErrUpstreamBusy is returned by non-blocking sends when the queue is full.
	ErrUpstreamBusy = errors.New("proxy: upstream queue full")
)

// session is one established simhost link. Envelopes queued on up are
// coalesced into frames by the writer.
type session struct {
	conn *link.Conn
	up   chan []byte
	done chan struct{}
}

func newSession(conn *link.Conn, queue int) *session {
	if queue <= 0 {
		queue = DefaultUpstreamQueue
	}
	return &session{conn: conn, up: make(chan []byte, queue), done: make(chan struct{})}
}

// send queues env, blocking while the queue is full.
func (s *session) send(ctx context.Context, env proto.Envelope) error {
	encoded := proto.Append(nil, env)
	select {
	case s.up <- encoded:
		return nil
	case <-s.done:
		return ErrLinkDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues env without blocking.
func (s *session) trySend(env proto.Envelope) error {
	select {
	case <-s.done:
		return ErrLinkDown
	default:
	}
	select {
	case s.up <- proto.Append(nil, env):
		return nil
	default:
		return ErrUpstreamBusy
	}
}

// write drains the queue into frames until ctx ends or a write fails.
func (s *session) write(ctx context.Context) error {
	var frame []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first := <-s.up:
			frame = append(frame[:0], first...)
		drain:
			for len(frame) < maxCoalesced {
				select {
				case next := <-s.up:
					frame = append(frame, next...)
				default:
					break drain
				}
			}
			if err := s.conn.WriteFrame(frame); err != nil {
				return err
			}
		}
	}
}
