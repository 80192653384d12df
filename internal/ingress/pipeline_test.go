package ingress

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zlib"
	"github.com/multiformats/go-varint"

	"tickrelay/server/internal/fragment"
	"tickrelay/server/logging"
	ingresslog "tickrelay/server/logging/ingress"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 64)}
}

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func packet(id int32, payload []byte) []byte {
	body := varint.ToUvarint(uint64(id))
	return append(body, payload...)
}

func textPayload(text string) []byte {
	return append(varint.ToUvarint(uint64(len(text))), text...)
}

func TestPipelineDeliversInArrivalOrder(t *testing.T) {
	w, cur := fragment.New(fragment.DefaultConfig())
	decoder := NewDecoder(DefaultDecoderConfig())
	decoder.RegisterText(3)
	sink := newRecordingSink()
	p := NewPipeline(7, cur, decoder, sink, Config{}, Deps{})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	if err := w.WritePacket(packet(1, []byte{0xAA, 0xBB})); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	if err := w.WritePacket(packet(3, textPayload("héllo"))); err != nil {
		t.Fatalf("write text: %v", err)
	}
	w.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not finish")
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].PacketID != 1 || events[0].Kind != KindRaw || !bytes.Equal(events[0].Payload.Bytes(), []byte{0xAA, 0xBB}) {
		t.Fatalf("unexpected raw event: %+v", events[0])
	}
	if events[1].PacketID != 3 || events[1].Kind != KindText || events[1].Text.String() != "héllo" {
		t.Fatalf("unexpected text event: %+v", events[1])
	}
	if events[0].Stream != 7 || events[1].Index != 1 {
		t.Fatalf("unexpected event metadata: %+v %+v", events[0], events[1])
	}
}

func TestPipelineRejectsInvalidUTF8(t *testing.T) {
	w, cur := fragment.New(fragment.DefaultConfig())
	decoder := NewDecoder(DefaultDecoderConfig())
	decoder.RegisterText(3)
	mem := &capturePublisher{}
	p := NewPipeline(1, cur, decoder, newRecordingSink(), Config{}, Deps{Publisher: mem})

	if err := w.WritePacket(packet(3, append(varint.ToUvarint(2), 0xC3, 0x28))); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := p.Run(context.Background())
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected ErrInvalidUTF8 in chain, got %v", err)
	}
	if len(mem.events) != 1 || mem.events[0].Type != ingresslog.EventProtocolError {
		t.Fatalf("expected a protocol error event, got %+v", mem.events)
	}
}

func TestPipelineIdleTimeout(t *testing.T) {
	mock := clock.NewMock()
	_, cur := fragment.New(fragment.DefaultConfig())
	p := NewPipeline(1, cur, nil, newRecordingSink(), Config{IdleTimeout: time.Second}, Deps{Clock: mock})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for {
		mock.Add(500 * time.Millisecond)
		select {
		case err := <-done:
			if !errors.Is(err, ErrIdleTimeout) {
				t.Fatalf("expected ErrIdleTimeout, got %v", err)
			}
			return
		case <-deadline:
			t.Fatalf("idle timeout never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPipelineCancellation(t *testing.T) {
	_, cur := fragment.New(fragment.DefaultConfig())
	p := NewPipeline(1, cur, nil, nil, Config{}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline ignored cancellation")
	}
}

type cancellingSink struct {
	cancel    context.CancelFunc
	delivered int
}

func (s *cancellingSink) Deliver(context.Context, Event) error {
	s.delivered++
	s.cancel()
	return nil
}

func TestPipelineStopsDeliveringOnceCancelled(t *testing.T) {
	w, cur := fragment.New(fragment.DefaultConfig())
	for i := 0; i < 5; i++ {
		if err := w.WritePacket(packet(1, []byte{byte(i)})); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancellingSink{cancel: cancel}
	p := NewPipeline(4, cur, nil, sink, Config{}, Deps{})

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if sink.delivered != 1 {
		t.Fatalf("expected delivery to stop at cancellation, got %d deliveries", sink.delivered)
	}
}

func TestDecoderCompressedFrames(t *testing.T) {
	decoder := NewDecoder(DecoderConfig{CompressionThreshold: 16})
	payload := bytes.Repeat([]byte("abc"), 20)
	inner := packet(9, payload)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	zw.Write(inner)
	zw.Close()
	body := append(varint.ToUvarint(uint64(len(inner))), compressed.Bytes()...)

	ev, err := decoder.Decode(4, fragment.Packet{Body: body})
	if err != nil {
		t.Fatalf("decode compressed: %v", err)
	}
	if ev.PacketID != 9 || !bytes.Equal(ev.Payload.Bytes(), payload) {
		t.Fatalf("unexpected compressed event: id=%d len=%d", ev.PacketID, ev.Payload.Len())
	}

	small := append(varint.ToUvarint(0), packet(2, []byte("hi"))...)
	ev, err = decoder.Decode(4, fragment.Packet{Body: small})
	if err != nil {
		t.Fatalf("decode uncompressed: %v", err)
	}
	if ev.PacketID != 2 || string(ev.Payload.Bytes()) != "hi" {
		t.Fatalf("unexpected uncompressed event: %+v", ev)
	}

	lying := append(varint.ToUvarint(uint64(len(inner)+5)), compressed.Bytes()...)
	if _, err := decoder.Decode(4, fragment.Packet{Body: lying}); err == nil {
		t.Fatalf("expected size mismatch to fail")
	}
}

func TestRawPayloadIsDetachedFromChain(t *testing.T) {
	body := packet(1, []byte("data"))
	ev, err := NewDecoder(DefaultDecoderConfig()).Decode(1, fragment.Packet{Body: body})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	body[len(body)-1] = 'X'
	if string(ev.Payload.Bytes()) != "data" {
		t.Fatalf("expected owned copy, got %q", ev.Payload.Bytes())
	}
}

type capturePublisher struct {
	events []logging.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev logging.Event) {
	c.events = append(c.events, ev)
}
