package router

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"tickrelay/server/internal/egress"
	"tickrelay/server/internal/net/proto"
	"tickrelay/server/internal/registry"
	"tickrelay/server/internal/spatial"
	"tickrelay/server/internal/telemetry"
	"tickrelay/server/logging"
)

type recorder struct {
	mu      sync.Mutex
	written []string
}

func (r *recorder) WriteBatch(payloads [][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range payloads {
		r.written = append(r.written, string(p))
	}
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.written...)
}

type fixture struct {
	t       *testing.T
	reg     *registry.Registry
	router  *Router
	metrics *logging.Metrics
	conns   []*registry.Conn
	outs    []*recorder
	up      []proto.Envelope
}

func newFixture(t *testing.T, n int, cfg Config) *fixture {
	t.Helper()
	f := &fixture{t: t, metrics: &logging.Metrics{}}
	f.reg = registry.New(registry.Config{}, registry.Deps{})
	r, err := New(cfg, f.reg, Deps{
		Metrics:  telemetry.WrapMetrics(f.metrics),
		Upstream: func(env proto.Envelope) { f.up = append(f.up, env) },
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	f.router = r
	f.reg.OnRemove(func(c *registry.Conn, _ proto.Reason) { r.Forget(c.Stream()) })
	for i := 0; i < n; i++ {
		out := &recorder{}
		c, err := f.reg.Register(registry.Identity{Transport: "test"}, out)
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		f.conns = append(f.conns, c)
		f.outs = append(f.outs, out)
	}
	return f
}

func (f *fixture) send(envs ...proto.Envelope) {
	f.t.Helper()
	var frame []byte
	for _, env := range envs {
		frame = proto.Append(frame, env)
	}
	if err := f.router.Handle(context.Background(), frame); err != nil {
		f.t.Fatalf("handle: %v", err)
	}
}

func (f *fixture) enableBroadcasts() {
	for _, c := range f.conns {
		f.send(proto.SetReceiveBroadcasts{Stream: c.Stream()})
	}
}

// expect waits for conn i to have received exactly want.
func (f *fixture) expect(i int, want ...string) {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := f.outs[i].snapshot()
		if len(got) >= len(want) {
			if len(got) != len(want) {
				f.t.Fatalf("conn %d: expected %v, got %v", i, want, got)
			}
			for j := range want {
				if got[j] != want[j] {
					f.t.Fatalf("conn %d: expected %v, got %v", i, want, got)
				}
			}
			return
		}
		if time.Now().After(deadline) {
			f.t.Fatalf("conn %d: expected %v, got %v", i, want, got)
		}
		time.Sleep(time.Millisecond)
	}
}

// settle gives writers a moment so that an absent delivery would show up.
func settle() { time.Sleep(20 * time.Millisecond) }

func TestLocalBroadcastRadiusIsInclusive(t *testing.T) {
	f := newFixture(t, 3, Config{})
	f.enableBroadcasts()
	r := proto.DefaultLocalRadius
	f.send(proto.UpdatePositions{
		Streams:   []uint64{f.conns[0].Stream(), f.conns[1].Stream(), f.conns[2].Stream()},
		Positions: []proto.Vec3{{X: 0.5 * r}, {X: 1.5 * r}, {Z: r}},
	})
	f.send(proto.BroadcastLocal{Center: proto.Vec3{}, Exclude: 0, Payload: []byte("near")}, proto.Flush{Tick: 1})

	f.expect(0, "near")
	f.expect(2, "near")
	settle()
	f.expect(1)
}

func TestPerDestinationOrderWithinTick(t *testing.T) {
	f := newFixture(t, 1, Config{})
	dest := f.conns[0].Stream()
	// One buffer per worker, arriving in worker order.
	for _, order := range []uint32{3, 1, 4, 2} {
		payload := []byte{byte('0' + order)}
		f.send(proto.Unicast{Stream: dest, Order: order, Payload: payload})
	}
	if got := f.outs[0].snapshot(); len(got) != 0 {
		t.Fatalf("expected nothing delivered before flush, got %v", got)
	}
	f.send(proto.Flush{Tick: 9})
	f.expect(0, "1", "2", "3", "4")
}

func TestAggregatedTickArrivesInOrder(t *testing.T) {
	f := newFixture(t, 1, Config{})
	dest := f.conns[0].Stream()
	agg := egress.New(egress.Config{Workers: 4}, nil)

	var wg sync.WaitGroup
	for _, w := range agg.Workers() {
		wg.Add(1)
		go func(w *egress.Worker) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				w.Unicast(dest, []byte{byte(w.ID()), byte(i)})
			}
		}(w)
	}
	wg.Wait()

	var frames [][]byte
	agg.Flush(1, func(buf []byte) { frames = append(frames, buf) })

	// Expected client order is ascending Order regardless of worker.
	byOrder := make(map[uint32]string)
	for _, frame := range frames {
		proto.Walk(frame, func(env proto.Envelope) error {
			if u, ok := env.(proto.Unicast); ok {
				byOrder[u.Order] = string(u.Payload)
			}
			return nil
		})
	}
	var want []string
	for order := uint32(0); order < uint32(len(byOrder)); order++ {
		want = append(want, byOrder[order])
	}
	for _, frame := range frames {
		if err := f.router.Handle(context.Background(), frame); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	f.expect(0, want...)
}

func TestExclusionAndBroadcastGate(t *testing.T) {
	f := newFixture(t, 3, Config{})
	f.send(proto.SetReceiveBroadcasts{Stream: f.conns[0].Stream()}, proto.SetReceiveBroadcasts{Stream: f.conns[1].Stream()})
	exclude := proto.ExcludeBit(f.conns[1].Stream())
	f.send(
		proto.BroadcastGlobal{Exclude: exclude, Payload: []byte("all")},
		proto.Unicast{Stream: f.conns[2].Stream(), Order: 1, Payload: []byte("direct")},
		proto.Flush{Tick: 1},
	)
	f.expect(0, "all")
	f.expect(2, "direct")
	settle()
	f.expect(1)
	f.expect(2, "direct")
}

func TestUnicastMissesAreCounted(t *testing.T) {
	f := newFixture(t, 1, Config{})
	gone := f.conns[0].Stream()
	f.reg.Remove(gone, proto.NewReason(proto.ReasonOther, "left"))
	f.send(
		proto.Unicast{Stream: gone, Payload: []byte("late")},
		proto.Unicast{Stream: 9999, Payload: []byte("foreign")},
		proto.Flush{Tick: 1},
	)
	snap := f.metrics.Snapshot()
	if snap[metricMissLate] != 1 || snap[metricMissForeign] != 1 {
		t.Fatalf("expected one late and one foreign miss, got %+v", snap)
	}
}

func TestRemovalDuringTickIsAtomic(t *testing.T) {
	f := newFixture(t, 2, Config{})
	f.enableBroadcasts()
	f.send(proto.BroadcastGlobal{Payload: []byte("x")})
	f.reg.Remove(f.conns[0].Stream(), proto.NewReason(proto.ReasonLostConnection, "gone"))
	f.send(proto.Flush{Tick: 1})
	f.expect(1, "x")
	<-f.conns[0].Done()
	f.expect(0)
}

func TestChannelLifecycle(t *testing.T) {
	f := newFixture(t, 3, Config{})
	f.enableBroadcasts()
	a, b, c := f.conns[0].Stream(), f.conns[1].Stream(), f.conns[2].Stream()
	f.send(
		proto.AddChannel{Channel: 7, UnsubscribePayload: []byte("bye")},
		proto.Subscribe{Stream: a, Channel: 7},
		proto.Subscribe{Stream: b, Channel: 7},
		proto.Subscribe{Stream: c, Channel: 7},
		proto.Unsubscribe{Stream: c, Channel: 7},
		proto.BroadcastChannel{Channel: 7, Exclude: proto.ExcludeBit(b), Payload: []byte("chat")},
		proto.Flush{Tick: 1},
	)
	f.expect(0, "chat")
	f.send(proto.RemoveChannel{Channel: 7})
	if f.router.Channels() != 1 {
		t.Fatalf("expected channel removal to wait for the flush")
	}
	f.send(proto.Flush{Tick: 2})
	f.expect(0, "chat", "bye")
	f.expect(1, "bye")
	settle()
	f.expect(2)
	if f.conns[0].Subscribed(7) || f.router.Channels() != 0 {
		t.Fatalf("expected channel to be gone")
	}
}

func TestChannelMembershipFollowsPosition(t *testing.T) {
	f := newFixture(t, 3, Config{})
	f.enableBroadcasts()
	a, b, c := f.conns[0].Stream(), f.conns[1].Stream(), f.conns[2].Stream()
	origin := proto.Vec3{}
	f.send(
		proto.UpdatePositions{
			Streams:   []uint64{a, b, c},
			Positions: []proto.Vec3{{}, {X: 10}, {X: 100}},
		},
		proto.AddChannel{Channel: 9, UnsubscribePayload: []byte("left")},
		proto.Subscribe{Stream: c, Channel: 9},
		proto.UpdateChannelPositions{Channels: []uint32{9}, Positions: []proto.Vec3{origin}},
	)
	if len(f.up) != 1 {
		t.Fatalf("expected one upstream request, got %d", len(f.up))
	}
	req, ok := f.up[0].(proto.RequestSubscribeChannelPackets)
	if !ok || len(req.Channels) != 1 || req.Channels[0] != 9 {
		t.Fatalf("unexpected upstream envelope %+v", f.up[0])
	}

	// Pending members see nothing until the subscribe packets arrive.
	f.send(
		proto.BroadcastChannel{Channel: 9, Payload: []byte("early")},
		proto.Flush{Tick: 1},
		proto.UpdateChannelPositions{Channels: []uint32{9}, Positions: []proto.Vec3{origin}},
	)
	if len(f.up) != 1 {
		t.Fatalf("expected no second request while members are pending, got %d", len(f.up))
	}
	f.send(
		proto.SubscribeChannelPackets{Channel: 9, Exclude: proto.ExcludeBit(b), Payload: []byte("state")},
		proto.BroadcastChannel{Channel: 9, Payload: []byte("live")},
		proto.Flush{Tick: 2},
	)
	f.expect(0, "state", "live")
	f.expect(1, "live")
	f.expect(2, "early", "live")
	if !f.conns[0].Subscribed(9) || !f.conns[1].Subscribed(9) {
		t.Fatalf("expected pending members to subscribe")
	}

	// Leaving the radius unsubscribes nearby members only.
	f.send(
		proto.UpdatePositions{Streams: []uint64{b}, Positions: []proto.Vec3{{X: 40}}},
		proto.UpdateChannelPositions{Channels: []uint32{9}, Positions: []proto.Vec3{origin}},
	)
	f.expect(1, "live", "left")
	if f.conns[1].Subscribed(9) {
		t.Fatalf("expected out of range member to be unsubscribed")
	}
	if !f.conns[2].Subscribed(9) {
		t.Fatalf("expected explicit member to stay subscribed")
	}
	settle()
	f.expect(0, "state", "live")
	f.expect(2, "early", "live")
}

func TestChannelPositionsIgnoreStreamsWithoutBroadcasts(t *testing.T) {
	f := newFixture(t, 1, Config{})
	s := f.conns[0].Stream()
	f.send(
		proto.UpdatePositions{Streams: []uint64{s}, Positions: []proto.Vec3{{}}},
		proto.AddChannel{Channel: 3},
		proto.UpdateChannelPositions{Channels: []uint32{3, 4}, Positions: []proto.Vec3{{}, {}}},
	)
	if len(f.up) != 0 {
		t.Fatalf("expected no request for a stream that cannot receive broadcasts, got %+v", f.up)
	}
	if got := f.metrics.Snapshot()[metricUnknownChannels]; got != 1 {
		t.Fatalf("expected unknown channel to be counted once, got %d", got)
	}
}

func TestShutdownAppliesAfterTickPayloads(t *testing.T) {
	f := newFixture(t, 1, Config{})
	s := f.conns[0].Stream()
	f.send(
		proto.Shutdown{Stream: s, Reason: proto.NewReason(proto.ReasonProtocolError, "bad packet")},
		proto.Unicast{Stream: s, Payload: []byte("kick message")},
	)
	if f.conns[0].Closed() {
		t.Fatalf("expected shutdown to wait for the flush")
	}
	f.send(proto.Flush{Tick: 1})
	<-f.conns[0].Done()
	f.expect(0, "kick message")
	if f.conns[0].Reason().Code != proto.ReasonProtocolError {
		t.Fatalf("unexpected reason %v", f.conns[0].Reason())
	}
}

func TestMalformedEnvelopesAreSkipped(t *testing.T) {
	f := newFixture(t, 1, Config{})
	var frame []byte
	frame = binary.LittleEndian.AppendUint32(frame, 3)
	frame = append(frame, 200, 0xAB, 0xCD)
	frame = binary.LittleEndian.AppendUint32(frame, 2)
	frame = append(frame, byte(proto.TagUnicast), 0x01)
	frame = proto.Append(frame, proto.Unicast{Stream: f.conns[0].Stream(), Payload: []byte("ok")})
	frame = proto.Append(frame, proto.Flush{Tick: 1})
	if err := f.router.Handle(context.Background(), frame); err != nil {
		t.Fatalf("handle: %v", err)
	}
	f.expect(0, "ok")
	if got := f.metrics.Snapshot()[metricEnvelopesDrop]; got != 2 {
		t.Fatalf("expected 2 dropped envelopes, got %d", got)
	}

	truncated := proto.Append(nil, proto.Unicast{Stream: 1, Payload: []byte("cut")})
	if err := f.router.Handle(context.Background(), truncated[:len(truncated)-1]); err == nil {
		t.Fatalf("expected truncated frame to fail")
	}
}

func TestEarlyDispatchWithoutFlush(t *testing.T) {
	f := newFixture(t, 1, Config{MaxPendingPerTick: 2})
	s := f.conns[0].Stream()
	f.send(proto.Unicast{Stream: s, Order: 2, Payload: []byte("b")}, proto.Unicast{Stream: s, Order: 1, Payload: []byte("a")})
	f.expect(0, "a", "b")
	if f.router.Pending() != 0 {
		t.Fatalf("expected pending envelopes to be dispatched")
	}
}

func TestIndexRebuiltFromPositions(t *testing.T) {
	f := newFixture(t, 2, Config{IndexKind: spatial.KindGrid})
	f.send(proto.UpdatePositions{Streams: []uint64{f.conns[0].Stream()}, Positions: []proto.Vec3{{X: 1}}})
	if f.router.Index().Len() != 1 {
		t.Fatalf("expected one indexed stream, got %d", f.router.Index().Len())
	}
	f.send(proto.UpdatePositions{Streams: []uint64{f.conns[1].Stream()}, Positions: []proto.Vec3{{X: 2}}})
	if f.router.Index().Len() != 2 {
		t.Fatalf("expected two indexed streams, got %d", f.router.Index().Len())
	}
}
