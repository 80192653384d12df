package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/multiformats/go-varint"

	"tickrelay/server/internal/egress"
	"tickrelay/server/internal/ingress"
	"tickrelay/server/internal/net/proto"
)

func vec3Payload(x, y, z float32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(x))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(y))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(z))
	return b
}

func TestEchoTick(t *testing.T) {
	echo := NewEcho()
	agg := egress.New(egress.Config{Workers: 2}, nil)
	out := &collector{}
	loop := NewLoop(echo, agg, out.send, DefaultLoopConfig(), LoopHooks{}, Deps{})
	ctx := context.Background()

	loop.Connect(1)
	loop.Connect(2)
	loop.Deliver(ctx, rawEvent(1, "ping"))
	chat, err := ingress.CopyUTF8([]byte("hello"))
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	loop.Deliver(ctx, ingress.Event{Stream: 2, PacketID: EchoPacketChat, Kind: ingress.KindText, Text: chat})
	loop.Deliver(ctx, ingress.Event{Stream: 2, PacketID: EchoPacketMove, Kind: ingress.KindRaw, Payload: ingress.CopyBytes(vec3Payload(1, 2, 3))})
	loop.Advance(ctx, TickContext{Tick: 1})

	if echo.Online() != 2 {
		t.Fatalf("expected two online streams, got %d", echo.Online())
	}
	if pos, ok := echo.Position(2); !ok || pos != (proto.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("unexpected position %+v", pos)
	}

	var (
		gates     int
		unicast   *proto.Unicast
		global    *proto.BroadcastGlobal
		local     *proto.BroadcastLocal
		positions *proto.UpdatePositions
	)
	for _, env := range out.envelopes(t) {
		switch e := env.(type) {
		case proto.SetReceiveBroadcasts:
			gates++
		case proto.Unicast:
			unicast = &e
		case proto.BroadcastGlobal:
			global = &e
		case proto.BroadcastLocal:
			local = &e
		case proto.UpdatePositions:
			positions = &e
		}
	}
	if gates != 2 {
		t.Fatalf("expected both streams opened for broadcasts, got %d", gates)
	}
	if unicast == nil || unicast.Stream != 1 || !bytes.Equal(unicast.Payload, AppendPacket(nil, EchoPacketRaw, []byte("ping"))) {
		t.Fatalf("unexpected echo unicast %+v", unicast)
	}
	wantChat := append(varint.ToUvarint(5), "hello"...)
	if global == nil || global.Exclude != proto.ExcludeBit(2) || !bytes.Equal(global.Payload, AppendPacket(nil, EchoPacketChat, wantChat)) {
		t.Fatalf("unexpected chat broadcast %+v", global)
	}
	if local == nil || local.Center != (proto.Vec3{X: 1, Y: 2, Z: 3}) || local.Exclude != proto.ExcludeBit(2) {
		t.Fatalf("unexpected local broadcast %+v", local)
	}
	if positions == nil || len(positions.Streams) != 1 || positions.Streams[0] != 2 {
		t.Fatalf("unexpected position update %+v", positions)
	}

	out.bufs = nil
	loop.Disconnect(1, proto.NewReason(proto.ReasonLostConnection, ""))
	loop.Deliver(ctx, rawEvent(1, "late"))
	loop.Advance(ctx, TickContext{Tick: 2})
	for _, env := range out.envelopes(t) {
		if _, ok := env.(proto.Unicast); ok {
			t.Fatalf("expected no output for a departed stream, got %+v", env)
		}
	}
}

func TestAppendPacketRoundTrip(t *testing.T) {
	pkt := AppendPacket(nil, 300, []byte("xyz"))
	length, n, err := varint.FromUvarint(pkt)
	if err != nil || int(length) != len(pkt)-n {
		t.Fatalf("bad length prefix %d (%v)", length, err)
	}
	id, m, err := varint.FromUvarint(pkt[n:])
	if err != nil || id != 300 {
		t.Fatalf("bad id %d (%v)", id, err)
	}
	if string(pkt[n+m:]) != "xyz" {
		t.Fatalf("unexpected payload %q", pkt[n+m:])
	}
}
