package sim

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/multiformats/go-varint"

	"tickrelay/server/internal/egress"
	"tickrelay/server/internal/ingress"
	"tickrelay/server/internal/net/proto"
)

// Packet ids understood by Echo.
const (
	EchoPacketRaw   int32 = 0
	EchoPacketChat  int32 = 1
	EchoPacketMove  int32 = 2
	EchoPacketLeave int32 = 3
)

// Preparer is implemented by simulations that reset per-tick state before
// the inbox is drained.
type Preparer interface {
	Prepare(tc TickContext)
}

// Echo is a demo simulation. Raw packets are sent back to their sender, chat
// text is broadcast to every other client, and move packets update the
// sender's position and are relayed to neighbours within the local radius.
// Streams are owned by partition stream % Partitions.
type Echo struct {
	mu        sync.Mutex
	joined    []uint64
	events    []ingress.Event
	positions map[uint64]proto.Vec3
	online    map[uint64]struct{}
}

// NewEcho returns an empty echo simulation.
func NewEcho() *Echo {
	return &Echo{
		positions: make(map[uint64]proto.Vec3),
		online:    make(map[uint64]struct{}),
	}
}

// RegisterPackets installs the decoders for the echo packet ids.
func RegisterPackets(d *ingress.Decoder) {
	d.RegisterText(EchoPacketChat)
}

// AppendPacket frames payload the way clients frame theirs:
// [varint length][varint id][payload].
func AppendPacket(dst []byte, id int32, payload []byte) []byte {
	idBytes := varint.ToUvarint(uint64(id))
	dst = append(dst, varint.ToUvarint(uint64(len(idBytes)+len(payload)))...)
	dst = append(dst, idBytes...)
	return append(dst, payload...)
}

// Position returns the last position a stream reported.
func (e *Echo) Position(stream uint64) (proto.Vec3, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[stream]
	return pos, ok
}

// Online reports the number of connected streams.
func (e *Echo) Online() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.online)
}

func (e *Echo) Prepare(TickContext) {
	e.mu.Lock()
	e.joined = e.joined[:0]
	e.events = e.events[:0]
	e.mu.Unlock()
}

func (e *Echo) OnConnect(stream uint64) {
	e.mu.Lock()
	e.online[stream] = struct{}{}
	e.joined = append(e.joined, stream)
	e.mu.Unlock()
}

func (e *Echo) OnEvent(ev ingress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.online[ev.Stream]; !ok {
		return
	}
	if ev.Kind == ingress.KindRaw && ev.PacketID == EchoPacketMove {
		if pos, ok := decodeVec3(ev.Payload.Bytes()); ok {
			e.positions[ev.Stream] = pos
		}
	}
	e.events = append(e.events, ev)
}

func (e *Echo) OnDisconnect(stream uint64, _ proto.Reason) {
	e.mu.Lock()
	delete(e.online, stream)
	delete(e.positions, stream)
	e.mu.Unlock()
}

// TickPartition emits the output for the streams owned by w. Inputs are
// only read here; the loop never runs it concurrently with the callbacks.
func (e *Echo) TickPartition(ctx context.Context, tc TickContext, w *egress.Worker) error {
	parts := uint64(tc.Partitions)
	if parts == 0 {
		parts = 1
	}
	owned := func(stream uint64) bool { return stream%parts == uint64(w.ID()) }

	for _, stream := range e.joined {
		if owned(stream) {
			w.SetReceiveBroadcasts(stream)
		}
	}

	var streams []uint64
	var positions []proto.Vec3
	for _, ev := range e.events {
		if !owned(ev.Stream) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case ev.Kind == ingress.KindText:
			body := varint.ToUvarint(uint64(ev.Text.Len()))
			body = append(body, ev.Text.Bytes()...)
			w.BroadcastGlobal(proto.ExcludeBit(ev.Stream), AppendPacket(nil, EchoPacketChat, body))
		case ev.PacketID == EchoPacketMove:
			pos, ok := decodeVec3(ev.Payload.Bytes())
			if !ok {
				continue
			}
			streams = append(streams, ev.Stream)
			positions = append(positions, pos)
			w.BroadcastLocal(pos, proto.ExcludeBit(ev.Stream), AppendPacket(nil, EchoPacketMove, ev.Payload.Bytes()))
		case ev.PacketID == EchoPacketLeave:
			w.Shutdown(ev.Stream, proto.NewReason(proto.ReasonOther, "client requested leave"))
		default:
			w.Unicast(ev.Stream, AppendPacket(nil, ev.PacketID, ev.Payload.Bytes()))
		}
	}
	if len(streams) > 0 {
		w.UpdatePositions(streams, positions)
	}
	return nil
}

// decodeVec3 reads three little-endian float32 values.
func decodeVec3(b []byte) (proto.Vec3, bool) {
	if len(b) < 12 {
		return proto.Vec3{}, false
	}
	return proto.Vec3{
		X: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
	}, true
}
