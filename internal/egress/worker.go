package egress

import "tickrelay/server/internal/net/proto"

// Worker is the encode buffer of one tick partition. A Worker must only be
// used by the goroutine running its partition.
type Worker struct {
	id        int
	agg       *Aggregator
	buf       []byte
	envelopes int
}

// ID returns the partition index.
func (w *Worker) ID() int { return w.id }

// Buffered returns the number of encoded bytes pending for this tick.
func (w *Worker) Buffered() int { return len(w.buf) }

// Unicast queues payload for one stream.
func (w *Worker) Unicast(stream uint64, payload []byte) {
	w.append(proto.Unicast{Stream: stream, Order: w.agg.nextOrder(), Payload: payload})
}

// BroadcastLocal queues payload for every stream near center.
func (w *Worker) BroadcastLocal(center proto.Vec3, exclude uint64, payload []byte) {
	w.append(proto.BroadcastLocal{Center: center, Exclude: exclude, Order: w.agg.nextOrder(), Payload: payload})
}

// BroadcastGlobal queues payload for every connected stream.
func (w *Worker) BroadcastGlobal(exclude uint64, payload []byte) {
	w.append(proto.BroadcastGlobal{Exclude: exclude, Order: w.agg.nextOrder(), Payload: payload})
}

// BroadcastChannel queues payload for the subscribers of channel.
func (w *Worker) BroadcastChannel(channel uint32, exclude uint64, payload []byte) {
	w.append(proto.BroadcastChannel{Channel: channel, Exclude: exclude, Order: w.agg.nextOrder(), Payload: payload})
}

// UpdatePositions replaces the proxy's positions for the given streams.
func (w *Worker) UpdatePositions(streams []uint64, positions []proto.Vec3) {
	w.append(proto.UpdatePositions{Streams: streams, Positions: positions})
}

// SetReceiveBroadcasts enables broadcast delivery to stream.
func (w *Worker) SetReceiveBroadcasts(stream uint64) {
	w.append(proto.SetReceiveBroadcasts{Stream: stream})
}

// Shutdown disconnects stream once this tick's payloads are routed.
func (w *Worker) Shutdown(stream uint64, reason proto.Reason) {
	w.append(proto.Shutdown{Stream: stream, Reason: reason})
}

// Subscribe makes stream an explicit member of channel.
func (w *Worker) Subscribe(stream uint64, channel uint32) {
	w.append(proto.Subscribe{Stream: stream, Channel: channel})
}

// Unsubscribe drops stream from channel without the unsubscribe payload.
func (w *Worker) Unsubscribe(stream uint64, channel uint32) {
	w.append(proto.Unsubscribe{Stream: stream, Channel: channel})
}

// AddChannel declares channel; unsubscribe is sent to members on removal.
func (w *Worker) AddChannel(channel uint32, unsubscribe []byte) {
	w.append(proto.AddChannel{Channel: channel, UnsubscribePayload: unsubscribe})
}

// RemoveChannel drops channel after this tick's payloads are routed.
func (w *Worker) RemoveChannel(channel uint32) {
	w.append(proto.RemoveChannel{Channel: channel})
}

// UpdateChannelPositions moves channels; the proxy subscribes streams in range.
func (w *Worker) UpdateChannelPositions(channels []uint32, positions []proto.Vec3) {
	w.append(proto.UpdateChannelPositions{Channels: channels, Positions: positions})
}

// SubscribeChannelPackets answers a subscribe request for channel.
func (w *Worker) SubscribeChannelPackets(channel uint32, exclude uint64, payload []byte) {
	w.append(proto.SubscribeChannelPackets{Channel: channel, Exclude: exclude, Payload: payload})
}

func (w *Worker) append(env proto.Envelope) {
	w.buf = proto.Append(w.buf, env)
	w.envelopes++
}
