package proto

const (
	// Version tracks the link protocol revision spoken between simhost and proxy.
	Version = 1

	// DefaultLocalRadius is the distance, in world units, a local broadcast reaches.
	DefaultLocalRadius float32 = 16

	// MaxEnvelopeSize bounds the declared length of a single envelope.
	MaxEnvelopeSize = 16 << 20
)

// Tag identifies the variant carried by an envelope.
type Tag uint8

// Server to proxy tags.
const (
	TagBroadcastLocal       Tag = 1
	TagUnicast              Tag = 2
	TagBroadcastChannel     Tag = 3
	TagBroadcastGlobal      Tag = 4
	TagUpdatePositions      Tag = 5
	TagSetReceiveBroadcasts Tag = 6
	TagFlush                Tag = 7
	TagShutdown             Tag = 8
	TagSubscribe            Tag = 9
	TagUnsubscribe          Tag = 10
	TagAddChannel           Tag = 11
	TagRemoveChannel        Tag = 12

	TagUpdateChannelPositions  Tag = 13
	TagSubscribeChannelPackets Tag = 14
)

// Proxy to server tags.
const (
	TagPlayerConnect    Tag = 64
	TagPlayerDisconnect Tag = 65
	TagPlayerPackets    Tag = 66

	TagRequestSubscribeChannelPackets Tag = 67
)

func (t Tag) String() string {
	switch t {
	case TagBroadcastLocal:
		return "broadcast_local"
	case TagUnicast:
		return "unicast"
	case TagBroadcastChannel:
		return "broadcast_channel"
	case TagBroadcastGlobal:
		return "broadcast_global"
	case TagUpdatePositions:
		return "update_positions"
	case TagSetReceiveBroadcasts:
		return "set_receive_broadcasts"
	case TagFlush:
		return "flush"
	case TagShutdown:
		return "shutdown"
	case TagSubscribe:
		return "subscribe"
	case TagUnsubscribe:
		return "unsubscribe"
	case TagAddChannel:
		return "add_channel"
	case TagRemoveChannel:
		return "remove_channel"
	case TagUpdateChannelPositions:
		return "update_channel_positions"
	case TagSubscribeChannelPackets:
		return "subscribe_channel_packets"
	case TagRequestSubscribeChannelPackets:
		return "request_subscribe_channel_packets"
	case TagPlayerConnect:
		return "player_connect"
	case TagPlayerDisconnect:
		return "player_disconnect"
	case TagPlayerPackets:
		return "player_packets"
	default:
		return "unknown"
	}
}

// Vec3 is a world-space position.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Envelope is the closed set of messages exchanged over a link. Only the
// types declared in this package implement it.
type Envelope interface {
	Tag() Tag
	envelope()
}

// Routed envelopes carry a payload and the per-tick order it was produced in.
type Routed interface {
	Envelope
	OrderKey() uint32
	Body() []byte
}

// BroadcastLocal delivers Payload to every connection within the local radius
// of Center whose exclusion bit is not set in Exclude.
type BroadcastLocal struct {
	Center  Vec3
	Exclude uint64
	Order   uint32
	Payload []byte
}

// Unicast delivers Payload to a single stream.
type Unicast struct {
	Stream  uint64
	Order   uint32
	Payload []byte
}

// BroadcastChannel delivers Payload to every subscriber of Channel.
type BroadcastChannel struct {
	Channel uint32
	Exclude uint64
	Order   uint32
	Payload []byte
}

// BroadcastGlobal delivers Payload to every registered connection.
type BroadcastGlobal struct {
	Exclude uint64
	Order   uint32
	Payload []byte
}

// UpdatePositions replaces the known positions of the listed streams.
// Streams and Positions are index aligned.
type UpdatePositions struct {
	Streams   []uint64
	Positions []Vec3
}

// SetReceiveBroadcasts marks a stream as ready for broadcast traffic.
type SetReceiveBroadcasts struct {
	Stream uint64
}

// Flush closes the current tick.
type Flush struct {
	Tick uint64
}

// Shutdown asks the proxy to disconnect a stream.
type Shutdown struct {
	Stream uint64
	Reason Reason
}

// Subscribe adds Stream to Channel until it is unsubscribed or the channel is
// removed. Explicit members are not affected by channel positions.
type Subscribe struct {
	Stream  uint64
	Channel uint32
}

// Unsubscribe removes Stream from Channel without sending the unsubscribe
// payload.
type Unsubscribe struct {
	Stream  uint64
	Channel uint32
}

// AddChannel declares a channel. UnsubscribePayload is sent to members when
// the channel is removed and to nearby members that move out of range.
type AddChannel struct {
	Channel            uint32
	UnsubscribePayload []byte
}

// RemoveChannel drops Channel once the tick's payloads are routed.
type RemoveChannel struct {
	Channel uint32
}

// UpdateChannelPositions places channels in the world. Streams within the
// local radius of a channel become pending members until the channel's
// subscribe packets arrive. Channels and Positions are index aligned.
type UpdateChannelPositions struct {
	Channels  []uint32
	Positions []Vec3
}

// SubscribeChannelPackets carries the state a pending member needs before it
// receives channel broadcasts. Payload goes to every pending member whose
// exclusion bit is not set in Exclude, then all pending members subscribe.
type SubscribeChannelPackets struct {
	Channel uint32
	Exclude uint64
	Payload []byte
}

// PlayerConnect announces a newly accepted client stream.
type PlayerConnect struct {
	Stream uint64
}

// PlayerDisconnect announces that a client stream is gone.
type PlayerDisconnect struct {
	Stream uint64
	Reason Reason
}

// PlayerPackets carries raw client bytes, split at arbitrary boundaries.
type PlayerPackets struct {
	Stream uint64
	Data   []byte
}

// RequestSubscribeChannelPackets asks the simulation for the subscribe
// packets of channels that gained pending members.
type RequestSubscribeChannelPackets struct {
	Channels []uint32
}

func (BroadcastLocal) Tag() Tag       { return TagBroadcastLocal }
func (Unicast) Tag() Tag              { return TagUnicast }
func (BroadcastChannel) Tag() Tag     { return TagBroadcastChannel }
func (BroadcastGlobal) Tag() Tag      { return TagBroadcastGlobal }
func (UpdatePositions) Tag() Tag      { return TagUpdatePositions }
func (SetReceiveBroadcasts) Tag() Tag { return TagSetReceiveBroadcasts }
func (Flush) Tag() Tag                { return TagFlush }
func (Shutdown) Tag() Tag             { return TagShutdown }
func (Subscribe) Tag() Tag            { return TagSubscribe }
func (Unsubscribe) Tag() Tag          { return TagUnsubscribe }
func (AddChannel) Tag() Tag           { return TagAddChannel }
func (RemoveChannel) Tag() Tag        { return TagRemoveChannel }
func (PlayerConnect) Tag() Tag        { return TagPlayerConnect }
func (PlayerDisconnect) Tag() Tag     { return TagPlayerDisconnect }
func (PlayerPackets) Tag() Tag        { return TagPlayerPackets }

func (UpdateChannelPositions) Tag() Tag         { return TagUpdateChannelPositions }
func (SubscribeChannelPackets) Tag() Tag        { return TagSubscribeChannelPackets }
func (RequestSubscribeChannelPackets) Tag() Tag { return TagRequestSubscribeChannelPackets }

func (BroadcastLocal) envelope()       {}
func (Unicast) envelope()              {}
func (BroadcastChannel) envelope()     {}
func (BroadcastGlobal) envelope()      {}
func (UpdatePositions) envelope()      {}
func (SetReceiveBroadcasts) envelope() {}
func (Flush) envelope()                {}
func (Shutdown) envelope()             {}
func (Subscribe) envelope()            {}
func (Unsubscribe) envelope()          {}
func (AddChannel) envelope()           {}
func (RemoveChannel) envelope()        {}
func (PlayerConnect) envelope()        {}
func (PlayerDisconnect) envelope()     {}
func (PlayerPackets) envelope()        {}

func (UpdateChannelPositions) envelope()         {}
func (SubscribeChannelPackets) envelope()        {}
func (RequestSubscribeChannelPackets) envelope() {}

func (e BroadcastLocal) OrderKey() uint32   { return e.Order }
func (e Unicast) OrderKey() uint32          { return e.Order }
func (e BroadcastChannel) OrderKey() uint32 { return e.Order }
func (e BroadcastGlobal) OrderKey() uint32  { return e.Order }

func (e BroadcastLocal) Body() []byte   { return e.Payload }
func (e Unicast) Body() []byte          { return e.Payload }
func (e BroadcastChannel) Body() []byte { return e.Payload }
func (e BroadcastGlobal) Body() []byte  { return e.Payload }

// ExcludeBit returns the exclusion mask bit a connection with the given
// stream id responds to.
func ExcludeBit(stream uint64) uint64 {
	return 1 << (stream % 64)
}
